package extract

import (
	"context"
	"html"
	"regexp"
	"strings"
)

var (
	htmlScriptRe   = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	htmlStyleRe    = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	htmlNoscriptRe = regexp.MustCompile(`(?is)<noscript[^>]*>.*?</noscript>`)
	htmlCommentRe  = regexp.MustCompile(`(?s)<!--.*?-->`)
	htmlTitleRe    = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)
	htmlHeadRe     = regexp.MustCompile(`(?is)<head[^>]*>.*?</head>`)
	htmlBreakRe    = regexp.MustCompile(`(?i)<(br|/p|/div|/li|/h[1-6]|/tr|/table|/section|/article|/blockquote|/pre)[^>]*>`)
	htmlTagRe      = regexp.MustCompile(`<[^>]+>`)
	spaceRunRe     = regexp.MustCompile(`[ \t\f\v]+`)
)

type htmlExtractor struct{}

func init() {
	Register(htmlExtractor{})
}

func (htmlExtractor) ContentTypes() []string {
	return []string{"text/html", "application/xhtml+xml"}
}

func (htmlExtractor) Extract(ctx context.Context, data []byte) (*Document, error) {
	raw, err := decodeText(data)
	if err != nil {
		return nil, err
	}
	title := ""
	if m := htmlTitleRe.FindStringSubmatch(raw); len(m) == 2 {
		title = strings.TrimSpace(html.UnescapeString(htmlTagRe.ReplaceAllString(m[1], "")))
	}
	body := htmlCommentRe.ReplaceAllString(raw, "")
	body = htmlScriptRe.ReplaceAllString(body, "")
	body = htmlStyleRe.ReplaceAllString(body, "")
	body = htmlNoscriptRe.ReplaceAllString(body, "")
	body = htmlHeadRe.ReplaceAllString(body, "")
	body = htmlBreakRe.ReplaceAllString(body, "\n")
	body = htmlTagRe.ReplaceAllString(body, "")
	body = html.UnescapeString(body)

	lines := strings.Split(body, "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(spaceRunRe.ReplaceAllString(line, " "))
		if line == "" {
			continue
		}
		kept = append(kept, line)
	}
	return &Document{
		Text:     strings.Join(kept, "\n"),
		Metadata: HTMLMetadata{Title: title},
	}, nil
}
