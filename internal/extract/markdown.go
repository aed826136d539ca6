package extract

import (
	"context"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

var blankLinesRe = regexp.MustCompile(`\n{3,}`)

type markdownExtractor struct {
	md goldmark.Markdown
}

func init() {
	Register(&markdownExtractor{md: goldmark.New()})
}

func (e *markdownExtractor) ContentTypes() []string {
	return []string{"text/markdown", "text/x-markdown"}
}

func (e *markdownExtractor) Extract(ctx context.Context, data []byte) (*Document, error) {
	raw, err := decodeText(data)
	if err != nil {
		return nil, err
	}
	source := []byte(raw)
	doc := e.md.Parser().Parse(text.NewReader(source))

	var sb strings.Builder
	var headings []string
	err = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		switch node := n.(type) {
		case *ast.Text:
			if entering {
				sb.Write(node.Segment.Value(source))
				if node.SoftLineBreak() || node.HardLineBreak() {
					sb.WriteByte('\n')
				}
			}
		case *ast.String:
			if entering {
				sb.Write(node.Value)
			}
		case *ast.AutoLink:
			if entering {
				sb.Write(node.URL(source))
			}
			return ast.WalkSkipChildren, nil
		case *ast.FencedCodeBlock, *ast.CodeBlock, *ast.HTMLBlock:
			if entering {
				lines := n.Lines()
				for i := 0; i < lines.Len(); i++ {
					line := lines.At(i)
					sb.Write(line.Value(source))
				}
				return ast.WalkSkipChildren, nil
			}
		case *ast.Heading:
			if !entering {
				if title := strings.TrimSpace(string(node.Text(source))); title != "" {
					headings = append(headings, title)
				}
			}
		}
		if !entering && n.Type() == ast.TypeBlock && n.Kind() != ast.KindDocument {
			sb.WriteString("\n\n")
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		return nil, err
	}
	out := blankLinesRe.ReplaceAllString(sb.String(), "\n\n")
	return &Document{
		Text:     strings.TrimSpace(out),
		Metadata: MarkdownMetadata{Headings: headings},
	}, nil
}
