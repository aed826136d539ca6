package extract

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	appErr "github.com/xxxsen/docqa/internal/pkg/errors"
)

const maxInvalidUTF8Ratio = 0.5

type textExtractor struct{}

func init() {
	Register(textExtractor{})
}

func (textExtractor) ContentTypes() []string {
	return []string{"text/plain", "text/csv", "text/tab-separated-values", "application/json", "application/xml", "text/xml"}
}

func (textExtractor) Extract(ctx context.Context, data []byte) (*Document, error) {
	text, err := decodeText(data)
	if err != nil {
		return nil, err
	}
	lines := 0
	if text != "" {
		lines = strings.Count(text, "\n") + 1
	}
	return &Document{Text: text, Metadata: TextMetadata{Lines: lines}}, nil
}

func decodeText(data []byte) (string, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if ratio := invalidUTF8Ratio(data); ratio > maxInvalidUTF8Ratio {
		return "", fmt.Errorf("%w: %.0f%% of bytes are not valid utf-8", appErr.ErrCorruptContent, ratio*100)
	}
	return string(data), nil
}
