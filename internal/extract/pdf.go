package extract

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"

	appErr "github.com/xxxsen/docqa/internal/pkg/errors"
)

type pdfExtractor struct{}

func init() {
	Register(pdfExtractor{})
}

func (pdfExtractor) ContentTypes() []string {
	return []string{"application/pdf"}
}

func (pdfExtractor) Extract(ctx context.Context, data []byte) (doc *Document, err error) {
	// the parser panics on some malformed object graphs
	defer func() {
		if r := recover(); r != nil {
			doc = nil
			err = fmt.Errorf("%w: pdf parser panic: %v", appErr.ErrCorruptContent, r)
		}
	}()
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: open pdf: %v", appErr.ErrCorruptContent, err)
	}
	pages := reader.NumPage()
	emptyPages := 0
	parts := make([]string, 0, pages)
	for i := 1; i <= pages; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page := reader.Page(i)
		if page.V.IsNull() {
			emptyPages++
			continue
		}
		content, err := page.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("%w: read pdf page %d: %v", appErr.ErrCorruptContent, i, err)
		}
		content = strings.TrimSpace(content)
		if content == "" {
			emptyPages++
			continue
		}
		parts = append(parts, content)
	}
	return &Document{
		Text:     strings.Join(parts, "\n\n"),
		Metadata: PDFMetadata{Pages: pages, EmptyPages: emptyPages},
	}, nil
}
