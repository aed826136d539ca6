package extract

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/nguyenthenguyen/docx"

	appErr "github.com/xxxsen/docqa/internal/pkg/errors"
)

const docxContentType = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"

type docxExtractor struct{}

func init() {
	Register(docxExtractor{})
}

func (docxExtractor) ContentTypes() []string {
	return []string{docxContentType}
}

func (docxExtractor) Extract(ctx context.Context, data []byte) (*Document, error) {
	file, err := docx.ReadDocxFromMemory(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: open docx: %v", appErr.ErrCorruptContent, err)
	}
	defer file.Close()

	paragraphs, err := wordParagraphs(file.Editable().GetContent())
	if err != nil {
		return nil, fmt.Errorf("%w: parse docx body: %v", appErr.ErrCorruptContent, err)
	}
	return &Document{
		Text:     strings.Join(paragraphs, "\n"),
		Metadata: WordMetadata{Paragraphs: len(paragraphs)},
	}, nil
}

// wordParagraphs walks WordprocessingML and returns the non-empty text of each
// w:p element.
func wordParagraphs(body string) ([]string, error) {
	decoder := xml.NewDecoder(strings.NewReader(body))
	var (
		paragraphs []string
		current    strings.Builder
		inText     bool
	)
	for {
		tok, err := decoder.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				current.WriteByte('\t')
			case "br", "cr":
				current.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				if p := strings.TrimSpace(current.String()); p != "" {
					paragraphs = append(paragraphs, p)
				}
				current.Reset()
			}
		case xml.CharData:
			if inText {
				current.Write(t)
			}
		}
	}
	if p := strings.TrimSpace(current.String()); p != "" {
		paragraphs = append(paragraphs, p)
	}
	return paragraphs, nil
}
