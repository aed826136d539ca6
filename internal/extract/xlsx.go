package extract

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"

	appErr "github.com/xxxsen/docqa/internal/pkg/errors"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

type xlsxExtractor struct{}

func init() {
	Register(xlsxExtractor{})
}

func (xlsxExtractor) ContentTypes() []string {
	return []string{xlsxContentType}
}

func (xlsxExtractor) Extract(ctx context.Context, data []byte) (*Document, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: open xlsx: %v", appErr.ErrCorruptContent, err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	parts := make([]string, 0, len(sheets))
	total := 0
	for _, sheet := range sheets {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rows, err := f.GetRows(sheet)
		if err != nil {
			return nil, fmt.Errorf("%w: read sheet %q: %v", appErr.ErrCorruptContent, sheet, err)
		}
		var sb strings.Builder
		count := 0
		for _, row := range rows {
			line := strings.TrimRight(strings.Join(row, "\t"), "\t ")
			if strings.TrimSpace(line) == "" {
				continue
			}
			sb.WriteString(line)
			sb.WriteByte('\n')
			count++
		}
		if count == 0 {
			continue
		}
		total += count
		parts = append(parts, "# "+sheet+"\n"+strings.TrimRight(sb.String(), "\n"))
	}
	return &Document{
		Text:     strings.Join(parts, "\n\n"),
		Metadata: SpreadsheetMetadata{Sheets: sheets, Rows: total},
	}, nil
}
