package retrieve

import (
	"fmt"
	"strings"

	"github.com/xxxsen/docqa/internal/model"
)

const noContextText = "No relevant project files found for this query."

// FormatContext renders a retrieval result as a markdown prompt section.
func FormatContext(res *model.RetrievalResult) string {
	if res == nil || len(res.Chunks) == 0 {
		return noContextText
	}
	var sb strings.Builder
	sb.WriteString("## Project Context\n\n")
	fmt.Fprintf(&sb, "Project has %d files of types: %s\n\n", res.Summary.TotalFiles, strings.Join(res.Summary.ContentTypes, ", "))
	sb.WriteString("### Relevant File Excerpts:\n\n")
	for _, chunk := range res.Chunks {
		fmt.Fprintf(&sb, "**%s** (similarity: %.1f%%)\n", chunk.FileName, chunk.Similarity*100)
		fmt.Fprintf(&sb, "```\n%s\n```\n\n", chunk.Content)
	}
	return sb.String()
}
