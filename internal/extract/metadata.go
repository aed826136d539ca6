package extract

// Metadata is a closed set of per-format shapes. Use a type switch to read a
// concrete value.
type Metadata interface {
	Kind() string
	sealed()
}

type TextMetadata struct {
	Lines int `json:"lines"`
}

type MarkdownMetadata struct {
	Headings []string `json:"headings"`
}

type HTMLMetadata struct {
	Title string `json:"title"`
}

type PDFMetadata struct {
	Pages      int `json:"pages"`
	EmptyPages int `json:"empty_pages"`
}

type WordMetadata struct {
	Paragraphs int `json:"paragraphs"`
}

type SpreadsheetMetadata struct {
	Sheets []string `json:"sheets"`
	Rows   int      `json:"rows"`
}

func (TextMetadata) Kind() string        { return "text" }
func (MarkdownMetadata) Kind() string    { return "markdown" }
func (HTMLMetadata) Kind() string        { return "html" }
func (PDFMetadata) Kind() string         { return "pdf" }
func (WordMetadata) Kind() string        { return "word" }
func (SpreadsheetMetadata) Kind() string { return "spreadsheet" }

func (TextMetadata) sealed()        {}
func (MarkdownMetadata) sealed()    {}
func (HTMLMetadata) sealed()        {}
func (PDFMetadata) sealed()         {}
func (WordMetadata) sealed()        {}
func (SpreadsheetMetadata) sealed() {}
