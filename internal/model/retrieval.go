package model

type RetrievedChunk struct {
	FileID     string  `json:"file_id"`
	FileName   string  `json:"file_name"`
	Ordinal    int     `json:"ordinal"`
	Content    string  `json:"content"`
	Similarity float64 `json:"similarity"`
}

type ProjectSummary struct {
	TotalFiles   int      `json:"total_files"`
	ContentTypes []string `json:"content_types"`
}

type RetrievalResult struct {
	Chunks  []RetrievedChunk `json:"chunks"`
	Summary ProjectSummary   `json:"summary"`
}
