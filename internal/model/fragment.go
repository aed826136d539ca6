package model

type Fragment struct {
	FileID     string    `json:"file_id"`
	Ordinal    int       `json:"ordinal"`
	Content    string    `json:"content"`
	TokenCount int       `json:"token_count"`
	Vector     []float32 `json:"-"`
}

type ProjectFragment struct {
	Fragment
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type"`
}

type EmbeddingCache struct {
	ModelName   string
	TaskType    string
	ContentHash string
	Embedding   []float32
	Ctime       int64
}
