package model

type JobState string

const (
	JobStateQueued     JobState = "queued"
	JobStateExtracting JobState = "extracting"
	JobStateChunking   JobState = "chunking"
	JobStateEmbedding  JobState = "embedding"
	JobStatePersisting JobState = "persisting"
	JobStateSucceeded  JobState = "succeeded"
	JobStateFailed     JobState = "failed"
)

func (s JobState) IsTerminal() bool {
	return s == JobStateSucceeded || s == JobStateFailed
}

type IngestionJob struct {
	FileID        string   `json:"file_id"`
	FileName      string   `json:"file_name"`
	State         JobState `json:"state"`
	Attempts      int      `json:"attempts"`
	FragmentCount int      `json:"fragment_count"`
	Empty         bool     `json:"empty"`
	LastError     string   `json:"last_error,omitempty"`
	Started       int64    `json:"started,omitempty"`
	Finished      int64    `json:"finished,omitempty"`
}

type BatchStatus struct {
	ID         string         `json:"id"`
	ProjectID  string         `json:"project_id"`
	UserID     string         `json:"user_id"`
	Total      int            `json:"total"`
	Queued     int            `json:"queued"`
	InProgress int            `json:"in_progress"`
	Succeeded  int            `json:"succeeded"`
	Failed     int            `json:"failed"`
	Done       bool           `json:"done"`
	Jobs       []IngestionJob `json:"jobs"`
	Ctime      int64          `json:"ctime"`
}
