package model

type FileStatus string

const (
	FileStatusPending    FileStatus = "pending"
	FileStatusProcessing FileStatus = "processing"
	FileStatusReady      FileStatus = "ready"
	FileStatusEmpty      FileStatus = "empty"
	FileStatusFailed     FileStatus = "failed"
	FileStatusCorrupt    FileStatus = "corrupt"
)

// SourceFile is an uploaded file accepted into a project. Everything but the
// ingestion status fields is fixed at creation.
type SourceFile struct {
	ID            string     `json:"id"`
	ProjectID     string     `json:"project_id"`
	UserID        string     `json:"user_id"`
	Name          string     `json:"name"`
	ContentType   string     `json:"content_type"`
	URL           string     `json:"url"`
	StorageKey    string     `json:"-"`
	Size          int64      `json:"size"`
	Status        FileStatus `json:"status"`
	FragmentCount int        `json:"fragment_count"`
	LastError     string     `json:"last_error,omitempty"`
	Ctime         int64      `json:"ctime"`
	Mtime         int64      `json:"mtime"`
}
