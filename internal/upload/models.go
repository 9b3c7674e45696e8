package upload

import "time"

// Status is the lifecycle state of an upload session.
type Status string

const (
	StatusPending    Status = "pending"
	StatusAssembling Status = "assembling"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusExpired    Status = "expired"
)

// Session is the record written at initiation and cross-checked at completion.
type Session struct {
	UploadID      string           `json:"uploadId"`
	FileName      string           `json:"fileName"`
	TotalChunks   int              `json:"totalChunks"`
	FileSize      *int64           `json:"fileSize,omitempty"`
	Checksum      string           `json:"checksum,omitempty"`
	ContentType   string           `json:"contentType"`
	Status        Status           `json:"status"`
	FailureReason string           `json:"failureReason,omitempty"`
	Result        *AssembledObject `json:"result,omitempty"`
	CreatedAt     time.Time        `json:"createdAt"`
	UpdatedAt     time.Time        `json:"updatedAt"`
	ExpiresAt     time.Time        `json:"expiresAt"`
}

// ChunkRecord describes one staged chunk object.
type ChunkRecord struct {
	UploadID   string    `json:"uploadId"`
	Index      int       `json:"chunkIndex"`
	SizeBytes  int64     `json:"sizeBytes"`
	StorageKey string    `json:"storageKey"`
	UploadedAt time.Time `json:"uploadedAt"`
}

// AssembledObject is the final model written by a successful completion.
type AssembledObject struct {
	StoragePath string    `json:"storagePath"`
	FileName    string    `json:"fileName"`
	FileSize    int64     `json:"fileSize"`
	ContentType string    `json:"contentType"`
	Checksum    string    `json:"checksum"`
	SignedURL   string    `json:"signedUrl"`
	PublicURL   string    `json:"publicUrl"`
	CreatedAt   time.Time `json:"createdAt"`
}

// InitiateInput carries the fields accepted by Initiate.
type InitiateInput struct {
	FileName    string
	TotalChunks int
	FileSize    *int64
	Checksum    string
	ContentType string
	UploadID    string
}

// InitiateResult is returned to the client after initiation.
type InitiateResult struct {
	UploadID  string
	ExpiresAt time.Time
}

// ChunkInput carries one base64-encoded chunk.
type ChunkInput struct {
	UploadID    string
	ChunkIndex  *int
	TotalChunks int
	ChunkData   string
	FileName    string
}

// CompleteInput carries the fields accepted by Complete.
type CompleteInput struct {
	UploadID    string
	FileName    string
	TotalChunks int
	Checksum    string
}

// Progress reports a session together with the number of chunks currently staged.
type Progress struct {
	Session        Session
	UploadedChunks int
}
