package models

import "time"

// Evidence is a stored file backing a checkpoint answer.
type Evidence struct {
	ID              string     `db:"id" json:"id"`
	OwnerID         string     `db:"owner_id" json:"owner_id"`
	CheckpointIndex int        `db:"checkpoint_index" json:"checkpoint_index"`
	StorageKey      string     `db:"storage_key" json:"-"`
	MimeType        string     `db:"mime_type" json:"mime_type"`
	SizeBytes       int64      `db:"size_bytes" json:"size_bytes"`
	SHA256          string     `db:"sha256" json:"sha256"`
	RequestID       *string    `db:"request_id" json:"request_id,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	DeletedAt       *time.Time `db:"deleted_at" json:"deleted_at,omitempty"`
}

// EvidenceUpload is returned after a successful upload. URI is the reference to put on the
// checkpoint; DownloadURL is a signed link valid until ExpiresAt.
type EvidenceUpload struct {
	Evidence    *Evidence `json:"evidence"`
	URI         string    `json:"uri"`
	DownloadURL string    `json:"download_url"`
	ExpiresAt   time.Time `json:"expires_at"`
}
