package dto

// UploadEvidenceRequest holds the form fields sent with a checkpoint upload.
type UploadEvidenceRequest struct {
	CheckpointIndex int `form:"checkpoint_index" json:"checkpoint_index" validate:"required,min=1"`
}

// DeleteEvidenceRequest removes unattached evidence by id or by the URI returned at upload.
type DeleteEvidenceRequest struct {
	ID  string `json:"id"`
	URI string `json:"uri"`
}
