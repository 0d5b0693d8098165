package dto

import "github.com/noah-isme/agricert-api/internal/models"

// CheckpointInput is one submitted checkpoint. Question text and the evidence requirement come
// from the catalog, not from the client.
type CheckpointInput struct {
	Index       int           `json:"index" validate:"min=1"`
	Answer      models.Answer `json:"answer" validate:"omitempty,oneof=unanswered yes no"`
	EvidenceURI *string       `json:"evidence_uri"`
}

// LocationInput describes where the product is grown.
type LocationInput struct {
	Address   string   `json:"address" validate:"required,max=500"`
	Latitude  *float64 `json:"latitude" validate:"omitempty,latitude"`
	Longitude *float64 `json:"longitude" validate:"omitempty,longitude"`
}

// CreateRequestRequest is the payload of POST /certification/requests.
type CreateRequestRequest struct {
	ProductName string            `json:"product_name" validate:"required,max=200"`
	Description string            `json:"description" validate:"max=2000"`
	Location    LocationInput     `json:"location"`
	Checkpoints []CheckpointInput `json:"checkpoints" validate:"required,dive"`
}

// TransitionRequest asks for a status change. ExpectedVersion enables optimistic concurrency.
type TransitionRequest struct {
	Action          models.Action `json:"action" validate:"required,oneof=start approve reject certify revert resubmit"`
	ExpectedVersion *int64        `json:"expected_version" validate:"omitempty,min=1"`
}

// InspectionDecisionRequest is the legacy approve/reject payload.
type InspectionDecisionRequest struct {
	Approved        *bool  `json:"approved" validate:"required"`
	ExpectedVersion *int64 `json:"expected_version" validate:"omitempty,min=1"`
}

// RequestQuery mirrors supported listing filters.
type RequestQuery struct {
	Status   []models.RequestStatus
	Page     int
	PageSize int
}

// RequestView is a request together with what the caller may do next.
type RequestView struct {
	models.CertificationRequest
	AvailableActions []models.Action `json:"available_actions"`
}

// TransitionResponse reports the outcome of a transition call.
type TransitionResponse struct {
	Request *RequestView         `json:"request"`
	Applied bool                 `json:"applied"`
	Anchor  *models.AnchorRecord `json:"anchor,omitempty"`
}

// HistoryResponse lists committed transitions. BrokenAt is set when the digest chain fails to verify.
type HistoryResponse struct {
	RequestID   string                   `json:"request_id"`
	Events      []models.TransitionEvent `json:"events"`
	ChainIntact bool                     `json:"chain_intact"`
	BrokenAt    *int                     `json:"broken_at,omitempty"`
}
