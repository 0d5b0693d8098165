package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// RequestStatus is the lifecycle state of a certification request.
type RequestStatus string

const (
	StatusPending    RequestStatus = "pending"
	StatusInProgress RequestStatus = "in_progress"
	StatusApproved   RequestStatus = "approved"
	StatusRejected   RequestStatus = "rejected"
	StatusCertified  RequestStatus = "certified"
	StatusReverted   RequestStatus = "reverted"
)

// AllStatuses lists every status value the service can store.
var AllStatuses = []RequestStatus{
	StatusPending, StatusInProgress, StatusApproved, StatusRejected, StatusCertified, StatusReverted,
}

// Valid reports whether s is a canonical status.
func (s RequestStatus) Valid() bool {
	for _, v := range AllStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// Action is a caller's request to move a certification request.
type Action string

const (
	ActionStart    Action = "start"
	ActionApprove  Action = "approve"
	ActionReject   Action = "reject"
	ActionCertify  Action = "certify"
	ActionRevert   Action = "revert"
	ActionResubmit Action = "resubmit"
)

// Target returns the status an action leads to.
func (a Action) Target() (RequestStatus, bool) {
	switch a {
	case ActionStart:
		return StatusInProgress, true
	case ActionApprove:
		return StatusApproved, true
	case ActionReject:
		return StatusRejected, true
	case ActionCertify:
		return StatusCertified, true
	case ActionRevert:
		return StatusReverted, true
	case ActionResubmit:
		return StatusPending, true
	}
	return "", false
}

// Answer is a requester's response to a checkpoint question.
type Answer string

const (
	AnswerUnanswered Answer = "unanswered"
	AnswerYes        Answer = "yes"
	AnswerNo         Answer = "no"
)

// Location is where the certified product is grown.
type Location struct {
	Address   string   `json:"address"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
}

// Checkpoint is one answered question of a request's evidence set.
type Checkpoint struct {
	Index            int     `json:"index"`
	Question         string  `json:"question"`
	RequiresEvidence bool    `json:"requires_evidence"`
	Answer           Answer  `json:"answer"`
	EvidenceURI      *string `json:"evidence_uri,omitempty"`
}

// HasEvidence reports whether a non-empty evidence reference is attached.
func (c Checkpoint) HasEvidence() bool {
	return c.EvidenceURI != nil && *c.EvidenceURI != ""
}

// Checkpoints is persisted as a JSONB array.
type Checkpoints []Checkpoint

// Value marshals checkpoints to JSON for persistence.
func (c Checkpoints) Value() (driver.Value, error) {
	if c == nil {
		c = Checkpoints{}
	}
	data, err := json.Marshal([]Checkpoint(c))
	if err != nil {
		return nil, fmt.Errorf("marshal checkpoints: %w", err)
	}
	return data, nil
}

// Scan unmarshals a JSON array column.
func (c *Checkpoints) Scan(value interface{}) error {
	if value == nil {
		*c = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported type %T for Checkpoints", value)
	}
	if len(data) == 0 {
		*c = nil
		return nil
	}
	var out []Checkpoint
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Errorf("unmarshal checkpoints: %w", err)
	}
	*c = out
	return nil
}

// CertificationRequest is a requester's submission moving through the approval workflow.
type CertificationRequest struct {
	ID          string        `json:"id"`
	RequesterID string        `json:"requester_id"`
	ProductName string        `json:"product_name"`
	Description string        `json:"description"`
	Location    Location      `json:"location"`
	Checkpoints Checkpoints   `json:"checkpoints"`
	Status      RequestStatus `json:"status"`
	InspectorID *string       `json:"inspector_id,omitempty"`
	IssuerID    *string       `json:"issuer_id,omitempty"`
	AnchorRef   *string       `json:"anchor_ref,omitempty"`
	Version     int64         `json:"version"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Clone returns a deep copy so callers can mutate without touching shared state.
func (r *CertificationRequest) Clone() *CertificationRequest {
	if r == nil {
		return nil
	}
	out := *r
	out.Checkpoints = append(Checkpoints(nil), r.Checkpoints...)
	out.InspectorID = cloneString(r.InspectorID)
	out.IssuerID = cloneString(r.IssuerID)
	out.AnchorRef = cloneString(r.AnchorRef)
	return &out
}

// RequestFilter constrains listing queries.
type RequestFilter struct {
	Status      []RequestStatus
	RequesterID string
	InspectorID string
	Unassigned  bool
	Page        int
	PageSize    int
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
