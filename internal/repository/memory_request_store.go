package repository

import (
	"context"
	"database/sql"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/noah-isme/agricert-api/internal/models"
)

// MemoryRequestStore keeps requests in process with the same conditional-update contract as
// RequestRepository. It backs engine tests and single-node demos.
type MemoryRequestStore struct {
	mu       sync.RWMutex
	requests map[string]*models.CertificationRequest
	events   map[string][]models.TransitionEvent
	anchors  map[string]models.AnchorRecord
	evidence map[string]string
}

// NewMemoryRequestStore builds an empty store.
func NewMemoryRequestStore() *MemoryRequestStore {
	return &MemoryRequestStore{
		requests: make(map[string]*models.CertificationRequest),
		events:   make(map[string][]models.TransitionEvent),
		anchors:  make(map[string]models.AnchorRecord),
		evidence: make(map[string]string),
	}
}

func (s *MemoryRequestStore) Create(_ context.Context, req *models.CertificationRequest) error {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Version == 0 {
		req.Version = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[req.ID] = req.Clone()
	return nil
}

// CreateWithEvidence stores the request and claims the evidence ids for it. Ids already
// claimed by another request fail the whole call with ErrEvidenceUnavailable.
func (s *MemoryRequestStore) CreateWithEvidence(_ context.Context, req *models.CertificationRequest, evidenceIDs []string) error {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Version == 0 {
		req.Version = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range evidenceIDs {
		if _, taken := s.evidence[id]; taken {
			return ErrEvidenceUnavailable
		}
	}
	for _, id := range evidenceIDs {
		s.evidence[id] = req.ID
	}
	s.requests[req.ID] = req.Clone()
	return nil
}

// AttachedEvidence lists the evidence ids claimed by a request.
func (s *MemoryRequestStore) AttachedEvidence(requestID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, owner := range s.evidence {
		if owner == requestID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (s *MemoryRequestStore) GetByID(_ context.Context, id string) (*models.CertificationRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return req.Clone(), nil
}

func (s *MemoryRequestStore) List(_ context.Context, filter models.RequestFilter) ([]models.CertificationRequest, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]models.CertificationRequest, 0, len(s.requests))
	for _, req := range s.requests {
		if matchesFilter(req, filter) {
			matched = append(matched, *req.Clone())
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	total := len(matched)
	page, pageSize := normalisePage(filter.Page, filter.PageSize)
	start := (page - 1) * pageSize
	if start >= total {
		return []models.CertificationRequest{}, total, nil
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func (s *MemoryRequestStore) CommitTransition(_ context.Context, commit TransitionCommit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.requests[commit.Request.ID]
	if !ok || current.Version != commit.ExpectedVersion {
		return ErrVersionConflict
	}
	if commit.Event != nil {
		previous := ""
		if trail := s.events[commit.Request.ID]; len(trail) > 0 {
			previous = trail[len(trail)-1].Digest
		}
		if err := SealEvent(previous, commit.Event); err != nil {
			return err
		}
	}
	if commit.Anchor != nil {
		if _, exists := s.anchors[commit.Anchor.RequestID]; exists {
			return ErrVersionConflict
		}
		s.anchors[commit.Anchor.RequestID] = *commit.Anchor
	}
	if commit.Event != nil {
		s.events[commit.Request.ID] = append(s.events[commit.Request.ID], *commit.Event)
	}
	s.requests[commit.Request.ID] = commit.Request.Clone()
	return nil
}

func (s *MemoryRequestStore) GetAnchor(_ context.Context, requestID string) (*models.AnchorRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.anchors[requestID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &record, nil
}

func (s *MemoryRequestStore) ListEvents(_ context.Context, requestID string) ([]models.TransitionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.TransitionEvent(nil), s.events[requestID]...), nil
}

func matchesFilter(req *models.CertificationRequest, filter models.RequestFilter) bool {
	if len(filter.Status) > 0 {
		found := false
		for _, status := range filter.Status {
			if req.Status == status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filter.RequesterID != "" && req.RequesterID != filter.RequesterID {
		return false
	}
	assignedToFilter := filter.InspectorID != "" && req.InspectorID != nil && *req.InspectorID == filter.InspectorID
	switch {
	case filter.InspectorID != "" && filter.Unassigned:
		return assignedToFilter || req.InspectorID == nil
	case filter.InspectorID != "":
		return assignedToFilter
	case filter.Unassigned:
		return req.InspectorID == nil
	}
	return true
}
