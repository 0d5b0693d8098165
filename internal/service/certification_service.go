package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/agricert-api/internal/dto"
	"github.com/noah-isme/agricert-api/internal/models"
	"github.com/noah-isme/agricert-api/internal/repository"
	appErrors "github.com/noah-isme/agricert-api/pkg/errors"
	"github.com/noah-isme/agricert-api/pkg/export"
)

// EvidenceURIPrefix marks checkpoint evidence that was uploaded through this service.
const EvidenceURIPrefix = "evidence:"

type certificationStore interface {
	CreateWithEvidence(ctx context.Context, req *models.CertificationRequest, evidenceIDs []string) error
	GetByID(ctx context.Context, id string) (*models.CertificationRequest, error)
	List(ctx context.Context, filter models.RequestFilter) ([]models.CertificationRequest, int, error)
	ListEvents(ctx context.Context, requestID string) ([]models.TransitionEvent, error)
}

type evidenceLookup interface {
	GetMany(ctx context.Context, ids []string) ([]models.Evidence, error)
}

type auditRecorder interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

// CertificationService exposes the request operations of the API on top of the lifecycle engine.
type CertificationService struct {
	requests    certificationStore
	evidence    evidenceLookup
	audit       auditRecorder
	engine      *LifecycleEngine
	coordinator *IssuanceCoordinator
	checkpoints *EvidenceValidator
	validator   *validator.Validate
	csv         *export.CSVExporter
	pdf         *export.PDFExporter
	logger      *zap.Logger
	now         func() time.Time
}

// NewCertificationService wires the service. evidence and audit may be nil.
func NewCertificationService(
	requests certificationStore,
	evidence evidenceLookup,
	audit auditRecorder,
	engine *LifecycleEngine,
	coordinator *IssuanceCoordinator,
	validate *validator.Validate,
	logger *zap.Logger,
) *CertificationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	return &CertificationService{
		requests:    requests,
		evidence:    evidence,
		audit:       audit,
		engine:      engine,
		coordinator: coordinator,
		checkpoints: NewEvidenceValidator(),
		validator:   validate,
		csv:         export.NewCSVExporter(),
		pdf:         export.NewPDFExporter(),
		logger:      logger,
		now:         time.Now,
	}
}

// Create stores a new pending request after the checkpoint set passes evidence validation.
func (s *CertificationService) Create(ctx context.Context, actor models.Actor, req dto.CreateRequestRequest) (*dto.RequestView, error) {
	if actor.Role != models.RoleRequester {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only requesters can submit certification requests")
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid certification request payload")
	}

	input := make([]models.Checkpoint, len(req.Checkpoints))
	for i, cp := range req.Checkpoints {
		input[i] = models.Checkpoint{Index: cp.Index, Answer: cp.Answer, EvidenceURI: trimmedURI(cp.EvidenceURI)}
	}
	checkpoints, err := s.checkpoints.Prepare(input)
	if err != nil {
		return nil, err
	}
	if err := s.checkpoints.Validate(checkpoints); err != nil {
		return nil, err
	}
	evidenceIDs, err := s.resolveEvidence(ctx, actor.ID, checkpoints)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	record := &models.CertificationRequest{
		ID:          uuid.NewString(),
		RequesterID: actor.ID,
		ProductName: strings.TrimSpace(req.ProductName),
		Description: strings.TrimSpace(req.Description),
		Location: models.Location{
			Address:   strings.TrimSpace(req.Location.Address),
			Latitude:  req.Location.Latitude,
			Longitude: req.Location.Longitude,
		},
		Checkpoints: checkpoints,
		Status:      models.StatusPending,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.requests.CreateWithEvidence(ctx, record, evidenceIDs); err != nil {
		if errors.Is(err, repository.ErrEvidenceUnavailable) {
			return nil, appErrors.Clone(appErrors.ErrConflict, "evidence was attached to another request or deleted, upload it again")
		}
		return nil, appErrors.Unavailable(err, "failed to store certification request")
	}
	s.recordAudit(ctx, actor.ID, models.AuditActionRequestCreate, record.ID, map[string]interface{}{
		"product_name": record.ProductName,
		"evidence":     len(evidenceIDs),
	})

	s.logger.Info("certification request created", zap.String("request_id", record.ID), zap.String("requester_id", actor.ID))
	return s.view(record, actor), nil
}

// Get returns one request. Requesters only see their own.
func (s *CertificationService) Get(ctx context.Context, actor models.Actor, id string) (*dto.RequestView, error) {
	req, err := s.load(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	return s.view(req, actor), nil
}

// List returns requests visible to actor. Requesters see their own, inspectors the unassigned
// ones plus those they started, issuers everything approved or certified unless a status is given.
func (s *CertificationService) List(ctx context.Context, actor models.Actor, query dto.RequestQuery) ([]dto.RequestView, *models.Pagination, error) {
	for _, status := range query.Status {
		if !status.Valid() {
			return nil, nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown status %q", status))
		}
	}

	filter := models.RequestFilter{Status: query.Status, Page: query.Page, PageSize: query.PageSize}
	switch actor.Role {
	case models.RoleRequester:
		filter.RequesterID = actor.ID
	case models.RoleInspector:
		filter.InspectorID = actor.ID
		filter.Unassigned = true
	case models.RoleIssuer:
		if len(filter.Status) == 0 {
			filter.Status = []models.RequestStatus{models.StatusApproved, models.StatusCertified}
		}
	default:
		return nil, nil, appErrors.Clone(appErrors.ErrForbidden, "role cannot list certification requests")
	}

	items, total, err := s.requests.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Unavailable(err, "failed to list certification requests")
	}

	views := make([]dto.RequestView, 0, len(items))
	for i := range items {
		views = append(views, *s.view(&items[i], actor))
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}
	return views, &models.Pagination{Page: page, PageSize: pageSize, TotalCount: total}, nil
}

// Queue lists the work waiting for actor's role: a requester's own requests, the inspection
// queue, or the requests ready for certification.
func (s *CertificationService) Queue(ctx context.Context, actor models.Actor, page, pageSize int) ([]dto.RequestView, *models.Pagination, error) {
	query := dto.RequestQuery{Page: page, PageSize: pageSize}
	switch actor.Role {
	case models.RoleInspector:
		query.Status = []models.RequestStatus{models.StatusPending, models.StatusInProgress}
	case models.RoleIssuer:
		query.Status = []models.RequestStatus{models.StatusApproved}
	}
	return s.List(ctx, actor, query)
}

// Transition applies a lifecycle action. Certify goes through the issuance coordinator so the
// anchor is recorded with the status change.
func (s *CertificationService) Transition(ctx context.Context, actor models.Actor, id string, req dto.TransitionRequest) (*dto.TransitionResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid transition payload")
	}

	if req.Action == models.ActionCertify {
		issued, err := s.coordinator.Certify(ctx, id, actor)
		if err != nil {
			return nil, err
		}
		current, err := s.engine.load(ctx, id)
		if err != nil {
			return nil, err
		}
		return &dto.TransitionResponse{Request: s.view(current, actor), Applied: issued.Applied, Anchor: issued.Record}, nil
	}

	result, err := s.engine.Transition(ctx, TransitionInput{
		RequestID:       id,
		Actor:           actor,
		Action:          req.Action,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		return nil, err
	}
	return &dto.TransitionResponse{Request: s.view(result.Request, actor), Applied: result.Applied}, nil
}

// History returns the committed transitions of a request and whether their digest chain verifies.
func (s *CertificationService) History(ctx context.Context, actor models.Actor, id string) (*dto.HistoryResponse, error) {
	if _, err := s.load(ctx, actor, id); err != nil {
		return nil, err
	}
	events, err := s.requests.ListEvents(ctx, id)
	if err != nil {
		return nil, appErrors.Unavailable(err, "failed to load transition history")
	}
	if events == nil {
		events = []models.TransitionEvent{}
	}

	out := &dto.HistoryResponse{RequestID: id, Events: events, ChainIntact: true}
	if broken := repository.VerifyChain(events); broken >= 0 {
		out.ChainIntact = false
		out.BrokenAt = &broken
		s.logger.Warn("transition chain does not verify", zap.String("request_id", id), zap.Int("index", broken))
	}
	return out, nil
}

// HistoryCSV renders the transition history as CSV.
func (s *CertificationService) HistoryCSV(ctx context.Context, actor models.Actor, id string) ([]byte, error) {
	dataset, err := s.historyDataset(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	data, err := s.csv.Render(dataset)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render history")
	}
	return data, nil
}

// HistoryPDF renders the transition history as a printable table.
func (s *CertificationService) HistoryPDF(ctx context.Context, actor models.Actor, id string) ([]byte, error) {
	dataset, err := s.historyDataset(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	data, err := s.pdf.Render(dataset, fmt.Sprintf("Transition history %s", id))
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render history")
	}
	return data, nil
}

func (s *CertificationService) historyDataset(ctx context.Context, actor models.Actor, id string) (export.Dataset, error) {
	history, err := s.History(ctx, actor, id)
	if err != nil {
		return export.Dataset{}, err
	}
	dataset := export.Dataset{Headers: []string{"sequence", "from", "to", "actor_id", "actor_role", "created_at", "digest"}}
	for i, event := range history.Events {
		dataset.Rows = append(dataset.Rows, map[string]string{
			"sequence":   strconv.Itoa(i + 1),
			"from":       string(event.FromStatus),
			"to":         string(event.ToStatus),
			"actor_id":   event.ActorID,
			"actor_role": string(event.ActorRole),
			"created_at": event.CreatedAt.UTC().Format(time.RFC3339),
			"digest":     event.Digest,
		})
	}
	return dataset, nil
}

func (s *CertificationService) load(ctx context.Context, actor models.Actor, id string) (*models.CertificationRequest, error) {
	req, err := s.requests.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "certification request not found")
		}
		return nil, appErrors.Unavailable(err, "failed to load certification request")
	}
	if actor.Role == models.RoleRequester && req.RequesterID != actor.ID {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "request belongs to another requester")
	}
	return req, nil
}

func (s *CertificationService) view(req *models.CertificationRequest, actor models.Actor) *dto.RequestView {
	return &dto.RequestView{CertificationRequest: *req, AvailableActions: s.engine.AvailableActions(req, actor)}
}

// resolveEvidence checks every evidence: reference against the stored uploads. Other URIs are
// kept as submitted.
func (s *CertificationService) resolveEvidence(ctx context.Context, ownerID string, checkpoints []models.Checkpoint) ([]string, error) {
	wanted := make(map[string]int)
	var ids []string
	for _, cp := range checkpoints {
		if !cp.HasEvidence() || !strings.HasPrefix(*cp.EvidenceURI, EvidenceURIPrefix) {
			continue
		}
		id := strings.TrimPrefix(*cp.EvidenceURI, EvidenceURIPrefix)
		if _, seen := wanted[id]; seen {
			return nil, appErrors.MissingEvidence(cp.Index, "evidence already used by another checkpoint")
		}
		wanted[id] = cp.Index
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	if s.evidence == nil {
		return nil, appErrors.Clone(appErrors.ErrServiceUnavailable, "evidence storage is not configured")
	}

	found, err := s.evidence.GetMany(ctx, ids)
	if err != nil {
		return nil, appErrors.Unavailable(err, "failed to load evidence")
	}
	byID := make(map[string]models.Evidence, len(found))
	for _, ev := range found {
		byID[ev.ID] = ev
	}
	for _, cp := range checkpoints {
		if !cp.HasEvidence() || !strings.HasPrefix(*cp.EvidenceURI, EvidenceURIPrefix) {
			continue
		}
		id := strings.TrimPrefix(*cp.EvidenceURI, EvidenceURIPrefix)
		ev, ok := byID[id]
		switch {
		case !ok || ev.OwnerID != ownerID:
			return nil, appErrors.MissingEvidence(cp.Index, "evidence not found")
		case ev.RequestID != nil:
			return nil, appErrors.MissingEvidence(cp.Index, "evidence already attached to another request")
		case ev.CheckpointIndex != cp.Index:
			return nil, appErrors.MissingEvidence(cp.Index, fmt.Sprintf("evidence was uploaded for checkpoint %d", ev.CheckpointIndex))
		}
	}
	return ids, nil
}

func (s *CertificationService) recordAudit(ctx context.Context, userID, action, resourceID string, values map[string]interface{}) {
	if s.audit == nil {
		return
	}
	payload, err := json.Marshal(values)
	if err != nil {
		s.logger.Warn("failed to marshal audit values", zap.Error(err))
		return
	}
	if err := s.audit.CreateAuditLog(ctx, &models.AuditLog{
		UserID:     &userID,
		Action:     action,
		Resource:   "certification_request",
		ResourceID: &resourceID,
		NewValues:  payload,
	}); err != nil {
		s.logger.Warn("failed to record audit log", zap.String("action", action), zap.Error(err))
	}
}

func trimmedURI(uri *string) *string {
	if uri == nil {
		return nil
	}
	v := strings.TrimSpace(*uri)
	if v == "" {
		return nil
	}
	return &v
}
