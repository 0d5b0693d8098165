package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/agricert-api/internal/models"
	"github.com/noah-isme/agricert-api/pkg/anchor"
	appErrors "github.com/noah-isme/agricert-api/pkg/errors"
	"github.com/noah-isme/agricert-api/pkg/jobs"
	"github.com/noah-isme/agricert-api/pkg/storage"
)

// JobCertificateRender renders the certificate PDF of a freshly certified request.
const JobCertificateRender = "certificate.render"

type anchorStore interface {
	GetByID(ctx context.Context, id string) (*models.CertificationRequest, error)
	GetAnchor(ctx context.Context, requestID string) (*models.AnchorRecord, error)
}

type jobEnqueuer interface {
	Enqueue(job jobs.Job) error
}

// IssuanceCoordinator performs the certify transition together with ledger anchoring.
type IssuanceCoordinator struct {
	engine   *LifecycleEngine
	store    anchorStore
	anchorer anchor.Anchorer
	timeout  time.Duration
	jobs     jobEnqueuer
	metrics  *MetricsService
	logger   *zap.Logger
}

// NewIssuanceCoordinator wires the coordinator. jobs may be nil.
func NewIssuanceCoordinator(engine *LifecycleEngine, store anchorStore, anchorer anchor.Anchorer, timeout time.Duration, queue jobEnqueuer, metrics *MetricsService, logger *zap.Logger) *IssuanceCoordinator {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IssuanceCoordinator{
		engine:   engine,
		store:    store,
		anchorer: anchorer,
		timeout:  timeout,
		jobs:     queue,
		metrics:  metrics,
		logger:   logger,
	}
}

// IssueResult is the anchor of a certified request and whether this call certified it.
type IssueResult struct {
	Record  *models.AnchorRecord
	Applied bool
}

// Issue certifies an approved request. A request that is already certified returns its
// existing anchor record without calling the ledger again. Ledger errors and timeouts leave
// the request approved and surface as ANCHOR_UNAVAILABLE.
func (c *IssuanceCoordinator) Issue(ctx context.Context, requestID string, actor models.Actor) (*models.AnchorRecord, error) {
	result, err := c.Certify(ctx, requestID, actor)
	if err != nil {
		return nil, err
	}
	return result.Record, nil
}

// Certify is Issue that also reports whether the anchor was created by this call.
func (c *IssuanceCoordinator) Certify(ctx context.Context, requestID string, actor models.Actor) (*IssueResult, error) {
	req, err := c.store.GetByID(ctx, requestID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "certification request not found")
		}
		return nil, appErrors.Unavailable(err, "failed to load certification request")
	}
	if actor.Role != models.RoleIssuer {
		return nil, appErrors.InvalidTransition(string(req.Status), string(models.StatusCertified), string(actor.Role))
	}
	if req.Status == models.StatusCertified {
		return c.existing(ctx, requestID)
	}
	if req.Status != models.StatusApproved {
		return nil, appErrors.InvalidTransition(string(req.Status), string(models.StatusCertified), string(actor.Role))
	}

	var record *models.AnchorRecord
	result, err := c.engine.Apply(ctx, TransitionInput{RequestID: requestID, Actor: actor, Action: models.ActionCertify}, func(ctx context.Context, current *models.CertificationRequest) (*models.AnchorRecord, error) {
		rec, err := c.anchor(ctx, current)
		record = rec
		return rec, err
	})
	if err != nil {
		if appErrors.HasCode(err, appErrors.ErrConflict.Code) {
			if existing, lookupErr := c.existing(ctx, requestID); lookupErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}
	if !result.Applied || record == nil {
		return c.existing(ctx, requestID)
	}

	if c.jobs != nil {
		if err := c.jobs.Enqueue(jobs.Job{Type: JobCertificateRender, Payload: requestID}); err != nil {
			c.logger.Warn("certificate render not queued", zap.String("request_id", requestID), zap.Error(err))
		}
	}
	return &IssueResult{Record: record, Applied: true}, nil
}

func (c *IssuanceCoordinator) anchor(ctx context.Context, current *models.CertificationRequest) (*models.AnchorRecord, error) {
	digest, err := storage.CanonicalSHA256(struct {
		ID          string             `json:"id"`
		RequesterID string             `json:"requester_id"`
		InspectorID *string            `json:"inspector_id"`
		ProductName string             `json:"product_name"`
		Location    models.Location    `json:"location"`
		Checkpoints models.Checkpoints `json:"checkpoints"`
		Version     int64              `json:"version"`
	}{current.ID, current.RequesterID, current.InspectorID, current.ProductName, current.Location, current.Checkpoints, current.Version})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to hash certification request")
	}

	anchorCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	receipt, err := c.anchorer.Anchor(anchorCtx, current.ID, digest)
	c.metrics.ObserveAnchor(time.Since(start), err)
	if err != nil {
		c.logger.Warn("anchoring failed", zap.String("request_id", current.ID), zap.Error(err))
		return nil, appErrors.WithDetails(
			appErrors.Wrap(err, appErrors.ErrAnchorUnavailable.Code, appErrors.ErrAnchorUnavailable.Status, appErrors.ErrAnchorUnavailable.Message),
			map[string]interface{}{"retryable": true},
		)
	}
	if receipt == nil || receipt.TransactionRef == "" {
		return nil, appErrors.WithDetails(
			appErrors.Wrap(anchor.ErrEmptyReference, appErrors.ErrAnchorUnavailable.Code, appErrors.ErrAnchorUnavailable.Status, appErrors.ErrAnchorUnavailable.Message),
			map[string]interface{}{"retryable": true},
		)
	}
	anchoredAt := receipt.Timestamp
	if anchoredAt.IsZero() {
		anchoredAt = time.Now().UTC()
	}
	return &models.AnchorRecord{RequestID: current.ID, TransactionRef: receipt.TransactionRef, AnchoredAt: anchoredAt.UTC()}, nil
}

func (c *IssuanceCoordinator) existing(ctx context.Context, requestID string) (*IssueResult, error) {
	record, err := c.store.GetAnchor(ctx, requestID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "anchor record not found")
		}
		return nil, appErrors.Unavailable(err, "failed to load anchor record")
	}
	return &IssueResult{Record: record}, nil
}
