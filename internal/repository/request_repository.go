package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/agricert-api/internal/models"
	"github.com/noah-isme/agricert-api/pkg/database"
	"github.com/noah-isme/agricert-api/pkg/storage"
)

// ErrVersionConflict is returned when a conditional update finds the row at another version.
var ErrVersionConflict = errors.New("repository: version conflict")

// ErrEvidenceUnavailable is returned when evidence to link was attached elsewhere or deleted.
var ErrEvidenceUnavailable = errors.New("repository: evidence no longer available")

const requestColumns = `id, requester_id, product_name, description, address, latitude, longitude, checkpoints,
       status, inspector_id, issuer_id, anchor_ref, version, created_at, updated_at`

type requestRow struct {
	ID          string               `db:"id"`
	RequesterID string               `db:"requester_id"`
	ProductName string               `db:"product_name"`
	Description string               `db:"description"`
	Address     string               `db:"address"`
	Latitude    *float64             `db:"latitude"`
	Longitude   *float64             `db:"longitude"`
	Checkpoints models.Checkpoints   `db:"checkpoints"`
	Status      models.RequestStatus `db:"status"`
	InspectorID *string              `db:"inspector_id"`
	IssuerID    *string              `db:"issuer_id"`
	AnchorRef   *string              `db:"anchor_ref"`
	Version     int64                `db:"version"`
	CreatedAt   time.Time            `db:"created_at"`
	UpdatedAt   time.Time            `db:"updated_at"`
}

func (r requestRow) toModel() *models.CertificationRequest {
	return &models.CertificationRequest{
		ID:          r.ID,
		RequesterID: r.RequesterID,
		ProductName: r.ProductName,
		Description: r.Description,
		Location:    models.Location{Address: r.Address, Latitude: r.Latitude, Longitude: r.Longitude},
		Checkpoints: r.Checkpoints,
		Status:      r.Status,
		InspectorID: r.InspectorID,
		IssuerID:    r.IssuerID,
		AnchorRef:   r.AnchorRef,
		Version:     r.Version,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

func rowFromModel(m *models.CertificationRequest) requestRow {
	return requestRow{
		ID:          m.ID,
		RequesterID: m.RequesterID,
		ProductName: m.ProductName,
		Description: m.Description,
		Address:     m.Location.Address,
		Latitude:    m.Location.Latitude,
		Longitude:   m.Location.Longitude,
		Checkpoints: m.Checkpoints,
		Status:      m.Status,
		InspectorID: m.InspectorID,
		IssuerID:    m.IssuerID,
		AnchorRef:   m.AnchorRef,
		Version:     m.Version,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}

// TransitionCommit is everything one status change writes. Request carries the new state;
// ExpectedVersion is the version the caller read before computing it.
type TransitionCommit struct {
	Request         *models.CertificationRequest
	ExpectedVersion int64
	Event           *models.TransitionEvent
	Anchor          *models.AnchorRecord
}

// RequestRepository persists certification requests and their transition trail.
type RequestRepository struct {
	db *sqlx.DB
}

// NewRequestRepository constructs the repository.
func NewRequestRepository(db *sqlx.DB) *RequestRepository {
	return &RequestRepository{db: db}
}

// Create inserts a new request row.
func (r *RequestRepository) Create(ctx context.Context, req *models.CertificationRequest) error {
	return insertRequest(ctx, r.db, req)
}

// CreateWithEvidence inserts the request and links the owner's uploaded evidence to it in one
// transaction. Every id must still be live, owned and unattached, otherwise nothing is written
// and ErrEvidenceUnavailable is returned.
func (r *RequestRepository) CreateWithEvidence(ctx context.Context, req *models.CertificationRequest, evidenceIDs []string) error {
	if len(evidenceIDs) == 0 {
		return r.Create(ctx, req)
	}
	return database.WithTx(ctx, r.db, func(tx *sqlx.Tx) error {
		if err := insertRequest(ctx, tx, req); err != nil {
			return err
		}
		const attach = `UPDATE evidence SET request_id = $1 WHERE id = ANY($2) AND owner_id = $3 AND request_id IS NULL AND deleted_at IS NULL`
		result, err := tx.ExecContext(ctx, attach, req.ID, pq.Array(evidenceIDs), req.RequesterID)
		if err != nil {
			return fmt.Errorf("attach evidence: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("check evidence attach rows: %w", err)
		}
		if rows != int64(len(evidenceIDs)) {
			return ErrEvidenceUnavailable
		}
		return nil
	})
}

func insertRequest(ctx context.Context, exec sqlx.ExtContext, req *models.CertificationRequest) error {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if req.CreatedAt.IsZero() {
		req.CreatedAt = now
	}
	req.UpdatedAt = req.CreatedAt
	if req.Version == 0 {
		req.Version = 1
	}
	const query = `INSERT INTO certification_requests
	(id, requester_id, product_name, description, address, latitude, longitude, checkpoints, status, inspector_id, issuer_id, anchor_ref, version, created_at, updated_at)
	VALUES (:id, :requester_id, :product_name, :description, :address, :latitude, :longitude, :checkpoints, :status, :inspector_id, :issuer_id, :anchor_ref, :version, :created_at, :updated_at)`
	if _, err := sqlx.NamedExecContext(ctx, exec, query, rowFromModel(req)); err != nil {
		return fmt.Errorf("create certification request: %w", err)
	}
	return nil
}

// GetByID fetches a request by identifier. Missing rows surface as sql.ErrNoRows.
func (r *RequestRepository) GetByID(ctx context.Context, id string) (*models.CertificationRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM certification_requests WHERE id = $1`
	var row requestRow
	if err := r.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get certification request: %w", err)
	}
	return row.toModel(), nil
}

// List returns requests matching the filter, newest first, with the total count.
func (r *RequestRepository) List(ctx context.Context, filter models.RequestFilter) ([]models.CertificationRequest, int, error) {
	args := make([]interface{}, 0, 6)
	conditions := make([]string, 0, 4)

	if len(filter.Status) > 0 {
		placeholders := make([]string, len(filter.Status))
		for i, status := range filter.Status {
			args = append(args, status)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if filter.RequesterID != "" {
		args = append(args, filter.RequesterID)
		conditions = append(conditions, fmt.Sprintf("requester_id = $%d", len(args)))
	}
	switch {
	case filter.InspectorID != "" && filter.Unassigned:
		args = append(args, filter.InspectorID)
		conditions = append(conditions, fmt.Sprintf("(inspector_id = $%d OR inspector_id IS NULL)", len(args)))
	case filter.InspectorID != "":
		args = append(args, filter.InspectorID)
		conditions = append(conditions, fmt.Sprintf("inspector_id = $%d", len(args)))
	case filter.Unassigned:
		conditions = append(conditions, "inspector_id IS NULL")
	}

	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	page, pageSize := normalisePage(filter.Page, filter.PageSize)
	listQuery := fmt.Sprintf("SELECT %s FROM certification_requests%s ORDER BY created_at DESC LIMIT %d OFFSET %d",
		requestColumns, where, pageSize, (page-1)*pageSize)

	var rows []requestRow
	if err := r.db.SelectContext(ctx, &rows, listQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("list certification requests: %w", err)
	}

	var total int
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM certification_requests"+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count certification requests: %w", err)
	}

	out := make([]models.CertificationRequest, len(rows))
	for i, row := range rows {
		out[i] = *row.toModel()
	}
	return out, total, nil
}

// CommitTransition writes the new request state, the sealed transition event and, for
// certification, the anchor record in one transaction. The update only applies while the
// stored version still equals ExpectedVersion; otherwise ErrVersionConflict is returned.
func (r *RequestRepository) CommitTransition(ctx context.Context, commit TransitionCommit) error {
	return database.WithTx(ctx, r.db, func(tx *sqlx.Tx) error {
		req := commit.Request
		const update = `UPDATE certification_requests
	SET status = $1, inspector_id = $2, issuer_id = $3, anchor_ref = $4, version = $5, updated_at = $6
	WHERE id = $7 AND version = $8`
		result, err := tx.ExecContext(ctx, update,
			req.Status, req.InspectorID, req.IssuerID, req.AnchorRef, req.Version, req.UpdatedAt,
			req.ID, commit.ExpectedVersion)
		if err != nil {
			return fmt.Errorf("update certification request: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("check certification request update rows: %w", err)
		}
		if rows == 0 {
			return ErrVersionConflict
		}

		if commit.Event != nil {
			var previous string
			err := tx.GetContext(ctx, &previous,
				`SELECT digest FROM transition_events WHERE request_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1`, req.ID)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("read previous transition digest: %w", err)
			}
			if err := SealEvent(previous, commit.Event); err != nil {
				return err
			}
			const insertEvent = `INSERT INTO transition_events (id, request_id, from_status, to_status, actor_id, actor_role, digest, created_at)
	VALUES (:id, :request_id, :from_status, :to_status, :actor_id, :actor_role, :digest, :created_at)`
			if _, err := tx.NamedExecContext(ctx, insertEvent, commit.Event); err != nil {
				return fmt.Errorf("insert transition event: %w", err)
			}
		}

		if commit.Anchor != nil {
			const insertAnchor = `INSERT INTO anchor_records (request_id, transaction_ref, anchored_at) VALUES ($1, $2, $3)`
			if _, err := tx.ExecContext(ctx, insertAnchor, commit.Anchor.RequestID, commit.Anchor.TransactionRef, commit.Anchor.AnchoredAt); err != nil {
				return fmt.Errorf("insert anchor record: %w", err)
			}
		}
		return nil
	})
}

// GetAnchor returns the anchor record of a certified request.
func (r *RequestRepository) GetAnchor(ctx context.Context, requestID string) (*models.AnchorRecord, error) {
	const query = `SELECT request_id, transaction_ref, anchored_at FROM anchor_records WHERE request_id = $1`
	var record models.AnchorRecord
	if err := r.db.GetContext(ctx, &record, query, requestID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get anchor record: %w", err)
	}
	return &record, nil
}

// ListEvents returns the transition trail of a request in commit order.
func (r *RequestRepository) ListEvents(ctx context.Context, requestID string) ([]models.TransitionEvent, error) {
	const query = `SELECT id, request_id, from_status, to_status, actor_id, actor_role, digest, created_at
	FROM transition_events WHERE request_id = $1 ORDER BY created_at ASC, id ASC`
	var events []models.TransitionEvent
	if err := r.db.SelectContext(ctx, &events, query, requestID); err != nil {
		return nil, fmt.Errorf("list transition events: %w", err)
	}
	return events, nil
}

// SealEvent fills the event id and chains its digest onto previous.
func SealEvent(previous string, event *models.TransitionEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	// PostgreSQL keeps microseconds; the digest must survive a round trip.
	event.CreatedAt = event.CreatedAt.UTC().Truncate(time.Microsecond)
	payload, err := storage.CanonicalSHA256(struct {
		RequestID string               `json:"request_id"`
		From      models.RequestStatus `json:"from"`
		To        models.RequestStatus `json:"to"`
		ActorID   string               `json:"actor_id"`
		ActorRole models.UserRole      `json:"actor_role"`
		At        time.Time            `json:"at"`
	}{event.RequestID, event.FromStatus, event.ToStatus, event.ActorID, event.ActorRole, event.CreatedAt})
	if err != nil {
		return fmt.Errorf("hash transition event: %w", err)
	}
	event.Digest = storage.ChainDigest(previous, payload)
	return nil
}

// VerifyChain recomputes the digest chain of events and reports the first broken link, or -1.
func VerifyChain(events []models.TransitionEvent) int {
	previous := ""
	for i := range events {
		probe := events[i]
		if err := SealEvent(previous, &probe); err != nil || probe.Digest != events[i].Digest {
			return i
		}
		previous = events[i].Digest
	}
	return -1
}
