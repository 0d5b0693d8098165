package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/agricert-api/internal/models"
)

const evidenceColumns = `id, owner_id, checkpoint_index, storage_key, mime_type, size_bytes, sha256, request_id, created_at, deleted_at`

// EvidenceRepository stores metadata for uploaded checkpoint evidence.
type EvidenceRepository struct {
	db *sqlx.DB
}

// NewEvidenceRepository constructs the repository.
func NewEvidenceRepository(db *sqlx.DB) *EvidenceRepository {
	return &EvidenceRepository{db: db}
}

// Create inserts an evidence row.
func (r *EvidenceRepository) Create(ctx context.Context, ev *models.Evidence) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO evidence (` + evidenceColumns + `)
	VALUES (:id, :owner_id, :checkpoint_index, :storage_key, :mime_type, :size_bytes, :sha256, :request_id, :created_at, :deleted_at)`
	if _, err := r.db.NamedExecContext(ctx, query, ev); err != nil {
		return fmt.Errorf("create evidence: %w", err)
	}
	return nil
}

// GetByID returns live evidence by id.
func (r *EvidenceRepository) GetByID(ctx context.Context, id string) (*models.Evidence, error) {
	const query = `SELECT ` + evidenceColumns + ` FROM evidence WHERE id = $1 AND deleted_at IS NULL`
	var ev models.Evidence
	if err := r.db.GetContext(ctx, &ev, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get evidence: %w", err)
	}
	return &ev, nil
}

// GetMany returns the live evidence rows among ids.
func (r *EvidenceRepository) GetMany(ctx context.Context, ids []string) ([]models.Evidence, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	const query = `SELECT ` + evidenceColumns + ` FROM evidence WHERE id = ANY($1) AND deleted_at IS NULL`
	var out []models.Evidence
	if err := r.db.SelectContext(ctx, &out, query, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("get evidence batch: %w", err)
	}
	return out, nil
}

// SoftDelete marks evidence deleted. Attached evidence is immutable and never matches.
func (r *EvidenceRepository) SoftDelete(ctx context.Context, id, ownerID string, at time.Time) error {
	const query = `UPDATE evidence SET deleted_at = $3 WHERE id = $1 AND owner_id = $2 AND request_id IS NULL AND deleted_at IS NULL`
	result, err := r.db.ExecContext(ctx, query, id, ownerID, at)
	if err != nil {
		return fmt.Errorf("delete evidence: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check evidence delete rows: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ListOrphans returns unattached evidence created before cutoff.
func (r *EvidenceRepository) ListOrphans(ctx context.Context, cutoff time.Time, limit int) ([]models.Evidence, error) {
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT %s FROM evidence WHERE request_id IS NULL AND deleted_at IS NULL AND created_at < $1 ORDER BY created_at ASC LIMIT %d`, evidenceColumns, limit)
	var out []models.Evidence
	if err := r.db.SelectContext(ctx, &out, query, cutoff); err != nil {
		return nil, fmt.Errorf("list orphan evidence: %w", err)
	}
	return out, nil
}

// MarkDeleted soft deletes rows by id regardless of owner.
func (r *EvidenceRepository) MarkDeleted(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	const query = `UPDATE evidence SET deleted_at = $2 WHERE id = ANY($1) AND deleted_at IS NULL`
	if _, err := r.db.ExecContext(ctx, query, pq.Array(ids), at); err != nil {
		return fmt.Errorf("mark evidence deleted: %w", err)
	}
	return nil
}

// CountLiveByKey reports how many live rows still reference a stored blob.
func (r *EvidenceRepository) CountLiveByKey(ctx context.Context, key string) (int, error) {
	var count int
	if err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM evidence WHERE storage_key = $1 AND deleted_at IS NULL`, key); err != nil {
		return 0, fmt.Errorf("count evidence by key: %w", err)
	}
	return count, nil
}
