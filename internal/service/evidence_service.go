package service

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/agricert-api/internal/dto"
	"github.com/noah-isme/agricert-api/internal/models"
	appErrors "github.com/noah-isme/agricert-api/pkg/errors"
	"github.com/noah-isme/agricert-api/pkg/storage"
)

// sniffLen is how much of an upload is inspected for its content type.
const sniffLen = 3072

type evidenceStore interface {
	Create(ctx context.Context, ev *models.Evidence) error
	GetByID(ctx context.Context, id string) (*models.Evidence, error)
	SoftDelete(ctx context.Context, id, ownerID string, at time.Time) error
	ListOrphans(ctx context.Context, cutoff time.Time, limit int) ([]models.Evidence, error)
	MarkDeleted(ctx context.Context, ids []string, at time.Time) error
	CountLiveByKey(ctx context.Context, key string) (int, error)
}

type evidenceFileStorage interface {
	Put(r io.Reader, ext string, maxBytes int64) (*storage.Object, error)
	Open(key string) (*os.File, error)
	Delete(key string) error
}

type evidenceSignedURLSigner interface {
	Generate(id, key string) (string, time.Time, error)
	Parse(token string, allowExpired bool) (id, key string, expiresAt time.Time, err error)
}

// EvidenceFile carries an uploaded stream and what the client said about it.
type EvidenceFile struct {
	Filename string
	Size     int64
	Content  io.Reader
}

// EvidenceDownload bundles file reader metadata for streaming.
type EvidenceDownload struct {
	File      *os.File
	Filename  string
	MimeType  string
	SizeBytes int64
	ExpiresAt time.Time
}

// EvidenceServiceConfig holds upload limits and link settings.
type EvidenceServiceConfig struct {
	MaxFileSize  int64
	AllowedMIMEs []string
	OrphanTTL    time.Duration
	APIPrefix    string
}

// EvidenceService stores checkpoint evidence and hands out signed download links.
type EvidenceService struct {
	repo    evidenceStore
	storage evidenceFileStorage
	signer  evidenceSignedURLSigner
	audit   auditRecorder
	logger  *zap.Logger
	cfg     EvidenceServiceConfig
	now     func() time.Time
}

// NewEvidenceService constructs the service with defaults.
func NewEvidenceService(repo evidenceStore, files evidenceFileStorage, signer evidenceSignedURLSigner, audit auditRecorder, logger *zap.Logger, cfg EvidenceServiceConfig) *EvidenceService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = 10 * 1024 * 1024
	}
	if len(cfg.AllowedMIMEs) == 0 {
		cfg.AllowedMIMEs = []string{"image/jpeg", "image/png", "image/webp", "application/pdf", "video/mp4"}
	}
	if cfg.OrphanTTL <= 0 {
		cfg.OrphanTTL = 72 * time.Hour
	}
	if cfg.APIPrefix == "" {
		cfg.APIPrefix = "/api/v1"
	}
	return &EvidenceService{
		repo:    repo,
		storage: files,
		signer:  signer,
		audit:   audit,
		logger:  logger,
		cfg:     cfg,
		now:     time.Now,
	}
}

// Upload stores a checkpoint file for the requester. The returned URI is what the requester
// submits as the checkpoint's evidence reference.
func (s *EvidenceService) Upload(ctx context.Context, actor models.Actor, req dto.UploadEvidenceRequest, file EvidenceFile) (*models.EvidenceUpload, error) {
	if actor.Role != models.RoleRequester {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only requesters upload checkpoint evidence")
	}
	if _, ok := models.CatalogEntryAt(req.CheckpointIndex); !ok {
		return nil, appErrors.MissingEvidence(req.CheckpointIndex, "checkpoint index out of range")
	}
	if file.Content == nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, "file is required")
	}
	if file.Size > s.cfg.MaxFileSize {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("file exceeds %d bytes limit", s.cfg.MaxFileSize))
	}

	header := make([]byte, sniffLen)
	n, err := io.ReadFull(file.Content, header)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to inspect file")
	}
	if n == 0 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "file is empty")
	}
	header = header[:n]
	detected := mimetype.Detect(header)
	if !mimetype.EqualsAny(detected.String(), s.cfg.AllowedMIMEs...) {
		return nil, appErrors.WithDetails(
			appErrors.Clone(appErrors.ErrValidation, "mime type not allowed"),
			map[string]interface{}{"mime_type": detected.String()},
		)
	}

	obj, err := s.storage.Put(io.MultiReader(bytes.NewReader(header), file.Content), detected.Extension(), s.cfg.MaxFileSize)
	if err != nil {
		if errors.Is(err, storage.ErrTooLarge) {
			return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("file exceeds %d bytes limit", s.cfg.MaxFileSize))
		}
		return nil, appErrors.Unavailable(err, "failed to persist evidence file")
	}

	ev := &models.Evidence{
		ID:              uuid.NewString(),
		OwnerID:         actor.ID,
		CheckpointIndex: req.CheckpointIndex,
		StorageKey:      obj.Key,
		MimeType:        strings.SplitN(detected.String(), ";", 2)[0],
		SizeBytes:       obj.Size,
		SHA256:          obj.SHA256,
		CreatedAt:       s.now().UTC(),
	}
	if err := s.repo.Create(ctx, ev); err != nil {
		s.releaseBlob(ctx, obj.Key)
		return nil, appErrors.Unavailable(err, "failed to create evidence metadata")
	}

	url, expiresAt, err := s.signedURL(ev)
	if err != nil {
		return nil, err
	}
	s.recordAudit(ctx, actor.ID, models.AuditActionEvidenceUpload, ev.ID, fmt.Sprintf(`{"checkpoint_index":%d,"sha256":%q}`, ev.CheckpointIndex, ev.SHA256))
	s.logger.Info("evidence uploaded",
		zap.String("evidence_id", ev.ID),
		zap.Int("checkpoint_index", ev.CheckpointIndex),
		zap.String("mime_type", ev.MimeType),
		zap.Int64("size", ev.SizeBytes),
	)
	return &models.EvidenceUpload{Evidence: ev, URI: EvidenceURIPrefix + ev.ID, DownloadURL: url, ExpiresAt: expiresAt}, nil
}

// Delete removes evidence that is not yet part of a request.
func (s *EvidenceService) Delete(ctx context.Context, actor models.Actor, req dto.DeleteEvidenceRequest) error {
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = strings.TrimPrefix(strings.TrimSpace(req.URI), EvidenceURIPrefix)
	}
	if id == "" {
		return appErrors.Clone(appErrors.ErrValidation, "evidence id or uri is required")
	}

	ev, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "evidence not found")
		}
		return appErrors.Unavailable(err, "failed to load evidence")
	}
	if ev.OwnerID != actor.ID {
		return appErrors.Clone(appErrors.ErrNotFound, "evidence not found")
	}
	if ev.RequestID != nil {
		return appErrors.Clone(appErrors.ErrConflict, "evidence is attached to a submitted request")
	}

	if err := s.repo.SoftDelete(ctx, id, actor.ID, s.now().UTC()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "evidence not found")
		}
		return appErrors.Unavailable(err, "failed to delete evidence")
	}
	s.releaseBlob(ctx, ev.StorageKey)
	s.recordAudit(ctx, actor.ID, models.AuditActionEvidenceDelete, id, `{"status":"deleted"}`)
	return nil
}

// DownloadURL issues a fresh signed link. Requesters can only link their own evidence.
func (s *EvidenceService) DownloadURL(ctx context.Context, actor models.Actor, id string) (string, time.Time, error) {
	ev, err := s.repo.GetByID(ctx, strings.TrimPrefix(id, EvidenceURIPrefix))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", time.Time{}, appErrors.Clone(appErrors.ErrNotFound, "evidence not found")
		}
		return "", time.Time{}, appErrors.Unavailable(err, "failed to load evidence")
	}
	if ev.DeletedAt != nil || (actor.Role == models.RoleRequester && ev.OwnerID != actor.ID) {
		return "", time.Time{}, appErrors.Clone(appErrors.ErrNotFound, "evidence not found")
	}
	return s.signedURL(ev)
}

// Download validates a signed token and opens the file behind it.
func (s *EvidenceService) Download(ctx context.Context, token string) (*EvidenceDownload, error) {
	id, key, expiresAt, err := s.signer.Parse(token, false)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "invalid or expired token")
	}
	ev, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "evidence not found")
		}
		return nil, appErrors.Unavailable(err, "failed to load evidence")
	}
	if ev.DeletedAt != nil {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "evidence not found")
	}
	if ev.StorageKey != key {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "token mismatch")
	}

	file, err := s.storage.Open(key)
	if err != nil {
		return nil, appErrors.Unavailable(err, "failed to open evidence file")
	}
	info, err := file.Stat()
	if err != nil {
		file.Close() //nolint:errcheck
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to read evidence metadata")
	}
	return &EvidenceDownload{
		File:      file,
		Filename:  path.Base(key),
		MimeType:  ev.MimeType,
		SizeBytes: info.Size(),
		ExpiresAt: expiresAt,
	}, nil
}

// PurgeOrphans deletes uploads that were never attached to a request within the orphan TTL.
func (s *EvidenceService) PurgeOrphans(ctx context.Context) (int, error) {
	now := s.now().UTC()
	orphans, err := s.repo.ListOrphans(ctx, now.Add(-s.cfg.OrphanTTL), 100)
	if err != nil {
		return 0, err
	}
	if len(orphans) == 0 {
		return 0, nil
	}
	ids := make([]string, len(orphans))
	for i, ev := range orphans {
		ids[i] = ev.ID
	}
	if err := s.repo.MarkDeleted(ctx, ids, now); err != nil {
		return 0, err
	}
	for _, ev := range orphans {
		s.releaseBlob(ctx, ev.StorageKey)
	}
	s.logger.Info("purged orphan evidence", zap.Int("count", len(orphans)))
	return len(orphans), nil
}

func (s *EvidenceService) signedURL(ev *models.Evidence) (string, time.Time, error) {
	if s.signer == nil {
		return "", time.Time{}, appErrors.Clone(appErrors.ErrInternal, "download signer unavailable")
	}
	token, expiresAt, err := s.signer.Generate(ev.ID, ev.StorageKey)
	if err != nil {
		return "", time.Time{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to generate download token")
	}
	return fmt.Sprintf("%s/evidence/%s", strings.TrimRight(s.cfg.APIPrefix, "/"), token), expiresAt, nil
}

// releaseBlob deletes a stored file once no live evidence row points at it. Identical uploads
// share one blob.
func (s *EvidenceService) releaseBlob(ctx context.Context, key string) {
	count, err := s.repo.CountLiveByKey(ctx, key)
	if err != nil {
		s.logger.Warn("failed to count evidence references", zap.String("key", key), zap.Error(err))
		return
	}
	if count > 0 {
		return
	}
	if err := s.storage.Delete(key); err != nil {
		s.logger.Warn("failed to delete evidence file", zap.String("key", key), zap.Error(err))
	}
}

func (s *EvidenceService) recordAudit(ctx context.Context, userID, action, resourceID, values string) {
	if s.audit == nil {
		return
	}
	if err := s.audit.CreateAuditLog(ctx, &models.AuditLog{
		UserID:     &userID,
		Action:     action,
		Resource:   "evidence",
		ResourceID: &resourceID,
		NewValues:  []byte(values),
	}); err != nil {
		s.logger.Warn("failed to record audit log", zap.String("action", action), zap.Error(err))
	}
}
