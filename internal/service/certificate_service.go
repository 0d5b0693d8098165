package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/agricert-api/internal/models"
	appErrors "github.com/noah-isme/agricert-api/pkg/errors"
	"github.com/noah-isme/agricert-api/pkg/export"
	"github.com/noah-isme/agricert-api/pkg/jobs"
)

type certificateStore interface {
	GetByID(ctx context.Context, id string) (*models.CertificationRequest, error)
	GetAnchor(ctx context.Context, requestID string) (*models.AnchorRecord, error)
}

type certificateEvidenceLookup interface {
	GetMany(ctx context.Context, ids []string) ([]models.Evidence, error)
}

type certificateFileStorage interface {
	Save(key string, data []byte) (string, error)
	Open(key string) (*os.File, error)
	Exists(key string) bool
}

type certificateCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

type documentRenderer interface {
	RenderDocument(doc export.Document) ([]byte, error)
}

// CertificateServiceConfig controls certificate links and caching.
type CertificateServiceConfig struct {
	VerifyBaseURL string
	IssuerName    string
	CacheTTL      time.Duration
	APIPrefix     string
}

// CertificateFile is a rendered certificate ready for streaming.
type CertificateFile struct {
	File     *os.File
	Filename string
}

// CertificateService builds the public view and PDF of certified requests.
type CertificateService struct {
	requests certificateStore
	evidence certificateEvidenceLookup
	files    certificateFileStorage
	cache    certificateCache
	pdf      documentRenderer
	metrics  *MetricsService
	logger   *zap.Logger
	cfg      CertificateServiceConfig
}

// NewCertificateService constructs the service. cache and evidence may be nil.
func NewCertificateService(requests certificateStore, evidence certificateEvidenceLookup, files certificateFileStorage, cache certificateCache, pdf documentRenderer, metrics *MetricsService, logger *zap.Logger, cfg CertificateServiceConfig) *CertificateService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pdf == nil {
		pdf = export.NewPDFExporter()
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	if cfg.APIPrefix == "" {
		cfg.APIPrefix = "/api/v1"
	}
	if cfg.IssuerName == "" {
		cfg.IssuerName = "AgriCert"
	}
	return &CertificateService{
		requests: requests,
		evidence: evidence,
		files:    files,
		cache:    cache,
		pdf:      pdf,
		metrics:  metrics,
		logger:   logger,
		cfg:      cfg,
	}
}

// Details returns the certificate of a certified request. Certified requests never change,
// so the view is cached without invalidation.
func (s *CertificateService) Details(ctx context.Context, requestID string) (*models.CertificateDetails, error) {
	cacheKey := "certificate:" + requestID
	if s.cache != nil {
		var cached models.CertificateDetails
		err := s.cache.Get(ctx, cacheKey, &cached)
		if err == nil {
			s.metrics.RecordCacheOperation(true)
			return &cached, nil
		}
		s.metrics.RecordCacheOperation(false)
		if !errors.Is(err, appErrors.ErrCacheMiss) {
			s.logger.Warn("certificate cache read failed", zap.String("request_id", requestID), zap.Error(err))
		}
	}

	details, err := s.build(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, cacheKey, details, s.cfg.CacheTTL); err != nil {
			s.logger.Warn("certificate cache write failed", zap.String("request_id", requestID), zap.Error(err))
		}
	}
	return details, nil
}

// Render draws the certificate PDF and stores it, replacing any earlier rendering.
func (s *CertificateService) Render(ctx context.Context, requestID string) (string, error) {
	details, err := s.Details(ctx, requestID)
	if err != nil {
		return "", err
	}
	doc := export.Document{
		Title:    "Certificate of Compliance",
		Subtitle: details.ProductName,
		Footer:   fmt.Sprintf("Issued by %s. Verify this certificate using the link or the ledger reference above.", s.cfg.IssuerName),
	}
	for _, field := range details.Fields {
		if field.Key == "certificate_pdf" {
			continue
		}
		doc.Fields = append(doc.Fields, export.DocumentField{Label: field.Label, Value: field.Value, Kind: string(field.Kind)})
	}
	payload, err := s.pdf.RenderDocument(doc)
	if err != nil {
		return "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render certificate")
	}
	key, err := s.files.Save(certificateKey(requestID), payload)
	if err != nil {
		return "", appErrors.Unavailable(err, "failed to store certificate")
	}
	s.logger.Info("certificate rendered", zap.String("request_id", requestID), zap.Int("bytes", len(payload)))
	return key, nil
}

// PDF opens the rendered certificate, rendering it first when the background job has not run yet.
func (s *CertificateService) PDF(ctx context.Context, requestID string) (*CertificateFile, error) {
	key := certificateKey(requestID)
	if !s.files.Exists(key) {
		if _, err := s.Render(ctx, requestID); err != nil {
			return nil, err
		}
	}
	file, err := s.files.Open(key)
	if err != nil {
		return nil, appErrors.Unavailable(err, "failed to open certificate")
	}
	return &CertificateFile{File: file, Filename: fmt.Sprintf("certificate-%s.pdf", requestID)}, nil
}

// HandleRenderJob renders the certificate named by a queued job's payload.
func (s *CertificateService) HandleRenderJob(ctx context.Context, job jobs.Job) error {
	requestID, ok := job.Payload.(string)
	if !ok || requestID == "" {
		return fmt.Errorf("certificate render job %s: unexpected payload %T", job.ID, job.Payload)
	}
	_, err := s.Render(ctx, requestID)
	return err
}

func (s *CertificateService) build(ctx context.Context, requestID string) (*models.CertificateDetails, error) {
	req, err := s.requests.GetByID(ctx, requestID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "certificate not found")
		}
		return nil, appErrors.Unavailable(err, "failed to load certification request")
	}
	if req.Status != models.StatusCertified {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "certificate not found")
	}
	record, err := s.requests.GetAnchor(ctx, requestID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "certificate not found")
		}
		return nil, appErrors.Unavailable(err, "failed to load anchor record")
	}

	prefix := strings.TrimRight(s.cfg.APIPrefix, "/")
	fields := []models.CertificateField{
		{Key: "request_id", Label: "Certificate ID", Kind: models.FieldKindText, Value: req.ID},
		{Key: "product_name", Label: "Product", Kind: models.FieldKindText, Value: req.ProductName},
	}
	if req.Description != "" {
		fields = append(fields, models.CertificateField{Key: "description", Label: "Description", Kind: models.FieldKindText, Value: req.Description})
	}
	fields = append(fields, models.CertificateField{Key: "location", Label: "Location", Kind: models.FieldKindText, Value: req.Location.Address})
	if req.Location.Latitude != nil && req.Location.Longitude != nil {
		fields = append(fields, models.CertificateField{
			Key:   "coordinates",
			Label: "Coordinates",
			Kind:  models.FieldKindText,
			Value: fmt.Sprintf("%.6f, %.6f", *req.Location.Latitude, *req.Location.Longitude),
		})
	}
	fields = append(fields,
		models.CertificateField{Key: "issuer", Label: "Issued By", Kind: models.FieldKindText, Value: s.cfg.IssuerName},
		models.CertificateField{Key: "issued_at", Label: "Issued On", Kind: models.FieldKindDate, Value: record.AnchoredAt.UTC().Format("2006-01-02")},
		models.CertificateField{Key: "anchor_ref", Label: "Ledger Reference", Kind: models.FieldKindHash, Value: record.TransactionRef},
	)
	if base := strings.TrimRight(s.cfg.VerifyBaseURL, "/"); base != "" {
		fields = append(fields, models.CertificateField{Key: "verify_url", Label: "Verify", Kind: models.FieldKindQR, Value: base + "/" + req.ID})
	}
	fields = append(fields, models.CertificateField{
		Key:   "certificate_pdf",
		Label: "Certificate PDF",
		Kind:  models.FieldKindPDF,
		Value: fmt.Sprintf("%s/certification/certificates/%s/pdf", prefix, req.ID),
	})

	evidenceFields, err := s.evidenceFields(ctx, req, prefix)
	if err != nil {
		return nil, err
	}
	fields = append(fields, evidenceFields...)

	return &models.CertificateDetails{
		RequestID:   req.ID,
		ProductName: req.ProductName,
		IssuedAt:    record.AnchoredAt.UTC(),
		Fields:      fields,
	}, nil
}

// evidenceFields lists checkpoint evidence in checkpoint order. Uploaded files link to the
// stable redirect route; their kind follows the stored mime type.
func (s *CertificateService) evidenceFields(ctx context.Context, req *models.CertificationRequest, prefix string) ([]models.CertificateField, error) {
	var ids []string
	for _, cp := range req.Checkpoints {
		if cp.HasEvidence() && strings.HasPrefix(*cp.EvidenceURI, EvidenceURIPrefix) {
			ids = append(ids, strings.TrimPrefix(*cp.EvidenceURI, EvidenceURIPrefix))
		}
	}
	mimes := make(map[string]string, len(ids))
	if len(ids) > 0 && s.evidence != nil {
		items, err := s.evidence.GetMany(ctx, ids)
		if err != nil {
			return nil, appErrors.Unavailable(err, "failed to load evidence")
		}
		for _, ev := range items {
			mimes[ev.ID] = ev.MimeType
		}
	}

	var fields []models.CertificateField
	for _, cp := range req.Checkpoints {
		if !cp.HasEvidence() {
			continue
		}
		field := models.CertificateField{
			Key:   fmt.Sprintf("evidence_%d", cp.Index),
			Label: fmt.Sprintf("Checkpoint %d Evidence", cp.Index),
			Kind:  models.FieldKindLink,
			Value: *cp.EvidenceURI,
		}
		if id := strings.TrimPrefix(*cp.EvidenceURI, EvidenceURIPrefix); id != *cp.EvidenceURI {
			field.Value = fmt.Sprintf("%s/certification/evidence/%s", prefix, id)
			field.Kind = kindForMime(mimes[id])
		}
		fields = append(fields, field)
	}
	return fields, nil
}

func kindForMime(mime string) models.FieldKind {
	switch {
	case mime == "application/pdf":
		return models.FieldKindPDF
	case strings.HasPrefix(mime, "image/"):
		return models.FieldKindImage
	default:
		return models.FieldKindLink
	}
}

func certificateKey(requestID string) string {
	return fmt.Sprintf("certificates/%s.pdf", requestID)
}
