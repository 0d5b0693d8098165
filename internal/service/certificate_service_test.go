package service

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/agricert-api/internal/models"
	"github.com/noah-isme/agricert-api/internal/repository"
	"github.com/noah-isme/agricert-api/pkg/anchor"
	appErrors "github.com/noah-isme/agricert-api/pkg/errors"
	"github.com/noah-isme/agricert-api/pkg/jobs"
	"github.com/noah-isme/agricert-api/pkg/storage"
)

type mapCache struct {
	items map[string][]byte
	gets  int
}

func (c *mapCache) Get(_ context.Context, key string, dest interface{}) error {
	c.gets++
	raw, ok := c.items[key]
	if !ok {
		return appErrors.ErrCacheMiss
	}
	return json.Unmarshal(raw, dest)
}

func (c *mapCache) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.items[key] = raw
	return nil
}

type countingStore struct {
	*repository.MemoryRequestStore
	loads int
}

func (s *countingStore) GetByID(ctx context.Context, id string) (*models.CertificationRequest, error) {
	s.loads++
	return s.MemoryRequestStore.GetByID(ctx, id)
}

type certificateFixture struct {
	service *CertificateService
	store   *countingStore
	files   *storage.LocalStore
	cache   *mapCache
	request *models.CertificationRequest
	anchor  *models.AnchorRecord
}

func newCertificateFixture(t *testing.T) *certificateFixture {
	t.Helper()
	mem := repository.NewMemoryRequestStore()
	engine := newTestEngine(mem, DefaultRevertPolicy())
	coordinator := NewIssuanceCoordinator(engine, mem, anchor.NewLocalLedger(), time.Second, nil, nil, nil)

	lat, lng := -7.25, 112.75
	external := "https://files.example.com/soil.jpg"
	checkpoints := completeCheckpoints()
	checkpoints[2].EvidenceURI = &external
	req := &models.CertificationRequest{
		RequesterID: farmer.ID,
		ProductName: "Arabica Coffee",
		Location:    models.Location{Address: "Malang, East Java", Latitude: &lat, Longitude: &lng},
		Checkpoints: checkpoints,
		Status:      models.StatusApproved,
		InspectorID: strPtr(inspector.ID),
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, mem.Create(context.Background(), req))
	record, err := coordinator.Issue(context.Background(), req.ID, issuer)
	require.NoError(t, err)

	files, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	f := &certificateFixture{
		store:   &countingStore{MemoryRequestStore: mem},
		files:   files,
		cache:   &mapCache{items: make(map[string][]byte)},
		request: req,
		anchor:  record,
	}
	evidence := newStubEvidenceLookup(models.Evidence{ID: "ev-1", OwnerID: farmer.ID, MimeType: "image/png"})
	f.service = NewCertificateService(f.store, evidence, files, f.cache, nil, NewMetricsService(), nil, CertificateServiceConfig{
		VerifyBaseURL: "https://verify.example.com/c/",
		IssuerName:    "Demo Certifier",
	})
	return f
}

func fieldByKey(details *models.CertificateDetails, key string) (models.CertificateField, bool) {
	for _, field := range details.Fields {
		if field.Key == key {
			return field, true
		}
	}
	return models.CertificateField{}, false
}

func TestCertificateServiceDetailsFieldKinds(t *testing.T) {
	f := newCertificateFixture(t)

	details, err := f.service.Details(context.Background(), f.request.ID)
	require.NoError(t, err)
	assert.Equal(t, f.request.ID, details.RequestID)
	assert.Equal(t, "request_id", details.Fields[0].Key)

	cases := map[string]models.FieldKind{
		"product_name":    models.FieldKindText,
		"coordinates":     models.FieldKindText,
		"issued_at":       models.FieldKindDate,
		"anchor_ref":      models.FieldKindHash,
		"verify_url":      models.FieldKindQR,
		"certificate_pdf": models.FieldKindPDF,
		"evidence_1":      models.FieldKindImage,
		"evidence_3":      models.FieldKindLink,
	}
	for key, kind := range cases {
		field, ok := fieldByKey(details, key)
		require.True(t, ok, key)
		assert.Equal(t, kind, field.Kind, key)
	}

	ref, _ := fieldByKey(details, "anchor_ref")
	assert.Equal(t, f.anchor.TransactionRef, ref.Value)
	verify, _ := fieldByKey(details, "verify_url")
	assert.Equal(t, "https://verify.example.com/c/"+f.request.ID, verify.Value)
	ev, _ := fieldByKey(details, "evidence_1")
	assert.Equal(t, "/api/v1/certification/evidence/ev-1", ev.Value)
	soil, _ := fieldByKey(details, "evidence_3")
	assert.Equal(t, "https://files.example.com/soil.jpg", soil.Value)
}

func TestCertificateServiceDetailsAreCached(t *testing.T) {
	f := newCertificateFixture(t)

	_, err := f.service.Details(context.Background(), f.request.ID)
	require.NoError(t, err)
	_, err = f.service.Details(context.Background(), f.request.ID)
	require.NoError(t, err)

	assert.Equal(t, 1, f.store.loads)
	assert.Equal(t, 2, f.cache.gets)
}

func TestCertificateServiceRequiresCertifiedRequest(t *testing.T) {
	f := newCertificateFixture(t)
	pending := seedRequest(t, f.store.MemoryRequestStore, models.StatusPending, nil)

	_, err := f.service.Details(context.Background(), pending.ID)
	requireCode(t, err, appErrors.ErrNotFound.Code)

	_, err = f.service.Details(context.Background(), "missing")
	requireCode(t, err, appErrors.ErrNotFound.Code)
}

func TestCertificateServiceRenderJobAndPDF(t *testing.T) {
	f := newCertificateFixture(t)

	require.NoError(t, f.service.HandleRenderJob(context.Background(), jobs.Job{Type: JobCertificateRender, Payload: f.request.ID}))
	assert.True(t, f.files.Exists(certificateKey(f.request.ID)))

	out, err := f.service.PDF(context.Background(), f.request.ID)
	require.NoError(t, err)
	defer out.File.Close()
	data, err := io.ReadAll(out.File)
	require.NoError(t, err)
	assert.Equal(t, "%PDF", string(data[:4]))
	assert.Equal(t, "certificate-"+f.request.ID+".pdf", out.Filename)

	err = f.service.HandleRenderJob(context.Background(), jobs.Job{Type: JobCertificateRender, Payload: 42})
	assert.Error(t, err)
}

func TestCertificateServicePDFRendersOnDemand(t *testing.T) {
	f := newCertificateFixture(t)
	require.False(t, f.files.Exists(certificateKey(f.request.ID)))

	out, err := f.service.PDF(context.Background(), f.request.ID)
	require.NoError(t, err)
	out.File.Close()
	assert.True(t, f.files.Exists(certificateKey(f.request.ID)))
}
