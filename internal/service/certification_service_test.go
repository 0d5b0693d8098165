package service

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/agricert-api/internal/dto"
	"github.com/noah-isme/agricert-api/internal/models"
	"github.com/noah-isme/agricert-api/internal/repository"
	"github.com/noah-isme/agricert-api/pkg/anchor"
	appErrors "github.com/noah-isme/agricert-api/pkg/errors"
)

type stubEvidenceLookup struct {
	mu    sync.Mutex
	items map[string]models.Evidence
}

func newStubEvidenceLookup(items ...models.Evidence) *stubEvidenceLookup {
	l := &stubEvidenceLookup{items: make(map[string]models.Evidence)}
	for _, ev := range items {
		l.items[ev.ID] = ev
	}
	return l
}

func (l *stubEvidenceLookup) GetMany(_ context.Context, ids []string) ([]models.Evidence, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []models.Evidence
	for _, id := range ids {
		if ev, ok := l.items[id]; ok {
			out = append(out, ev)
		}
	}
	return out, nil
}

type failingRequestStore struct {
	*repository.MemoryRequestStore
	err error
}

func (s *failingRequestStore) CreateWithEvidence(context.Context, *models.CertificationRequest, []string) error {
	return s.err
}

type stubAuditRecorder struct {
	logs []*models.AuditLog
}

func (r *stubAuditRecorder) CreateAuditLog(_ context.Context, log *models.AuditLog) error {
	r.logs = append(r.logs, log)
	return nil
}

type certificationFixture struct {
	service  *CertificationService
	store    *repository.MemoryRequestStore
	evidence *stubEvidenceLookup
	audit    *stubAuditRecorder
}

func newCertificationFixture(t *testing.T, evidence ...models.Evidence) *certificationFixture {
	t.Helper()
	store := repository.NewMemoryRequestStore()
	engine := newTestEngine(store, DefaultRevertPolicy())
	coordinator := NewIssuanceCoordinator(engine, store, anchor.NewLocalLedger(), time.Second, nil, nil, nil)
	f := &certificationFixture{store: store, evidence: newStubEvidenceLookup(evidence...), audit: &stubAuditRecorder{}}
	f.service = NewCertificationService(store, f.evidence, f.audit, engine, coordinator, nil, nil)
	return f
}

// evidenceFor builds one uploaded evidence row per checkpoint that needs it.
func evidenceFor(ownerID string) []models.Evidence {
	var out []models.Evidence
	for _, entry := range models.CheckpointCatalog() {
		if entry.RequiresEvidence {
			out = append(out, models.Evidence{ID: evidenceID(entry.Index), OwnerID: ownerID, CheckpointIndex: entry.Index})
		}
	}
	return out
}

func evidenceID(index int) string {
	return "ev-" + string(rune('a'+index))
}

func createPayload() dto.CreateRequestRequest {
	lat, lng := 12.97, 77.59
	payload := dto.CreateRequestRequest{
		ProductName: "Organic Turmeric",
		Description: "Dried turmeric fingers",
		Location:    dto.LocationInput{Address: "Erode, Tamil Nadu", Latitude: &lat, Longitude: &lng},
	}
	for _, entry := range models.CheckpointCatalog() {
		cp := dto.CheckpointInput{Index: entry.Index, Answer: models.AnswerYes}
		if entry.RequiresEvidence {
			uri := EvidenceURIPrefix + evidenceID(entry.Index)
			cp.EvidenceURI = &uri
		}
		payload.Checkpoints = append(payload.Checkpoints, cp)
	}
	return payload
}

func TestCertificationServiceCreate(t *testing.T) {
	f := newCertificationFixture(t, evidenceFor(farmer.ID)...)

	view, err := f.service.Create(context.Background(), farmer, createPayload())
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, view.Status)
	assert.Equal(t, int64(1), view.Version)
	assert.Len(t, view.Checkpoints, models.CheckpointCount)
	assert.Equal(t, []models.Action{models.ActionRevert}, view.AvailableActions)
	assert.Len(t, f.store.AttachedEvidence(view.ID), 8)
	require.Len(t, f.audit.logs, 1)
	assert.Equal(t, models.AuditActionRequestCreate, f.audit.logs[0].Action)

	stored, err := f.store.GetByID(context.Background(), view.ID)
	require.NoError(t, err)
	assert.Equal(t, "Erode, Tamil Nadu", stored.Location.Address)
}

func TestCertificationServiceCreateMissingFirstEvidence(t *testing.T) {
	f := newCertificationFixture(t, evidenceFor(farmer.ID)...)
	payload := createPayload()
	payload.Checkpoints[0].EvidenceURI = nil

	_, err := f.service.Create(context.Background(), farmer, payload)
	requireMissingAt(t, err, 1)

	list, _, err := f.store.List(context.Background(), models.RequestFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestCertificationServiceCreateRejectsForeignEvidence(t *testing.T) {
	f := newCertificationFixture(t, evidenceFor(otherFarm.ID)...)

	_, err := f.service.Create(context.Background(), farmer, createPayload())
	requireMissingAt(t, err, 1)
}

func TestCertificationServiceCreateRejectsEvidenceForOtherCheckpoint(t *testing.T) {
	items := evidenceFor(farmer.ID)
	items[1].CheckpointIndex = 4
	f := newCertificationFixture(t, items...)

	_, err := f.service.Create(context.Background(), farmer, createPayload())
	requireMissingAt(t, err, 3)
}

func TestCertificationServiceCreateAcceptsExternalURIs(t *testing.T) {
	f := newCertificationFixture(t)
	payload := createPayload()
	for i := range payload.Checkpoints {
		if payload.Checkpoints[i].EvidenceURI != nil {
			uri := "https://files.example.com/cp.jpg"
			payload.Checkpoints[i].EvidenceURI = &uri
		}
	}

	view, err := f.service.Create(context.Background(), farmer, payload)
	require.NoError(t, err)
	assert.Empty(t, f.store.AttachedEvidence(view.ID))
}

func TestCertificationServiceCreateRejectsEvidenceClaimedByAnotherRequest(t *testing.T) {
	f := newCertificationFixture(t, evidenceFor(farmer.ID)...)
	ctx := context.Background()

	first, err := f.service.Create(ctx, farmer, createPayload())
	require.NoError(t, err)

	_, err = f.service.Create(ctx, farmer, createPayload())
	requireCode(t, err, appErrors.ErrConflict.Code)

	list, _, err := f.store.List(ctx, models.RequestFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, first.ID, list[0].ID)
	assert.Len(t, f.store.AttachedEvidence(first.ID), 8)
	require.Len(t, f.audit.logs, 1)
}

func TestCertificationServiceCreateFailsWhenStoreFails(t *testing.T) {
	f := newCertificationFixture(t, evidenceFor(farmer.ID)...)
	store := &failingRequestStore{MemoryRequestStore: f.store, err: errors.New("connection reset")}
	svc := NewCertificationService(store, f.evidence, f.audit, f.service.engine, f.service.coordinator, nil, nil)

	view, err := svc.Create(context.Background(), farmer, createPayload())
	requireCode(t, err, appErrors.ErrServiceUnavailable.Code)
	assert.Nil(t, view)
	assert.Empty(t, f.audit.logs)

	list, _, err := f.store.List(context.Background(), models.RequestFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestCertificationServiceCreateRequiresRequester(t *testing.T) {
	f := newCertificationFixture(t)
	_, err := f.service.Create(context.Background(), inspector, createPayload())
	requireCode(t, err, appErrors.ErrForbidden.Code)
}

func TestCertificationServiceFullLifecycle(t *testing.T) {
	f := newCertificationFixture(t, evidenceFor(farmer.ID)...)
	ctx := context.Background()

	view, err := f.service.Create(ctx, farmer, createPayload())
	require.NoError(t, err)

	started, err := f.service.Transition(ctx, inspector, view.ID, dto.TransitionRequest{Action: models.ActionStart})
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, started.Request.Status)

	version := started.Request.Version
	approved, err := f.service.Transition(ctx, inspector, view.ID, dto.TransitionRequest{Action: models.ActionApprove, ExpectedVersion: &version})
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, approved.Request.Status)

	certified, err := f.service.Transition(ctx, issuer, view.ID, dto.TransitionRequest{Action: models.ActionCertify})
	require.NoError(t, err)
	require.NotNil(t, certified.Anchor)
	assert.Equal(t, models.StatusCertified, certified.Request.Status)
	assert.Equal(t, certified.Anchor.TransactionRef, *certified.Request.AnchorRef)
	assert.Empty(t, certified.Request.AvailableActions)
	assert.True(t, certified.Applied)

	again, err := f.service.Transition(ctx, issuer, view.ID, dto.TransitionRequest{Action: models.ActionCertify})
	require.NoError(t, err)
	assert.False(t, again.Applied)
	assert.Equal(t, certified.Anchor.TransactionRef, again.Anchor.TransactionRef)

	history, err := f.service.History(ctx, farmer, view.ID)
	require.NoError(t, err)
	assert.True(t, history.ChainIntact)
	require.Len(t, history.Events, 3)
	assert.Equal(t, models.StatusCertified, history.Events[2].ToStatus)

	data, err := f.service.HistoryCSV(ctx, issuer, view.ID)
	require.NoError(t, err)
	records, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 4)
	assert.Equal(t, "sequence", records[0][0])
	assert.Equal(t, "in_progress", records[1][2])

	pdf, err := f.service.HistoryPDF(ctx, issuer, view.ID)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(pdf, []byte("%PDF")))
}

func TestCertificationServiceGetScopesRequesters(t *testing.T) {
	f := newCertificationFixture(t, evidenceFor(farmer.ID)...)
	view, err := f.service.Create(context.Background(), farmer, createPayload())
	require.NoError(t, err)

	_, err = f.service.Get(context.Background(), otherFarm, view.ID)
	requireCode(t, err, appErrors.ErrForbidden.Code)

	got, err := f.service.Get(context.Background(), inspector, view.ID)
	require.NoError(t, err)
	assert.Equal(t, []models.Action{models.ActionStart}, got.AvailableActions)

	_, err = f.service.Get(context.Background(), inspector, "missing")
	requireCode(t, err, appErrors.ErrNotFound.Code)
}

func TestCertificationServiceListIsRoleScoped(t *testing.T) {
	f := newCertificationFixture(t)
	ctx := context.Background()
	mine := seedRequest(t, f.store, models.StatusPending, nil)
	assigned := seedRequest(t, f.store, models.StatusInProgress, strPtr(inspector.ID))
	seedRequest(t, f.store, models.StatusInProgress, strPtr(otherInsp.ID))
	approved := seedRequest(t, f.store, models.StatusApproved, strPtr(inspector.ID))
	foreign := &models.CertificationRequest{RequesterID: otherFarm.ID, Status: models.StatusPending, CreatedAt: time.Now()}
	require.NoError(t, f.store.Create(ctx, foreign))

	views, page, err := f.service.List(ctx, otherFarm, dto.RequestQuery{})
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, foreign.ID, views[0].ID)
	assert.Equal(t, 1, page.TotalCount)

	views, _, err = f.service.Queue(ctx, inspector, 1, 20)
	require.NoError(t, err)
	ids := make([]string, 0, len(views))
	for _, v := range views {
		ids = append(ids, v.ID)
	}
	assert.ElementsMatch(t, []string{mine.ID, assigned.ID, foreign.ID}, ids)

	views, _, err = f.service.Queue(ctx, issuer, 1, 20)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, approved.ID, views[0].ID)

	_, _, err = f.service.List(ctx, farmer, dto.RequestQuery{Status: []models.RequestStatus{"archived"}})
	requireCode(t, err, appErrors.ErrValidation.Code)
}

func TestCertificationServiceTransitionValidation(t *testing.T) {
	f := newCertificationFixture(t)
	req := seedRequest(t, f.store, models.StatusPending, nil)

	_, err := f.service.Transition(context.Background(), inspector, req.ID, dto.TransitionRequest{Action: "publish"})
	requireCode(t, err, appErrors.ErrValidation.Code)

	_, err = f.service.Transition(context.Background(), issuer, req.ID, dto.TransitionRequest{Action: models.ActionCertify})
	requireCode(t, err, appErrors.ErrInvalidTransition.Code)
}
