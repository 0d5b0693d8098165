package service

import (
	"bytes"
	"context"
	"database/sql"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/agricert-api/internal/dto"
	"github.com/noah-isme/agricert-api/internal/models"
	appErrors "github.com/noah-isme/agricert-api/pkg/errors"
	"github.com/noah-isme/agricert-api/pkg/storage"
)

type memoryEvidenceStore struct {
	mu    sync.Mutex
	items map[string]*models.Evidence
}

func newMemoryEvidenceStore() *memoryEvidenceStore {
	return &memoryEvidenceStore{items: make(map[string]*models.Evidence)}
}

func (m *memoryEvidenceStore) Create(_ context.Context, ev *models.Evidence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *ev
	m.items[ev.ID] = &clone
	return nil
}

func (m *memoryEvidenceStore) GetByID(_ context.Context, id string) (*models.Evidence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.items[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	clone := *ev
	return &clone, nil
}

func (m *memoryEvidenceStore) SoftDelete(_ context.Context, id, ownerID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.items[id]
	if !ok || ev.OwnerID != ownerID || ev.RequestID != nil || ev.DeletedAt != nil {
		return sql.ErrNoRows
	}
	ev.DeletedAt = &at
	return nil
}

func (m *memoryEvidenceStore) ListOrphans(_ context.Context, cutoff time.Time, limit int) ([]models.Evidence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Evidence
	for _, ev := range m.items {
		if ev.RequestID == nil && ev.DeletedAt == nil && ev.CreatedAt.Before(cutoff) && len(out) < limit {
			out = append(out, *ev)
		}
	}
	return out, nil
}

func (m *memoryEvidenceStore) MarkDeleted(_ context.Context, ids []string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if ev, ok := m.items[id]; ok && ev.DeletedAt == nil {
			ev.DeletedAt = &at
		}
	}
	return nil
}

func (m *memoryEvidenceStore) CountLiveByKey(_ context.Context, key string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, ev := range m.items {
		if ev.StorageKey == key && ev.DeletedAt == nil {
			count++
		}
	}
	return count, nil
}

var pngBytes = append([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00"), bytes.Repeat([]byte{0}, 64)...)

type evidenceFixture struct {
	service *EvidenceService
	repo    *memoryEvidenceStore
	files   *storage.LocalStore
	audit   *stubAuditRecorder
}

func newEvidenceFixture(t *testing.T, maxSize int64) *evidenceFixture {
	t.Helper()
	files, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	f := &evidenceFixture{repo: newMemoryEvidenceStore(), files: files, audit: &stubAuditRecorder{}}
	f.service = NewEvidenceService(f.repo, files, storage.NewSignedURLSigner("evidence-secret", time.Minute), f.audit, nil, EvidenceServiceConfig{
		MaxFileSize:  maxSize,
		AllowedMIMEs: []string{"image/png", "image/jpeg", "application/pdf"},
		OrphanTTL:    time.Hour,
	})
	return f
}

func upload(t *testing.T, f *evidenceFixture, index int, data []byte) *models.EvidenceUpload {
	t.Helper()
	out, err := f.service.Upload(context.Background(), farmer, dto.UploadEvidenceRequest{CheckpointIndex: index}, EvidenceFile{
		Filename: "photo.png",
		Size:     int64(len(data)),
		Content:  bytes.NewReader(data),
	})
	require.NoError(t, err)
	return out
}

func TestEvidenceServiceUploadAndDownload(t *testing.T) {
	f := newEvidenceFixture(t, 1024)

	out := upload(t, f, 1, pngBytes)
	assert.Equal(t, EvidenceURIPrefix+out.Evidence.ID, out.URI)
	assert.Equal(t, "image/png", out.Evidence.MimeType)
	assert.Equal(t, int64(len(pngBytes)), out.Evidence.SizeBytes)
	assert.True(t, strings.HasSuffix(out.Evidence.StorageKey, ".png"))
	assert.True(t, strings.HasPrefix(out.DownloadURL, "/api/v1/evidence/"))
	require.Len(t, f.audit.logs, 1)

	token := strings.TrimPrefix(out.DownloadURL, "/api/v1/evidence/")
	download, err := f.service.Download(context.Background(), token)
	require.NoError(t, err)
	defer download.File.Close()
	body, err := io.ReadAll(download.File)
	require.NoError(t, err)
	assert.Equal(t, pngBytes, body)
	assert.Equal(t, "image/png", download.MimeType)
}

func TestEvidenceServiceRejectsDisallowedType(t *testing.T) {
	f := newEvidenceFixture(t, 1024)
	_, err := f.service.Upload(context.Background(), farmer, dto.UploadEvidenceRequest{CheckpointIndex: 1}, EvidenceFile{
		Content: strings.NewReader("#!/bin/sh\necho hi\n"),
	})
	appErr := requireCode(t, err, appErrors.ErrValidation.Code)
	assert.Contains(t, appErr.Details["mime_type"], "text/")
}

func TestEvidenceServiceRejectsOversizedStream(t *testing.T) {
	f := newEvidenceFixture(t, 32)
	_, err := f.service.Upload(context.Background(), farmer, dto.UploadEvidenceRequest{CheckpointIndex: 1}, EvidenceFile{
		Content: bytes.NewReader(pngBytes),
	})
	requireCode(t, err, appErrors.ErrValidation.Code)
}

func TestEvidenceServiceRejectsWrongRoleAndIndex(t *testing.T) {
	f := newEvidenceFixture(t, 1024)
	_, err := f.service.Upload(context.Background(), inspector, dto.UploadEvidenceRequest{CheckpointIndex: 1}, EvidenceFile{Content: bytes.NewReader(pngBytes)})
	requireCode(t, err, appErrors.ErrForbidden.Code)

	_, err = f.service.Upload(context.Background(), farmer, dto.UploadEvidenceRequest{CheckpointIndex: 21}, EvidenceFile{Content: bytes.NewReader(pngBytes)})
	requireMissingAt(t, err, 21)
}

func TestEvidenceServiceDeleteKeepsSharedBlob(t *testing.T) {
	f := newEvidenceFixture(t, 1024)
	first := upload(t, f, 1, pngBytes)
	second := upload(t, f, 3, pngBytes)
	require.Equal(t, first.Evidence.StorageKey, second.Evidence.StorageKey)

	require.NoError(t, f.service.Delete(context.Background(), farmer, dto.DeleteEvidenceRequest{URI: first.URI}))
	assert.True(t, f.files.Exists(first.Evidence.StorageKey))

	require.NoError(t, f.service.Delete(context.Background(), farmer, dto.DeleteEvidenceRequest{ID: second.Evidence.ID}))
	assert.False(t, f.files.Exists(first.Evidence.StorageKey))

	err := f.service.Delete(context.Background(), farmer, dto.DeleteEvidenceRequest{ID: second.Evidence.ID})
	requireCode(t, err, appErrors.ErrNotFound.Code)
}

func TestEvidenceServiceDeleteAttachedOrForeign(t *testing.T) {
	f := newEvidenceFixture(t, 1024)
	out := upload(t, f, 1, pngBytes)

	err := f.service.Delete(context.Background(), otherFarm, dto.DeleteEvidenceRequest{ID: out.Evidence.ID})
	requireCode(t, err, appErrors.ErrNotFound.Code)

	requestID := "req-1"
	f.repo.items[out.Evidence.ID].RequestID = &requestID
	err = f.service.Delete(context.Background(), farmer, dto.DeleteEvidenceRequest{ID: out.Evidence.ID})
	requireCode(t, err, appErrors.ErrConflict.Code)
}

func TestEvidenceServiceDownloadRejectsTamperedToken(t *testing.T) {
	f := newEvidenceFixture(t, 1024)
	out := upload(t, f, 1, pngBytes)
	token := strings.TrimPrefix(out.DownloadURL, "/api/v1/evidence/")

	_, err := f.service.Download(context.Background(), token+"x")
	requireCode(t, err, appErrors.ErrForbidden.Code)

	require.NoError(t, f.service.Delete(context.Background(), farmer, dto.DeleteEvidenceRequest{ID: out.Evidence.ID}))
	_, err = f.service.Download(context.Background(), token)
	requireCode(t, err, appErrors.ErrNotFound.Code)
}

func TestEvidenceServicePurgeOrphans(t *testing.T) {
	f := newEvidenceFixture(t, 1024)
	stale := upload(t, f, 1, pngBytes)
	f.repo.items[stale.Evidence.ID].CreatedAt = time.Now().Add(-2 * time.Hour)
	other := append(append([]byte(nil), pngBytes...), 1)
	fresh := upload(t, f, 3, other)

	purged, err := f.service.PurgeOrphans(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, purged)
	assert.False(t, f.files.Exists(stale.Evidence.StorageKey))
	assert.True(t, f.files.Exists(fresh.Evidence.StorageKey))
}
