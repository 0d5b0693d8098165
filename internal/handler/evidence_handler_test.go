package handler

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/agricert-api/internal/dto"
	"github.com/noah-isme/agricert-api/internal/middleware"
	"github.com/noah-isme/agricert-api/internal/models"
	"github.com/noah-isme/agricert-api/internal/service"
)

type capturingEvidence struct {
	stubEvidence
	actor    models.Actor
	req      dto.UploadEvidenceRequest
	filename string
	content  []byte
	download *service.EvidenceDownload
}

func (s *capturingEvidence) Upload(_ context.Context, actor models.Actor, req dto.UploadEvidenceRequest, file service.EvidenceFile) (*models.EvidenceUpload, error) {
	s.actor = actor
	s.req = req
	s.filename = file.Filename
	s.content, _ = io.ReadAll(file.Content)
	return &models.EvidenceUpload{Evidence: &models.Evidence{ID: "ev-1", CheckpointIndex: req.CheckpointIndex}, URI: "evidence:ev-1"}, nil
}

func (s *capturingEvidence) Download(context.Context, string) (*service.EvidenceDownload, error) {
	return s.download, nil
}

func evidenceRouter(svc *capturingEvidence) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	sessions := tokenRestorer{"farmer-token": {Token: "farmer-token", UserID: "farmer-1", Role: models.RoleRequester, ExpiresAt: time.Now().Add(time.Hour)}}
	h := NewEvidenceHandler(svc)
	r.POST("/upload", middleware.Session(sessions), h.Upload)
	r.GET("/evidence/:token", h.Download)
	return r
}

func multipartBody(t *testing.T, fields map[string]string, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for key, value := range fields {
		require.NoError(t, writer.WriteField(key, value))
	}
	if filename != "" {
		part, err := writer.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = part.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())
	return body, writer.FormDataContentType()
}

func TestEvidenceHandlerUpload(t *testing.T) {
	svc := &capturingEvidence{}
	body, contentType := multipartBody(t, map[string]string{"checkpoint_index": "3"}, "field.jpg", []byte("jpeg-bytes"))

	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer farmer-token")
	recorder := httptest.NewRecorder()
	evidenceRouter(svc).ServeHTTP(recorder, req)

	require.Equal(t, http.StatusCreated, recorder.Code, recorder.Body.String())
	assert.Contains(t, recorder.Body.String(), `"uri":"evidence:ev-1"`)
	assert.Equal(t, "farmer-1", svc.actor.ID)
	assert.Equal(t, 3, svc.req.CheckpointIndex)
	assert.Equal(t, "field.jpg", svc.filename)
	assert.Equal(t, []byte("jpeg-bytes"), svc.content)
}

func TestEvidenceHandlerUploadRequiresFile(t *testing.T) {
	body, contentType := multipartBody(t, map[string]string{"checkpoint_index": "3"}, "", nil)

	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer farmer-token")
	recorder := httptest.NewRecorder()
	evidenceRouter(&capturingEvidence{}).ServeHTTP(recorder, req)

	assert.Equal(t, http.StatusBadRequest, recorder.Code)
	assert.Contains(t, recorder.Body.String(), "file is required")
}

func TestEvidenceHandlerDownloadStreamsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blob")
	require.NoError(t, os.WriteFile(path, []byte("%PDF-1.4 evidence"), 0o600))
	file, err := os.Open(path)
	require.NoError(t, err)

	svc := &capturingEvidence{download: &service.EvidenceDownload{
		File:      file,
		Filename:  "report.pdf",
		MimeType:  "application/pdf",
		SizeBytes: 17,
	}}
	recorder := httptest.NewRecorder()
	evidenceRouter(svc).ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/evidence/signed", nil))

	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "application/pdf", recorder.Header().Get("Content-Type"))
	assert.Contains(t, recorder.Header().Get("Content-Disposition"), "report.pdf")
	assert.Equal(t, "%PDF-1.4 evidence", recorder.Body.String())
}

func TestMetricsHandlerReadiness(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := NewMetricsHandler(service.NewMetricsService(), map[string]ReadinessCheck{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	})
	r.GET("/ready", h.Ready)
	r.GET("/metrics", h.Prometheus)

	recorder := httptest.NewRecorder()
	r.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, recorder.Code)
	assert.Contains(t, recorder.Body.String(), `"status":"degraded"`)
	assert.Contains(t, recorder.Body.String(), `"postgres":"ok"`)
	assert.Contains(t, recorder.Body.String(), "connection refused")

	recorder = httptest.NewRecorder()
	r.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Contains(t, recorder.Body.String(), "goroutines_total")
}
