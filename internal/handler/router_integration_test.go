package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/agricert-api/internal/dto"
	"github.com/noah-isme/agricert-api/internal/models"
	"github.com/noah-isme/agricert-api/internal/repository"
	"github.com/noah-isme/agricert-api/internal/service"
	"github.com/noah-isme/agricert-api/pkg/anchor"
	appErrors "github.com/noah-isme/agricert-api/pkg/errors"
	"github.com/noah-isme/agricert-api/pkg/lock"
	"github.com/noah-isme/agricert-api/pkg/storage"
)

type tokenRestorer map[string]*models.Session

func (r tokenRestorer) RestoreSession(_ context.Context, token string) (*models.Session, error) {
	session, ok := r[token]
	if !ok {
		return nil, appErrors.ErrSessionExpired
	}
	return session, nil
}

type recordingAudit struct {
	logs []*models.AuditLog
}

func (a *recordingAudit) CreateAuditLog(_ context.Context, log *models.AuditLog) error {
	a.logs = append(a.logs, log)
	return nil
}

type stubSessions struct{}

func (stubSessions) RequestChallenge(context.Context, string, models.ChallengePurpose, *models.Registration) (*models.PendingChallenge, error) {
	return &models.PendingChallenge{Token: "challenge"}, nil
}

func (stubSessions) Login(context.Context, string, string) (*models.PendingChallenge, error) {
	return nil, appErrors.ErrInvalidCredentials
}

func (stubSessions) VerifyChallenge(context.Context, string, string, models.LoginMetadata) (*models.Session, error) {
	return &models.Session{Token: "farmer-token", UserID: "farmer-1", Role: models.RoleRequester, ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (stubSessions) CompleteLogin(context.Context, string, string, string, string, models.LoginMetadata) (*models.Session, error) {
	return nil, appErrors.ErrInvalidCredentials
}

func (stubSessions) Logout(context.Context, string, models.LoginMetadata) error { return nil }

func (stubSessions) Profile(_ context.Context, userID string) (*models.UserInfo, error) {
	return &models.UserInfo{ID: userID, Role: models.RoleRequester}, nil
}

type stubEvidence struct{}

func (stubEvidence) Upload(context.Context, models.Actor, dto.UploadEvidenceRequest, service.EvidenceFile) (*models.EvidenceUpload, error) {
	return nil, appErrors.ErrServiceUnavailable
}

func (stubEvidence) Delete(context.Context, models.Actor, dto.DeleteEvidenceRequest) error {
	return nil
}

func (stubEvidence) DownloadURL(_ context.Context, _ models.Actor, id string) (string, time.Time, error) {
	return "/api/v1/evidence/signed-" + id, time.Now().Add(time.Minute), nil
}

func (stubEvidence) Download(context.Context, string) (*service.EvidenceDownload, error) {
	return nil, appErrors.ErrForbidden
}

type stubUsers struct{}

func (stubUsers) List(context.Context, models.UserFilter) ([]models.User, *models.Pagination, error) {
	return []models.User{}, &models.Pagination{Page: 1, PageSize: 20}, nil
}

func (stubUsers) Get(context.Context, string) (*models.User, error) { return nil, appErrors.ErrNotFound }

func (stubUsers) Create(context.Context, dto.CreateUserRequest, string, models.LoginMetadata) (*models.User, error) {
	return nil, appErrors.ErrValidation
}

func (stubUsers) Update(context.Context, string, dto.UpdateUserRequest, string, models.LoginMetadata) (*models.User, error) {
	return nil, appErrors.ErrValidation
}

func (stubUsers) Delete(context.Context, string, string, models.LoginMetadata) error { return nil }

func buildTestRouter(t *testing.T) (*gin.Engine, *recordingAudit) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := repository.NewMemoryRequestStore()
	engine := service.NewLifecycleEngine(store, lock.NewKeyedMutex(), service.DefaultRevertPolicy(), nil, nil)
	coordinator := service.NewIssuanceCoordinator(engine, store, anchor.NewLocalLedger(), time.Second, nil, nil, nil)
	files, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	restorer := tokenRestorer{}
	for token, role := range map[string]models.UserRole{
		"farmer-token":    models.RoleRequester,
		"inspector-token": models.RoleInspector,
		"issuer-token":    models.RoleIssuer,
	} {
		restorer[token] = &models.Session{Token: token, UserID: strings.TrimSuffix(token, "-token") + "-1", Role: role, ExpiresAt: time.Now().Add(time.Hour)}
	}

	audit := &recordingAudit{}
	router := &Router{
		Auth:          NewAuthHandler(stubSessions{}, nil),
		Certification: NewCertificationHandler(service.NewCertificationService(store, nil, nil, engine, coordinator, nil, nil)),
		Evidence:      NewEvidenceHandler(stubEvidence{}),
		Certificates:  NewCertificateHandler(service.NewCertificateService(store, nil, files, nil, nil, nil, nil, service.CertificateServiceConfig{})),
		Users:         NewUserHandler(stubUsers{}),
		Metrics:       NewMetricsHandler(service.NewMetricsService(), nil),
		Sessions:      restorer,
		Audit:         audit,
	}
	r := gin.New()
	router.Register(r, "/api/v1")
	return r, audit
}

func serve(r *gin.Engine, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		payload, _ := json.Marshal(body)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	r.ServeHTTP(recorder, req)
	return recorder
}

func requestPayload() dto.CreateRequestRequest {
	payload := dto.CreateRequestRequest{
		ProductName: "Organic Turmeric",
		Location:    dto.LocationInput{Address: "Erode, Tamil Nadu"},
	}
	for _, entry := range models.CheckpointCatalog() {
		cp := dto.CheckpointInput{Index: entry.Index, Answer: models.AnswerYes}
		if entry.RequiresEvidence {
			uri := "https://files.example.com/cp.jpg"
			cp.EvidenceURI = &uri
		}
		payload.Checkpoints = append(payload.Checkpoints, cp)
	}
	return payload
}

func decodeRequest(t *testing.T, recorder *httptest.ResponseRecorder) dto.RequestView {
	t.Helper()
	var envelope struct {
		Data dto.RequestView `json:"data"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &envelope))
	return envelope.Data
}

func TestRouterCertificationLifecycle(t *testing.T) {
	r, audit := buildTestRouter(t)

	created := serve(r, http.MethodPost, "/api/v1/certification/requests", "farmer-token", requestPayload())
	require.Equal(t, http.StatusCreated, created.Code, created.Body.String())
	id := decodeRequest(t, created).ID
	require.NotEmpty(t, id)

	t.Run("certificate hidden before certification", func(t *testing.T) {
		resp := serve(r, http.MethodGet, "/api/v1/certification/certificates/"+id, "", nil)
		assert.Equal(t, http.StatusNotFound, resp.Code)
	})

	t.Run("legacy start inspection", func(t *testing.T) {
		resp := serve(r, http.MethodPatch, "/api/v1/certification/inspect/"+id+"/status", "inspector-token", nil)
		require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
		assert.Equal(t, "true", resp.Header().Get("Deprecation"))
		assert.Contains(t, resp.Header().Get("Link"), "/api/v1/certification/requests/{id}/transitions")
		assert.Contains(t, resp.Body.String(), `"status":"in_progress"`)
	})

	t.Run("requester cannot approve", func(t *testing.T) {
		resp := serve(r, http.MethodPost, "/api/v1/certification/inspect/"+id, "farmer-token", map[string]bool{"approved": true})
		assert.Equal(t, http.StatusForbidden, resp.Code)
		assert.Equal(t, "/farmer/dashboard", resp.Header().Get("X-Redirect-To"))
	})

	t.Run("inspector approves", func(t *testing.T) {
		resp := serve(r, http.MethodPost, "/api/v1/certification/inspect/"+id, "inspector-token", map[string]bool{"approved": true})
		require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
		assert.Contains(t, resp.Body.String(), `"status":"approved"`)
	})

	t.Run("issuer certifies", func(t *testing.T) {
		resp := serve(r, http.MethodPost, "/api/v1/certification/requests/"+id+"/transitions", "issuer-token", map[string]string{"action": "certify"})
		require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
		assert.Contains(t, resp.Body.String(), `"status":"certified"`)
		assert.Contains(t, resp.Body.String(), `"anchor"`)
	})

	t.Run("public certificate", func(t *testing.T) {
		resp := serve(r, http.MethodGet, "/api/v1/certification/certificates/"+id, "", nil)
		require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
		assert.Contains(t, resp.Body.String(), "Organic Turmeric")
		assert.Contains(t, resp.Body.String(), `"kind":"hash"`)
	})

	t.Run("certificate pdf is audited", func(t *testing.T) {
		resp := serve(r, http.MethodGet, "/api/v1/certification/certificates/"+id+"/pdf", "issuer-token", nil)
		require.Equal(t, http.StatusOK, resp.Code)
		assert.Equal(t, "application/pdf", resp.Header().Get("Content-Type"))
		assert.True(t, strings.HasPrefix(resp.Body.String(), "%PDF"))
		require.Len(t, audit.logs, 1)
		assert.Equal(t, models.AuditActionCertificateDownload, audit.logs[0].Action)
		assert.Equal(t, "issuer-1", *audit.logs[0].UserID)
	})

	t.Run("history", func(t *testing.T) {
		resp := serve(r, http.MethodGet, "/api/v1/certification/requests/"+id+"/history", "farmer-token", nil)
		require.Equal(t, http.StatusOK, resp.Code)
		assert.Contains(t, resp.Body.String(), `"chain_intact":true`)
	})
}

func TestRouterAccessControl(t *testing.T) {
	r, _ := buildTestRouter(t)

	t.Run("anonymous list", func(t *testing.T) {
		resp := serve(r, http.MethodGet, "/api/v1/certification/requests", "", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.Code)
		assert.Equal(t, "/", resp.Header().Get("X-Redirect-To"))
	})

	t.Run("inspector on farmer queue", func(t *testing.T) {
		resp := serve(r, http.MethodGet, "/api/v1/certification/farmer/requests", "inspector-token", nil)
		assert.Equal(t, http.StatusForbidden, resp.Code)
		assert.Equal(t, "/inspector/dashboard", resp.Header().Get("X-Redirect-To"))
	})

	t.Run("inspector queue", func(t *testing.T) {
		resp := serve(r, http.MethodGet, "/api/v1/certification/inspection/requests", "inspector-token", nil)
		require.Equal(t, http.StatusOK, resp.Code)
		assert.Contains(t, resp.Body.String(), `"role":"inspector"`)
	})

	t.Run("user admin requires issuer", func(t *testing.T) {
		assert.Equal(t, http.StatusForbidden, serve(r, http.MethodGet, "/api/v1/users", "farmer-token", nil).Code)
		assert.Equal(t, http.StatusOK, serve(r, http.MethodGet, "/api/v1/users", "issuer-token", nil).Code)
	})

	t.Run("evidence link redirects", func(t *testing.T) {
		resp := serve(r, http.MethodGet, "/api/v1/certification/evidence/ev-1", "farmer-token", nil)
		assert.Equal(t, http.StatusFound, resp.Code)
		assert.Equal(t, "/api/v1/evidence/signed-ev-1", resp.Header().Get("Location"))
	})

	t.Run("profile carries home route", func(t *testing.T) {
		resp := serve(r, http.MethodGet, "/api/v1/auth/profile", "farmer-token", nil)
		require.Equal(t, http.StatusOK, resp.Code)
		assert.Contains(t, resp.Body.String(), `"redirect":"/farmer/dashboard"`)
	})

	t.Run("health", func(t *testing.T) {
		assert.Equal(t, http.StatusOK, serve(r, http.MethodGet, "/health", "", nil).Code)
		assert.Equal(t, http.StatusOK, serve(r, http.MethodGet, "/ready", "", nil).Code)
	})
}
