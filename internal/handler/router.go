package handler

import (
	"context"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/noah-isme/agricert-api/internal/middleware"
	"github.com/noah-isme/agricert-api/internal/models"
)

// SessionRestorer resolves bearer tokens into sessions.
type SessionRestorer interface {
	RestoreSession(ctx context.Context, token string) (*models.Session, error)
}

// AuditRecorder persists audit trail entries.
type AuditRecorder interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

// Router mounts every HTTP route of the API.
type Router struct {
	Auth          *AuthHandler
	Certification *CertificationHandler
	Evidence      *EvidenceHandler
	Certificates  *CertificateHandler
	Users         *UserHandler
	Metrics       *MetricsHandler

	Sessions SessionRestorer
	Audit    AuditRecorder
	Logger   *zap.Logger
}

// Register attaches operational routes to the engine root and the API under prefix.
func (r *Router) Register(engine *gin.Engine, prefix string) {
	if r.Metrics != nil {
		engine.GET("/health", r.Metrics.Health)
		engine.GET("/ready", r.Metrics.Ready)
		engine.GET("/metrics", r.Metrics.Prometheus)
		engine.GET("/metrics/summary", r.Metrics.Snapshot)
	}

	api := engine.Group(prefix)
	requireSession := middleware.Session(r.Sessions)

	auth := api.Group("/auth")
	auth.POST("/request-otp", r.Auth.RequestOTP)
	auth.POST("/verify-otp", r.Auth.VerifyOTP)
	auth.POST("/login", r.Auth.Login)
	auth.POST("/complete-login", r.Auth.CompleteLogin)
	auth.POST("/logout", middleware.OptionalSession(r.Sessions), r.Auth.Logout)
	auth.GET("/profile", requireSession, r.Auth.Profile)

	api.GET("/evidence/:token", r.Evidence.Download)

	certification := api.Group("/certification")
	certification.GET("/certificates/:id", r.Certificates.Details)
	certification.GET("/certificates/:id/pdf",
		middleware.OptionalSession(r.Sessions),
		middleware.Audit(r.Audit, r.Logger, models.AuditActionCertificateDownload, "certificates"),
		r.Certificates.PDF,
	)

	secured := certification.Group("")
	secured.Use(requireSession)

	requester := middleware.RequireRoles(models.RoleRequester)
	inspector := middleware.RequireRoles(models.RoleInspector)
	issuer := middleware.RequireRoles(models.RoleIssuer)

	requests := secured.Group("/requests")
	requests.POST("", requester, r.Certification.Create)
	requests.GET("", r.Certification.List)
	requests.GET("/:id", r.Certification.Get)
	requests.POST("/:id/transitions", r.Certification.Transition)
	requests.GET("/:id/history", r.Certification.History)

	secured.GET("/farmer/requests", requester, r.Certification.Queue)
	secured.GET("/inspection/requests", inspector, r.Certification.Queue)
	secured.GET("/issuer/requests", issuer, r.Certification.Queue)

	legacy := middleware.LegacyAlias(prefix + "/certification/requests/{id}/transitions")
	secured.PATCH("/inspect/:id/status", legacy, inspector, r.Certification.StartInspection)
	secured.POST("/inspect/:id", legacy, inspector, r.Certification.Decide)
	secured.POST("/certify/:id", legacy, issuer, r.Certification.Certify)
	secured.POST("/revert/:id", legacy, r.Certification.Revert)

	secured.POST("/upload/checkpoint", requester, r.Evidence.Upload)
	secured.POST("/delete-media", requester, r.Evidence.Delete)
	secured.GET("/evidence/:id", r.Evidence.Link)

	users := api.Group("/users")
	users.Use(requireSession, middleware.RequireRoles(models.RoleIssuer))
	users.GET("", r.Users.List)
	users.GET("/:id", r.Users.Get)
	users.POST("", r.Users.Create)
	users.PUT("/:id", r.Users.Update)
	users.DELETE("/:id", r.Users.Delete)
}
