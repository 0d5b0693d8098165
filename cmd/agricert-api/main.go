package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	_ "github.com/noah-isme/agricert-api/api/swagger"
	"github.com/noah-isme/agricert-api/internal/handler"
	internalmiddleware "github.com/noah-isme/agricert-api/internal/middleware"
	"github.com/noah-isme/agricert-api/internal/repository"
	"github.com/noah-isme/agricert-api/internal/service"
	"github.com/noah-isme/agricert-api/pkg/anchor"
	"github.com/noah-isme/agricert-api/pkg/cache"
	"github.com/noah-isme/agricert-api/pkg/config"
	"github.com/noah-isme/agricert-api/pkg/database"
	"github.com/noah-isme/agricert-api/pkg/export"
	"github.com/noah-isme/agricert-api/pkg/jobs"
	"github.com/noah-isme/agricert-api/pkg/lock"
	"github.com/noah-isme/agricert-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/agricert-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/agricert-api/pkg/middleware/requestid"
	"github.com/noah-isme/agricert-api/pkg/otp"
	"github.com/noah-isme/agricert-api/pkg/storage"
)

// @title AgriCert API
// @version 1.0.0
// @description Agricultural product certification: requests, inspection, issuance and public certificates
// @BasePath /api/v1
// @schemes http https
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if err := run(cfg, logr); err != nil {
		logr.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logr *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close() //nolint:errcheck
	if cfg.Database.AutoMigrate {
		if err := database.Migrate(ctx, db); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	var redisClient redis.UniversalClient
	if cfg.Redis.Enabled {
		client, err := cache.NewRedis(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer client.Close() //nolint:errcheck
		redisClient = client
	}

	metrics := service.NewMetricsService()
	validate := validator.New()

	users := repository.NewUserRepository(db)
	requests := repository.NewRequestRepository(db)
	evidence := repository.NewEvidenceRepository(db)
	certificateCache := repository.NewCacheRepository(redisClient, "agricert:", logr)

	var (
		sessions   repository.SessionStore
		challenges repository.ChallengeStore
	)
	if redisClient != nil {
		sessions = repository.NewRedisSessionStore(redisClient)
		challenges = repository.NewRedisChallengeStore(redisClient)
	} else {
		logr.Warn("redis disabled, sessions are kept in process memory")
		sessions = repository.NewMemorySessionStore()
		challenges = repository.NewMemoryChallengeStore()
	}

	var locker lock.Locker = lock.NewKeyedMutex()
	if cfg.Workflow.DistributedLock {
		if redisClient == nil {
			return errors.New("distributed transition lock requires redis")
		}
		locker = lock.NewRedisLock(redisClient, "agricert:lock:", cfg.Workflow.LockTTL, logr)
	}

	var anchorer anchor.Anchorer
	switch cfg.Anchoring.Driver {
	case config.AnchorDriverHTTP:
		anchorer = anchor.NewHTTPClient(cfg.Anchoring.URL, cfg.Anchoring.APIKey, &http.Client{Timeout: cfg.Anchoring.Timeout})
	default:
		logr.Warn("using in-process ledger, anchors do not survive restarts")
		anchorer = anchor.NewLocalLedger()
	}

	var strategy otp.Strategy = otp.Random{Length: cfg.OTP.Length}
	if cfg.OTP.Strategy == config.OTPStrategyLastDigits {
		logr.Warn("one-time codes are derived from phone numbers; never enable this in production")
		strategy = otp.LastDigits{Length: cfg.OTP.Length}
	}
	var channel otp.Channel = otp.NewLogChannel(logr, cfg.Env != config.EnvProduction)
	if cfg.OTP.Channel == config.OTPChannelWebhook {
		channel = otp.NewWebhookChannel(cfg.OTP.WebhookURL, cfg.OTP.WebhookTimeout)
	}

	policy, err := service.RevertPolicyFromConfig(cfg.Workflow)
	if err != nil {
		return fmt.Errorf("revert policy: %w", err)
	}

	queue := jobs.NewQueue("certificates", jobs.QueueConfig{
		Workers:    cfg.Jobs.Workers,
		MaxRetries: cfg.Jobs.Retries,
		RetryDelay: cfg.Jobs.RetryDelay,
		Logger:     logr,
		Observer:   metrics.ObserveJob,
	})

	evidenceFiles, err := storage.NewLocalStore(cfg.Evidence.StorageDir)
	if err != nil {
		return fmt.Errorf("evidence storage: %w", err)
	}
	certificateFiles, err := storage.NewLocalStore(cfg.Certificates.StorageDir)
	if err != nil {
		return fmt.Errorf("certificate storage: %w", err)
	}

	sessionManager := service.NewSessionManager(users, sessions, challenges, strategy, channel, validate, metrics, logr, service.SessionManagerConfig{
		SessionTTL:      cfg.Session.TTL,
		ChallengeTTL:    cfg.Session.ChallengeTTL,
		ChallengeSecret: cfg.Session.ChallengeSecret,
		Issuer:          cfg.Session.Issuer,
		MaxAttempts:     cfg.Session.ChallengeMaxAttempts,
	})
	engine := service.NewLifecycleEngine(requests, locker, policy, metrics, logr)
	coordinator := service.NewIssuanceCoordinator(engine, requests, anchorer, cfg.Anchoring.Timeout, queue, metrics, logr)
	certificationSvc := service.NewCertificationService(requests, evidence, users, engine, coordinator, validate, logr)
	evidenceSvc := service.NewEvidenceService(evidence, evidenceFiles, storage.NewSignedURLSigner(cfg.Evidence.SignedURLSecret, cfg.Evidence.SignedURLTTL), users, logr, service.EvidenceServiceConfig{
		MaxFileSize:  cfg.Evidence.MaxFileSizeBytes,
		AllowedMIMEs: cfg.Evidence.AllowedMIMEs,
		OrphanTTL:    cfg.Evidence.OrphanTTL,
		APIPrefix:    cfg.APIPrefix,
	})
	certificateSvc := service.NewCertificateService(requests, evidence, certificateFiles, certificateCache, export.NewPDFExporter(), metrics, logr, service.CertificateServiceConfig{
		VerifyBaseURL: cfg.Certificates.VerifyBaseURL,
		IssuerName:    cfg.Certificates.IssuerName,
		CacheTTL:      cfg.Certificates.CacheTTL,
		APIPrefix:     cfg.APIPrefix,
	})
	userSvc := service.NewUserService(users, validate, logr)

	queue.Register(service.JobCertificateRender, certificateSvc.HandleRenderJob)
	queue.Start(ctx)
	defer queue.Stop()

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(internalmiddleware.Metrics(metrics))
	r.Use(internalmiddleware.WithResponseMeta())

	router := &handler.Router{
		Auth:          handler.NewAuthHandler(sessionManager, validate),
		Certification: handler.NewCertificationHandler(certificationSvc),
		Evidence:      handler.NewEvidenceHandler(evidenceSvc),
		Certificates:  handler.NewCertificateHandler(certificateSvc),
		Users:         handler.NewUserHandler(userSvc),
		Metrics:       handler.NewMetricsHandler(metrics, readinessChecks(db, certificateCache)),
		Sessions:      sessionManager,
		Audit:         users,
		Logger:        logr,
	}
	router.Register(r, cfg.APIPrefix)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		jobs.Every(groupCtx, cfg.Jobs.CleanupInterval, func(ctx context.Context) {
			if _, err := evidenceSvc.PurgeOrphans(ctx); err != nil {
				logr.Warn("orphan evidence purge failed", zap.Error(err))
			}
		})
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logr.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return group.Wait()
}

func readinessChecks(db *sqlx.DB, cacheRepo *repository.CacheRepository) map[string]handler.ReadinessCheck {
	return map[string]handler.ReadinessCheck{
		"postgres": db.PingContext,
		"redis":    cacheRepo.Ping,
	}
}
