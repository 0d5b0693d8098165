package service

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/noah-isme/agricert-api/internal/models"
	"github.com/noah-isme/agricert-api/internal/repository"
	appErrors "github.com/noah-isme/agricert-api/pkg/errors"
	"github.com/noah-isme/agricert-api/pkg/otp"
)

type sessionUserRepository interface {
	FindByIdentifier(ctx context.Context, identifier string) (*models.User, error)
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	FindByPhone(ctx context.Context, phone string) (*models.User, error)
	FindByID(ctx context.Context, id string) (*models.User, error)
	Create(ctx context.Context, user *models.User) error
	UpdateLastLogin(ctx context.Context, id string, ts time.Time) error
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

// SessionManagerConfig defines lifetimes and signing material for the session flows.
type SessionManagerConfig struct {
	SessionTTL      time.Duration
	ChallengeTTL    time.Duration
	ChallengeSecret string
	Issuer          string
	// MaxAttempts is how many wrong codes a challenge survives before it is discarded.
	MaxAttempts int
}

const defaultMaxChallengeAttempts = 5

// SessionManager runs the credential, one-time code and session flows. All state lives in
// the injected stores so several instances can serve the same users.
type SessionManager struct {
	users      sessionUserRepository
	sessions   repository.SessionStore
	challenges repository.ChallengeStore
	strategy   otp.Strategy
	hasher     otp.Hasher
	channel    otp.Channel
	validator  *validator.Validate
	metrics    *MetricsService
	logger     *zap.Logger
	config     SessionManagerConfig
	now        func() time.Time
}

// NewSessionManager constructs a SessionManager instance.
func NewSessionManager(
	users sessionUserRepository,
	sessions repository.SessionStore,
	challenges repository.ChallengeStore,
	strategy otp.Strategy,
	channel otp.Channel,
	validate *validator.Validate,
	metrics *MetricsService,
	logger *zap.Logger,
	config SessionManagerConfig,
) *SessionManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	if strategy == nil {
		strategy = otp.Random{}
	}
	if channel == nil {
		channel = otp.NewLogChannel(logger, false)
	}
	if config.SessionTTL <= 0 {
		config.SessionTTL = 24 * time.Hour
	}
	if config.ChallengeTTL <= 0 {
		config.ChallengeTTL = 5 * time.Minute
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaultMaxChallengeAttempts
	}
	return &SessionManager{
		users:      users,
		sessions:   sessions,
		challenges: challenges,
		strategy:   strategy,
		channel:    channel,
		validator:  validate,
		metrics:    metrics,
		logger:     logger,
		config:     config,
		now:        time.Now,
	}
}

// RequestChallenge issues a one-time code. For login the identifier must belong to an active
// account; for register it must be unused and reg carries the account to create on verification.
func (s *SessionManager) RequestChallenge(ctx context.Context, identifier string, purpose models.ChallengePurpose, reg *models.Registration) (*models.PendingChallenge, error) {
	identifier = strings.TrimSpace(identifier)
	switch purpose {
	case models.PurposeLogin:
		if identifier == "" {
			return nil, appErrors.Clone(appErrors.ErrValidation, "identifier is required")
		}
		user, err := s.activeUser(ctx, identifier)
		if err != nil {
			return nil, err
		}
		return s.issueChallenge(ctx, &models.Challenge{
			Identifier:  identifier,
			Purpose:     models.PurposeLogin,
			UserID:      user.ID,
			Destination: user.Phone,
		})
	case models.PurposeRegister:
		registration, err := s.prepareRegistration(ctx, identifier, reg)
		if err != nil {
			return nil, err
		}
		return s.issueChallenge(ctx, &models.Challenge{
			Identifier:   registration.Phone,
			Purpose:      models.PurposeRegister,
			Destination:  registration.Phone,
			Registration: registration,
		})
	default:
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown challenge purpose %q", purpose))
	}
}

// Login checks the password and starts a login challenge. It never returns a session.
func (s *SessionManager) Login(ctx context.Context, identifier, password string) (*models.PendingChallenge, error) {
	user, err := s.checkCredentials(ctx, identifier, password)
	if err != nil {
		return nil, err
	}
	return s.issueChallenge(ctx, &models.Challenge{
		Identifier:  strings.TrimSpace(identifier),
		Purpose:     models.PurposeLogin,
		UserID:      user.ID,
		Destination: user.Phone,
	})
}

// VerifyChallenge exchanges a pending challenge and its code for a session. A wrong code leaves
// the challenge in place; a right one consumes it.
func (s *SessionManager) VerifyChallenge(ctx context.Context, challengeToken, code string, meta models.LoginMetadata) (*models.Session, error) {
	claims, err := s.parseChallengeToken(challengeToken)
	if err != nil {
		return nil, err
	}
	return s.verify(ctx, claims, code, meta)
}

// CompleteLogin re-checks credentials and the code in one call.
func (s *SessionManager) CompleteLogin(ctx context.Context, challengeToken, identifier, password, code string, meta models.LoginMetadata) (*models.Session, error) {
	claims, err := s.parseChallengeToken(challengeToken)
	if err != nil {
		return nil, err
	}
	if claims.Purpose != models.PurposeLogin || !strings.EqualFold(claims.Identifier, strings.TrimSpace(identifier)) {
		return nil, appErrors.Clone(appErrors.ErrInvalidCredentials, "challenge does not match identifier")
	}
	if _, err := s.checkCredentials(ctx, identifier, password); err != nil {
		return nil, err
	}
	return s.verify(ctx, claims, code, meta)
}

// RestoreSession resolves a bearer token into its session. Any failure removes the token.
func (s *SessionManager) RestoreSession(ctx context.Context, token string) (*models.Session, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "missing session token")
	}

	session, err := s.sessions.Get(ctx, token)
	if err != nil {
		s.discard(ctx, token)
		if errors.Is(err, repository.ErrSessionNotFound) {
			return nil, appErrors.Clone(appErrors.ErrSessionExpired, "session expired or unknown")
		}
		return nil, appErrors.Unavailable(err, "failed to load session")
	}
	if session.Expired(s.now()) {
		s.discard(ctx, token)
		return nil, appErrors.Clone(appErrors.ErrSessionExpired, "session expired")
	}

	user, err := s.users.FindByID(ctx, session.UserID)
	if err != nil {
		s.discard(ctx, token)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrSessionExpired, "session user no longer exists")
		}
		return nil, appErrors.Unavailable(err, "failed to load session user")
	}
	if !user.Active {
		s.discard(ctx, token)
		return nil, appErrors.Clone(appErrors.ErrInactiveAccount, "account is inactive")
	}

	info := models.NewUserInfo(user)
	session.User = &info
	session.Role = user.Role
	return session, nil
}

// Logout removes the session. Unknown tokens are not an error.
func (s *SessionManager) Logout(ctx context.Context, token string, meta models.LoginMetadata) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil
	}
	session, _ := s.sessions.Get(ctx, token)
	if err := s.sessions.Delete(ctx, token); err != nil {
		return appErrors.Unavailable(err, "failed to delete session")
	}
	if session != nil {
		s.audit(ctx, session.UserID, models.AuditActionLogout, `{"status":"logout"}`, meta)
	}
	return nil
}

// Profile returns the public view of the given user.
func (s *SessionManager) Profile(ctx context.Context, userID string) (*models.UserInfo, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "user not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}
	info := models.NewUserInfo(user)
	return &info, nil
}

func (s *SessionManager) verify(ctx context.Context, claims *models.ChallengeClaims, code string, meta models.LoginMetadata) (*models.Session, error) {
	challenge, err := s.challenges.Get(ctx, claims.ChallengeID)
	if err != nil {
		if errors.Is(err, repository.ErrChallengeNotFound) {
			s.metrics.ObserveChallenge(string(claims.Purpose), "expired")
			return nil, appErrors.Clone(appErrors.ErrInvalidOTP, "challenge expired or already used")
		}
		return nil, appErrors.Unavailable(err, "failed to load challenge")
	}
	if challenge.Identifier != claims.Identifier || challenge.Purpose != claims.Purpose {
		return nil, appErrors.Clone(appErrors.ErrInvalidOTP, "challenge does not match token")
	}
	if !s.hasher.Matches(challenge.CodeHash, code) {
		return nil, s.rejectCode(ctx, challenge)
	}

	consumed, err := s.challenges.Consume(ctx, challenge.ID)
	if err != nil {
		return nil, appErrors.Unavailable(err, "failed to consume challenge")
	}
	if !consumed {
		return nil, appErrors.Clone(appErrors.ErrInvalidOTP, "challenge already used")
	}
	s.metrics.ObserveChallenge(string(challenge.Purpose), "verified")

	var user *models.User
	switch challenge.Purpose {
	case models.PurposeRegister:
		user, err = s.register(ctx, challenge.Registration, meta)
	default:
		user, err = s.users.FindByID(ctx, challenge.UserID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, appErrors.Clone(appErrors.ErrInvalidCredentials, "account no longer exists")
			}
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
		}
		if !user.Active {
			return nil, appErrors.Clone(appErrors.ErrInactiveAccount, "account is inactive")
		}
	}
	if err != nil {
		return nil, err
	}
	return s.issueSession(ctx, user, meta)
}

// rejectCode counts a wrong code and discards the challenge once it runs out of attempts.
func (s *SessionManager) rejectCode(ctx context.Context, challenge *models.Challenge) error {
	failures, err := s.challenges.RecordFailure(ctx, challenge)
	if err != nil {
		if errors.Is(err, repository.ErrChallengeNotFound) {
			s.metrics.ObserveChallenge(string(challenge.Purpose), "expired")
			return appErrors.Clone(appErrors.ErrInvalidOTP, "challenge expired or already used")
		}
		return appErrors.Unavailable(err, "failed to record challenge attempt")
	}
	if failures < s.config.MaxAttempts {
		s.metrics.ObserveChallenge(string(challenge.Purpose), "rejected")
		return appErrors.Clone(appErrors.ErrInvalidOTP, "")
	}

	if _, err := s.challenges.Consume(ctx, challenge.ID); err != nil {
		s.logger.Warn("failed to discard exhausted challenge", zap.String("challenge_id", challenge.ID), zap.Error(err))
	}
	s.metrics.ObserveChallenge(string(challenge.Purpose), "exhausted")
	s.logger.Info("challenge discarded after repeated wrong codes",
		zap.String("challenge_id", challenge.ID),
		zap.String("purpose", string(challenge.Purpose)),
		zap.Int("attempts", failures))
	return appErrors.Clone(appErrors.ErrInvalidOTP, "too many wrong codes, request a new one")
}

func (s *SessionManager) register(ctx context.Context, reg *models.Registration, meta models.LoginMetadata) (*models.User, error) {
	if reg == nil {
		return nil, appErrors.Clone(appErrors.ErrInvalidOTP, "challenge carries no registration")
	}
	user := &models.User{
		ID:           uuid.NewString(),
		Email:        strings.ToLower(reg.Email),
		Phone:        reg.Phone,
		PasswordHash: reg.PasswordHash,
		FullName:     reg.FullName,
		Role:         reg.Role,
		Active:       true,
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicateUser) {
			return nil, appErrors.Clone(appErrors.ErrConflict, "account already exists")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create account")
	}
	s.audit(ctx, user.ID, models.AuditActionRegister, fmt.Sprintf(`{"role":%q}`, user.Role), meta)
	return user, nil
}

func (s *SessionManager) prepareRegistration(ctx context.Context, identifier string, reg *models.Registration) (*models.Registration, error) {
	if reg == nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, "registration details are required")
	}
	out := *reg
	role, ok := models.ParseRole(string(out.Role))
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown role %q", reg.Role))
	}
	out.Role = role
	out.Email = strings.TrimSpace(out.Email)
	out.Phone = strings.TrimSpace(out.Phone)
	if err := s.validator.Struct(out); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid registration payload")
	}
	if identifier != "" && !strings.EqualFold(identifier, out.Email) && identifier != out.Phone {
		return nil, appErrors.Clone(appErrors.ErrValidation, "identifier must be the registration email or phone")
	}

	if err := s.ensureUnused(ctx, s.users.FindByEmail, out.Email); err != nil {
		return nil, err
	}
	if err := s.ensureUnused(ctx, s.users.FindByPhone, out.Phone); err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(out.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to hash password")
	}
	out.PasswordHash = string(hash)
	out.Password = ""
	return &out, nil
}

func (s *SessionManager) ensureUnused(ctx context.Context, find func(context.Context, string) (*models.User, error), value string) error {
	_, err := find(ctx, value)
	switch {
	case err == nil:
		return appErrors.Clone(appErrors.ErrConflict, "account already exists")
	case errors.Is(err, sql.ErrNoRows):
		return nil
	default:
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check existing account")
	}
}

func (s *SessionManager) issueChallenge(ctx context.Context, challenge *models.Challenge) (*models.PendingChallenge, error) {
	if challenge.Destination == "" {
		return nil, appErrors.Clone(appErrors.ErrChannel, "account has no phone number for one-time codes")
	}
	code, err := s.strategy.Issue(challenge.Destination)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrChannel.Code, appErrors.ErrChannel.Status, "failed to generate one-time code")
	}
	hash, err := s.hasher.Hash(code)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to hash one-time code")
	}

	now := s.now().UTC()
	challenge.ID = uuid.NewString()
	challenge.CodeHash = hash
	challenge.CreatedAt = now
	challenge.ExpiresAt = now.Add(s.config.ChallengeTTL)
	if err := s.challenges.Save(ctx, challenge); err != nil {
		return nil, appErrors.Unavailable(err, "failed to store challenge")
	}

	if err := s.channel.Deliver(ctx, challenge.Destination, code); err != nil {
		if _, consumeErr := s.challenges.Consume(ctx, challenge.ID); consumeErr != nil {
			s.logger.Warn("failed to drop undelivered challenge", zap.String("challenge_id", challenge.ID), zap.Error(consumeErr))
		}
		s.metrics.ObserveChallenge(string(challenge.Purpose), "undelivered")
		return nil, appErrors.Wrap(err, appErrors.ErrChannel.Code, appErrors.ErrChannel.Status, appErrors.ErrChannel.Message)
	}

	token, err := s.signChallenge(challenge)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to sign challenge token")
	}
	s.metrics.ObserveChallenge(string(challenge.Purpose), "issued")
	s.logger.Info("one-time code challenge issued",
		zap.String("challenge_id", challenge.ID),
		zap.String("purpose", string(challenge.Purpose)),
		zap.String("destination", otp.Mask(challenge.Destination)),
	)

	return &models.PendingChallenge{
		Token:       token,
		Purpose:     challenge.Purpose,
		Destination: otp.Mask(challenge.Destination),
		ExpiresAt:   challenge.ExpiresAt,
	}, nil
}

func (s *SessionManager) issueSession(ctx context.Context, user *models.User, meta models.LoginMetadata) (*models.Session, error) {
	token, err := generateSessionToken()
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create session token")
	}
	now := s.now().UTC()
	info := models.NewUserInfo(user)
	session := &models.Session{
		Token:     token,
		UserID:    user.ID,
		Role:      user.Role,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.config.SessionTTL),
		User:      &info,
	}
	if err := s.sessions.Save(ctx, session); err != nil {
		return nil, appErrors.Unavailable(err, "failed to store session")
	}

	if err := s.users.UpdateLastLogin(ctx, user.ID, now); err != nil {
		s.logger.Warn("failed to update last login", zap.Error(err))
	}
	s.audit(ctx, user.ID, models.AuditActionLogin, `{"status":"success"}`, meta)
	return session, nil
}

func (s *SessionManager) checkCredentials(ctx context.Context, identifier, password string) (*models.User, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" || password == "" {
		return nil, appErrors.Clone(appErrors.ErrInvalidCredentials, "invalid identifier or password")
	}
	user, err := s.users.FindByIdentifier(ctx, identifier)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrInvalidCredentials, "invalid identifier or password")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to fetch user")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, appErrors.Clone(appErrors.ErrInvalidCredentials, "invalid identifier or password")
	}
	if !user.Active {
		return nil, appErrors.Clone(appErrors.ErrInactiveAccount, "account is inactive")
	}
	return user, nil
}

func (s *SessionManager) activeUser(ctx context.Context, identifier string) (*models.User, error) {
	user, err := s.users.FindByIdentifier(ctx, identifier)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrInvalidCredentials, "unknown account")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to fetch user")
	}
	if !user.Active {
		return nil, appErrors.Clone(appErrors.ErrInactiveAccount, "account is inactive")
	}
	return user, nil
}

func (s *SessionManager) signChallenge(challenge *models.Challenge) (string, error) {
	claims := &models.ChallengeClaims{
		ChallengeID: challenge.ID,
		Identifier:  challenge.Identifier,
		Purpose:     challenge.Purpose,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.config.Issuer,
			ID:        challenge.ID,
			IssuedAt:  jwt.NewNumericDate(challenge.CreatedAt),
			ExpiresAt: jwt.NewNumericDate(challenge.ExpiresAt),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.config.ChallengeSecret))
}

func (s *SessionManager) parseChallengeToken(tokenString string) (*models.ChallengeClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &models.ChallengeClaims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.config.ChallengeSecret), nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInvalidOTP.Code, appErrors.ErrInvalidOTP.Status, "challenge token invalid or expired")
	}
	claims, ok := token.Claims.(*models.ChallengeClaims)
	if !ok || !token.Valid || claims.ChallengeID == "" {
		return nil, appErrors.Clone(appErrors.ErrInvalidOTP, "challenge token invalid or expired")
	}
	return claims, nil
}

func (s *SessionManager) discard(ctx context.Context, token string) {
	if err := s.sessions.Delete(ctx, token); err != nil {
		s.logger.Warn("failed to discard session token", zap.Error(err))
	}
}

func (s *SessionManager) audit(ctx context.Context, userID, action, values string, meta models.LoginMetadata) {
	if err := s.users.CreateAuditLog(ctx, &models.AuditLog{
		UserID:     &userID,
		Action:     action,
		Resource:   "auth",
		ResourceID: &userID,
		NewValues:  []byte(values),
		IPAddress:  meta.IP,
		UserAgent:  meta.UserAgent,
	}); err != nil {
		s.logger.Warn("failed to record auth audit log", zap.String("action", action), zap.Error(err))
	}
}

func generateSessionToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
