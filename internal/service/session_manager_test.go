package service

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/noah-isme/agricert-api/internal/models"
	"github.com/noah-isme/agricert-api/internal/repository"
	appErrors "github.com/noah-isme/agricert-api/pkg/errors"
	"github.com/noah-isme/agricert-api/pkg/otp"
)

type mockSessionUserRepo struct {
	mu        sync.Mutex
	users     map[string]*models.User
	findErr   error
	auditLogs []*models.AuditLog
	lastLogin map[string]time.Time
}

func newMockSessionUserRepo(users ...*models.User) *mockSessionUserRepo {
	repo := &mockSessionUserRepo{users: make(map[string]*models.User), lastLogin: make(map[string]time.Time)}
	for _, u := range users {
		repo.users[u.ID] = u
	}
	return repo
}

func (m *mockSessionUserRepo) find(match func(*models.User) bool) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	for _, u := range m.users {
		if match(u) {
			clone := *u
			return &clone, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m *mockSessionUserRepo) FindByIdentifier(ctx context.Context, identifier string) (*models.User, error) {
	if strings.Contains(identifier, "@") {
		return m.FindByEmail(ctx, identifier)
	}
	return m.FindByPhone(ctx, identifier)
}

func (m *mockSessionUserRepo) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	return m.find(func(u *models.User) bool { return strings.EqualFold(u.Email, email) })
}

func (m *mockSessionUserRepo) FindByPhone(ctx context.Context, phone string) (*models.User, error) {
	return m.find(func(u *models.User) bool { return u.Phone == phone })
}

func (m *mockSessionUserRepo) FindByID(ctx context.Context, id string) (*models.User, error) {
	return m.find(func(u *models.User) bool { return u.ID == id })
}

func (m *mockSessionUserRepo) Create(ctx context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == user.Email || u.Phone == user.Phone {
			return repository.ErrDuplicateUser
		}
	}
	clone := *user
	m.users[user.ID] = &clone
	return nil
}

func (m *mockSessionUserRepo) UpdateLastLogin(ctx context.Context, id string, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastLogin[id] = ts
	return nil
}

func (m *mockSessionUserRepo) CreateAuditLog(ctx context.Context, log *models.AuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auditLogs = append(m.auditLogs, log)
	return nil
}

type capturingChannel struct {
	mu    sync.Mutex
	codes map[string]string
	err   error
}

func (c *capturingChannel) Deliver(_ context.Context, destination, code string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	if c.codes == nil {
		c.codes = make(map[string]string)
	}
	c.codes[destination] = code
	return nil
}

func (c *capturingChannel) last(destination string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.codes[destination]
}

type sessionFixture struct {
	manager    *SessionManager
	users      *mockSessionUserRepo
	sessions   *repository.MemorySessionStore
	challenges *repository.MemoryChallengeStore
	channel    *capturingChannel
	user       *models.User
}

const fixturePassword = "s3cret-pass"

func newSessionFixture(t *testing.T) *sessionFixture {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(fixturePassword), bcrypt.MinCost)
	require.NoError(t, err)
	user := &models.User{
		ID:           "user-1",
		Email:        "farmer@example.com",
		Phone:        "+919876543210",
		PasswordHash: string(hash),
		FullName:     "Asha Farmer",
		Role:         models.RoleRequester,
		Active:       true,
	}

	f := &sessionFixture{
		users:      newMockSessionUserRepo(user),
		sessions:   repository.NewMemorySessionStore(),
		challenges: repository.NewMemoryChallengeStore(),
		channel:    &capturingChannel{},
		user:       user,
	}
	f.manager = NewSessionManager(f.users, f.sessions, f.challenges, otp.Random{}, f.channel, nil, NewMetricsService(), nil, SessionManagerConfig{
		SessionTTL:      time.Hour,
		ChallengeTTL:    5 * time.Minute,
		ChallengeSecret: "challenge-secret",
		Issuer:          "agricert-test",
	})
	f.manager.hasher = otp.Hasher{Cost: bcrypt.MinCost}
	return f
}

func TestSessionManagerLoginNeverReturnsSession(t *testing.T) {
	f := newSessionFixture(t)

	pending, err := f.manager.Login(context.Background(), f.user.Email, fixturePassword)
	require.NoError(t, err)
	assert.NotEmpty(t, pending.Token)
	assert.Equal(t, models.PurposeLogin, pending.Purpose)
	assert.True(t, strings.HasSuffix(pending.Destination, "10"))
	assert.NotContains(t, pending.Destination, "98765")
	assert.Equal(t, 0, f.sessions.Len())
	assert.Len(t, f.channel.last(f.user.Phone), 6)
}

func TestSessionManagerLoginRejectsBadPassword(t *testing.T) {
	f := newSessionFixture(t)

	_, err := f.manager.Login(context.Background(), f.user.Email, "wrong")
	requireCode(t, err, appErrors.ErrInvalidCredentials.Code)

	_, err = f.manager.Login(context.Background(), "nobody@example.com", fixturePassword)
	requireCode(t, err, appErrors.ErrInvalidCredentials.Code)
	assert.Empty(t, f.channel.codes)
}

func TestSessionManagerVerifyIssuesSession(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	pending, err := f.manager.Login(ctx, f.user.Phone, fixturePassword)
	require.NoError(t, err)

	session, err := f.manager.VerifyChallenge(ctx, pending.Token, f.channel.last(f.user.Phone), models.LoginMetadata{IP: "10.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, f.user.ID, session.UserID)
	assert.Equal(t, models.RoleRequester, session.Role)
	assert.Equal(t, 1, f.sessions.Len())
	assert.Contains(t, f.users.lastLogin, f.user.ID)
	require.NotEmpty(t, f.users.auditLogs)
	assert.Equal(t, models.AuditActionLogin, f.users.auditLogs[len(f.users.auditLogs)-1].Action)

	restored, err := f.manager.RestoreSession(ctx, session.Token)
	require.NoError(t, err)
	assert.Equal(t, f.user.ID, restored.User.ID)
}

func TestSessionManagerWrongCodeLeavesChallenge(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	pending, err := f.manager.RequestChallenge(ctx, f.user.Email, models.PurposeLogin, nil)
	require.NoError(t, err)
	code := f.channel.last(f.user.Phone)
	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}

	_, err = f.manager.VerifyChallenge(ctx, pending.Token, wrong, models.LoginMetadata{})
	requireCode(t, err, appErrors.ErrInvalidOTP.Code)
	assert.Equal(t, 0, f.sessions.Len())

	session, err := f.manager.VerifyChallenge(ctx, pending.Token, code, models.LoginMetadata{})
	require.NoError(t, err)
	assert.NotEmpty(t, session.Token)
}

func TestSessionManagerDiscardsChallengeAfterRepeatedWrongCodes(t *testing.T) {
	f := newSessionFixture(t)
	f.manager.config.MaxAttempts = 3
	ctx := context.Background()

	pending, err := f.manager.RequestChallenge(ctx, f.user.Email, models.PurposeLogin, nil)
	require.NoError(t, err)
	code := f.channel.last(f.user.Phone)
	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}

	for i := 0; i < 3; i++ {
		_, err = f.manager.VerifyChallenge(ctx, pending.Token, wrong, models.LoginMetadata{})
		requireCode(t, err, appErrors.ErrInvalidOTP.Code)
	}

	_, err = f.manager.VerifyChallenge(ctx, pending.Token, code, models.LoginMetadata{})
	requireCode(t, err, appErrors.ErrInvalidOTP.Code)
	assert.Equal(t, 0, f.sessions.Len())
}

func TestSessionManagerChallengeSingleUse(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	pending, err := f.manager.RequestChallenge(ctx, f.user.Email, models.PurposeLogin, nil)
	require.NoError(t, err)
	code := f.channel.last(f.user.Phone)

	_, err = f.manager.VerifyChallenge(ctx, pending.Token, code, models.LoginMetadata{})
	require.NoError(t, err)
	_, err = f.manager.VerifyChallenge(ctx, pending.Token, code, models.LoginMetadata{})
	requireCode(t, err, appErrors.ErrInvalidOTP.Code)
	assert.Equal(t, 1, f.sessions.Len())
}

func TestSessionManagerTamperedChallengeToken(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	pending, err := f.manager.RequestChallenge(ctx, f.user.Email, models.PurposeLogin, nil)
	require.NoError(t, err)

	other := NewSessionManager(f.users, f.sessions, f.challenges, otp.Random{}, f.channel, nil, nil, nil, SessionManagerConfig{ChallengeSecret: "different"})
	_, err = other.VerifyChallenge(ctx, pending.Token, f.channel.last(f.user.Phone), models.LoginMetadata{})
	requireCode(t, err, appErrors.ErrInvalidOTP.Code)
}

func TestSessionManagerExpiredChallenge(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	pending, err := f.manager.RequestChallenge(ctx, f.user.Email, models.PurposeLogin, nil)
	require.NoError(t, err)

	f.manager.now = func() time.Time { return time.Now().Add(10 * time.Minute) }
	_, err = f.manager.VerifyChallenge(ctx, pending.Token, f.channel.last(f.user.Phone), models.LoginMetadata{})
	requireCode(t, err, appErrors.ErrInvalidOTP.Code)
}

func TestSessionManagerCompleteLogin(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	pending, err := f.manager.Login(ctx, f.user.Email, fixturePassword)
	require.NoError(t, err)
	code := f.channel.last(f.user.Phone)

	_, err = f.manager.CompleteLogin(ctx, pending.Token, f.user.Email, "wrong", code, models.LoginMetadata{})
	requireCode(t, err, appErrors.ErrInvalidCredentials.Code)

	_, err = f.manager.CompleteLogin(ctx, pending.Token, "someone@example.com", fixturePassword, code, models.LoginMetadata{})
	requireCode(t, err, appErrors.ErrInvalidCredentials.Code)

	session, err := f.manager.CompleteLogin(ctx, pending.Token, f.user.Email, fixturePassword, code, models.LoginMetadata{})
	require.NoError(t, err)
	assert.Equal(t, f.user.ID, session.UserID)
}

func TestSessionManagerRegister(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	reg := &models.Registration{
		FullName: "Ravi Inspector",
		Email:    "ravi@example.com",
		Phone:    "+919812345678",
		Password: "longenough",
		Role:     models.UserRole("inspector"),
	}
	pending, err := f.manager.RequestChallenge(ctx, reg.Email, models.PurposeRegister, reg)
	require.NoError(t, err)
	assert.Equal(t, models.PurposeRegister, pending.Purpose)

	stored, err := f.users.FindByEmail(ctx, reg.Email)
	assert.Nil(t, stored)
	assert.True(t, errors.Is(err, sql.ErrNoRows))

	session, err := f.manager.VerifyChallenge(ctx, pending.Token, f.channel.last(reg.Phone), models.LoginMetadata{})
	require.NoError(t, err)
	assert.Equal(t, models.RoleInspector, session.Role)

	created, err := f.users.FindByEmail(ctx, reg.Email)
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(created.PasswordHash), []byte("longenough")))
}

func TestSessionManagerRegisterAcceptsLegacyRoleAlias(t *testing.T) {
	f := newSessionFixture(t)
	reg := &models.Registration{FullName: "Cert Issuer", Email: "issuer@example.com", Phone: "+919800000001", Password: "longenough", Role: "certificate_issuer"}

	pending, err := f.manager.RequestChallenge(context.Background(), reg.Phone, models.PurposeRegister, reg)
	require.NoError(t, err)
	session, err := f.manager.VerifyChallenge(context.Background(), pending.Token, f.channel.last(reg.Phone), models.LoginMetadata{})
	require.NoError(t, err)
	assert.Equal(t, models.RoleIssuer, session.Role)
}

func TestSessionManagerRegisterRejectsExistingAccount(t *testing.T) {
	f := newSessionFixture(t)
	reg := &models.Registration{FullName: "Dup", Email: f.user.Email, Phone: "+919800000002", Password: "longenough", Role: models.RoleRequester}

	_, err := f.manager.RequestChallenge(context.Background(), reg.Email, models.PurposeRegister, reg)
	requireCode(t, err, appErrors.ErrConflict.Code)

	reg.Role = "admin"
	reg.Email = "new@example.com"
	_, err = f.manager.RequestChallenge(context.Background(), reg.Email, models.PurposeRegister, reg)
	requireCode(t, err, appErrors.ErrValidation.Code)
}

func TestSessionManagerChannelFailure(t *testing.T) {
	f := newSessionFixture(t)
	f.channel.err = errors.New("gateway down")

	_, err := f.manager.RequestChallenge(context.Background(), f.user.Email, models.PurposeLogin, nil)
	requireCode(t, err, appErrors.ErrChannel.Code)
}

func TestSessionManagerInactiveAccount(t *testing.T) {
	f := newSessionFixture(t)
	f.user.Active = false

	_, err := f.manager.RequestChallenge(context.Background(), f.user.Email, models.PurposeLogin, nil)
	requireCode(t, err, appErrors.ErrInactiveAccount.Code)
}

func TestSessionManagerRestoreClearsExpiredToken(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()
	require.NoError(t, f.sessions.Save(ctx, &models.Session{
		Token:     "stale",
		UserID:    f.user.ID,
		Role:      f.user.Role,
		IssuedAt:  time.Now().Add(-2 * time.Hour),
		ExpiresAt: time.Now().Add(time.Hour),
	}))

	f.manager.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err := f.manager.RestoreSession(ctx, "stale")
	requireCode(t, err, appErrors.ErrSessionExpired.Code)
	assert.Equal(t, 0, f.sessions.Len())

	_, err = f.manager.RestoreSession(ctx, "unknown")
	requireCode(t, err, appErrors.ErrSessionExpired.Code)
}

func TestSessionManagerRestoreClearsTokenOfMissingUser(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()
	require.NoError(t, f.sessions.Save(ctx, &models.Session{Token: "orphan", UserID: "ghost", ExpiresAt: time.Now().Add(time.Hour)}))

	_, err := f.manager.RestoreSession(ctx, "orphan")
	requireCode(t, err, appErrors.ErrSessionExpired.Code)
	assert.Equal(t, 0, f.sessions.Len())
}

func TestSessionManagerLogoutIsIdempotent(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	pending, err := f.manager.Login(ctx, f.user.Email, fixturePassword)
	require.NoError(t, err)
	session, err := f.manager.VerifyChallenge(ctx, pending.Token, f.channel.last(f.user.Phone), models.LoginMetadata{})
	require.NoError(t, err)

	require.NoError(t, f.manager.Logout(ctx, session.Token, models.LoginMetadata{}))
	require.NoError(t, f.manager.Logout(ctx, session.Token, models.LoginMetadata{}))
	assert.Equal(t, 0, f.sessions.Len())

	_, err = f.manager.RestoreSession(ctx, session.Token)
	requireCode(t, err, appErrors.ErrSessionExpired.Code)
}

func TestSessionManagerLastDigitsStrategy(t *testing.T) {
	f := newSessionFixture(t)
	f.manager.strategy = otp.LastDigits{Length: 6}
	ctx := context.Background()

	pending, err := f.manager.RequestChallenge(ctx, f.user.Phone, models.PurposeLogin, nil)
	require.NoError(t, err)
	session, err := f.manager.VerifyChallenge(ctx, pending.Token, "543210", models.LoginMetadata{})
	require.NoError(t, err)
	assert.Equal(t, f.user.ID, session.UserID)
}
