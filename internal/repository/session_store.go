package repository

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/agricert-api/internal/models"
)

// ErrSessionNotFound is returned when a token has no live session.
var ErrSessionNotFound = errors.New("repository: session not found")

// ErrChallengeNotFound is returned when a challenge expired or was already consumed.
var ErrChallengeNotFound = errors.New("repository: challenge not found")

// SessionStore persists issued sessions keyed by bearer token.
type SessionStore interface {
	Save(ctx context.Context, session *models.Session) error
	Get(ctx context.Context, token string) (*models.Session, error)
	Delete(ctx context.Context, token string) error
}

// ChallengeStore persists outstanding one-time code challenges.
type ChallengeStore interface {
	Save(ctx context.Context, challenge *models.Challenge) error
	Get(ctx context.Context, id string) (*models.Challenge, error)
	// Consume removes the challenge and reports whether this call was the one that removed it.
	Consume(ctx context.Context, id string) (bool, error)
	// RecordFailure counts a wrong code against the challenge and returns the total so far.
	RecordFailure(ctx context.Context, challenge *models.Challenge) (int, error)
}

// RedisSessionStore keeps sessions in Redis under a hash of the token.
type RedisSessionStore struct {
	client redis.UniversalClient
	now    func() time.Time
}

// NewRedisSessionStore constructs a Redis backed session store.
func NewRedisSessionStore(client redis.UniversalClient) *RedisSessionStore {
	return &RedisSessionStore{client: client, now: time.Now}
}

func sessionKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return "session:" + hex.EncodeToString(sum[:])
}

func (s *RedisSessionStore) Save(ctx context.Context, session *models.Session) error {
	ttl := session.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return nil
	}
	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := s.client.Set(ctx, sessionKey(session.Token), payload, ttl).Err(); err != nil {
		return fmt.Errorf("redis save session: %w", err)
	}
	return nil
}

func (s *RedisSessionStore) Get(ctx context.Context, token string) (*models.Session, error) {
	raw, err := s.client.Get(ctx, sessionKey(token)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("redis get session: %w", err)
	}
	var session models.Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &session, nil
}

func (s *RedisSessionStore) Delete(ctx context.Context, token string) error {
	if err := s.client.Del(ctx, sessionKey(token)).Err(); err != nil {
		return fmt.Errorf("redis delete session: %w", err)
	}
	return nil
}

// RedisChallengeStore keeps challenges in Redis until they expire.
type RedisChallengeStore struct {
	client redis.UniversalClient
	now    func() time.Time
}

// NewRedisChallengeStore constructs a Redis backed challenge store.
func NewRedisChallengeStore(client redis.UniversalClient) *RedisChallengeStore {
	return &RedisChallengeStore{client: client, now: time.Now}
}

func challengeKey(id string) string { return "otp_challenge:" + id }

func challengeFailuresKey(id string) string { return "otp_challenge:" + id + ":failures" }

func (s *RedisChallengeStore) Save(ctx context.Context, challenge *models.Challenge) error {
	ttl := challenge.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return fmt.Errorf("challenge %s already expired", challenge.ID)
	}
	payload, err := json.Marshal(challenge)
	if err != nil {
		return fmt.Errorf("marshal challenge: %w", err)
	}
	if err := s.client.Set(ctx, challengeKey(challenge.ID), payload, ttl).Err(); err != nil {
		return fmt.Errorf("redis save challenge: %w", err)
	}
	return nil
}

func (s *RedisChallengeStore) Get(ctx context.Context, id string) (*models.Challenge, error) {
	raw, err := s.client.Get(ctx, challengeKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrChallengeNotFound
		}
		return nil, fmt.Errorf("redis get challenge: %w", err)
	}
	var challenge models.Challenge
	if err := json.Unmarshal(raw, &challenge); err != nil {
		return nil, fmt.Errorf("unmarshal challenge: %w", err)
	}
	return &challenge, nil
}

func (s *RedisChallengeStore) Consume(ctx context.Context, id string) (bool, error) {
	n, err := s.client.Del(ctx, challengeKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("redis consume challenge: %w", err)
	}
	if err := s.client.Del(ctx, challengeFailuresKey(id)).Err(); err != nil {
		return n == 1, fmt.Errorf("redis clear challenge failures: %w", err)
	}
	return n == 1, nil
}

// RecordFailure increments the failure counter. The counter expires with the challenge.
func (s *RedisChallengeStore) RecordFailure(ctx context.Context, challenge *models.Challenge) (int, error) {
	ttl := challenge.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		ttl = time.Second
	}
	key := challengeFailuresKey(challenge.ID)
	var incr *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redis record challenge failure: %w", err)
	}
	return int(incr.Val()), nil
}

// MemorySessionStore is the in-process fallback used when Redis is disabled.
type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]models.Session
	now      func() time.Time
}

// NewMemorySessionStore builds an empty store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]models.Session), now: time.Now}
}

func (s *MemorySessionStore) Save(_ context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionKey(session.Token)] = *session
	return nil
}

func (s *MemorySessionStore) Get(_ context.Context, token string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sessionKey(token)
	session, ok := s.sessions[key]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if session.Expired(s.now()) {
		delete(s.sessions, key)
		return nil, ErrSessionNotFound
	}
	return &session, nil
}

func (s *MemorySessionStore) Delete(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionKey(token))
	return nil
}

// Len reports how many sessions are stored, expired ones included.
func (s *MemorySessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// MemoryChallengeStore is the in-process fallback used when Redis is disabled.
type MemoryChallengeStore struct {
	mu         sync.Mutex
	challenges map[string]models.Challenge
	failures   map[string]int
	now        func() time.Time
}

// NewMemoryChallengeStore builds an empty store.
func NewMemoryChallengeStore() *MemoryChallengeStore {
	return &MemoryChallengeStore{
		challenges: make(map[string]models.Challenge),
		failures:   make(map[string]int),
		now:        time.Now,
	}
}

func (s *MemoryChallengeStore) Save(_ context.Context, challenge *models.Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.challenges[challenge.ID] = *challenge
	return nil
}

func (s *MemoryChallengeStore) Get(_ context.Context, id string) (*models.Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	challenge, ok := s.challenges[id]
	if !ok {
		return nil, ErrChallengeNotFound
	}
	if !s.now().Before(challenge.ExpiresAt) {
		delete(s.challenges, id)
		delete(s.failures, id)
		return nil, ErrChallengeNotFound
	}
	return &challenge, nil
}

func (s *MemoryChallengeStore) Consume(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failures, id)
	if _, ok := s.challenges[id]; !ok {
		return false, nil
	}
	delete(s.challenges, id)
	return true, nil
}

func (s *MemoryChallengeStore) RecordFailure(_ context.Context, challenge *models.Challenge) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.challenges[challenge.ID]; !ok {
		return 0, ErrChallengeNotFound
	}
	s.failures[challenge.ID]++
	return s.failures[challenge.ID], nil
}
