package session

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pghoya2956/gitlab-bulk-manager/pkg/log"
	"github.com/pghoya2956/gitlab-bulk-manager/pkg/types"
)

// TokenValidator resolves a personal access token to its owning user.
// pkg/gitlab.Validator is the production implementation.
type TokenValidator interface {
	Validate(ctx context.Context, baseURL, token string) (*types.User, error)
}

// vault seals tokens with AES-256-GCM under a process-ephemeral key, so a
// heap dump or accidental serialization of the store never exposes them.
type vault struct {
	key []byte
}

func newVault() (*vault, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate vault key: %w", err)
	}
	return &vault{key: key}, nil
}

func (v *vault) seal(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("cannot seal empty data")
	}

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (v *vault) open(ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

type entry struct {
	session     types.Session
	sealedToken []byte
}

// Store holds authenticated sessions in memory. Each session maps an opaque
// ID to a validated user plus a sealed copy of the access token. Sessions
// expire after the idle TTL; every authenticated request refreshes it.
type Store struct {
	mu        sync.RWMutex
	sessions  map[string]*entry
	vault     *vault
	validator TokenValidator
	idleTTL   time.Duration
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// NewStore creates the store and starts its expiry sweeper.
func NewStore(validator TokenValidator, idleTTL, sweepInterval time.Duration) (*Store, error) {
	v, err := newVault()
	if err != nil {
		return nil, err
	}

	s := &Store{
		sessions:  make(map[string]*entry),
		vault:     v,
		validator: validator,
		idleTTL:   idleTTL,
		stopCh:    make(chan struct{}),
	}
	if sweepInterval > 0 {
		go s.sweepLoop(sweepInterval)
	}
	return s, nil
}

// Login validates the token against its instance and creates a session.
// The token is sealed immediately; it never appears on the returned value.
func (s *Store) Login(ctx context.Context, baseURL, token string) (*types.Session, error) {
	baseURL = strings.TrimSuffix(strings.TrimSpace(baseURL), "/")
	if err := checkBaseURL(baseURL); err != nil {
		return nil, err
	}
	if token == "" {
		return nil, fmt.Errorf("token is required: %w", types.ErrValidation)
	}

	user, err := s.validator.Validate(ctx, baseURL, token)
	if err != nil {
		return nil, err
	}

	sealed, err := s.vault.seal([]byte(token))
	if err != nil {
		return nil, err
	}

	now := time.Now()
	sess := types.Session{
		ID:        uuid.NewString(),
		BaseURL:   baseURL,
		User:      user,
		CreatedAt: now,
		LastSeen:  now,
	}

	s.mu.Lock()
	s.sessions[sess.ID] = &entry{session: sess, sealedToken: sealed}
	s.mu.Unlock()

	logger := log.WithComponent("session")
	logger.Info().
		Str("session_id", sess.ID).
		Str("username", user.Username).
		Str("gitlab_url", baseURL).
		Msg("Session created")

	return &sess, nil
}

// Get returns the session without refreshing its idle clock.
func (s *Store) Get(id string) (*types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.sessions[id]
	if !ok || s.expired(e, time.Now()) {
		return nil, fmt.Errorf("session not found: %w", types.ErrBadCredentials)
	}
	sess := e.session
	return &sess, nil
}

// Touch refreshes the idle clock and returns the session. Gateway
// middleware calls this once per authenticated request.
func (s *Store) Touch(id string) (*types.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[id]
	now := time.Now()
	if !ok || s.expired(e, now) {
		return nil, fmt.Errorf("session not found: %w", types.ErrBadCredentials)
	}
	e.session.LastSeen = now
	sess := e.session
	return &sess, nil
}

// WithToken unseals the session token and hands it to fn. The plaintext
// stays inside the callback; callers must not retain it beyond their
// immediate upstream work.
func (s *Store) WithToken(id string, fn func(token string) error) error {
	s.mu.RLock()
	e, ok := s.sessions[id]
	if !ok || s.expired(e, time.Now()) {
		s.mu.RUnlock()
		return fmt.Errorf("session not found: %w", types.ErrBadCredentials)
	}
	sealed := e.sealedToken
	s.mu.RUnlock()

	token, err := s.vault.open(sealed)
	if err != nil {
		return fmt.Errorf("unseal session token: %w", err)
	}
	return fn(string(token))
}

// Revoke removes the session. In-flight jobs that already unsealed the
// token run to completion; new requests under the ID fail.
func (s *Store) Revoke(id string) {
	s.mu.Lock()
	e, ok := s.sessions[id]
	if ok {
		for i := range e.sealedToken {
			e.sealedToken[i] = 0
		}
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	if ok {
		logger := log.WithComponent("session")
		logger.Info().Str("session_id", id).Msg("Session revoked")
	}
}

// SessionCount reports live sessions for the metrics collector.
func (s *Store) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	now := time.Now()
	for _, e := range s.sessions {
		if !s.expired(e, now) {
			n++
		}
	}
	return n
}

// Close stops the sweeper. Sessions are process-local and simply vanish.
func (s *Store) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Store) expired(e *entry, now time.Time) bool {
	return s.idleTTL > 0 && now.Sub(e.session.LastSeen) > s.idleTTL
}

func (s *Store) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Store) sweep() {
	now := time.Now()
	removed := 0

	s.mu.Lock()
	for id, e := range s.sessions {
		if s.expired(e, now) {
			for i := range e.sealedToken {
				e.sealedToken[i] = 0
			}
			delete(s.sessions, id)
			removed++
		}
	}
	s.mu.Unlock()

	if removed > 0 {
		logger := log.WithComponent("session")
		logger.Debug().Int("removed", removed).Msg("Swept expired sessions")
	}
}

func checkBaseURL(baseURL string) error {
	u, err := url.Parse(baseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("gitlab url must be an absolute http(s) url: %w", types.ErrValidation)
	}
	return nil
}
