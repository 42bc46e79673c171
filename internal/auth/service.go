// Package auth keeps the client's session: the bearer token, the signed-in
// user and the password reset flow.
package auth

import (
	"context"
	"log/slog"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/jonboulle/clockwork"

	"lupo/client/internal/events"
)

const (
	tokenKey = "auth_token"
	userKey  = "auth_user"

	// DefaultResetWindow is the minimum spacing between reset requests for
	// one email address.
	DefaultResetWindow = time.Minute
	minPasswordLength  = 8
)

// ErrResetRateLimited is returned when a reset was requested too recently.
var ErrResetRateLimited = errors.New(errors.CodeRateLimit, "password reset already requested, try again later")

type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
	Role  string `json:"role,omitempty"`
}

// Session is the auth:login payload.
type Session struct {
	User      User   `json:"user"`
	ExpiresAt *int64 `json:"expiresAt"`
}

// API is the slice of the network client the service needs.
type API interface {
	Post(ctx context.Context, path string, body, out any) error
	SetAuthToken(token string)
	ClearAuthToken()
}

// Persister keeps the token between runs. cache.Scoped satisfies it.
type Persister interface {
	Set(ctx context.Context, key string, value any) error
	Get(ctx context.Context, key string, dst any) (bool, error)
	Remove(ctx context.Context, key string) error
}

type Service struct {
	api         API
	persister   Persister
	bus         events.Bus
	clock       clockwork.Clock
	logger      *slog.Logger
	resetWindow time.Duration

	mu        sync.RWMutex
	token     string
	user      *User
	expiresAt time.Time
	resets    map[string]time.Time
}

type Option func(*Service)

func WithPersister(p Persister) Option {
	return func(s *Service) { s.persister = p }
}

func WithBus(bus events.Bus) Option {
	return func(s *Service) { s.bus = bus }
}

func WithClock(clock clockwork.Clock) Option {
	return func(s *Service) { s.clock = clock }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithResetWindow(window time.Duration) Option {
	return func(s *Service) { s.resetWindow = window }
}

func NewService(api API, opts ...Option) *Service {
	s := &Service{
		api:         api,
		clock:       clockwork.NewRealClock(),
		logger:      slog.Default(),
		resetWindow: DefaultResetWindow,
		resets:      map[string]time.Time{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "auth")
	return s
}

// Restore reloads a persisted session. Expired or unreadable tokens are
// discarded.
func (s *Service) Restore(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}
	var token string
	found, err := s.persister.Get(ctx, tokenKey, &token)
	if err != nil {
		return err
	}
	if !found || token == "" {
		return nil
	}
	claims, err := ParseClaims(token, s.clock.Now())
	if err != nil {
		s.logger.Info("dropping persisted token", "err", err)
		s.forget(ctx)
		return nil
	}
	var user User
	if _, err := s.persister.Get(ctx, userKey, &user); err != nil {
		return err
	}

	s.mu.Lock()
	s.token = token
	s.user = &user
	s.expiresAt = expiry(claims)
	s.mu.Unlock()
	s.api.SetAuthToken(token)
	return nil
}

func (s *Service) Login(ctx context.Context, email, password string) (Session, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return Session{}, errors.New(errors.CodeInvalidInput, "email and password are required")
	}
	if err := validateEmail(email); err != nil {
		return Session{}, err
	}

	var resp struct {
		Token string `json:"token"`
		User  User   `json:"user"`
	}
	if err := s.api.Post(ctx, "/auth/login", map[string]string{"email": email, "password": password}, &resp); err != nil {
		return Session{}, err
	}
	claims, err := ParseClaims(resp.Token, s.clock.Now())
	if err != nil {
		return Session{}, errors.Wrap(err, errors.CodeUnauthorized, "login returned unusable token")
	}

	expiresAt := expiry(claims)
	s.mu.Lock()
	s.token = resp.Token
	user := resp.User
	s.user = &user
	s.expiresAt = expiresAt
	s.mu.Unlock()
	s.api.SetAuthToken(resp.Token)

	if s.persister != nil {
		if err := s.persister.Set(ctx, tokenKey, resp.Token); err != nil {
			s.logger.Warn("persist token failed", "err", err)
		}
		if err := s.persister.Set(ctx, userKey, resp.User); err != nil {
			s.logger.Warn("persist user failed", "err", err)
		}
	}

	session := Session{User: resp.User}
	if !expiresAt.IsZero() {
		ms := expiresAt.UnixMilli()
		session.ExpiresAt = &ms
	}
	s.logger.Info("logged in", "user_id", resp.User.ID)
	s.publish(events.AuthLogin, session)
	return session, nil
}

// Logout tells the server and drops local credentials. A failed server call
// does not keep the session alive locally.
func (s *Service) Logout(ctx context.Context) error {
	if s.AuthToken() != "" {
		if err := s.api.Post(ctx, "/auth/logout", nil, nil); err != nil {
			s.logger.Warn("server logout failed", "err", err)
		}
	}
	s.forget(ctx)
	s.publish(events.AuthLogout, nil)
	return nil
}

func (s *Service) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == "" {
		return false
	}
	return s.expiresAt.IsZero() || s.clock.Now().Before(s.expiresAt)
}

func (s *Service) User() *User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return nil
	}
	user := *s.user
	return &user
}

func (s *Service) AuthToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// SetAuthToken installs a token obtained elsewhere, such as a refresh.
func (s *Service) SetAuthToken(token string) {
	var expiresAt time.Time
	if claims, err := ParseClaims(token, s.clock.Now()); err == nil {
		expiresAt = expiry(claims)
	}
	s.mu.Lock()
	s.token = token
	s.expiresAt = expiresAt
	s.mu.Unlock()
	s.api.SetAuthToken(token)
	if s.persister != nil {
		if err := s.persister.Set(context.Background(), tokenKey, token); err != nil {
			s.logger.Warn("persist token failed", "err", err)
		}
	}
}

func (s *Service) RemoveAuthToken() {
	s.forget(context.Background())
}

func (s *Service) forget(ctx context.Context) {
	s.mu.Lock()
	s.token = ""
	s.user = nil
	s.expiresAt = time.Time{}
	s.mu.Unlock()
	s.api.ClearAuthToken()
	if s.persister == nil {
		return
	}
	for _, key := range []string{tokenKey, userKey} {
		if err := s.persister.Remove(ctx, key); err != nil {
			s.logger.Warn("remove persisted session failed", "key", key, "err", err)
		}
	}
}

// RequestPasswordReset asks the server to mail a reset link. Requests for the
// same address are accepted at most once per reset window.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	email = normalizeEmail(email)
	if email == "" {
		return errors.New(errors.CodeInvalidInput, "email is required")
	}
	if err := validateEmail(email); err != nil {
		return err
	}

	now := s.clock.Now()
	s.mu.Lock()
	if last, ok := s.resets[email]; ok && now.Sub(last) < s.resetWindow {
		s.mu.Unlock()
		return ErrResetRateLimited
	}
	s.resets[email] = now
	s.mu.Unlock()

	if err := s.api.Post(ctx, "/auth/password-reset/request", map[string]string{"email": email}, nil); err != nil {
		s.mu.Lock()
		delete(s.resets, email)
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *Service) ResetPassword(ctx context.Context, token, password string) error {
	if token == "" || password == "" {
		return errors.New(errors.CodeInvalidInput, "token and new password are required")
	}
	if len(password) < minPasswordLength {
		return errors.New(errors.CodeInvalidInput, "password must be at least 8 characters")
	}
	return s.api.Post(ctx, "/auth/password-reset", map[string]string{"token": token, "password": password}, nil)
}

func (s *Service) publish(name string, payload any) {
	if s.bus != nil {
		s.bus.Publish(name, payload)
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validateEmail(email string) error {
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return errors.New(errors.CodeInvalidInput, "invalid email address")
	}
	return nil
}

func expiry(claims Claims) time.Time {
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}
