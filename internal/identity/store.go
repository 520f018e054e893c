package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Wondergasper/connectify-core/internal/bus"
	"github.com/Wondergasper/connectify-core/internal/rest"
	"go.uber.org/zap"
)

// Backend endpoints owned by this store.
const (
	ProfilePath  = "/api/users/me"
	LoginPath    = "/api/auth/login"
	RegisterPath = "/api/auth/register"
	LogoutPath   = "/api/auth/logout"
)

// User is the client-side projection of the authenticated user's profile.
type User struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	Role      string `json:"role"`
	AvatarURL string `json:"avatarUrl"`
}

// Session is the derived {token, userId, isAuthenticated} tuple exposed
// to dependents. Authoritative state lives server-side; this is
// refreshed by re-fetching the profile.
type Session struct {
	Token           string
	UserID          string
	User            *User
	IsAuthenticated bool
	IsLoading       bool
}

// API is the slice of the request client the store needs. *rest.Client
// satisfies it.
type API interface {
	Get(ctx context.Context, path string, out any) error
	Post(ctx context.Context, path string, body, out any) error
	SessionToken() string
	SetRefreshToken(token string)
	ClearSession()
}

// Store owns the authentication state machine, driven by discrete
// events: fetch settled, login succeeded, logout. It is decoupled from
// any rendering cycle; dependents read Current() or subscribe to
// "session." bus events.
type Store struct {
	api    API
	bus    *bus.Bus
	logger *zap.Logger

	mu      sync.RWMutex
	state   State
	user    *User
	token   string
	loading bool
}

// NewStore creates an identity store in the Unknown state.
func NewStore(api API, b *bus.Bus, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		api:     api,
		bus:     b,
		logger:  logger,
		state:   Unknown,
		loading: true,
	}
}

// Current returns the session snapshot.
func (s *Store) Current() Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Session{
		Token:           s.token,
		UserID:          s.userIDLocked(),
		User:            s.user,
		IsAuthenticated: s.state == Authenticated,
		IsLoading:       s.loading,
	}
}

// State returns the current authentication state.
func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Bootstrap performs the silent profile check on application start.
// An auth-flavored failure (session expired, missing refresh token)
// resolves to Anonymous without surfacing an error, so first load
// renders a logged-out state rather than an error screen.
func (s *Store) Bootstrap(ctx context.Context) error {
	s.setLoading(true)

	var user User
	err := s.api.Get(ctx, ProfilePath, &user)
	if err != nil {
		if isAuthError(err) {
			s.logger.Info("silent profile check: not logged in")
			s.settle(Anonymous, nil)
			return nil
		}
		s.settle(Anonymous, nil)
		return err
	}

	s.settle(Authenticated, &user)
	return nil
}

// Refetch re-runs the profile fetch while a session is believed active.
// An auth-flavored failure demotes to Anonymous.
func (s *Store) Refetch(ctx context.Context) error {
	return s.Bootstrap(ctx)
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	User         *User  `json:"user"`
	RefreshToken string `json:"refreshToken"`
}

// Login authenticates and seeds the profile directly, bypassing a
// redundant fetch.
func (s *Store) Login(ctx context.Context, email, password string) (*User, error) {
	var resp authResponse
	if err := s.api.Post(ctx, LoginPath, credentials{Email: email, Password: password}, &resp); err != nil {
		return nil, err
	}
	if resp.User == nil {
		return nil, fmt.Errorf("login response missing user")
	}
	if resp.RefreshToken != "" {
		s.api.SetRefreshToken(resp.RefreshToken)
	}
	s.settle(Authenticated, resp.User)
	return resp.User, nil
}

// Register creates an account and seeds the profile like Login.
func (s *Store) Register(ctx context.Context, payload any) (*User, error) {
	var resp authResponse
	if err := s.api.Post(ctx, RegisterPath, payload, &resp); err != nil {
		return nil, err
	}
	if resp.User == nil {
		return nil, fmt.Errorf("register response missing user")
	}
	if resp.RefreshToken != "" {
		s.api.SetRefreshToken(resp.RefreshToken)
	}
	s.settle(Authenticated, resp.User)
	return resp.User, nil
}

// Logout clears cached session data locally regardless of whether the
// server call succeeds.
func (s *Store) Logout(ctx context.Context) error {
	err := s.api.Post(ctx, LogoutPath, nil, nil)
	if err != nil {
		s.logger.Warn("logout call failed", zap.Error(err))
	}
	s.api.ClearSession()
	s.api.SetRefreshToken("")
	s.settle(Anonymous, nil)
	return err
}

// Expire marks the session as irrecoverably expired, e.g. when a
// navigation-aware operation got a SessionExpired error.
func (s *Store) Expire() {
	s.api.ClearSession()
	s.settle(Anonymous, nil)
}

// settle applies a fetch/login/logout settlement to the state machine
// and recomputes the derived snapshot.
func (s *Store) settle(to State, user *User) {
	s.mu.Lock()
	from := s.state
	if err := checkTransition(from, to); err != nil {
		s.mu.Unlock()
		s.logger.Warn("ignoring invalid session transition", zap.Error(err))
		return
	}
	s.state = to
	s.loading = false
	if to == Authenticated && user != nil {
		s.user = user
		// Token extraction only happens while a user is present,
		// preventing stale-token connection attempts.
		s.token = s.api.SessionToken()
	} else {
		s.user = nil
		s.token = ""
	}
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.Publish(bus.Event{
			Kind:      "session.state_changed",
			Timestamp: time.Now(),
			Payload:   Change{From: from, To: to},
		})
	}
}

func (s *Store) setLoading(v bool) {
	s.mu.Lock()
	s.loading = v
	s.mu.Unlock()
}

func (s *Store) userIDLocked() string {
	if s.user == nil {
		return ""
	}
	if s.user.ID != "" {
		return s.user.ID
	}
	return userIDFromToken(s.token)
}

// isAuthError recognizes "not logged in" shaped failures: an exhausted
// refresh flow, a plain 401, or the backend's session-expiry messages.
func isAuthError(err error) bool {
	if rest.IsSessionExpired(err) {
		return true
	}
	var apiErr *rest.Error
	if errors.As(err, &apiErr) {
		if apiErr.Status == 401 {
			return true
		}
		msg := strings.ToLower(apiErr.Message)
		return strings.Contains(msg, "session expired") || strings.Contains(msg, "refresh token")
	}
	return false
}
