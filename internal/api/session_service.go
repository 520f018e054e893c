package api

import (
	"context"

	"github.com/Wondergasper/connectify-core/internal/identity"
)

// SessionService exposes the identity operations the UI layer calls.
type SessionService struct {
	identity *identity.Store
}

// NewSessionService creates a new session service.
func NewSessionService(id *identity.Store) *SessionService {
	return &SessionService{identity: id}
}

// Current returns a snapshot of the session state.
func (s *SessionService) Current() identity.Session {
	return s.identity.Current()
}

// Login authenticates with email and password.
func (s *SessionService) Login(ctx context.Context, email, password string) (*identity.User, error) {
	return s.identity.Login(ctx, email, password)
}

// Register creates a new account and signs it in.
func (s *SessionService) Register(ctx context.Context, payload any) (*identity.User, error) {
	return s.identity.Register(ctx, payload)
}

// Logout ends the session. Local state is cleared even when the server
// call fails.
func (s *SessionService) Logout(ctx context.Context) error {
	return s.identity.Logout(ctx)
}

// Refetch re-fetches the profile, for use after profile edits.
func (s *SessionService) Refetch(ctx context.Context) error {
	return s.identity.Refetch(ctx)
}
