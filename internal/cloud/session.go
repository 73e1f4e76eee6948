// Package cloud provides the CloudAdapter bindings: S3, a local directory
// and an in-memory area. Every binding shares the same sign-in session.
package cloud

import (
	"context"
	"fmt"
	"sync"

	"studysync/internal/replica"
)

// session holds the authentication state of a binding and notifies
// subscribers when it changes.
type session struct {
	mu        sync.Mutex
	state     replica.AuthState
	listeners replica.Listeners[replica.AuthState]

	// verify checks credentials against the remote.
	verify func(ctx context.Context) error
	// authFailure reports whether a backend error means the credentials were rejected.
	authFailure func(err error) bool
}

func newSession(verify func(context.Context) error, authFailure func(error) bool) *session {
	return &session{verify: verify, authFailure: authFailure}
}

// SignIn verifies credentials against the remote and marks the adapter authenticated.
func (s *session) SignIn(ctx context.Context) error {
	if err := s.verify(ctx); err != nil {
		s.set(replica.AuthState{Loaded: true})
		if s.authFailure(err) {
			return fmt.Errorf("signing in: %w: %v", replica.ErrUnauthenticated, err)
		}
		return fmt.Errorf("signing in: %w", err)
	}
	s.set(replica.AuthState{Loaded: true, Authenticated: true})
	return nil
}

// SignOut drops the authenticated state.
func (s *session) SignOut() {
	s.set(replica.AuthState{Loaded: true})
}

// AuthState returns the current authentication state.
func (s *session) AuthState() replica.AuthState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SubscribeAuth registers fn for auth state changes.
func (s *session) SubscribeAuth(fn replica.AuthListener) func() {
	return s.listeners.Add(fn)
}

// set stores state and notifies subscribers if it changed.
func (s *session) set(state replica.AuthState) {
	s.mu.Lock()
	changed := s.state != state
	s.state = state
	s.mu.Unlock()

	if changed {
		s.listeners.Notify(state)
	}
}

// require returns ErrNotAuthenticated unless signed in.
func (s *session) require(op string) error {
	if !s.AuthState().Authenticated {
		return fmt.Errorf("%s: %w", op, replica.ErrNotAuthenticated)
	}
	return nil
}

// fail wraps a backend error. Rejected credentials sign the session out
// before the error is returned.
func (s *session) fail(op string, err error) error {
	if s.authFailure(err) {
		s.SignOut()
		return fmt.Errorf("%s: %w: %v", op, replica.ErrUnauthenticated, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
