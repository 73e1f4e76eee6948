package replica

import (
	"errors"
	"fmt"
)

var (
	// ErrNotAuthenticated is returned by cloud operations attempted before sign-in.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrUnauthenticated marks a remote rejection of the current credentials.
	// The adapter has already signed out when it is returned.
	ErrUnauthenticated = errors.New("credentials rejected by remote")

	// ErrConflictPending is returned when a backup is requested while a
	// conflict awaits explicit resolution.
	ErrConflictPending = errors.New("conflict pending resolution")

	// ErrNoRemoteBackup is returned by a restore when the remote holds no snapshot.
	ErrNoRemoteBackup = errors.New("no remote backup found")

	// ErrReconnectFailed is returned when the local store could not reopen
	// its connection after it was invalidated.
	ErrReconnectFailed = errors.New("local store reconnection failed")

	// ErrMalformedSnapshot is returned when a snapshot cannot be decoded.
	ErrMalformedSnapshot = errors.New("malformed snapshot")
)

// RemoteError is a non-auth failure reported by the remote backend.
type RemoteError struct {
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *RemoteError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != "" {
		return fmt.Sprintf("remote error %d (%s): %s", e.StatusCode, e.Code, msg)
	}
	return fmt.Sprintf("remote error %d: %s", e.StatusCode, msg)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// IsAuthError reports whether err stems from missing or rejected credentials.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrUnauthenticated) || errors.Is(err, ErrNotAuthenticated)
}
