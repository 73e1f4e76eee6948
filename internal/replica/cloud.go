package replica

import (
	"context"
	"io"
	"time"
)

// FileMetadata describes a remote file. Size is always a byte count; bindings
// normalize whatever their backend reports.
type FileMetadata struct {
	ID           string
	Name         string
	ModifiedTime time.Time
	Size         int64
}

// AuthState is the authentication state held by a CloudAdapter.
type AuthState struct {
	// Loaded is true once the adapter has finished its initial credential check.
	Loaded bool
	// Authenticated is true while the remote accepts our credentials.
	Authenticated bool
}

// AuthListener is notified on every auth state change.
type AuthListener func(AuthState)

// CloudAdapter locates, uploads, downloads and enumerates named blobs in a
// private, application-scoped remote area. Every blob operation requires a
// prior successful SignIn.
//
// When the remote rejects the credentials, the adapter signs out before
// returning an error wrapping ErrUnauthenticated, so the next action goes
// through SignIn instead of being retried. Other failures are returned as
// *RemoteError.
type CloudAdapter interface {
	// FindFile returns metadata for the named file in the application area,
	// or nil if it does not exist.
	FindFile(ctx context.Context, name string) (*FileMetadata, error)

	// UploadFile stores size bytes read from r under name, inside folderPath
	// when non-empty. Uploading an existing name overwrites it.
	// Returns the remote ID of the stored file.
	UploadFile(ctx context.Context, r io.Reader, size int64, name, mimeType, folderPath string) (string, error)

	// DownloadFile writes the content of the remote file to w.
	DownloadFile(ctx context.Context, remoteID string, w io.Writer) error

	// ListFiles returns the files directly under parentID, or under the
	// application area root when parentID is empty.
	ListFiles(ctx context.Context, parentID string) ([]*FileMetadata, error)

	// SignIn verifies credentials against the remote and marks the adapter authenticated.
	SignIn(ctx context.Context) error

	// SignOut drops the authenticated state.
	SignOut()

	// AuthState returns the current authentication state.
	AuthState() AuthState

	// SubscribeAuth registers fn for auth state changes and returns a
	// function that removes it.
	SubscribeAuth(fn AuthListener) (unsubscribe func())
}
