package replica

import (
	"context"
	"encoding/json"
	"time"
)

// Origin identifies who made a local store write.
type Origin int

const (
	// OriginLocal is a user-driven mutation. It dirties the replica.
	OriginLocal Origin = iota
	// OriginSync is a write made by the sync core itself (status updates,
	// imports). It never dirties the replica.
	OriginSync
)

func (o Origin) String() string {
	if o == OriginSync {
		return "sync"
	}
	return "local"
}

type originKey struct{}

// WithOrigin tags writes made with ctx as coming from origin.
func WithOrigin(ctx context.Context, origin Origin) context.Context {
	return context.WithValue(ctx, originKey{}, origin)
}

// OriginFromContext returns the write origin carried by ctx, OriginLocal by default.
func OriginFromContext(ctx context.Context) Origin {
	if o, ok := ctx.Value(originKey{}).(Origin); ok {
		return o
	}
	return OriginLocal
}

// Change is the payload of a store change notification. Subscribers are not
// told which collection changed.
type Change struct {
	Origin Origin
}

// ChangeListener receives change notifications after the write commits.
type ChangeListener func(Change)

// Entry is one key/value pair of a collection.
type Entry struct {
	Key   string
	Value json.RawMessage
}

// LocalStore is the on-device persistent store of named collections.
// Every mutating call emits exactly one change notification after its write
// commits; reads never emit. Notifications are delivered synchronously, in
// subscription order, on the goroutine that made the write.
type LocalStore interface {
	// Get returns the value stored under key, or nil if absent.
	Get(ctx context.Context, collection Collection, key string) (json.RawMessage, error)

	// Set stores value under key, keeping the key's original insertion position.
	Set(ctx context.Context, collection Collection, key string, value json.RawMessage) error

	// GetAll returns every entry of the collection in insertion order.
	GetAll(ctx context.Context, collection Collection) ([]Entry, error)

	// Delete removes key from the collection. Deleting a missing key is not an error.
	Delete(ctx context.Context, collection Collection, key string) error

	// Clear removes every entry of the collection.
	Clear(ctx context.Context, collection Collection) error

	// ReplaceCollections clears and repopulates each named collection in a
	// single transaction and emits one notification for the whole batch.
	ReplaceCollections(ctx context.Context, contents map[Collection][]Entry) error

	// Subscribe registers fn for change notifications and returns a function
	// that removes it.
	Subscribe(fn ChangeListener) (unsubscribe func())

	// Close releases the underlying connection.
	Close() error
}

// SyncState persists the time of the last successful sync outside the
// record store, so it survives a store reset triggered by a restore.
type SyncState interface {
	// LastSyncTime returns the recorded time and whether one exists.
	LastSyncTime() (time.Time, bool, error)

	// SetLastSyncTime records t as the last successful sync.
	SetLastSyncTime(t time.Time) error
}
