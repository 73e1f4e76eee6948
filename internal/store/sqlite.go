// Package store provides the LocalStore bindings of the sync core.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"studysync/internal/replica"
	"studysync/internal/store/migrations"
)

// SQLiteStore implements replica.LocalStore and replica.History on SQLite.
// All collections share one connection and one change channel.
type SQLiteStore struct {
	path string

	mu          sync.Mutex // guards db and dataVersion
	db          *sql.DB
	dataVersion int64

	listeners replica.Listeners[replica.Change]
}

// NewSQLiteStore opens the store at path, migrating the schema to the latest
// version. path can be a file path or ":memory:".
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := openMigrated(path)
	if err != nil {
		return nil, err
	}

	s := &SQLiteStore{path: path, db: db}
	if v, err := readDataVersion(context.Background(), db); err == nil {
		s.dataVersion = v
	}
	return s, nil
}

// OpenConnection opens and configures a SQLite connection.
// The pool is limited to one connection: ":memory:" databases are private
// to a connection, and PRAGMA data_version is per connection.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("configuring store (%s): %w", pragma, err)
		}
	}
	return db, nil
}

func openMigrated(path string) (*sql.DB, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	if err := migrations.Up(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Path returns the store file path (or ":memory:").
func (s *SQLiteStore) Path() string {
	return s.path
}

// CheckMigrations verifies the schema is up to date.
func (s *SQLiteStore) CheckMigrations() error {
	return s.withConn(context.Background(), func(db *sql.DB) error {
		return migrations.Status(db)
	})
}

func (s *SQLiteStore) conn() *sql.DB {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db
}

// withConn runs fn against the current connection. If the connection was
// invalidated underneath us, it reopens once and retries; a failed reopen
// is returned as replica.ErrReconnectFailed.
func (s *SQLiteStore) withConn(ctx context.Context, fn func(db *sql.DB) error) error {
	db := s.conn()
	err := fn(db)
	if err == nil || !connectionLost(err) {
		return err
	}

	if rerr := s.reconnect(ctx, db); rerr != nil {
		return fmt.Errorf("%w: %v (after: %v)", replica.ErrReconnectFailed, rerr, err)
	}
	return fn(s.conn())
}

func (s *SQLiteStore) reconnect(ctx context.Context, stale *sql.DB) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != stale {
		// Another caller already reconnected.
		return nil
	}
	stale.Close()

	db, err := openMigrated(s.path)
	if err != nil {
		return err
	}
	s.db = db
	if v, err := readDataVersion(ctx, db); err == nil {
		s.dataVersion = v
	}
	return nil
}

// connectionLost reports whether err means the connection itself is gone,
// as opposed to a failed statement.
func connectionLost(err error) bool {
	if errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		switch serr.Code {
		case sqlite3.ErrIoErr, sqlite3.ErrCantOpen:
			return true
		}
	}
	return strings.Contains(err.Error(), "database is closed")
}

func (s *SQLiteStore) notify(ctx context.Context) {
	s.listeners.Notify(replica.Change{Origin: replica.OriginFromContext(ctx)})
}

// Subscribe registers fn for change notifications.
func (s *SQLiteStore) Subscribe(fn replica.ChangeListener) func() {
	return s.listeners.Add(fn)
}

func (s *SQLiteStore) Get(ctx context.Context, collection replica.Collection, key string) (json.RawMessage, error) {
	var value string
	err := s.withConn(ctx, func(db *sql.DB) error {
		return db.QueryRowContext(ctx,
			"SELECT value FROM records WHERE collection = ? AND key = ?",
			string(collection), key,
		).Scan(&value)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("getting %s/%s: %w", collection, key, err)
	}
	return json.RawMessage(value), nil
}

func (s *SQLiteStore) Set(ctx context.Context, collection replica.Collection, key string, value json.RawMessage) error {
	if !json.Valid(value) {
		return fmt.Errorf("setting %s/%s: value is not valid JSON", collection, key)
	}

	err := s.withConn(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO records (collection, key, value, seq, updated_at)
			VALUES (?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM records WHERE collection = ?), ?)
			ON CONFLICT (collection, key) DO UPDATE SET
				value = excluded.value,
				updated_at = excluded.updated_at`,
			string(collection), key, string(value), string(collection), time.Now().UTC(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("setting %s/%s: %w", collection, key, err)
	}

	s.notify(ctx)
	return nil
}

func (s *SQLiteStore) GetAll(ctx context.Context, collection replica.Collection) ([]replica.Entry, error) {
	var entries []replica.Entry
	err := s.withConn(ctx, func(db *sql.DB) error {
		entries = entries[:0]
		rows, err := db.QueryContext(ctx,
			"SELECT key, value FROM records WHERE collection = ? ORDER BY seq",
			string(collection),
		)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var key, value string
			if err := rows.Scan(&key, &value); err != nil {
				return err
			}
			entries = append(entries, replica.Entry{Key: key, Value: json.RawMessage(value)})
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", collection, err)
	}
	return entries, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, collection replica.Collection, key string) error {
	err := s.withConn(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			"DELETE FROM records WHERE collection = ? AND key = ?",
			string(collection), key,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("deleting %s/%s: %w", collection, key, err)
	}

	s.notify(ctx)
	return nil
}

func (s *SQLiteStore) Clear(ctx context.Context, collection replica.Collection) error {
	err := s.withConn(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, "DELETE FROM records WHERE collection = ?", string(collection))
		return err
	})
	if err != nil {
		return fmt.Errorf("clearing %s: %w", collection, err)
	}

	s.notify(ctx)
	return nil
}

// ReplaceCollections clears and repopulates every named collection in one
// transaction. Readers never observe a partially imported store.
func (s *SQLiteStore) ReplaceCollections(ctx context.Context, contents map[replica.Collection][]replica.Entry) error {
	for coll, entries := range contents {
		for _, e := range entries {
			if !json.Valid(e.Value) {
				return fmt.Errorf("replacing %s: value for %q is not valid JSON", coll, e.Key)
			}
		}
	}

	err := s.withConn(ctx, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		now := time.Now().UTC()
		for coll, entries := range contents {
			if _, err := tx.ExecContext(ctx, "DELETE FROM records WHERE collection = ?", string(coll)); err != nil {
				return fmt.Errorf("clearing %s: %w", coll, err)
			}
			for i, e := range entries {
				_, err := tx.ExecContext(ctx, `
					INSERT INTO records (collection, key, value, seq, updated_at)
					VALUES (?, ?, ?, ?, ?)
					ON CONFLICT (collection, key) DO UPDATE SET
						value = excluded.value,
						updated_at = excluded.updated_at`,
					string(coll), e.Key, string(e.Value), i+1, now,
				)
				if err != nil {
					return fmt.Errorf("inserting %s/%s: %w", coll, e.Key, err)
				}
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("replacing collections: %w", err)
	}

	s.notify(ctx)
	return nil
}

// CheckExternalChange emits a local-origin change notification if another
// connection (another process) committed since the last check. Commits made
// through this store do not count.
func (s *SQLiteStore) CheckExternalChange(ctx context.Context) (bool, error) {
	var version int64
	err := s.withConn(ctx, func(db *sql.DB) error {
		v, err := readDataVersion(ctx, db)
		version = v
		return err
	})
	if err != nil {
		return false, fmt.Errorf("reading data version: %w", err)
	}

	s.mu.Lock()
	changed := version != s.dataVersion
	s.dataVersion = version
	s.mu.Unlock()

	if changed {
		s.notify(replica.WithOrigin(ctx, replica.OriginLocal))
	}
	return changed, nil
}

func readDataVersion(ctx context.Context, db *sql.DB) (int64, error) {
	var v int64
	err := db.QueryRowContext(ctx, "PRAGMA data_version").Scan(&v)
	return v, err
}

// BackupTo writes a complete copy of the store to destPath using VACUUM INTO.
func (s *SQLiteStore) BackupTo(ctx context.Context, destPath string) error {
	err := s.withConn(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, "VACUUM INTO ?", destPath)
		return err
	})
	if err != nil {
		return fmt.Errorf("backing up store: %w", err)
	}
	return nil
}

// Close closes the store connection.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Compile-time check that SQLiteStore implements replica.LocalStore
var _ replica.LocalStore = (*SQLiteStore)(nil)
