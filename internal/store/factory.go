package store

import (
	"fmt"
	"os"
	"path/filepath"

	"studysync/internal/config"
	"studysync/internal/replica"
)

// NewStoreFromConfig creates the local store and its sync-time scalar based
// on the store config type.
func NewStoreFromConfig(cfg config.StoreConfig, deviceID string) (*SQLiteStore, replica.SyncState, error) {
	switch cfg.Type {
	case config.StoreSQLite:
		if cfg.DataDir == "" {
			return nil, nil, fmt.Errorf("data_dir required for sqlite store")
		}
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, nil, fmt.Errorf("creating data directory: %w", err)
		}
		s, err := NewSQLiteStore(DBPath(cfg.DataDir, deviceID))
		if err != nil {
			return nil, nil, err
		}
		return s, NewFileSyncState(filepath.Join(cfg.DataDir, SyncStateFile)), nil
	case config.StoreMemory:
		s, err := NewSQLiteStore(":memory:")
		if err != nil {
			return nil, nil, err
		}
		return s, NewMemorySyncState(), nil
	default:
		return nil, nil, fmt.Errorf("unknown store type: %s", cfg.Type)
	}
}

// DBPath returns the SQLite file of a device under dataDir.
func DBPath(dataDir, deviceID string) string {
	return filepath.Join(dataDir, deviceID+".db")
}
