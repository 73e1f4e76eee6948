package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"studysync/internal/replica"
)

// SyncStateFile is the name of the last-sync file under the data directory.
const SyncStateFile = "last_sync"

// FileSyncState keeps the last sync time, in milliseconds since the epoch,
// in a small file beside the store. It survives a store reset.
type FileSyncState struct {
	path string
}

// NewFileSyncState creates a FileSyncState backed by path.
func NewFileSyncState(path string) *FileSyncState {
	return &FileSyncState{path: path}
}

func (s *FileSyncState) LastSyncTime() (time.Time, bool, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("reading last sync file: %w", err)
	}

	ms, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parsing last sync time: %w", err)
	}
	return time.UnixMilli(ms), true, nil
}

func (s *FileSyncState) SetLastSyncTime(t time.Time) error {
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".last_sync-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.WriteString(strconv.FormatInt(t.UnixMilli(), 10)); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing last sync time: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// MemorySyncState keeps the last sync time in memory.
type MemorySyncState struct {
	mu  sync.Mutex
	t   time.Time
	set bool
}

func NewMemorySyncState() *MemorySyncState {
	return &MemorySyncState{}
}

func (s *MemorySyncState) LastSyncTime() (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.t, s.set, nil
}

func (s *MemorySyncState) SetLastSyncTime(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.t = time.UnixMilli(t.UnixMilli())
	s.set = true
	return nil
}

// Compile-time checks
var (
	_ replica.SyncState = (*FileSyncState)(nil)
	_ replica.SyncState = (*MemorySyncState)(nil)
)
