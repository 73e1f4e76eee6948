package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"studysync/internal/replica"
)

func TestSyncState(t *testing.T) {
	impls := map[string]func(t *testing.T) replica.SyncState{
		"file": func(t *testing.T) replica.SyncState {
			return NewFileSyncState(filepath.Join(t.TempDir(), SyncStateFile))
		},
		"memory": func(*testing.T) replica.SyncState {
			return NewMemorySyncState()
		},
	}

	for name, newState := range impls {
		t.Run(name, func(t *testing.T) {
			s := newState(t)

			_, ok, err := s.LastSyncTime()
			if err != nil {
				t.Fatalf("LastSyncTime() error = %v", err)
			}
			if ok {
				t.Fatal("LastSyncTime() ok = true before any sync")
			}

			when := time.Date(2026, 3, 14, 15, 9, 26, 535_000_000, time.UTC)
			if err := s.SetLastSyncTime(when); err != nil {
				t.Fatalf("SetLastSyncTime() error = %v", err)
			}

			got, ok, err := s.LastSyncTime()
			if err != nil {
				t.Fatalf("LastSyncTime() error = %v", err)
			}
			if !ok {
				t.Fatal("LastSyncTime() ok = false after SetLastSyncTime")
			}
			if !got.Equal(when) {
				t.Errorf("LastSyncTime() = %v, want %v", got, when)
			}
		})
	}
}

func TestFileSyncState_Format(t *testing.T) {
	path := filepath.Join(t.TempDir(), SyncStateFile)
	s := NewFileSyncState(path)

	if err := s.SetLastSyncTime(time.UnixMilli(1700000000123)); err != nil {
		t.Fatalf("SetLastSyncTime() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(data) != "1700000000123" {
		t.Errorf("file content = %q, want %q", data, "1700000000123")
	}

	// Survives a fresh handle, as after a process restart.
	got, ok, err := NewFileSyncState(path).LastSyncTime()
	if err != nil || !ok || got.UnixMilli() != 1700000000123 {
		t.Errorf("LastSyncTime() = %v, %v, %v", got, ok, err)
	}
}

func TestFileSyncState_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), SyncStateFile)
	if err := os.WriteFile(path, []byte("yesterday"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, _, err := NewFileSyncState(path).LastSyncTime(); err == nil {
		t.Error("LastSyncTime() expected error for corrupt file")
	}
}
