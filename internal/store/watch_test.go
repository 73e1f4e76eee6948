package store

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"studysync/internal/replica"
)

// eventually polls fn every tick until it returns true or timeout elapses.
func eventually(t *testing.T, timeout, tick time.Duration, fn func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(tick)
	}
	t.Error(msg)
}

func TestSQLiteStore_Watch(t *testing.T) {
	s := newFileStore(t)

	var mu sync.Mutex
	var changes []replica.Change
	s.Subscribe(func(c replica.Change) {
		mu.Lock()
		changes = append(changes, c)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Watch(ctx, replica.NewNopLogger()) }()

	time.Sleep(100 * time.Millisecond)

	// A second process writing to the same file.
	other, err := NewSQLiteStore(s.Path())
	if err != nil {
		t.Fatalf("opening second store: %v", err)
	}
	defer other.Close()
	if err := other.Set(context.Background(), replica.CollectionSubjects, "ext", json.RawMessage(`{"id":"ext"}`)); err != nil {
		t.Fatalf("external Set() error = %v", err)
	}

	eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(changes) > 0
	}, "external commit not observed by watcher")

	mu.Lock()
	if len(changes) > 0 && changes[0].Origin != replica.OriginLocal {
		t.Errorf("Origin = %v, want local", changes[0].Origin)
	}
	mu.Unlock()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Watch() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("Watch() did not return after cancel")
	}
}

func TestSQLiteStore_Watch_Memory(t *testing.T) {
	s := newTestStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Watch(ctx, replica.NewNopLogger()); err != nil {
		t.Errorf("Watch() error = %v", err)
	}
}
