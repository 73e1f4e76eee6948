package store

import (
	"context"
	"testing"
	"time"

	"studysync/internal/replica"
)

func TestSQLiteStore_History(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	first, err := s.StartOperation(ctx, replica.OpCheck, start)
	if err != nil {
		t.Fatalf("StartOperation() error = %v", err)
	}
	if err := s.FinishOperation(ctx, first, start.Add(time.Second), replica.StatusUpToDate, 0, ""); err != nil {
		t.Fatalf("FinishOperation() error = %v", err)
	}

	second, err := s.StartOperation(ctx, replica.OpBackup, start.Add(time.Minute))
	if err != nil {
		t.Fatalf("StartOperation() error = %v", err)
	}
	if second <= first {
		t.Errorf("second id = %d, want > %d", second, first)
	}

	ops, err := s.ListOperations(ctx, 10)
	if err != nil {
		t.Fatalf("ListOperations() error = %v", err)
	}
	if len(ops) != 2 {
		t.Fatalf("len(ops) = %d, want 2", len(ops))
	}

	// Newest first; the running backup has no finish time yet.
	if ops[0].ID != second || ops[0].Kind != replica.OpBackup {
		t.Errorf("ops[0] = %+v, want running backup", ops[0])
	}
	if !ops[0].FinishedAt.IsZero() {
		t.Errorf("ops[0].FinishedAt = %v, want zero", ops[0].FinishedAt)
	}
	if ops[1].Status != replica.StatusUpToDate {
		t.Errorf("ops[1].Status = %q, want up_to_date", ops[1].Status)
	}
	if !ops[1].StartedAt.Equal(start) {
		t.Errorf("ops[1].StartedAt = %v, want %v", ops[1].StartedAt, start)
	}
	if !ops[1].FinishedAt.Equal(start.Add(time.Second)) {
		t.Errorf("ops[1].FinishedAt = %v", ops[1].FinishedAt)
	}

	limited, err := s.ListOperations(ctx, 1)
	if err != nil {
		t.Fatalf("ListOperations(1) error = %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("len(limited) = %d, want 1", len(limited))
	}
}

func TestSQLiteStore_HistorySurvivesReplace(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if _, err := s.StartOperation(ctx, replica.OpRestore, time.Now()); err != nil {
		t.Fatalf("StartOperation() error = %v", err)
	}
	if err := s.ReplaceCollections(ctx, map[replica.Collection][]replica.Entry{
		replica.CollectionSubjects: nil,
	}); err != nil {
		t.Fatalf("ReplaceCollections() error = %v", err)
	}

	ops, err := s.ListOperations(ctx, 10)
	if err != nil {
		t.Fatalf("ListOperations() error = %v", err)
	}
	if len(ops) != 1 {
		t.Errorf("len(ops) = %d, want 1", len(ops))
	}
}
