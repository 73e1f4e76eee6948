package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"studysync/internal/replica"
)

// Sync operation history

func (s *SQLiteStore) StartOperation(ctx context.Context, kind replica.OperationKind, startedAt time.Time) (int64, error) {
	var id int64
	err := s.withConn(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			"INSERT INTO sync_operations (kind, started_at) VALUES (?, ?)",
			string(kind), startedAt.UTC(),
		)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("creating sync operation: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) FinishOperation(ctx context.Context, id int64, finishedAt time.Time, status replica.SyncStatus, errorCount int, message string) error {
	err := s.withConn(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			"UPDATE sync_operations SET finished_at = ?, status = ?, error_count = ?, message = ? WHERE id = ?",
			finishedAt.UTC(), string(status), errorCount, message, id,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("finishing sync operation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListOperations(ctx context.Context, limit int) ([]*replica.SyncOperation, error) {
	var ops []*replica.SyncOperation
	err := s.withConn(ctx, func(db *sql.DB) error {
		ops = ops[:0]
		rows, err := db.QueryContext(ctx, `
			SELECT id, kind, started_at, finished_at, status, error_count, message
			FROM sync_operations ORDER BY id DESC LIMIT ?`, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var (
				op       replica.SyncOperation
				kind     string
				status   string
				finished sql.NullTime
			)
			if err := rows.Scan(&op.ID, &kind, &op.StartedAt, &finished, &status, &op.ErrorCount, &op.Message); err != nil {
				return err
			}
			op.Kind = replica.OperationKind(kind)
			op.Status = replica.SyncStatus(status)
			if finished.Valid {
				op.FinishedAt = finished.Time
			}
			ops = append(ops, &op)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("listing sync operations: %w", err)
	}
	return ops, nil
}

// Compile-time check that SQLiteStore implements replica.History
var _ replica.History = (*SQLiteStore)(nil)
