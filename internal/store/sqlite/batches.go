package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/soundscribe/videoconverter-api/internal/job"
)

// CreateBatch persists a new batch row.
func (s *Store) CreateBatch(ctx context.Context, b *job.BatchJob) error {
	_, err := s.exec(ctx,
		`INSERT INTO batch_jobs (id, created_at, completed_at) VALUES (?, ?, ?)`,
		b.ID, millis(b.CreatedAt), nullMillis(b.CompletedAt))
	if err != nil {
		return fmt.Errorf("sqlite: creating batch: %w", err)
	}
	return nil
}

// GetBatchByID retrieves a batch by ID.
func (s *Store) GetBatchByID(ctx context.Context, id string) (*job.BatchJob, error) {
	var (
		b           job.BatchJob
		createdAt   int64
		completedAt sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, created_at, completed_at FROM batch_jobs WHERE id = ?`, id).
		Scan(&b.ID, &createdAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, job.ErrBatchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: reading batch: %w", err)
	}
	b.CreatedAt = timeAt(createdAt)
	b.CompletedAt = timeOrZero(completedAt)
	return &b, nil
}

// DeleteBatch removes a batch and detaches its jobs in one transaction.
func (s *Store) DeleteBatch(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: deleting batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM batch_jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: deleting batch: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: deleting batch: %w", err)
	}
	if n == 0 {
		return job.ErrBatchNotFound
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversion_jobs SET batch_id = NULL WHERE batch_id = ?`, id); err != nil {
		return fmt.Errorf("sqlite: detaching batch jobs: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: deleting batch: %w", err)
	}
	return nil
}
