package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/braxtechnologies/appstation/internal/store"
)

// RetryRepository implements store.RetryRepository on SQLite.
type RetryRepository struct {
	db *sql.DB
}

func NewRetryRepository(db *sql.DB) *RetryRepository {
	return &RetryRepository{db: db}
}

func (r *RetryRepository) Upsert(ctx context.Context, packageID string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO retryable_requests (package_id, attempt_count, status, checked_at)
		 VALUES (?, 0, 'pending', ?)
		 ON CONFLICT(package_id) DO UPDATE SET checked_at = excluded.checked_at`,
		packageID, time.Now().Format(time.RFC3339),
	)

	return err
}

func (r *RetryRepository) Get(ctx context.Context, packageID string) (*store.RetryableRequest, error) {
	var req store.RetryableRequest

	err := r.db.QueryRowContext(ctx,
		`SELECT package_id, attempt_count, status, checked_at
		 FROM retryable_requests WHERE package_id = ?`, packageID,
	).Scan(&req.PackageID, &req.AttemptCount, &req.Status, &req.CheckedAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	return &req, nil
}

func (r *RetryRepository) ListPending(ctx context.Context) ([]store.RetryableRequest, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT package_id, attempt_count, status, checked_at
		 FROM retryable_requests WHERE status = 'pending' ORDER BY checked_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reqs []store.RetryableRequest

	for rows.Next() {
		var req store.RetryableRequest
		if err := rows.Scan(&req.PackageID, &req.AttemptCount, &req.Status, &req.CheckedAt); err != nil {
			return nil, err
		}

		reqs = append(reqs, req)
	}

	return reqs, rows.Err()
}

// IncrementAttempt bumps the attempt count and marks the package unavailable
// once the cap is hit. Unavailable is terminal; the sweep never picks it again.
func (r *RetryRepository) IncrementAttempt(ctx context.Context, packageID string) (*store.RetryableRequest, error) {
	_, err := r.db.ExecContext(ctx,
		`UPDATE retryable_requests
		 SET attempt_count = attempt_count + 1,
		     checked_at = ?,
		     status = CASE WHEN attempt_count + 1 >= ? THEN 'unavailable' ELSE status END
		 WHERE package_id = ?`,
		time.Now().Format(time.RFC3339), store.MaxRetryAttempts, packageID,
	)
	if err != nil {
		return nil, err
	}

	var req store.RetryableRequest

	err = r.db.QueryRowContext(ctx,
		`SELECT package_id, attempt_count, status, checked_at
		 FROM retryable_requests WHERE package_id = ?`, packageID,
	).Scan(&req.PackageID, &req.AttemptCount, &req.Status, &req.CheckedAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	return &req, nil
}

func (r *RetryRepository) Delete(ctx context.Context, packageID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM retryable_requests WHERE package_id = ?`, packageID)

	return err
}
