package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/braxtechnologies/appstation/internal/store"
)

// JobRepository implements store.JobRepository on SQLite.
type JobRepository struct {
	db *sql.DB
}

func NewJobRepository(db *sql.DB) *JobRepository {
	return &JobRepository{db: db}
}

// Create retires any prior row for the package and inserts a fresh queued row
// owning a newly allocated token. The delete and insert share a transaction so
// the single-row-per-package invariant holds even across process restarts.
func (r *JobRepository) Create(ctx context.Context, packageID string) (*store.DownloadJob, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `INSERT INTO session_tokens DEFAULT VALUES`)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate session token: %w", err)
	}

	token, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM download_jobs WHERE package_id = ?`, packageID); err != nil {
		return nil, fmt.Errorf("failed to retire prior job: %w", err)
	}

	now := time.Now().Format(time.RFC3339)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO download_jobs (package_id, session_token, state, created_at) VALUES (?, ?, ?, ?)`,
		packageID, token, store.StateQueued, now,
	)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &store.DownloadJob{
		PackageID:     packageID,
		SessionToken:  token,
		ContainerKind: store.UnknownKind,
		State:         store.StateQueued,
		CreatedAt:     now,
	}, nil
}

func (r *JobRepository) CurrentToken(ctx context.Context, packageID string) (int64, error) {
	var token int64

	err := r.db.QueryRowContext(ctx,
		`SELECT session_token FROM download_jobs WHERE package_id = ?`, packageID,
	).Scan(&token)
	if err == sql.ErrNoRows {
		return 0, store.ErrNotFound
	}

	if err != nil {
		return 0, err
	}

	return token, nil
}

const jobColumns = `package_id, session_token, source_url, expected_digest,
	declared_size, container_kind, state, local_path, retry_count, unverified, created_at`

func (r *JobRepository) Get(ctx context.Context, packageID string) (*store.DownloadJob, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM download_jobs WHERE package_id = ?`, packageID)

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	return job, nil
}

func (r *JobRepository) List(ctx context.Context) ([]store.DownloadJob, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM download_jobs ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []store.DownloadJob

	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}

		jobs = append(jobs, *job)
	}

	return jobs, rows.Err()
}

func (r *JobRepository) UpdateState(ctx context.Context, packageID string, token int64, state store.JobState) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE download_jobs SET state = ? WHERE package_id = ? AND session_token = ?`,
		state, packageID, token,
	)
	if err != nil {
		return err
	}

	return guarded(res)
}

func (r *JobRepository) SetSource(
	ctx context.Context, packageID string, token int64,
	url, digest string, size int64, kind store.ContainerKind,
) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE download_jobs
		 SET source_url = ?, expected_digest = ?, declared_size = ?, container_kind = ?
		 WHERE package_id = ? AND session_token = ?`,
		url, digest, size, kind, packageID, token,
	)
	if err != nil {
		return err
	}

	return guarded(res)
}

func (r *JobRepository) SetLocalPath(ctx context.Context, packageID string, token int64, path string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE download_jobs SET local_path = ? WHERE package_id = ? AND session_token = ?`,
		path, packageID, token,
	)
	if err != nil {
		return err
	}

	return guarded(res)
}

func (r *JobRepository) SetUnverified(ctx context.Context, packageID string, token int64) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE download_jobs SET unverified = 1 WHERE package_id = ? AND session_token = ?`,
		packageID, token,
	)
	if err != nil {
		return err
	}

	return guarded(res)
}

func (r *JobRepository) Delete(ctx context.Context, packageID string, token int64) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM download_jobs WHERE package_id = ? AND session_token = ?`,
		packageID, token,
	)
	if err != nil {
		return err
	}

	return guarded(res)
}

// guarded maps a zero-row mutation to ErrSuperseded: the token-qualified WHERE
// clause matched nothing, so another run owns the package now.
func guarded(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if affected == 0 {
		return store.ErrSuperseded
	}

	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (*store.DownloadJob, error) {
	var job store.DownloadJob

	var unverified int

	err := s.Scan(
		&job.PackageID, &job.SessionToken, &job.SourceURL, &job.ExpectedDigest,
		&job.DeclaredSize, &job.ContainerKind, &job.State, &job.LocalPath,
		&job.RetryCount, &unverified, &job.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Unverified = unverified != 0

	return &job, nil
}
