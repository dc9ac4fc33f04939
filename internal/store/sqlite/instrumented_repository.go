package sqlite

import (
	"context"
	"database/sql"

	"github.com/braxtechnologies/appstation/internal/store"
	"github.com/braxtechnologies/appstation/internal/telemetry"
)

// InstrumentedJobRepository wraps JobRepository with telemetry.
type InstrumentedJobRepository struct {
	repo      *JobRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedJobRepository creates a new instrumented job repository.
func NewInstrumentedJobRepository(db *sql.DB, tel *telemetry.Telemetry) *InstrumentedJobRepository {
	return &InstrumentedJobRepository{
		repo:      NewJobRepository(db),
		telemetry: tel,
	}
}

func (r *InstrumentedJobRepository) Create(ctx context.Context, packageID string) (*store.DownloadJob, error) {
	var result *store.DownloadJob

	var err error

	instrumentedErr := r.telemetry.InstrumentDBOperation(ctx, "create_job", func(ctx context.Context) error {
		result, err = r.repo.Create(ctx, packageID)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

func (r *InstrumentedJobRepository) CurrentToken(ctx context.Context, packageID string) (int64, error) {
	var result int64

	var err error

	instrumentedErr := r.telemetry.InstrumentDBOperation(ctx, "current_token", func(ctx context.Context) error {
		result, err = r.repo.CurrentToken(ctx, packageID)

		return err
	})

	if instrumentedErr != nil {
		return 0, instrumentedErr
	}

	return result, nil
}

func (r *InstrumentedJobRepository) Get(ctx context.Context, packageID string) (*store.DownloadJob, error) {
	var result *store.DownloadJob

	var err error

	instrumentedErr := r.telemetry.InstrumentDBOperation(ctx, "get_job", func(ctx context.Context) error {
		result, err = r.repo.Get(ctx, packageID)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

func (r *InstrumentedJobRepository) List(ctx context.Context) ([]store.DownloadJob, error) {
	var result []store.DownloadJob

	var err error

	instrumentedErr := r.telemetry.InstrumentDBOperation(ctx, "list_jobs", func(ctx context.Context) error {
		result, err = r.repo.List(ctx)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

func (r *InstrumentedJobRepository) UpdateState(ctx context.Context, packageID string, token int64, state store.JobState) error {
	return r.telemetry.InstrumentDBOperation(ctx, "update_job_state", func(ctx context.Context) error {
		return r.repo.UpdateState(ctx, packageID, token, state)
	})
}

func (r *InstrumentedJobRepository) SetSource(
	ctx context.Context, packageID string, token int64,
	url, digest string, size int64, kind store.ContainerKind,
) error {
	return r.telemetry.InstrumentDBOperation(ctx, "set_job_source", func(ctx context.Context) error {
		return r.repo.SetSource(ctx, packageID, token, url, digest, size, kind)
	})
}

func (r *InstrumentedJobRepository) SetLocalPath(ctx context.Context, packageID string, token int64, path string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "set_job_local_path", func(ctx context.Context) error {
		return r.repo.SetLocalPath(ctx, packageID, token, path)
	})
}

func (r *InstrumentedJobRepository) SetUnverified(ctx context.Context, packageID string, token int64) error {
	return r.telemetry.InstrumentDBOperation(ctx, "set_job_unverified", func(ctx context.Context) error {
		return r.repo.SetUnverified(ctx, packageID, token)
	})
}

func (r *InstrumentedJobRepository) Delete(ctx context.Context, packageID string, token int64) error {
	return r.telemetry.InstrumentDBOperation(ctx, "delete_job", func(ctx context.Context) error {
		return r.repo.Delete(ctx, packageID, token)
	})
}
