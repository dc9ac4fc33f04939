package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/braxtechnologies/appstation/internal/store"
	"github.com/stretchr/testify/require"
)

func newRetryRepo(t *testing.T) *RetryRepository {
	t.Helper()

	db, err := InitDB(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)

	t.Cleanup(func() { db.Close() })

	return NewRetryRepository(db)
}

func TestRetryCapReachesUnavailable(t *testing.T) {
	ctx := context.Background()
	repo := newRetryRepo(t)

	require.NoError(t, repo.Upsert(ctx, "com.example.deferred"))

	var req *store.RetryableRequest

	var err error

	for i := 1; i <= store.MaxRetryAttempts; i++ {
		req, err = repo.IncrementAttempt(ctx, "com.example.deferred")
		require.NoError(t, err)
		require.Equal(t, i, req.AttemptCount)
	}

	require.Equal(t, store.RetryUnavailable, req.Status)

	// Unavailable entries are invisible to the sweep.
	pending, err := repo.ListPending(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestGetReturnsDeferredRecord(t *testing.T) {
	ctx := context.Background()
	repo := newRetryRepo(t)

	_, err := repo.Get(ctx, "com.example.missing")
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, repo.Upsert(ctx, "com.example.deferred"))

	req, err := repo.Get(ctx, "com.example.deferred")
	require.NoError(t, err)
	require.Equal(t, "com.example.deferred", req.PackageID)
	require.Equal(t, store.RetryPending, req.Status)
}

func TestUpsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := newRetryRepo(t)

	require.NoError(t, repo.Upsert(ctx, "com.example.deferred"))

	_, err := repo.IncrementAttempt(ctx, "com.example.deferred")
	require.NoError(t, err)

	// A second upsert must not reset the attempt counter.
	require.NoError(t, repo.Upsert(ctx, "com.example.deferred"))

	pending, err := repo.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, 1, pending[0].AttemptCount)
}
