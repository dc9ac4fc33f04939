package pipeline

import (
	"context"
	"fmt"

	"github.com/braxtechnologies/appstation/internal/catalog"
	"github.com/braxtechnologies/appstation/internal/logctx"
	"github.com/braxtechnologies/appstation/internal/store"
	"golang.org/x/sync/errgroup"
)

const sweepParallelism = 4

// Sweeper periodically rechecks deferred packages: packages whose source had
// no downloadable artifact yet. When one becomes available it re-enters the
// main pipeline at the start; after MaxRetryAttempts fruitless checks it goes
// terminally unavailable.
type Sweeper struct {
	retries  store.RetryRepository
	resolver catalog.Resolver
	orch     *Orchestrator
}

func NewSweeper(retries store.RetryRepository, resolver catalog.Resolver, orch *Orchestrator) *Sweeper {
	return &Sweeper{retries: retries, resolver: resolver, orch: orch}
}

// Sweep checks every pending deferred package. One package's failure never
// aborts the sweep for the others.
func (s *Sweeper) Sweep(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	pending, err := s.retries.ListPending(ctx)
	if err != nil {
		return fmt.Errorf("failed to list deferred packages: %w", err)
	}

	if len(pending) == 0 {
		return nil
	}

	logger.Info("sweeping deferred packages", "pending_count", len(pending))

	wg, ctx := errgroup.WithContext(ctx)
	wg.SetLimit(sweepParallelism)

	for _, req := range pending {
		req := req
		wg.Go(func() error {
			if err := s.checkOne(ctx, req); err != nil {
				logger.Error("deferred check failed", "package_id", req.PackageID, "err", err)
			}

			// Faults are isolated per package; never propagate.
			return nil
		})
	}

	return wg.Wait()
}

func (s *Sweeper) checkOne(ctx context.Context, req store.RetryableRequest) error {
	logger := logctx.LoggerFromContext(ctx).With("package_id", req.PackageID)

	res, err := s.resolver.ResolveDownload(ctx, req.PackageID, "")
	if err == nil && res.Outcome == catalog.Ready {
		logger.Info("deferred artifact now available, re-entering pipeline")

		if err := s.retries.Delete(ctx, req.PackageID); err != nil {
			return err
		}

		_, err := s.orch.Install(ctx, req.PackageID, "")

		return err
	}

	if err != nil {
		logger.Warn("deferred check errored, counting as unavailable", "err", err)
	}

	updated, err := s.retries.IncrementAttempt(ctx, req.PackageID)
	if err != nil {
		return err
	}

	if updated.Status == store.RetryUnavailable {
		logger.Warn("package permanently unavailable", "attempts", updated.AttemptCount)
	}

	return nil
}
