package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/braxtechnologies/appstation/internal/bundle"
	"github.com/braxtechnologies/appstation/internal/catalog"
	"github.com/braxtechnologies/appstation/internal/logctx"
	"github.com/braxtechnologies/appstation/internal/queue"
	"github.com/braxtechnologies/appstation/internal/store"
	"github.com/braxtechnologies/appstation/internal/telemetry"
	"github.com/braxtechnologies/appstation/internal/transfer"
	"github.com/braxtechnologies/appstation/internal/verify"
)

const dirPerm = 0o755

// errDeferred routes a run to the retry sweep instead of a terminal state.
var errDeferred = errors.New("resolution deferred")

// Transferrer streams a remote artifact to local storage.
type Transferrer interface {
	Transfer(ctx context.Context, url, dest string, declaredSize int64, alive transfer.Liveness) (string, error)
}

// Installer hands payload files to the platform installer.
type Installer interface {
	InstallSingle(ctx context.Context, packageID, file string) error
	InstallBundle(ctx context.Context, packageID string, files []string) error
}

// Event reports a run's terminal outcome.
type Event struct {
	PackageID string
	Token     int64
	Err       error
}

// Options tunes orchestrator behavior.
type Options struct {
	DownloadDir string

	// GracePeriod is how long a cancelled job row stays visible so in-flight
	// workers can observe the marker before final cleanup.
	GracePeriod time.Duration

	// CancelDebounce is the window after an explicit cancel during which
	// installation-completion signals for the package are ignored outright.
	CancelDebounce time.Duration
}

// Orchestrator drives a package's lifecycle from install request to terminal
// state. The job row is the single source of truth: every worker re-validates
// its session token against the current row before any mutation, so at most
// one worker is ever the authoritative owner.
type Orchestrator struct {
	jobs      store.JobRepository
	retries   store.RetryRepository
	resolver  catalog.Resolver
	engine    Transferrer
	installer Installer
	tasks     queue.Queue
	tel       *telemetry.Telemetry
	opts      Options

	guard *terminalGuard

	// Terminal outcome notifications. Delivery is best-effort: an event is
	// dropped when its channel buffer is full, so consume these for logging
	// and metrics, never for control flow.
	OnCompleted chan Event
	OnFailed    chan Event
	OnCancelled chan Event
}

func NewOrchestrator(
	jobs store.JobRepository,
	retries store.RetryRepository,
	resolver catalog.Resolver,
	engine Transferrer,
	installer Installer,
	tasks queue.Queue,
	tel *telemetry.Telemetry,
	opts Options,
) *Orchestrator {
	if opts.GracePeriod == 0 {
		opts.GracePeriod = 2 * time.Second
	}

	if opts.CancelDebounce == 0 {
		opts.CancelDebounce = 3 * time.Second
	}

	return &Orchestrator{
		jobs:        jobs,
		retries:     retries,
		resolver:    resolver,
		engine:      engine,
		installer:   installer,
		tasks:       tasks,
		tel:         tel,
		opts:        opts,
		guard:       newTerminalGuard(),
		OnCompleted: make(chan Event, 16),
		OnFailed:    make(chan Event, 16),
		OnCancelled: make(chan Event, 16),
	}
}

// Install starts (or restarts) the pipeline for a package. Any in-flight run
// for the same package is superseded: its token is retired by the fresh job
// row and its remaining work becomes a no-op.
func (o *Orchestrator) Install(ctx context.Context, packageID, versionHint string) (*store.DownloadJob, error) {
	logger := logctx.LoggerFromContext(ctx).With("package_id", packageID)

	job, err := o.jobs.Create(ctx, packageID)
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	// A fresh request also clears any deferred marker for the package.
	if err := o.retries.Delete(ctx, packageID); err != nil {
		logger.Warn("failed to clear deferred marker", "err", err)
	}

	logger.Info("install queued", "session_token", job.SessionToken)

	parent := logctx.LoggerFromContext(ctx)
	o.tasks.Enqueue(packageID, queue.Replace, func(runCtx context.Context) {
		o.run(logctx.WithLogger(runCtx, parent), packageID, job.SessionToken, versionHint)
	})

	return job, nil
}

// Cancel stops the in-flight run for a package. The row is first marked
// cancelled so concurrent workers observe it; after the grace period the row
// and any partial artifacts are removed.
func (o *Orchestrator) Cancel(ctx context.Context, packageID string) error {
	logger := logctx.LoggerFromContext(ctx).With("package_id", packageID)

	o.guard.recordCancel(packageID)

	token, err := o.jobs.CurrentToken(ctx, packageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Nothing in flight; clear a deferred marker if one exists.
			return o.retries.Delete(ctx, packageID)
		}

		return err
	}

	if err := o.jobs.UpdateState(ctx, packageID, token, store.StateCancelled); err != nil &&
		!errors.Is(err, store.ErrSuperseded) {
		return fmt.Errorf("failed to mark job cancelled: %w", err)
	}

	o.tasks.Cancel(packageID)

	logger.Info("install cancelled", "session_token", token)

	time.AfterFunc(o.opts.GracePeriod, func() {
		err := o.jobs.Delete(context.Background(), packageID, token)
		if errors.Is(err, store.ErrSuperseded) {
			// Reinstalled within the grace window; the per-package paths
			// belong to the new run now.
			logger.Debug("skipping cancel cleanup, job superseded", "session_token", token)

			return
		}

		if err != nil {
			logger.Warn("failed to delete cancelled job", "err", err)
		}

		o.removeArtifacts(packageID)
	})

	return nil
}

func (o *Orchestrator) run(ctx context.Context, packageID string, token int64, versionHint string) {
	logger := logctx.LoggerFromContext(ctx).With("package_id", packageID, "session_token", token)
	ctx = logctx.WithLogger(ctx, logger)

	err := o.tel.InstrumentInstall(ctx, packageID, func(ctx context.Context) error {
		return o.execute(ctx, packageID, token, versionHint)
	})

	switch {
	case err == nil:
		if o.guard.consume(packageID, token, o.opts.CancelDebounce) {
			logger.Info("install completed")
			emit(o.OnCompleted, Event{PackageID: packageID, Token: token})
		} else {
			logger.Debug("discarding stale completion signal")
		}
	case errors.Is(err, errDeferred):
		logger.Info("artifact deferred, queued for retry sweep")
	case errors.Is(err, store.ErrSuperseded):
		// A newer run owns the package now; this outcome must never surface.
		logger.Debug("run superseded, discarding result")
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		// The context also dies when a newer run replaces this one on the
		// queue; only the run still holding the row owns cleanup and events.
		if current, tokErr := o.jobs.CurrentToken(context.Background(), packageID); tokErr != nil || current != token {
			logger.Debug("run superseded, discarding result")

			return
		}

		logger.Info("run cancelled")
		o.removeArtifacts(packageID)
		emit(o.OnCancelled, Event{PackageID: packageID, Token: token, Err: ErrCancelled})
	default:
		o.fail(ctx, packageID, token, err)
	}
}

func (o *Orchestrator) fail(ctx context.Context, packageID string, token int64, cause error) {
	logger := logctx.LoggerFromContext(ctx)

	// Only the run still owning the row may record the failure; otherwise the
	// package was superseded and the failure is stale.
	err := o.jobs.UpdateState(context.WithoutCancel(ctx), packageID, token, store.StateFailed)
	if errors.Is(err, store.ErrSuperseded) || errors.Is(err, store.ErrNotFound) {
		logger.Debug("discarding stale failure", "cause", cause)

		return
	}

	if err != nil {
		logger.Error("failed to record failure", "err", err)
	}

	logger.Error("install failed", "err", cause)
	o.removeArtifacts(packageID)
	emit(o.OnFailed, Event{PackageID: packageID, Token: token, Err: cause})
}

func (o *Orchestrator) execute(ctx context.Context, packageID string, token int64, versionHint string) (retErr error) {
	logger := logctx.LoggerFromContext(ctx)
	alive := o.liveness(ctx, packageID, token)

	if err := o.jobs.UpdateState(ctx, packageID, token, store.StateResolving); err != nil {
		return err
	}

	res, err := o.resolver.ResolveDownload(ctx, packageID, versionHint)
	if err != nil {
		return &ResolutionError{PackageID: packageID, Message: err.Error(), Err: err}
	}

	switch res.Outcome {
	case catalog.Deferred:
		return o.deferResolution(ctx, packageID, token)
	case catalog.Failed:
		return &ResolutionError{PackageID: packageID, Message: res.Message}
	}

	if err := o.jobs.SetSource(ctx, packageID, token, res.URL, res.Digest, res.Size, res.ContainerKind); err != nil {
		return err
	}

	if err := o.jobs.UpdateState(ctx, packageID, token, store.StateDownloading); err != nil {
		return err
	}

	dest := o.artifactPath(packageID, res.ContainerKind)

	local, err := o.engine.Transfer(ctx, res.URL, dest, res.Size, alive)
	if err != nil {
		if isInterrupt(err) {
			return err
		}

		return &TransferError{PackageID: packageID, URL: res.URL, Err: err}
	}

	defer func() {
		// Failed runs never leave artifacts behind. Superseded runs leave the
		// path alone: the new owner may already be writing to it.
		if retErr != nil && !errors.Is(retErr, store.ErrSuperseded) {
			os.Remove(local)
		}
	}()

	if err := o.jobs.SetLocalPath(ctx, packageID, token, local); err != nil {
		return err
	}

	if err := o.jobs.UpdateState(ctx, packageID, token, store.StateDownloaded); err != nil {
		return err
	}

	if err := o.jobs.UpdateState(ctx, packageID, token, store.StateVerifying); err != nil {
		return err
	}

	switch result, err := verify.Verify(local, res.Digest); {
	case err != nil:
		return &TransferError{PackageID: packageID, URL: res.URL, Err: err}
	case result == verify.Mismatch:
		actual, _ := verify.Checksum(local)

		return &IntegrityError{PackageID: packageID, Expected: res.Digest, Actual: actual}
	case result == verify.Unverified:
		logger.Warn("no digest declared, installing unverified artifact")
		o.tel.RecordUnverifiedInstall(ctx)

		if err := o.jobs.SetUnverified(ctx, packageID, token); err != nil {
			return err
		}
	}

	if err := alive(); err != nil {
		return err
	}

	if err := o.jobs.UpdateState(ctx, packageID, token, store.StateInstalling); err != nil {
		return err
	}

	if err := o.installPayloads(ctx, packageID, local, res.ContainerKind); err != nil {
		if isInterrupt(err) {
			return err
		}

		return &InstallError{PackageID: packageID, Err: err}
	}

	if err := o.jobs.UpdateState(ctx, packageID, token, store.StateCompleted); err != nil {
		return err
	}

	// Terminal success removes the row; the artifact stays for the retention
	// sweep to collect.
	return o.jobs.Delete(ctx, packageID, token)
}

func (o *Orchestrator) installPayloads(ctx context.Context, packageID, local string, kind store.ContainerKind) error {
	if kind == store.UnknownKind {
		kind = bundle.DetectKind("", local)
	}

	if kind != store.MultiFileBundle {
		return o.installer.InstallSingle(ctx, packageID, local)
	}

	destDir := local + ".extract"
	if err := os.MkdirAll(destDir, dirPerm); err != nil {
		return fmt.Errorf("failed to create extraction dir: %w", err)
	}

	// The extraction dir is always removed once payloads are handed over.
	defer os.RemoveAll(destDir)

	files, stage, err := bundle.Extract(ctx, local, destDir)
	if err != nil {
		return &ExtractionError{PackageID: packageID, Err: err}
	}

	o.tel.RecordExtraction(ctx, string(stage))

	if stage == bundle.StageSingleFile {
		return o.installer.InstallSingle(ctx, packageID, files[0])
	}

	return o.installer.InstallBundle(ctx, packageID, files)
}

func (o *Orchestrator) deferResolution(ctx context.Context, packageID string, token int64) error {
	if err := o.jobs.UpdateState(ctx, packageID, token, store.StateRequested); err != nil {
		return err
	}

	// Durable marker for the retry sweep, then drop the job row: deferred
	// packages sit outside the main pipeline until an artifact exists.
	if err := o.retries.Upsert(ctx, packageID); err != nil {
		return fmt.Errorf("failed to record deferred package: %w", err)
	}

	if err := o.jobs.Delete(ctx, packageID, token); err != nil {
		return err
	}

	return errDeferred
}

// liveness is the predicate every suspension point consults: the run stays
// alive only while the job row still carries its token and is not cancelled.
func (o *Orchestrator) liveness(ctx context.Context, packageID string, token int64) transfer.Liveness {
	return func() error {
		// Ownership comes from the row, not the context: a run replaced on
		// the queue sees its context die, but it is superseded, not
		// cancelled, and must not clean up paths the new owner writes to.
		job, err := o.jobs.Get(context.WithoutCancel(ctx), packageID)
		if errors.Is(err, store.ErrNotFound) {
			return store.ErrSuperseded
		}

		if err != nil {
			return err
		}

		if job.SessionToken != token {
			return store.ErrSuperseded
		}

		if job.State == store.StateCancelled {
			return ErrCancelled
		}

		if ctx.Err() != nil {
			return ErrCancelled
		}

		return nil
	}
}

func (o *Orchestrator) artifactPath(packageID string, kind store.ContainerKind) string {
	ext := ".apk"
	if kind == store.MultiFileBundle {
		ext = ".zip"
	}

	return filepath.Join(o.opts.DownloadDir, packageID+ext)
}

func (o *Orchestrator) removeArtifacts(packageID string) {
	for _, ext := range []string{".apk", ".zip"} {
		path := filepath.Join(o.opts.DownloadDir, packageID+ext)
		os.Remove(path)
		os.Remove(path + ".part")
		os.RemoveAll(path + ".extract")
	}
}

func isInterrupt(err error) bool {
	return errors.Is(err, ErrCancelled) ||
		errors.Is(err, store.ErrSuperseded) ||
		errors.Is(err, context.Canceled)
}

func emit(ch chan Event, ev Event) {
	select {
	case ch <- ev:
	default:
	}
}
