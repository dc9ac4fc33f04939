package pipeline

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/braxtechnologies/appstation/internal/catalog"
	"github.com/braxtechnologies/appstation/internal/queue"
	"github.com/braxtechnologies/appstation/internal/store"
	"github.com/braxtechnologies/appstation/internal/transfer"
	"github.com/stretchr/testify/require"
)

// memJobs mirrors the sqlite repository's token semantics in memory.
type memJobs struct {
	mu         sync.Mutex
	seq        int64
	rows       map[string]*store.DownloadJob
	unverified map[string]bool
}

func newMemJobs() *memJobs {
	return &memJobs{
		rows:       make(map[string]*store.DownloadJob),
		unverified: make(map[string]bool),
	}
}

func (m *memJobs) Create(ctx context.Context, packageID string) (*store.DownloadJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	m.rows[packageID] = &store.DownloadJob{
		PackageID:     packageID,
		SessionToken:  m.seq,
		State:         store.StateQueued,
		ContainerKind: store.UnknownKind,
	}

	job := *m.rows[packageID]

	return &job, nil
}

func (m *memJobs) CurrentToken(ctx context.Context, packageID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.rows[packageID]
	if !ok {
		return 0, store.ErrNotFound
	}

	return row.SessionToken, nil
}

func (m *memJobs) Get(ctx context.Context, packageID string) (*store.DownloadJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.rows[packageID]
	if !ok {
		return nil, store.ErrNotFound
	}

	job := *row

	return &job, nil
}

func (m *memJobs) List(ctx context.Context) ([]store.DownloadJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	jobs := make([]store.DownloadJob, 0, len(m.rows))
	for _, row := range m.rows {
		jobs = append(jobs, *row)
	}

	return jobs, nil
}

// owned returns the row only when it still carries the token, matching the
// 0-rows-affected behavior of a token-qualified UPDATE.
func (m *memJobs) owned(packageID string, token int64) (*store.DownloadJob, error) {
	row, ok := m.rows[packageID]
	if !ok || row.SessionToken != token {
		return nil, store.ErrSuperseded
	}

	return row, nil
}

func (m *memJobs) UpdateState(ctx context.Context, packageID string, token int64, state store.JobState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, err := m.owned(packageID, token)
	if err != nil {
		return err
	}

	row.State = state

	return nil
}

func (m *memJobs) SetSource(ctx context.Context, packageID string, token int64, url, digest string, size int64, kind store.ContainerKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, err := m.owned(packageID, token)
	if err != nil {
		return err
	}

	row.SourceURL = url
	row.ExpectedDigest = digest
	row.DeclaredSize = size
	row.ContainerKind = kind

	return nil
}

func (m *memJobs) SetLocalPath(ctx context.Context, packageID string, token int64, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, err := m.owned(packageID, token)
	if err != nil {
		return err
	}

	row.LocalPath = path

	return nil
}

func (m *memJobs) SetUnverified(ctx context.Context, packageID string, token int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, err := m.owned(packageID, token)
	if err != nil {
		return err
	}

	row.Unverified = true
	m.unverified[packageID] = true

	return nil
}

func (m *memJobs) Delete(ctx context.Context, packageID string, token int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.owned(packageID, token); err != nil {
		return err
	}

	delete(m.rows, packageID)

	return nil
}

func (m *memJobs) wasUnverified(packageID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.unverified[packageID]
}

type memRetries struct {
	mu   sync.Mutex
	rows map[string]*store.RetryableRequest
}

func newMemRetries() *memRetries {
	return &memRetries{rows: make(map[string]*store.RetryableRequest)}
}

func (m *memRetries) Upsert(ctx context.Context, packageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rows[packageID]; !ok {
		m.rows[packageID] = &store.RetryableRequest{PackageID: packageID, Status: store.RetryPending}
	}

	return nil
}

func (m *memRetries) Get(ctx context.Context, packageID string) (*store.RetryableRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.rows[packageID]
	if !ok {
		return nil, store.ErrNotFound
	}

	req := *row

	return &req, nil
}

func (m *memRetries) ListPending(ctx context.Context) ([]store.RetryableRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var pending []store.RetryableRequest

	for _, row := range m.rows {
		if row.Status == store.RetryPending {
			pending = append(pending, *row)
		}
	}

	return pending, nil
}

func (m *memRetries) IncrementAttempt(ctx context.Context, packageID string) (*store.RetryableRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.rows[packageID]
	if !ok {
		return nil, store.ErrNotFound
	}

	row.AttemptCount++
	if row.AttemptCount >= store.MaxRetryAttempts {
		row.Status = store.RetryUnavailable
	}

	req := *row

	return &req, nil
}

func (m *memRetries) Delete(ctx context.Context, packageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.rows, packageID)

	return nil
}

func (m *memRetries) get(packageID string) (store.RetryableRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.rows[packageID]
	if !ok {
		return store.RetryableRequest{}, false
	}

	return *row, true
}

type fakeResolver struct {
	mu    sync.Mutex
	res   catalog.Resolution
	err   error
	calls int
}

func (f *fakeResolver) ResolveDownload(ctx context.Context, packageID, versionHint string) (*catalog.Resolution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++

	if f.err != nil {
		return nil, f.err
	}

	res := f.res

	return &res, nil
}

type fakeTransferrer struct {
	content []byte
	err     error

	// hold, when set, keeps the transfer in flight until closed; the liveness
	// predicate is polled while waiting, like the real engine does.
	hold chan struct{}
}

func (f *fakeTransferrer) Transfer(ctx context.Context, url, dest string, declaredSize int64, alive transfer.Liveness) (string, error) {
	for waiting := f.hold != nil; waiting; {
		if err := alive(); err != nil {
			return "", err
		}

		select {
		case <-f.hold:
			waiting = false
		case <-time.After(5 * time.Millisecond):
		}
	}

	if f.err != nil {
		return "", f.err
	}

	if err := os.WriteFile(dest, f.content, 0o644); err != nil {
		return "", err
	}

	return dest, nil
}

type fakeInstaller struct {
	mu      sync.Mutex
	singles map[string]string
	bundles map[string][]string
	err     error
}

func newFakeInstaller() *fakeInstaller {
	return &fakeInstaller{singles: make(map[string]string), bundles: make(map[string][]string)}
}

func (f *fakeInstaller) InstallSingle(ctx context.Context, packageID, file string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return f.err
	}

	f.singles[packageID] = file

	return nil
}

func (f *fakeInstaller) InstallBundle(ctx context.Context, packageID string, files []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return f.err
	}

	f.bundles[packageID] = files

	return nil
}

func (f *fakeInstaller) single(packageID string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	file, ok := f.singles[packageID]

	return file, ok
}

func (f *fakeInstaller) bundle(packageID string) ([]string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	files, ok := f.bundles[packageID]

	return files, ok
}

func digestOf(b []byte) string {
	sum := sha256.Sum256(b)

	return hex.EncodeToString(sum[:])
}

func newTestOrchestrator(t *testing.T, resolver catalog.Resolver, eng Transferrer, inst Installer) (*Orchestrator, *memJobs, *memRetries) {
	t.Helper()

	jobs := newMemJobs()
	retries := newMemRetries()
	tasks := queue.NewMemoryQueue()
	t.Cleanup(tasks.Close)

	o := NewOrchestrator(jobs, retries, resolver, eng, inst, tasks, nil, Options{
		DownloadDir:    t.TempDir(),
		GracePeriod:    50 * time.Millisecond,
		CancelDebounce: 200 * time.Millisecond,
	})

	return o, jobs, retries
}

func waitEvent(t *testing.T, ch chan Event) Event {
	t.Helper()

	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")

		return Event{}
	}
}

func TestInstallCompletesSingleFile(t *testing.T) {
	payload := []byte("apk payload bytes")
	resolver := &fakeResolver{res: catalog.Resolution{
		Outcome:       catalog.Ready,
		URL:           "https://cdn.example.com/app.apk",
		Digest:        digestOf(payload),
		Size:          int64(len(payload)),
		ContainerKind: store.SingleArchive,
	}}
	inst := newFakeInstaller()

	o, jobs, _ := newTestOrchestrator(t, resolver, &fakeTransferrer{content: payload}, inst)

	job, err := o.Install(context.Background(), "com.example.app", "")
	require.NoError(t, err)

	ev := waitEvent(t, o.OnCompleted)
	require.Equal(t, "com.example.app", ev.PackageID)
	require.Equal(t, job.SessionToken, ev.Token)

	file, ok := inst.single("com.example.app")
	require.True(t, ok)
	require.True(t, strings.HasSuffix(file, "com.example.app.apk"))

	// Terminal success removes the row.
	_, err = jobs.Get(context.Background(), "com.example.app")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestInstallBundleExtractsAndHandsOverMembers(t *testing.T) {
	var buf bytes.Buffer

	zw := zip.NewWriter(&buf)
	for _, name := range []string{"base.apk", "config.arm64.apk"} {
		w, err := zw.Create(name)
		require.NoError(t, err)

		_, err = w.Write([]byte("member " + name))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())

	container := buf.Bytes()
	resolver := &fakeResolver{res: catalog.Resolution{
		Outcome:       catalog.Ready,
		URL:           "https://cdn.example.com/app.zip",
		Digest:        digestOf(container),
		Size:          int64(len(container)),
		ContainerKind: store.MultiFileBundle,
	}}
	inst := newFakeInstaller()

	o, _, _ := newTestOrchestrator(t, resolver, &fakeTransferrer{content: container}, inst)

	_, err := o.Install(context.Background(), "com.example.bundle", "")
	require.NoError(t, err)

	waitEvent(t, o.OnCompleted)

	files, ok := inst.bundle("com.example.bundle")
	require.True(t, ok)
	require.Len(t, files, 2)
}

func TestInstallWithoutDigestMarksUnverified(t *testing.T) {
	payload := []byte("unverifiable payload")
	resolver := &fakeResolver{res: catalog.Resolution{
		Outcome:       catalog.Ready,
		URL:           "https://cdn.example.com/app.apk",
		ContainerKind: store.SingleArchive,
	}}
	inst := newFakeInstaller()

	o, jobs, _ := newTestOrchestrator(t, resolver, &fakeTransferrer{content: payload}, inst)

	_, err := o.Install(context.Background(), "com.example.app", "")
	require.NoError(t, err)

	waitEvent(t, o.OnCompleted)
	require.True(t, jobs.wasUnverified("com.example.app"))
}

func TestIntegrityMismatchFailsRun(t *testing.T) {
	resolver := &fakeResolver{res: catalog.Resolution{
		Outcome:       catalog.Ready,
		URL:           "https://cdn.example.com/app.apk",
		Digest:        digestOf([]byte("what the catalog promised")),
		ContainerKind: store.SingleArchive,
	}}

	o, jobs, _ := newTestOrchestrator(t, resolver, &fakeTransferrer{content: []byte("what actually arrived")}, newFakeInstaller())

	_, err := o.Install(context.Background(), "com.example.app", "")
	require.NoError(t, err)

	ev := waitEvent(t, o.OnFailed)

	var integrityErr *IntegrityError
	require.ErrorAs(t, ev.Err, &integrityErr)

	job, err := jobs.Get(context.Background(), "com.example.app")
	require.NoError(t, err)
	require.Equal(t, store.StateFailed, job.State)

	// Failed runs never leave artifacts behind.
	require.NoFileExists(t, filepath.Join(o.opts.DownloadDir, "com.example.app.apk"))
}

func TestDeferredResolutionParksPackage(t *testing.T) {
	resolver := &fakeResolver{res: catalog.Resolution{Outcome: catalog.Deferred}}

	o, jobs, retries := newTestOrchestrator(t, resolver, &fakeTransferrer{}, newFakeInstaller())

	_, err := o.Install(context.Background(), "com.example.app", "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := retries.get("com.example.app")

		return ok
	}, time.Second, 5*time.Millisecond)

	// Deferred packages sit outside the main pipeline: no row, no events.
	_, err = jobs.Get(context.Background(), "com.example.app")
	require.ErrorIs(t, err, store.ErrNotFound)
	require.Empty(t, o.OnCompleted)
	require.Empty(t, o.OnFailed)
}

func TestTransferFailureEmitsFailure(t *testing.T) {
	resolver := &fakeResolver{res: catalog.Resolution{
		Outcome:       catalog.Ready,
		URL:           "https://cdn.example.com/app.apk",
		ContainerKind: store.SingleArchive,
	}}

	o, jobs, _ := newTestOrchestrator(t, resolver, &fakeTransferrer{err: fmt.Errorf("connection reset")}, newFakeInstaller())

	_, err := o.Install(context.Background(), "com.example.app", "")
	require.NoError(t, err)

	ev := waitEvent(t, o.OnFailed)

	var transferErr *TransferError
	require.ErrorAs(t, ev.Err, &transferErr)

	job, err := jobs.Get(context.Background(), "com.example.app")
	require.NoError(t, err)
	require.Equal(t, store.StateFailed, job.State)
}

func TestStaleRunIsDiscarded(t *testing.T) {
	resolver := &fakeResolver{res: catalog.Resolution{
		Outcome:       catalog.Ready,
		URL:           "https://cdn.example.com/app.apk",
		ContainerKind: store.SingleArchive,
	}}

	o, jobs, _ := newTestOrchestrator(t, resolver, &fakeTransferrer{content: []byte("x")}, newFakeInstaller())

	// Two consecutive rows: token 1 is retired by token 2.
	_, err := jobs.Create(context.Background(), "com.example.app")
	require.NoError(t, err)

	current, err := jobs.Create(context.Background(), "com.example.app")
	require.NoError(t, err)

	// The current run's files on the shared per-package paths.
	artifact := filepath.Join(o.opts.DownloadDir, "com.example.app.apk")
	require.NoError(t, os.WriteFile(artifact, []byte("owned by the current run"), 0o644))
	require.NoError(t, os.WriteFile(artifact+".part", []byte("partial"), 0o644))

	o.run(context.Background(), "com.example.app", current.SessionToken-1, "")

	// The stale run must neither emit events nor touch the current row.
	require.Empty(t, o.OnCompleted)
	require.Empty(t, o.OnFailed)
	require.Empty(t, o.OnCancelled)

	job, err := jobs.Get(context.Background(), "com.example.app")
	require.NoError(t, err)
	require.Equal(t, current.SessionToken, job.SessionToken)
	require.Equal(t, store.StateQueued, job.State)

	// And its winding-down must leave the current run's files alone.
	require.FileExists(t, artifact)
	require.FileExists(t, artifact+".part")
}

func TestReplacedRunDoesNotDisturbNewOwner(t *testing.T) {
	payload := []byte("replacement payload")
	resolver := &fakeResolver{res: catalog.Resolution{
		Outcome:       catalog.Ready,
		URL:           "https://cdn.example.com/app.apk",
		Digest:        digestOf(payload),
		ContainerKind: store.SingleArchive,
	}}
	eng := &fakeTransferrer{content: payload, hold: make(chan struct{})}

	o, jobs, _ := newTestOrchestrator(t, resolver, eng, newFakeInstaller())

	_, err := o.Install(context.Background(), "com.example.app", "")
	require.NoError(t, err)

	// Wait until the first run's transfer is in flight before replacing it.
	require.Eventually(t, func() bool {
		job, err := jobs.Get(context.Background(), "com.example.app")

		return err == nil && job.State == store.StateDownloading
	}, time.Second, 5*time.Millisecond)

	replacement, err := o.Install(context.Background(), "com.example.app", "")
	require.NoError(t, err)

	// The replacement's in-flight temp file, written while the retired run
	// winds down.
	part := filepath.Join(o.opts.DownloadDir, "com.example.app.apk.part")
	require.NoError(t, os.WriteFile(part, []byte("partial"), 0o644))

	// Give the retired run time to observe its replacement and exit.
	time.Sleep(100 * time.Millisecond)

	require.FileExists(t, part, "a replaced run must not clean up the new owner's paths")
	require.Empty(t, o.OnCancelled, "a superseded outcome must never surface as cancelled")
	require.Empty(t, o.OnFailed)

	token, err := jobs.CurrentToken(context.Background(), "com.example.app")
	require.NoError(t, err)
	require.Equal(t, replacement.SessionToken, token)

	// Releasing the transfer lets the replacement finish normally.
	require.NoError(t, os.Remove(part))
	close(eng.hold)

	ev := waitEvent(t, o.OnCompleted)
	require.Equal(t, replacement.SessionToken, ev.Token)
}

func TestReinstallDuringGracePeriodKeepsNewRunArtifacts(t *testing.T) {
	payload := []byte("second run payload")
	resolver := &fakeResolver{res: catalog.Resolution{
		Outcome:       catalog.Ready,
		URL:           "https://cdn.example.com/app.apk",
		Digest:        digestOf(payload),
		ContainerKind: store.SingleArchive,
	}}
	eng := &fakeTransferrer{content: payload, hold: make(chan struct{})}

	o, jobs, _ := newTestOrchestrator(t, resolver, eng, newFakeInstaller())

	_, err := o.Install(context.Background(), "com.example.app", "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		job, err := jobs.Get(context.Background(), "com.example.app")

		return err == nil && job.State == store.StateDownloading
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, o.Cancel(context.Background(), "com.example.app"))

	// Reinstall before the grace period expires; the cancelled run's deferred
	// cleanup must notice it no longer owns the package.
	replacement, err := o.Install(context.Background(), "com.example.app", "")
	require.NoError(t, err)

	part := filepath.Join(o.opts.DownloadDir, "com.example.app.apk.part")
	require.NoError(t, os.WriteFile(part, []byte("partial"), 0o644))

	// Wait well past the grace period for the deferred cleanup to fire.
	time.Sleep(3 * o.opts.GracePeriod)

	require.FileExists(t, part, "grace-period cleanup must spare a superseding run")

	job, err := jobs.Get(context.Background(), "com.example.app")
	require.NoError(t, err)
	require.Equal(t, replacement.SessionToken, job.SessionToken)
	require.NotEqual(t, store.StateCancelled, job.State)

	close(eng.hold)
}

func TestCancelStopsRunAndRemovesRow(t *testing.T) {
	resolver := &fakeResolver{res: catalog.Resolution{
		Outcome:       catalog.Ready,
		URL:           "https://cdn.example.com/app.apk",
		ContainerKind: store.SingleArchive,
	}}
	eng := &fakeTransferrer{content: []byte("x"), hold: make(chan struct{})}

	o, jobs, _ := newTestOrchestrator(t, resolver, eng, newFakeInstaller())

	_, err := o.Install(context.Background(), "com.example.app", "")
	require.NoError(t, err)

	// Wait until the transfer is in flight before cancelling.
	require.Eventually(t, func() bool {
		job, err := jobs.Get(context.Background(), "com.example.app")

		return err == nil && job.State == store.StateDownloading
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, o.Cancel(context.Background(), "com.example.app"))

	ev := waitEvent(t, o.OnCancelled)
	require.ErrorIs(t, ev.Err, ErrCancelled)

	// The row disappears once the grace period has elapsed.
	require.Eventually(t, func() bool {
		_, err := jobs.Get(context.Background(), "com.example.app")

		return errors.Is(err, store.ErrNotFound)
	}, time.Second, 10*time.Millisecond)
}

func TestCancelWithNothingInFlightClearsDeferredMarker(t *testing.T) {
	o, _, retries := newTestOrchestrator(t, &fakeResolver{}, &fakeTransferrer{}, newFakeInstaller())

	require.NoError(t, retries.Upsert(context.Background(), "com.example.app"))
	require.NoError(t, o.Cancel(context.Background(), "com.example.app"))

	_, ok := retries.get("com.example.app")
	require.False(t, ok)
}

func TestTerminalGuardRejectsDuplicatesAndPostCancelSignals(t *testing.T) {
	g := newTerminalGuard()

	require.True(t, g.consume("com.example.app", 1, time.Second))
	require.False(t, g.consume("com.example.app", 1, time.Second), "a token is consumed at most once")

	g.recordCancel("com.example.other")
	require.False(t, g.consume("com.example.other", 2, time.Minute), "completions inside the debounce window are dropped")
	require.True(t, g.consume("com.example.other", 3, 0), "a zero window disables debouncing")
}
