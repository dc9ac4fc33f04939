package installer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"
)

// member is one file of a session set, bound to its platform session.
type member struct {
	sessionID string
	name      string
	path      string
}

// sessionSet is an ordered collection of install sessions that commit
// strictly sequentially: member i's success callback triggers member i+1's
// commit, and any failed member aborts the rest.
type sessionSet struct {
	packageID string
	members   []member
	next      int        // index of the member currently committing
	done      chan error // terminal outcome, delivered exactly once
}

type pendingSet struct {
	packageID string
	files     []string
	done      chan error
}

// Manager serializes install session sets per package and dispatches the
// platform's asynchronous completion signals.
type Manager struct {
	platform Platform
	logger   *slog.Logger

	mu        sync.Mutex
	active    map[string]*sessionSet   // packageID -> the one active set
	queued    map[string][]*pendingSet // sets waiting behind the active one
	bySession map[string]*sessionSet   // completion dispatch index
}

func NewManager(platform Platform, logger *slog.Logger) *Manager {
	return &Manager{
		platform:  platform,
		logger:    logger,
		active:    make(map[string]*sessionSet),
		queued:    make(map[string][]*pendingSet),
		bySession: make(map[string]*sessionSet),
	}
}

// InstallSingle installs one payload file through a single platform session.
func (m *Manager) InstallSingle(ctx context.Context, packageID, file string) error {
	return m.install(ctx, packageID, []string{file})
}

// InstallBundle installs an ordered set of payload files as one atomic
// multi-member session set.
func (m *Manager) InstallBundle(ctx context.Context, packageID string, files []string) error {
	if len(files) == 0 {
		return fmt.Errorf("bundle has no member files")
	}

	return m.install(ctx, packageID, files)
}

func (m *Manager) install(ctx context.Context, packageID string, files []string) error {
	p := &pendingSet{packageID: packageID, files: files, done: make(chan error, 1)}

	m.mu.Lock()
	if m.active[packageID] != nil {
		// A set is already committing for this package; queue behind it.
		// The completion callback advances the queue, never a direct call.
		m.queued[packageID] = append(m.queued[packageID], p)
		m.mu.Unlock()
	} else {
		// Reserve the active slot before releasing the lock so a concurrent
		// install for the same package queues instead of racing.
		set := &sessionSet{packageID: packageID, done: p.done}
		m.active[packageID] = set
		m.mu.Unlock()
		m.start(ctx, p, set)
	}

	select {
	case err := <-p.done:
		return err
	case <-ctx.Done():
		m.abort(packageID, p)

		return ctx.Err()
	}
}

// start allocates sessions for every member, writes their payloads and kicks
// off the first commit. Sessions are created in order so the platform sees a
// stable member sequence; payload writes fan out concurrently. The set must
// already hold the package's active slot.
func (m *Manager) start(ctx context.Context, p *pendingSet, set *sessionSet) {
	for _, file := range p.files {
		sessionID, err := m.platform.CreateSession(ctx, p.packageID)
		if err != nil {
			m.failSet(set, fmt.Errorf("failed to create install session: %w", err))

			return
		}

		set.members = append(set.members, member{
			sessionID: sessionID,
			name:      filepath.Base(file),
			path:      file,
		})
	}

	wg, wctx := errgroup.WithContext(ctx)

	for i := range set.members {
		mem := set.members[i]

		wg.Go(func() error {
			return m.writePayload(wctx, mem)
		})
	}

	if err := wg.Wait(); err != nil {
		m.failSet(set, fmt.Errorf("failed to stage payload: %w", err))

		return
	}

	m.mu.Lock()
	for _, mem := range set.members {
		m.bySession[mem.sessionID] = set
	}
	m.mu.Unlock()

	m.commitNext(ctx, set)
}

func (m *Manager) writePayload(ctx context.Context, mem member) error {
	f, err := os.Open(mem.path)
	if err != nil {
		return fmt.Errorf("failed to open payload %s: %w", mem.name, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	return m.platform.Write(ctx, mem.sessionID, mem.name, f, info.Size())
}

func (m *Manager) commitNext(ctx context.Context, set *sessionSet) {
	m.mu.Lock()
	if set.next >= len(set.members) {
		m.mu.Unlock()

		return
	}

	mem := set.members[set.next]
	m.mu.Unlock()

	m.logger.Debug("committing install session",
		"package_id", set.packageID, "session_id", mem.sessionID, "member", mem.name)

	if err := m.platform.Commit(ctx, mem.sessionID); err != nil {
		m.failSet(set, fmt.Errorf("failed to commit session %s: %w", mem.sessionID, err))
	}
}

// HandleResult is the global completion callback: the platform reports a
// session's terminal outcome here, asynchronously.
func (m *Manager) HandleResult(sessionID string, success bool, reason string) {
	m.mu.Lock()
	set, ok := m.bySession[sessionID]
	if !ok {
		m.mu.Unlock()
		m.logger.Debug("completion signal for unknown session", "session_id", sessionID)

		return
	}

	delete(m.bySession, sessionID)

	if !success {
		m.mu.Unlock()
		m.failSet(set, fmt.Errorf("install session %s failed: %s", sessionID, reason))

		return
	}

	set.next++
	finished := set.next >= len(set.members)
	m.mu.Unlock()

	if finished {
		m.finishSet(set, nil)

		return
	}

	// Success of member i triggers commit of member i+1.
	m.commitNext(context.Background(), set)
}

// failSet abandons every remaining member and delivers the error.
func (m *Manager) failSet(set *sessionSet, err error) {
	m.mu.Lock()
	remaining := set.members[set.next:]

	for _, mem := range remaining {
		delete(m.bySession, mem.sessionID)
	}
	m.mu.Unlock()

	m.releaseMembers(remaining)
	m.finishSet(set, err)
}

// finishSet clears the active slot, delivers the outcome and advances the
// package's queue.
func (m *Manager) finishSet(set *sessionSet, err error) {
	m.mu.Lock()
	if m.active[set.packageID] == set {
		delete(m.active, set.packageID)
	}

	var (
		next    *pendingSet
		nextSet *sessionSet
	)

	if q := m.queued[set.packageID]; len(q) > 0 {
		next = q[0]

		m.queued[set.packageID] = q[1:]
		if len(m.queued[set.packageID]) == 0 {
			delete(m.queued, set.packageID)
		}

		nextSet = &sessionSet{packageID: set.packageID, done: next.done}
		m.active[set.packageID] = nextSet
	}
	m.mu.Unlock()

	select {
	case set.done <- err:
	default:
	}

	if next != nil {
		m.start(context.Background(), next, nextSet)
	}
}

// abort withdraws a caller whose context was cancelled: a still-queued set is
// simply dropped, the caller's active set is abandoned.
func (m *Manager) abort(packageID string, p *pendingSet) {
	m.mu.Lock()
	q := m.queued[packageID]

	for i, cand := range q {
		if cand == p {
			m.queued[packageID] = append(q[:i], q[i+1:]...)
			m.mu.Unlock()

			return
		}
	}

	set := m.active[packageID]
	m.mu.Unlock()

	if set != nil && set.done == p.done {
		m.failSet(set, fmt.Errorf("install aborted for %s", packageID))
	}
}

func (m *Manager) releaseMembers(members []member) {
	for _, mem := range members {
		m.platform.Abandon(mem.sessionID)
	}
}
