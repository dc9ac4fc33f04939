package installer

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

const dirPerm = 0o755

// ResultFunc receives a session's asynchronous terminal outcome; the daemon
// wires it to Manager.HandleResult.
type ResultFunc func(sessionID string, success bool, reason string)

type hostSession struct {
	packageID  string
	stagingDir string
}

// HostPlatform implements Platform on the local filesystem: payloads are
// staged per session and moved into the apps directory on commit. Commit
// outcomes are reported asynchronously, mirroring how a real device installer
// behaves.
type HostPlatform struct {
	appsDir    string
	stagingDir string
	onResult   ResultFunc

	mu       sync.Mutex
	sessions map[string]*hostSession
}

func NewHostPlatform(appsDir, stagingDir string) *HostPlatform {
	return &HostPlatform{
		appsDir:    appsDir,
		stagingDir: stagingDir,
		sessions:   make(map[string]*hostSession),
	}
}

// SetResultHandler wires the completion callback. Must be called before any
// session is committed.
func (p *HostPlatform) SetResultHandler(fn ResultFunc) {
	p.onResult = fn
}

func (p *HostPlatform) CreateSession(ctx context.Context, packageID string) (string, error) {
	sessionID := uuid.New().String()
	staging := filepath.Join(p.stagingDir, sessionID)

	if err := os.MkdirAll(staging, dirPerm); err != nil {
		return "", fmt.Errorf("failed to create session staging dir: %w", err)
	}

	p.mu.Lock()
	p.sessions[sessionID] = &hostSession{packageID: packageID, stagingDir: staging}
	p.mu.Unlock()

	return sessionID, nil
}

func (p *HostPlatform) Write(ctx context.Context, sessionID, name string, r io.Reader, size int64) error {
	p.mu.Lock()
	session, ok := p.sessions[sessionID]
	p.mu.Unlock()

	if !ok {
		return fmt.Errorf("unknown session %s", sessionID)
	}

	out, err := os.Create(filepath.Join(session.stagingDir, name))
	if err != nil {
		return fmt.Errorf("failed to create staged payload: %w", err)
	}

	if _, err := io.Copy(out, r); err != nil {
		out.Close()

		return fmt.Errorf("failed to write staged payload: %w", err)
	}

	return out.Close()
}

// Commit finalizes the session in the background and reports the outcome
// through the result handler.
func (p *HostPlatform) Commit(ctx context.Context, sessionID string) error {
	p.mu.Lock()
	session, ok := p.sessions[sessionID]
	p.mu.Unlock()

	if !ok {
		return fmt.Errorf("unknown session %s", sessionID)
	}

	go func() {
		if err := p.finalize(session); err != nil {
			p.onResult(sessionID, false, err.Error())
		} else {
			p.onResult(sessionID, true, "")
		}

		p.Abandon(sessionID)
	}()

	return nil
}

func (p *HostPlatform) finalize(session *hostSession) error {
	target := filepath.Join(p.appsDir, session.packageID)
	if err := os.MkdirAll(target, dirPerm); err != nil {
		return fmt.Errorf("failed to create app dir: %w", err)
	}

	entries, err := os.ReadDir(session.stagingDir)
	if err != nil {
		return fmt.Errorf("failed to read staged payloads: %w", err)
	}

	if len(entries) == 0 {
		return fmt.Errorf("session has no staged payloads")
	}

	for _, entry := range entries {
		src := filepath.Join(session.stagingDir, entry.Name())
		dst := filepath.Join(target, entry.Name())

		if err := os.Rename(src, dst); err != nil {
			return fmt.Errorf("failed to move payload into place: %w", err)
		}
	}

	return nil
}

// Installed reports whether the package is present on the device. The
// pipeline queries this directly rather than trusting the job row.
func (p *HostPlatform) Installed(packageID string) bool {
	entries, err := os.ReadDir(filepath.Join(p.appsDir, packageID))

	return err == nil && len(entries) > 0
}

func (p *HostPlatform) Abandon(sessionID string) {
	p.mu.Lock()
	session, ok := p.sessions[sessionID]
	delete(p.sessions, sessionID)
	p.mu.Unlock()

	if ok {
		os.RemoveAll(session.stagingDir)
	}
}
