// Package installer owns platform install sessions and sequences multi-file
// bundle installs.
package installer

import (
	"context"
	"io"
)

// Platform is the device installer contract. Commit is asynchronous: the
// terminal outcome arrives later through the manager's HandleResult, keyed by
// session id.
type Platform interface {
	CreateSession(ctx context.Context, packageID string) (string, error)
	Write(ctx context.Context, sessionID, name string, r io.Reader, size int64) error
	Commit(ctx context.Context, sessionID string) error
	Abandon(sessionID string)
}
