package store

import (
	"context"
	"errors"
)

// JobState is the authoritative lifecycle state of a download job.
type JobState string

const (
	StateQueued      JobState = "queued"
	StateResolving   JobState = "resolving"
	StateRequested   JobState = "requested"
	StateDownloading JobState = "downloading"
	StateDownloaded  JobState = "downloaded"
	StateVerifying   JobState = "verifying"
	StateInstalling  JobState = "installing"
	StateCompleted   JobState = "completed"
	StateFailed      JobState = "failed"
	StateCancelled   JobState = "cancelled"
)

// IsTerminal reports whether the state ends a pipeline run.
func (s JobState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// ContainerKind describes the downloaded artifact's container format.
type ContainerKind string

const (
	SingleArchive   ContainerKind = "single"
	MultiFileBundle ContainerKind = "bundle"
	UnknownKind     ContainerKind = "unknown"
)

var (
	// ErrNotFound is returned when no job row exists for a package.
	ErrNotFound = errors.New("job not found")

	// ErrSuperseded is returned when a worker's session token no longer
	// matches the current row for the package.
	ErrSuperseded = errors.New("job superseded")
)

// DownloadJob is the single source of truth for one package's pipeline run.
// At most one row exists per package; SessionToken identifies the run that
// owns it.
type DownloadJob struct {
	PackageID      string
	SessionToken   int64
	SourceURL      string
	ExpectedDigest string
	DeclaredSize   int64
	ContainerKind  ContainerKind
	State          JobState
	LocalPath      string
	RetryCount     int
	Unverified     bool
	CreatedAt      string
}

// RetryStatus is the state of a deferred package awaiting upstream availability.
type RetryStatus string

const (
	RetryPending     RetryStatus = "pending"
	RetryUnavailable RetryStatus = "unavailable"
)

// MaxRetryAttempts caps how many sweep cycles a deferred package is rechecked
// before it becomes terminally unavailable.
const MaxRetryAttempts = 3

// RetryableRequest marks a package whose source has no downloadable artifact yet.
type RetryableRequest struct {
	PackageID    string
	AttemptCount int
	Status       RetryStatus
	CheckedAt    string
}

// JobRepository persists DownloadJob rows keyed by package id.
type JobRepository interface {
	// Create retires any existing row for the package and inserts a fresh
	// queued row with a newly allocated monotonic session token.
	Create(ctx context.Context, packageID string) (*DownloadJob, error)

	// CurrentToken atomically reads the session token owning the package.
	// Returns ErrNotFound when no row exists.
	CurrentToken(ctx context.Context, packageID string) (int64, error)

	Get(ctx context.Context, packageID string) (*DownloadJob, error)
	List(ctx context.Context) ([]DownloadJob, error)

	// UpdateState transitions the row only if it still belongs to token.
	// Returns ErrSuperseded on token mismatch.
	UpdateState(ctx context.Context, packageID string, token int64, state JobState) error

	// SetSource records the resolved download location on the row owned by token.
	SetSource(ctx context.Context, packageID string, token int64, url, digest string, size int64, kind ContainerKind) error

	// SetLocalPath records where the artifact landed on disk.
	SetLocalPath(ctx context.Context, packageID string, token int64, path string) error

	// SetUnverified flags the row as installed without digest verification.
	SetUnverified(ctx context.Context, packageID string, token int64) error

	// Delete removes the row only if it still belongs to token.
	Delete(ctx context.Context, packageID string, token int64) error
}

// RetryRepository persists deferred packages for the periodic sweep.
type RetryRepository interface {
	Upsert(ctx context.Context, packageID string) error

	// Get returns the deferred record for a package, or ErrNotFound.
	Get(ctx context.Context, packageID string) (*RetryableRequest, error)

	ListPending(ctx context.Context) ([]RetryableRequest, error)

	// IncrementAttempt bumps the attempt count and flips the status to
	// unavailable once the cap is reached. Returns the updated record.
	IncrementAttempt(ctx context.Context, packageID string) (*RetryableRequest, error)

	Delete(ctx context.Context, packageID string) error
}
