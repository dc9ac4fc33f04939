package catalog

import (
	"context"

	"github.com/braxtechnologies/appstation/internal/store"
)

// Outcome classifies a resolution attempt.
type Outcome int

const (
	// Ready means the artifact can be downloaded now.
	Ready Outcome = iota
	// Deferred means the source must fetch the artifact from upstream first;
	// retry later rather than fail.
	Deferred
	// Failed means the package cannot be resolved at all.
	Failed
)

// Resolution is the result of asking the catalog where a package's artifact lives.
type Resolution struct {
	Outcome       Outcome
	URL           string
	Digest        string // lowercase hex sha256, empty when the catalog declares none
	Size          int64
	ContainerKind store.ContainerKind
	Message       string // human-readable reason when Outcome == Failed
}

// Resolver asks the remote catalog for a package's download location.
// Resolution may legitimately take minutes when the source has to pull the
// artifact from upstream.
type Resolver interface {
	ResolveDownload(ctx context.Context, packageID, versionHint string) (*Resolution, error)
}
