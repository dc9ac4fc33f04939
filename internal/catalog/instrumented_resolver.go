package catalog

import (
	"context"

	"github.com/braxtechnologies/appstation/internal/telemetry"
)

// InstrumentedResolver wraps a Resolver with telemetry.
type InstrumentedResolver struct {
	resolver  Resolver
	telemetry *telemetry.Telemetry
}

func NewInstrumentedResolver(resolver Resolver, tel *telemetry.Telemetry) *InstrumentedResolver {
	return &InstrumentedResolver{resolver: resolver, telemetry: tel}
}

// ResolveDownload resolves a package's download location with telemetry.
func (c *InstrumentedResolver) ResolveDownload(ctx context.Context, packageID, versionHint string) (*Resolution, error) {
	var res *Resolution

	instrumentedErr := c.telemetry.InstrumentClientOperation(ctx, "catalog", "resolve_download", func(ctx context.Context) error {
		var err error
		res, err = c.resolver.ResolveDownload(ctx, packageID, versionHint)

		return err
	})

	return res, instrumentedErr
}
