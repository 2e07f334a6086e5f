// Package platform holds the host adapters for the app ports: the secure
// storage capability check here and device-credential authentication in
// the terminal subpackage.
package platform

import (
	"context"
	"log/slog"

	"github.com/haukened/biogate/internal/domain"
)

// Probe verifies that secure storage is reachable, e.g. (*sql.DB).PingContext.
type Probe func(ctx context.Context) error

// Capability reports Supported only when secure storage is enabled and the
// probe succeeds.
type Capability struct {
	enabled bool
	probe   Probe
	log     *slog.Logger
}

// NewCapability returns a capability provider. probe may be nil.
func NewCapability(enabled bool, probe Probe, logger *slog.Logger) *Capability {
	if logger == nil {
		logger = slog.Default()
	}
	return &Capability{enabled: enabled, probe: probe, log: logger.With("domain", "platform")}
}

// Capability implements app.CapabilityProvider and keystore.CapabilityProvider.
func (c *Capability) Capability(ctx context.Context) domain.CapabilityStatus {
	if !c.enabled {
		return domain.Unsupported
	}
	if c.probe != nil {
		if err := c.probe(ctx); err != nil {
			c.log.Warn("secure storage probe failed", "error", err)
			return domain.Unsupported
		}
	}
	return domain.Supported
}
