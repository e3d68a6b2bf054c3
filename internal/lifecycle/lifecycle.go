// Package lifecycle defines the Service contract every long-running
// component (HTTP server, engine tick loop, cache watcher) implements, so
// cmd/flowkeepd can start and stop them deterministically in one place.
package lifecycle

import "context"

// Service is a lifecycle-managed component, grounded on
// internal/app/system.Service (its DescriptorProvider sidecar doesn't
// apply here — nothing in this domain advertises layer/capability
// metadata).
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}
