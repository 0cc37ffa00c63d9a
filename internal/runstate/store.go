package runstate

import (
	"context"
	"time"

	"github.com/enduid/enduid-server/internal/model"
)

// Store persists the marker of the in-flight check-in run. At most one
// marker exists at a time.
type Store interface {
	// Acquire records state as the running batch. It fails with
	// ALREADY_RUNNING when a live marker exists; a stale marker is replaced.
	Acquire(ctx context.Context, state model.RunState) error
	// Get returns the current marker or nil when idle.
	Get(ctx context.Context) (*model.RunState, error)
	// Progress updates the counters of the current marker. It is a no-op when
	// no marker exists.
	Progress(ctx context.Context, total, completed int, now time.Time) error
	Clear(ctx context.Context) error
}
