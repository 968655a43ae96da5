// Package listener defines the adapter contract every protocol-specific
// input implements (spec §4.10), plus two concrete adapters: a lossy UDP
// syslog listener and a pull-style file tailer. Both are grounded on the
// parsing shapes of original_source/edge_node/app/inputs/syslog_server.py
// and file_tailer.py, re-expressed as Go structs feeding the shared
// envelope/spool pipeline instead of Python's asyncio protocols.
package listener

import (
	"context"
	"time"

	"github.com/edgebot/edgebot/internal/envelope"
	"github.com/edgebot/edgebot/internal/spool"
)

// EnqueueFunc hands an envelope to the spool with backpressure (spec
// §4.10): it returns spool.ErrCapacityExceeded when the spool is full,
// and the listener decides how to react (drop+count for lossy sources,
// backoff for pull sources).
type EnqueueFunc func(*envelope.Envelope) error

// Listener is the shared contract every input adapter implements
// (spec §4.10: start/stop/healthy/name).
type Listener interface {
	Name() string
	// Start blocks, feeding envelopes to enqueue, until ctx is cancelled
	// or a fatal error occurs. It must never block forever on enqueue.
	Start(ctx context.Context, enqueue EnqueueFunc) error
	// Stop requests a clean shutdown; Start should return soon after.
	Stop()
	Healthy() bool
}

// NewEnqueueFunc adapts a *spool.Spool into an EnqueueFunc, normalizing
// each envelope first (spec §3.2 Normalize) so every listener gets clock
// skew clamping and payload truncation for free.
func NewEnqueueFunc(sp *spool.Spool, skewBound time.Duration, encode func(map[string]any) ([]byte, error), onClamp func()) EnqueueFunc {
	return func(env *envelope.Envelope) error {
		clamp, err := envelope.Normalize(env, skewBound, encode)
		if err != nil {
			return err
		}
		if clamp.Clamped && onClamp != nil {
			onClamp()
		}
		_, err = sp.Enqueue(env)
		return err
	}
}
