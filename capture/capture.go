/*
Package capture provides the shared types of the AF_PACKET ring buffer capture
implementation: traffic statistics counters, the error taxonomy used across all
packages and the sentinel errors signalling capture state transitions.
*/
package capture

import "errors"

var (

	// ErrCaptureStopped denotes that the capture was stopped
	ErrCaptureStopped = errors.New("capture was stopped")

	// ErrCaptureUnblocked denotes that a blocking wait for the next ring buffer
	// block was interrupted via Unblock()
	ErrCaptureUnblocked = errors.New("capture was released / unblocked")

	// ErrWouldBlock denotes that no ring buffer block became available within
	// the configured poll timeout
	ErrWouldBlock = errors.New("no data available within poll timeout")

	// ErrCaptureBroken denotes that the underlying socket became invalid during
	// capture (most likely because the interface was removed); the caller has
	// to decide whether to reopen the capture
	ErrCaptureBroken = errors.New("capture socket invalid (interface removed?)")
)

// Stats denotes a packet capture stats structure providing basic counters. The
// underlying kernel counters are cleared on every read, so each Stats instance
// covers the interval since the previous query (callers requiring cumulative
// totals accumulate the deltas themselves)
type Stats struct {
	PacketsReceived int
	PacketsDropped  int
	QueueFreezes    int
}

// Add accumulates the counters of another snapshot (convenience for callers
// tracking cumulative totals across queries)
func (s *Stats) Add(delta Stats) {
	s.PacketsReceived += delta.PacketsReceived
	s.PacketsDropped += delta.PacketsDropped
	s.QueueFreezes += delta.QueueFreezes
}
