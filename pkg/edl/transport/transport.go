// Package transport defines the abstract byte-stream contract (spec.md
// §4.A) consumed by the Sahara and Firehose clients. Endpoint enumeration,
// the concrete USB/serial backend, and logging sinks are external
// collaborators and live outside this package (internal/transport/usb for
// the real backend, transporttest for fixtures).
package transport

import (
	"context"
	"time"
)

// OpenOptions configures how a Transport is opened. Sahara mode must
// preserve the device's unsolicited hello; Firehose mode starts clean
// (spec.md §4.A).
type OpenOptions struct {
	Endpoint      string
	OpenTimeout   time.Duration
	DiscardOnOpen bool
}

// Transport is the abstract full-duplex byte stream consumed by the Sahara
// and Firehose clients. Implementations must be safe to use from a single
// goroutine at a time; the engine never issues concurrent operations
// against one Transport (spec.md §5).
type Transport interface {
	// Open establishes the connection. Must be idempotent if already open.
	Open(ctx context.Context, opts OpenOptions) error

	// Close tears down the connection. Idempotent; must not fail.
	Close() error

	// Read blocks for up to timeout waiting for data, returning the number
	// of bytes read into buf. A timeout with no data returns
	// (0, context.DeadlineExceeded) or an equivalent timeout error.
	Read(ctx context.Context, buf []byte, timeout time.Duration) (int, error)

	// WriteAll writes buf in its entirety, blocking until done or the
	// context is cancelled.
	WriteAll(ctx context.Context, buf []byte) error

	// DiscardInput drops any buffered unread input.
	DiscardInput() error

	// IsOpen reports whether Open has succeeded and Close has not since
	// been called.
	IsOpen() bool

	// IsPresent reports whether the OS still enumerates this endpoint, used
	// to distinguish a clean Close from an unsolicited device disappearance.
	IsPresent() bool

	// Probe performs a lightweight liveness check without disturbing
	// protocol framing.
	Probe(ctx context.Context) error
}

// DisconnectSignal is implemented by transports that can report an
// unsolicited disconnection asynchronously (e.g. USB device removal)
// in addition to the synchronous IsPresent/Probe checks.
type DisconnectSignal interface {
	// Disconnected returns a channel that is closed exactly once when the
	// underlying endpoint vanishes without Close having been called.
	Disconnected() <-chan struct{}
}
