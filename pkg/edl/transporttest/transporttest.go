// Package transporttest provides a scripted, in-memory transport.Transport
// used by the Sahara/Firehose/connection test suites to simulate a device
// without real hardware. It is grounded on the chunked send/ack bookkeeping
// style of the onboarding FSIM payload reference
// (other_examples/f6280a1b_bkgoodman-go-fdo__fsim-payload_owner.go): a
// queue of outbound frames, and hooks to react to writes with scripted
// replies.
package transporttest

import (
	"bytes"
	"context"
	"sync"
	"time"

	"qdl/pkg/edl"
	"qdl/pkg/edl/transport"
)

// OnWrite is invoked synchronously after every WriteAll, with the bytes
// that were written. It may call Push to queue a scripted reply.
type OnWrite func(t *Transport, data []byte)

// OnOpen is invoked synchronously at the end of every Open call. It models
// a device becoming readable again after a close/reopen cycle (e.g. the
// Sahara-to-Firehose transport handoff).
type OnOpen func(t *Transport, opts transport.OpenOptions)

// Transport is a fake transport.Transport backed by an in-memory inbound
// queue and a write log.
type Transport struct {
	mu       sync.Mutex
	inbound  bytes.Buffer
	writes   [][]byte
	open     bool
	present  bool
	disc     chan struct{}
	discOnce sync.Once
	OnWrite  OnWrite
	OnOpen   OnOpen

	// PollInterval controls how often Read re-checks the inbound buffer
	// while waiting. Defaults to 200us if zero.
	PollInterval time.Duration
}

// New returns a Transport that is not yet open.
func New() *Transport {
	return &Transport{present: true, disc: make(chan struct{})}
}

func (t *Transport) Open(ctx context.Context, opts transport.OpenOptions) error {
	t.mu.Lock()
	if opts.DiscardOnOpen {
		t.inbound.Reset()
	}
	t.open = true
	hook := t.OnOpen
	t.mu.Unlock()

	if hook != nil {
		hook(t, opts)
	}
	return nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.open = false
	return nil
}

func (t *Transport) Read(ctx context.Context, buf []byte, timeout time.Duration) (int, error) {
	poll := t.PollInterval
	if poll == 0 {
		poll = 200 * time.Microsecond
	}
	deadline := time.Now().Add(timeout)
	for {
		t.mu.Lock()
		if t.inbound.Len() > 0 {
			n, _ := t.inbound.Read(buf)
			t.mu.Unlock()
			return n, nil
		}
		notPresent := !t.present
		t.mu.Unlock()

		if notPresent {
			return 0, &edl.Error{Kind: edl.KindTransport, Op: "transporttest.Read"}
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(poll):
		}
		if time.Now().After(deadline) {
			return 0, &edl.Error{Kind: edl.KindTimeout, Op: "transporttest.Read"}
		}
	}
}

func (t *Transport) WriteAll(ctx context.Context, buf []byte) error {
	t.mu.Lock()
	if !t.present {
		t.mu.Unlock()
		return &edl.Error{Kind: edl.KindTransport, Op: "transporttest.WriteAll"}
	}
	cp := make([]byte, len(buf))
	copy(cp, buf)
	t.writes = append(t.writes, cp)
	hook := t.OnWrite
	t.mu.Unlock()

	if hook != nil {
		hook(t, cp)
	}
	return nil
}

func (t *Transport) DiscardInput() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inbound.Reset()
	return nil
}

func (t *Transport) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open
}

func (t *Transport) IsPresent() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.present
}

func (t *Transport) Probe(ctx context.Context) error {
	if !t.IsPresent() {
		return &edl.Error{Kind: edl.KindTransport, Op: "transporttest.Probe"}
	}
	return nil
}

func (t *Transport) Disconnected() <-chan struct{} {
	return t.disc
}

// Push appends bytes to the inbound queue, simulating the device sending
// data.
func (t *Transport) Push(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inbound.Write(data)
}

// Writes returns a copy of every frame written so far, in order.
func (t *Transport) Writes() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.writes))
	copy(out, t.writes)
	return out
}

// LastWrite returns the most recent write, or nil if none occurred.
func (t *Transport) LastWrite() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.writes) == 0 {
		return nil
	}
	return t.writes[len(t.writes)-1]
}

// SimulateDisconnect marks the endpoint as no longer present and fires the
// disconnect signal exactly once.
func (t *Transport) SimulateDisconnect() {
	t.mu.Lock()
	t.present = false
	t.mu.Unlock()
	t.discOnce.Do(func() { close(t.disc) })
}

var _ transport.Transport = (*Transport)(nil)
var _ transport.DisconnectSignal = (*Transport)(nil)
