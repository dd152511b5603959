// Package connection implements the connection-orchestrator state machine
// (spec.md §4.G): it owns the Transport, drives Sahara and Firehose in
// sequence, and exposes the full flashing operation surface on top of
// them. Exactly one instance should own a given Transport at a time
// (spec.md §5: one outstanding operation per engine instance).
package connection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"qdl/pkg/edl"
	"qdl/pkg/edl/auth"
	"qdl/pkg/edl/firehose"
	"qdl/pkg/edl/gpt"
	"qdl/pkg/edl/sahara"
	"qdl/pkg/edl/transport"
)

// firehoseSettleDelay is the minimum pause honored between closing the
// transport after Sahara's last write and reopening it for Firehose
// (spec.md §4.G: "a brief settle delay (>= 500 ms)").
const firehoseSettleDelay = 500 * time.Millisecond

// StateChanged is emitted on every orchestrator state transition.
type StateChanged struct {
	From edl.ConnectionState
	To   edl.ConnectionState
}

// PortDisconnected is emitted when the underlying Transport reports the
// device went away mid-session.
type PortDisconnected struct{}

// Listener receives orchestrator events. Implementations must not block —
// they are invoked synchronously from whichever goroutine detected the
// event (spec.md §5: no hidden background work, but the disconnect watch
// necessarily runs on its own goroutine for the transport's lifetime).
type Listener func(event any)

// Engine is the connection orchestrator. The zero value is not usable;
// construct with New.
type Engine struct {
	mu    sync.Mutex
	state edl.ConnectionState
	chip  edl.ChipIdentity

	Storage  edl.StorageDescriptor
	GPT      *gpt.Cache
	AuthRegs *auth.Registry

	tr    transport.Transport
	sah   *sahara.Client
	fh    *firehose.Engine

	HelloTimeout   time.Duration
	FrameTimeout   time.Duration
	CommandTimeout time.Duration
	RawTimeout     time.Duration

	Summary edl.SummaryLogger
	Verbose edl.VerboseLogger

	listeners []Listener
	watchDone chan struct{}
}

// New constructs a Disconnected Engine bound to tr. tr must not yet be
// open; Engine owns Open/Close for the lifetime of the connection.
func New(tr transport.Transport) *Engine {
	return &Engine{
		state:          edl.Disconnected,
		tr:             tr,
		GPT:            gpt.NewCache(),
		AuthRegs:       auth.DefaultRegistry(),
		HelloTimeout:   10 * time.Second,
		FrameTimeout:   5 * time.Second,
		CommandTimeout: firehose.DefaultCommandTimeout,
		RawTimeout:     firehose.DefaultRawTimeout,
	}
}

// OnEvent registers a listener for StateChanged/PortDisconnected events.
func (e *Engine) OnEvent(l Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, l)
}

func (e *Engine) emit(event any) {
	e.mu.Lock()
	ls := append([]Listener(nil), e.listeners...)
	e.mu.Unlock()
	for _, l := range ls {
		l(event)
	}
}

// State returns the current connection state.
func (e *Engine) State() edl.ConnectionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Chip returns the identity captured during the Sahara hello exchange. It
// is the zero value until a Sahara handshake has completed.
func (e *Engine) Chip() edl.ChipIdentity {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.chip
}

func (e *Engine) setState(s edl.ConnectionState) {
	e.mu.Lock()
	from := e.state
	e.state = s
	e.mu.Unlock()
	if from != s {
		if e.Summary != nil {
			e.Summary("connection: %s -> %s", from, s)
		}
		e.emit(StateChanged{From: from, To: s})
	}
}

func (e *Engine) summary(format string, args ...any) {
	if e.Summary != nil {
		e.Summary(format, args...)
	}
}

// startDisconnectWatch spawns the single background goroutine this package
// runs: it blocks on the transport's disconnect signal (when supported)
// and raises PortDisconnected plus a transition to Disconnected the moment
// the device goes away. It exits when Close stops it.
func (e *Engine) startDisconnectWatch() {
	ds, ok := e.tr.(transport.DisconnectSignal)
	if !ok {
		return
	}
	done := make(chan struct{})
	e.watchDone = done
	go func() {
		select {
		case <-ds.Disconnected():
			e.setState(edl.Disconnected)
			e.emit(PortDisconnected{})
		case <-done:
		}
	}()
}

func (e *Engine) stopDisconnectWatch() {
	if e.watchDone != nil {
		close(e.watchDone)
		e.watchDone = nil
	}
}

// Connect opens the transport, uploads programmer via Sahara, and brings
// the device up into a configured Firehose session (spec.md §4.G connect).
func (e *Engine) Connect(ctx context.Context, opts transport.OpenOptions, programmer sahara.ImageSource, storageHint edl.StorageDescriptor) error {
	e.setState(edl.Connecting)
	if err := e.tr.Open(ctx, opts); err != nil {
		e.setState(edl.Error)
		return &edl.Error{Op: "connection.Connect", Kind: edl.KindTransport, Err: err}
	}
	e.startDisconnectWatch()

	e.sah = sahara.NewClient(e.tr)
	e.sah.Verbose = e.Verbose
	e.sah.Summary = e.Summary

	e.setState(edl.SaharaMode)
	hello, err := e.sah.WaitHello(ctx, e.HelloTimeout)
	if err != nil {
		e.setState(edl.Error)
		return err
	}
	e.mu.Lock()
	e.chip.TargetProtocolVer = hello.Version
	e.mu.Unlock()

	if err := e.sah.SendHelloResp(ctx, hello); err != nil {
		e.setState(edl.Error)
		return err
	}
	if err := e.sah.UploadProgrammer(ctx, programmer, e.FrameTimeout, nil); err != nil {
		e.setState(edl.Error)
		return err
	}

	// The programmer reboots the device into Firehose mode off-link; the
	// transport must be closed, given a settle delay, and reopened with its
	// initial buffer discarded rather than carrying over whatever Sahara
	// left unread (spec.md §4.G).
	e.stopDisconnectWatch()
	if err := e.tr.Close(); err != nil {
		e.setState(edl.Error)
		return &edl.Error{Op: "connection.Connect", Kind: edl.KindTransport, Err: err}
	}
	time.Sleep(firehoseSettleDelay)
	reopenOpts := opts
	reopenOpts.DiscardOnOpen = true
	if err := e.tr.Open(ctx, reopenOpts); err != nil {
		e.setState(edl.Error)
		return &edl.Error{Op: "connection.Connect", Kind: edl.KindTransport, Err: err}
	}
	e.startDisconnectWatch()

	return e.enterFirehose(ctx, storageHint)
}

// ConnectFirehoseDirect opens the transport and configures Firehose
// directly, skipping Sahara, for devices where a programmer is already
// resident (spec.md §4.G connectFirehoseDirect).
func (e *Engine) ConnectFirehoseDirect(ctx context.Context, opts transport.OpenOptions, storageHint edl.StorageDescriptor) error {
	e.setState(edl.Connecting)
	if err := e.tr.Open(ctx, opts); err != nil {
		e.setState(edl.Error)
		return &edl.Error{Op: "connection.ConnectFirehoseDirect", Kind: edl.KindTransport, Err: err}
	}
	e.startDisconnectWatch()
	return e.enterFirehose(ctx, storageHint)
}

func (e *Engine) enterFirehose(ctx context.Context, storageHint edl.StorageDescriptor) error {
	e.setState(edl.FirehoseMode)
	e.fh = firehose.NewEngine(e.tr)
	e.fh.Verbose = e.Verbose
	e.fh.Summary = e.Summary
	e.fh.CommandTimeout = e.CommandTimeout
	e.fh.RawTimeout = e.RawTimeout

	// Signature auth (spec.md §4.F) must run before configure; every other
	// strategy runs afterward via the explicit Authenticate operation.
	if strat := e.AuthRegs.Resolve(e.Chip()); strat.Mode() == edl.AuthSignature {
		if err := strat.Authenticate(ctx, e.Chip(), e.fh); err != nil {
			e.setState(edl.Error)
			return err
		}
	}

	if err := e.fh.Configure(ctx, storageHint); err != nil {
		e.setState(edl.Error)
		return err
	}
	e.mu.Lock()
	e.Storage = storageHint
	e.mu.Unlock()

	e.setState(edl.Ready)
	e.summary("connection: firehose session ready")
	return nil
}

// ResetSahara recovers a stuck Sahara loader before a programmer has been
// uploaded (spec.md §4.G resetSahara). It is only meaningful in SaharaMode.
func (e *Engine) ResetSahara(ctx context.Context, absorbTimeout, helloTimeout time.Duration) (bool, error) {
	if e.sah == nil {
		return false, &edl.Error{Op: "connection.ResetSahara", Kind: edl.KindNotConnected}
	}
	return e.sah.ResetSahara(ctx, absorbTimeout, helloTimeout)
}

// Close tears down the connection and releases the transport. It is safe
// to call more than once.
func (e *Engine) Close() error {
	e.stopDisconnectWatch()
	if e.tr.IsOpen() {
		if err := e.tr.Close(); err != nil {
			return &edl.Error{Op: "connection.Close", Kind: edl.KindTransport, Err: err}
		}
	}
	e.setState(edl.Disconnected)
	return nil
}

func (e *Engine) requireReady(op string) error {
	if e.State() != edl.Ready || e.fh == nil {
		return &edl.Error{Op: op, Kind: edl.KindNotConnected, Err: fmt.Errorf("no active firehose session")}
	}
	return nil
}
