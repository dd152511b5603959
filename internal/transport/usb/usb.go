//go:build !mips && !mipsle

// Package usb implements pkg/edl/transport.Transport over a direct USB bulk
// connection to a device sitting in Sahara/Firehose mode, bypassing any
// kernel serial driver (spec.md §4.A).
package usb

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gousb"

	"qdl/pkg/edl/transport"
)

// Device opens an EDL target over USB bulk endpoints. The zero value is not
// usable; construct with New.
type Device struct {
	vid, pid gousb.ID

	mu     sync.Mutex
	ctx    *gousb.Context
	dev    *gousb.Device
	config *gousb.Config
	intf   *gousb.Interface
	epOut  *gousb.OutEndpoint
	epIn   *gousb.InEndpoint

	open       atomic.Bool
	disconnect chan struct{}
	watchOnce  sync.Once
}

// New constructs a Device targeting the given VID:PID, e.g. Qualcomm's
// Sahara-mode pair 0x05C6:0x9008.
func New(vid, pid uint16) *Device {
	return &Device{vid: gousb.ID(vid), pid: gousb.ID(pid)}
}

var _ transport.Transport = (*Device)(nil)
var _ transport.DisconnectSignal = (*Device)(nil)

// Open claims the USB interface and endpoints. It mirrors the
// open-config-claim-endpoints sequence, unwinding cleanly on any failure.
func (d *Device) Open(ctx context.Context, opts transport.OpenOptions) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.open.Load() {
		return nil
	}

	gctx := gousb.NewContext()

	dev, err := gctx.OpenDeviceWithVIDPID(d.vid, d.pid)
	if err != nil {
		gctx.Close()
		return fmt.Errorf("usb: open device: %w", err)
	}
	if dev == nil {
		gctx.Close()
		return fmt.Errorf("usb: device not found (VID:0x%04x PID:0x%04x)", d.vid, d.pid)
	}

	cfg, err := dev.Config(1)
	if err != nil {
		dev.Close()
		gctx.Close()
		return fmt.Errorf("usb: set config: %w", err)
	}

	intf, err := cfg.Interface(0, 0)
	if err != nil {
		cfg.Close()
		dev.Close()
		gctx.Close()
		return fmt.Errorf("usb: claim interface: %w", err)
	}

	epOut, err := intf.OutEndpoint(1)
	if err != nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		gctx.Close()
		return fmt.Errorf("usb: open OUT endpoint: %w", err)
	}
	epIn, err := intf.InEndpoint(1 | 0x80)
	if err != nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		gctx.Close()
		return fmt.Errorf("usb: open IN endpoint: %w", err)
	}

	d.ctx, d.dev, d.config, d.intf, d.epOut, d.epIn = gctx, dev, cfg, intf, epOut, epIn
	d.open.Store(true)
	d.disconnect = make(chan struct{})
	d.watchOnce = sync.Once{}

	if opts.DiscardOnOpen {
		_ = d.discardInputLocked()
	}
	return nil
}

// Close releases the interface, config, device and context, in that order.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open.Load() {
		return nil
	}
	d.open.Store(false)
	if d.intf != nil {
		d.intf.Close()
	}
	if d.config != nil {
		d.config.Close()
	}
	if d.dev != nil {
		d.dev.Close()
	}
	if d.ctx != nil {
		d.ctx.Close()
	}
	return nil
}

// Read performs a single bulk IN transfer with the given timeout.
func (d *Device) Read(ctx context.Context, buf []byte, timeout time.Duration) (int, error) {
	d.mu.Lock()
	ep := d.epIn
	d.mu.Unlock()
	if ep == nil {
		return 0, fmt.Errorf("usb: not open")
	}

	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	n, err := ep.ReadContext(rctx, buf)
	if err != nil {
		if d.isDisconnectErr(err) {
			d.signalDisconnect()
		}
		return n, err
	}
	return n, nil
}

// WriteAll performs bulk OUT transfers until all of data has been written.
func (d *Device) WriteAll(ctx context.Context, data []byte) error {
	d.mu.Lock()
	ep := d.epOut
	d.mu.Unlock()
	if ep == nil {
		return fmt.Errorf("usb: not open")
	}

	for len(data) > 0 {
		n, err := ep.WriteContext(ctx, data)
		if err != nil {
			if d.isDisconnectErr(err) {
				d.signalDisconnect()
			}
			return err
		}
		data = data[n:]
	}
	return nil
}

// DiscardInput drains any bytes sitting in the IN endpoint's buffer.
func (d *Device) DiscardInput() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.discardInputLocked()
}

func (d *Device) discardInputLocked() error {
	if d.epIn == nil {
		return nil
	}
	buf := make([]byte, 4096)
	for {
		rctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		n, err := d.epIn.ReadContext(rctx, buf)
		cancel()
		if n == 0 || err != nil {
			return nil
		}
	}
}

// IsOpen reports whether the device is currently claimed.
func (d *Device) IsOpen() bool { return d.open.Load() }

// IsPresent reports whether a matching VID:PID device is enumerated, without
// claiming it.
func (d *Device) IsPresent() bool {
	gctx := gousb.NewContext()
	defer gctx.Close()
	dev, err := gctx.OpenDeviceWithVIDPID(d.vid, d.pid)
	if err != nil || dev == nil {
		return false
	}
	dev.Close()
	return true
}

// Probe opens and immediately closes the device to confirm it responds.
func (d *Device) Probe(ctx context.Context) error {
	if d.IsOpen() {
		return nil
	}
	if err := d.Open(ctx, transport.OpenOptions{}); err != nil {
		return err
	}
	return d.Close()
}

// Disconnected returns a channel closed once the device is detected gone.
func (d *Device) Disconnected() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.disconnect == nil {
		d.disconnect = make(chan struct{})
	}
	return d.disconnect
}

func (d *Device) signalDisconnect() {
	d.watchOnce.Do(func() {
		d.mu.Lock()
		ch := d.disconnect
		d.mu.Unlock()
		if ch != nil {
			select {
			case <-ch:
			default:
				close(ch)
			}
		}
	})
}

func (d *Device) isDisconnectErr(err error) bool {
	// gousb surfaces a removed device as a libusb "no device" / "device
	// disconnected" transfer error; string matching is the best signal the
	// library exposes without going through libusb's raw error codes.
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, sub := range []string{"no such device", "device not found", "device disconnected", "device has been removed"} {
		if strings.Contains(msg, sub) {
			return true
		}
	}
	return false
}
