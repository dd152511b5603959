//go:build !mips && !mipsle

package usb

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

// Exercises pure decision logic only — opening a real gousb.Context needs
// libusb and actual hardware, which this package's other methods are a thin
// wrapper around and cannot be unit tested without a device attached.

func TestIsDisconnectErrRecognizesKnownMessages(t *testing.T) {
	d := New(0x05C6, 0x9008)

	assert.True(t, d.isDisconnectErr(errors.New("libusb: no such device")))
	assert.True(t, d.isDisconnectErr(errors.New("transfer failed: device has been removed")))
	assert.False(t, d.isDisconnectErr(errors.New("timeout")))
	assert.False(t, d.isDisconnectErr(nil))
}

func TestNewStoresVIDPID(t *testing.T) {
	d := New(0x05C6, 0x9008)
	assert.Equal(t, uint16(0x05C6), uint16(d.vid))
	assert.Equal(t, uint16(0x9008), uint16(d.pid))
	assert.False(t, d.IsOpen())
}
