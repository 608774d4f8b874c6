// Package transport abstracts the USB capability the protocol engine needs:
// open a device by VID/PID, claim its vendor interface, and move bytes over
// bulk endpoints with a timeout.
package transport

import (
	"errors"
	"fmt"
	"time"
)

// Device is a claimed bootloader interface. The protocol session owns the
// device exclusively for the duration of a flashing operation.
type Device interface {
	// BulkWrite sends p on the OUT endpoint. It returns the number of bytes
	// accepted by the device.
	BulkWrite(p []byte, timeout time.Duration) (int, error)

	// BulkRead fills p from the IN endpoint. It returns the number of bytes
	// received, which may be less than len(p).
	BulkRead(p []byte, timeout time.Duration) (int, error)

	Close() error
}

// ErrDeviceNotFound is returned by Open when no matching device is on the bus.
var ErrDeviceNotFound = errors.New("no device in BOOTSEL mode found")

// ErrInterfaceUnavailable is returned by Open when a matching device exists
// but its bootloader interface cannot be claimed.
var ErrInterfaceUnavailable = errors.New("bootloader interface unavailable")

// TransferError wraps a failed bulk transfer with its classification.
type TransferError struct {
	Op         string
	Timeout    bool
	Disconnect bool
	Err        error
}

func (e *TransferError) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("%s: transfer timed out: %v", e.Op, e.Err)
	case e.Disconnect:
		return fmt.Sprintf("%s: device disconnected: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: transfer failed: %v", e.Op, e.Err)
	}
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// IsTimeout reports whether err is a bulk transfer timeout.
func IsTimeout(err error) bool {
	var te *TransferError
	return errors.As(err, &te) && te.Timeout
}

// IsDisconnect reports whether err indicates the device dropped off the bus.
// After a REBOOT command this is the expected outcome, not a failure.
func IsDisconnect(err error) bool {
	var te *TransferError
	return errors.As(err, &te) && te.Disconnect
}
