package session

import (
	"errors"
	"fmt"
)

// ErrCancelled indicates the caller's cancellation signal stopped the
// session between commands. No reboot is attempted; the device stays in
// bootloader mode and the operation is safe to retry.
var ErrCancelled = errors.New("session cancelled")

// AccessDeniedError indicates exclusive access could not be claimed within
// the retry budget, usually because another client holds the device.
type AccessDeniedError struct {
	Attempts int
	Err      error
}

func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("exclusive access denied after %d attempts: %v", e.Attempts, e.Err)
}

func (e *AccessDeniedError) Unwrap() error {
	return e.Err
}

// ProtocolDesyncError indicates a status response carried a token that does
// not match the command it should acknowledge. The session can no longer
// trust any response and must be abandoned.
type ProtocolDesyncError struct {
	Sent     uint32
	Received uint32
}

func (e *ProtocolDesyncError) Error() string {
	return fmt.Sprintf("protocol desync: sent token %d, response echoed %d", e.Sent, e.Received)
}

// EraseFailedError indicates a FLASH_ERASE failed for a sector. No writes
// are issued after a failed erase.
type EraseFailedError struct {
	Sector uint32
	Err    error
}

func (e *EraseFailedError) Error() string {
	return fmt.Sprintf("erase failed for sector 0x%08X: %v", e.Sector, e.Err)
}

func (e *EraseFailedError) Unwrap() error {
	return e.Err
}
