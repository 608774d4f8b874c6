package flasher

import (
	"errors"
	"fmt"
)

// ErrAlreadyInUse indicates a flash operation is already running on this
// device. Interleaving bulk transfers on one interface would corrupt the
// command framing, so a second operation fails fast instead.
var ErrAlreadyInUse = errors.New("device already in use by another flash operation")

// VerificationMismatchError indicates readback returned different bytes
// than were written.
type VerificationMismatchError struct {
	Address uint32
	Want    byte
	Got     byte
}

func (e *VerificationMismatchError) Error() string {
	return fmt.Sprintf("verification mismatch at 0x%08X: wrote 0x%02X, read 0x%02X",
		e.Address, e.Want, e.Got)
}
