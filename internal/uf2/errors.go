package uf2

import (
	"fmt"
)

// MalformedContainerError indicates a structurally invalid UF2 container.
// Record is the index of the offending record, or -1 for container-level
// problems.
type MalformedContainerError struct {
	Record int
	Reason string
}

func (e *MalformedContainerError) Error() string {
	if e.Record < 0 {
		return fmt.Sprintf("malformed container: %s", e.Reason)
	}
	return fmt.Sprintf("malformed container: record %d: %s", e.Record, e.Reason)
}

// UnsupportedFamilyError indicates the container targets a different chip
// family than the RP2040.
type UnsupportedFamilyError struct {
	Family uint32
}

func (e *UnsupportedFamilyError) Error() string {
	return fmt.Sprintf("unsupported UF2 family 0x%08X, want RP2040 (0x%08X)",
		e.Family, uint32(FamilyRP2040))
}
