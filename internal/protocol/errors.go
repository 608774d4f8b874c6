package protocol

import (
	"fmt"
)

// ArgumentOutOfRangeError indicates a command field exceeds the protocol's
// bound for it. The codec refuses to encode rather than silently truncate.
type ArgumentOutOfRangeError struct {
	Command byte
	Field   string
	Value   uint32
	Max     uint32
}

func (e *ArgumentOutOfRangeError) Error() string {
	return fmt.Sprintf("%s: %s %d exceeds maximum %d",
		CommandName(e.Command), e.Field, e.Value, e.Max)
}

// MalformedResponseError indicates a status response of the wrong size.
type MalformedResponseError struct {
	Length int
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed status response: %d bytes, want %d", e.Length, StatusSize)
}

// StatusError indicates the device reported a failure for a command.
type StatusError struct {
	CommandID byte
	Code      uint32
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s failed: %s (status %d)",
		CommandName(e.CommandID), StatusMessage(e.Code), e.Code)
}
