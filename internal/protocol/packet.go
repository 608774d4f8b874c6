package protocol

import (
	"encoding/binary"
)

// Command represents a PICOBOOT command frame before encoding.
//
// Token correlation is owned by the session layer: the codec encodes whatever
// token it is given and never checks that a response token matches.
type Command struct {
	ID          byte
	Token       uint32
	TransferLen uint32
	Args        [ArgsSize]byte
	argsLen     byte
}

// Status represents a decoded PICOBOOT status response.
type Status struct {
	Token      uint32
	Code       uint32
	CommandID  byte
	InProgress bool
}

// NewExclusiveAccess builds an EXCLUSIVE_ACCESS command with the given mode
// (AccessNone, AccessExclusive or AccessExclusiveEject).
func NewExclusiveAccess(mode byte) *Command {
	c := &Command{ID: CmdExclusiveAccess, argsLen: 1}
	c.Args[0] = mode
	return c
}

// NewFlashErase builds a FLASH_ERASE command for [addr, addr+size).
func NewFlashErase(addr, size uint32) *Command {
	return rangeCommand(CmdFlashErase, addr, size, 0)
}

// NewWrite builds a WRITE command whose data phase carries size payload bytes.
func NewWrite(addr, size uint32) *Command {
	return rangeCommand(CmdWrite, addr, size, size)
}

// NewRead builds a READ command whose data phase returns size bytes.
func NewRead(addr, size uint32) *Command {
	return rangeCommand(CmdRead, addr, size, size)
}

// NewExitXIP builds an EXIT_XIP command. Flash erase and write require the
// XIP cache to be exited first.
func NewExitXIP() *Command {
	return &Command{ID: CmdExitXIP}
}

// NewEnterCmdXIP builds an ENTER_CMD_XIP command.
func NewEnterCmdXIP() *Command {
	return &Command{ID: CmdEnterCmdXIP}
}

// NewReboot builds a REBOOT command with the given program counter, stack
// pointer and delay in milliseconds. pc=0 means boot the flash image normally.
func NewReboot(pc, sp, delayMs uint32) *Command {
	c := &Command{ID: CmdReboot, argsLen: 12}
	binary.LittleEndian.PutUint32(c.Args[0:4], pc)
	binary.LittleEndian.PutUint32(c.Args[4:8], sp)
	binary.LittleEndian.PutUint32(c.Args[8:12], delayMs)
	return c
}

func rangeCommand(id byte, addr, size, transferLen uint32) *Command {
	c := &Command{ID: id, TransferLen: transferLen, argsLen: 8}
	binary.LittleEndian.PutUint32(c.Args[0:4], addr)
	binary.LittleEndian.PutUint32(c.Args[4:8], size)
	return c
}

// Encode serializes the command into a fixed 32-byte frame.
//
// Frame format (little-endian):
//
//	 0-3:  magic
//	 4-7:  token
//	 8:    command ID
//	 9:    args size
//	10-11: reserved
//	12-15: transfer length
//	16-31: args
//
// Encode is pure: it performs no I/O and does not mutate the command.
func (c *Command) Encode() ([]byte, error) {
	if c.TransferLen > MaxTransferSize {
		return nil, &ArgumentOutOfRangeError{
			Command: c.ID,
			Field:   "transfer length",
			Value:   c.TransferLen,
			Max:     MaxTransferSize,
		}
	}

	frame := make([]byte, CommandSize)
	binary.LittleEndian.PutUint32(frame[0:4], CommandMagic)
	binary.LittleEndian.PutUint32(frame[4:8], c.Token)
	frame[8] = c.ID
	frame[9] = c.argsLen
	// frame[10:12] reserved, left zero
	binary.LittleEndian.PutUint32(frame[12:16], c.TransferLen)
	copy(frame[16:], c.Args[:])

	return frame, nil
}

// ExpectsDataIn reports whether the command's data phase is an IN transfer.
func (c *Command) ExpectsDataIn() bool {
	return c.ID&DirDeviceToHost != 0
}

// DecodeStatus parses a fixed 16-byte status response.
//
// Format (little-endian): token u32, status code u32, command ID u8,
// in-progress u8, 6 reserved bytes.
func DecodeStatus(data []byte) (*Status, error) {
	if len(data) != StatusSize {
		return nil, &MalformedResponseError{Length: len(data)}
	}

	return &Status{
		Token:      binary.LittleEndian.Uint32(data[0:4]),
		Code:       binary.LittleEndian.Uint32(data[4:8]),
		CommandID:  data[8],
		InProgress: data[9] != 0,
	}, nil
}

// OK reports whether the status indicates success.
func (s *Status) OK() bool {
	return s.Code == StatusOK
}

// Err returns a StatusError for a failed status, or nil on success.
func (s *Status) Err() error {
	if s.OK() {
		return nil
	}
	return &StatusError{CommandID: s.CommandID, Code: s.Code}
}
