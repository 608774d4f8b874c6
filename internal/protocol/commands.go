package protocol

// PICOBOOT command IDs. Commands with the high bit set move data from the
// device to the host during their data phase.
const (
	CmdExclusiveAccess = 0x01
	CmdReboot          = 0x02
	CmdFlashErase      = 0x03
	CmdRead            = 0x04 | DirDeviceToHost
	CmdWrite           = 0x05
	CmdExitXIP         = 0x06
	CmdEnterCmdXIP     = 0x07
)

// DirDeviceToHost marks a command whose data phase is an IN transfer.
const DirDeviceToHost = 0x80

// Frame layout
const (
	CommandMagic = 0x431FD10B
	CommandSize  = 32 // fixed size of an encoded command frame
	StatusSize   = 16 // fixed size of a status response
	ArgsSize     = 16 // args area inside a command frame
)

// Exclusive access modes (EXCLUSIVE_ACCESS args[0]).
const (
	AccessNone           = 0x00
	AccessExclusive      = 0x01
	AccessExclusiveEject = 0x02
)

// CommandName returns a human-readable name for a command ID.
func CommandName(id byte) string {
	switch id {
	case CmdExclusiveAccess:
		return "EXCLUSIVE_ACCESS"
	case CmdReboot:
		return "REBOOT"
	case CmdFlashErase:
		return "FLASH_ERASE"
	case CmdRead:
		return "READ"
	case CmdWrite:
		return "WRITE"
	case CmdExitXIP:
		return "EXIT_XIP"
	case CmdEnterCmdXIP:
		return "ENTER_CMD_XIP"
	default:
		return "UNKNOWN"
	}
}

// Status codes reported by the bootloader in a status response.
const (
	StatusOK                      = 0
	StatusUnknownCmd              = 1
	StatusInvalidCmdLength        = 2
	StatusInvalidTransferLength   = 3
	StatusInvalidAddress          = 4
	StatusBadAlignment            = 5
	StatusInterleavedWrite        = 6
	StatusRebooting               = 7
	StatusUnknownError            = 8
	StatusInvalidState            = 9
	StatusNotPermitted            = 10
	StatusInvalidArg              = 11
	StatusBufferTooSmall          = 12
	StatusPreconditionNotMet      = 13
	StatusModifiedData            = 14
	StatusInvalidData             = 15
	StatusNotFound                = 16
	StatusUnsupportedModification = 17
)

// StatusMessage returns a human-readable message for a status code.
func StatusMessage(code uint32) string {
	switch code {
	case StatusOK:
		return "ok"
	case StatusUnknownCmd:
		return "unknown command"
	case StatusInvalidCmdLength:
		return "invalid command length"
	case StatusInvalidTransferLength:
		return "invalid transfer length"
	case StatusInvalidAddress:
		return "invalid address"
	case StatusBadAlignment:
		return "bad alignment"
	case StatusInterleavedWrite:
		return "interleaved write"
	case StatusRebooting:
		return "rebooting"
	case StatusUnknownError:
		return "unknown error"
	case StatusInvalidState:
		return "invalid state"
	case StatusNotPermitted:
		return "not permitted"
	case StatusInvalidArg:
		return "invalid argument"
	case StatusBufferTooSmall:
		return "buffer too small"
	case StatusPreconditionNotMet:
		return "precondition not met"
	case StatusModifiedData:
		return "modified data"
	case StatusInvalidData:
		return "invalid data"
	case StatusNotFound:
		return "not found"
	case StatusUnsupportedModification:
		return "unsupported modification"
	default:
		return "unrecognized status"
	}
}
