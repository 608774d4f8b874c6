package protocol

// RP2040 BOOTSEL USB identity.
const (
	VendorID  = 0x2E8A
	ProductID = 0x0003
)

// RP2040 flash geometry and reboot defaults.
const (
	FlashStart = 0x10000000 // XIP flash base address
	PageSize   = 0x100      // write granularity and max per-command payload
	SectorSize = 0x1000     // erase granularity

	// MaxTransferSize caps the transfer length a single command may declare.
	MaxTransferSize = SectorSize

	StackPointer  = 0x20042000 // top of SRAM, used as SP for reboot
	RebootDelayMs = 500
)
