// Package picotest provides an in-memory PICOBOOT device implementing the
// transport interface, used to exercise the protocol engine without hardware.
package picotest

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/picoflash/picoflash/internal/protocol"
	"github.com/picoflash/picoflash/internal/transport"
)

// Op is one device-visible operation, recorded in the order the device
// completed it.
type Op struct {
	Kind string // "EXCLUSIVE", "EXIT_XIP", "ERASE", "WRITE", "READ", "REBOOT"
	Addr uint32
	Size uint32
	Data []byte // WRITE payload
}

// Device simulates an RP2040 in BOOTSEL mode. Zero value is a working,
// empty device; set the fault-injection fields before use to script
// failures.
type Device struct {
	// Ops records completed operations in order.
	Ops []Op

	// Flash holds written chunks keyed by address.
	Flash map[uint32][]byte

	// DenyAccessTimes makes the first n EXCLUSIVE_ACCESS commands fail
	// with a not-permitted status.
	DenyAccessTimes int

	// TimeoutCommandTimes makes the first n command frames time out as if
	// the device never accepted them.
	TimeoutCommandTimes int

	// FailWriteDataAt fails the data phase of the n-th WRITE (1-based).
	FailWriteDataAt int

	// EraseStatus maps a sector address to a non-OK status code.
	EraseStatus map[uint32]uint32

	// BadTokenOnce corrupts the token in the next status response.
	BadTokenOnce bool

	// DisconnectOnReboot drops the connection before the REBOOT status
	// response can be read.
	DisconnectOnReboot bool

	// CorruptReadAt flips a bit in the data phase of the n-th READ
	// (1-based), simulating a miswritten flash cell.
	CorruptReadAt int

	Closed bool

	cur        *pending
	rebooted   bool
	writeCount int
	readCount  int
}

type pending struct {
	id          byte
	token       uint32
	addr        uint32
	size        uint32
	transferLen uint32
	payload     []byte
	dataSent    bool
	failData    bool
	status      uint32
}

func disconnectErr(op string) error {
	return &transport.TransferError{Op: op, Disconnect: true, Err: fmt.Errorf("no device")}
}

func timeoutErr(op string) error {
	return &transport.TransferError{Op: op, Timeout: true, Err: fmt.Errorf("timeout")}
}

// BulkWrite accepts a command frame or a WRITE data phase.
func (d *Device) BulkWrite(p []byte, timeout time.Duration) (int, error) {
	if d.rebooted {
		return 0, disconnectErr("bulk write")
	}

	// Data phase of a pending WRITE.
	if d.cur != nil && d.cur.id == protocol.CmdWrite && len(d.cur.payload) < int(d.cur.transferLen) {
		if d.cur.failData {
			d.cur = nil
			return 0, &transport.TransferError{Op: "bulk write", Err: fmt.Errorf("stall")}
		}
		d.cur.payload = append(d.cur.payload, p...)
		if len(d.cur.payload) > int(d.cur.transferLen) {
			return 0, fmt.Errorf("data phase overran declared transfer length")
		}
		if len(d.cur.payload) == int(d.cur.transferLen) {
			data := make([]byte, len(d.cur.payload))
			copy(data, d.cur.payload)
			if d.Flash == nil {
				d.Flash = make(map[uint32][]byte)
			}
			d.Flash[d.cur.addr] = data
			d.Ops = append(d.Ops, Op{Kind: "WRITE", Addr: d.cur.addr, Size: d.cur.size, Data: data})
		}
		return len(p), nil
	}

	if len(p) != protocol.CommandSize {
		return 0, fmt.Errorf("unexpected %d-byte transfer outside a data phase", len(p))
	}
	if binary.LittleEndian.Uint32(p[0:4]) != protocol.CommandMagic {
		return 0, fmt.Errorf("bad command magic")
	}
	if d.TimeoutCommandTimes > 0 {
		d.TimeoutCommandTimes--
		return 0, timeoutErr("bulk write")
	}

	cur := &pending{
		id:          p[8],
		token:       binary.LittleEndian.Uint32(p[4:8]),
		transferLen: binary.LittleEndian.Uint32(p[12:16]),
		addr:        binary.LittleEndian.Uint32(p[16:20]),
		size:        binary.LittleEndian.Uint32(p[20:24]),
	}

	switch cur.id {
	case protocol.CmdExclusiveAccess:
		if d.DenyAccessTimes > 0 {
			d.DenyAccessTimes--
			cur.status = protocol.StatusNotPermitted
		} else {
			d.Ops = append(d.Ops, Op{Kind: "EXCLUSIVE"})
		}
	case protocol.CmdExitXIP:
		d.Ops = append(d.Ops, Op{Kind: "EXIT_XIP"})
	case protocol.CmdFlashErase:
		if code, ok := d.EraseStatus[cur.addr]; ok {
			cur.status = code
		} else {
			d.Ops = append(d.Ops, Op{Kind: "ERASE", Addr: cur.addr, Size: cur.size})
		}
	case protocol.CmdWrite:
		d.writeCount++
		if d.FailWriteDataAt == d.writeCount {
			cur.failData = true
		}
	case protocol.CmdRead:
		d.Ops = append(d.Ops, Op{Kind: "READ", Addr: cur.addr, Size: cur.size})
	case protocol.CmdReboot:
		d.Ops = append(d.Ops, Op{Kind: "REBOOT", Addr: cur.addr})
	}

	d.cur = cur
	return len(p), nil
}

// BulkRead serves a READ data phase or the pending status response.
func (d *Device) BulkRead(p []byte, timeout time.Duration) (int, error) {
	if d.rebooted {
		return 0, disconnectErr("bulk read")
	}
	if d.cur == nil {
		return 0, timeoutErr("bulk read")
	}

	// Data phase of a pending READ.
	if d.cur.id == protocol.CmdRead && !d.cur.dataSent {
		d.cur.dataSent = true
		d.readCount++
		data := d.readBack(d.cur.addr, d.cur.size)
		if d.CorruptReadAt == d.readCount && len(data) > 0 {
			data[0] ^= 0x01
		}
		return copy(p, data), nil
	}

	// WRITE whose data phase never completed has no status to give.
	if d.cur.id == protocol.CmdWrite && len(d.cur.payload) < int(d.cur.transferLen) {
		return 0, timeoutErr("bulk read")
	}

	if d.cur.id == protocol.CmdReboot && d.DisconnectOnReboot {
		d.cur = nil
		d.rebooted = true
		return 0, disconnectErr("bulk read")
	}

	token := d.cur.token
	if d.BadTokenOnce {
		d.BadTokenOnce = false
		token++
	}

	status := make([]byte, protocol.StatusSize)
	binary.LittleEndian.PutUint32(status[0:4], token)
	binary.LittleEndian.PutUint32(status[4:8], d.cur.status)
	status[8] = d.cur.id

	if d.cur.id == protocol.CmdReboot {
		d.rebooted = true
	}
	d.cur = nil
	return copy(p, status), nil
}

// readBack assembles size bytes at addr from previously written chunks,
// with unwritten bytes reading as erased flash (0xFF).
func (d *Device) readBack(addr, size uint32) []byte {
	out := make([]byte, size)
	for i := range out {
		out[i] = 0xFF
	}
	for base, data := range d.Flash {
		for i, b := range data {
			off := base + uint32(i)
			if off >= addr && off < addr+size {
				out[off-addr] = b
			}
		}
	}
	return out
}

func (d *Device) Close() error {
	d.Closed = true
	return nil
}

// OpKinds returns just the operation kinds in order, for compact sequence
// assertions.
func (d *Device) OpKinds() []string {
	kinds := make([]string, len(d.Ops))
	for i, op := range d.Ops {
		kinds[i] = op.Kind
	}
	return kinds
}
