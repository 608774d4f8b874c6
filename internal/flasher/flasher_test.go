package flasher

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/picoflash/picoflash/internal/picotest"
	"github.com/picoflash/picoflash/internal/protocol"
	"github.com/picoflash/picoflash/internal/session"
	"github.com/picoflash/picoflash/internal/transport"
	"github.com/picoflash/picoflash/internal/uf2"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Timeout = time.Second
	cfg.RetryBackoff = time.Millisecond
	return cfg
}

func page(fill byte) []byte {
	data := make([]byte, 256)
	for i := range data {
		data[i] = fill
	}
	return data
}

// Spec scenario: two 256-byte blocks within one 4 KiB sector must produce
// exactly one erase covering the sector, two writes in address order, one
// reboot, and a report of 512 bytes / 1 sector.
func TestFlash_TwoBlocksOneSector(t *testing.T) {
	blocks := []uf2.Block{
		{Addr: 0x10001000, Data: page(0xAA)},
		{Addr: 0x10001100, Data: page(0xBB)},
	}
	dev := &picotest.Device{}
	cfg := testConfig()
	cfg.Verify = false
	f := New(dev, cfg)

	report, err := f.Flash(context.Background(), blocks)
	if err != nil {
		t.Fatalf("Flash() error: %v", err)
	}

	want := []string{"EXCLUSIVE", "EXIT_XIP", "ERASE", "WRITE", "WRITE", "REBOOT"}
	if got := dev.OpKinds(); !reflect.DeepEqual(got, want) {
		t.Errorf("device op sequence = %v, want %v", got, want)
	}

	var erase *picotest.Op
	for i := range dev.Ops {
		if dev.Ops[i].Kind == "ERASE" {
			erase = &dev.Ops[i]
		}
	}
	if erase.Addr != 0x10001000 || erase.Size != 0x1000 {
		t.Errorf("erase = [0x%X, 0x%X), want [0x10001000, 0x10002000)", erase.Addr, erase.Addr+erase.Size)
	}

	if !bytes.Equal(dev.Flash[0x10001000], page(0xAA)) || !bytes.Equal(dev.Flash[0x10001100], page(0xBB)) {
		t.Error("device flash does not hold the source payloads")
	}

	if report.BytesWritten != 512 {
		t.Errorf("BytesWritten = %d, want 512", report.BytesWritten)
	}
	if report.SectorsErased != 1 {
		t.Errorf("SectorsErased = %d, want 1", report.SectorsErased)
	}
	if report.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", report.Attempts)
	}
}

func TestFlash_WritesInAddressOrder(t *testing.T) {
	// Container in descending file order; writes must still ascend.
	blocks := []uf2.Block{
		{Addr: 0x10002000, Data: page(0x33)},
		{Addr: 0x10000000, Data: page(0x11)},
		{Addr: 0x10001000, Data: page(0x22)},
	}
	dev := &picotest.Device{}
	cfg := testConfig()
	cfg.Verify = false
	f := New(dev, cfg)

	if _, err := f.Flash(context.Background(), blocks); err != nil {
		t.Fatalf("Flash() error: %v", err)
	}

	var prev uint32
	var erases, writes []uint32
	for _, op := range dev.Ops {
		switch op.Kind {
		case "ERASE":
			erases = append(erases, op.Addr)
		case "WRITE":
			writes = append(writes, op.Addr)
		}
	}
	for i, addr := range erases {
		if i > 0 && addr <= prev {
			t.Errorf("erase order not ascending: %X after %X", addr, prev)
		}
		prev = addr
	}
	prev = 0
	for i, addr := range writes {
		if i > 0 && addr <= prev {
			t.Errorf("write order not ascending: %X after %X", addr, prev)
		}
		prev = addr
	}
	if len(erases) != 3 {
		t.Errorf("erased %d sectors, want 3", len(erases))
	}
}

func TestFlash_ChunksBoundedByWritePage(t *testing.T) {
	data := make([]byte, 476) // max UF2 payload, larger than one write page
	for i := range data {
		data[i] = byte(i)
	}
	blocks := []uf2.Block{{Addr: 0x10000000, Data: data}}
	dev := &picotest.Device{}
	cfg := testConfig()
	cfg.Verify = false
	f := New(dev, cfg)

	report, err := f.Flash(context.Background(), blocks)
	if err != nil {
		t.Fatalf("Flash() error: %v", err)
	}

	var writes []picotest.Op
	for _, op := range dev.Ops {
		if op.Kind == "WRITE" {
			writes = append(writes, op)
		}
	}
	if len(writes) != 2 {
		t.Fatalf("device saw %d writes, want 2 (256 + 220)", len(writes))
	}
	if len(writes[0].Data) != 256 || len(writes[1].Data) != 220 {
		t.Errorf("chunk sizes = %d, %d, want 256, 220", len(writes[0].Data), len(writes[1].Data))
	}
	if writes[1].Addr != 0x10000100 {
		t.Errorf("second chunk addr = 0x%X, want 0x10000100", writes[1].Addr)
	}
	if report.BytesWritten != 476 {
		t.Errorf("BytesWritten = %d, want 476", report.BytesWritten)
	}
}

func TestFlash_Idempotent(t *testing.T) {
	blocks := []uf2.Block{
		{Addr: 0x10000000, Data: page(0x11)},
		{Addr: 0x10001000, Data: page(0x22)},
	}

	run := func() []picotest.Op {
		dev := &picotest.Device{}
		f := New(dev, testConfig())
		if _, err := f.Flash(context.Background(), blocks); err != nil {
			t.Fatalf("Flash() error: %v", err)
		}
		return dev.Ops
	}

	first := run()
	second := run()
	if !reflect.DeepEqual(first, second) {
		t.Error("two identical flashes produced different command sequences")
	}
}

func TestFlash_VerifyReadsBackEveryChunk(t *testing.T) {
	blocks := []uf2.Block{
		{Addr: 0x10000000, Data: page(0x11)},
		{Addr: 0x10000100, Data: page(0x22)},
	}
	dev := &picotest.Device{}
	f := New(dev, testConfig()) // Verify on by default

	if _, err := f.Flash(context.Background(), blocks); err != nil {
		t.Fatalf("Flash() error: %v", err)
	}

	reads := 0
	for _, op := range dev.Ops {
		if op.Kind == "READ" {
			reads++
		}
	}
	if reads != 2 {
		t.Errorf("device saw %d reads, want 2", reads)
	}
}

func TestFlash_VerificationMismatch(t *testing.T) {
	blocks := []uf2.Block{{Addr: 0x10000000, Data: page(0x11)}}
	dev := &picotest.Device{CorruptReadAt: 1}
	f := New(dev, testConfig())

	_, err := f.Flash(context.Background(), blocks)
	var mismatch *VerificationMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("Flash() error = %T, want *VerificationMismatchError", err)
	}
	if mismatch.Address != 0x10000000 {
		t.Errorf("mismatch address = 0x%X, want 0x10000000", mismatch.Address)
	}
	for _, op := range dev.Ops {
		if op.Kind == "REBOOT" {
			t.Error("REBOOT issued after verification mismatch")
		}
	}
}

// Spec scenario: a transfer failure on the second write's data phase leaves
// the first write applied, ends the session failed, and never reboots.
func TestFlash_DataPhaseFailureOnSecondWrite(t *testing.T) {
	blocks := []uf2.Block{
		{Addr: 0x10001000, Data: page(0xAA)},
		{Addr: 0x10001100, Data: page(0xBB)},
	}
	dev := &picotest.Device{FailWriteDataAt: 2}
	cfg := testConfig()
	cfg.Verify = false
	f := New(dev, cfg)

	_, err := f.Flash(context.Background(), blocks)
	if err == nil {
		t.Fatal("Flash() succeeded despite injected transfer failure")
	}
	var te *transport.TransferError
	if !errors.As(err, &te) {
		t.Fatalf("Flash() error = %T (%v), want *transport.TransferError", err, err)
	}

	if !bytes.Equal(dev.Flash[0x10001000], page(0xAA)) {
		t.Error("first write's effect not observed on the device")
	}
	if _, written := dev.Flash[0x10001100]; written {
		t.Error("second chunk reached flash despite failed data phase")
	}
	for _, op := range dev.Ops {
		if op.Kind == "REBOOT" {
			t.Error("REBOOT issued after transfer failure")
		}
	}
}

func TestFlash_EraseFailureStopsBeforeWrites(t *testing.T) {
	blocks := []uf2.Block{
		{Addr: 0x10000000, Data: page(0x11)},
		{Addr: 0x10001000, Data: page(0x22)},
	}
	dev := &picotest.Device{
		EraseStatus: map[uint32]uint32{0x10001000: protocol.StatusBadAlignment},
	}
	f := New(dev, testConfig())

	_, err := f.Flash(context.Background(), blocks)
	var eraseErr *session.EraseFailedError
	if !errors.As(err, &eraseErr) {
		t.Fatalf("Flash() error = %T, want *session.EraseFailedError", err)
	}
	if eraseErr.Sector != 0x10001000 {
		t.Errorf("failed sector = 0x%X, want 0x10001000", eraseErr.Sector)
	}
	for _, op := range dev.Ops {
		if op.Kind == "WRITE" || op.Kind == "REBOOT" {
			t.Errorf("device saw %s after a failed erase", op.Kind)
		}
	}
}

func TestFlash_EraseOnly(t *testing.T) {
	blocks := []uf2.Block{{Addr: 0x10000000, Data: page(0x11)}}
	dev := &picotest.Device{}
	cfg := testConfig()
	cfg.EraseOnly = true
	f := New(dev, cfg)

	report, err := f.Flash(context.Background(), blocks)
	if err != nil {
		t.Fatalf("Flash() error: %v", err)
	}

	want := []string{"EXCLUSIVE", "EXIT_XIP", "ERASE"}
	if got := dev.OpKinds(); !reflect.DeepEqual(got, want) {
		t.Errorf("device op sequence = %v, want %v", got, want)
	}
	if report.BytesWritten != 0 || report.SectorsErased != 1 {
		t.Errorf("report = %+v, want 0 bytes written, 1 sector erased", report)
	}
}

func TestFlash_EraseOnlyProgressCompletes(t *testing.T) {
	blocks := []uf2.Block{{Addr: 0x10000000, Data: page(0x11)}}
	dev := &picotest.Device{}
	cfg := testConfig()
	cfg.EraseOnly = true
	f := New(dev, cfg)

	var current, total int
	f.SetProgressCallback(func(c, n int) { current, total = c, n })

	if _, err := f.Flash(context.Background(), blocks); err != nil {
		t.Fatalf("Flash() error: %v", err)
	}
	if total != 1 {
		t.Errorf("progress total = %d, want 1 (sectors only, no write or verify steps)", total)
	}
	if current != total {
		t.Errorf("progress ended at %d/%d, want full", current, total)
	}
}

func TestFlash_RerunAfterPartialFailure(t *testing.T) {
	blocks := []uf2.Block{
		{Addr: 0x10001000, Data: page(0xAA)},
		{Addr: 0x10001100, Data: page(0xBB)},
	}
	dev := &picotest.Device{FailWriteDataAt: 2}
	f := New(dev, testConfig())

	if _, err := f.Flash(context.Background(), blocks); err == nil {
		t.Fatal("first Flash() should fail on the stalled write")
	}

	report, err := f.Flash(context.Background(), blocks)
	if err != nil {
		t.Fatalf("rerun Flash() error: %v", err)
	}
	if report.Attempts != 2 {
		t.Errorf("report.Attempts = %d, want 2", report.Attempts)
	}
	if !bytes.Equal(dev.Flash[0x10001100], page(0xBB)) {
		t.Error("rerun did not program the chunk that failed the first time")
	}
	if kinds := dev.OpKinds(); kinds[len(kinds)-1] != "REBOOT" {
		t.Error("rerun did not finish with a reboot")
	}
}

func TestFlash_SecondOperationFailsFast(t *testing.T) {
	blocks := []uf2.Block{{Addr: 0x10000000, Data: page(0x11)}}
	dev := &picotest.Device{}
	f := New(dev, testConfig())

	var inner error
	called := false
	f.SetProgressCallback(func(current, total int) {
		if !called {
			called = true
			_, inner = f.Flash(context.Background(), blocks)
		}
	})

	if _, err := f.Flash(context.Background(), blocks); err != nil {
		t.Fatalf("Flash() error: %v", err)
	}
	if !called {
		t.Fatal("progress callback never ran")
	}
	if !errors.Is(inner, ErrAlreadyInUse) {
		t.Errorf("overlapping Flash() = %v, want ErrAlreadyInUse", inner)
	}
}

func TestFlash_CancelledMidOperation(t *testing.T) {
	blocks := []uf2.Block{
		{Addr: 0x10000000, Data: page(0x11)},
		{Addr: 0x10001000, Data: page(0x22)},
	}
	dev := &picotest.Device{}
	cfg := testConfig()
	cfg.Verify = false
	f := New(dev, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	f.SetProgressCallback(func(current, total int) {
		if current == 1 {
			cancel()
		}
	})

	_, err := f.Flash(ctx, blocks)
	if !errors.Is(err, session.ErrCancelled) {
		t.Fatalf("Flash() after cancel = %v, want session.ErrCancelled", err)
	}
	for _, op := range dev.Ops {
		if op.Kind == "REBOOT" {
			t.Error("REBOOT issued after cancellation")
		}
	}
}

func TestFlash_UnalignedBlockRejected(t *testing.T) {
	blocks := []uf2.Block{{Addr: 0x10000080, Data: page(0x11)}}
	dev := &picotest.Device{}
	f := New(dev, testConfig())

	_, err := f.Flash(context.Background(), blocks)
	if err == nil {
		t.Fatal("Flash() accepted an unaligned block")
	}
	if len(dev.Ops) != 0 {
		t.Errorf("device saw %v before validation failed", dev.OpKinds())
	}
}

func TestFlash_NoBlocks(t *testing.T) {
	dev := &picotest.Device{}
	f := New(dev, testConfig())

	if _, err := f.Flash(context.Background(), nil); err == nil {
		t.Fatal("Flash() with no blocks succeeded")
	}
}

func TestEraseSectors_BlockEndingAtSectorBoundary(t *testing.T) {
	// A block ending exactly at a sector boundary must not drag in the
	// next sector.
	blocks := []uf2.Block{{Addr: 0x10000F00, Data: page(0)}}

	sectors := eraseSectors(blocks)
	if len(sectors) != 1 || sectors[0] != 0x10000000 {
		t.Errorf("eraseSectors = %X, want [10000000]", sectors)
	}
}

func TestEraseSectors_BlockSpanningBoundary(t *testing.T) {
	data := make([]byte, 476)
	blocks := []uf2.Block{{Addr: 0x10000F00, Data: data}}

	sectors := eraseSectors(blocks)
	if len(sectors) != 2 || sectors[0] != 0x10000000 || sectors[1] != 0x10001000 {
		t.Errorf("eraseSectors = %X, want [10000000 10001000]", sectors)
	}
}

func TestEraseSectors_SharedSectorErasedOnce(t *testing.T) {
	blocks := []uf2.Block{
		{Addr: 0x10001000, Data: page(0)},
		{Addr: 0x10001100, Data: page(0)},
	}

	sectors := eraseSectors(blocks)
	if len(sectors) != 1 {
		t.Errorf("eraseSectors erased %d sectors for one shared sector", len(sectors))
	}
}
