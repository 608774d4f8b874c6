// Package flasher orchestrates a full erase/program/verify/reboot cycle
// against a device in bootloader mode.
package flasher

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/golang/glog"

	"github.com/picoflash/picoflash/internal/protocol"
	"github.com/picoflash/picoflash/internal/session"
	"github.com/picoflash/picoflash/internal/transport"
	"github.com/picoflash/picoflash/internal/uf2"
)

// ProgressCallback is called to report flash progress.
type ProgressCallback func(current, total int)

// Config holds the flashing options. The zero value is not useful; start
// from DefaultConfig.
type Config struct {
	// Verify reads every written chunk back and compares it to the source.
	Verify bool

	// EraseOnly erases the sectors the container covers and stops: no
	// writes, no verification, no reboot. The device stays in bootloader
	// mode for inspection.
	EraseOnly bool

	// Timeout bounds each bulk transfer.
	Timeout time.Duration

	// MaxRetries bounds retries of transient command failures.
	MaxRetries int

	// RetryBackoff is the linear backoff unit between retries.
	RetryBackoff time.Duration
}

// DefaultConfig returns the documented defaults: verification on, 3 second
// transfers, 3 retries with a 100 ms backoff unit.
func DefaultConfig() Config {
	return Config{
		Verify:       true,
		Timeout:      3 * time.Second,
		MaxRetries:   3,
		RetryBackoff: 100 * time.Millisecond,
	}
}

// FlashReport summarizes a completed flash operation.
type FlashReport struct {
	BytesWritten  int
	SectorsErased int

	// Attempts counts whole flash operations run on this Flasher,
	// including this one. A retry after a partial failure reports 2.
	Attempts int

	Elapsed time.Duration
}

// Flasher runs the flashing pipeline over one claimed device. A Flasher
// permits one operation at a time and borrows the device handle: the caller
// that opened the device closes it, so a failed operation can be rerun on
// the same Flasher.
type Flasher struct {
	dev      transport.Device
	cfg      Config
	progress ProgressCallback
	busy     atomic.Bool
	attempts int
}

// New creates a Flasher for the given device with the given options.
func New(dev transport.Device, cfg Config) *Flasher {
	return &Flasher{dev: dev, cfg: cfg}
}

// SetProgressCallback sets the progress callback function.
func (f *Flasher) SetProgressCallback(cb ProgressCallback) {
	f.progress = cb
}

func (f *Flasher) reportProgress(current, total int) {
	if f.progress != nil {
		f.progress(current, total)
	}
}

// chunk is one write-sized unit of work, no larger than the protocol's
// maximum per-command payload.
type chunk struct {
	addr uint32
	data []byte
}

// Flash erases the sectors covering the container blocks, writes every
// block in address order, optionally verifies by readback, and reboots the
// device into the new program.
//
// Flashing is not transactional: a failure leaves already-written chunks in
// place and aborts without a reboot, so the whole operation can simply be
// rerun. Each sector is erased exactly once per operation, always before
// any write that touches it.
func (f *Flasher) Flash(ctx context.Context, blocks []uf2.Block) (*FlashReport, error) {
	if !f.busy.CompareAndSwap(false, true) {
		return nil, ErrAlreadyInUse
	}
	defer f.busy.Store(false)

	f.attempts++
	start := time.Now()

	if len(blocks) == 0 {
		return nil, fmt.Errorf("no blocks to flash")
	}
	for _, b := range blocks {
		if b.Addr%protocol.PageSize != 0 {
			return nil, fmt.Errorf("block at 0x%08X is not aligned to the %d-byte write page",
				b.Addr, protocol.PageSize)
		}
	}

	sectors := eraseSectors(blocks)
	chunks := writeChunks(blocks)

	total := len(sectors)
	if !f.cfg.EraseOnly {
		total += len(chunks)
		if f.cfg.Verify {
			total += len(chunks)
		}
	}
	done := 0

	s := session.New(f.dev, session.Config{
		Timeout:      f.cfg.Timeout,
		MaxRetries:   f.cfg.MaxRetries,
		RetryBackoff: f.cfg.RetryBackoff,
	})
	defer s.Close()

	if err := s.ClaimAccess(ctx); err != nil {
		return nil, fmt.Errorf("claim access: %w", err)
	}
	if err := s.ExitXIP(ctx); err != nil {
		return nil, fmt.Errorf("exit XIP: %w", err)
	}

	glog.V(1).Infof("flashing %d blocks: %d sectors to erase, %d chunks to write",
		len(blocks), len(sectors), len(chunks))

	report := &FlashReport{Attempts: f.attempts}

	for _, sector := range sectors {
		if err := s.EraseSector(ctx, sector); err != nil {
			return nil, err
		}
		report.SectorsErased++
		done++
		f.reportProgress(done, total)
	}

	if f.cfg.EraseOnly {
		report.Elapsed = time.Since(start)
		return report, nil
	}

	for _, c := range chunks {
		if err := s.WriteChunk(ctx, c.addr, c.data); err != nil {
			return nil, err
		}
		report.BytesWritten += len(c.data)
		done++
		f.reportProgress(done, total)
	}

	if f.cfg.Verify {
		for _, c := range chunks {
			got, err := s.ReadChunk(ctx, c.addr, uint32(len(c.data)))
			if err != nil {
				return nil, err
			}
			for i := range c.data {
				if got[i] != c.data[i] {
					return nil, &VerificationMismatchError{
						Address: c.addr + uint32(i),
						Want:    c.data[i],
						Got:     got[i],
					}
				}
			}
			done++
			f.reportProgress(done, total)
		}
	}

	if err := s.Reboot(ctx, 0, protocol.StackPointer, protocol.RebootDelayMs); err != nil {
		return nil, err
	}

	report.Elapsed = time.Since(start)
	return report, nil
}

// eraseSectors returns the ascending list of sector base addresses covering
// the union of all block ranges, each sector listed once.
func eraseSectors(blocks []uf2.Block) []uint32 {
	seen := make(map[uint32]bool)
	for _, b := range blocks {
		first := b.Addr &^ (protocol.SectorSize - 1)
		last := (b.End() - 1) &^ (protocol.SectorSize - 1)
		for sector := first; ; sector += protocol.SectorSize {
			seen[sector] = true
			if sector == last {
				break
			}
		}
	}

	sectors := make([]uint32, 0, len(seen))
	for sector := range seen {
		sectors = append(sectors, sector)
	}
	sort.Slice(sectors, func(i, j int) bool { return sectors[i] < sectors[j] })
	return sectors
}

// writeChunks splits the blocks into per-command chunks no larger than the
// write page, ordered by ascending address.
func writeChunks(blocks []uf2.Block) []chunk {
	sorted := make([]uf2.Block, len(blocks))
	copy(sorted, blocks)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Addr < sorted[j].Addr })

	var chunks []chunk
	for _, b := range sorted {
		for off := 0; off < len(b.Data); off += protocol.PageSize {
			end := off + protocol.PageSize
			if end > len(b.Data) {
				end = len(b.Data)
			}
			chunks = append(chunks, chunk{
				addr: b.Addr + uint32(off),
				data: b.Data[off:end],
			})
		}
	}
	return chunks
}
