// Package session drives the PICOBOOT command/response exchange against a
// claimed device, enforcing command ordering, token correlation and the
// erase-before-write discipline expected by the bootloader.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"

	"github.com/picoflash/picoflash/internal/protocol"
	"github.com/picoflash/picoflash/internal/transport"
)

// State is the current phase of a session.
type State int

const (
	Idle State = iota
	AccessClaimed
	Erasing
	Writing
	Verifying
	Rebooting
	Closed
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case AccessClaimed:
		return "AccessClaimed"
	case Erasing:
		return "Erasing"
	case Writing:
		return "Writing"
	case Verifying:
		return "Verifying"
	case Rebooting:
		return "Rebooting"
	case Closed:
		return "Closed"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Config holds per-session transfer and retry settings.
type Config struct {
	// Timeout bounds every bulk transfer round trip.
	Timeout time.Duration

	// MaxRetries bounds retries of transient command failures and of the
	// exclusive access claim while the device settles after enumeration.
	MaxRetries int

	// RetryBackoff is the linear backoff unit between retries: the n-th
	// retry waits n*RetryBackoff.
	RetryBackoff time.Duration
}

// DefaultConfig returns the documented default session settings: 3 second
// transfers, 3 retries, 100 ms backoff unit.
func DefaultConfig() Config {
	return Config{
		Timeout:      3 * time.Second,
		MaxRetries:   3,
		RetryBackoff: 100 * time.Millisecond,
	}
}

// Session sequences PICOBOOT commands over a transport device. It is not
// safe for concurrent use; exactly one command is in flight at a time.
type Session struct {
	dev   transport.Device
	cfg   Config
	state State
	token uint32
}

// New creates a session in the Idle state. The session borrows the device
// until Close; the caller that opened the device closes it.
func New(dev transport.Device, cfg Config) *Session {
	return &Session{dev: dev, cfg: cfg, state: Idle}
}

// State returns the session's current phase.
func (s *Session) State() State {
	return s.state
}

// ClaimAccess acquires exclusive bootloader access, retrying with linear
// backoff while the device settles. Failure after the retry budget surfaces
// as AccessDeniedError.
func (s *Session) ClaimAccess(ctx context.Context) error {
	if err := s.checkCancelled(ctx); err != nil {
		return err
	}
	if s.state != Idle {
		return s.fail(fmt.Errorf("cannot claim access in state %s", s.state))
	}

	var lastErr error
	attempts := s.cfg.MaxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, time.Duration(attempt)*s.cfg.RetryBackoff); err != nil {
				return s.failCancelled(err)
			}
		}
		lastErr = s.exchange(protocol.NewExclusiveAccess(protocol.AccessExclusiveEject), nil, nil)
		if lastErr == nil {
			s.state = AccessClaimed
			glog.V(1).Info("exclusive access claimed")
			return nil
		}
		var desync *ProtocolDesyncError
		if errors.As(lastErr, &desync) {
			break // desync invalidates the session, no point retrying
		}
		glog.V(1).Infof("exclusive access attempt %d failed: %v", attempt+1, lastErr)
	}

	s.state = Failed
	var desync *ProtocolDesyncError
	if errors.As(lastErr, &desync) {
		return lastErr
	}
	return &AccessDeniedError{Attempts: attempts, Err: lastErr}
}

// ExitXIP takes the flash out of XIP mode. Required before erase and write
// commands are accepted.
func (s *Session) ExitXIP(ctx context.Context) error {
	if err := s.checkCancelled(ctx); err != nil {
		return err
	}
	if s.state != AccessClaimed {
		return s.fail(fmt.Errorf("cannot exit XIP in state %s", s.state))
	}
	if err := s.retryExchange(ctx, func() *protocol.Command { return protocol.NewExitXIP() }); err != nil {
		s.state = Failed
		return err
	}
	return nil
}

// EraseSector erases the sector starting at addr. Sessions move to Erasing
// on the first call; a failure is terminal and reported as EraseFailedError.
func (s *Session) EraseSector(ctx context.Context, addr uint32) error {
	if err := s.checkCancelled(ctx); err != nil {
		return err
	}
	if s.state != AccessClaimed && s.state != Erasing {
		return s.fail(fmt.Errorf("cannot erase in state %s", s.state))
	}
	s.state = Erasing

	err := s.retryExchange(ctx, func() *protocol.Command {
		return protocol.NewFlashErase(addr, protocol.SectorSize)
	})
	if err != nil {
		s.state = Failed
		return &EraseFailedError{Sector: addr, Err: err}
	}
	glog.V(1).Infof("erased sector 0x%08X", addr)
	return nil
}

// WriteChunk programs data at addr. The chunk must not exceed the protocol's
// maximum per-command payload; its target sector must already be erased.
// A failed or short data phase is terminal: remaining chunks are not
// attempted, but chunks already written stay written.
func (s *Session) WriteChunk(ctx context.Context, addr uint32, data []byte) error {
	if err := s.checkCancelled(ctx); err != nil {
		return err
	}
	if s.state != Erasing && s.state != Writing {
		return s.fail(fmt.Errorf("cannot write in state %s", s.state))
	}
	s.state = Writing

	if err := s.exchange(protocol.NewWrite(addr, uint32(len(data))), data, nil); err != nil {
		s.state = Failed
		return fmt.Errorf("write at 0x%08X: %w", addr, err)
	}
	glog.V(2).Infof("wrote %d bytes at 0x%08X", len(data), addr)
	return nil
}

// ReadChunk reads size bytes back from addr, used for verification.
func (s *Session) ReadChunk(ctx context.Context, addr, size uint32) ([]byte, error) {
	if err := s.checkCancelled(ctx); err != nil {
		return nil, err
	}
	if s.state != Writing && s.state != Verifying {
		return nil, s.fail(fmt.Errorf("cannot read back in state %s", s.state))
	}
	s.state = Verifying

	buf := make([]byte, size)
	if err := s.exchange(protocol.NewRead(addr, size), nil, buf); err != nil {
		s.state = Failed
		return nil, fmt.Errorf("read back at 0x%08X: %w", addr, err)
	}
	return buf, nil
}

// Reboot asks the device to leave the bootloader and start the written
// program. The device drops off the bus on success, so once the command
// frame has been delivered a disconnect or a missing status acknowledgement
// is treated as the reboot having taken effect. A failure to deliver the
// frame itself means the device never saw the command and is a real failure.
func (s *Session) Reboot(ctx context.Context, pc, sp, delayMs uint32) error {
	if err := s.checkCancelled(ctx); err != nil {
		return err
	}
	switch s.state {
	case AccessClaimed, Writing, Verifying:
	default:
		return s.fail(fmt.Errorf("cannot reboot in state %s", s.state))
	}
	s.state = Rebooting

	cmd := protocol.NewReboot(pc, sp, delayMs)
	if err := s.sendFrame(cmd); err != nil {
		s.state = Failed
		return fmt.Errorf("reboot: %w", err)
	}
	err := s.completeExchange(cmd, nil, nil)
	if err != nil && !transport.IsDisconnect(err) && !transport.IsTimeout(err) {
		s.state = Failed
		return fmt.Errorf("reboot: %w", err)
	}
	s.state = Closed
	glog.V(1).Info("reboot issued, device disconnecting")
	return nil
}

// Close ends the session. Terminal states are preserved; any other state
// becomes Closed. The device handle stays open for its owner, who can run
// another session on it. Safe to call more than once.
func (s *Session) Close() error {
	if s.state != Failed {
		s.state = Closed
	}
	return nil
}

// retryExchange runs a data-phase-free command, retrying transient transfer
// failures and timeouts with linear backoff. Each attempt rebuilds the
// command so it is issued under a fresh token.
func (s *Session) retryExchange(ctx context.Context, build func() *protocol.Command) error {
	var lastErr error
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, time.Duration(attempt)*s.cfg.RetryBackoff); err != nil {
				return s.failCancelled(err)
			}
		}
		lastErr = s.exchange(build(), nil, nil)
		if lastErr == nil {
			return nil
		}
		var te *transport.TransferError
		if !errors.As(lastErr, &te) {
			return lastErr // device-reported or protocol error, not retriable
		}
	}
	return lastErr
}

// exchange performs one full command round trip: command frame out, optional
// data phase, then the status response. The response token must echo the
// command token or the session is desynchronized.
func (s *Session) exchange(cmd *protocol.Command, payload []byte, readBuf []byte) error {
	if err := s.sendFrame(cmd); err != nil {
		return err
	}
	return s.completeExchange(cmd, payload, readBuf)
}

// sendFrame encodes the command under a fresh token and delivers the frame.
func (s *Session) sendFrame(cmd *protocol.Command) error {
	s.token++
	cmd.Token = s.token

	frame, err := cmd.Encode()
	if err != nil {
		return err
	}
	glog.V(2).Infof("-> %s token=%d transfer=%d",
		protocol.CommandName(cmd.ID), cmd.Token, cmd.TransferLen)

	return s.writeAll(frame, "command frame")
}

// completeExchange runs the data phase and reads the status response for a
// command whose frame is already delivered.
func (s *Session) completeExchange(cmd *protocol.Command, payload []byte, readBuf []byte) error {
	if len(payload) > 0 {
		if err := s.writeAll(payload, "data phase"); err != nil {
			return err
		}
	}
	if len(readBuf) > 0 {
		if err := s.readAll(readBuf, "data phase"); err != nil {
			return err
		}
	}

	statusBuf := make([]byte, protocol.StatusSize)
	if err := s.readAll(statusBuf, "status response"); err != nil {
		return err
	}
	status, err := protocol.DecodeStatus(statusBuf)
	if err != nil {
		return err
	}
	if status.Token != cmd.Token {
		s.state = Failed
		return &ProtocolDesyncError{Sent: cmd.Token, Received: status.Token}
	}
	return status.Err()
}

// writeAll sends p in full; a short write is a transfer failure.
func (s *Session) writeAll(p []byte, op string) error {
	n, err := s.dev.BulkWrite(p, s.cfg.Timeout)
	if err != nil {
		return err
	}
	if n != len(p) {
		return &transport.TransferError{
			Op:  op,
			Err: fmt.Errorf("short write: %d of %d bytes", n, len(p)),
		}
	}
	return nil
}

// readAll fills p in full, tolerating transfers split by the endpoint's
// maximum packet size.
func (s *Session) readAll(p []byte, op string) error {
	total := 0
	for total < len(p) {
		n, err := s.dev.BulkRead(p[total:], s.cfg.Timeout)
		if err != nil {
			return err
		}
		if n == 0 {
			return &transport.TransferError{
				Op:  op,
				Err: fmt.Errorf("short read: %d of %d bytes", total, len(p)),
			}
		}
		total += n
	}
	return nil
}

func (s *Session) checkCancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return s.failCancelled(err)
	}
	return nil
}

func (s *Session) failCancelled(err error) error {
	s.state = Failed
	return fmt.Errorf("%w: %v", ErrCancelled, err)
}

func (s *Session) fail(err error) error {
	s.state = Failed
	return err
}

// sleep waits for d or until ctx is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
