// Package monitor attaches to the serial port a freshly rebooted device
// enumerates as, streaming its output to the caller.
package monitor

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"
)

// DefaultBaudRate is the usual rate for RP2040 CDC serial output.
const DefaultBaudRate = 115200

// ListPorts returns the available serial ports.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}
	return ports, nil
}

// Attach opens portName (or the only available port when empty) and copies
// device output to w until ctx is cancelled.
func Attach(ctx context.Context, portName string, baudRate int, w io.Writer) error {
	if portName == "" {
		ports, err := ListPorts()
		if err != nil {
			return err
		}
		if len(ports) == 0 {
			return fmt.Errorf("no serial ports found")
		}
		portName = ports[0]
	}

	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return fmt.Errorf("failed to open port %s: %w", portName, err)
	}
	defer port.Close()

	if err := port.SetReadTimeout(100 * time.Millisecond); err != nil {
		return fmt.Errorf("failed to set read timeout: %w", err)
	}

	buf := make([]byte, 1024)
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		n, err := port.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			return fmt.Errorf("serial read failed: %w", err)
		}
	}
}
