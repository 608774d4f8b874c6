package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/google/gousb"
	"github.com/hashicorp/go-multierror"
)

// USBDevice is the production Device implementation on top of gousb.
type USBDevice struct {
	ctx  *gousb.Context
	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface
	in   *gousb.InEndpoint
	out  *gousb.OutEndpoint
}

// Open finds the first device matching vid/pid, claims its vendor-specific
// bootloader interface and resolves the bulk endpoint pair.
func Open(vid, pid uint16) (*USBDevice, error) {
	ctx := gousb.NewContext()

	dev, err := ctx.OpenDeviceWithVIDPID(gousb.ID(vid), gousb.ID(pid))
	if err != nil {
		ctx.Close()
		return nil, fmt.Errorf("failed to open device %04x:%04x: %w", vid, pid, err)
	}
	if dev == nil {
		ctx.Close()
		return nil, ErrDeviceNotFound
	}

	u, err := claim(ctx, dev)
	if err != nil {
		dev.Close()
		ctx.Close()
		return nil, err
	}
	glog.V(1).Infof("claimed bootloader interface on bus %d addr %d",
		dev.Desc.Bus, dev.Desc.Address)
	return u, nil
}

// claim locates the vendor-specific interface (class 0xFF) with exactly one
// bulk IN and one bulk OUT endpoint and claims it.
func claim(ctx *gousb.Context, dev *gousb.Device) (*USBDevice, error) {
	var cfgNum, intfNum, altNum int
	var inNum, outNum int
	found := false

	for _, cfgDesc := range dev.Desc.Configs {
		for _, intfDesc := range cfgDesc.Interfaces {
			for _, alt := range intfDesc.AltSettings {
				if alt.Class != 0xFF || alt.SubClass != 0 || alt.Protocol != 0 {
					continue
				}
				in, out := -1, -1
				for _, ep := range alt.Endpoints {
					if ep.TransferType != gousb.TransferTypeBulk {
						continue
					}
					if ep.Direction == gousb.EndpointDirectionIn {
						in = ep.Number
					} else {
						out = ep.Number
					}
				}
				if in < 0 || out < 0 {
					continue
				}
				cfgNum, intfNum, altNum = cfgDesc.Number, intfDesc.Number, alt.Alternate
				inNum, outNum = in, out
				found = true
			}
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: no vendor interface with bulk endpoint pair",
			ErrInterfaceUnavailable)
	}

	if err := dev.SetAutoDetach(true); err != nil {
		return nil, fmt.Errorf("%w: auto-detach: %v", ErrInterfaceUnavailable, err)
	}

	cfg, err := dev.Config(cfgNum)
	if err != nil {
		return nil, fmt.Errorf("%w: config %d: %v", ErrInterfaceUnavailable, cfgNum, err)
	}
	intf, err := cfg.Interface(intfNum, altNum)
	if err != nil {
		cfg.Close()
		return nil, fmt.Errorf("%w: interface %d: %v", ErrInterfaceUnavailable, intfNum, err)
	}
	inEp, err := intf.InEndpoint(inNum)
	if err != nil {
		intf.Close()
		cfg.Close()
		return nil, fmt.Errorf("%w: IN endpoint %d: %v", ErrInterfaceUnavailable, inNum, err)
	}
	outEp, err := intf.OutEndpoint(outNum)
	if err != nil {
		intf.Close()
		cfg.Close()
		return nil, fmt.Errorf("%w: OUT endpoint %d: %v", ErrInterfaceUnavailable, outNum, err)
	}

	return &USBDevice{ctx: ctx, dev: dev, cfg: cfg, intf: intf, in: inEp, out: outEp}, nil
}

// BulkWrite sends p on the OUT endpoint within timeout.
func (u *USBDevice) BulkWrite(p []byte, timeout time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	glog.V(2).Infof("bulk OUT %d bytes", len(p))
	n, err := u.out.WriteContext(ctx, p)
	return n, classify("bulk write", err)
}

// BulkRead fills p from the IN endpoint within timeout.
func (u *USBDevice) BulkRead(p []byte, timeout time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	n, err := u.in.ReadContext(ctx, p)
	glog.V(2).Infof("bulk IN %d bytes", n)
	return n, classify("bulk read", err)
}

// Close releases the interface and all USB resources. After a REBOOT command
// the device may already be gone; release errors are still reported to the
// caller, accumulated rather than masking each other.
func (u *USBDevice) Close() error {
	var errs error
	if u.intf != nil {
		u.intf.Close()
	}
	if u.cfg != nil {
		if err := u.cfg.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if u.dev != nil {
		if err := u.dev.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if u.ctx != nil {
		if err := u.ctx.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs
}

// classify maps a gousb transfer error onto the timeout/disconnect taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	te := &TransferError{Op: op, Err: err}
	switch {
	case errors.Is(err, gousb.ErrorTimeout) || errors.Is(err, context.DeadlineExceeded):
		te.Timeout = true
	case errors.Is(err, gousb.ErrorNoDevice) || errors.Is(err, gousb.ErrorIO) ||
		errors.Is(err, gousb.ErrorPipe):
		te.Disconnect = true
	}
	return te
}
