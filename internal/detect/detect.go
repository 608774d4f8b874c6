// Package detect discovers RP2040 devices sitting in BOOTSEL mode on the
// USB bus.
package detect

import (
	"fmt"

	"github.com/google/gousb"
	"github.com/hashicorp/go-multierror"

	"github.com/picoflash/picoflash/internal/protocol"
)

// Result describes one detected device.
type Result struct {
	Bus       int
	Address   int
	VendorID  uint16
	ProductID uint16
	ChipName  string
}

// Scan lists every RP2040 in BOOTSEL mode currently on the bus. Devices
// that match but cannot be opened are reported as errors alongside any
// successful results.
func Scan() ([]Result, error) {
	ctx := gousb.NewContext()
	defer ctx.Close()

	var errs error
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == gousb.ID(protocol.VendorID) &&
			desc.Product == gousb.ID(protocol.ProductID)
	})
	if err != nil {
		errs = multierror.Append(errs, err)
	}

	var results []Result
	for _, dev := range devs {
		results = append(results, Result{
			Bus:       dev.Desc.Bus,
			Address:   dev.Desc.Address,
			VendorID:  protocol.VendorID,
			ProductID: protocol.ProductID,
			ChipName:  "RP2040",
		})
		if err := dev.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	if len(results) == 0 && errs == nil {
		return nil, nil
	}
	if len(results) == 0 && errs != nil {
		return nil, fmt.Errorf("device scan failed: %w", errs)
	}
	return results, errs
}
