package main

import (
	"errors"
	goflag "flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/picoflash/picoflash/internal/detect"
	"github.com/picoflash/picoflash/internal/flasher"
	"github.com/picoflash/picoflash/internal/monitor"
	"github.com/picoflash/picoflash/internal/protocol"
	"github.com/picoflash/picoflash/internal/session"
	"github.com/picoflash/picoflash/internal/transport"
	"github.com/picoflash/picoflash/internal/uf2"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	verifyFlag    bool
	eraseOnlyFlag bool
	timeoutFlag   = flasher.DefaultConfig().Timeout
	retriesFlag   int
	portFlag      string
	baudFlag      int
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "picoflash",
		Short: "Flash firmware to RP2040 devices over USB",
		Long: `Picoflash programs UF2 firmware images onto RP2040 devices in BOOTSEL
mode using the PICOBOOT USB interface.

Hold the BOOTSEL button while plugging the device in to enter the
bootloader, then flash a .uf2 file.`,
	}
	rootCmd.PersistentFlags().AddGoFlagSet(goflag.CommandLine)

	flashCmd := &cobra.Command{
		Use:   "flash <firmware.uf2>",
		Short: "Flash a UF2 image to the device",
		Long: `Flash a UF2 firmware image to an RP2040 in BOOTSEL mode.

The covered flash sectors are erased first, the image is written in
address order, optionally verified by readback, and the device is
rebooted into the new program.`,
		Args: cobra.ExactArgs(1),
		RunE: runFlash,
	}
	flashCmd.Flags().BoolVar(&verifyFlag, "verify", true, "Verify written data by readback")
	flashCmd.Flags().BoolVar(&eraseOnlyFlag, "erase-only", false, "Erase the covered sectors without writing or rebooting")
	flashCmd.Flags().DurationVar(&timeoutFlag, "timeout", flasher.DefaultConfig().Timeout, "Per-transfer timeout")
	flashCmd.Flags().IntVar(&retriesFlag, "retries", flasher.DefaultConfig().MaxRetries, "Retries for transient transfer failures")

	infoCmd := &cobra.Command{
		Use:   "info",
		Short: "List devices in BOOTSEL mode",
		RunE:  runInfo,
	}

	rebootCmd := &cobra.Command{
		Use:   "reboot",
		Short: "Reboot the device out of the bootloader",
		RunE:  runReboot,
	}

	monitorCmd := &cobra.Command{
		Use:   "monitor",
		Short: "Attach to the device's serial output after reboot",
		RunE:  runMonitor,
	}
	monitorCmd.Flags().StringVarP(&portFlag, "port", "p", "", "Serial port (first available if not specified)")
	monitorCmd.Flags().IntVarP(&baudFlag, "baud", "b", monitor.DefaultBaudRate, "Baud rate")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("picoflash %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}

	rootCmd.AddCommand(flashCmd, infoCmd, rebootCmd, monitorCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runFlash(cmd *cobra.Command, args []string) error {
	firmwarePath := args[0]

	raw, err := os.ReadFile(firmwarePath)
	if err != nil {
		return fmt.Errorf("failed to read firmware file: %w", err)
	}

	blocks, err := uf2.Parse(raw)
	if err != nil {
		return fmt.Errorf("failed to parse %s: %w", firmwarePath, err)
	}
	fmt.Printf("Firmware: %s (%d blocks)\n", firmwarePath, len(blocks))

	dev, err := openDevice()
	if err != nil {
		return err
	}
	defer dev.Close()

	cfg := flasher.DefaultConfig()
	cfg.Verify = verifyFlag
	cfg.EraseOnly = eraseOnlyFlag
	cfg.Timeout = timeoutFlag
	cfg.MaxRetries = retriesFlag

	f := flasher.New(dev, cfg)

	var bar *progressbar.ProgressBar
	f.SetProgressCallback(func(current, total int) {
		if bar == nil {
			bar = progressbar.NewOptions(total,
				progressbar.OptionSetDescription("Flashing"),
				progressbar.OptionSetWidth(40),
				progressbar.OptionShowBytes(false),
				progressbar.OptionSetPredictTime(true),
				progressbar.OptionThrottle(100),
				progressbar.OptionShowCount(),
				progressbar.OptionClearOnFinish(),
			)
		}
		bar.Set(current)
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	report, err := f.Flash(ctx, blocks)
	if bar != nil {
		bar.Finish()
	}
	if err != nil {
		return err
	}

	if eraseOnlyFlag {
		fmt.Printf("\nErased %d sector(s) in %s. Device left in BOOTSEL mode.\n",
			report.SectorsErased, report.Elapsed.Round(10*time.Millisecond))
		return nil
	}
	fmt.Printf("\nFlash complete: %d bytes written, %d sector(s) erased in %s.\n",
		report.BytesWritten, report.SectorsErased, report.Elapsed.Round(10*time.Millisecond))
	fmt.Println("Device rebooting into the new firmware.")
	return nil
}

func runInfo(cmd *cobra.Command, args []string) error {
	results, err := detect.Scan()
	if err != nil && len(results) == 0 {
		return err
	}

	if len(results) == 0 {
		fmt.Println("No devices in BOOTSEL mode found.")
		fmt.Println("Hold the BOOTSEL button while plugging the device in.")
		return nil
	}

	fmt.Printf("Found %d device(s):\n\n", len(results))
	for i, r := range results {
		fmt.Printf("Device %d:\n", i+1)
		fmt.Printf("  Chip:    %s\n", r.ChipName)
		fmt.Printf("  USB:     %04x:%04x\n", r.VendorID, r.ProductID)
		fmt.Printf("  Bus:     %d, address %d\n", r.Bus, r.Address)
		fmt.Println()
	}
	if err != nil {
		fmt.Printf("Warning: %v\n", err)
	}
	return nil
}

func runReboot(cmd *cobra.Command, args []string) error {
	dev, err := openDevice()
	if err != nil {
		return err
	}
	defer dev.Close()

	s := session.New(dev, session.DefaultConfig())
	defer s.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	if err := s.ClaimAccess(ctx); err != nil {
		return err
	}
	if err := s.Reboot(ctx, 0, protocol.StackPointer, protocol.RebootDelayMs); err != nil {
		return err
	}
	fmt.Println("Device rebooting.")
	return nil
}

func runMonitor(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	fmt.Println("Attaching to serial output (Ctrl-C to stop)...")
	return monitor.Attach(ctx, portFlag, baudFlag, os.Stdout)
}

func openDevice() (*transport.USBDevice, error) {
	dev, err := transport.Open(protocol.VendorID, protocol.ProductID)
	if err != nil {
		if errors.Is(err, transport.ErrDeviceNotFound) {
			return nil, fmt.Errorf("%w\nHold the BOOTSEL button while plugging the device in", err)
		}
		return nil, err
	}
	return dev, nil
}
