package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/bigbag/sdboot/internal/board"
	"github.com/bigbag/sdboot/internal/boot"
	"github.com/bigbag/sdboot/internal/diag"
	"github.com/bigbag/sdboot/internal/flasher"
	"github.com/bigbag/sdboot/internal/handoff"
	"github.com/bigbag/sdboot/internal/imagefile"
	"github.com/bigbag/sdboot/internal/mqtt"
	"github.com/bigbag/sdboot/internal/nvm"
	"github.com/bigbag/sdboot/internal/serial"
	"github.com/bigbag/sdboot/internal/storage"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	boardFlag      string
	storageFlag    string
	nvmFlag        string
	policyFlag     string
	blankCheckFlag bool
	validateFlag   bool
	delayFlag      time.Duration
	consoleFlag    string
	baudFlag       int
	mqttFlag       string
	verboseFlag    bool
	slotFlag       string
	noFlagFlag     bool
	formatFlag     string
	allFlag        bool
)

func main() {
	err := newRootCmd().Execute()
	glog.Flush()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sdboot",
		Short: "SD card bootloader for Cortex-M boards",
		Long: `sdboot runs the firmware-update core of an SD card bootloader.

An update is requested by a marker file (FlagA.txt or FlagB.txt) on the
card. At boot the marker is consumed, the matching image (TestA.bin or
TestB.bin) is copied into NVM row by row and verified, and control passes
to the application.

On a development host the card is a directory and NVM is a file.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&boardFlag, "board", "", "Board profile (YAML, default: embedded samd21g18)")
	rootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)

	// Boot command
	bootCmd := &cobra.Command{
		Use:   "boot",
		Short: "Run the boot sequence",
		Long: `Run one pass of the bootloader against a storage directory and an NVM image:

  - mount (probe) the storage, reset after a delay if that fails
  - consume the first boot flag found and copy its image into NVM
  - hand off to the application at the board's app base`,
		Args: cobra.NoArgs,
		RunE: runBoot,
	}
	bootCmd.Flags().StringVarP(&storageFlag, "storage", "s", "", "Storage directory (the SD card root)")
	bootCmd.Flags().StringVarP(&nvmFlag, "nvm", "n", "nvm.bin", "NVM image file (created erased if missing)")
	bootCmd.Flags().StringVar(&policyFlag, "policy", "", "Row error policy: continue, abort, retry[:N]")
	bootCmd.Flags().BoolVar(&blankCheckFlag, "blank-check", false, "Check every row is blank after erase")
	bootCmd.Flags().BoolVar(&validateFlag, "validate", false, "Validate the application vectors before the jump")
	bootCmd.Flags().DurationVar(&delayFlag, "delay", boot.DefaultMountRetryDelay, "Wait before reset (0 resets at once)")
	bootCmd.Flags().StringVarP(&consoleFlag, "console", "p", "", "Serial port for the diagnostic console")
	bootCmd.Flags().IntVarP(&baudFlag, "baud", "b", serial.DefaultBaudRate, "Console baud rate")
	bootCmd.Flags().StringVar(&mqttFlag, "mqtt", "", "Publish diagnostics to an MQTT broker (mqtt://host:1883/prefix)")
	bootCmd.Flags().BoolVar(&verboseFlag, "verbose", false, "Echo debug lines to the console")
	bootCmd.MarkFlagRequired("storage")

	// Stage command
	stageCmd := &cobra.Command{
		Use:   "stage <image.bin|image.hex>",
		Short: "Put an update image and its boot flag on the storage",
		Long: `Copy an image into an update slot on the storage and set the slot's boot flag.

Intel HEX files are flattened from the board's app base, gaps filled with 0xFF.
The other slots' boot flags are removed.`,
		Args: cobra.ExactArgs(1),
		RunE: runStage,
	}
	stageCmd.Flags().StringVarP(&storageFlag, "storage", "s", "", "Storage directory (the SD card root)")
	stageCmd.Flags().StringVar(&slotFlag, "slot", "A", "Update slot")
	stageCmd.Flags().BoolVar(&noFlagFlag, "no-flag", false, "Copy the image without setting the boot flag")
	stageCmd.MarkFlagRequired("storage")

	// Dump command
	dumpCmd := &cobra.Command{
		Use:   "dump <output>",
		Short: "Write the application area of an NVM image",
		Long:  "Write NVM from the board's app base as raw binary or Intel HEX (chosen by --format or the file extension).",
		Args:  cobra.ExactArgs(1),
		RunE:  runDump,
	}
	dumpCmd.Flags().StringVarP(&nvmFlag, "nvm", "n", "nvm.bin", "NVM image file")
	dumpCmd.Flags().StringVar(&formatFlag, "format", "", "Output format: bin or hex")
	dumpCmd.Flags().BoolVar(&allFlag, "all", false, "Keep trailing erased bytes")

	// Info command
	infoCmd := &cobra.Command{
		Use:   "info",
		Short: "Show board profile and update slots",
		Args:  cobra.NoArgs,
		RunE:  runInfo,
	}
	infoCmd.Flags().StringVarP(&storageFlag, "storage", "s", "", "Storage directory to inspect")

	// Version command
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("sdboot %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}

	// List command
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List available serial ports",
		RunE:  runList,
	}

	rootCmd.AddCommand(bootCmd, stageCmd, dumpCmd, infoCmd, versionCmd, listCmd)
	return rootCmd
}

func loadProfile(cmd *cobra.Command) (*board.Profile, error) {
	var (
		p   *board.Profile
		err error
	)
	if boardFlag != "" {
		p, err = board.Load(boardFlag)
	} else {
		p, err = board.Default()
	}
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("policy") {
		p.RowErrorPolicy = policyFlag
	}
	if flags.Changed("blank-check") {
		p.BlankCheck = blankCheckFlag
	}
	if flags.Changed("validate") {
		p.ValidateVectors = validateFlag
	}
	if flags.Changed("delay") {
		p.MountRetryDelay = delayFlag
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func loadNVM(path string, geom nvm.Geometry) (*nvm.Memory, error) {
	mem, err := nvm.NewMemory(geom)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return mem, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open NVM image: %w", err)
	}
	defer f.Close()

	if _, err := mem.ReadFrom(f); err != nil {
		return nil, fmt.Errorf("failed to load NVM image %s: %w", path, err)
	}
	return mem, nil
}

func saveNVM(path string, mem *nvm.Memory) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create NVM image: %w", err)
	}
	if _, err := mem.WriteTo(f); err != nil {
		f.Close()
		return fmt.Errorf("failed to write NVM image: %w", err)
	}
	return f.Close()
}

// sink is a diagnostic output shut down at handoff.
type sink struct {
	name string
	dev  io.Closer
}

func runBoot(cmd *cobra.Command, args []string) error {
	profile, err := loadProfile(cmd)
	if err != nil {
		return err
	}

	mem, err := loadNVM(nvmFlag, profile.Geometry())
	if err != nil {
		return err
	}

	vol, err := storage.OpenDir(storageFlag, profile.LUN)
	if err != nil {
		return err
	}

	console := diag.NewConsole()
	console.Verbose = verboseFlag

	var sinks []sink

	if consoleFlag != "" {
		port, err := serial.Open(consoleFlag, baudFlag)
		if err != nil {
			return err
		}
		closer := console.AttachCloser(port)
		defer closer.Close()
		sinks = append(sinks, sink{"console", closer})
		fmt.Printf("Console: %s @ %d baud\n", port.PortName(), port.BaudRate())
	}

	if mqttFlag != "" {
		pub, err := mqtt.NewPublisherFromURL(mqttFlag)
		if err != nil {
			return fmt.Errorf("invalid broker url: %w", err)
		}
		if err := pub.Connect(); err != nil {
			return err
		}
		closer := console.AttachCloser(pub)
		defer closer.Close()
		sinks = append(sinks, sink{"mqtt", closer})
		fmt.Printf("Publishing to %s\n", pub.Topic)
	}

	fmt.Printf("Board:   %s (app at 0x%X)\n", profile.Name, profile.AppBase)
	fmt.Printf("Storage: %s\n", vol.Root())
	fmt.Printf("NVM:     %s (%s)\n", nvmFlag, profile.Geometry())

	cfg := boot.Config{
		LUN:             profile.LUN,
		Slots:           profile.UpdateSlots(),
		AppBase:         profile.AppBase,
		MountRetryDelay: profile.MountRetryDelay,
		Logger:          console,
		Flasher: []flasher.Option{
			flasher.WithPolicy(profile.Policy()),
			flasher.WithBlankCheck(profile.BlankCheck),
			flasher.WithChunkSize(profile.ChunkSize),
			flasher.WithSeed(profile.CRCSeed),
		},
	}
	if profile.ValidateVectors {
		cfg.Validator = handoff.RangeValidator(profile.RAMRegion(), profile.FlashRegion())
	}

	cpu := &handoff.HostCPU{}
	reset := boot.ResetFunc(func() {
		fmt.Println("System reset")
	})

	seq := boot.NewSequence(cfg, vol, mem, cpu, reset)
	for _, s := range sinks {
		seq.AddPeripheral(s.name, s.dev)
	}

	var bar *progressbar.ProgressBar
	seq.SetProgressCallback(func(current, total int) {
		if bar == nil {
			bar = progressbar.NewOptions(total,
				progressbar.OptionSetDescription("Copying"),
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	res, err := seq.Run(ctx)
	if bar != nil {
		bar.Finish()
	}

	if res.Report != nil {
		if saveErr := saveNVM(nvmFlag, mem); saveErr != nil {
			return saveErr
		}
		printReport(res)
	} else if !res.Slot.IsNone() {
		fmt.Printf("Update %s failed: %v\n", res.Slot, res.CopyErr)
	} else if !res.Reset {
		fmt.Println("No update requested")
	}

	if err != nil {
		return err
	}

	fmt.Printf("Jump: SP=0x%08X entry=0x%08X VTOR=0x%08X\n", cpu.StackPointer, cpu.Entry, cpu.VectorTable)
	return nil
}

func printReport(res *boot.Result) {
	r := res.Report
	fmt.Printf("\nUpdate %s: %s (%d bytes, %d rows at 0x%X)\n", res.Slot, r.Image, r.Size, r.Rows, r.Base)
	fmt.Printf("  erases: %d, page writes: %d, image CRC: 0x%08X\n", r.Erases, r.PageWrites, r.ImageCRC)
	if r.OK() {
		fmt.Println("  all rows verified")
		return
	}
	for _, f := range r.Failed {
		fmt.Printf("  row %d failed after %d attempt(s): %v\n", f.Row, f.Attempts, f.Err)
	}
	if res.CopyErr != nil {
		fmt.Printf("  stopped: %v\n", res.CopyErr)
	}
}

func runStage(cmd *cobra.Command, args []string) error {
	imagePath := args[0]

	profile, err := loadProfile(cmd)
	if err != nil {
		return err
	}

	slot, ok := profile.Slot(strings.ToUpper(slotFlag))
	if !ok {
		return fmt.Errorf("unknown slot %q", slotFlag)
	}

	data, err := imagefile.Load(imagePath, profile.AppBase)
	if err != nil {
		return err
	}
	if int(profile.AppBase)+len(data) > profile.Geometry().Size() {
		return fmt.Errorf("%s: %w", imagePath, flasher.ErrImageTooLarge)
	}

	fmt.Printf("Image: %s (%d bytes, %d rows)\n", imagePath, len(data), flasher.CalculateRows(int64(len(data)), profile.RowSize))

	vol, err := storage.OpenDir(storageFlag, profile.LUN)
	if err != nil {
		return err
	}
	defer vol.Close()

	if err := vol.WriteFile(storage.Path(profile.LUN, slot.Image), data); err != nil {
		return fmt.Errorf("failed to write image: %w", err)
	}
	fmt.Printf("Wrote %s\n", filepath.Join(vol.Root(), slot.Image))

	if noFlagFlag {
		return nil
	}

	for _, other := range profile.UpdateSlots() {
		if other.ID == slot.ID {
			continue
		}
		err := vol.Remove(storage.Path(profile.LUN, other.Marker))
		if err == nil {
			fmt.Printf("Removed boot flag %s\n", other.Marker)
		} else if !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("failed to remove boot flag %s: %w", other.Marker, err)
		}
	}

	if err := vol.WriteFile(storage.Path(profile.LUN, slot.Marker), nil); err != nil {
		return fmt.Errorf("failed to write boot flag: %w", err)
	}
	fmt.Printf("Set boot flag %s\n", slot.Marker)
	return nil
}

func runDump(cmd *cobra.Command, args []string) error {
	out := args[0]

	profile, err := loadProfile(cmd)
	if err != nil {
		return err
	}

	mem, err := loadNVM(nvmFlag, profile.Geometry())
	if err != nil {
		return err
	}
	data := mem.Bytes()[profile.AppBase:]

	format := strings.ToLower(formatFlag)
	if format == "" {
		format = "bin"
		if ext := strings.ToLower(filepath.Ext(out)); ext == ".hex" || ext == ".ihex" {
			format = "hex"
		}
	}

	f, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("failed to create output: %w", err)
	}
	defer f.Close()

	switch format {
	case "hex":
		err = imagefile.WriteHex(f, profile.AppBase, data, !allFlag)
	case "bin":
		if !allFlag {
			data = imagefile.TrimErased(data)
		}
		_, err = f.Write(data)
	default:
		return fmt.Errorf("unknown format %q", formatFlag)
	}
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", out, err)
	}

	fmt.Printf("Dumped 0x%X.. to %s (%s)\n", profile.AppBase, out, format)
	return nil
}

func runInfo(cmd *cobra.Command, args []string) error {
	profile, err := loadProfile(cmd)
	if err != nil {
		return err
	}

	fmt.Printf("Board:    %s\n", profile.Name)
	fmt.Printf("App base: 0x%X\n", profile.AppBase)
	fmt.Printf("NVM:      %s\n", profile.Geometry())
	fmt.Printf("RAM:      0x%08X (%d bytes)\n", profile.RAM.Start, profile.RAM.Size)
	fmt.Printf("Policy:   %s, blank check: %t, validate vectors: %t\n",
		profile.Policy(), profile.BlankCheck, profile.ValidateVectors)
	fmt.Printf("Reset delay: %s\n", profile.MountRetryDelay)

	var vol *storage.DirVolume
	if storageFlag != "" {
		vol, err = storage.OpenDir(storageFlag, profile.LUN)
		if err != nil {
			return err
		}
		defer vol.Close()
	}

	fmt.Println("Slots:")
	for _, s := range profile.UpdateSlots() {
		fmt.Printf("  %s: flag %s, image %s\n", s.ID, storage.Path(profile.LUN, s.Marker), storage.Path(profile.LUN, s.Image))
		if vol == nil {
			continue
		}
		_, flagErr := vol.Stat(storage.Path(profile.LUN, s.Marker))
		size, imgErr := vol.Stat(storage.Path(profile.LUN, s.Image))
		state := "no image"
		if imgErr == nil {
			state = fmt.Sprintf("image %d bytes", size)
		}
		if flagErr == nil {
			state += ", flag set"
		}
		fmt.Printf("     %s\n", state)
	}
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	ports, err := serial.ListPorts()
	if err != nil {
		return err
	}

	if len(ports) == 0 {
		fmt.Println("No serial ports found")
		return nil
	}

	fmt.Println("Available serial ports:")
	for _, p := range ports {
		fmt.Printf("  %s\n", p)
	}

	return nil
}
