package boot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bigbag/sdboot/internal/diag"
	"github.com/bigbag/sdboot/internal/flasher"
	"github.com/bigbag/sdboot/internal/handoff"
	"github.com/bigbag/sdboot/internal/nvm"
	"github.com/bigbag/sdboot/internal/storage"
	"github.com/bigbag/sdboot/internal/update"
)

// DefaultMountRetryDelay is the wait before the reset that follows a failed
// mount.
const DefaultMountRetryDelay = 5 * time.Second

var (
	// ErrMountFailed is returned when the storage probe fails.
	ErrMountFailed = errors.New("storage mount failed")
	// ErrHandoffFailed is returned when the application cannot be started.
	ErrHandoffFailed = errors.New("handoff failed")
)

// Resetter restarts the system. On hardware Reset does not return.
type Resetter interface {
	Reset()
}

// ResetFunc adapts a function to Resetter.
type ResetFunc func()

// Reset calls f.
func (f ResetFunc) Reset() {
	f()
}

// Config holds the boot sequence configuration.
type Config struct {
	// LUN is the drive number of the storage volume.
	LUN int

	// Slots are checked for markers in order.
	Slots []update.Slot

	// AppBase is where images are copied and the application starts.
	AppBase uint32

	// MountRetryDelay is the wait before a reset. Zero resets at once.
	MountRetryDelay time.Duration

	// Validator checks the application vectors (optional)
	Validator handoff.Validator

	// Flasher options, applied after the logger option.
	Flasher []flasher.Option

	// Logger receives diagnostics (optional)
	Logger diag.Logger
}

// Result describes what one Run did.
type Result struct {
	Slot    update.Slot
	Report  *flasher.Report
	CopyErr error
	Reset   bool
}

// Sequence is one pass of the bootloader.
type Sequence struct {
	volume   storage.Volume
	dev      nvm.Driver
	selector *update.Selector
	flasher  *flasher.Flasher
	handoff  *handoff.Handoff
	reset    Resetter
	config   Config
	log      diag.Logger
}

// NewSequence wires the boot sequence. The volume is registered as the first
// peripheral deinitialized at handoff.
func NewSequence(cfg Config, vol storage.Volume, dev nvm.Driver, cpu handoff.CPU, reset Resetter) *Sequence {
	if cfg.Logger == nil {
		cfg.Logger = diag.Nop
	}
	if cfg.Slots == nil {
		cfg.Slots = update.DefaultSlots()
	}

	opts := append([]flasher.Option{flasher.WithLogger(cfg.Logger)}, cfg.Flasher...)

	h := handoff.New(cpu, dev, cfg.Logger)
	if cfg.Validator != nil {
		h.SetValidator(cfg.Validator)
	}
	h.AddPeripheral("storage", vol)

	return &Sequence{
		volume:   vol,
		dev:      dev,
		selector: update.NewSelector(vol, cfg.LUN, cfg.Slots, cfg.Logger),
		flasher:  flasher.New(dev, opts...),
		handoff:  h,
		reset:    reset,
		config:   cfg,
		log:      cfg.Logger,
	}
}

// AddPeripheral registers hardware to deinitialize before the jump, after
// the ones already registered.
func (s *Sequence) AddPeripheral(name string, p handoff.Peripheral) {
	s.handoff.AddPeripheral(name, p)
}

// SetProgressCallback sets the copy progress callback.
func (s *Sequence) SetProgressCallback(cb flasher.ProgressCallback) {
	s.flasher.SetProgressCallback(cb)
}

// Run executes the sequence. Copy failures are only logged; the application
// is started either way. When the volume cannot be mounted or the
// application is rejected, Run waits the mount retry delay and resets.
// It returns only when the CPU and the resetter are host stand-ins, or when
// ctx is cancelled during the wait.
func (s *Sequence) Run(ctx context.Context) (*Result, error) {
	res := &Result{Slot: update.None}
	s.log.Info("enter bootloader")

	if err := s.volume.Probe(); err != nil {
		s.log.Error("storage mount failed", "lun", s.config.LUN, "err", err)
		res.Reset = true
		if err := s.resetAfterDelay(ctx); err != nil {
			return res, err
		}
		return res, fmt.Errorf("%w: %v", ErrMountFailed, err)
	}
	s.log.Info("storage mounted", "lun", s.config.LUN)

	slot, err := s.selector.Select()
	if err != nil {
		s.log.Error("no update selected", "err", err)
		slot = update.None
	}
	res.Slot = slot

	if !slot.IsNone() {
		s.log.Info("NVM Info: " + s.dev.Geometry().String())

		image := s.selector.ImagePath(slot)
		res.Report, res.CopyErr = s.flasher.CopyImage(s.volume, image, s.config.AppBase)
		s.logCopy(image, res)
	}

	if err := s.handoff.Jump(s.config.AppBase); err != nil {
		res.Reset = true
		if err := s.resetAfterDelay(ctx); err != nil {
			return res, err
		}
		return res, fmt.Errorf("%w: %v", ErrHandoffFailed, err)
	}
	return res, nil
}

func (s *Sequence) logCopy(image string, res *Result) {
	switch {
	case res.CopyErr != nil:
		s.log.Error("update failed", "image", image, "err", res.CopyErr)
	case !res.Report.OK():
		for _, f := range res.Report.Failed {
			s.log.Error("Error Detected While Copying Row", "row", f.Row, "attempts", f.Attempts, "err", f.Err)
		}
		s.log.Error("update finished with errors", "image", image, "failed", len(res.Report.Failed), "rows", res.Report.Rows)
	default:
		s.log.Info("update finished", "image", image, "rows", res.Report.Rows,
			"crc", fmt.Sprintf("0x%08X", res.Report.ImageCRC))
	}
}

func (s *Sequence) resetAfterDelay(ctx context.Context) error {
	delay := s.config.MountRetryDelay
	s.log.Info("system reset", "delay", delay)

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	s.reset.Reset()
	return nil
}
