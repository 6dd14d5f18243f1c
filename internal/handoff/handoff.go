package handoff

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/bigbag/sdboot/internal/diag"
)

const (
	// EntryOffset is the offset of the reset vector from the image base.
	EntryOffset = 4

	// VectorTableMask keeps the TBLOFF bits of VTOR.
	VectorTableMask = 0xFFFFFF80
)

// ErrInvalidVectors is returned when the validation hook rejects the
// application's vector table. No hardware has been touched at that point.
var ErrInvalidVectors = errors.New("invalid application vectors")

// CPU performs the privileged steps of the transfer.
type CPU interface {
	// SetStackPointer loads the main stack pointer.
	SetStackPointer(sp uint32)

	// SetVectorTable rebases the exception vector table.
	SetVectorTable(base uint32)

	// Jump branches to entry. On hardware it never returns.
	Jump(entry uint32)
}

// Peripheral is hardware the bootloader initialized and must release.
type Peripheral interface {
	Close() error
}

// Vectors are the first two words of an application image.
type Vectors struct {
	StackPointer uint32
	Entry        uint32
}

// Validator checks the vectors before the jump.
type Validator func(base uint32, v Vectors) error

type peripheral struct {
	name string
	dev  Peripheral
}

// Handoff deinitializes peripherals and jumps into the application.
type Handoff struct {
	cpu         CPU
	mem         io.ReaderAt
	logger      diag.Logger
	validate    Validator
	peripherals []peripheral
}

// New creates a Handoff reading vectors from mem. A nil logger discards
// diagnostics.
func New(cpu CPU, mem io.ReaderAt, logger diag.Logger) *Handoff {
	if logger == nil {
		logger = diag.Nop
	}
	return &Handoff{cpu: cpu, mem: mem, logger: logger}
}

// SetValidator installs a hook run on the vectors before anything is
// deinitialized. Without one the jump is unconditional.
func (h *Handoff) SetValidator(v Validator) {
	h.validate = v
}

// AddPeripheral registers hardware to deinitialize before the jump.
// Peripherals are closed in registration order.
func (h *Handoff) AddPeripheral(name string, p Peripheral) {
	h.peripherals = append(h.peripherals, peripheral{name: name, dev: p})
}

// ReadVectors reads the stack pointer (word 0) and reset vector (word 1) of
// the vector table at base.
func ReadVectors(mem io.ReaderAt, base uint32) (Vectors, error) {
	var words [8]byte
	if _, err := mem.ReadAt(words[:], int64(base)); err != nil {
		return Vectors{}, fmt.Errorf("read vectors at 0x%X: %w", base, err)
	}
	return Vectors{
		StackPointer: binary.LittleEndian.Uint32(words[0:4]),
		Entry:        binary.LittleEndian.Uint32(words[EntryOffset : EntryOffset+4]),
	}, nil
}

// Jump runs the handoff for the application at base: deinitialize every
// peripheral, load the stack pointer, rebase the vector table and branch to
// the reset vector. It only returns on a CPU that does not really branch, or
// with an error when the vectors cannot be read or are rejected.
func (h *Handoff) Jump(base uint32) error {
	v, err := ReadVectors(h.mem, base)
	if err != nil {
		h.logger.Error("cannot read application vectors", "err", err)
		return err
	}

	if h.validate != nil {
		if err := h.validate(base, v); err != nil {
			h.logger.Error("application rejected",
				"sp", fmt.Sprintf("0x%08X", v.StackPointer),
				"entry", fmt.Sprintf("0x%08X", v.Entry),
				"err", err,
			)
			return fmt.Errorf("%w: %v", ErrInvalidVectors, err)
		}
	}

	h.logger.Info("exit bootloader",
		"base", fmt.Sprintf("0x%X", base),
		"sp", fmt.Sprintf("0x%08X", v.StackPointer),
		"entry", fmt.Sprintf("0x%08X", v.Entry),
	)

	// Past this point nothing can be reported to the console.
	for _, p := range h.peripherals {
		if err := p.dev.Close(); err != nil {
			h.logger.Debug("deinitialize failed", "peripheral", p.name, "err", err)
		}
	}

	h.cpu.SetStackPointer(v.StackPointer)
	h.cpu.SetVectorTable(base & VectorTableMask)
	h.cpu.Jump(v.Entry)
	return nil
}
