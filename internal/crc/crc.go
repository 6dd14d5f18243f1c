package crc

import (
	"fmt"
	"hash/crc32"
	"io"

	"github.com/bigbag/sdboot/internal/nvm"
)

// DefaultSeed is the register preset used by the bootloader.
const DefaultSeed = 0xFFFFFFFF

var table = crc32.MakeTable(crc32.IEEE)

// Engine computes CRC-32 like the device service unit: the register is
// preset to the seed and no final inversion is applied, so the checksum of
// an empty buffer is the seed.
type Engine struct {
	seed uint32
	hw   nvm.RawAccess
}

// New creates an Engine with the given seed. hw may be nil when the memory
// needs no cache bypass for checksum reads.
func New(seed uint32, hw nvm.RawAccess) *Engine {
	return &Engine{seed: seed, hw: hw}
}

// Seed returns the register preset.
func (e *Engine) Seed() uint32 {
	return e.seed
}

// Sum returns the checksum of buf.
func (e *Engine) Sum(buf []byte) uint32 {
	return e.Update(e.seed, buf)
}

// Update continues a checksum from state over buf. Feeding a stream chunk by
// chunk gives the same result as Sum over the concatenation.
func (e *Engine) Update(state uint32, buf []byte) uint32 {
	// crc32.Update inverts on entry and exit; undo both.
	return ^crc32.Update(^state, table, buf)
}

// SumAt returns the checksum of n bytes of r starting at addr. Reads are
// bracketed by the raw access capability when one is configured.
func (e *Engine) SumAt(r io.ReaderAt, addr uint32, n int) (sum uint32, err error) {
	if e.hw != nil {
		if err := e.hw.BeginRawRead(); err != nil {
			return 0, fmt.Errorf("begin raw read: %w", err)
		}
		defer func() {
			if endErr := e.hw.EndRawRead(); endErr != nil && err == nil {
				err = fmt.Errorf("end raw read: %w", endErr)
			}
		}()
	}

	buf := make([]byte, n)
	if _, err := r.ReadAt(buf, int64(addr)); err != nil {
		return 0, fmt.Errorf("read 0x%X+%d: %w", addr, n, err)
	}
	return e.Sum(buf), nil
}
