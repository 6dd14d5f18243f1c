package nvm

import (
	"fmt"
	"io"
)

// OpKind identifies a recorded memory operation.
type OpKind int

const (
	OpErase OpKind = iota
	OpWrite
)

func (k OpKind) String() string {
	if k == OpErase {
		return "erase"
	}
	return "write"
}

// Op is one erase or write issued to a Memory.
type Op struct {
	Kind OpKind
	Addr uint32
}

// Memory is a simulated NVM controller over a byte array.
type Memory struct {
	// FailErase and FailWrite inject errors for the given addresses.
	FailErase map[uint32]error
	FailWrite map[uint32]error

	// Stuck forces the given bits of a byte to zero after every write,
	// modelling a worn cell.
	Stuck map[uint32]byte

	geom     Geometry
	data     []byte
	ops      []Op
	raw      bool
	rawReads int
}

// NewMemory creates a fully erased memory with the given geometry.
func NewMemory(geom Geometry) (*Memory, error) {
	if err := geom.Validate(); err != nil {
		return nil, err
	}

	data := make([]byte, geom.Size())
	for i := range data {
		data[i] = ErasedByte
	}
	return &Memory{geom: geom, data: data}, nil
}

// Geometry returns the memory layout.
func (m *Memory) Geometry() Geometry {
	return m.geom
}

func (m *Memory) check(addr uint32, unit, length int) error {
	if int(addr)%unit != 0 {
		return fmt.Errorf("0x%X: %w (unit %d)", addr, ErrUnaligned, unit)
	}
	if int(addr)+length > len(m.data) {
		return fmt.Errorf("0x%X: %w", addr, ErrOutOfRange)
	}
	return nil
}

// EraseRow resets one row to ErasedByte.
func (m *Memory) EraseRow(addr uint32) error {
	if err := m.check(addr, m.geom.RowSize, m.geom.RowSize); err != nil {
		return err
	}
	if err, ok := m.FailErase[addr]; ok {
		return err
	}

	m.ops = append(m.ops, Op{Kind: OpErase, Addr: addr})
	row := m.data[addr : int(addr)+m.geom.RowSize]
	for i := range row {
		row[i] = ErasedByte
	}
	return nil
}

// WritePage programs one page. Stored bits are the AND of the old and new
// content, as on real flash.
func (m *Memory) WritePage(addr uint32, page []byte) error {
	if len(page) != m.geom.PageSize {
		return fmt.Errorf("%w: %d bytes, page is %d", ErrPageSize, len(page), m.geom.PageSize)
	}
	if err := m.check(addr, m.geom.PageSize, m.geom.PageSize); err != nil {
		return err
	}
	if err, ok := m.FailWrite[addr]; ok {
		return err
	}

	m.ops = append(m.ops, Op{Kind: OpWrite, Addr: addr})
	for i, b := range page {
		a := addr + uint32(i)
		m.data[a] &= b &^ m.Stuck[a]
	}
	return nil
}

// ReadAt reads memory content starting at the absolute address off.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(m.data)) {
		return 0, fmt.Errorf("0x%X: %w", off, ErrOutOfRange)
	}

	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// BeginRawRead switches reads to bypass the cache.
func (m *Memory) BeginRawRead() error {
	if m.raw {
		return ErrRawAccess
	}
	m.raw = true
	return nil
}

// EndRawRead restores cached reads.
func (m *Memory) EndRawRead() error {
	if !m.raw {
		return ErrRawAccess
	}
	m.raw = false
	m.rawReads++
	return nil
}

// RawReads returns the number of completed raw read sections.
func (m *Memory) RawReads() int {
	return m.rawReads
}

// InRawRead reports whether a raw read section is open.
func (m *Memory) InRawRead() bool {
	return m.raw
}

// Ops returns every erase and write issued, in order.
func (m *Memory) Ops() []Op {
	return m.ops
}

// Count returns the number of recorded operations of one kind.
func (m *Memory) Count(kind OpKind) int {
	n := 0
	for _, op := range m.ops {
		if op.Kind == kind {
			n++
		}
	}
	return n
}

// ResetOps clears the operation log.
func (m *Memory) ResetOps() {
	m.ops = nil
}

// Bytes returns the memory content. The slice aliases the memory.
func (m *Memory) Bytes() []byte {
	return m.data
}

// ReadFrom loads a raw memory image. A shorter image leaves the remaining
// bytes erased.
func (m *Memory) ReadFrom(r io.Reader) (int64, error) {
	for i := range m.data {
		m.data[i] = ErasedByte
	}

	n, err := io.ReadFull(r, m.data)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return int64(n), nil
	}
	if err != nil {
		return int64(n), err
	}

	var extra [1]byte
	if k, _ := r.Read(extra[:]); k > 0 {
		return int64(n), fmt.Errorf("image larger than memory (%d bytes)", len(m.data))
	}
	return int64(n), nil
}

// WriteTo saves the raw memory image.
func (m *Memory) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(m.data)
	return int64(n), err
}
