package nvm

import (
	"errors"
	"fmt"
	"io"
)

// ErasedByte is the value of every byte of an erased row.
const ErasedByte = 0xFF

var (
	// ErrUnaligned is returned for an address not aligned to the operation unit.
	ErrUnaligned = errors.New("unaligned address")

	// ErrOutOfRange is returned for an address outside the memory.
	ErrOutOfRange = errors.New("address out of range")

	// ErrPageSize is returned when a write is not exactly one page long.
	ErrPageSize = errors.New("data is not one page")

	// ErrRawAccess is returned for unbalanced BeginRawRead/EndRawRead calls.
	ErrRawAccess = errors.New("unbalanced raw read access")
)

// Geometry describes the erase and write granularity of the memory.
type Geometry struct {
	PageSize  int // bytes per page, the write unit
	RowSize   int // bytes per row, the erase unit
	PageCount int // total pages
}

// PagesPerRow returns the number of pages in one row.
func (g Geometry) PagesPerRow() int {
	return g.RowSize / g.PageSize
}

// Size returns the memory size in bytes.
func (g Geometry) Size() int {
	return g.PageSize * g.PageCount
}

// RowCount returns the number of rows.
func (g Geometry) RowCount() int {
	return g.Size() / g.RowSize
}

// Validate checks that rows are a whole number of pages and the memory a
// whole number of rows.
func (g Geometry) Validate() error {
	if g.PageSize <= 0 || g.RowSize <= 0 || g.PageCount <= 0 {
		return fmt.Errorf("invalid geometry %+v", g)
	}
	if g.RowSize%g.PageSize != 0 {
		return fmt.Errorf("row size %d is not a multiple of page size %d", g.RowSize, g.PageSize)
	}
	if g.Size()%g.RowSize != 0 {
		return fmt.Errorf("memory size %d is not a multiple of row size %d", g.Size(), g.RowSize)
	}
	return nil
}

// String returns the NVM info line printed at boot.
func (g Geometry) String() string {
	return fmt.Sprintf("Number of Pages %d. Size of a page: %d bytes. Size of a row: %d bytes",
		g.PageCount, g.PageSize, g.RowSize)
}

// Driver is the NVM controller. Flash is erased by row and written by page;
// programming can only clear bits.
type Driver interface {
	// Geometry returns the memory layout reported by the controller.
	Geometry() Geometry

	// EraseRow resets the row at a row-aligned address to ErasedByte.
	EraseRow(addr uint32) error

	// WritePage programs one page at a page-aligned address.
	WritePage(addr uint32, page []byte) error

	// ReadAt reads memory content back; off is an absolute address.
	io.ReaderAt
}

// RawAccess brackets checksum reads that must bypass the NVM read cache.
// Every BeginRawRead is paired with exactly one EndRawRead.
type RawAccess interface {
	BeginRawRead() error
	EndRawRead() error
}
