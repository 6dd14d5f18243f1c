package flasher

import (
	"errors"
	"fmt"
)

var (
	// ErrImageNotFound is returned when the image file does not exist.
	ErrImageNotFound = errors.New("image not found")

	// ErrImageTooLarge is returned when the image does not fit behind the base address.
	ErrImageTooLarge = errors.New("image does not fit in NVM")

	// ErrGeometry is returned when the copy chunk size does not match the NVM row size.
	ErrGeometry = errors.New("chunk size does not match NVM row size")

	// ErrNotBlank is the cause of an EraseError when a row does not read back erased.
	ErrNotBlank = errors.New("row not blank after erase")
)

// EraseError indicates that a row could not be erased.
type EraseError struct {
	Row  int
	Addr uint32
	Err  error
}

func (e *EraseError) Error() string {
	return fmt.Sprintf("erase row %d at 0x%X: %v", e.Row, e.Addr, e.Err)
}

func (e *EraseError) Unwrap() error { return e.Err }

// WriteError indicates that a page could not be written.
type WriteError struct {
	Row  int
	Addr uint32
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write row %d page at 0x%X: %v", e.Row, e.Addr, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// ReadShortError indicates that fewer bytes than expected were read for a
// row other than at the end of the image.
type ReadShortError struct {
	Row  int
	Want int
	Got  int
	Err  error
}

func (e *ReadShortError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("read row %d: got %d of %d bytes: %v", e.Row, e.Got, e.Want, e.Err)
	}
	return fmt.Sprintf("read row %d: got %d of %d bytes", e.Row, e.Got, e.Want)
}

func (e *ReadShortError) Unwrap() error { return e.Err }

// ChecksumMismatchError indicates that a flashed row differs from its source.
// Err is set when the flash checksum could not be computed at all.
type ChecksumMismatchError struct {
	Row    int
	Addr   uint32
	Source uint32
	Flash  uint32
	Err    error
}

func (e *ChecksumMismatchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("verify row %d at 0x%X: could not calculate CRC: %v", e.Row, e.Addr, e.Err)
	}
	return fmt.Sprintf("checksum mismatch for row %d at 0x%X: source 0x%08X, flash 0x%08X",
		e.Row, e.Addr, e.Source, e.Flash)
}

func (e *ChecksumMismatchError) Unwrap() error { return e.Err }

// PartialFailureError is returned by CopyImage when the Abort policy stopped
// the copy. Rows before Row were copied.
type PartialFailureError struct {
	Row int
	Err error
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("copy aborted at row %d: %v", e.Row, e.Err)
}

func (e *PartialFailureError) Unwrap() error { return e.Err }
