package handoff

import "fmt"

// Region is an address window [Start, Start+Size).
type Region struct {
	Start uint32
	Size  uint32
}

// Contains reports whether addr lies inside the region.
func (r Region) Contains(addr uint32) bool {
	return addr >= r.Start && uint64(addr) < uint64(r.Start)+uint64(r.Size)
}

// RangeValidator returns a Validator that accepts a stack pointer inside ram
// (the top of ram included) and word aligned, and a Thumb entry point inside
// flash behind the image base.
func RangeValidator(ram, flash Region) Validator {
	return func(base uint32, v Vectors) error {
		if v.StackPointer == 0xFFFFFFFF && v.Entry == 0xFFFFFFFF {
			return fmt.Errorf("no application at 0x%X (erased)", base)
		}
		if v.StackPointer%4 != 0 {
			return fmt.Errorf("stack pointer 0x%08X not word aligned", v.StackPointer)
		}
		top := uint64(ram.Start) + uint64(ram.Size)
		if v.StackPointer <= ram.Start || uint64(v.StackPointer) > top {
			return fmt.Errorf("stack pointer 0x%08X outside RAM 0x%08X-0x%08X", v.StackPointer, ram.Start, top)
		}
		if v.Entry&1 == 0 {
			return fmt.Errorf("entry 0x%08X is not a Thumb address", v.Entry)
		}
		entry := v.Entry &^ 1
		if entry < base+EntryOffset+4 || !flash.Contains(entry) {
			return fmt.Errorf("entry 0x%08X outside application", v.Entry)
		}
		return nil
	}
}
