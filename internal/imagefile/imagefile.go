package imagefile

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/marcinbor85/gohex"
)

// Padding fills gaps between HEX segments, matching erased flash.
const Padding = 0xFF

var (
	// ErrEmpty is returned for a HEX file without data records.
	ErrEmpty = errors.New("image has no data")
	// ErrBelowBase is returned when HEX data starts before the image base.
	ErrBelowBase = errors.New("image data below base address")
)

// Load reads an image file. Files ending in .hex or .ihex are parsed as
// Intel HEX and flattened from base; anything else is a raw binary.
func Load(path string, base uint32) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".hex", ".ihex":
		data, err := FromHex(f, base)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return data, nil
	default:
		return io.ReadAll(f)
	}
}

// FromHex parses Intel HEX and returns the bytes from base to the end of the
// last segment, gaps filled with Padding.
func FromHex(r io.Reader, base uint32) ([]byte, error) {
	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(r); err != nil {
		return nil, fmt.Errorf("parse intel hex: %w", err)
	}

	segments := mem.GetDataSegments()
	if len(segments) == 0 {
		return nil, ErrEmpty
	}

	end := base
	for _, seg := range segments {
		if seg.Address < base {
			return nil, fmt.Errorf("%w: segment at 0x%X, base 0x%X", ErrBelowBase, seg.Address, base)
		}
		if e := seg.Address + uint32(len(seg.Data)); e > end {
			end = e
		}
	}
	return mem.ToBinary(base, end-base, Padding), nil
}

// WriteHex writes data at base as Intel HEX. With trim set, trailing erased
// bytes are left out.
func WriteHex(w io.Writer, base uint32, data []byte, trim bool) error {
	if trim {
		data = TrimErased(data)
	}
	mem := gohex.NewMemory()
	if len(data) > 0 {
		if err := mem.AddBinary(base, data); err != nil {
			return fmt.Errorf("add segment at 0x%X: %w", base, err)
		}
	}
	return mem.DumpIntelHex(w, 16)
}

// TrimErased drops trailing Padding bytes.
func TrimErased(data []byte) []byte {
	end := len(data)
	for end > 0 && data[end-1] == Padding {
		end--
	}
	return data[:end]
}
