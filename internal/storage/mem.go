package storage

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
)

// MemVolume is an in-memory Volume.
type MemVolume struct {
	// MaxRead caps the number of bytes a single Read returns (0 = no cap).
	MaxRead int

	// Fail, when set, makes every operation fail with ErrUnavailable.
	Fail error

	lun     int
	files   map[string][]byte
	open    int
	removed []string
	closed  bool
}

// NewMemVolume creates an empty in-memory volume mounted as drive lun.
func NewMemVolume(lun int) *MemVolume {
	return &MemVolume{
		lun:   lun,
		files: make(map[string][]byte),
	}
}

func (v *MemVolume) check(name string) (string, error) {
	if v.closed {
		return "", ErrUnavailable
	}
	if v.Fail != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, v.Fail)
	}
	return resolve(name, v.lun)
}

// WriteFile creates or replaces a file.
func (v *MemVolume) WriteFile(name string, data []byte) error {
	base, err := v.check(name)
	if err != nil {
		return err
	}
	v.files[base] = append([]byte(nil), data...)
	return nil
}

// Exists reports whether a file is present.
func (v *MemVolume) Exists(name string) bool {
	base, err := resolve(name, v.lun)
	if err != nil {
		return false
	}
	_, ok := v.files[base]
	return ok
}

// Files returns the sorted names of all files on the volume.
func (v *MemVolume) Files() []string {
	names := make([]string, 0, len(v.files))
	for name := range v.files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Removed returns the names passed to successful Remove calls, in order.
func (v *MemVolume) Removed() []string {
	return v.removed
}

// OpenHandles returns the number of files opened and not yet closed.
func (v *MemVolume) OpenHandles() int {
	return v.open
}

// Open opens a file for reading.
func (v *MemVolume) Open(name string) (File, error) {
	base, err := v.check(name)
	if err != nil {
		return nil, err
	}
	data, ok := v.files[base]
	if !ok {
		return nil, fmt.Errorf("open %s: %w", name, ErrNotFound)
	}

	v.open++
	return &memFile{vol: v, data: data}, nil
}

// Stat returns the size of a file in bytes.
func (v *MemVolume) Stat(name string) (int64, error) {
	base, err := v.check(name)
	if err != nil {
		return 0, err
	}
	data, ok := v.files[base]
	if !ok {
		return 0, fmt.Errorf("stat %s: %w", name, ErrNotFound)
	}
	return int64(len(data)), nil
}

// Remove deletes a file.
func (v *MemVolume) Remove(name string) error {
	base, err := v.check(name)
	if err != nil {
		return err
	}
	if _, ok := v.files[base]; !ok {
		return fmt.Errorf("remove %s: %w", name, ErrNotFound)
	}
	delete(v.files, base)
	v.removed = append(v.removed, base)
	return nil
}

// Probe writes and reads back the probe fixtures.
func (v *MemVolume) Probe() error {
	bin := probeBinary()
	if err := v.WriteFile(probeBinaryName, bin); err != nil {
		return fmt.Errorf("probe: %w", err)
	}
	defer delete(v.files, probeBinaryName)

	if !bytes.Equal(v.files[probeBinaryName], bin) {
		return fmt.Errorf("probe: read back differs: %w", ErrUnavailable)
	}
	return nil
}

// Close unmounts the volume.
func (v *MemVolume) Close() error {
	v.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (v *MemVolume) Closed() bool {
	return v.closed
}

type memFile struct {
	vol    *MemVolume
	data   []byte
	pos    int64
	closed bool
}

func (f *memFile) Read(p []byte) (int, error) {
	if f.closed {
		return 0, errors.New("read on closed file")
	}
	if f.vol.Fail != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, f.vol.Fail)
	}
	if f.pos >= int64(len(f.data)) {
		return 0, io.EOF
	}

	if max := f.vol.MaxRead; max > 0 && len(p) > max {
		p = p[:max]
	}
	n := copy(p, f.data[f.pos:])
	f.pos += int64(n)
	return n, nil
}

func (f *memFile) Seek(offset int64, whence int) (int64, error) {
	if f.closed {
		return 0, errors.New("seek on closed file")
	}

	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = f.pos + offset
	case io.SeekEnd:
		abs = int64(len(f.data)) + offset
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	if abs < 0 {
		return 0, fmt.Errorf("negative position %d", abs)
	}

	f.pos = abs
	return abs, nil
}

func (f *memFile) Close() error {
	if f.closed {
		return errors.New("file already closed")
	}
	f.closed = true
	f.vol.open--
	return nil
}
