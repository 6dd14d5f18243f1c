package storage

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// DirVolume is a Volume backed by a host directory.
// It stands in for the FAT-formatted SD card when running on a host.
type DirVolume struct {
	root   string
	lun    int
	closed bool
}

// OpenDir mounts the directory root as drive lun.
func OpenDir(root string, lun int) (*DirVolume, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("mount %s: %w: %v", root, ErrUnavailable, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("mount %s: %w: not a directory", root, ErrUnavailable)
	}

	return &DirVolume{root: root, lun: lun}, nil
}

// Root returns the mounted directory.
func (v *DirVolume) Root() string {
	return v.root
}

func (v *DirVolume) path(name string) (string, error) {
	if v.closed {
		return "", ErrUnavailable
	}
	base, err := resolve(name, v.lun)
	if err != nil {
		return "", err
	}
	return filepath.Join(v.root, base), nil
}

// Open opens a file for reading.
func (v *DirVolume) Open(name string) (File, error) {
	p, err := v.path(name)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(p)
	if err != nil {
		return nil, translate("open", name, err)
	}
	return f, nil
}

// Stat returns the size of a file in bytes.
func (v *DirVolume) Stat(name string) (int64, error) {
	p, err := v.path(name)
	if err != nil {
		return 0, err
	}

	info, err := os.Stat(p)
	if err != nil {
		return 0, translate("stat", name, err)
	}
	if info.IsDir() {
		return 0, fmt.Errorf("stat %s: %w", name, ErrNotFound)
	}
	return info.Size(), nil
}

// Remove deletes a file.
func (v *DirVolume) Remove(name string) error {
	p, err := v.path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		return translate("remove", name, err)
	}
	return nil
}

// WriteFile creates or truncates a file with the given contents.
func (v *DirVolume) WriteFile(name string, data []byte) error {
	p, err := v.path(name)
	if err != nil {
		return err
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return translate("write", name, err)
	}
	return nil
}

// Probe writes a text file and a binary file, reads them back and removes
// them again.
func (v *DirVolume) Probe() error {
	fixtures := []struct {
		name string
		data []byte
	}{
		{probeTextName, []byte(probeText)},
		{probeBinaryName, probeBinary()},
	}

	for _, fx := range fixtures {
		if err := v.WriteFile(fx.name, fx.data); err != nil {
			return fmt.Errorf("probe: %w", err)
		}

		p, _ := v.path(fx.name)
		got, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("probe: %w", translate("read", fx.name, err))
		}
		if !bytes.Equal(got, fx.data) {
			return fmt.Errorf("probe: %s read back differs: %w", fx.name, ErrUnavailable)
		}

		if err := os.Remove(p); err != nil {
			return fmt.Errorf("probe: %w", translate("remove", fx.name, err))
		}
	}

	return nil
}

// Close unmounts the volume.
func (v *DirVolume) Close() error {
	v.closed = true
	return nil
}

func translate(op, name string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s %s: %w", op, name, ErrNotFound)
	}
	return fmt.Errorf("%s %s: %w: %v", op, name, ErrUnavailable, err)
}
