package storage

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

var (
	// ErrNotFound is returned when a named file does not exist on the volume.
	ErrNotFound = errors.New("file not found")

	// ErrUnavailable is returned when the volume cannot be accessed at all.
	ErrUnavailable = errors.New("storage unavailable")

	// ErrWrongDrive is returned for a path whose drive prefix names another volume.
	ErrWrongDrive = errors.New("wrong drive")
)

// File is an open file on a volume.
type File interface {
	io.Reader
	io.Seeker
	io.Closer
}

// Volume is a mounted removable storage volume.
//
// Names passed to a Volume carry a drive prefix ("0:FlagA.txt"), see Path.
// A bare name is resolved against the volume's own drive.
type Volume interface {
	// Open opens a file for reading.
	Open(name string) (File, error)

	// Stat returns the size of a file in bytes.
	Stat(name string) (int64, error)

	// Remove deletes a file.
	Remove(name string) error

	// Probe runs a write/read-back smoke test of the volume.
	Probe() error

	// Close unmounts the volume. Every later call fails with ErrUnavailable.
	Close() error
}

// Path joins a logical unit number and a file name into a volume path.
func Path(lun int, name string) string {
	return strconv.Itoa(lun) + ":" + name
}

// SplitPath splits a volume path into its logical unit number and file name.
// A name without a drive prefix returns lun -1.
func SplitPath(path string) (lun int, name string, err error) {
	i := strings.IndexByte(path, ':')
	if i < 0 {
		return -1, path, nil
	}

	lun, err = strconv.Atoi(path[:i])
	if err != nil || lun < 0 {
		return 0, "", fmt.Errorf("invalid drive prefix in %q", path)
	}
	return lun, path[i+1:], nil
}

// resolve checks a path against the drive a volume is mounted on and returns
// the bare file name.
func resolve(path string, lun int) (string, error) {
	drive, name, err := SplitPath(path)
	if err != nil {
		return "", err
	}
	if drive >= 0 && drive != lun {
		return "", fmt.Errorf("%s: %w (mounted on %d)", path, ErrWrongDrive, lun)
	}
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", fmt.Errorf("invalid file name %q", path)
	}
	return name, nil
}

// Probe test fixtures, written and read back by Probe implementations.
const (
	probeTextName   = "sd_mmc_test.txt"
	probeBinaryName = "sd_binary.bin"
	probeText       = "Test SD/MMC stack\n"
)

// probeBinary returns the 256-byte 0x00..0xFF probe pattern.
func probeBinary() []byte {
	data := make([]byte, 256)
	for i := range data {
		data[i] = byte(i)
	}
	return data
}
