package flasher

import (
	"errors"
	"fmt"
	"io"

	"github.com/bigbag/sdboot/internal/crc"
	"github.com/bigbag/sdboot/internal/nvm"
	"github.com/bigbag/sdboot/internal/storage"
)

// maxZeroReads bounds consecutive reads that return no data and no error.
const maxZeroReads = 8

// ProgressCallback is called to report copy progress in rows.
type ProgressCallback func(current, total int)

// Flasher copies images from storage into NVM row by row.
type Flasher struct {
	dev    nvm.Driver
	crc    *crc.Engine
	config Config
}

// New creates a new Flasher writing to dev.
func New(dev nvm.Driver, opts ...Option) *Flasher {
	if dev == nil {
		panic("nvm driver cannot be nil")
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	// Checksum reads of flash go through the cache bypass when the driver has one.
	hw, _ := dev.(nvm.RawAccess)

	return &Flasher{
		dev:    dev,
		crc:    crc.New(cfg.Seed, hw),
		config: cfg,
	}
}

// SetProgressCallback sets the progress callback function.
func (f *Flasher) SetProgressCallback(cb ProgressCallback) {
	f.config.ProgressCallback = cb
}

// reportProgress calls the progress callback if set.
func (f *Flasher) reportProgress(current, total int) {
	if f.config.ProgressCallback != nil {
		f.config.ProgressCallback(current, total)
	}
}

// RowFailure is a row that did not copy cleanly.
type RowFailure struct {
	Row      int
	Attempts int
	Err      error
}

// Report summarizes one CopyImage call.
type Report struct {
	Image      string
	Size       int64
	Base       uint32
	Rows       int
	Erases     int
	PageWrites int
	Failed     []RowFailure

	// ImageCRC is the checksum of the image bytes read from storage,
	// chained row by row. A row that failed before its read contributes
	// nothing, so it covers the whole image only when OK reports true.
	ImageCRC uint32
}

// OK reports whether every row copied and verified.
func (r *Report) OK() bool {
	return len(r.Failed) == 0
}

// CalculateRows returns the number of rows an image of size bytes occupies.
func CalculateRows(size int64, rowSize int) int {
	if size <= 0 {
		return 0
	}
	return int((size + int64(rowSize) - 1) / int64(rowSize))
}

// CopyImage streams the named image from the volume into NVM starting at
// base, one row at a time: erase, read, write page by page, verify.
//
// With the Continue policy a failed row is logged and recorded in the report
// and the copy goes on; CopyImage then returns a nil error once every row has
// been processed. With Abort it returns a *PartialFailureError at the first
// failed row. The image file is rewound and closed on every path.
func (f *Flasher) CopyImage(vol storage.Volume, image string, base uint32) (*Report, error) {
	geom := f.dev.Geometry()
	log := f.config.Logger

	if f.config.ChunkSize != geom.RowSize {
		return nil, fmt.Errorf("%w: chunk %d, row %d", ErrGeometry, f.config.ChunkSize, geom.RowSize)
	}
	if int(base)%geom.RowSize != 0 {
		return nil, fmt.Errorf("base 0x%X: %w", base, nvm.ErrUnaligned)
	}

	size, err := vol.Stat(image)
	if err != nil {
		log.Error("could not open image", "image", image, "err", err)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", image, ErrImageNotFound)
		}
		return nil, err
	}
	if int64(base)+size > int64(geom.Size()) {
		log.Error("image does not fit", "image", image, "size", size, "base", fmt.Sprintf("0x%X", base))
		return nil, fmt.Errorf("%s (%d bytes at 0x%X): %w", image, size, base, ErrImageTooLarge)
	}

	file, err := vol.Open(image)
	if err != nil {
		log.Error("could not open image", "image", image, "err", err)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", image, ErrImageNotFound)
		}
		return nil, err
	}
	defer func() {
		if _, err := file.Seek(0, io.SeekStart); err != nil {
			log.Error("could not rewind image", "image", image, "err", err)
		}
		if err := file.Close(); err != nil {
			log.Error("image cannot be closed", "image", image, "err", err)
			return
		}
		log.Info("image closed", "image", image)
	}()

	report := &Report{
		Image:    image,
		Size:     size,
		Base:     base,
		Rows:     CalculateRows(size, geom.RowSize),
		ImageCRC: f.crc.Seed(),
	}
	log.Info("image loaded",
		"image", image,
		"size", size,
		"rows", report.Rows,
		"base", fmt.Sprintf("0x%X", base),
		"policy", f.config.Policy.String(),
	)

	c := &rowCopier{
		Flasher: f,
		geom:    geom,
		file:    file,
		size:    size,
		report:  report,
		buf:     make([]byte, geom.RowSize),
	}

	for row := 0; row < report.Rows; row++ {
		if err := c.copyRowWithPolicy(row); err != nil {
			return report, err
		}
		f.reportProgress(row+1, report.Rows)
	}

	log.Info("image copied",
		"image", image,
		"rows", report.Rows,
		"failed", len(report.Failed),
		"crc", fmt.Sprintf("0x%08X", report.ImageCRC),
	)
	return report, nil
}

// rowCopier holds the state of one CopyImage call. The row buffer is reused
// across rows, so the unread tail of a short final row keeps the previous
// row's bytes.
type rowCopier struct {
	*Flasher
	geom   nvm.Geometry
	file   storage.File
	size   int64
	report *Report
	buf    []byte
}

func (c *rowCopier) copyRowWithPolicy(row int) error {
	policy := c.config.Policy
	attempts := policy.attempts()
	stopEarly := policy.Action != ActionContinue

	var err error
	var n int
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			c.config.Logger.Info("retrying row", "row", row, "attempt", attempt, "of", attempts)
		}

		n, err = c.copyRow(row, stopEarly)
		if err == nil {
			break
		}
		if attempt == attempts {
			c.report.Failed = append(c.report.Failed, RowFailure{Row: row, Attempts: attempt, Err: err})
		}
	}

	c.report.ImageCRC = c.crc.Update(c.report.ImageCRC, c.buf[:n])

	if err != nil && policy.Action == ActionAbort {
		c.config.Logger.Error("copy aborted", "row", row, "err", err)
		return &PartialFailureError{Row: row, Err: err}
	}
	return nil
}

// copyRow runs one erase-read-write-verify cycle and returns the number of
// image bytes that belong to the row. Unless stopEarly is set, every step
// runs even after an earlier step failed; the first error is returned.
func (c *rowCopier) copyRow(row int, stopEarly bool) (int, error) {
	log := c.config.Logger
	addr := c.report.Base + uint32(row*c.geom.RowSize)

	var first error
	fail := func(err error) bool {
		if first == nil {
			first = err
		}
		return stopEarly
	}

	if err := c.erase(row, addr); err != nil {
		log.Error("erase error", "row", row, "addr", fmt.Sprintf("0x%X", addr), "err", err)
		if fail(err) {
			return 0, first
		}
	}

	n, err := c.read(row)
	if err != nil {
		log.Error("read error", "row", row, "err", err)
		if fail(err) {
			return n, first
		}
	}

	if err := c.write(row, addr); err != nil {
		log.Error("write to NVM failed", "row", row, "err", err)
		if fail(err) {
			return n, first
		}
	}

	if err := c.verify(row, addr); err != nil {
		log.Error("error detected while copying row", "row", row, "err", err)
		fail(err)
	}

	return n, first
}

func (c *rowCopier) erase(row int, addr uint32) error {
	if err := c.dev.EraseRow(addr); err != nil {
		return &EraseError{Row: row, Addr: addr, Err: err}
	}
	c.report.Erases++

	if !c.config.BlankCheck {
		return nil
	}

	blank := make([]byte, c.geom.RowSize)
	if _, err := c.dev.ReadAt(blank, int64(addr)); err != nil {
		return &EraseError{Row: row, Addr: addr, Err: err}
	}
	for i, b := range blank {
		if b != nvm.ErasedByte {
			return &EraseError{Row: row, Addr: addr + uint32(i), Err: ErrNotBlank}
		}
	}
	return nil
}

// read fills the row buffer from the image. End of file is only accepted
// once every byte the image has for this row has been read.
func (c *rowCopier) read(row int) (int, error) {
	offset := int64(row) * int64(c.geom.RowSize)
	want := c.geom.RowSize
	if rest := c.size - offset; rest < int64(want) {
		want = int(rest)
	}

	if _, err := c.file.Seek(offset, io.SeekStart); err != nil {
		return 0, &ReadShortError{Row: row, Want: want, Err: err}
	}

	filled, zeroReads := 0, 0
	for filled < c.geom.RowSize {
		n, err := c.file.Read(c.buf[filled:])
		filled += n
		if err == io.EOF {
			break
		}
		if err != nil {
			return filled, &ReadShortError{Row: row, Want: want, Got: filled, Err: err}
		}
		if n == 0 {
			zeroReads++
			if zeroReads >= maxZeroReads {
				return filled, &ReadShortError{Row: row, Want: want, Got: filled, Err: io.ErrNoProgress}
			}
			continue
		}
		zeroReads = 0
	}

	if filled < want {
		return filled, &ReadShortError{Row: row, Want: want, Got: filled}
	}
	return want, nil
}

// write programs the row buffer as consecutive pages in increasing address order.
func (c *rowCopier) write(row int, addr uint32) error {
	ps := c.geom.PageSize

	var first error
	for p := 0; p < c.geom.PagesPerRow(); p++ {
		pageAddr := addr + uint32(p*ps)
		if err := c.dev.WritePage(pageAddr, c.buf[p*ps:(p+1)*ps]); err != nil {
			if first == nil {
				first = &WriteError{Row: row, Addr: pageAddr, Err: err}
			}
			continue
		}
		c.report.PageWrites++
	}
	return first
}

// verify compares the checksum of the row buffer with the checksum of the
// flashed row.
func (c *rowCopier) verify(row int, addr uint32) error {
	src := c.crc.Sum(c.buf)
	dst, err := c.crc.SumAt(c.dev, addr, c.geom.RowSize)
	if err != nil {
		return &ChecksumMismatchError{Row: row, Addr: addr, Source: src, Err: err}
	}

	c.config.Logger.Debug("row crc",
		"row", row,
		"sd", fmt.Sprintf("0x%08X", src),
		"nvm", fmt.Sprintf("0x%08X", dst),
	)
	if src != dst {
		return &ChecksumMismatchError{Row: row, Addr: addr, Source: src, Flash: dst}
	}
	return nil
}
