package flasher

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigbag/sdboot/internal/crc"
	"github.com/bigbag/sdboot/internal/nvm"
	"github.com/bigbag/sdboot/internal/storage"
)

const (
	testBase  = 0x1000
	testImage = "0:TestA.bin"
)

var testGeometry = nvm.Geometry{PageSize: 64, RowSize: 256, PageCount: 256}

func newMemory(t *testing.T) *nvm.Memory {
	t.Helper()
	mem, err := nvm.NewMemory(testGeometry)
	require.NoError(t, err)
	return mem
}

func pattern(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*31 + i/256)
	}
	return data
}

func newVolume(t *testing.T, image []byte) *storage.MemVolume {
	t.Helper()
	v := storage.NewMemVolume(0)
	require.NoError(t, v.WriteFile(testImage, image))
	return v
}

func flashed(mem *nvm.Memory, n int) []byte {
	return mem.Bytes()[testBase : testBase+n]
}

// flakyDriver fails the first erases of selected rows, or skips them silently.
type flakyDriver struct {
	*nvm.Memory
	eraseFailures map[uint32]int
	silentErase   map[uint32]bool
}

func (d *flakyDriver) EraseRow(addr uint32) error {
	if d.eraseFailures[addr] > 0 {
		d.eraseFailures[addr]--
		return errors.New("nvm busy")
	}
	if d.silentErase[addr] {
		return nil
	}
	return d.Memory.EraseRow(addr)
}

// shrunkVolume reports images as larger than their content.
type shrunkVolume struct {
	*storage.MemVolume
	extra int64
}

func (v *shrunkVolume) Stat(name string) (int64, error) {
	size, err := v.MemVolume.Stat(name)
	return size + v.extra, err
}

func TestCalculateRows(t *testing.T) {
	tests := []struct {
		size int64
		want int
	}{
		{0, 0},
		{1, 1},
		{255, 1},
		{256, 1},
		{257, 2},
		{300, 2},
		{512, 2},
		{513, 3},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.want, CalculateRows(tc.size, 256), "size %d", tc.size)
	}
}

func TestCopyImage_OperationOrder(t *testing.T) {
	for _, size := range []int{1, 255, 256, 300, 512, 513, 1000} {
		mem := newMemory(t)
		vol := newVolume(t, pattern(size))

		report, err := New(mem).CopyImage(vol, testImage, testBase)
		require.NoError(t, err, "size %d", size)

		rows := CalculateRows(int64(size), 256)
		assert.Equal(t, rows, report.Rows)
		assert.Equal(t, rows, mem.Count(nvm.OpErase), "size %d", size)
		assert.Equal(t, rows*4, mem.Count(nvm.OpWrite), "size %d", size)
		assert.Equal(t, rows, report.Erases)
		assert.Equal(t, rows*4, report.PageWrites)

		var want []nvm.Op
		for r := 0; r < rows; r++ {
			rowAddr := uint32(testBase + r*256)
			want = append(want, nvm.Op{Kind: nvm.OpErase, Addr: rowAddr})
			for p := 0; p < 4; p++ {
				want = append(want, nvm.Op{Kind: nvm.OpWrite, Addr: rowAddr + uint32(p*64)})
			}
		}
		assert.Equal(t, want, mem.Ops(), "size %d", size)
	}
}

func TestCopyImage_300Bytes(t *testing.T) {
	mem := newMemory(t)
	image := pattern(300)
	vol := newVolume(t, image)

	report, err := New(mem).CopyImage(vol, testImage, testBase)
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.Equal(t, 2, report.Rows)
	assert.Equal(t, image, flashed(mem, 300))
	assert.Equal(t, crc.New(crc.DefaultSeed, nil).Sum(image), report.ImageCRC)
	assert.Equal(t, 0, vol.OpenHandles())
}

func TestCopyImage_ExactMultiple(t *testing.T) {
	mem := newMemory(t)
	image := pattern(512)

	report, err := New(mem).CopyImage(newVolume(t, image), testImage, testBase)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Rows)
	assert.Equal(t, image, flashed(mem, 512))
	assert.Equal(t, []byte{0xFF, 0xFF}, mem.Bytes()[testBase+512:testBase+514])
}

func TestCopyImage_OneByteOverMultiple(t *testing.T) {
	mem := newMemory(t)
	image := pattern(513)

	report, err := New(mem).CopyImage(newVolume(t, image), testImage, testBase)
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.Equal(t, 3, report.Rows)

	assert.Equal(t, image, flashed(mem, 513))
	// The final row buffer keeps the previous row's tail.
	assert.Equal(t, image[256+1:512], mem.Bytes()[testBase+512+1:testBase+768])
}

func TestCopyImage_ShortReads(t *testing.T) {
	mem := newMemory(t)
	image := pattern(1000)
	vol := newVolume(t, image)
	vol.MaxRead = 7

	report, err := New(mem).CopyImage(vol, testImage, testBase)
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.Equal(t, image, flashed(mem, 1000))
}

func TestCopyImage_Empty(t *testing.T) {
	mem := newMemory(t)

	report, err := New(mem).CopyImage(newVolume(t, nil), testImage, testBase)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Rows)
	assert.Empty(t, mem.Ops())
}

func TestCopyImage_NotFound(t *testing.T) {
	mem := newMemory(t)
	vol := storage.NewMemVolume(0)

	_, err := New(mem).CopyImage(vol, testImage, testBase)
	assert.True(t, errors.Is(err, ErrImageNotFound))
	assert.Empty(t, mem.Ops())
}

func TestCopyImage_TooLarge(t *testing.T) {
	mem := newMemory(t)
	vol := newVolume(t, pattern(testGeometry.Size()))

	_, err := New(mem).CopyImage(vol, testImage, testBase)
	assert.True(t, errors.Is(err, ErrImageTooLarge))
	assert.Empty(t, mem.Ops())
	assert.Equal(t, 0, vol.OpenHandles())
}

func TestCopyImage_GeometryMismatch(t *testing.T) {
	mem := newMemory(t)

	_, err := New(mem, WithChunkSize(512)).CopyImage(newVolume(t, pattern(10)), testImage, testBase)
	assert.True(t, errors.Is(err, ErrGeometry))
}

func TestCopyImage_UnalignedBase(t *testing.T) {
	mem := newMemory(t)

	_, err := New(mem).CopyImage(newVolume(t, pattern(10)), testImage, testBase+64)
	assert.True(t, errors.Is(err, nvm.ErrUnaligned))
}

func TestCopyImage_ContinueOnEraseError(t *testing.T) {
	mem := newMemory(t)
	// Row 1 holds old data that will not be erased.
	require.NoError(t, mem.WritePage(testBase+256, make([]byte, 64)))
	mem.ResetOps()
	mem.FailErase = map[uint32]error{testBase + 256: errors.New("locked region")}

	image := pattern(768)
	vol := newVolume(t, image)

	report, err := New(mem).CopyImage(vol, testImage, testBase)
	require.NoError(t, err)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, 1, report.Failed[0].Row)

	var eraseErr *EraseError
	assert.True(t, errors.As(report.Failed[0].Err, &eraseErr))
	assert.Equal(t, uint32(testBase+256), eraseErr.Addr)

	// Rows 0 and 2 are intact and row 1 was still written.
	assert.Equal(t, image[:256], flashed(mem, 256))
	assert.Equal(t, image[512:], mem.Bytes()[testBase+512:testBase+768])
	assert.Equal(t, 12, mem.Count(nvm.OpWrite))
	assert.Equal(t, 0, vol.OpenHandles())
}

func TestCopyImage_ContinueOnChecksumMismatch(t *testing.T) {
	mem := newMemory(t)
	mem.Stuck = map[uint32]byte{testBase + 10: 0x80}
	image := bytes.Repeat([]byte{0xFF}, 512)

	report, err := New(mem).CopyImage(newVolume(t, image), testImage, testBase)
	require.NoError(t, err)
	require.Len(t, report.Failed, 1)

	var mismatch *ChecksumMismatchError
	require.True(t, errors.As(report.Failed[0].Err, &mismatch))
	assert.Equal(t, 0, mismatch.Row)
	assert.NotEqual(t, mismatch.Source, mismatch.Flash)
	assert.Equal(t, 2, mem.Count(nvm.OpErase))
}

func TestCopyImage_Abort(t *testing.T) {
	mem := newMemory(t)
	mem.FailWrite = map[uint32]error{testBase + 256 + 64: errors.New("program failed")}
	vol := newVolume(t, pattern(1024))

	report, err := New(mem, WithPolicy(Abort)).CopyImage(vol, testImage, testBase)

	var partial *PartialFailureError
	require.True(t, errors.As(err, &partial))
	assert.Equal(t, 1, partial.Row)

	var writeErr *WriteError
	assert.True(t, errors.As(err, &writeErr))
	assert.Equal(t, uint32(testBase+256+64), writeErr.Addr)

	require.NotNil(t, report)
	assert.Equal(t, 2, mem.Count(nvm.OpErase))
	assert.Equal(t, 0, vol.OpenHandles())
}

func TestCopyImage_RetryRecovers(t *testing.T) {
	mem := newMemory(t)
	dev := &flakyDriver{Memory: mem, eraseFailures: map[uint32]int{testBase + 256: 2}}
	image := pattern(512)

	report, err := New(dev, WithPolicy(Retry(3))).CopyImage(newVolume(t, image), testImage, testBase)
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.Equal(t, image, flashed(mem, 512))
}

func TestCopyImage_RetryExhausted(t *testing.T) {
	mem := newMemory(t)
	dev := &flakyDriver{Memory: mem, eraseFailures: map[uint32]int{testBase: 5}}
	image := pattern(512)

	report, err := New(dev, WithPolicy(Retry(2))).CopyImage(newVolume(t, image), testImage, testBase)
	require.NoError(t, err)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, 0, report.Failed[0].Row)
	assert.Equal(t, 2, report.Failed[0].Attempts)
	assert.Equal(t, image[256:], mem.Bytes()[testBase+256:testBase+512])
}

func TestCopyImage_ImageCRCSkipsUnreadRow(t *testing.T) {
	mem := newMemory(t)
	dev := &flakyDriver{Memory: mem, eraseFailures: map[uint32]int{testBase + 256: 5}}
	image := pattern(512)

	report, err := New(dev, WithPolicy(Retry(2))).CopyImage(newVolume(t, image), testImage, testBase)
	require.NoError(t, err)
	assert.False(t, report.OK())

	engine := crc.New(crc.DefaultSeed, nil)
	assert.Equal(t, engine.Sum(image[:256]), report.ImageCRC)
	assert.NotEqual(t, engine.Sum(image), report.ImageCRC)
}

func TestCopyImage_BlankCheck(t *testing.T) {
	mem := newMemory(t)
	require.NoError(t, mem.WritePage(testBase, make([]byte, 64)))
	dev := &flakyDriver{Memory: mem, silentErase: map[uint32]bool{testBase: true}}

	report, err := New(dev, WithBlankCheck(true)).CopyImage(newVolume(t, pattern(256)), testImage, testBase)
	require.NoError(t, err)
	require.Len(t, report.Failed, 1)
	assert.True(t, errors.Is(report.Failed[0].Err, ErrNotBlank))
}

func TestCopyImage_ReadShort(t *testing.T) {
	mem := newMemory(t)
	vol := &shrunkVolume{MemVolume: newVolume(t, pattern(300)), extra: 300}

	report, err := New(mem).CopyImage(vol, testImage, testBase)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Rows)

	var short *ReadShortError
	require.NotEmpty(t, report.Failed)
	require.True(t, errors.As(report.Failed[0].Err, &short))
	assert.Equal(t, 1, short.Row)
	assert.Equal(t, 256, short.Want)
	assert.Equal(t, 44, short.Got)
	assert.Equal(t, 0, vol.OpenHandles())
}

func TestCopyImage_Progress(t *testing.T) {
	mem := newMemory(t)
	var calls [][2]int

	f := New(mem)
	f.SetProgressCallback(func(current, total int) {
		calls = append(calls, [2]int{current, total})
	})
	_, err := f.CopyImage(newVolume(t, pattern(600)), testImage, testBase)
	require.NoError(t, err)
	assert.Equal(t, [][2]int{{1, 3}, {2, 3}, {3, 3}}, calls)
}

func TestCopyImage_UsesRawAccess(t *testing.T) {
	mem := newMemory(t)

	_, err := New(mem).CopyImage(newVolume(t, pattern(700)), testImage, testBase)
	require.NoError(t, err)
	assert.Equal(t, 3, mem.RawReads())
	assert.False(t, mem.InRawRead())
}

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    Policy
		wantErr bool
	}{
		{"", Continue, false},
		{"continue", Continue, false},
		{"ABORT", Abort, false},
		{"retry", Retry(3), false},
		{"retry:5", Retry(5), false},
		{"retry:0", Policy{}, true},
		{"abort:1", Policy{}, true},
		{"ignore", Policy{}, true},
	}

	for _, tc := range tests {
		got, err := ParsePolicy(tc.in)
		if tc.wantErr {
			assert.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
		assert.Equal(t, got, mustParse(t, got.String()))
	}
}

func mustParse(t *testing.T, s string) Policy {
	t.Helper()
	p, err := ParsePolicy(s)
	require.NoError(t, err)
	return p
}
