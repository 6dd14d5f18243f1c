package boot

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigbag/sdboot/internal/diag"
	"github.com/bigbag/sdboot/internal/flasher"
	"github.com/bigbag/sdboot/internal/handoff"
	"github.com/bigbag/sdboot/internal/nvm"
	"github.com/bigbag/sdboot/internal/storage"
)

const appBase = 0x12000

var testGeometry = nvm.Geometry{PageSize: 64, RowSize: 256, PageCount: 4096}

type resetCounter struct {
	calls int
}

func (r *resetCounter) Reset() {
	r.calls++
}

type fixture struct {
	vol     *storage.MemVolume
	mem     *nvm.Memory
	cpu     *handoff.HostCPU
	reset   *resetCounter
	console *bytes.Buffer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem, err := nvm.NewMemory(testGeometry)
	require.NoError(t, err)
	return &fixture{
		vol:     storage.NewMemVolume(0),
		mem:     mem,
		cpu:     &handoff.HostCPU{},
		reset:   &resetCounter{},
		console: &bytes.Buffer{},
	}
}

func (f *fixture) sequence(cfg Config) *Sequence {
	cfg.AppBase = appBase
	cfg.Logger = diag.NewConsole(f.console)
	return NewSequence(cfg, f.vol, f.mem, f.cpu, f.reset)
}

// application returns an image of n bytes starting with a vector table.
func application(n int, sp, entry uint32) []byte {
	img := make([]byte, n)
	for i := range img {
		img[i] = byte(i * 7)
	}
	binary.LittleEndian.PutUint32(img[0:], sp)
	binary.LittleEndian.PutUint32(img[4:], entry)
	return img
}

func TestRun_MarkerA300ByteImage(t *testing.T) {
	f := newFixture(t)
	img := application(300, 0x20008000, 0x000121A1)
	require.NoError(t, f.vol.WriteFile("0:FlagA.txt", nil))
	require.NoError(t, f.vol.WriteFile("0:TestA.bin", img))

	res, err := f.sequence(Config{}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "A", res.Slot.ID)
	require.NoError(t, res.CopyErr)
	require.NotNil(t, res.Report)
	assert.True(t, res.Report.OK())
	assert.Equal(t, 2, res.Report.Rows)

	assert.Equal(t, 2, f.mem.Count(nvm.OpErase))
	assert.Equal(t, 8, f.mem.Count(nvm.OpWrite))
	assert.Equal(t, img, f.mem.Bytes()[appBase:appBase+300])

	assert.False(t, f.vol.Exists("0:FlagA.txt"))
	assert.False(t, f.vol.Exists("0:FlagB.txt"))
	assert.True(t, f.vol.Exists("0:TestA.bin"))
	assert.Equal(t, 0, f.vol.OpenHandles())

	assert.True(t, f.cpu.Jumped)
	assert.Equal(t, uint32(0x20008000), f.cpu.StackPointer)
	assert.Equal(t, uint32(0x000121A1), f.cpu.Entry)
	assert.Equal(t, uint32(appBase), f.cpu.VectorTable)
	assert.True(t, f.vol.Closed())
	assert.Equal(t, 0, f.reset.calls)

	out := f.console.String()
	assert.Contains(t, out, "enter bootloader")
	assert.Contains(t, out, "NVM Info: Number of Pages 4096.")
	assert.Contains(t, out, "update finished")
	assert.Contains(t, out, "exit bootloader")
}

func TestRun_NoMarkers(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.vol.WriteFile("0:TestA.bin", application(300, 0x20008000, 0x000121A1)))

	res, err := f.sequence(Config{}).Run(context.Background())
	require.NoError(t, err)

	assert.True(t, res.Slot.IsNone())
	assert.Nil(t, res.Report)
	assert.Empty(t, f.mem.Ops())
	assert.Empty(t, f.vol.Removed())
	assert.True(t, f.cpu.Jumped)
	assert.Equal(t, uint32(0xFFFFFFFF), f.cpu.Entry)
	assert.Contains(t, f.console.String(), "no boot flag")
}

func TestRun_MarkerB(t *testing.T) {
	f := newFixture(t)
	img := application(1024, 0x20008000, 0x000121A1)
	require.NoError(t, f.vol.WriteFile("0:FlagB.txt", nil))
	require.NoError(t, f.vol.WriteFile("0:TestB.bin", img))

	res, err := f.sequence(Config{}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "B", res.Slot.ID)
	assert.Equal(t, 4, f.mem.Count(nvm.OpErase))
	assert.Equal(t, img, f.mem.Bytes()[appBase:appBase+1024])
	assert.False(t, f.vol.Exists("0:FlagB.txt"))
}

func TestRun_MissingImageStillHandsOff(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.vol.WriteFile("0:FlagA.txt", nil))

	res, err := f.sequence(Config{}).Run(context.Background())
	require.NoError(t, err)

	assert.True(t, errors.Is(res.CopyErr, flasher.ErrImageNotFound))
	assert.Empty(t, f.mem.Ops())
	assert.False(t, f.vol.Exists("0:FlagA.txt"))
	assert.True(t, f.cpu.Jumped)
	assert.Contains(t, f.console.String(), "update failed")
}

func TestRun_FailedRowsStillHandOff(t *testing.T) {
	f := newFixture(t)
	f.mem.FailErase = map[uint32]error{appBase + 256: errors.New("nvm busy")}
	require.NoError(t, f.vol.WriteFile("0:FlagA.txt", nil))
	require.NoError(t, f.vol.WriteFile("0:TestA.bin", application(512, 0x20008000, 0x000121A1)))

	res, err := f.sequence(Config{}).Run(context.Background())
	require.NoError(t, err)

	require.NotNil(t, res.Report)
	assert.False(t, res.Report.OK())
	assert.True(t, f.cpu.Jumped)
	assert.Contains(t, f.console.String(), "Error Detected While Copying Row")
}

func TestRun_MountFailureResets(t *testing.T) {
	f := newFixture(t)
	f.vol.Fail = errors.New("no card")

	res, err := f.sequence(Config{}).Run(context.Background())
	assert.True(t, errors.Is(err, ErrMountFailed))
	assert.True(t, res.Reset)
	assert.Equal(t, 1, f.reset.calls)
	assert.False(t, f.cpu.Jumped)
	assert.Empty(t, f.mem.Ops())
	assert.Contains(t, f.console.String(), "storage mount failed")
}

func TestRun_ZeroDelayResetsAtOnce(t *testing.T) {
	f := newFixture(t)
	f.vol.Fail = errors.New("no card")

	start := time.Now()
	_, err := f.sequence(Config{MountRetryDelay: 0}).Run(context.Background())
	assert.True(t, errors.Is(err, ErrMountFailed))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1, f.reset.calls)
}

func TestRun_MountRetryDelay(t *testing.T) {
	f := newFixture(t)
	f.vol.Fail = errors.New("no card")

	start := time.Now()
	_, err := f.sequence(Config{MountRetryDelay: 20 * time.Millisecond}).Run(context.Background())
	assert.True(t, errors.Is(err, ErrMountFailed))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.Equal(t, 1, f.reset.calls)
}

func TestRun_CancelledDuringDelay(t *testing.T) {
	f := newFixture(t)
	f.vol.Fail = errors.New("no card")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.sequence(Config{MountRetryDelay: time.Hour}).Run(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 0, f.reset.calls)
}

func TestRun_RejectedApplicationResets(t *testing.T) {
	f := newFixture(t)
	cfg := Config{
		Validator: handoff.RangeValidator(
			handoff.Region{Start: 0x20000000, Size: 0x8000},
			handoff.Region{Start: appBase, Size: 0x40000 - appBase},
		),
	}

	res, err := f.sequence(cfg).Run(context.Background())
	assert.True(t, errors.Is(err, ErrHandoffFailed))
	assert.True(t, res.Reset)
	assert.Equal(t, 1, f.reset.calls)
	assert.False(t, f.cpu.Jumped)
	assert.False(t, f.vol.Closed())
}

func TestRun_PeripheralsClosedBeforeJump(t *testing.T) {
	f := newFixture(t)
	s := f.sequence(Config{})
	s.AddPeripheral("console", closer(func() error {
		f.cpu.Trace = append(f.cpu.Trace, "close console")
		return nil
	}))

	_, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"close console", "msp", "vtor", "jump"}, f.cpu.Trace)
	assert.True(t, f.vol.Closed())
}

func TestRun_Progress(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.vol.WriteFile("0:FlagA.txt", nil))
	require.NoError(t, f.vol.WriteFile("0:TestA.bin", application(700, 0x20008000, 0x000121A1)))

	var calls [][2]int
	s := f.sequence(Config{})
	s.SetProgressCallback(func(current, total int) {
		calls = append(calls, [2]int{current, total})
	})

	_, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, [][2]int{{1, 3}, {2, 3}, {3, 3}}, calls)
}

type closer func() error

func (c closer) Close() error {
	return c()
}
