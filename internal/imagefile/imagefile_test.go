package imagefile

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/marcinbor85/gohex"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const base = 0x12000

func hexOf(t *testing.T, segments map[uint32][]byte) string {
	t.Helper()
	mem := gohex.NewMemory()
	for addr, data := range segments {
		require.NoError(t, mem.AddBinary(addr, data))
	}
	var buf bytes.Buffer
	require.NoError(t, mem.DumpIntelHex(&buf, 16))
	return buf.String()
}

func TestFromHex_FillsGaps(t *testing.T) {
	src := hexOf(t, map[uint32][]byte{
		base:       {1, 2, 3, 4},
		base + 0x8: {9, 9},
	})

	data, err := FromHex(strings.NewReader(src), base)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4, 0xFF, 0xFF, 0xFF, 0xFF, 9, 9}, data)
}

func TestFromHex_StartsAtBase(t *testing.T) {
	src := hexOf(t, map[uint32][]byte{base + 0x100: {0xAA}})

	data, err := FromHex(strings.NewReader(src), base)
	require.NoError(t, err)
	require.Len(t, data, 0x101)
	assert.Equal(t, byte(0xFF), data[0])
	assert.Equal(t, byte(0xAA), data[0x100])
}

func TestFromHex_Errors(t *testing.T) {
	_, err := FromHex(strings.NewReader(hexOf(t, map[uint32][]byte{0x100: {1}})), base)
	assert.True(t, errors.Is(err, ErrBelowBase))

	_, err = FromHex(strings.NewReader(":00000001FF\n"), base)
	assert.True(t, errors.Is(err, ErrEmpty))

	_, err = FromHex(strings.NewReader("not hex\n"), base)
	assert.Error(t, err)
}

func TestWriteHex_Trim(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteHex(&buf, base, []byte{1, 2, 0xFF, 3, 0xFF, 0xFF}, true))

	data, err := FromHex(&buf, base)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 0xFF, 3}, data)
}

func TestTrimErased(t *testing.T) {
	assert.Equal(t, []byte{0x80, 0xFE}, TrimErased([]byte{0x80, 0xFE, 0xFF, 0xFF}))
	assert.Empty(t, TrimErased([]byte{0xFF}))
}

func TestWriteHex_AllErased(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteHex(&buf, base, []byte{0xFF, 0xFF}, true))
	assert.Contains(t, buf.String(), ":00000001FF")
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	bin := filepath.Join(dir, "app.bin")
	require.NoError(t, os.WriteFile(bin, []byte{5, 6, 7}, 0o644))
	data, err := Load(bin, base)
	require.NoError(t, err)
	assert.Equal(t, []byte{5, 6, 7}, data)

	hex := filepath.Join(dir, "app.HEX")
	require.NoError(t, os.WriteFile(hex, []byte(hexOf(t, map[uint32][]byte{base: {5, 6, 7}})), 0o644))
	data, err = Load(hex, base)
	require.NoError(t, err)
	assert.Equal(t, []byte{5, 6, 7}, data)

	_, err = Load(filepath.Join(dir, "missing.bin"), base)
	assert.Error(t, err)
}
