package diag

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type failingSink struct{ writes int }

func (s *failingSink) Write(p []byte) (int, error) {
	s.writes++
	return 0, errors.New("port gone")
}

func TestFormat(t *testing.T) {
	tests := []struct {
		msg  string
		kv   []interface{}
		want string
	}{
		{"exit bootloader", nil, "exit bootloader"},
		{"row copied", []interface{}{"row", 3, "addr", "0x12300"}, "row copied row=3 addr=0x12300"},
		{"odd", []interface{}{"key"}, "odd key=MISSING"},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.want, Format(tc.msg, tc.kv...))
	}
}

func TestConsole_EchoesToSinks(t *testing.T) {
	var a, b bytes.Buffer
	c := NewConsole(&a)
	c.Attach(&b)

	c.Info("boot flag", "slot", "A")
	c.Error("erase failed", "row", 2)
	c.Debug("hidden")

	want := "boot flag slot=A\r\nERROR: erase failed row=2\r\n"
	assert.Equal(t, want, a.String())
	assert.Equal(t, want, b.String())
}

func TestConsole_VerboseDebug(t *testing.T) {
	var a bytes.Buffer
	c := NewConsole(&a)
	c.Verbose = true

	c.Debug("crc", "src", "0x1")
	assert.Equal(t, "crc src=0x1\r\n", a.String())
}

func TestConsole_Detach(t *testing.T) {
	var a bytes.Buffer
	c := NewConsole(&a)
	c.Detach(&a)

	c.Info("after detach")
	assert.Empty(t, a.String())
}

type closingSink struct {
	bytes.Buffer
	closed int
}

func (s *closingSink) Close() error {
	s.closed++
	return nil
}

func TestConsole_AttachCloser(t *testing.T) {
	sink := &closingSink{}
	c := NewConsole()
	closer := c.AttachCloser(sink)

	c.Info("exit bootloader")
	assert.NoError(t, closer.Close())
	c.Info("after close")

	assert.Equal(t, "exit bootloader\r\n", sink.String())
	assert.Equal(t, 1, sink.closed)
}

func TestConsole_DropsFailingSink(t *testing.T) {
	var ok bytes.Buffer
	bad := &failingSink{}
	c := NewConsole(bad, &ok)

	c.Info("one")
	c.Info("two")

	assert.Equal(t, 1, bad.writes)
	assert.Equal(t, "one\r\ntwo\r\n", ok.String())
}

func TestNop(t *testing.T) {
	Nop.Debug("x")
	Nop.Info("x", "k", 1)
	Nop.Error("x")
}
