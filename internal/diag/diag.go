package diag

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/golang/glog"
)

// Logger is the logging interface used by the bootloader packages.
type Logger interface {
	// Debug logs a debug message with optional key-value pairs
	Debug(msg string, keysAndValues ...interface{})

	// Info logs an info message with optional key-value pairs
	Info(msg string, keysAndValues ...interface{})

	// Error logs an error message with optional key-value pairs
	Error(msg string, keysAndValues ...interface{})
}

// Nop discards everything.
var Nop Logger = nopLogger{}

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}

// Format renders a message and its key-value pairs as one line.
func Format(msg string, keysAndValues ...interface{}) string {
	var b strings.Builder
	b.WriteString(msg)
	for i := 0; i < len(keysAndValues); i += 2 {
		b.WriteByte(' ')
		fmt.Fprint(&b, keysAndValues[i])
		b.WriteByte('=')
		if i+1 < len(keysAndValues) {
			fmt.Fprint(&b, keysAndValues[i+1])
		} else {
			b.WriteString("MISSING")
		}
	}
	return b.String()
}

// Console is a Logger writing to glog and to a set of line sinks.
type Console struct {
	// Verbose echoes debug lines to the sinks as well.
	Verbose bool

	mu    sync.Mutex
	sinks []io.Writer
}

// NewConsole creates a Console with the given sinks attached.
func NewConsole(sinks ...io.Writer) *Console {
	return &Console{sinks: sinks}
}

// Attach adds a sink.
func (c *Console) Attach(w io.Writer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sinks = append(c.sinks, w)
}

// Detach removes a sink.
func (c *Console) Detach(w io.Writer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, s := range c.sinks {
		if s == w {
			c.sinks = append(c.sinks[:i], c.sinks[i+1:]...)
			return
		}
	}
}

// Debug logs at glog verbosity 2.
func (c *Console) Debug(msg string, keysAndValues ...interface{}) {
	line := Format(msg, keysAndValues...)
	if glog.V(2) {
		glog.InfoDepth(1, line)
	}
	if c.Verbose {
		c.echo(line)
	}
}

// Info logs an informational line.
func (c *Console) Info(msg string, keysAndValues ...interface{}) {
	line := Format(msg, keysAndValues...)
	glog.InfoDepth(1, line)
	c.echo(line)
}

// Error logs an error line.
func (c *Console) Error(msg string, keysAndValues ...interface{}) {
	line := Format(msg, keysAndValues...)
	glog.ErrorDepth(1, line)
	c.echo("ERROR: " + line)
}

// AttachCloser attaches a sink and returns a Closer that detaches it before
// closing it.
func (c *Console) AttachCloser(w io.WriteCloser) io.Closer {
	c.Attach(w)
	return &attachedSink{console: c, sink: w}
}

type attachedSink struct {
	console *Console
	sink    io.WriteCloser
}

func (a *attachedSink) Close() error {
	a.console.Detach(a.sink)
	return a.sink.Close()
}

// echo writes a line to every sink. A sink that fails is dropped.
func (c *Console) echo(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.sinks[:0]
	for _, s := range c.sinks {
		if _, err := io.WriteString(s, line+"\r\n"); err != nil {
			glog.Warningf("dropping diagnostic sink %T: %v", s, err)
			continue
		}
		kept = append(kept, s)
	}
	c.sinks = kept
}
