package flasher

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/bigbag/sdboot/internal/crc"
	"github.com/bigbag/sdboot/internal/diag"
)

// DefaultChunkSize is the number of image bytes copied per row.
const DefaultChunkSize = 256

// Action is what the copy does after a row fails.
type Action int

const (
	// ActionContinue logs the failure and moves on to the next row.
	ActionContinue Action = iota
	// ActionAbort stops the copy and returns a PartialFailureError.
	ActionAbort
	// ActionRetry repeats the whole erase-read-write-verify cycle of the row.
	ActionRetry
)

// Policy is the row error policy.
type Policy struct {
	Action Action

	// MaxAttempts bounds the attempts per row for ActionRetry, first one included.
	MaxAttempts int
}

var (
	// Continue is the default policy.
	Continue = Policy{Action: ActionContinue}
	// Abort stops at the first failed row.
	Abort = Policy{Action: ActionAbort}
)

// Retry returns a policy that tries each row up to attempts times and then
// continues with the next row.
func Retry(attempts int) Policy {
	if attempts < 1 {
		attempts = 1
	}
	return Policy{Action: ActionRetry, MaxAttempts: attempts}
}

func (p Policy) attempts() int {
	if p.Action == ActionRetry && p.MaxAttempts > 1 {
		return p.MaxAttempts
	}
	return 1
}

func (p Policy) String() string {
	switch p.Action {
	case ActionAbort:
		return "abort"
	case ActionRetry:
		return fmt.Sprintf("retry:%d", p.attempts())
	default:
		return "continue"
	}
}

// ParsePolicy parses "continue", "abort", "retry" or "retry:N".
func ParsePolicy(s string) (Policy, error) {
	name, arg, hasArg := strings.Cut(strings.ToLower(strings.TrimSpace(s)), ":")
	switch name {
	case "", "continue":
		if hasArg {
			break
		}
		return Continue, nil
	case "abort":
		if hasArg {
			break
		}
		return Abort, nil
	case "retry":
		if !hasArg {
			return Retry(3), nil
		}
		n, err := strconv.Atoi(arg)
		if err != nil || n < 1 {
			return Policy{}, fmt.Errorf("invalid retry count %q", arg)
		}
		return Retry(n), nil
	}
	return Policy{}, fmt.Errorf("unknown row error policy %q", s)
}

// Config holds the flasher configuration.
type Config struct {
	// ChunkSize is the number of bytes copied per row. It must equal the
	// NVM row size.
	ChunkSize int

	// Policy decides what happens after a row fails.
	Policy Policy

	// BlankCheck reads each row back after erasing and fails it unless every
	// byte is erased.
	BlankCheck bool

	// Seed is the CRC register preset.
	Seed uint32

	// Logger receives diagnostics (optional)
	Logger diag.Logger

	// ProgressCallback is called after every row (optional)
	ProgressCallback ProgressCallback
}

func defaultConfig() Config {
	return Config{
		ChunkSize: DefaultChunkSize,
		Policy:    Continue,
		Seed:      crc.DefaultSeed,
		Logger:    diag.Nop,
	}
}

// Option is a functional option for configuring the Flasher.
type Option func(*Config)

// WithPolicy sets the row error policy.
func WithPolicy(p Policy) Option {
	return func(c *Config) {
		c.Policy = p
	}
}

// WithBlankCheck enables the post-erase blank check.
func WithBlankCheck(enabled bool) Option {
	return func(c *Config) {
		c.BlankCheck = enabled
	}
}

// WithChunkSize sets the bytes copied per row.
func WithChunkSize(size int) Option {
	return func(c *Config) {
		if size > 0 {
			c.ChunkSize = size
		}
	}
}

// WithSeed sets the CRC register preset.
func WithSeed(seed uint32) Option {
	return func(c *Config) {
		c.Seed = seed
	}
}

// WithLogger sets the diagnostic logger.
func WithLogger(logger diag.Logger) Option {
	return func(c *Config) {
		if logger != nil {
			c.Logger = logger
		}
	}
}

// WithProgressCallback sets the progress callback.
func WithProgressCallback(cb ProgressCallback) Option {
	return func(c *Config) {
		c.ProgressCallback = cb
	}
}
