package sandbox

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	DefaultMaxLines       = 100
	DefaultCommandTimeout = 5 * time.Second

	// MaxOutputBytes caps a capture regardless of line count, so output
	// without newlines cannot grow without bound.
	MaxOutputBytes = 64 << 10
)

// Result is the outcome of one command, on the host or inside a container.
type Result struct {
	Success   bool          `json:"success"`
	Output    string        `json:"output"`
	ExitCode  int           `json:"exit_code"`
	TimedOut  bool          `json:"timed_out"`
	Truncated bool          `json:"truncated"`
	Duration  time.Duration `json:"duration"`

	// Err is set only when the command could not be run at all.
	Err error `json:"-"`
}

func TimeoutOutput(timeout time.Duration) string {
	return fmt.Sprintf("TIMEOUT: execution time exceeded (%s)", timeout)
}

func TruncationMarker(maxLines int) string {
	return fmt.Sprintf("\n... (output truncated: more than %d lines) ...", maxLines)
}

func ByteTruncationMarker(maxBytes int) string {
	return fmt.Sprintf("\n... (output truncated: more than %d bytes) ...", maxBytes)
}

func timeoutResult(timeout, elapsed time.Duration) Result {
	return Result{
		Output:   TimeoutOutput(timeout),
		ExitCode: -1,
		TimedOut: true,
		Duration: elapsed,
	}
}

func launchFailure(err error, elapsed time.Duration) Result {
	return Result{
		Output:   "System Error: " + err.Error(),
		ExitCode: -1,
		Duration: elapsed,
		Err:      fmt.Errorf("%w: %v", ErrLaunch, err),
	}
}

// lineCollector merges stdout and stderr into one line-oriented capture.
// Once more than max lines or maxBytes bytes arrive it stops capturing and
// calls onOverflow exactly once.
type lineCollector struct {
	mu         sync.Mutex
	max        int
	maxBytes   int
	lines      int
	buf        strings.Builder
	partial    []byte
	overflowed bool
	onOverflow func()
}

func newLineCollector(maxLines int, onOverflow func()) *lineCollector {
	if maxLines <= 0 {
		maxLines = DefaultMaxLines
	}
	return &lineCollector{max: maxLines, maxBytes: MaxOutputBytes, onOverflow: onOverflow}
}

func (c *lineCollector) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.overflowed {
		return len(p), nil
	}

	data := p
	for len(data) > 0 {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			if room := c.maxBytes - c.buf.Len(); len(c.partial)+len(data) > room {
				c.partial = append(c.partial, data[:max(0, room-len(c.partial))]...)
				c.overflow(ByteTruncationMarker(c.maxBytes))
				break
			}
			c.partial = append(c.partial, data...)
			break
		}
		line := append(c.partial, data[:i]...)
		c.partial = nil
		data = data[i+1:]
		if !c.addLine(line) {
			break
		}
	}
	return len(p), nil
}

// addLine reports false once a ceiling has been crossed.
func (c *lineCollector) addLine(line []byte) bool {
	if c.lines >= c.max {
		c.partial = nil
		c.overflow(TruncationMarker(c.max))
		return false
	}
	line = bytes.TrimSuffix(line, []byte{'\r'})
	if room := c.maxBytes - c.buf.Len(); len(line)+1 > room {
		c.partial = line[:max(0, room)]
		c.overflow(ByteTruncationMarker(c.maxBytes))
		return false
	}
	c.buf.Write(line)
	c.buf.WriteByte('\n')
	c.lines++
	return true
}

// overflow keeps whatever partial line fit, appends marker and fires
// onOverflow. Callers hold mu.
func (c *lineCollector) overflow(marker string) {
	c.overflowed = true
	c.buf.Write(c.partial)
	c.partial = nil
	c.buf.WriteString(marker)
	if c.onOverflow != nil {
		go c.onOverflow()
	}
}

// Finish flushes a trailing unterminated line and returns the capture.
func (c *lineCollector) Finish() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.overflowed && len(c.partial) > 0 {
		line := c.partial
		c.partial = nil
		c.addLine(line)
	}
	return c.buf.String(), c.overflowed
}

func (c *lineCollector) Overflowed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.overflowed
}

func engineFailure(op string, err error, elapsed time.Duration) Result {
	return Result{
		Output:   "System Error: " + err.Error(),
		ExitCode: -1,
		Duration: elapsed,
		Err:      &ExecutionError{Op: op, Err: fmt.Errorf("%w: %v", ErrEngine, err)},
	}
}
