package sandbox

import (
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestLineCollector(t *testing.T) {
	tests := []struct {
		name      string
		max       int
		writes    []string
		want      string
		truncated bool
	}{
		{"empty", 3, nil, "", false},
		{"terminated lines", 3, []string{"a\nb\n"}, "a\nb\n", false},
		{"trailing partial line is terminated", 3, []string{"a\nb"}, "a\nb\n", false},
		{"line split across writes", 3, []string{"he", "llo\nwor", "ld\n"}, "hello\nworld\n", false},
		{"crlf normalised", 3, []string{"a\r\nb\r\n"}, "a\nb\n", false},
		{"exactly at ceiling", 2, []string{"1\n2\n"}, "1\n2\n", false},
		{"one over ceiling", 2, []string{"1\n2\n3\n"}, "1\n2\n" + TruncationMarker(2), true},
		{"partial over ceiling", 2, []string{"1\n2\n3"}, "1\n2\n" + TruncationMarker(2), true},
		{"writes after overflow dropped", 1, []string{"1\n2\n", "3\n4\n"}, "1\n" + TruncationMarker(1), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newLineCollector(tt.max, nil)
			for _, w := range tt.writes {
				n, err := c.Write([]byte(w))
				if err != nil || n != len(w) {
					t.Fatalf("Write(%q) = (%d, %v)", w, n, err)
				}
			}
			got, truncated := c.Finish()
			if got != tt.want {
				t.Errorf("output = %q, want %q", got, tt.want)
			}
			if truncated != tt.truncated {
				t.Errorf("truncated = %v, want %v", truncated, tt.truncated)
			}
		})
	}
}

func TestLineCollectorOverflowCallbackOnce(t *testing.T) {
	var calls atomic.Int32
	c := newLineCollector(1, func() { calls.Add(1) })

	_, _ = c.Write([]byte("a\nb\nc\n"))
	_, _ = c.Write([]byte("d\n"))
	c.Finish()

	deadline := time.Now().Add(time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if calls.Load() != 1 {
		t.Errorf("onOverflow called %d times, want 1", calls.Load())
	}
}

func TestLineCollectorByteCeiling(t *testing.T) {
	tests := []struct {
		name   string
		writes []string
		want   string
	}{
		{"unterminated flood", []string{"xxxx", "xxxx", "xxxx"}, "xxxxxxxx" + ByteTruncationMarker(8)},
		{"one long line", []string{"0123456789\n"}, "01234567" + ByteTruncationMarker(8)},
		{"fits exactly", []string{"abc\n", "def\n"}, "abc\ndef\n"},
		{"short lines then flood", []string{"ab\n", "cdefghijk"}, "ab\ncdefg" + ByteTruncationMarker(8)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			c := newLineCollector(100, func() { calls.Add(1) })
			c.maxBytes = 8
			for _, w := range tt.writes {
				_, _ = c.Write([]byte(w))
			}
			got, truncated := c.Finish()
			if got != tt.want {
				t.Errorf("output = %q, want %q", got, tt.want)
			}
			wantTrunc := tt.want != "abc\ndef\n"
			if truncated != wantTrunc {
				t.Errorf("truncated = %v, want %v", truncated, wantTrunc)
			}
			deadline := time.Now().Add(time.Second)
			for wantTrunc && calls.Load() == 0 && time.Now().Before(deadline) {
				time.Sleep(5 * time.Millisecond)
			}
			if wantTrunc && calls.Load() != 1 {
				t.Errorf("onOverflow called %d times, want 1", calls.Load())
			}
		})
	}
}

func TestDefaultCeiling(t *testing.T) {
	c := newLineCollector(0, nil)
	_, _ = c.Write([]byte(strings.Repeat("x\n", DefaultMaxLines+1)))
	out, truncated := c.Finish()
	if !truncated {
		t.Fatal("expected truncation at the default ceiling")
	}
	if got := strings.Count(out, "x\n"); got != DefaultMaxLines {
		t.Errorf("kept %d lines, want %d", got, DefaultMaxLines)
	}
}

func TestMessages(t *testing.T) {
	if got, want := TimeoutOutput(5*time.Second), "TIMEOUT: execution time exceeded (5s)"; got != want {
		t.Errorf("TimeoutOutput = %q, want %q", got, want)
	}
	if got, want := TruncationMarker(100), "\n... (output truncated: more than 100 lines) ..."; got != want {
		t.Errorf("TruncationMarker = %q, want %q", got, want)
	}
	if got, want := ByteTruncationMarker(65536), "\n... (output truncated: more than 65536 bytes) ..."; got != want {
		t.Errorf("ByteTruncationMarker = %q, want %q", got, want)
	}
}
