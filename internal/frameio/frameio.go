// Package frameio implements the bridge's line-delimited stdin/stdout contract:
// nothing but well-formed JSON frames followed by a newline is ever written to
// stdout, and stderr diagnostics are always prefixed with the stable [mcpgate] tag.
package frameio

import (
	"bufio"
	"fmt"
	"io"
	"sync"

	"github.com/viant/mcpgate/internal/wireframe"
)

const tag = "[mcpgate]"

// LineReader produces UTF-8 lines from an input stream, stripped of their terminator.
// Blank lines are handed to the caller rather than skipped here, leaving line-level
// policy decisions to the caller (the bridge's stdin loop skips them).
type LineReader struct {
	scanner *bufio.Scanner
}

// NewLineReader wraps r with a scanner sized generously for large tool-call payloads.
func NewLineReader(r io.Reader) *LineReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return &LineReader{scanner: scanner}
}

// Next returns the next line and true, or false at EOF/error. Err reports which.
func (l *LineReader) Next() (string, bool) {
	if !l.scanner.Scan() {
		return "", false
	}
	return l.scanner.Text(), true
}

// Err returns the first non-EOF error encountered by the scanner.
func (l *LineReader) Err() error {
	return l.scanner.Err()
}

// Writer serializes frames as compact JSON plus newline, writing each frame and its
// newline under one lock so stdout never interleaves partial frames from concurrent
// callers.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter wraps w for frame emission. w is typically os.Stdout.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Emit serializes frame as compact JSON followed by a newline. Concurrent callers are
// serialized so stdout stays a single well-formed line at a time.
func (w *Writer) Emit(frame *wireframe.Frame) error {
	body, err := frame.Encode()
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(body); err != nil {
		return err
	}
	_, err = w.w.Write([]byte{'\n'})
	return err
}

// Debug writes a diagnostic line to stderr, prefixed with the stable [mcpgate] tag,
// only when enabled is true.
type Debug struct {
	w       io.Writer
	enabled bool
	mu      sync.Mutex
}

// NewDebug constructs a Debug logger writing to w.
func NewDebug(w io.Writer, enabled bool) *Debug {
	return &Debug{w: w, enabled: enabled}
}

// Printf formats and writes a diagnostic line when debug logging is enabled.
func (d *Debug) Printf(format string, args ...interface{}) {
	if d == nil || !d.enabled {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	fmt.Fprintf(d.w, tag+" "+format+"\n", args...)
}
