package protocol

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrMalformedFrame marks input that does not parse as a protocol frame.
// Malformed input is never retried; the connection is dropped.
var ErrMalformedFrame = errors.New("malformed protocol frame")

// MaxLineBytes bounds a single frame line. Stack traces can get large but
// a multi-megabyte line means a broken peer.
const MaxLineBytes = 4 << 20

// Writer serializes frames onto one side of a connection. Safe for use
// from multiple goroutines; the engine and the log multiplexer share it.
type Writer struct {
	mu  sync.Mutex
	bw  *bufio.Writer
	err error
}

// NewWriter wraps w for frame output.
func NewWriter(w io.Writer) *Writer {
	return &Writer{bw: bufio.NewWriter(w)}
}

// WriteCommand writes the single Command line that opens a run.
func (w *Writer) WriteCommand(cmd Command) error {
	return w.writeJSON(cmd)
}

// WriteResult writes one ResultEvent line and flushes immediately so the
// client sees the case land before the next one begins.
func (w *Writer) WriteResult(ev ResultEvent) error {
	return w.writeJSON(ev)
}

// WriteLog writes one LogEvent line.
func (w *Writer) WriteLog(ev LogEvent) error {
	return w.writeJSON(ev)
}

// WriteEnd writes the terminal sentinel and flushes.
func (w *Writer) WriteEnd() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	if _, err := w.bw.WriteString(EndSentinel + "\n"); err != nil {
		w.err = err
		return err
	}
	if err := w.bw.Flush(); err != nil {
		w.err = err
		return err
	}
	return nil
}

func (w *Writer) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	if _, err := w.bw.Write(data); err != nil {
		w.err = err
		return err
	}
	if err := w.bw.WriteByte('\n'); err != nil {
		w.err = err
		return err
	}
	if err := w.bw.Flush(); err != nil {
		w.err = err
		return err
	}
	return nil
}

// Reader consumes frames from one side of a connection.
type Reader struct {
	sc *bufio.Scanner
}

// NewReader wraps r for frame input.
func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), MaxLineBytes)
	return &Reader{sc: sc}
}

// ReadCommand reads exactly one Command line. Used by the server on a
// freshly accepted connection.
func (r *Reader) ReadCommand() (Command, error) {
	line, err := r.readLine()
	if err != nil {
		return Command{}, err
	}
	var cmd Command
	if err := json.Unmarshal(line, &cmd); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if err := cmd.Validate(); err != nil {
		return Command{}, err
	}
	return cmd, nil
}

// ReadFrame reads the next result/log/END frame. Returns io.EOF when the
// peer disconnects.
func (r *Reader) ReadFrame() (Frame, error) {
	line, err := r.readLine()
	if err != nil {
		return Frame{}, err
	}
	return ParseFrame(line)
}

func (r *Reader) readLine() ([]byte, error) {
	if !r.sc.Scan() {
		if err := r.sc.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	return r.sc.Bytes(), nil
}
