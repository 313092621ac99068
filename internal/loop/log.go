package loop

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// loopLogger appends to the per-loop log file. Every write is flushed
// through so a crash mid-iteration loses at most the line in flight.
type loopLogger struct {
	mu   sync.Mutex
	file *os.File
	buf  *bufio.Writer
}

func newLoopLogger(path string) (*loopLogger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open loop log: %w", err)
	}
	return &loopLogger{file: file, buf: bufio.NewWriter(file)}, nil
}

// Write passes raw harness output through unchanged.
func (l *loopLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	n, err := l.buf.Write(p)
	if err != nil {
		return n, err
	}
	return n, l.buf.Flush()
}

// WriteLine records a supervisor message with a UTC timestamp. Log writes
// are best effort; a full disk must not take the loop down with it.
func (l *loopLogger) WriteLine(message string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, _ = fmt.Fprintf(l.buf, "[%s] %s\n", time.Now().UTC().Format(time.RFC3339), message)
	_ = l.buf.Flush()
}

func (l *loopLogger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	_ = l.buf.Flush()
	_ = l.file.Close()
}

// tailWriter retains the newest lines flowing through it in a fixed-size
// ring. The full transcript lands on disk via the loopLogger; this keeps
// just enough in memory for signal scanning and the ledger excerpt.
type tailWriter struct {
	mu      sync.Mutex
	ring    []string
	next    int
	wrapped bool
	partial strings.Builder
}

func newTailWriter(maxLines int) *tailWriter {
	if maxLines <= 0 {
		maxLines = defaultOutputTailLines
	}
	return &tailWriter{ring: make([]string, maxLines)}
}

func (t *tailWriter) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, b := range p {
		if b != '\n' {
			t.partial.WriteByte(b)
			continue
		}
		t.push(t.partial.String())
		t.partial.Reset()
	}
	return len(p), nil
}

// push stores one complete line, overwriting the oldest slot once the
// ring is full. Callers hold t.mu.
func (t *tailWriter) push(line string) {
	t.ring[t.next] = line
	t.next++
	if t.next == len(t.ring) {
		t.next = 0
		t.wrapped = true
	}
}

// String returns the retained tail in arrival order. A trailing partial
// line is included so a signal without a final newline still scans.
func (t *tailWriter) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var lines []string
	if t.wrapped {
		lines = append(lines, t.ring[t.next:]...)
	}
	lines = append(lines, t.ring[:t.next]...)

	if rest := t.partial.String(); strings.TrimSpace(rest) != "" {
		lines = append(lines, rest)
	}
	return strings.Join(lines, "\n")
}
