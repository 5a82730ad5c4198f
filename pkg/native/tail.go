package native

import (
	"bytes"
	"io"
	"sync"
)

// tailWriter forwards whole lines to an optional sink and keeps the last n.
// stdout and stderr share one instance, so writes are serialized.
type tailWriter struct {
	mu      sync.Mutex
	n       int
	lines   []string
	partial bytes.Buffer
	sink    io.Writer
}

func newTailWriter(n int, sink io.Writer) *tailWriter {
	return &tailWriter{n: n, sink: sink}
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.partial.Write(p)
	for {
		data := w.partial.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		line := string(bytes.TrimRight(data[:idx], "\r"))
		w.partial.Next(idx + 1)
		w.push(line)
	}
	return len(p), nil
}

// Flush emits a trailing line without newline.
func (w *tailWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.partial.Len() == 0 {
		return
	}
	line := w.partial.String()
	w.partial.Reset()
	w.push(line)
}

func (w *tailWriter) push(line string) {
	if w.sink != nil {
		_, _ = io.WriteString(w.sink, line+"\n")
	}
	w.lines = append(w.lines, line)
	if len(w.lines) > w.n {
		w.lines = w.lines[len(w.lines)-w.n:]
	}
}

func (w *tailWriter) Lines() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.lines))
	copy(out, w.lines)
	return out
}
