package shell

import "sync"

// MaxTailLen caps how much output a step result retains.
const MaxTailLen = 8000

// Tail is an io.Writer that keeps only the last Max bytes written.
// Error summaries and tracebacks are usually at the end.
type Tail struct {
	Max int

	mu        sync.Mutex
	buf       []byte
	truncated bool
}

func NewTail(max int) *Tail {
	if max <= 0 {
		max = MaxTailLen
	}
	return &Tail{Max: max}
}

func (t *Tail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.Max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
		t.truncated = true
	}
	return len(p), nil
}

// String returns the retained output, marked when earlier output was dropped.
func (t *Tail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.truncated {
		return "…(truncated)\n" + string(t.buf)
	}
	return string(t.buf)
}
