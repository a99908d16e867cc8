package session

import (
	"bytes"
	"sync"
)

// Ring is a bounded line buffer for interactive session history. Writes are
// split on newlines; a trailing partial line is held back until completed.
// When full, the oldest lines are discarded.
type Ring struct {
	mu      sync.Mutex
	lines   []string
	max     int
	partial []byte
}

// NewRing returns a Ring holding at most max complete lines.
func NewRing(max int) *Ring {
	if max <= 0 {
		max = 1
	}
	return &Ring{max: max}
}

// Write appends raw output bytes, completing lines as newlines arrive.
func (r *Ring) Write(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	buf := append(r.partial, data...)
	for {
		i := bytes.IndexByte(buf, '\n')
		if i < 0 {
			break
		}
		line := string(bytes.TrimRight(buf[:i], "\r"))
		buf = buf[i+1:]
		r.lines = append(r.lines, line)
		if len(r.lines) > r.max {
			r.lines = r.lines[len(r.lines)-r.max:]
		}
	}
	r.partial = append([]byte(nil), buf...)
}

// Lines returns a snapshot of the buffered history. A non-empty partial
// line is included as the final element.
func (r *Ring) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.lines)+1)
	out = append(out, r.lines...)
	if len(r.partial) > 0 {
		out = append(out, string(r.partial))
	}
	return out
}
