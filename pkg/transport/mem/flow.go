package mem

import (
	"io"
	"sync"
)

// flowBuffer is one direction of a stream. Writers block while the unread
// bytes are at the limit.
type flowBuffer struct {
	mu    sync.Mutex
	cond  *sync.Cond
	buf   []byte
	limit int
	eof   bool
	err   error
}

func newFlowBuffer(limit int) *flowBuffer {
	b := &flowBuffer{limit: limit}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *flowBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for len(p) > 0 {
		for b.err == nil && !b.eof && len(b.buf) >= b.limit {
			b.cond.Wait()
		}
		if b.err != nil {
			return n, b.err
		}
		if b.eof {
			return n, ErrClosed
		}
		k := min(b.limit-len(b.buf), len(p))
		b.buf = append(b.buf, p[:k]...)
		p = p[k:]
		n += k
		b.cond.Broadcast()
	}
	return n, nil
}

// Read returns buffered bytes, io.EOF once the writer closed and the buffer
// is drained, or the abort error.
func (b *flowBuffer) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.buf) == 0 && b.err == nil && !b.eof {
		b.cond.Wait()
	}
	if b.err != nil {
		return 0, b.err
	}
	if len(b.buf) == 0 {
		return 0, io.EOF
	}
	n := copy(p, b.buf)
	b.buf = b.buf[n:]
	if len(b.buf) == 0 {
		b.buf = nil
	}
	b.cond.Broadcast()
	return n, nil
}

// Buffered reports the unread byte count.
func (b *flowBuffer) Buffered() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

func (b *flowBuffer) closeWrite() {
	b.mu.Lock()
	b.eof = true
	b.cond.Broadcast()
	b.mu.Unlock()
}

func (b *flowBuffer) abort(err error) {
	b.mu.Lock()
	if b.err == nil {
		b.err = err
		b.buf = nil
	}
	b.cond.Broadcast()
	b.mu.Unlock()
}
