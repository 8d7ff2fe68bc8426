package proxy

import (
	"io"
	"sync"
	"sync/atomic"
)

type connCloser interface {
	comparable
	io.Closer
}

// connTracker holds the live connections of a listener so shutdown can
// close them all.
type connTracker[T connCloser] struct {
	mu    sync.Mutex
	conns map[T]struct{}
	count atomic.Int64
}

func newConnTracker[T connCloser]() *connTracker[T] {
	return &connTracker[T]{conns: make(map[T]struct{})}
}

func (t *connTracker[T]) add(c T) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conns[c] = struct{}{}
	t.count.Add(1)
}

// remove is safe to call more than once, and after closeAll.
func (t *connTracker[T]) remove(c T) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.conns[c]; ok {
		delete(t.conns, c)
		t.count.Add(-1)
	}
}

func (t *connTracker[T]) len() int64 {
	return t.count.Load()
}

func (t *connTracker[T]) closeAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for c := range t.conns {
		_ = c.Close()
	}
	clear(t.conns)
	t.count.Store(0)
}
