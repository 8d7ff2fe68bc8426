package relay

import (
	"errors"
	"os"
	"sync/atomic"
	"time"
)

var (
	// ErrIdle ends a relay when no data moved in either direction for the
	// configured timeout.
	ErrIdle = errors.New("relay: idle timeout")
)

// activity records when data last moved in any direction.
type activity struct {
	last atomic.Int64
}

func newActivity() *activity {
	a := &activity{}
	a.touch()
	return a
}

func (a *activity) touch() {
	a.last.Store(time.Now().UnixNano())
}

func (a *activity) idleFor(d time.Duration) bool {
	return time.Since(time.Unix(0, a.last.Load())) >= d
}

func deadline(d time.Duration) time.Time {
	if d <= 0 {
		return time.Time{}
	}
	return time.Now().Add(d)
}

func isTimeout(err error) bool {
	return errors.Is(err, os.ErrDeadlineExceeded)
}
