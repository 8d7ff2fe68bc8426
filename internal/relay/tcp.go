package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Stats counts payload bytes. Up flows from the client to the upstream,
// Down the other way.
type Stats struct {
	Up   int64
	Down int64
}

// TCP copies bytes between client and upstream until either side reaches
// end of stream or fails, then closes both. With idle > 0 the splice also
// ends once neither direction has moved data for idle, returning ErrIdle.
// Cancelling ctx closes both connections.
func TCP(ctx context.Context, client, upstream net.Conn, idle time.Duration) (Stats, error) {
	var st Stats
	act := newActivity()

	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = client.Close()
			_ = upstream.Close()
		})
	}
	defer closeBoth()

	stop := context.AfterFunc(ctx, closeBoth)
	defer stop()

	var g errgroup.Group
	g.Go(func() error {
		defer closeBoth()
		n, err := copyIdle(upstream, client, idle, act)
		st.Up = n
		return err
	})
	g.Go(func() error {
		defer closeBoth()
		n, err := copyIdle(client, upstream, idle, act)
		st.Down = n
		return err
	})

	err := g.Wait()
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	return st, err
}

func copyIdle(dst, src net.Conn, idle time.Duration, act *activity) (int64, error) {
	buf := tcpBuffers.Get()
	defer tcpBuffers.Put(buf)

	var written int64
	for {
		if idle > 0 {
			_ = src.SetReadDeadline(deadline(idle))
		}
		nr, rerr := src.Read(buf)
		if nr > 0 {
			act.touch()
			if idle > 0 {
				_ = dst.SetWriteDeadline(deadline(idle))
			}
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, copyErr(werr)
			}
		}
		if rerr != nil {
			if isTimeout(rerr) && !act.idleFor(idle) {
				continue
			}
			return written, copyErr(rerr)
		}
	}
}

// copyErr maps the ways a splice normally ends to nil.
func copyErr(err error) error {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		return nil
	case isTimeout(err):
		return ErrIdle
	default:
		return err
	}
}
