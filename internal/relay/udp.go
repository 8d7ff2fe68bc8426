package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/die-net/s5tunnel/internal/logging"
	"github.com/die-net/s5tunnel/internal/socks5"
)

var (
	ErrTooManyDrops  = errors.New("relay: too many dropped datagrams")
	ErrControlClosed = errors.New("relay: control connection closed")

	errDirectionDone = errors.New("relay: direction closed")
)

// Drop reasons passed to UDPConfig.OnDrop.
const (
	DropMalformed  = "malformed"
	DropResolve    = "resolve"
	DropSend       = "send"
	DropNoPeer     = "no_peer"
	DropOversize   = "oversize"
	DropQueueFull  = "queue_full"
	defaultDropRPS = 10
	defaultBurst   = 100
)

type UDPConfig struct {
	// Timeout ends the association once neither direction has moved a
	// datagram for this long. Zero disables it, and also means a direction
	// that closes takes the whole association down with it.
	Timeout time.Duration

	// Resolve maps a datagram's destination to a socket address.
	Resolve func(ctx context.Context, dst socks5.Addr) (netip.AddrPort, error)

	// Bind creates the upstream socket. It is called once, when the first
	// datagram has been resolved, and never retried.
	Bind func(ctx context.Context, first netip.AddrPort) (*net.UDPConn, error)

	// StreamControl is set when the envelope is the TCP control connection
	// itself; its closure ends the association at once.
	StreamControl bool

	// Control, if set, is the TCP control connection of a UDP-over-UDP
	// association. It is drained, and its closure ends the association.
	Control net.Conn

	// DropLimit and DropBurst bound how fast datagrams may be dropped
	// before the association is abandoned. Zero selects a default.
	DropLimit rate.Limit
	DropBurst int

	OnDrop func(reason string)
	Logger *slog.Logger
}

// UDPStats counts payload bytes and datagrams in each direction.
type UDPStats struct {
	Up, Down                   int64
	DatagramsUp, DatagramsDown int64
	Dropped                    int64
}

type liveness struct {
	forward  atomic.Bool
	backward atomic.Bool
}

type udpRelay struct {
	env Envelope
	cfg UDPConfig
	log *slog.Logger

	act     *activity
	alive   liveness
	limiter *rate.Limiter

	mu       sync.Mutex
	closed   bool
	bound    chan struct{}
	upstream *net.UDPConn

	up, down, dgUp, dgDown, dropped atomic.Int64
}

// UDP relays datagrams between env and an upstream socket created through
// cfg.Bind until the association ends. Every socket involved, env included,
// is closed on return.
func UDP(ctx context.Context, env Envelope, cfg UDPConfig) (UDPStats, error) {
	if cfg.Resolve == nil || cfg.Bind == nil {
		return UDPStats{}, errors.New("relay: Resolve and Bind are required")
	}
	if cfg.DropLimit == 0 {
		cfg.DropLimit = defaultDropRPS
	}
	if cfg.DropBurst == 0 {
		cfg.DropBurst = defaultBurst
	}

	r := &udpRelay{
		env:     env,
		cfg:     cfg,
		log:     logging.OrNop(cfg.Logger),
		act:     newActivity(),
		limiter: rate.NewLimiter(cfg.DropLimit, cfg.DropBurst),
		bound:   make(chan struct{}),
	}
	r.alive.forward.Store(true)
	r.alive.backward.Store(true)

	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, r.closeAll)
	defer stop()
	defer r.closeAll()

	g.Go(func() error { return r.forward(gctx) })
	g.Go(func() error { return r.backward(gctx) })
	if cfg.Control != nil {
		g.Go(func() error { return r.watchControl() })
	}

	err := g.Wait()
	if errors.Is(err, errDirectionDone) {
		err = nil
	}
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}

	return UDPStats{
		Up:            r.up.Load(),
		Down:          r.down.Load(),
		DatagramsUp:   r.dgUp.Load(),
		DatagramsDown: r.dgDown.Load(),
		Dropped:       r.dropped.Load(),
	}, err
}

func (r *udpRelay) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true

	_ = r.env.Close()
	if r.cfg.Control != nil {
		_ = r.cfg.Control.Close()
	}
	if r.upstream != nil {
		_ = r.upstream.Close()
	}
}

// done records that one direction has stopped. The association survives
// if the other direction is alive and an idle timeout will eventually end
// it.
func (r *udpRelay) done(self, other *atomic.Bool) error {
	self.Store(false)
	select {
	case <-r.bound:
	default:
		// Nothing can arrive upstream before the first datagram is sent.
		return errDirectionDone
	}
	if other.Load() && r.cfg.Timeout > 0 {
		return nil
	}
	return errDirectionDone
}

func (r *udpRelay) drop(reason string, err error) error {
	r.dropped.Add(1)
	if r.cfg.OnDrop != nil {
		r.cfg.OnDrop(reason)
	}
	r.log.Debug("dropped datagram", "reason", reason, logging.KeyError, err)

	if !r.limiter.Allow() {
		return ErrTooManyDrops
	}
	return nil
}

// idleExpired reports whether a read deadline means the association is
// idle, as opposed to only this direction being quiet.
func (r *udpRelay) idleExpired(err error) bool {
	return isTimeout(err) && r.act.idleFor(r.cfg.Timeout)
}

func (r *udpRelay) forward(ctx context.Context) error {
	buf := udpBuffers.Get()
	defer udpBuffers.Put(buf)

	for {
		_ = r.env.SetReadDeadline(deadline(r.cfg.Timeout))
		dst, payload, err := r.env.ReadDatagram(buf)
		if err != nil {
			switch {
			case errors.Is(err, ErrMalformed):
				if err := r.drop(DropMalformed, err); err != nil {
					return err
				}
				continue
			case isTimeout(err) && !errors.Is(err, ErrStalled):
				if r.idleExpired(err) {
					return ErrIdle
				}
				continue
			case r.cfg.StreamControl:
				// The control connection closed, or its framing broke.
				if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
					return ErrControlClosed
				}
				return fmt.Errorf("read control stream: %w", err)
			default:
				r.log.Debug("forward direction closed", logging.KeyError, err)
				return r.done(&r.alive.forward, &r.alive.backward)
			}
		}

		to, err := r.cfg.Resolve(ctx, dst)
		if err != nil {
			if err := r.drop(DropResolve, err); err != nil {
				return err
			}
			continue
		}

		if err := r.bind(ctx, to); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			r.log.Error("failed to create upstream socket", logging.KeyError, err)
			return err
		}

		if _, err := r.upstream.WriteToUDPAddrPort(payload, to); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			if err := r.drop(DropSend, err); err != nil {
				return err
			}
			continue
		}
		r.act.touch()
		r.up.Add(int64(len(payload)))
		r.dgUp.Add(1)
	}
}

func (r *udpRelay) bind(ctx context.Context, first netip.AddrPort) error {
	select {
	case <-r.bound:
		return nil
	default:
	}

	uc, err := r.cfg.Bind(ctx, first)
	if err != nil {
		return fmt.Errorf("bind upstream socket: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		_ = uc.Close()
		return net.ErrClosed
	}
	r.upstream = uc
	close(r.bound)
	return nil
}

func (r *udpRelay) backward(ctx context.Context) error {
	select {
	case <-r.bound:
	case <-ctx.Done():
		return nil
	}

	buf := udpBuffers.Get()
	defer udpBuffers.Put(buf)

	for {
		_ = r.upstream.SetReadDeadline(deadline(r.cfg.Timeout))
		n, src, err := r.upstream.ReadFromUDPAddrPort(buf)
		if err != nil {
			if isTimeout(err) {
				if r.idleExpired(err) {
					return ErrIdle
				}
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			r.log.Debug("backward direction closed", logging.KeyError, err)
			return r.done(&r.alive.backward, &r.alive.forward)
		}

		from := socks5.AddrFromAddrPort(src)
		if err := r.env.WriteDatagram(from, buf[:n]); err != nil {
			switch {
			case errors.Is(err, ErrNoPeer):
				if err := r.drop(DropNoPeer, err); err != nil {
					return err
				}
				continue
			case errors.Is(err, ErrMalformed):
				if err := r.drop(DropOversize, err); err != nil {
					return err
				}
				continue
			case errors.Is(err, net.ErrClosed):
				return nil
			}
			r.log.Debug("client side closed", logging.KeyError, err)
			return r.done(&r.alive.backward, &r.alive.forward)
		}
		r.act.touch()
		r.down.Add(int64(n))
		r.dgDown.Add(1)
	}
}

func (r *udpRelay) watchControl() error {
	_ = r.cfg.Control.SetReadDeadline(time.Time{})
	_, _ = io.Copy(io.Discard, r.cfg.Control)
	return ErrControlClosed
}
