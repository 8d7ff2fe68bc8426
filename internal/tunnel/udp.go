package tunnel

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/die-net/s5tunnel/internal/logging"
	"github.com/die-net/s5tunnel/internal/metrics"
	"github.com/die-net/s5tunnel/internal/relay"
	"github.com/die-net/s5tunnel/internal/session"
	"github.com/die-net/s5tunnel/internal/socks5"
)

// errFlowIdle ends a flow that saw no traffic for the UDP timeout.
var errFlowIdle = errors.New("tunnel: udp flow idle")

// udpForwarder maps each local peer to its own association.
type udpForwarder struct {
	cfg Config
	pc  *net.UDPConn
	dst socks5.Addr
	log *slog.Logger

	mu    sync.Mutex
	flows map[netip.AddrPort]*udpFlow
	wg    sync.WaitGroup
}

type udpFlow struct {
	peer netip.AddrPort
	send chan []byte
	last atomic.Int64
}

func (f *udpFlow) touch() {
	f.last.Store(time.Now().UnixNano())
}

func (f *udpFlow) idleFor() time.Duration {
	return time.Since(time.Unix(0, f.last.Load()))
}

// ServeUDP relays datagrams arriving on pc to dst, one association per
// local peer. Replies are sent back to the peer from pc. It returns when ctx
// is done or pc fails, after every association has been torn down.
func ServeUDP(ctx context.Context, pc *net.UDPConn, cfg Config, dst socks5.Addr) error {
	cfg = cfg.withDefaults()
	u := &udpForwarder{
		cfg:   cfg,
		pc:    pc,
		dst:   dst,
		log:   cfg.Logger.With(logging.KeyComponent, "udp-forward", logging.KeyDest, dst.String()),
		flows: make(map[netip.AddrPort]*udpFlow),
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { _ = pc.Close() })
	defer stop()
	defer u.wg.Wait()

	u.log.Info("forwarding udp", logging.KeyLocalAddr, pc.LocalAddr().String(), logging.KeyKind, cfg.UDPKind.String())

	buf := make([]byte, socks5.MaxDatagramSize)
	for {
		n, peer, err := pc.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		peer = netip.AddrPortFrom(peer.Addr().Unmap(), peer.Port())

		f := u.flow(ctx, peer)
		select {
		case f.send <- append([]byte(nil), buf[:n]...):
		default:
			cfg.Metrics.DatagramDropped(relay.DropQueueFull)
			u.log.Debug("udp queue full", logging.KeyRemoteAddr, peer.String())
		}
	}
}

// flow returns the association for peer, starting one if needed.
func (u *udpForwarder) flow(ctx context.Context, peer netip.AddrPort) *udpFlow {
	u.mu.Lock()
	defer u.mu.Unlock()

	if f, ok := u.flows[peer]; ok {
		return f
	}
	f := &udpFlow{peer: peer, send: make(chan []byte, u.cfg.UDPQueue)}
	f.touch()
	u.flows[peer] = f

	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		u.run(ctx, f)

		u.mu.Lock()
		delete(u.flows, peer)
		u.mu.Unlock()
	}()
	return f
}

func (u *udpForwarder) run(ctx context.Context, f *udpFlow) {
	log := u.log.With(logging.KeyRemoteAddr, f.peer.String())
	kind := u.cfg.UDPKind

	s, err := session.Dial(ctx, u.cfg.Dialer, u.cfg.Server, u.cfg.clientConfig(kind), socks5.Addr{})
	if err != nil {
		log.Warn("tunnel setup failed", logging.KeyError, err)
		return
	}

	u.cfg.Metrics.SessionStarted(kind.String())
	defer u.cfg.Metrics.SessionEnded()

	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, func() { _ = s.Close() })
	defer stop()

	var up, down, dgUp, dgDown atomic.Int64
	start := time.Now()

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case p := <-f.send:
				if err := s.WriteDatagram(u.dst, p); err != nil {
					return err
				}
				f.touch()
				up.Add(int64(len(p)))
				dgUp.Add(1)
			}
		}
	})

	g.Go(func() error {
		buf := make([]byte, socks5.MaxDatagramSize)
		for {
			_ = s.SetReadDeadline(time.Now().Add(u.cfg.UDPTimeout - f.idleFor()))
			_, payload, err := s.ReadDatagram(buf)
			if err != nil {
				if errors.Is(err, os.ErrDeadlineExceeded) && !errors.Is(err, relay.ErrStalled) {
					if f.idleFor() >= u.cfg.UDPTimeout {
						return errFlowIdle
					}
					continue
				}
				if errors.Is(err, relay.ErrMalformed) {
					u.cfg.Metrics.DatagramDropped(relay.DropMalformed)
					continue
				}
				return err
			}
			if _, err := u.pc.WriteToUDPAddrPort(payload, f.peer); err != nil {
				return err
			}
			f.touch()
			down.Add(int64(len(payload)))
			dgDown.Add(1)
		}
	})

	if kind == session.KindUDPInUDP {
		g.Go(func() error {
			return s.WaitControl(gctx)
		})
	}

	err = g.Wait()
	_ = s.Close()

	u.cfg.Metrics.AddBytes(kind.String(), metrics.DirectionUp, up.Load())
	u.cfg.Metrics.AddBytes(kind.String(), metrics.DirectionDown, down.Load())
	u.cfg.Metrics.AddDatagrams(metrics.DirectionUp, dgUp.Load())
	u.cfg.Metrics.AddDatagrams(metrics.DirectionDown, dgDown.Load())

	attrs := []any{
		logging.KeyDuration, time.Since(start).Round(time.Millisecond),
		logging.Bytes(logging.KeyBytesUp, up.Load()),
		logging.Bytes(logging.KeyBytesDown, down.Load()),
	}
	switch {
	case err == nil, errors.Is(err, errFlowIdle), errors.Is(err, context.Canceled):
		log.Info("tunnel closed", attrs...)
	default:
		log.Warn("tunnel failed", append(attrs, logging.KeyError, err)...)
	}
}
