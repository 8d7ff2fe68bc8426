package tunnel

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/die-net/s5tunnel/internal/logging"
	"github.com/die-net/s5tunnel/internal/metrics"
	"github.com/die-net/s5tunnel/internal/relay"
	"github.com/die-net/s5tunnel/internal/session"
	"github.com/die-net/s5tunnel/internal/socks5"
)

// ServeTCP accepts connections on ln and relays each one to dst through a
// CONNECT session. It returns when ctx is done or ln fails, after every
// relay it started has finished.
func ServeTCP(ctx context.Context, ln net.Listener, cfg Config, dst socks5.Addr) error {
	cfg = cfg.withDefaults()
	log := cfg.Logger.With(logging.KeyComponent, "tcp-forward", logging.KeyDest, dst.String())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	log.Info("forwarding tcp", logging.KeyLocalAddr, ln.Addr().String())
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			forwardTCP(ctx, c, cfg, dst)
		}()
	}
}

func forwardTCP(ctx context.Context, local net.Conn, cfg Config, dst socks5.Addr) {
	log := cfg.Logger.With(logging.KeyRemoteAddr, local.RemoteAddr().String(), logging.KeyDest, dst.String())

	s, err := session.Dial(ctx, cfg.Dialer, cfg.Server, cfg.clientConfig(session.KindTCP), dst)
	if err != nil {
		_ = local.Close()
		log.Warn("tunnel setup failed", logging.KeyError, err)
		return
	}

	cfg.Metrics.SessionStarted(session.KindTCP.String())
	defer cfg.Metrics.SessionEnded()

	start := time.Now()
	st, err := s.Splice(ctx, local, cfg.TCPTimeout)
	cfg.Metrics.AddBytes(session.KindTCP.String(), metrics.DirectionUp, st.Up)
	cfg.Metrics.AddBytes(session.KindTCP.String(), metrics.DirectionDown, st.Down)

	attrs := []any{
		logging.KeyDuration, time.Since(start).Round(time.Millisecond),
		logging.Bytes(logging.KeyBytesUp, st.Up),
		logging.Bytes(logging.KeyBytesDown, st.Down),
	}
	if err != nil && !errors.Is(err, relay.ErrIdle) && !errors.Is(err, context.Canceled) {
		log.Warn("tunnel failed", append(attrs, logging.KeyError, err)...)
		return
	}
	log.Info("tunnel closed", attrs...)
}
