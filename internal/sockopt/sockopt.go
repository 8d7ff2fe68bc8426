// Package sockopt applies the socket options s5tunnel needs on relay
// sockets: SO_REUSEADDR so a UDP relay socket can share the control
// connection's local address, and a larger receive buffer for bursty UDP.
//
// On platforms without these options the settings are ignored, except the
// receive buffer which falls back to net.UDPConn.SetReadBuffer.
package sockopt

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"syscall"
)

// Options are applied to a socket before it is bound.
type Options struct {
	ReuseAddr  bool
	RecvBuffer int
}

// ListenConfig returns a net.ListenConfig that applies o.
func (o Options) ListenConfig() net.ListenConfig {
	return net.ListenConfig{Control: o.control}
}

// Dialer returns a net.Dialer that applies o.
func (o Options) Dialer() net.Dialer {
	return net.Dialer{Control: o.control}
}

func (o Options) control(_, _ string, c syscall.RawConn) error {
	var ctrlErr error
	err := c.Control(func(fd uintptr) {
		ctrlErr = o.apply(fd)
	})
	if err != nil {
		return err
	}
	return ctrlErr
}

// ListenUDP binds a UDP socket on laddr with o applied. An invalid laddr
// binds the wildcard address of network.
func ListenUDP(ctx context.Context, network string, laddr netip.AddrPort, o Options) (*net.UDPConn, error) {
	addr := ""
	if laddr.IsValid() {
		addr = laddr.String()
	}

	lc := o.ListenConfig()
	pc, err := lc.ListenPacket(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s %s: %w", network, addr, err)
	}

	uc, ok := pc.(*net.UDPConn)
	if !ok {
		_ = pc.Close()
		return nil, fmt.Errorf("listen %s %s: not a UDP socket", network, addr)
	}
	if !supported && o.RecvBuffer > 0 {
		_ = uc.SetReadBuffer(o.RecvBuffer)
	}
	return uc, nil
}
