package relay

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/die-net/s5tunnel/internal/socks5"
	"github.com/die-net/s5tunnel/internal/testutil"
)

func loopbackUDP(t *testing.T) *net.UDPConn {
	t.Helper()
	uc, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = uc.Close() })
	return uc
}

func testUDPConfig(t *testing.T) UDPConfig {
	return UDPConfig{
		Resolve: func(_ context.Context, dst socks5.Addr) (netip.AddrPort, error) {
			if dst.IsDomain() {
				return netip.AddrPort{}, errors.New("no resolver")
			}
			return dst.AddrPort(), nil
		},
		Bind: func(_ context.Context, _ netip.AddrPort) (*net.UDPConn, error) {
			return net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
		},
	}
}

func udpAddrPort(c *net.UDPConn) netip.AddrPort {
	ap := c.LocalAddr().(*net.UDPAddr).AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

type udpResult struct {
	st  UDPStats
	err error
}

func startUDP(ctx context.Context, env Envelope, cfg UDPConfig) <-chan udpResult {
	done := make(chan udpResult, 1)
	go func() {
		st, err := UDP(ctx, env, cfg)
		done <- udpResult{st, err}
	}()
	return done
}

func sendPacket(t *testing.T, c *net.UDPConn, dst netip.AddrPort, payload []byte) {
	t.Helper()
	b, err := socks5.AppendPacketDatagram(nil, socks5.AddrFromAddrPort(dst), payload)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Write(b); err != nil {
		t.Fatal(err)
	}
}

func recvPacket(t *testing.T, c *net.UDPConn, timeout time.Duration) (socks5.Addr, []byte, error) {
	t.Helper()
	buf := make([]byte, 2048)
	_ = c.SetReadDeadline(time.Now().Add(timeout))
	n, err := c.Read(buf)
	if err != nil {
		return socks5.Addr{}, nil, err
	}
	return socks5.DecodePacketDatagram(buf[:n])
}

func TestUDPOverUDP(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echo := testutil.StartEchoUDPServer(t, ctx)
	echoAddr := udpAddrPort(echo)

	relaySock := loopbackUDP(t)
	done := startUDP(ctx, NewPacketEnvelope(relaySock), testUDPConfig(t))

	client, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(udpAddrPort(relaySock)))
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	sendPacket(t, client, echoAddr, []byte("ping"))
	from, payload, err := recvPacket(t, client, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if from.AddrPort() != echoAddr || !bytes.Equal(payload, []byte("ping")) {
		t.Fatalf("got %s %q", from, payload)
	}

	cancel()
	res := <-done
	if !errors.Is(res.err, context.Canceled) {
		t.Fatalf("got %v", res.err)
	}
	if res.st.DatagramsUp != 1 || res.st.DatagramsDown != 1 || res.st.Up != 4 || res.st.Down != 4 {
		t.Fatalf("stats %+v", res.st)
	}
}

func TestUDPOverUDPLearnsPeer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echo := testutil.StartEchoUDPServer(t, ctx)
	echoAddr := udpAddrPort(echo)

	relaySock := loopbackUDP(t)
	_ = startUDP(ctx, NewPacketEnvelope(relaySock), testUDPConfig(t))
	relayAddr := net.UDPAddrFromAddrPort(udpAddrPort(relaySock))

	first, err := net.DialUDP("udp", nil, relayAddr)
	if err != nil {
		t.Fatal(err)
	}
	defer first.Close()
	other, err := net.DialUDP("udp", nil, relayAddr)
	if err != nil {
		t.Fatal(err)
	}
	defer other.Close()

	sendPacket(t, first, echoAddr, []byte("one"))
	if _, _, err := recvPacket(t, first, 2*time.Second); err != nil {
		t.Fatal(err)
	}

	sendPacket(t, other, echoAddr, []byte("intruder"))
	if _, _, err := recvPacket(t, other, 200*time.Millisecond); err == nil {
		t.Fatal("datagram from a second source was relayed")
	}

	sendPacket(t, first, echoAddr, []byte("two"))
	_, payload, err := recvPacket(t, first, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if string(payload) != "two" {
		t.Fatalf("got %q", payload)
	}
}

func TestUDPDropsMalformed(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echo := testutil.StartEchoUDPServer(t, ctx)
	echoAddr := udpAddrPort(echo)

	relaySock := loopbackUDP(t)
	var drops []string
	cfg := testUDPConfig(t)
	cfg.OnDrop = func(reason string) { drops = append(drops, reason) }
	done := startUDP(ctx, NewPacketEnvelope(relaySock), cfg)

	client, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(udpAddrPort(relaySock)))
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	frag, err := socks5.AppendPacketDatagram(nil, socks5.AddrFromAddrPort(echoAddr), []byte("frag"))
	if err != nil {
		t.Fatal(err)
	}
	frag[2] = 1
	if _, err := client.Write(frag); err != nil {
		t.Fatal(err)
	}

	sendPacket(t, client, echoAddr, []byte("whole"))
	_, payload, err := recvPacket(t, client, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if string(payload) != "whole" {
		t.Fatalf("got %q", payload)
	}

	cancel()
	res := <-done
	if res.st.Dropped != 1 || len(drops) != 1 || drops[0] != DropMalformed {
		t.Fatalf("dropped %d %v", res.st.Dropped, drops)
	}
}

func TestUDPIdleTimeout(t *testing.T) {
	relaySock := loopbackUDP(t)
	cfg := testUDPConfig(t)
	cfg.Timeout = 100 * time.Millisecond

	select {
	case res := <-startUDP(context.Background(), NewPacketEnvelope(relaySock), cfg):
		if !errors.Is(res.err, ErrIdle) {
			t.Fatalf("got %v want ErrIdle", res.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("association did not time out")
	}
}

func TestUDPControlClosed(t *testing.T) {
	relaySock := loopbackUDP(t)
	local, control := testutil.TCPPair(t)

	cfg := testUDPConfig(t)
	cfg.Timeout = time.Minute
	cfg.Control = control
	done := startUDP(context.Background(), NewPacketEnvelope(relaySock), cfg)

	_ = local.Close()
	select {
	case res := <-done:
		if !errors.Is(res.err, ErrControlClosed) {
			t.Fatalf("got %v want ErrControlClosed", res.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("association survived control closure")
	}
}

func TestUDPOverTCP(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echo := testutil.StartEchoUDPServer(t, ctx)
	echoAddr := socks5.AddrFromAddrPort(udpAddrPort(echo))

	local, control := testutil.TCPPair(t)
	cfg := testUDPConfig(t)
	cfg.Timeout = time.Minute
	cfg.StreamControl = true
	done := startUDP(ctx, NewStreamEnvelope(control, time.Second), cfg)

	clientEnv := NewStreamEnvelope(local, time.Second)
	buf := make([]byte, 2048)
	for _, msg := range []string{"a", "bb", "ccc"} {
		if err := clientEnv.WriteDatagram(echoAddr, []byte(msg)); err != nil {
			t.Fatal(err)
		}
		_ = clientEnv.SetReadDeadline(time.Now().Add(2 * time.Second))
		from, payload, err := clientEnv.ReadDatagram(buf)
		if err != nil {
			t.Fatal(err)
		}
		if from != echoAddr || string(payload) != msg {
			t.Fatalf("got %s %q", from, payload)
		}
	}

	_ = local.Close()
	res := <-done
	if !errors.Is(res.err, ErrControlClosed) {
		t.Fatalf("got %v want ErrControlClosed", res.err)
	}
	if res.st.DatagramsUp != 3 || res.st.DatagramsDown != 3 {
		t.Fatalf("stats %+v", res.st)
	}
}

func TestUDPUnresolvableDropped(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	local, control := testutil.TCPPair(t)
	cfg := testUDPConfig(t)
	cfg.StreamControl = true
	cfg.Timeout = time.Minute
	done := startUDP(ctx, NewStreamEnvelope(control, time.Second), cfg)

	clientEnv := NewStreamEnvelope(local, time.Second)
	if err := clientEnv.WriteDatagram(socks5.DomainAddr("unresolvable.invalid", 53), []byte("q")); err != nil {
		t.Fatal(err)
	}
	_ = local.Close()

	res := <-done
	if res.st.Dropped != 1 {
		t.Fatalf("stats %+v", res.st)
	}
}
