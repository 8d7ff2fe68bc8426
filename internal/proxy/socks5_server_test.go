package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/txthinking/socks5"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/s5tunnel/internal/auth"
	"github.com/die-net/s5tunnel/internal/session"
	s5 "github.com/die-net/s5tunnel/internal/socks5"
	"github.com/die-net/s5tunnel/internal/testutil"
)

func startSOCKS5Server(t *testing.T, ctx context.Context, cfg Config) (*SOCKS5Server, string, func() error) {
	t.Helper()

	ln, err := ListenTCP(ctx, "tcp", "127.0.0.1:0", net.KeepAliveConfig{Enable: false})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(ctx)
	srv := NewSOCKS5Server(cfg)
	g := errgroup.Group{}
	g.Go(func() error { return srv.Serve(ctx, ln) })

	stop := func() error {
		cancel()
		return g.Wait()
	}
	t.Cleanup(func() { _ = stop() })
	return srv, ln.Addr().String(), stop
}

func TestSOCKS5ConnectDirect(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	_, addr, _ := startSOCKS5Server(t, ctx, Config{})

	client, err := socks5.NewClient(addr, "", "", 2, 0)
	if err != nil {
		t.Fatal(err)
	}

	c, err := client.Dial("tcp", echoLn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	testutil.AssertEcho(t, c, c, []byte("hello"))
}

func TestSOCKS5ConnectWithAuth(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	users := auth.New()
	if err := users.Add(auth.NewUser("alice", "secret")); err != nil {
		t.Fatal(err)
	}

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	_, addr, _ := startSOCKS5Server(t, ctx, Config{Session: session.ServerConfig{Authenticator: users}})

	dst, err := s5.ParseAddr(echoLn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		pass     string
		pipeline bool
		wantErr  error
	}{
		{name: "standard", pass: "secret"},
		{name: "pipelined", pass: "secret", pipeline: true},
		{name: "wrong password", pass: "nope", wantErr: session.ErrAuthFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := session.ClientConfig{
				Credentials: s5.Credentials{Username: "alice", Password: tt.pass},
				Pipeline:    tt.pipeline,
			}
			sess, err := session.Dial(ctx, nil, addr, cfg, dst)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("got %v want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			defer sess.Close()
			testutil.AssertEcho(t, sess.Conn(), sess.Conn(), []byte("authenticated"))
		})
	}
}

func TestSOCKS5ServeClosesSessionsOnShutdown(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	srv, addr, stop := startSOCKS5Server(t, ctx, Config{})

	client, err := socks5.NewClient(addr, "", "", 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	c, err := client.Dial("tcp", echoLn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	testutil.AssertEcho(t, c, c, []byte("before"))

	if n := srv.ConnectionCount(); n != 1 {
		t.Fatalf("connection count %d", n)
	}

	if err := stop(); err != nil {
		t.Fatal(err)
	}

	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := c.Read(make([]byte, 1)); err == nil {
		t.Fatal("session still open after shutdown")
	}
	if n := srv.ConnectionCount(); n != 0 {
		t.Fatalf("connection count %d after shutdown", n)
	}
}

func TestSOCKS5MaxConnections(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, addr, _ := startSOCKS5Server(t, ctx, Config{MaxConnections: 1})

	// The first connection holds the only slot while it sits in the
	// handshake.
	first, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer first.Close()
	if _, err := first.Write([]byte{5, 1, 0}); err != nil {
		t.Fatal(err)
	}
	if _, err := io.ReadFull(first, make([]byte, 2)); err != nil {
		t.Fatal(err)
	}

	second, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()
	_ = second.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := second.Read(make([]byte, 1)); err == nil {
		t.Fatal("second connection was served")
	}
}

type fakeCloser struct {
	closed *int
}

func (f *fakeCloser) Close() error {
	*f.closed++
	return nil
}

func TestConnTracker(t *testing.T) {
	closed := 0
	a, b := &fakeCloser{&closed}, &fakeCloser{&closed}

	tr := newConnTracker[*fakeCloser]()
	tr.add(a)
	tr.add(b)
	if tr.len() != 2 {
		t.Fatalf("len %d", tr.len())
	}

	tr.remove(a)
	tr.remove(a)
	if tr.len() != 1 {
		t.Fatalf("len %d after remove", tr.len())
	}

	tr.closeAll()
	if closed != 1 || tr.len() != 0 {
		t.Fatalf("closed %d len %d", closed, tr.len())
	}
	tr.remove(b)
	if tr.len() != 0 {
		t.Fatalf("len %d after late remove", tr.len())
	}
}
