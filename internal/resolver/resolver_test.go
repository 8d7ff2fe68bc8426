package resolver

import (
	"context"
	"errors"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"
)

func fakeLookup(calls *atomic.Int32) LookupFunc {
	return func(ctx context.Context, network, host string) ([]netip.Addr, error) {
		calls.Add(1)
		if host != "dual.example" {
			return nil, errors.New("no such host")
		}
		all := []netip.Addr{
			netip.MustParseAddr("2001:db8::1"),
			netip.MustParseAddr("192.0.2.1"),
		}
		var out []netip.Addr
		for _, ip := range all {
			switch {
			case network == "ip4" && !ip.Is4():
			case network == "ip6" && !ip.Is6():
			default:
				out = append(out, ip)
			}
		}
		return out, nil
	}
}

func TestResolveFamily(t *testing.T) {
	var calls atomic.Int32
	r := New(Config{Lookup: fakeLookup(&calls)})

	tests := []struct {
		name       string
		host       string
		family     Family
		want       string
		wantFamily Family
		wantErr    bool
	}{
		{name: "unspec takes first", host: "dual.example", family: FamilyUnspec, want: "2001:db8::1", wantFamily: FamilyIPv6},
		{name: "ipv4 pinned", host: "dual.example", family: FamilyIPv4, want: "192.0.2.1", wantFamily: FamilyIPv4},
		{name: "ipv6 pinned", host: "dual.example", family: FamilyIPv6, want: "2001:db8::1", wantFamily: FamilyIPv6},
		{name: "literal", host: "198.51.100.7", family: FamilyUnspec, want: "198.51.100.7", wantFamily: FamilyIPv4},
		{name: "literal mismatch", host: "198.51.100.7", family: FamilyIPv6, wantErr: true},
		{name: "lookup failure", host: "missing.example", family: FamilyUnspec, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ip, fam, err := r.Resolve(context.Background(), tt.host, tt.family)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err=%v wantErr=%v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if ip.String() != tt.want || fam != tt.wantFamily {
				t.Fatalf("got %s/%s want %s/%s", ip, fam, tt.want, tt.wantFamily)
			}
		})
	}
}

func TestResolveCaches(t *testing.T) {
	var calls atomic.Int32
	r := New(Config{TTL: time.Minute, Lookup: fakeLookup(&calls)})

	for i := 0; i < 3; i++ {
		if _, _, err := r.Resolve(context.Background(), "dual.example", FamilyIPv4); err != nil {
			t.Fatal(err)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("lookups %d want 1", got)
	}

	if _, _, err := r.Resolve(context.Background(), "dual.example", FamilyIPv6); err != nil {
		t.Fatal(err)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("lookups %d want 2", got)
	}
}

func TestParseFamily(t *testing.T) {
	for in, want := range map[string]Family{"": FamilyUnspec, "any": FamilyUnspec, "IPv4": FamilyIPv4, "ipv6": FamilyIPv6} {
		got, err := ParseFamily(in)
		if err != nil || got != want {
			t.Errorf("ParseFamily(%q) = %v, %v want %v", in, got, err, want)
		}
	}
	if _, err := ParseFamily("ipx"); err == nil {
		t.Error("expected error")
	}
	if got := FamilyIPv6.Network("udp"); got != "udp6" {
		t.Errorf("Network = %q", got)
	}
}
