// Package resolver turns destination host names into addresses of a single
// address family.
//
// A session picks its family once: either from configuration or from the
// first address a lookup returns. Later lookups for the same session pass
// that family back in so every upstream socket uses it.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// Family is an IP address family preference.
type Family int

const (
	FamilyUnspec Family = iota
	FamilyIPv4
	FamilyIPv6
)

var ErrFamilyMismatch = errors.New("resolver: address does not match family")

// ParseFamily parses "any", "ipv4" or "ipv6".
func ParseFamily(s string) (Family, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "any", "unspec":
		return FamilyUnspec, nil
	case "ipv4", "4", "ip4":
		return FamilyIPv4, nil
	case "ipv6", "6", "ip6":
		return FamilyIPv6, nil
	default:
		return FamilyUnspec, fmt.Errorf("unknown address family %q", s)
	}
}

// FamilyOf returns the family of ip. IPv4-mapped IPv6 addresses count as IPv4.
func FamilyOf(ip netip.Addr) Family {
	if ip.Unmap().Is4() {
		return FamilyIPv4
	}
	if ip.Is6() {
		return FamilyIPv6
	}
	return FamilyUnspec
}

func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "ipv4"
	case FamilyIPv6:
		return "ipv6"
	default:
		return "any"
	}
}

// Network narrows a network name such as "tcp" or "udp" to the family.
func (f Family) Network(network string) string {
	switch f {
	case FamilyIPv4:
		return network + "4"
	case FamilyIPv6:
		return network + "6"
	default:
		return network
	}
}

func (f Family) matches(ip netip.Addr) bool {
	return f == FamilyUnspec || FamilyOf(ip) == f
}

// LookupFunc resolves host on network "ip", "ip4" or "ip6".
type LookupFunc func(ctx context.Context, network, host string) ([]netip.Addr, error)

type Config struct {
	// TTL is how long successful lookups are cached. Zero disables caching.
	TTL time.Duration

	// Lookup defaults to net.DefaultResolver.LookupNetIP.
	Lookup LookupFunc
}

// Resolver performs family-aware lookups, coalescing concurrent lookups of
// the same name and caching results for Config.TTL.
type Resolver struct {
	lookup LookupFunc
	cache  *cache.Cache
	group  singleflight.Group
}

func New(cfg Config) *Resolver {
	r := &Resolver{lookup: cfg.Lookup}
	if r.lookup == nil {
		r.lookup = net.DefaultResolver.LookupNetIP
	}
	if cfg.TTL > 0 {
		r.cache = cache.New(cfg.TTL, 2*cfg.TTL)
	}
	return r
}

// Resolve returns an address for host in family together with the family
// the session is now pinned to. IP literals are returned without a lookup.
func (r *Resolver) Resolve(ctx context.Context, host string, family Family) (netip.Addr, Family, error) {
	if ip, err := netip.ParseAddr(host); err == nil {
		ip = ip.Unmap()
		if !family.matches(ip) {
			return netip.Addr{}, family, fmt.Errorf("%w: %s is not %s", ErrFamilyMismatch, host, family)
		}
		return ip, FamilyOf(ip), nil
	}

	addrs, err := r.lookupCached(ctx, family.Network("ip"), host)
	if err != nil {
		return netip.Addr{}, family, err
	}
	for _, ip := range addrs {
		ip = ip.Unmap()
		if family.matches(ip) {
			return ip, FamilyOf(ip), nil
		}
	}
	return netip.Addr{}, family, fmt.Errorf("%w: no %s address for %s", ErrFamilyMismatch, family, host)
}

func (r *Resolver) lookupCached(ctx context.Context, network, host string) ([]netip.Addr, error) {
	key := network + "|" + host
	if r.cache != nil {
		if v, ok := r.cache.Get(key); ok {
			return v.([]netip.Addr), nil
		}
	}

	ch := r.group.DoChan(key, func() (any, error) {
		addrs, err := r.lookup(context.WithoutCancel(ctx), network, host)
		if err != nil {
			return nil, fmt.Errorf("lookup %s: %w", host, err)
		}
		if len(addrs) == 0 {
			return nil, fmt.Errorf("lookup %s: no addresses", host)
		}
		if r.cache != nil {
			r.cache.SetDefault(key, addrs)
		}
		return addrs, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]netip.Addr), nil
	}
}
