package dns

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/pulsarf/waterfall/log"
)

const (
	minCacheTTL = 30 * time.Second
	maxCacheTTL = 10 * time.Minute
)

// Resolver tries the system resolver and falls back to DoH. Successful
// DoH answers are cached for their TTL, clamped to [30s, 10m].
type Resolver struct {
	System *net.Resolver
	// DoH is the fallback; nil disables it.
	DoH *DoH

	mu    sync.Mutex
	cache map[string]cacheEntry
	now   func() time.Time
}

type cacheEntry struct {
	addrs  []netip.Addr
	expiry time.Time
}

func NewResolver(doh *DoH) *Resolver {
	return &Resolver{System: net.DefaultResolver, DoH: doh}
}

// Resolve returns the first address for host. IP literals are returned as
// is.
func (r *Resolver) Resolve(ctx context.Context, host string) (netip.Addr, error) {
	addrs, err := r.LookupHost(ctx, host)
	if err != nil {
		return netip.Addr{}, err
	}
	return addrs[0], nil
}

func (r *Resolver) LookupHost(ctx context.Context, host string) ([]netip.Addr, error) {
	host = strings.TrimSuffix(host, ".")
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr.Unmap()}, nil
	}

	var sysErr error
	if r.System != nil {
		addrs, err := r.System.LookupNetIP(ctx, "ip", host)
		if err == nil && len(addrs) > 0 {
			out := make([]netip.Addr, len(addrs))
			for i, a := range addrs {
				out[i] = a.Unmap()
			}
			return out, nil
		}
		sysErr = err
		if sysErr == nil {
			sysErr = fmt.Errorf("no addresses for %s", host)
		}
	}
	if r.DoH == nil {
		return nil, sysErr
	}

	if addrs, ok := r.cached(host); ok {
		return addrs, nil
	}
	log.Tracef("system resolver failed for %s (%v), trying DoH", host, sysErr)
	addrs, ttl, err := r.DoH.Lookup(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}
	r.store(host, addrs, ttl)
	return addrs, nil
}

func (r *Resolver) clock() time.Time {
	if r.now != nil {
		return r.now()
	}
	return time.Now()
}

func (r *Resolver) cached(host string) ([]netip.Addr, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.cache[host]
	if !ok {
		return nil, false
	}
	if r.clock().After(e.expiry) {
		delete(r.cache, host)
		return nil, false
	}
	return e.addrs, true
}

func (r *Resolver) store(host string, addrs []netip.Addr, ttl time.Duration) {
	ttl = max(minCacheTTL, min(ttl, maxCacheTTL))
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cache == nil {
		r.cache = make(map[string]cacheEntry)
	}
	r.cache[host] = cacheEntry{addrs: addrs, expiry: r.clock().Add(ttl)}
}
