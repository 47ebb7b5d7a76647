package sni

import (
	"container/list"
	"net"
	"regexp"
	"strings"
	"sync"

	"github.com/yl2chen/cidranger"
)

const domainCacheLimit = 2000

type ipRange struct {
	ipNet *net.IPNet
}

func (e *ipRange) Network() net.IPNet {
	return *e.ipNet
}

type cacheEntry struct {
	matched bool
	element *list.Element
}

// Targets decides which destinations get the desync engine. Domains match
// by exact name or any parent suffix; entries prefixed with "regexp:" are
// compiled as regular expressions. IPs and CIDRs go into a prefix trie.
type Targets struct {
	domains  map[string]struct{}
	regexes  []*regexp.Regexp
	ipRanger cidranger.Ranger
	ipCount  int

	mu    sync.Mutex
	cache map[string]*cacheEntry
	lru   *list.List
}

func NewTargets(domains, ips []string) *Targets {
	t := &Targets{
		domains:  make(map[string]struct{}),
		ipRanger: cidranger.NewPCTrieRanger(),
		cache:    make(map[string]*cacheEntry),
		lru:      list.New(),
	}

	seen := make(map[string]bool)
	for _, d := range domains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" {
			continue
		}
		if pattern, ok := strings.CutPrefix(d, "regexp:"); ok {
			if seen[pattern] {
				continue
			}
			if re, err := regexp.Compile(pattern); err == nil {
				t.regexes = append(t.regexes, re)
				seen[pattern] = true
			}
			continue
		}
		d = strings.TrimPrefix(d, "domain:")
		d = strings.TrimPrefix(d, "full:")
		t.domains[strings.TrimRight(d, ".")] = struct{}{}
	}

	for _, s := range ips {
		if ipNet := parseIPNet(strings.TrimSpace(s)); ipNet != nil {
			if err := t.ipRanger.Insert(&ipRange{ipNet: ipNet}); err == nil {
				t.ipCount++
			}
		}
	}
	return t
}

func parseIPNet(s string) *net.IPNet {
	if s == "" {
		return nil
	}
	if strings.Contains(s, "/") {
		_, ipNet, err := net.ParseCIDR(s)
		if err != nil {
			return nil
		}
		return ipNet
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return nil
	}
	if ip4 := ip.To4(); ip4 != nil {
		return &net.IPNet{IP: ip4, Mask: net.CIDRMask(32, 32)}
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(128, 128)}
}

// Empty reports whether no target was configured, in which case every
// destination is a target.
func (t *Targets) Empty() bool {
	return t == nil || (len(t.domains) == 0 && len(t.regexes) == 0 && t.ipCount == 0)
}

func (t *Targets) Counts() (domains, ips int) {
	if t == nil {
		return 0, 0
	}
	return len(t.domains) + len(t.regexes), t.ipCount
}

// Match reports whether host (a domain name or an IP literal) is a target.
func (t *Targets) Match(host string) bool {
	if t.Empty() {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return t.MatchIP(ip)
	}
	return t.MatchHost(host)
}

func (t *Targets) MatchIP(ip net.IP) bool {
	if t == nil || t.ipCount == 0 || ip == nil {
		return false
	}
	ok, err := t.ipRanger.Contains(ip)
	return err == nil && ok
}

func (t *Targets) MatchHost(host string) bool {
	if t == nil || host == "" {
		return false
	}
	host = strings.TrimRight(strings.ToLower(host), ".")

	t.mu.Lock()
	if e, ok := t.cache[host]; ok {
		t.lru.MoveToFront(e.element)
		t.mu.Unlock()
		return e.matched
	}
	t.mu.Unlock()

	matched := t.matchSuffix(host)
	if !matched {
		for _, re := range t.regexes {
			if re.MatchString(host) {
				matched = true
				break
			}
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.cache[host]; !ok {
		if len(t.cache) >= domainCacheLimit {
			if oldest := t.lru.Back(); oldest != nil {
				delete(t.cache, oldest.Value.(string))
				t.lru.Remove(oldest)
			}
		}
		t.cache[host] = &cacheEntry{matched: matched, element: t.lru.PushFront(host)}
	}
	return matched
}

func (t *Targets) matchSuffix(host string) bool {
	for remaining := host; ; {
		if _, ok := t.domains[remaining]; ok {
			return true
		}
		idx := strings.IndexByte(remaining, '.')
		if idx == -1 {
			return false
		}
		remaining = remaining[idx+1:]
	}
}

// ContainsAny reports whether host contains any of the allow-list entries
// as a substring. This is the matching rule of per-strategy SNI filters.
func ContainsAny(host string, allow []string) bool {
	for _, a := range allow {
		if a != "" && strings.Contains(host, a) {
			return true
		}
	}
	return false
}
