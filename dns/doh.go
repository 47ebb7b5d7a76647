// Package dns resolves SOCKS5 domain targets: the system resolver first,
// DNS-over-HTTPS as a fallback.
package dns

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"time"

	"github.com/miekg/dns"
)

const (
	DefaultDoHEndpoint = "https://dns.google/dns-query"
	mimeDNSMessage     = "application/dns-message"
	maxResponseSize    = 64 * 1024
)

var ErrNoAnswer = errors.New("dns: no address in answer")

// DoH is an RFC 8484 client using POST with the binary wire format.
type DoH struct {
	Endpoint string
	Client   *http.Client
}

func NewDoH(endpoint string) *DoH {
	if endpoint == "" {
		endpoint = DefaultDoHEndpoint
	}
	return &DoH{Endpoint: endpoint, Client: &http.Client{Timeout: 5 * time.Second}}
}

// Exchange sends q and returns the decoded reply.
func (d *DoH) Exchange(ctx context.Context, q *dns.Msg) (*dns.Msg, error) {
	// RFC 8484 asks for id 0 to keep responses cacheable
	q.Id = 0
	wire, err := q.Pack()
	if err != nil {
		return nil, fmt.Errorf("pack query: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.Endpoint, bytes.NewReader(wire))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mimeDNSMessage)
	req.Header.Set("Accept", mimeDNSMessage)

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("doh %s: %s", d.Endpoint, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, err
	}
	reply := new(dns.Msg)
	if err := reply.Unpack(body); err != nil {
		return nil, fmt.Errorf("unpack reply: %w", err)
	}
	return reply, nil
}

// Lookup resolves host to its A records, then AAAA if there are none. The
// returned ttl is the smallest answer TTL.
func (d *DoH) Lookup(ctx context.Context, host string) (addrs []netip.Addr, ttl time.Duration, err error) {
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		q := new(dns.Msg)
		q.SetQuestion(dns.Fqdn(host), qtype)
		q.RecursionDesired = true

		reply, err := d.Exchange(ctx, q)
		if err != nil {
			return nil, 0, err
		}
		if reply.Rcode != dns.RcodeSuccess {
			return nil, 0, fmt.Errorf("doh %s: %s", host, dns.RcodeToString[reply.Rcode])
		}
		addrs, ttl = answerAddrs(reply)
		if len(addrs) > 0 {
			return addrs, ttl, nil
		}
	}
	return nil, 0, fmt.Errorf("%w for %s", ErrNoAnswer, host)
}

func answerAddrs(m *dns.Msg) ([]netip.Addr, time.Duration) {
	var (
		out    []netip.Addr
		minTTL uint32
	)
	for _, rr := range m.Answer {
		var ip []byte
		switch v := rr.(type) {
		case *dns.A:
			ip = v.A
		case *dns.AAAA:
			ip = v.AAAA
		default:
			continue
		}
		addr, ok := netip.AddrFromSlice(ip)
		if !ok {
			continue
		}
		out = append(out, addr.Unmap())
		if h := rr.Header().Ttl; minTTL == 0 || h < minTTL {
			minTTL = h
		}
	}
	return out, time.Duration(minTTL) * time.Second
}
