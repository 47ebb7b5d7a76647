// Package sock holds the socket-level primitives the desync engine emits
// through: plain writes, TTL-limited writes and TCP urgent data.
package sock

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

const DefaultTTL = 64

// Conn is what the engine needs from an upstream socket.
type Conn interface {
	Write(p []byte) (int, error)
	// SetTTL sets the TTL (or IPv6 hop limit) of future outgoing segments.
	SetTTL(ttl int) error
	// SendOOB writes p with MSG_OOB, marking its last byte urgent.
	SendOOB(p []byte) error
	DisableSACK() error
}

// TCPConn adapts a *net.TCPConn to Conn.
type TCPConn struct {
	*net.TCPConn
	v6 bool
}

var _ Conn = (*TCPConn)(nil)

func NewTCPConn(c *net.TCPConn) (*TCPConn, error) {
	addr, err := netip.ParseAddrPort(c.RemoteAddr().String())
	if err != nil {
		return nil, fmt.Errorf("remote address: %w", err)
	}
	return &TCPConn{TCPConn: c, v6: addr.Addr().Unmap().Is6()}, nil
}

func (c *TCPConn) SetTTL(ttl int) error {
	if c.v6 {
		return ipv6.NewConn(c.TCPConn).SetHopLimit(ttl)
	}
	return ipv4.NewConn(c.TCPConn).SetTTL(ttl)
}

// TTL reports the TTL currently applied to the socket.
func (c *TCPConn) TTL() (int, error) {
	if c.v6 {
		return ipv6.NewConn(c.TCPConn).HopLimit()
	}
	return ipv4.NewConn(c.TCPConn).TTL()
}

func (c *TCPConn) SendOOB(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	raw, err := c.SyscallConn()
	if err != nil {
		return err
	}
	return sendOOB(raw, p)
}

func (c *TCPConn) DisableSACK() error {
	return disableSACK(c.TCPConn)
}

// Emitter carries the TTLs used by the send primitives.
type Emitter struct {
	DefaultTTL int
	GhostTTL   int
	DecoyTTL   int
	// DecoyOOB sends decoy bytes through the urgent channel.
	DecoyOOB bool
}

func NewEmitter() Emitter {
	return Emitter{DefaultTTL: DefaultTTL, GhostTTL: 1, DecoyTTL: 8}
}

// SendPlain writes p in full.
func (e Emitter) SendPlain(c Conn, p []byte) error {
	for len(p) > 0 {
		n, err := c.Write(p)
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

// SendGhost writes p with GhostTTL so the segment expires on the path
// and the kernel retransmits it later with the default TTL.
func (e Emitter) SendGhost(c Conn, p []byte) error {
	return e.withTTL(c, e.GhostTTL, func() error { return e.SendPlain(c, p) })
}

// SendDecoy writes only the first byte of p with DecoyTTL.
func (e Emitter) SendDecoy(c Conn, p []byte) error {
	if len(p) == 0 {
		return nil
	}
	return e.withTTL(c, e.DecoyTTL, func() error {
		if e.DecoyOOB {
			return c.SendOOB(p[:1])
		}
		return e.SendPlain(c, p[:1])
	})
}

func (e Emitter) SendOOB(c Conn, p []byte) error {
	return c.SendOOB(p)
}

// SendOOBWithTTL is SendOOB under a temporary TTL.
func (e Emitter) SendOOBWithTTL(c Conn, ttl int, p []byte) error {
	return e.withTTL(c, ttl, func() error { return c.SendOOB(p) })
}

// withTTL runs fn under ttl and always restores DefaultTTL. The first
// error wins.
func (e Emitter) withTTL(c Conn, ttl int, fn func() error) error {
	if err := c.SetTTL(ttl); err != nil {
		return fmt.Errorf("set ttl %d: %w", ttl, err)
	}
	err := fn()
	if rerr := c.SetTTL(e.defaultTTL()); rerr != nil {
		err = errors.Join(err, fmt.Errorf("restore ttl %d: %w", e.defaultTTL(), rerr))
	}
	return err
}

func (e Emitter) defaultTTL() int {
	if e.DefaultTTL <= 0 {
		return DefaultTTL
	}
	return e.DefaultTTL
}
