// Package socktest provides a recording sock.Conn for tests.
package socktest

import (
	"bytes"
	"errors"
	"sync"

	"github.com/pulsarf/waterfall/sock"
)

type Kind int

const (
	Write Kind = iota
	OOB
	SACK
)

func (k Kind) String() string {
	switch k {
	case Write:
		return "write"
	case OOB:
		return "oob"
	case SACK:
		return "sack"
	}
	return "unknown"
}

// Op is one recorded emission together with the TTL active at the time.
type Op struct {
	Kind Kind
	TTL  int
	Data []byte
}

var ErrInjected = errors.New("socktest: injected failure")

// Conn records every call. FailAfter > 0 makes the FailAfter-th emission
// (and every one after it) fail with ErrInjected.
type Conn struct {
	mu        sync.Mutex
	ttl       int
	ops       []Op
	ttls      []int
	FailAfter int
	FailTTL   bool
}

var _ sock.Conn = (*Conn)(nil)

func New() *Conn {
	return &Conn{ttl: sock.DefaultTTL}
}

func (c *Conn) record(k Kind, p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailAfter > 0 && len(c.ops)+1 >= c.FailAfter {
		return ErrInjected
	}
	c.ops = append(c.ops, Op{Kind: k, TTL: c.ttl, Data: bytes.Clone(p)})
	return nil
}

func (c *Conn) Write(p []byte) (int, error) {
	if err := c.record(Write, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *Conn) SetTTL(ttl int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailTTL {
		return ErrInjected
	}
	c.ttl = ttl
	c.ttls = append(c.ttls, ttl)
	return nil
}

func (c *Conn) SendOOB(p []byte) error {
	return c.record(OOB, p)
}

func (c *Conn) DisableSACK() error {
	return c.record(SACK, nil)
}

// Ops returns a copy of the recorded emissions.
func (c *Conn) Ops() []Op {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Op(nil), c.ops...)
}

// TTLs returns every TTL that was set, in order.
func (c *Conn) TTLs() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.ttls...)
}

// TTL is the TTL currently in effect.
func (c *Conn) TTL() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ttl
}

// Written concatenates the payload of every plain write.
func (c *Conn) Written() []byte {
	var out []byte
	for _, op := range c.Ops() {
		if op.Kind == Write {
			out = append(out, op.Data...)
		}
	}
	return out
}
