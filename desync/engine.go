// Package desync runs the configured strategy list over the first bytes a
// client sends upstream.
package desync

import (
	"errors"
	"fmt"
	"time"

	"github.com/pulsarf/waterfall/log"
	"github.com/pulsarf/waterfall/packet"
	"github.com/pulsarf/waterfall/sni"
	"github.com/pulsarf/waterfall/sock"
	"github.com/pulsarf/waterfall/strategy"
)

// ErrEmit wraps every socket failure raised while emitting.
var ErrEmit = errors.New("desync: emit failed")

// Meta describes the connection a buffer belongs to. A zero Transport is
// treated as TCP.
type Meta struct {
	ID        string
	Transport strategy.Protocol
	PeerPort  uint16
}

// Observer receives dispatch events. Implementations must be safe for
// concurrent use.
type Observer interface {
	StrategyApplied(m strategy.Method)
	Dispatched(err error)
}

// Engine is an immutable configuration snapshot. One Engine is shared by
// every connection opened while it is current.
type Engine struct {
	opts       Options
	strategies []strategy.Strategy
	emit       sock.Emitter
	obs        Observer
	sleep      func(time.Duration)
	now        func() time.Time
}

func New(opts Options, strategies []strategy.Strategy) *Engine {
	return &Engine{
		opts:       opts,
		strategies: append([]strategy.Strategy(nil), strategies...),
		emit:       opts.emitter(),
		sleep:      time.Sleep,
		now:        time.Now,
	}
}

// WithObserver returns a copy of e reporting to o.
func (e *Engine) WithObserver(o Observer) *Engine {
	c := *e
	c.obs = o
	return &c
}

func (e *Engine) Options() Options { return e.opts }

func (e *Engine) Strategies() []strategy.Strategy {
	return append([]strategy.Strategy(nil), e.strategies...)
}

func (e *Engine) locate(buf []byte) sni.Span {
	return e.opts.Locator.Locate(buf)
}

// Process runs every strategy over data in order and returns what is left
// to forward. Writes issued on conn along the way are already on the wire
// when Process returns. A socket error stops the loop and is returned
// wrapped in ErrEmit.
func (e *Engine) Process(conn sock.Conn, meta Meta, data []byte) (out []byte, err error) {
	if e.obs != nil {
		defer func() { e.obs.Dispatched(err) }()
	}
	clog := log.Conn(meta.ID)

	span := e.locate(data)
	host := span.Host(data)
	if span.Found() {
		clog.Tracef("sni %q at [%d,%d)", host, span.Start, span.End)
		if e.opts.FakeClientHello {
			if err := e.emit.SendDecoy(conn, fakeClientHello(e.opts.FakeClientHelloSNI)); err != nil {
				return nil, fmt.Errorf("%w: fake clienthello: %w", ErrEmit, err)
			}
		}
	}

	if e.opts.HTTP.Enabled() {
		data = TamperHTTP(data, e.opts.HTTP)
	}

	remaining := data
	for i, s := range e.strategies {
		if !e.admits(s, meta, host, span) {
			continue
		}
		at := s.BaseIndex
		if s.AddSNI {
			at += span.Start
		}
		if len(remaining) == 0 {
			continue
		}
		if s.Method.Positional() && (at <= 0 || at >= len(remaining)) {
			clog.Debugf("strategy #%d %s: index %d outside (0,%d)", i, s, at, len(remaining))
			continue
		}

		remaining, err = e.apply(conn, s, remaining, at)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrEmit, s.Method, err)
		}
		clog.Tracef("strategy #%d %s applied at %d, %d bytes left", i, s, at, len(remaining))
		if e.obs != nil {
			e.obs.StrategyApplied(s.Method)
		}
	}

	if e.opts.DisableSACK {
		if err := conn.DisableSACK(); err != nil {
			return nil, fmt.Errorf("%w: disable sack: %w", ErrEmit, err)
		}
	}
	if e.opts.FakeRandom {
		if err := e.emit.SendDecoy(conn, packet.Filler(32, 0xDEAD)); err != nil {
			return nil, fmt.Errorf("%w: random fake: %w", ErrEmit, err)
		}
	}
	e.jitter()

	return remaining, nil
}

// admits evaluates the filters of s. The SNI span belongs to the input
// buffer, not to what earlier strategies left over. A non-nil empty
// allow-list matches nothing.
func (e *Engine) admits(s strategy.Strategy, meta Meta, host string, span sni.Span) bool {
	if s.SNI != nil {
		if !span.Found() || !sni.ContainsAny(host, s.SNI) {
			return false
		}
	}
	if s.Protocol != strategy.AnyProtocol {
		transport := meta.Transport
		if transport == strategy.AnyProtocol {
			transport = strategy.TCP
		}
		if s.Protocol != transport {
			return false
		}
	}
	if s.Port != nil && !s.Port.Contains(meta.PeerPort) {
		return false
	}
	if s.AddSNI && !span.Found() {
		return false
	}
	return true
}

// apply emits s for remaining split at 0 < at < len(remaining) and returns
// the new remainder. Methods that are not positional ignore at.
func (e *Engine) apply(conn sock.Conn, s strategy.Strategy, remaining []byte, at int) ([]byte, error) {
	if !s.Method.Positional() {
		switch s.Method {
		case strategy.Meltdown, strategy.MeltdownUDP:
			return nil, e.emit.SendGhost(conn, remaining)
		default:
			// trail
			return remaining, nil
		}
	}
	first, second := remaining[:at], remaining[at:]

	switch s.Method {
	case strategy.Split:
		return second, e.emit.SendPlain(conn, first)

	case strategy.Disorder:
		return second, e.emit.SendGhost(conn, first)

	case strategy.Disorder2:
		if err := e.emit.SendPlain(conn, first); err != nil {
			return nil, err
		}
		return nil, e.emit.SendGhost(conn, second)

	case strategy.Fake:
		if err := e.emit.SendGhost(conn, first); err != nil {
			return nil, err
		}
		return second, e.emit.SendDecoy(conn, e.decoy(e.pick(first, second)))

	case strategy.FakeInsert:
		if err := e.emit.SendPlain(conn, first); err != nil {
			return nil, err
		}
		return second, e.emit.SendDecoy(conn, e.decoy(e.pick(first, second)))

	case strategy.Fake2Insert:
		if err := e.emit.SendPlain(conn, first); err != nil {
			return nil, err
		}
		return second, e.emit.SendDecoy(conn, e.decoy(second))

	case strategy.FakeSurround:
		d := e.decoy(e.pick(first, second))
		if err := e.emit.SendDecoy(conn, d); err != nil {
			return nil, err
		}
		if err := e.emit.SendPlain(conn, first); err != nil {
			return nil, err
		}
		return second, e.emit.SendDecoy(conn, d)

	case strategy.Fake2Disorder:
		if err := e.emit.SendPlain(conn, first); err != nil {
			return nil, err
		}
		if err := e.emit.SendDecoy(conn, e.decoy(second)); err != nil {
			return nil, err
		}
		return nil, e.emit.SendGhost(conn, second)

	case strategy.OOB:
		return second, e.emit.SendOOB(conn, e.withMarker(first))

	case strategy.OOB2:
		if err := e.emit.SendOOB(conn, e.withMarker(first)); err != nil {
			return nil, err
		}
		return nil, e.emit.SendGhost(conn, second)

	case strategy.DisOOB:
		return second, e.emit.SendOOBWithTTL(conn, 1, e.withMarker(first))

	case strategy.OOBStreamHell:
		if err := e.emit.SendPlain(conn, first); err != nil {
			return nil, err
		}
		for i := range e.opts.OOBStreamHell {
			if err := e.emit.SendOOB(conn, e.opts.OOBStreamHell[i:i+1]); err != nil {
				return nil, err
			}
		}
		return second, nil

	case strategy.TLSFragment:
		out, _ := packet.FragmentRecord(remaining, at)
		return out, nil

	default:
		// none
		return remaining, nil
	}
}

// pick returns the segment decoys are derived from.
func (e *Engine) pick(first, second []byte) []byte {
	if e.opts.FakeReversed {
		return first
	}
	return second
}

func (e *Engine) withMarker(p []byte) []byte {
	out := make([]byte, 0, len(p)+1)
	out = append(out, p...)
	return append(out, e.opts.OOBChar)
}

// jitter sleeps up to JitterMax, scaled by one filler byte seeded from the
// wall clock.
func (e *Engine) jitter() {
	if e.opts.JitterMax <= 0 {
		return
	}
	r := packet.NewRand(uint32(e.now().UnixMilli() % 255)).Byte()
	if d := time.Duration(r) * e.opts.JitterMax / 256; d > 0 {
		e.sleep(d)
	}
}
