package desync

import (
	"time"

	"github.com/pulsarf/waterfall/sni"
	"github.com/pulsarf/waterfall/sock"
)

// Options are the global scalars of one configuration snapshot.
type Options struct {
	DefaultTTL int
	GhostTTL   int
	DecoyTTL   int
	DecoyOOB   bool

	// OOBChar is appended to the first segment by the OOB methods.
	OOBChar byte
	// OOBStreamHell is sent one urgent byte at a time.
	OOBStreamHell []byte

	FakeSNI      string
	FakeHost     string
	FakeHTTP     bool
	FakeOverride []byte
	// FakeReversed derives the FAKE decoy from the first segment.
	FakeReversed bool

	FakeClientHello    bool
	FakeClientHelloSNI string
	FakeRandom         bool
	DisableSACK        bool

	HTTP HTTPTamper

	MaxDispatches int
	JitterMax     time.Duration

	Locator sni.Mode
}

// HTTPTamper toggles the Host header rewrites.
type HTTPTamper struct {
	MixCase     bool
	RemoveSpace bool
	AddSpace    bool
	DomainCase  bool
}

func (h HTTPTamper) Enabled() bool {
	return h.MixCase || h.RemoveSpace || h.AddSpace || h.DomainCase
}

func DefaultOptions() Options {
	return Options{
		DefaultTTL:         sock.DefaultTTL,
		GhostTTL:           1,
		DecoyTTL:           8,
		OOBChar:            'a',
		OOBStreamHell:      []byte("GET / HTTP/1.1\r\nHost: www.w3.org\r\n\r\n"),
		FakeSNI:            "www.w3.org",
		FakeHost:           "www.w3.org",
		FakeClientHelloSNI: "www.w3.org",
		MaxDispatches:      1,
	}
}

func (o Options) emitter() sock.Emitter {
	return sock.Emitter{
		DefaultTTL: o.DefaultTTL,
		GhostTTL:   o.GhostTTL,
		DecoyTTL:   o.DecoyTTL,
		DecoyOOB:   o.DecoyOOB,
	}
}
