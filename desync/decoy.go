package desync

import (
	"bytes"
	"fmt"

	"github.com/pulsarf/waterfall/packet"
)

// fakeHTTP is a minimal request line carrying host.
func fakeHTTP(host string) []byte {
	return fmt.Appendf(nil, "GET / HTTP 1.1\nHost: %s\nContent-Type: text/html\nContent-Length: 1\na", host)
}

// decoy builds the misleading payload for segment: the override bytes,
// else a fake HTTP request, else a copy of segment whose SNI is replaced
// by the fake one. The SNI is located inside segment itself and the
// result always has segment's length.
func (e *Engine) decoy(segment []byte) []byte {
	switch {
	case len(e.opts.FakeOverride) > 0:
		return bytes.Clone(e.opts.FakeOverride)
	case e.opts.FakeHTTP:
		return fakeHTTP(e.opts.FakeHost)
	}

	out := bytes.Clone(segment)
	span := e.locate(out)
	if !span.Found() {
		return out
	}
	n := copy(out[span.Start:span.End], e.opts.FakeSNI)
	if pad := out[span.Start+n : span.End]; len(pad) > 0 {
		r := packet.NewRand(uint32(len(segment)))
		for i := range pad {
			pad[i] = r.Letter()
		}
	}
	return out
}

// clientHelloTemplate is a truncated ClientHello whose SNI extension
// header is followed directly by the fake hostname.
var clientHelloTemplate = func() []byte {
	b := []byte{
		0x16, 0x03, 0x01, 0x00, 0xa5,
		0x01, 0x00, 0x00, 0xa1, 0x03, 0x03,
	}
	b = append(b, make([]byte, 32)...)
	b = append(b,
		0x00,
		0x00, 0x02, 0x00, 0x0a,
		0x01, 0x00,
		0x00, 0x10,
		0x00, 0x00, 0x00, 0x28,
	)
	return b
}()

func fakeClientHello(host string) []byte {
	out := make([]byte, 0, len(clientHelloTemplate)+len(host))
	out = append(out, clientHelloTemplate...)
	return append(out, host...)
}
