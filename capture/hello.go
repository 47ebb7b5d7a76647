package capture

import (
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/cryptobyte"
)

var helloCipherSuites = []uint16{
	0x1301, 0x1303, 0x1302,
	0xc02b, 0xc02f, 0xcca9, 0xcca8, 0xc02c, 0xc030,
	0xc00a, 0xc009, 0xc013, 0xc014,
	0x009c, 0x009d, 0x002f, 0x0035,
}

type extension struct {
	typ  uint16
	body func(b *cryptobyte.Builder)
}

// ClientHello builds a browser-like TLS ClientHello record for domain with
// server_name as the first extension. rnd feeds the random, session id and
// key shares.
func ClientHello(domain string, rnd io.Reader) ([]byte, error) {
	if domain == "" {
		return nil, fmt.Errorf("domain required")
	}
	if len(domain) > 255 {
		return nil, fmt.Errorf("domain %q too long", domain)
	}

	random := make([]byte, 32+32+32+65)
	if _, err := io.ReadFull(rnd, random); err != nil {
		return nil, fmt.Errorf("failed to read random: %w", err)
	}
	hello, sessionID, x25519, p256 := random[:32], random[32:64], random[64:96], random[96:]

	var b cryptobyte.Builder
	b.AddUint8(0x16)
	b.AddUint16(0x0301)
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddUint8(0x01)
		b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddUint16(0x0303)
			b.AddBytes(hello)
			b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(sessionID) })
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
				for _, cs := range helloCipherSuites {
					b.AddUint16(cs)
				}
			})
			b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) { b.AddUint8(0x00) })
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
				for _, ext := range helloExtensions(domain, x25519, p256) {
					b.AddUint16(ext.typ)
					b.AddUint16LengthPrefixed(ext.body)
				}
			})
		})
	})
	return b.Bytes()
}

// GenerateClientHello is ClientHello with crypto/rand.
func GenerateClientHello(domain string) ([]byte, error) {
	return ClientHello(domain, rand.Reader)
}

func uint16List(vs ...uint16) func(b *cryptobyte.Builder) {
	return func(b *cryptobyte.Builder) {
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			for _, v := range vs {
				b.AddUint16(v)
			}
		})
	}
}

func raw(p ...byte) func(b *cryptobyte.Builder) {
	return func(b *cryptobyte.Builder) { b.AddBytes(p) }
}

func helloExtensions(domain string, x25519, p256 []byte) []extension {
	return []extension{
		{0x0000, func(b *cryptobyte.Builder) {
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
				b.AddUint8(0x00)
				b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes([]byte(domain)) })
			})
		}},
		{0x0017, raw()},     // extended_master_secret
		{0xff01, raw(0x00)}, // renegotiation_info
		{0x000a, uint16List(0x001d, 0x0017, 0x0018, 0x0019, 0x0100, 0x0101)},
		{0x000b, raw(0x01, 0x00)},
		{0x0023, raw()},
		{0x0010, func(b *cryptobyte.Builder) {
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
				for _, proto := range []string{"h2", "http/1.1"} {
					b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes([]byte(proto)) })
				}
			})
		}},
		{0x0005, raw(0x01, 0x00, 0x00, 0x00, 0x00)},
		{0x0033, func(b *cryptobyte.Builder) {
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
				b.AddUint16(0x001d)
				b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(x25519) })
				b.AddUint16(0x0017)
				b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(p256) })
			})
		}},
		{0x002b, func(b *cryptobyte.Builder) {
			b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
				b.AddUint16(0x0304)
				b.AddUint16(0x0303)
			})
		}},
		{0x000d, uint16List(0x0403, 0x0503, 0x0603, 0x0804, 0x0805, 0x0806, 0x0401, 0x0501, 0x0601, 0x0203, 0x0201)},
		{0x002d, raw(0x01, 0x01)},
		{0x001c, raw(0x40, 0x01)},
	}
}
