package sni

import (
	"github.com/pulsarf/waterfall/log"
	"golang.org/x/crypto/cryptobyte"
)

const (
	extServerName uint16 = 0
	nameTypeHost  uint8  = 0
)

func isValidSNIChar(b byte) bool {
	if (b >= 'a' && b <= 'z') ||
		(b >= 'A' && b <= 'Z') ||
		(b >= '0' && b <= '9') ||
		b == '-' || b == '.' || b == '_' {
		return true
	}
	return b >= 128
}

func validHost(h []byte) bool {
	if len(h) == 0 {
		return false
	}
	for i, c := range h {
		if !isValidSNIChar(c) {
			log.Tracef("SNI: invalid char at %d: 0x%02x", i, c)
			return false
		}
	}
	return true
}

// LocateStructural walks the ClientHello at the start of buf field by field
// and returns the span of the first host_name in the server_name extension.
// A record or handshake that is cut short is tolerated as long as the
// host name itself is complete.
func LocateStructural(buf []byte) Span {
	// Offsets are recovered from capacities: every String below is a
	// subslice of buf.
	offset := func(s []byte) int { return cap(buf) - cap(s) }

	s := cryptobyte.String(buf)
	var (
		typ, msgType uint8
		version      uint16
		recLen       uint16
		hsLen        uint32
	)
	if !s.ReadUint8(&typ) || typ != recordTypeHandshake ||
		!s.ReadUint16(&version) || !s.ReadUint16(&recLen) {
		return Span{}
	}
	if int(recLen) < len(s) {
		s = s[:recLen]
	}
	if !s.ReadUint8(&msgType) || msgType != handshakeTypeClientHello || !s.ReadUint24(&hsLen) {
		return Span{}
	}
	if int(hsLen) < len(s) {
		s = s[:hsLen]
	}

	var legacyVersion, extLen uint16
	var sessionID, suites, compression cryptobyte.String
	if !s.ReadUint16(&legacyVersion) || !s.Skip(32) ||
		!s.ReadUint8LengthPrefixed(&sessionID) ||
		!s.ReadUint16LengthPrefixed(&suites) ||
		!s.ReadUint8LengthPrefixed(&compression) ||
		!s.ReadUint16(&extLen) {
		return Span{}
	}
	exts := s
	if int(extLen) < len(exts) {
		exts = exts[:extLen]
	}

	for !exts.Empty() {
		var extType uint16
		var ext cryptobyte.String
		if !exts.ReadUint16(&extType) || !exts.ReadUint16LengthPrefixed(&ext) {
			log.Tracef("SNI: extension list truncated")
			return Span{}
		}
		if extType != extServerName {
			continue
		}

		var list cryptobyte.String
		if !ext.ReadUint16LengthPrefixed(&list) {
			return Span{}
		}
		for !list.Empty() {
			var nameType uint8
			var name cryptobyte.String
			if !list.ReadUint8(&nameType) || !list.ReadUint16LengthPrefixed(&name) {
				return Span{}
			}
			if nameType != nameTypeHost {
				continue
			}
			if !validHost(name) {
				return Span{}
			}
			start := offset(name)
			return Span{Start: start, End: start + len(name)}
		}
		return Span{}
	}
	return Span{}
}

// ParseHost returns the SNI hostname of the ClientHello in buf.
func ParseHost(buf []byte) (string, bool) {
	sp := LocateStructural(buf)
	if !sp.Found() {
		return "", false
	}
	return sp.Host(buf), true
}
