package sni

import (
	"fmt"
	"strings"
)

const (
	recordTypeHandshake     byte = 0x16
	handshakeTypeClientHello byte = 0x01

	minHelloLen = 48
)

// Span is a half-open byte range [Start, End) of a hostname inside a
// buffer. The zero Span means "not found".
type Span struct {
	Start int
	End   int
}

func (s Span) Found() bool {
	return s != Span{}
}

func (s Span) Len() int {
	return s.End - s.Start
}

// Host returns the bytes of the span as a string, or "" when the span is
// not found or does not fit buf.
func (s Span) Host(buf []byte) string {
	if !s.Found() || s.Start < 0 || s.End > len(buf) || s.Start >= s.End {
		return ""
	}
	return string(buf[s.Start:s.End])
}

// Locate finds the SNI hostname with a fast byte-pattern scan. It looks
// for the server_name extension header (two zero type bytes, extension and
// list lengths differing by two, name type zero) and trusts the one-byte
// name length that follows. This is not a TLS parser; ClientHellos with
// unusual layouts can be missed.
func Locate(buf []byte) Span {
	if len(buf) < minHelloLen || buf[0] != recordTypeHandshake || buf[5] != handshakeTypeClientHello {
		return Span{}
	}
	for i := 0; i < len(buf)-8; i++ {
		if buf[i] != 0 || buf[i+1] != 0 || buf[i+7] != 0 {
			continue
		}
		if int(buf[i+3])-int(buf[i+5]) != 2 {
			continue
		}
		l := int(buf[i+8])
		start := i + 9
		end := start + l
		if l > 0 && end <= len(buf) {
			return Span{Start: start, End: end}
		}
		return Span{}
	}
	return Span{}
}

// Mode selects how a Locator finds the SNI.
type Mode string

const (
	ModeHeuristic  Mode = "heuristic"
	ModeStructural Mode = "structural"
	ModeAuto       Mode = "auto"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeHeuristic, nil
	case ModeHeuristic, ModeStructural, ModeAuto:
		return m, nil
	default:
		return "", fmt.Errorf("unknown sni locator mode %q (heuristic|structural|auto)", s)
	}
}

// Locate runs the locator for the mode. Auto tries the structural walk
// first and falls back to the heuristic scan.
func (m Mode) Locate(buf []byte) Span {
	switch m {
	case ModeStructural:
		return LocateStructural(buf)
	case ModeAuto:
		if s := LocateStructural(buf); s.Found() {
			return s
		}
		return Locate(buf)
	default:
		return Locate(buf)
	}
}
