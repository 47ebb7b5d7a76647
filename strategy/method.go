// Package strategy models desync directives: a technique, where to cut the
// buffer, and which connections it applies to. It also checks a strategy
// list against an expected packet arrival pattern.
package strategy

import (
	"encoding/json"
	"fmt"
	"strings"
)

type Method int

const (
	None Method = iota
	Split
	Disorder
	Disorder2
	Fake
	FakeInsert
	FakeSurround
	Fake2Disorder
	Fake2Insert
	OOB
	OOB2
	DisOOB
	OOBStreamHell
	Meltdown
	MeltdownUDP
	Trail
	TLSFragment
)

var methodNames = [...]string{
	None:          "none",
	Split:         "split",
	Disorder:      "disorder",
	Disorder2:     "disorder2",
	Fake:          "fake",
	FakeInsert:    "fake-insert",
	FakeSurround:  "fake-surround",
	Fake2Disorder: "fake2-disorder",
	Fake2Insert:   "fake2-insert",
	OOB:           "oob",
	OOB2:          "oob2",
	DisOOB:        "disoob",
	OOBStreamHell: "oob-stream-hell",
	Meltdown:      "meltdown",
	MeltdownUDP:   "meltdown-udp",
	Trail:         "trail",
	TLSFragment:   "tls-fragment",
}

// Positional reports whether m cuts the buffer at the strategy offset.
// Meltdown ghost-sends the whole remainder and trail emits nothing, so
// neither is gated on the offset.
func (m Method) Positional() bool {
	switch m {
	case Meltdown, MeltdownUDP, Trail:
		return false
	}
	return true
}

func (m Method) String() string {
	if m < 0 || int(m) >= len(methodNames) {
		return fmt.Sprintf("method(%d)", int(m))
	}
	return methodNames[m]
}

// Methods lists every known technique name.
func Methods() []string {
	return append([]string(nil), methodNames[:]...)
}

// ParseMethod maps a technique name to its Method. A leading "--" is
// accepted so names can be copied from command lines. Unknown names map to
// None.
func ParseMethod(name string) Method {
	name = strings.TrimPrefix(name, "--")
	for i, n := range methodNames {
		if n == name {
			return Method(i)
		}
	}
	return None
}

func (m Method) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

func (m *Method) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*m = ParseMethod(s)
	return nil
}

// Protocol is the transport a strategy is restricted to.
type Protocol int

const (
	AnyProtocol Protocol = iota
	TCP
	UDP
)

func (p Protocol) String() string {
	switch p {
	case TCP:
		return "tcp"
	case UDP:
		return "udp"
	default:
		return ""
	}
}

// ParseProtocol returns AnyProtocol for an empty string, TCP for "tcp" and
// UDP for anything else.
func ParseProtocol(s string) Protocol {
	switch s {
	case "":
		return AnyProtocol
	case "tcp":
		return TCP
	default:
		return UDP
	}
}
