package sni

import (
	"bytes"
	"encoding/binary"
	"net"
	"testing"
)

func u16(v int) []byte {
	return binary.BigEndian.AppendUint16(nil, uint16(v))
}

// buildClientHello returns a minimal TLS 1.2 style ClientHello record whose
// only extensions are extra (verbatim, placed first) and server_name.
func buildClientHello(host string, extra ...[]byte) []byte {
	var exts []byte
	for _, e := range extra {
		exts = append(exts, e...)
	}
	name := []byte(host)
	exts = append(exts, 0x00, 0x00)
	exts = append(exts, u16(len(name)+5)...)
	exts = append(exts, u16(len(name)+3)...)
	exts = append(exts, 0x00)
	exts = append(exts, u16(len(name))...)
	exts = append(exts, name...)
	// ec_point_formats after the SNI
	exts = append(exts, 0x00, 0x0b, 0x00, 0x02, 0x01, 0x00)

	var body []byte
	body = append(body, 0x03, 0x03)
	body = append(body, bytes.Repeat([]byte{0x11}, 32)...)
	body = append(body, 0x00)             // session id
	body = append(body, 0x00, 0x02, 0x13, 0x01) // cipher suites
	body = append(body, 0x01, 0x00)       // compression
	body = append(body, u16(len(exts))...)
	body = append(body, exts...)

	hs := []byte{0x01, 0x00}
	hs = append(hs, u16(len(body))...)
	hs = append(hs, body...)

	rec := []byte{0x16, 0x03, 0x01}
	rec = append(rec, u16(len(hs))...)
	return append(rec, hs...)
}

func TestLocate(t *testing.T) {
	t.Run("finds example.com", func(t *testing.T) {
		hello := buildClientHello("example.com")
		sp := Locate(hello)
		if !sp.Found() {
			t.Fatal("SNI not found")
		}
		if got := sp.Host(hello); got != "example.com" {
			t.Errorf("Host() = %q", got)
		}
		if sp.Start != 61 || sp.End != 72 {
			t.Errorf("span = %+v, want {61 72}", sp)
		}
	})

	t.Run("short buffers", func(t *testing.T) {
		hello := buildClientHello("example.com")
		for n := 0; n < minHelloLen; n++ {
			if sp := Locate(hello[:n]); sp.Found() {
				t.Fatalf("len %d: expected sentinel, got %+v", n, sp)
			}
		}
	})

	t.Run("wrong record or message type", func(t *testing.T) {
		hello := buildClientHello("example.com")
		bad := append([]byte{}, hello...)
		bad[0] = 0x17
		if Locate(bad).Found() {
			t.Error("accepted non-handshake record")
		}
		bad = append([]byte{}, hello...)
		bad[5] = 0x02
		if Locate(bad).Found() {
			t.Error("accepted non-ClientHello message")
		}
	})

	t.Run("length beyond buffer", func(t *testing.T) {
		hello := buildClientHello("example.com")
		if sp := Locate(hello[:66]); sp.Found() {
			t.Errorf("expected sentinel for cut name, got %+v", sp)
		}
	})
}

func TestLocateStructural(t *testing.T) {
	t.Run("matches heuristic on simple hello", func(t *testing.T) {
		hello := buildClientHello("www.example.org")
		if got, want := LocateStructural(hello), Locate(hello); got != want {
			t.Errorf("structural %+v, heuristic %+v", got, want)
		}
	})

	t.Run("skips preceding extensions", func(t *testing.T) {
		alpn := []byte{0x00, 0x10, 0x00, 0x05, 0x00, 0x03, 0x02, 'h', '2'}
		hello := buildClientHello("cdn.example.net", alpn)
		host, ok := ParseHost(hello)
		if !ok || host != "cdn.example.net" {
			t.Errorf("ParseHost = %q, %v", host, ok)
		}
	})

	t.Run("tolerates truncated tail", func(t *testing.T) {
		hello := buildClientHello("example.com")
		cut := hello[:len(hello)-3]
		if got := LocateStructural(cut).Host(cut); got != "example.com" {
			t.Errorf("Host() = %q", got)
		}
	})

	t.Run("rejects garbage", func(t *testing.T) {
		for _, b := range [][]byte{nil, {0x16}, bytes.Repeat([]byte{0x16}, 64), []byte("GET / HTTP/1.1\r\n\r\n")} {
			if LocateStructural(b).Found() {
				t.Errorf("found SNI in %x", b)
			}
		}
	})
}

func TestMode(t *testing.T) {
	for _, tc := range []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"", ModeHeuristic, false},
		{"Structural", ModeStructural, false},
		{"auto", ModeAuto, false},
		{"parser", "", true},
	} {
		got, err := ParseMode(tc.in)
		if (err != nil) != tc.wantErr || got != tc.want {
			t.Errorf("ParseMode(%q) = %q, %v", tc.in, got, err)
		}
	}

	hello := buildClientHello("example.com")
	for _, m := range []Mode{ModeHeuristic, ModeStructural, ModeAuto} {
		if got := m.Locate(hello).Host(hello); got != "example.com" {
			t.Errorf("%s: Host() = %q", m, got)
		}
	}
}

func TestTargets(t *testing.T) {
	tg := NewTargets(
		[]string{"Example.com", "regexp:^video[0-9]+\\.cdn\\.net$", " ", "full:exact.org."},
		[]string{"10.0.0.0/8", "192.0.2.7", "2001:db8::/32", "bogus"},
	)

	t.Run("domains", func(t *testing.T) {
		cases := map[string]bool{
			"example.com":      true,
			"www.example.com":  true,
			"EXAMPLE.COM.":     true,
			"notexample.com":   false,
			"video12.cdn.net":  true,
			"video.cdn.net":    false,
			"exact.org":        true,
			"other.org":        false,
		}
		for host, want := range cases {
			if got := tg.Match(host); got != want {
				t.Errorf("Match(%q) = %v, want %v", host, got, want)
			}
			// second lookup is served from the cache
			if got := tg.Match(host); got != want {
				t.Errorf("cached Match(%q) = %v, want %v", host, got, want)
			}
		}
	})

	t.Run("ips", func(t *testing.T) {
		cases := map[string]bool{
			"10.1.2.3":    true,
			"192.0.2.7":   true,
			"192.0.2.8":   false,
			"2001:db8::1": true,
			"2001:db9::1": false,
		}
		for host, want := range cases {
			if got := tg.Match(host); got != want {
				t.Errorf("Match(%q) = %v, want %v", host, got, want)
			}
		}
		if tg.MatchIP(net.ParseIP("8.8.8.8")) {
			t.Error("unexpected match for 8.8.8.8")
		}
	})

	t.Run("counts", func(t *testing.T) {
		d, i := tg.Counts()
		if d != 3 || i != 3 {
			t.Errorf("Counts() = %d, %d", d, i)
		}
	})

	t.Run("empty matches everything", func(t *testing.T) {
		empty := NewTargets(nil, nil)
		if !empty.Empty() || !empty.Match("anything.example") {
			t.Error("empty targets should match everything")
		}
		var nilTargets *Targets
		if !nilTargets.Match("1.2.3.4") {
			t.Error("nil targets should match everything")
		}
	})
}

func TestContainsAny(t *testing.T) {
	allow := []string{"youtube", "googlevideo.com"}
	if !ContainsAny("www.youtube.com", allow) {
		t.Error("substring entry not matched")
	}
	if !ContainsAny("rr1.googlevideo.com", allow) {
		t.Error("suffix entry not matched")
	}
	if ContainsAny("example.com", allow) {
		t.Error("unexpected match")
	}
	if ContainsAny("example.com", []string{""}) {
		t.Error("empty entry must not match")
	}
}
