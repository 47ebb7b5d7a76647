package strategy

import (
	"errors"
	"testing"
)

func TestParseMethod(t *testing.T) {
	for i, name := range Methods() {
		if got := ParseMethod(name); got != Method(i) {
			t.Errorf("ParseMethod(%q) = %v, want %v", name, got, Method(i))
		}
	}
	if got := ParseMethod("--disorder"); got != Disorder {
		t.Errorf("dashed name: got %v", got)
	}
	for _, name := range []string{"", "Split", "fake_insert", "warp"} {
		if got := ParseMethod(name); got != None {
			t.Errorf("ParseMethod(%q) = %v, want none", name, got)
		}
	}
}

func TestParsePortRange(t *testing.T) {
	cases := []struct {
		in       string
		start    uint16
		end      int // -1 means unbounded
		wantErr  bool
		contains []uint16
		excludes []uint16
	}{
		{in: "443", start: 443, end: 443, contains: []uint16{443}, excludes: []uint16{442, 444}},
		{in: "1000-2000", start: 1000, end: 2000, contains: []uint16{1000, 1500, 2000}, excludes: []uint16{999, 2001}},
		{in: "8000-", start: 8000, end: -1, contains: []uint16{8000, 65535}, excludes: []uint16{7999}},
		{in: "x-10", wantErr: true},
		{in: "10-y", wantErr: true},
		{in: "70000", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			r, err := ParsePortRange(tc.in)
			if tc.wantErr {
				if !errors.Is(err, ErrBadPortRange) {
					t.Fatalf("expected ErrBadPortRange, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if r.Start != tc.start {
				t.Errorf("start = %d", r.Start)
			}
			if tc.end < 0 && r.End != nil {
				t.Errorf("end = %d, want unbounded", *r.End)
			}
			if tc.end >= 0 && (r.End == nil || int(*r.End) != tc.end) {
				t.Errorf("end = %v, want %d", r.End, tc.end)
			}
			for _, p := range tc.contains {
				if !r.Contains(p) {
					t.Errorf("Contains(%d) = false", p)
				}
			}
			for _, p := range tc.excludes {
				if r.Contains(p) {
					t.Errorf("Contains(%d) = true", p)
				}
			}
		})
	}
}

func TestBuild(t *testing.T) {
	t.Run("offset grammar", func(t *testing.T) {
		cases := []struct {
			offset   string
			subtract bool
			base     int
			sni      bool
			host     bool
		}{
			{"5", false, 5, false, false},
			{"1+s", false, 1, true, false},
			{"-2+sh", false, -2, true, true},
			{"3-s", false, 3, true, false},
			{"-3-s", false, -3, true, false},
			{"-7", false, -7, false, false},
			{"s", false, 0, true, false},
			{"2+s", true, 1, true, false},
			{"hunk", false, 0, false, true},
			{"", true, -1, false, false},
		}
		for _, tc := range cases {
			s := Build(Spec{Method: "split", Offset: tc.offset, Subtract: tc.subtract}, nil)
			if s.BaseIndex != tc.base || s.AddSNI != tc.sni || s.AddHost != tc.host {
				t.Errorf("offset %q subtract=%v: got base=%d sni=%v host=%v",
					tc.offset, tc.subtract, s.BaseIndex, s.AddSNI, s.AddHost)
			}
		}
	})

	t.Run("filters", func(t *testing.T) {
		allow := []string{"youtube"}
		s := Build(Spec{Method: "fake", Offset: "1", Protocol: "tcp", Ports: "443"}, allow)
		if s.Method != Fake || s.Protocol != TCP {
			t.Errorf("method/protocol = %v/%v", s.Method, s.Protocol)
		}
		if s.Port == nil || !s.Port.Contains(443) || s.Port.Contains(80) {
			t.Errorf("port filter = %v", s.Port)
		}
		allow[0] = "changed"
		if len(s.SNI) != 1 || s.SNI[0] != "youtube" {
			t.Errorf("allow-list not copied: %v", s.SNI)
		}

		s = Build(Spec{Method: "oob", Protocol: "quic", Ports: "bad"}, nil)
		if s.Protocol != UDP {
			t.Errorf("non-tcp protocol = %v, want udp", s.Protocol)
		}
		if s.Port != nil || s.SNI != nil {
			t.Error("malformed ports or nil allow-list must leave filters unset")
		}
		if s = Build(Spec{Method: "split", Offset: "3"}, []string{}); s.SNI == nil || len(s.SNI) != 0 {
			t.Errorf("empty allow-list = %#v, want non-nil empty", s.SNI)
		}
		if s = Build(Spec{Method: "split"}, nil); s.Protocol != AnyProtocol {
			t.Errorf("empty protocol = %v", s.Protocol)
		}
	})

	t.Run("positional methods", func(t *testing.T) {
		for _, m := range []Method{Meltdown, MeltdownUDP, Trail} {
			if m.Positional() {
				t.Errorf("%s is positional", m)
			}
		}
		for _, m := range []Method{Split, Disorder, Fake, OOB, TLSFragment, None} {
			if !m.Positional() {
				t.Errorf("%s is not positional", m)
			}
		}
	})

	t.Run("unknown method is a no-op", func(t *testing.T) {
		if s := Build(Spec{Method: "shuffle", Offset: "1"}, nil); s.Method != None {
			t.Errorf("method = %v", s.Method)
		}
	})
}

func TestCheck(t *testing.T) {
	for _, spec := range []Spec{
		{Method: "split", Offset: "1+s"},
		{Method: "none"},
		{Method: "--fake", Offset: "-1", Ports: "443-"},
	} {
		if err := Check(spec); err != nil {
			t.Errorf("Check(%+v) = %v", spec, err)
		}
	}
	for _, spec := range []Spec{
		{Method: "shuffle"},
		{Method: "split", Offset: "x+s"},
		{Method: "split", Offset: "1", Ports: "a-b"},
	} {
		if err := Check(spec); err == nil {
			t.Errorf("Check(%+v) accepted bad spec", spec)
		}
	}
}

func TestParseList(t *testing.T) {
	specs, err := ParseList("split:1+s, fake:2!:tcp:443 ,tls-fragment:0+s,")
	if err != nil {
		t.Fatalf("ParseList: %v", err)
	}
	if len(specs) != 3 {
		t.Fatalf("got %d specs", len(specs))
	}
	if specs[1].Offset != "2" || !specs[1].Subtract || specs[1].Protocol != "tcp" || specs[1].Ports != "443" {
		t.Errorf("second spec = %+v", specs[1])
	}
	if _, err := ParseList("split:1:tcp:443:extra"); err == nil {
		t.Error("expected error for too many fields")
	}
	if _, err := ParseList("bogus:1"); err == nil {
		t.Error("expected error for unknown method")
	}
}

func TestSignatureCapabilities(t *testing.T) {
	t.Run("sequence numbers", func(t *testing.T) {
		sig := ParseSignature("BA")
		if sig[0].Seq != 1 || sig[1].Seq != 0 {
			t.Errorf("BA seq = %d,%d", sig[0].Seq, sig[1].Seq)
		}
		sig = ParseSignature("AB")
		if sig[0].Seq != -1 || sig[1].Seq != 2 {
			t.Errorf("AB seq = %d,%d", sig[0].Seq, sig[1].Seq)
		}
		sig = ParseSignature("xFO")
		if sig[0].Seq != 0 || !sig[1].Fake || !sig[2].OOB || sig[2].Seq != 2 {
			t.Errorf("xFO = %+v", sig)
		}
	})

	cases := []struct {
		sig  string
		want Capabilities
	}{
		{"BA", Capabilities{Disorder: true, Split: true}},
		{"AB", Capabilities{Split: true}},
		{"ABF", Capabilities{Split: true}},
		{"BFA", Capabilities{Split: true, Meltdown: true}},
		{"BBA", Capabilities{Disorder: true, Split: true}},
		{"F", Capabilities{FakeBit: true}},
		{"FN", Capabilities{Split: true, FakeBit: true, Meltdown: true}},
		{"FO", Capabilities{Split: true, FakeBit: true}},
		{"NON", Capabilities{Split: true, OOBHell: true}},
		{"NFON", Capabilities{Split: true, OOBHell: true}},
		{"", Capabilities{}},
	}
	for _, tc := range cases {
		if got := ParseSignature(tc.sig).Capabilities(); got != tc.want {
			t.Errorf("%q: got %+v, want %+v", tc.sig, got, tc.want)
		}
	}
}

func TestVerify(t *testing.T) {
	build := func(names ...string) []Strategy {
		var out []Strategy
		for _, n := range names {
			out = append(out, Build(Spec{Method: n, Offset: "1"}, nil))
		}
		return out
	}

	t.Run("disorder needs a decreasing pair", func(t *testing.T) {
		if err := Verify("BA", build("disorder")); err != nil {
			t.Errorf("BA rejected disorder: %v", err)
		}
		err := Verify("AB", build("split", "disorder"))
		var verr *VerifyError
		if !errors.As(err, &verr) {
			t.Fatalf("expected VerifyError, got %v", err)
		}
		if verr.Index != 1 || verr.Method != Disorder || verr.Missing != CanDisorder {
			t.Errorf("error = %+v", verr)
		}
	})

	t.Run("per method requirements", func(t *testing.T) {
		if err := Verify("N", build("split")); err == nil {
			t.Error("single entry signature accepted split")
		}
		if err := Verify("FN", build("fake", "fake-insert", "fake-surround", "fake2-insert", "meltdown")); err != nil {
			t.Errorf("FN: %v", err)
		}
		if err := Verify("NF", build("fake")); err == nil {
			t.Error("fake accepted without leading fake entry")
		}
		if err := Verify("NON", build("oob-stream-hell", "oob", "oob2")); err != nil {
			t.Errorf("NON: %v", err)
		}
		if err := Verify("N", build("tls-fragment", "trail", "none")); err != nil {
			t.Errorf("unconstrained methods rejected: %v", err)
		}
	})

	t.Run("empty signature skips", func(t *testing.T) {
		if err := Verify("", build("disorder", "meltdown")); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})
}
