package capture

import (
	"bytes"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/pulsarf/waterfall/packet"
	"github.com/pulsarf/waterfall/sni"
	"github.com/pulsarf/waterfall/sock"
	"github.com/pulsarf/waterfall/sock/socktest"
)

func TestClientHello(t *testing.T) {
	for _, domain := range []string{"a.ru", "max.ru", "example.com", "verylongdomain.example"} {
		t.Run(domain, func(t *testing.T) {
			payload, err := ClientHello(domain, packet.NewRand(7))
			if err != nil {
				t.Fatal(err)
			}
			if payload[0] != 0x16 || payload[1] != 0x03 || payload[2] != 0x01 || payload[5] != 0x01 {
				t.Errorf("bad headers: % x", payload[:6])
			}
			if h, ok := packet.ParseRecordHeader(payload); !ok || h.PayloadLen() != len(payload)-5 {
				t.Errorf("record length mismatch")
			}
			if got, ok := sni.ParseHost(payload); !ok || got != domain {
				t.Errorf("structural host = %q, %v", got, ok)
			}
			if got := sni.Locate(payload).Host(payload); got != domain {
				t.Errorf("heuristic host = %q", got)
			}
		})
	}

	if _, err := ClientHello("", packet.NewRand(1)); err == nil {
		t.Error("empty domain accepted")
	}
	a, _ := ClientHello("x.org", packet.NewRand(3))
	b, _ := ClientHello("x.org", packet.NewRand(3))
	if !bytes.Equal(a, b) {
		t.Error("same seed produced different hellos")
	}
}

func TestTrace(t *testing.T) {
	var buf bytes.Buffer
	trace, err := NewTrace(&buf)
	if err != nil {
		t.Fatal(err)
	}
	local := netip.MustParseAddrPort("10.0.0.2:40000")
	remote := netip.MustParseAddrPort("93.184.216.34:443")
	conn := socktest.New()
	c := trace.Wrap(conn, local, remote)

	e := sock.Emitter{DefaultTTL: 64, GhostTTL: 1}
	if err := e.SendGhost(c, []byte("abc")); err != nil {
		t.Fatal(err)
	}
	if err := e.SendOOB(c, []byte("x")); err != nil {
		t.Fatal(err)
	}
	if len(conn.Ops()) != 2 {
		t.Fatalf("underlying ops = %v", conn.Ops())
	}

	r, err := pcapgo.NewReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	if r.LinkType() != layers.LinkTypeRaw {
		t.Errorf("link type = %v", r.LinkType())
	}

	want := []struct {
		ttl     uint8
		seq     uint32
		urg     bool
		payload string
	}{
		{1, 0, false, "abc"},
		{64, 3, true, "x"},
	}
	for i, w := range want {
		data, _, err := r.ReadPacketData()
		if err != nil {
			t.Fatalf("packet %d: %v", i, err)
		}
		pkt := gopacket.NewPacket(data, layers.LayerTypeIPv4, gopacket.Default)
		ip, _ := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
		tcp, _ := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
		if ip == nil || tcp == nil {
			t.Fatalf("packet %d: not ipv4/tcp", i)
		}
		if ip.TTL != w.ttl || tcp.Seq != w.seq || tcp.URG != w.urg || string(tcp.Payload) != w.payload {
			t.Errorf("packet %d: ttl=%d seq=%d urg=%v payload=%q", i, ip.TTL, tcp.Seq, tcp.URG, tcp.Payload)
		}
		if tcp.DstPort != 443 || !ip.DstIP.Equal(remote.Addr().AsSlice()) {
			t.Errorf("packet %d: dst %v:%d", i, ip.DstIP, tcp.DstPort)
		}
	}
}

func TestFrameIPv6(t *testing.T) {
	src := netip.MustParseAddrPort("[2001:db8::1]:5000")
	dst := netip.MustParseAddrPort("[2001:db8::2]:443")
	frame, err := Frame(src, dst, 10, 3, false, []byte("hi"))
	if err != nil {
		t.Fatal(err)
	}
	pkt := gopacket.NewPacket(frame, layers.LayerTypeIPv6, gopacket.Default)
	ip, _ := pkt.Layer(layers.LayerTypeIPv6).(*layers.IPv6)
	if ip == nil || ip.HopLimit != 3 {
		t.Fatalf("ipv6 layer = %+v", ip)
	}
}

func TestStore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "captures")
	s, err := OpenStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	payload := []byte{0x16, 0x03, 0x01, 0x00, 0x01, 0x01}

	if s.Offer("example.com", payload) {
		t.Error("captured without arming")
	}
	if err := s.Arm("Example.com", time.Minute); err != nil {
		t.Fatal(err)
	}
	if s.Offer("other.org", payload) {
		t.Error("captured unrelated domain")
	}
	if !s.Offer("www.example.com", payload) {
		t.Fatal("subdomain not captured")
	}
	if s.Offer("www.example.com", payload) {
		t.Error("captured twice")
	}

	got, err := s.Payload("www.example.com")
	if err != nil || !bytes.Equal(got, payload) {
		t.Errorf("payload = %x, %v", got, err)
	}
	if _, err := os.Stat(filepath.Join(dir, "www_example_com.bin")); err != nil {
		t.Errorf("capture file: %v", err)
	}

	reopened, err := OpenStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	list := reopened.List()
	if len(list) != 1 || list[0].Domain != "www.example.com" || list[0].HexData != "160301000101" {
		t.Errorf("list = %+v", list)
	}
	if err := reopened.Arm("www.example.com", time.Minute); err == nil {
		t.Error("re-arming a captured domain should fail")
	}
	if err := reopened.Delete("www.example.com"); err != nil {
		t.Fatal(err)
	}
	if _, ok := reopened.Get("www.example.com"); ok {
		t.Error("capture still present after delete")
	}

	t.Run("expired arm", func(t *testing.T) {
		now := time.Unix(1000, 0)
		s.now = func() time.Time { return now }
		if err := s.Arm("late.org", time.Second); err != nil {
			t.Fatal(err)
		}
		now = now.Add(2 * time.Second)
		if s.Offer("late.org", payload) {
			t.Error("expired arm captured")
		}
	})
}
