// Package capture records what the engine puts on the wire: a pcap trace
// of every emission and a store of first-flight payloads per domain.
package capture

import (
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/pulsarf/waterfall/sock"
)

const snapLen = 65535

// Trace is a pcap sink shared by every recorded connection. Frames are
// synthesized from the payloads handed to the socket, so sequence numbers
// are relative and retransmissions made by the kernel are not visible.
type Trace struct {
	mu     sync.Mutex
	w      *pcapgo.Writer
	closer io.Closer
	now    func() time.Time
}

// NewTrace writes a raw-IP pcap stream to w.
func NewTrace(w io.Writer) (*Trace, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(snapLen, layers.LinkTypeRaw); err != nil {
		return nil, fmt.Errorf("pcap header: %w", err)
	}
	t := &Trace{w: pw, now: time.Now}
	if c, ok := w.(io.Closer); ok {
		t.closer = c
	}
	return t, nil
}

// CreateTrace truncates path and writes a trace into it.
func CreateTrace(path string) (*Trace, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	t, err := NewTrace(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return t, nil
}

func (t *Trace) Close() error {
	if t.closer == nil {
		return nil
	}
	return t.closer.Close()
}

// Wrap returns c with every emission mirrored into the trace.
func (t *Trace) Wrap(c sock.Conn, local, remote netip.AddrPort) sock.Conn {
	return &recorder{Conn: c, trace: t, local: local, remote: remote, ttl: sock.DefaultTTL}
}

func (t *Trace) write(frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	ci := gopacket.CaptureInfo{Timestamp: t.now(), CaptureLength: len(frame), Length: len(frame)}
	return t.w.WritePacket(ci, frame)
}

type recorder struct {
	sock.Conn
	trace         *Trace
	local, remote netip.AddrPort

	mu  sync.Mutex
	seq uint32
	ttl int
}

func (r *recorder) Write(p []byte) (int, error) {
	n, err := r.Conn.Write(p)
	if n > 0 {
		r.record(p[:n], false)
	}
	return n, err
}

func (r *recorder) SetTTL(ttl int) error {
	if err := r.Conn.SetTTL(ttl); err != nil {
		return err
	}
	r.mu.Lock()
	r.ttl = ttl
	r.mu.Unlock()
	return nil
}

func (r *recorder) SendOOB(p []byte) error {
	if err := r.Conn.SendOOB(p); err != nil {
		return err
	}
	r.record(p, true)
	return nil
}

func (r *recorder) record(p []byte, urgent bool) {
	r.mu.Lock()
	seq, ttl := r.seq, r.ttl
	r.seq += uint32(len(p))
	r.mu.Unlock()

	// trace failures never reach the proxied connection
	if frame, err := Frame(r.local, r.remote, seq, ttl, urgent, p); err == nil {
		_ = r.trace.write(frame)
	}
}

// Frame serializes one IPv4 or IPv6 TCP segment carrying payload. Urgent
// segments get the URG flag with the pointer on their last byte.
func Frame(src, dst netip.AddrPort, seq uint32, ttl int, urgent bool, payload []byte) ([]byte, error) {
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(src.Port()),
		DstPort: layers.TCPPort(dst.Port()),
		Seq:     seq,
		ACK:     true,
		PSH:     true,
		Window:  65535,
	}
	if urgent {
		tcp.URG = true
		tcp.Urgent = uint16(len(payload))
	}

	var network gopacket.SerializableLayer
	if src.Addr().Is4() && dst.Addr().Is4() {
		ip := &layers.IPv4{
			Version:  4,
			TTL:      uint8(ttl),
			Protocol: layers.IPProtocolTCP,
			SrcIP:    net.IP(src.Addr().AsSlice()),
			DstIP:    net.IP(dst.Addr().AsSlice()),
		}
		if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
			return nil, err
		}
		network = ip
	} else {
		s16, d16 := src.Addr().As16(), dst.Addr().As16()
		ip := &layers.IPv6{
			Version:    6,
			HopLimit:   uint8(ttl),
			NextHeader: layers.IPProtocolTCP,
			SrcIP:      net.IP(s16[:]),
			DstIP:      net.IP(d16[:]),
		}
		if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
			return nil, err
		}
		network = ip
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, network, tcp, gopacket.Payload(payload)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
