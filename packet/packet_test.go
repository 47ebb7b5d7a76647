package packet

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestSplitAt(t *testing.T) {
	buf := []byte("0123456789")

	t.Run("concatenation reproduces buffer", func(t *testing.T) {
		for i := 1; i < len(buf); i++ {
			parts := SplitAt(buf, i)
			if len(parts) != 2 {
				t.Fatalf("i=%d: expected 2 parts, got %d", i, len(parts))
			}
			if len(parts[0]) != i {
				t.Errorf("i=%d: prefix length %d", i, len(parts[0]))
			}
			if got := append(append([]byte{}, parts[0]...), parts[1]...); !bytes.Equal(got, buf) {
				t.Errorf("i=%d: concat = %q", i, got)
			}
		}
	})

	t.Run("out of range leaves buffer unsplit", func(t *testing.T) {
		for _, i := range []int{-3, 0, len(buf), len(buf) + 7} {
			parts := SplitAt(buf, i)
			if len(parts) != 1 || !bytes.Equal(parts[0], buf) {
				t.Errorf("i=%d: expected single unchanged part, got %q", i, parts)
			}
		}
	})

	t.Run("empty buffer", func(t *testing.T) {
		if parts := SplitAt(nil, 0); len(parts) != 1 {
			t.Errorf("expected one part, got %d", len(parts))
		}
	})
}

func TestFiller(t *testing.T) {
	t.Run("known sequence", func(t *testing.T) {
		want := []byte{0x6e, 0x50, 0xcc, 0xf9}
		if got := Filler(4, 0); !bytes.Equal(got, want) {
			t.Errorf("Filler(4, 0) = %x, want %x", got, want)
		}
		want = []byte{0x18, 0xc1, 0x56, 0x2a}
		if got := Filler(4, 0xDEAD); !bytes.Equal(got, want) {
			t.Errorf("Filler(4, 0xDEAD) = %x, want %x", got, want)
		}
	})

	t.Run("deterministic", func(t *testing.T) {
		if !bytes.Equal(Filler(32, 7), Filler(32, 7)) {
			t.Error("same seed produced different output")
		}
		if bytes.Equal(Filler(32, 7), Filler(32, 8)) {
			t.Error("different seeds produced identical output")
		}
	})

	t.Run("non positive length", func(t *testing.T) {
		if got := Filler(0, 1); len(got) != 0 {
			t.Errorf("expected empty, got %d bytes", len(got))
		}
		if got := Filler(-4, 1); len(got) != 0 {
			t.Errorf("expected empty, got %d bytes", len(got))
		}
	})

	t.Run("letters", func(t *testing.T) {
		r := NewRand(99)
		for i := 0; i < 200; i++ {
			if c := r.Letter(); c < 'a' || c > 'z' {
				t.Fatalf("Letter() = %q", c)
			}
		}
	})
}

func makeRecord(payload []byte) []byte {
	rec := []byte{RecordTypeHandshake, 0x03, 0x01, 0, 0}
	binary.BigEndian.PutUint16(rec[3:5], uint16(len(payload)))
	return append(rec, payload...)
}

func TestFragmentRecord(t *testing.T) {
	payload := []byte("\x01\x00\x00\x20abcdefghijklmnopqrstuvwxyz012345")
	rec := makeRecord(payload)

	t.Run("payloads round trip", func(t *testing.T) {
		for at := RecordHeaderLen + 1; at < len(rec); at++ {
			out, ok := FragmentRecord(rec, at)
			if !ok {
				t.Fatalf("at=%d: fragmentation refused", at)
			}
			if len(out) != len(rec)+RecordHeaderLen {
				t.Fatalf("at=%d: length %d, want %d", at, len(out), len(rec)+RecordHeaderLen)
			}

			h1, ok := ParseRecordHeader(out)
			if !ok {
				t.Fatalf("at=%d: first header invalid", at)
			}
			first := out[RecordHeaderLen : RecordHeaderLen+h1.PayloadLen()]
			rest := out[RecordHeaderLen+h1.PayloadLen():]
			h2, ok := ParseRecordHeader(rest)
			if !ok {
				t.Fatalf("at=%d: second header invalid", at)
			}
			second := rest[RecordHeaderLen:]
			if h2.PayloadLen() != len(second) {
				t.Errorf("at=%d: second length field %d, actual %d", at, h2.PayloadLen(), len(second))
			}
			if len(first) != at-RecordHeaderLen {
				t.Errorf("at=%d: first payload length %d", at, len(first))
			}
			joined := append(append([]byte{}, first...), second...)
			if !bytes.Equal(joined, payload) {
				t.Errorf("at=%d: joined payload differs", at)
			}
			if h1.Version() != 0x0301 || h2.Version() != 0x0301 {
				t.Errorf("at=%d: version not preserved", at)
			}
		}
	})

	t.Run("trailing bytes kept", func(t *testing.T) {
		buf := append(append([]byte{}, rec...), 0xAA, 0xBB)
		out, ok := FragmentRecord(buf, 10)
		if !ok {
			t.Fatal("fragmentation refused")
		}
		if !bytes.HasSuffix(out, []byte{0xAA, 0xBB}) {
			t.Errorf("trailing bytes lost: %x", out[len(out)-4:])
		}
	})

	t.Run("invalid input unchanged", func(t *testing.T) {
		cases := []struct {
			name string
			buf  []byte
			at   int
		}{
			{"split inside header", rec, 3},
			{"split at payload start", rec, RecordHeaderLen},
			{"split at payload end", rec, len(rec)},
			{"not a handshake", append([]byte{0x17}, rec[1:]...), 10},
			{"truncated record", rec[:20], 10},
			{"too short", rec[:4], 2},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				out, ok := FragmentRecord(tc.buf, tc.at)
				if ok {
					t.Fatal("expected refusal")
				}
				if !bytes.Equal(out, tc.buf) {
					t.Error("buffer modified")
				}
			})
		}
	})
}
