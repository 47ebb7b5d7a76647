package packet

import "encoding/binary"

const (
	RecordHeaderLen     = 5
	MaxRecordPayloadLen = 1 << 14

	RecordTypeHandshake byte = 0x16

	versionTLS10 uint16 = 0x0301
	versionTLS13 uint16 = 0x0304
)

// RecordHeader is the 5-byte TLS record header: type, version, length.
type RecordHeader []byte

// ParseRecordHeader reports whether p starts with a plausible handshake
// record header.
func ParseRecordHeader(p []byte) (RecordHeader, bool) {
	if len(p) < RecordHeaderLen {
		return nil, false
	}
	h := RecordHeader(p[:RecordHeaderLen])
	if h[0] != RecordTypeHandshake {
		return nil, false
	}
	if v := h.Version(); v < versionTLS10 || v > versionTLS13 {
		return nil, false
	}
	if n := h.PayloadLen(); n == 0 || n > MaxRecordPayloadLen {
		return nil, false
	}
	return h, true
}

func (h RecordHeader) Version() uint16 {
	return binary.BigEndian.Uint16(h[1:3])
}

func (h RecordHeader) PayloadLen() int {
	return int(binary.BigEndian.Uint16(h[3:5]))
}

func appendRecordHeader(dst []byte, typ byte, version uint16, n int) []byte {
	dst = append(dst, typ)
	dst = binary.BigEndian.AppendUint16(dst, version)
	return binary.BigEndian.AppendUint16(dst, uint16(n))
}

// FragmentRecord re-frames the TLS record at the start of buf as two
// records split at buffer offset at. Each half gets its own header copied
// from the original with a corrected length. Bytes after the record are
// kept as they are. The record payload must be fully present and at must
// fall strictly inside it; otherwise buf is returned unchanged and false.
func FragmentRecord(buf []byte, at int) ([]byte, bool) {
	h, ok := ParseRecordHeader(buf)
	if !ok {
		return buf, false
	}
	n := h.PayloadLen()
	end := RecordHeaderLen + n
	if end > len(buf) {
		return buf, false
	}
	cut := at - RecordHeaderLen
	if cut <= 0 || cut >= n {
		return buf, false
	}

	payload := buf[RecordHeaderLen:end]
	out := make([]byte, 0, len(buf)+RecordHeaderLen)
	out = appendRecordHeader(out, h[0], h.Version(), cut)
	out = append(out, payload[:cut]...)
	out = appendRecordHeader(out, h[0], h.Version(), n-cut)
	out = append(out, payload[cut:]...)
	out = append(out, buf[end:]...)
	return out, true
}
