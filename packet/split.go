// Package packet holds the byte-level helpers the desync engine builds on:
// buffer splitting, filler generation and TLS record re-framing.
package packet

// SplitAt cuts buf at index i. For 0 < i < len(buf) it returns the prefix
// and the suffix; any other index yields buf alone so callers can treat the
// buffer as unsplit.
func SplitAt(buf []byte, i int) [][]byte {
	if i <= 0 || i >= len(buf) {
		return [][]byte{buf}
	}
	return [][]byte{buf[:i], buf[i:]}
}

// Clone returns a copy of b that shares no memory with it.
func Clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
