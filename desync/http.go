package desync

import (
	"bytes"
)

var hostHeader = []byte("Host:")

// TamperHTTP rewrites every "Host:" header of a plaintext HTTP request.
// MixCase turns the name into "HOsT:", RemoveSpace drops the space after
// the colon, AddSpace inserts one, DomainCase upper-cases the first byte
// of the host. Buffers without a Host header are returned as is.
func TamperHTTP(buf []byte, t HTTPTamper) []byte {
	if !t.Enabled() || !bytes.Contains(buf, hostHeader) {
		return buf
	}

	out := make([]byte, 0, len(buf)+4)
	rest := buf
	for {
		i := bytes.Index(rest, hostHeader)
		if i < 0 {
			out = append(out, rest...)
			return out
		}
		out = append(out, rest[:i]...)
		name := []byte("Host:")
		if t.MixCase {
			name[1] = 'O'
			name[3] = 'T'
		}
		out = append(out, name...)
		rest = rest[i+len(hostHeader):]

		if t.RemoveSpace && len(rest) > 0 && rest[0] == ' ' {
			rest = rest[1:]
		}
		if t.AddSpace {
			out = append(out, ' ')
		}
		if t.DomainCase {
			// skip whatever whitespace is left before the host
			j := 0
			for j < len(rest) && rest[j] == ' ' {
				j++
			}
			out = append(out, rest[:j]...)
			rest = rest[j:]
			if len(rest) > 0 && rest[0] >= 'a' && rest[0] <= 'z' {
				out = append(out, rest[0]-'a'+'A')
				rest = rest[1:]
			}
		}
	}
}
