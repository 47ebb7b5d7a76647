package packet

const (
	lcgMul uint32 = 1664525
	lcgAdd uint32 = 1013904223
)

// Rand is a tiny linear-congruential generator. It is deterministic for a
// given seed and must never be used for anything secret.
type Rand struct {
	state uint32
}

func NewRand(seed uint32) *Rand {
	return &Rand{state: seed}
}

// Byte advances the generator and returns bits 16..23 of the new state.
func (r *Rand) Byte() byte {
	r.state = r.state*lcgMul + lcgAdd
	return byte(r.state >> 16)
}

// Read fills p and never fails.
func (r *Rand) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = r.Byte()
	}
	return len(p), nil
}

// Letter returns a lower-case ASCII letter.
func (r *Rand) Letter() byte {
	return 'a' + r.Byte()%26
}

// Filler returns n bytes drawn from a generator seeded with seed.
func Filler(n int, seed uint32) []byte {
	if n <= 0 {
		return []byte{}
	}
	out := make([]byte, n)
	_, _ = NewRand(seed).Read(out)
	return out
}
