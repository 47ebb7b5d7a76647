package strategy

import "fmt"

// Entry is one packet of an expected arrival pattern.
type Entry struct {
	Seq  int
	Fake bool
	OOB  bool
}

// Signature is an expected arrival pattern, written compactly as one letter
// per packet: 'A' arrives one position early, 'B' one position late, 'F' is
// a fake, 'O' carries out-of-band data, anything else arrives in place.
type Signature []Entry

func ParseSignature(s string) Signature {
	sig := make(Signature, 0, len(s))
	for i, c := range []byte(s) {
		e := Entry{Seq: i}
		switch c {
		case 'A':
			e.Seq = i - 1
		case 'B':
			e.Seq = i + 1
		case 'F':
			e.Fake = true
		case 'O':
			e.OOB = true
		}
		sig = append(sig, e)
	}
	return sig
}

// Capability is a structural property of a signature a technique relies on.
type Capability int

const (
	NoCapability Capability = iota
	CanDisorder
	CanSplit
	HasFakeBit
	CanOOBHell
	CanMeltdown
)

func (c Capability) String() string {
	switch c {
	case CanDisorder:
		return "disorder"
	case CanSplit:
		return "split"
	case HasFakeBit:
		return "fake bit"
	case CanOOBHell:
		return "oob stream hell"
	case CanMeltdown:
		return "meltdown"
	default:
		return "none"
	}
}

type Capabilities struct {
	Disorder bool
	Split    bool
	FakeBit  bool
	OOBHell  bool
	Meltdown bool
}

func (c Capabilities) Has(want Capability) bool {
	switch want {
	case CanDisorder:
		return c.Disorder
	case CanSplit:
		return c.Split
	case HasFakeBit:
		return c.FakeBit
	case CanOOBHell:
		return c.OOBHell
	case CanMeltdown:
		return c.Meltdown
	default:
		return true
	}
}

func (sig Signature) real() Signature {
	out := make(Signature, 0, len(sig))
	for _, e := range sig {
		if !e.Fake {
			out = append(out, e)
		}
	}
	return out
}

func (sig Signature) Capabilities() Capabilities {
	var c Capabilities
	real := sig.real()

	for i := 1; i < len(real); i++ {
		if real[i].Seq < real[i-1].Seq {
			c.Disorder = true
			break
		}
	}
	c.Split = len(sig) > 1
	c.FakeBit = len(sig) > 0 && sig[0].Fake
	for i := 2; i < len(real); i++ {
		if !real[i-2].OOB && real[i-1].OOB && !real[i].OOB {
			c.OOBHell = true
			break
		}
	}
	for i := 1; i < len(sig); i++ {
		if sig[i-1].Fake && !sig[i].Fake && !sig[i].OOB {
			c.Meltdown = true
			break
		}
	}
	return c
}

// Requires returns the capability a method structurally depends on.
func (m Method) Requires() Capability {
	switch m {
	case Disorder, Fake2Disorder, DisOOB:
		return CanDisorder
	case Split, Disorder2, OOB, OOB2:
		return CanSplit
	case Fake, FakeInsert, FakeSurround, Fake2Insert:
		return HasFakeBit
	case OOBStreamHell:
		return CanOOBHell
	case Meltdown, MeltdownUDP:
		return CanMeltdown
	default:
		return NoCapability
	}
}

// VerifyError names the first strategy the signature cannot support.
type VerifyError struct {
	Signature string
	Index     int
	Method    Method
	Missing   Capability
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("strategy #%d (%s) requires %s, which signature %q does not provide",
		e.Index, e.Method, e.Missing, e.Signature)
}

// Verify checks every strategy against the capabilities of signature. An
// empty signature disables the check.
func Verify(signature string, strategies []Strategy) error {
	if signature == "" {
		return nil
	}
	caps := ParseSignature(signature).Capabilities()
	for i, s := range strategies {
		if need := s.Method.Requires(); !caps.Has(need) {
			return &VerifyError{Signature: signature, Index: i, Method: s.Method, Missing: need}
		}
	}
	return nil
}
