package strategy

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// Strategy is one parsed desync directive. It is a plain value; the
// dispatch loop works on copies.
type Strategy struct {
	Method    Method     `json:"method"`
	BaseIndex int        `json:"base_index"`
	AddSNI    bool       `json:"add_sni"`
	AddHost   bool       `json:"add_host"`
	Subtract  bool       `json:"subtract"`
	Protocol  Protocol   `json:"-"`
	Port      *PortRange `json:"-"`
	SNI       []string   `json:"sni,omitempty"`
}

// Spec is the textual form of a strategy as it appears in configuration.
type Spec struct {
	Method   string `json:"method" yaml:"method"`
	Offset   string `json:"offset" yaml:"offset"`
	Subtract bool   `json:"subtract,omitempty" yaml:"subtract,omitempty"`
	Protocol string `json:"protocol,omitempty" yaml:"protocol,omitempty"`
	Ports    string `json:"ports,omitempty" yaml:"ports,omitempty"`
}

// Build turns spec into a Strategy. allow is the SNI allow-list to attach;
// nil leaves the strategy unfiltered by SNI and an empty non-nil list
// admits nothing. Malformed offsets and port
// ranges never fail here: the offset falls back to 0 and the port filter
// stays unset. Use Check for strict validation.
func Build(spec Spec, allow []string) Strategy {
	s := Strategy{
		Method:   ParseMethod(spec.Method),
		AddSNI:   strings.Contains(spec.Offset, "s"),
		AddHost:  strings.Contains(spec.Offset, "h"),
		Subtract: spec.Subtract,
		Protocol: ParseProtocol(spec.Protocol),
	}
	if n, err := parseOffset(spec.Offset); err == nil {
		s.BaseIndex = n
	}
	if spec.Subtract {
		s.BaseIndex--
	}
	if spec.Ports != "" {
		if r, err := ParsePortRange(spec.Ports); err == nil {
			s.Port = &r
		}
	}
	if allow != nil {
		s.SNI = slices.Clone(allow)
		if s.SNI == nil {
			s.SNI = []string{}
		}
	}
	return s
}

// Check reports the configuration errors Build silently tolerates.
func Check(spec Spec) error {
	if m := ParseMethod(spec.Method); m == None && strings.TrimPrefix(spec.Method, "--") != None.String() {
		return fmt.Errorf("unknown method %q", spec.Method)
	}
	if spec.Offset != "" {
		if _, err := parseOffset(spec.Offset); err != nil {
			return fmt.Errorf("strategy %s: %w", spec.Method, err)
		}
	}
	if spec.Ports != "" {
		if _, err := ParsePortRange(spec.Ports); err != nil {
			return fmt.Errorf("strategy %s: %w", spec.Method, err)
		}
	}
	return nil
}

// parseOffset reads the numeric base of an offset expression such as
// "1+s", "-2+sh" or "3-s". The expression is split on '+' when present,
// otherwise on the first '-' that is not a leading sign, and the left token
// is parsed as a signed integer. A '-' separator does not negate.
func parseOffset(expr string) (int, error) {
	left := expr
	if i := strings.IndexByte(expr, '+'); i >= 0 {
		left = expr[:i]
	} else if i := strings.IndexByte(strings.TrimPrefix(expr, "-"), '-'); i >= 0 {
		if strings.HasPrefix(expr, "-") {
			i++
		}
		left = expr[:i]
	}
	left = strings.TrimRight(strings.TrimSpace(left), "sh")
	if left == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(left)
	if err != nil {
		return 0, fmt.Errorf("bad offset %q: %w", expr, err)
	}
	return n, nil
}

// Anchored reports whether the strategy needs a located SNI.
func (s Strategy) Anchored() bool {
	return s.AddSNI
}

func (s Strategy) String() string {
	var b strings.Builder
	b.WriteString(s.Method.String())
	b.WriteByte(':')
	b.WriteString(strconv.Itoa(s.BaseIndex))
	if s.AddSNI {
		b.WriteString("+s")
	}
	if s.AddHost {
		b.WriteString("+h")
	}
	if s.Protocol != AnyProtocol {
		b.WriteByte(':')
		b.WriteString(s.Protocol.String())
	}
	if s.Port != nil {
		b.WriteString(":")
		b.WriteString(s.Port.String())
	}
	return b.String()
}

// ParseList parses the compact command-line form
//
//	method:offset[:protocol[:ports]][,method:offset...]
//
// A trailing '!' on the offset sets Subtract.
func ParseList(s string) ([]Spec, error) {
	var specs []Spec
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.Split(item, ":")
		if len(parts) > 4 {
			return nil, fmt.Errorf("strategy %q: too many fields", item)
		}
		spec := Spec{Method: parts[0]}
		if len(parts) > 1 {
			spec.Offset = parts[1]
			if off, ok := strings.CutSuffix(spec.Offset, "!"); ok {
				spec.Offset = off
				spec.Subtract = true
			}
		}
		if len(parts) > 2 {
			spec.Protocol = parts[2]
		}
		if len(parts) > 3 {
			spec.Ports = parts[3]
		}
		if err := Check(spec); err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}
