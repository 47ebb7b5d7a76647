package strategy

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrBadPortRange = errors.New("bad port range")

// PortRange is an inclusive port interval. A nil End is unbounded above.
// Start <= End is not enforced.
type PortRange struct {
	Start uint16
	End   *uint16
}

// ParsePortRange accepts "N", "N-" and "N-M". A bare N is the single port N.
func ParsePortRange(s string) (PortRange, error) {
	s = strings.TrimSpace(s)
	lo, hi, dashed := strings.Cut(s, "-")
	start, err := strconv.ParseUint(strings.TrimSpace(lo), 10, 16)
	if err != nil {
		return PortRange{}, fmt.Errorf("%w %q: %v", ErrBadPortRange, s, err)
	}
	r := PortRange{Start: uint16(start)}
	switch {
	case !dashed:
		end := r.Start
		r.End = &end
	case strings.TrimSpace(hi) == "":
	default:
		v, err := strconv.ParseUint(strings.TrimSpace(hi), 10, 16)
		if err != nil {
			return PortRange{}, fmt.Errorf("%w %q: %v", ErrBadPortRange, s, err)
		}
		end := uint16(v)
		r.End = &end
	}
	return r, nil
}

func (r PortRange) Contains(port uint16) bool {
	if port < r.Start {
		return false
	}
	return r.End == nil || port <= *r.End
}

func (r PortRange) String() string {
	if r.End == nil {
		return strconv.Itoa(int(r.Start)) + "-"
	}
	if *r.End == r.Start {
		return strconv.Itoa(int(r.Start))
	}
	return fmt.Sprintf("%d-%d", r.Start, *r.End)
}
