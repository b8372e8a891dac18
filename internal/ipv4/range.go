package ipv4

import (
	"fmt"
	"iter"
)

// Range is an inclusive span of addresses. A Range whose start is greater
// than its end is empty. Ranges are values and may be iterated any number
// of times.
type Range struct {
	Start Address
	End   Address
}

// NewRange builds a range from two textual addresses.
func NewRange(start, end string) (Range, error) {
	s, err := Parse(start)
	if err != nil {
		return Range{}, err
	}
	e, err := Parse(end)
	if err != nil {
		return Range{}, err
	}
	return Range{Start: s, End: e}, nil
}

// Len returns the number of addresses in the range. It is a uint64 because
// the full IPv4 space holds 2^32 addresses.
func (r Range) Len() uint64 {
	if r.Start > r.End {
		return 0
	}
	return uint64(r.End-r.Start) + 1
}

// Contains reports whether a lies within the range.
func (r Range) Contains(a Address) bool {
	return a >= r.Start && a <= r.End
}

// All yields every address in ascending order. Iteration is lazy and stops
// early if the consumer breaks out of the loop.
func (r Range) All() iter.Seq[Address] {
	return func(yield func(Address) bool) {
		if r.Start > r.End {
			return
		}
		for a := r.Start; ; a++ {
			if !yield(a) {
				return
			}
			// Checked before incrementing so 255.255.255.255 does not wrap.
			if a == r.End {
				return
			}
		}
	}
}

// String returns "start-end".
func (r Range) String() string {
	return fmt.Sprintf("%s-%s", r.Start, r.End)
}
