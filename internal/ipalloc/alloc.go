// Package ipalloc assigns tunnel addresses to peers out of a fixed IPv4
// subnet. Allocation is pure and deterministic: the smallest free host
// index always wins, which keeps regression tests stable and makes the
// allocator trivially idempotent to retry.
package ipalloc

import (
	"errors"
	"fmt"
	"net/netip"
)

// ErrExhausted is returned when every host index in the configured range
// is already assigned.
var ErrExhausted = errors.New("no free addresses in tunnel subnet")

// Allocator hands out host addresses within a /24 (or smaller) IPv4 subnet.
type Allocator struct {
	subnet netip.Prefix
	start  int
	end    int
}

// New creates an allocator over the given subnet, scanning host indices
// from start to end inclusive.
func New(subnet netip.Prefix, start, end int) (*Allocator, error) {
	if !subnet.Addr().Is4() {
		return nil, fmt.Errorf("subnet %s: only IPv4 is supported", subnet)
	}
	if start < 1 || end > 254 || start > end {
		return nil, fmt.Errorf("host range [%d, %d] is invalid", start, end)
	}
	return &Allocator{subnet: subnet.Masked(), start: start, end: end}, nil
}

// Allocate returns the first address in the range not present in used.
// It has no side effects; the caller records the assignment durably.
func (a *Allocator) Allocate(used map[netip.Addr]bool) (netip.Addr, error) {
	base := a.subnet.Addr().As4()
	for i := a.start; i <= a.end; i++ {
		candidate := netip.AddrFrom4([4]byte{base[0], base[1], base[2], byte(i)})
		if !used[candidate] {
			return candidate, nil
		}
	}
	return netip.Addr{}, ErrExhausted
}

// Contains reports whether addr lies inside the allocator's host range.
func (a *Allocator) Contains(addr netip.Addr) bool {
	if !a.subnet.Contains(addr) {
		return false
	}
	last := addr.As4()[3]
	return int(last) >= a.start && int(last) <= a.end
}
