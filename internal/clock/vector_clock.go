// Package clock implements vector clocks: per-peer counter maps that order
// events causally. A missing entry counts as zero everywhere, so clocks
// stay sparse as peers come and go.
package clock

import (
	"fmt"
	"sort"
	"strings"
)

// VectorClock counts events per peer id.
type VectorClock map[string]uint64

// ComparisonResult relates two clocks under the pointwise partial order.
type ComparisonResult int

const (
	Equal ComparisonResult = iota
	Before
	After
	Concurrent
)

// NewVectorClock returns a clock with no entries.
func NewVectorClock() VectorClock { return VectorClock{} }

// NewWithPeer returns a clock holding a single zeroed counter for peer,
// marking it as known without recording any event.
func NewWithPeer(peerID string) VectorClock {
	return VectorClock{peerID: 0}
}

// Get reads peer's counter; unseen peers read as zero.
func Get(vc VectorClock, peerID string) uint64 {
	return vc[peerID]
}

// Increment advances peer's counter by one, allocating the clock when nil.
func Increment(vc VectorClock, peerID string) VectorClock {
	if vc == nil {
		vc = VectorClock{}
	}
	vc[peerID]++
	return vc
}

// Merge combines two clocks into a fresh one holding the pointwise
// maximum. Neither input is modified.
func Merge(a, b VectorClock) VectorClock {
	out := make(VectorClock, len(a)+len(b))
	for peer, n := range a {
		out[peer] = n
	}
	for peer, n := range b {
		if n > out[peer] {
			out[peer] = n
		}
	}
	return out
}

// Compare relates a to b: Before when a < b, After when a > b, Equal when
// they match pointwise, Concurrent when each is ahead somewhere.
func Compare(a, b VectorClock) ComparisonResult {
	var aAhead, bAhead bool
	for peer, an := range a {
		bn := b[peer]
		if an > bn {
			aAhead = true
		} else if an < bn {
			bAhead = true
		}
	}
	for peer, bn := range b {
		if _, covered := a[peer]; covered {
			continue
		}
		if bn > 0 {
			bAhead = true
		}
	}

	switch {
	case aAhead && bAhead:
		return Concurrent
	case aAhead:
		return After
	case bAhead:
		return Before
	default:
		return Equal
	}
}

// IsBefore reports a < b.
func IsBefore(a, b VectorClock) bool { return Compare(a, b) == Before }

// IsAfter reports a > b.
func IsAfter(a, b VectorClock) bool { return Compare(a, b) == After }

// IsEqual reports pointwise equality.
func IsEqual(a, b VectorClock) bool { return Compare(a, b) == Equal }

// IsConcurrent reports that neither clock dominates the other.
func IsConcurrent(a, b VectorClock) bool { return Compare(a, b) == Concurrent }

// LessOrEqual reports the pointwise a <= b. Entries of b absent from a are
// trivially satisfied.
func LessOrEqual(a, b VectorClock) bool {
	for peer, an := range a {
		if an > b[peer] {
			return false
		}
	}
	return true
}

// Clone copies the clock so the caller can mutate it independently.
func Clone(vc VectorClock) VectorClock {
	if vc == nil {
		return nil
	}
	out := make(VectorClock, len(vc))
	for peer, n := range vc {
		out[peer] = n
	}
	return out
}

// Key renders a clock in canonical form, usable as a map key. Entries are
// sorted by peer id; zero entries are skipped so that logically equal clocks
// share a key.
func Key(vc VectorClock) string {
	peers := make([]string, 0, len(vc))
	for peer, n := range vc {
		if n > 0 {
			peers = append(peers, peer)
		}
	}
	sort.Strings(peers)

	parts := make([]string, len(peers))
	for i, peer := range peers {
		parts[i] = fmt.Sprintf("%s:%d", peer, vc[peer])
	}
	return strings.Join(parts, ",")
}
