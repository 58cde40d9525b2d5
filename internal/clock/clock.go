package clock

import (
	"fmt"
	"sort"
	"strings"
)

/*
LEARNING: VECTOR CLOCKS AND LAMPORT TIMESTAMPS

A vector clock keeps one counter per author. Each accepted update from an
author bumps only that author's counter, so comparing two clocks tells us
whether one replica has seen everything the other has (dominates), or
whether they diverged (concurrent).

The Lamport timestamp collapses the vector into a single integer that is
consistent with per-author causal order. We only use it for display and
ordering - the CRDT resolves conflicts, not the clock.
*/

// VectorClock maps a user ID to the number of operations that user has
// contributed, as observed by one replica.
type VectorClock map[string]uint64

// New returns an empty vector clock
func New() VectorClock {
	return make(VectorClock)
}

// Get returns the counter for a user (0 if unseen)
func (vc VectorClock) Get(userID string) uint64 {
	return vc[userID]
}

// Increment bumps the user's counter by one and returns the new value
func (vc VectorClock) Increment(userID string) uint64 {
	vc[userID]++
	return vc[userID]
}

// Max returns the largest counter in the clock
func (vc VectorClock) Max() uint64 {
	var max uint64
	for _, v := range vc {
		if v > max {
			max = v
		}
	}
	return max
}

// Lamport returns max(counters) + 1.
// Call it after the author's counter was incremented.
func (vc VectorClock) Lamport() uint64 {
	return vc.Max() + 1
}

// Clone returns a deep copy; nil clones to an empty clock
func (vc VectorClock) Clone() VectorClock {
	out := make(VectorClock, len(vc))
	for k, v := range vc {
		out[k] = v
	}
	return out
}

// Merge folds another clock in, keeping the max of every counter
func (vc VectorClock) Merge(other VectorClock) {
	for k, v := range other {
		if v > vc[k] {
			vc[k] = v
		}
	}
}

// Dominates reports whether every counter in other is <= the counter here
func (vc VectorClock) Dominates(other VectorClock) bool {
	for k, v := range other {
		if vc[k] < v {
			return false
		}
	}
	return true
}

// Ordering is the causal relation between two clocks
type Ordering int

const (
	Equal Ordering = iota
	Before
	After
	Concurrent
)

func (o Ordering) String() string {
	switch o {
	case Equal:
		return "equal"
	case Before:
		return "before"
	case After:
		return "after"
	default:
		return "concurrent"
	}
}

// Compare returns how vc relates to other
func (vc VectorClock) Compare(other VectorClock) Ordering {
	ge := vc.Dominates(other)
	le := other.Dominates(vc)
	switch {
	case ge && le:
		return Equal
	case le:
		return Before
	case ge:
		return After
	default:
		return Concurrent
	}
}

// String renders the clock with sorted keys, e.g. {alice:2 bob:1}
func (vc VectorClock) String() string {
	keys := make([]string, 0, len(vc))
	for k := range vc {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s:%d", k, vc[k]))
	}
	return "{" + strings.Join(parts, " ") + "}"
}
