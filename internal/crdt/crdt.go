// Package crdt is the narrow boundary between the sync engine and a concrete
// conflict-free replicated data type. The engine only ever merges opaque
// update bytes, encodes full state, and loads full state back.
package crdt

import (
	"errors"
	"sort"
)

var (
	// ErrInvalidUpdate is returned when update bytes cannot be merged
	ErrInvalidUpdate = errors.New("invalid update")

	// ErrMissingDependencies is returned for a well-formed update that builds
	// on changes the replica has not merged yet. Resending it together with
	// those changes (e.g. the sender's full state) succeeds.
	ErrMissingDependencies = errors.New("update depends on unknown changes")
)

// Replica is one in-memory copy of a document.
//
// Apply must be atomic: when it returns an error the replica is unchanged.
// The changed result is false when the update was already merged, which is
// how re-delivered updates are detected. An update that builds on changes the
// replica lacks fails with ErrMissingDependencies.
type Replica interface {
	Apply(update []byte) (changed bool, err error)
	Encode() []byte
	Heads() []string
}

// Core creates replicas
type Core interface {
	New() Replica
	Load(raw []byte) (Replica, error)
}

// Equivalent reports whether two replicas have merged the same set of changes.
// Encodings are not compared since two merge-equivalent replicas may serialize
// differently.
func Equivalent(a, b Replica) bool {
	ha, hb := a.Heads(), b.Heads()
	if len(ha) != len(hb) {
		return false
	}
	sort.Strings(ha)
	sort.Strings(hb)
	for i := range ha {
		if ha[i] != hb[i] {
			return false
		}
	}
	return true
}
