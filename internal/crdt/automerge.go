package crdt

import (
	"fmt"
	"sort"
	"strings"

	"github.com/automerge/automerge-go"
)

// Automerge is a Core backed by automerge documents.
// Updates are anything automerge's LoadIncremental accepts: the output of
// Doc.SaveIncremental, Doc.Save, or a concatenation of them.
type Automerge struct{}

// NewAutomerge returns the automerge core
func NewAutomerge() *Automerge {
	return &Automerge{}
}

// New returns an empty replica
func (Automerge) New() Replica {
	return &automergeReplica{doc: automerge.New()}
}

// Load decodes a full encoded state. Empty input yields an empty replica.
func (a Automerge) Load(raw []byte) (Replica, error) {
	if len(raw) == 0 {
		return a.New(), nil
	}

	doc, err := automerge.Load(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to load automerge state: %w", err)
	}
	return &automergeReplica{doc: doc}, nil
}

// error text automerge returns for changes whose dependencies are missing
const missingDepsMessage = "deps should already be in the document"

type automergeReplica struct {
	doc *automerge.Doc
}

// Apply merges into a fork and swaps it in only on success, so a corrupt
// update can never leave a half-applied document behind.
func (r *automergeReplica) Apply(update []byte) (bool, error) {
	if len(update) == 0 {
		return false, fmt.Errorf("%w: empty update", ErrInvalidUpdate)
	}

	fork, err := r.doc.Fork()
	if err != nil {
		return false, fmt.Errorf("failed to fork document: %w", err)
	}

	before := r.Heads()
	if err := fork.LoadIncremental(update); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), missingDepsMessage) || r.missingDependencies(update) > 0 {
			return false, fmt.Errorf("%w: %v", ErrMissingDependencies, err)
		}
		return false, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}

	after := headStrings(fork.Heads())
	if sameHeads(before, after) {
		// automerge may also queue changes it cannot apply yet without failing
		if n := r.missingDependencies(update); n > 0 {
			return false, fmt.Errorf("%w: %d unknown dependencies", ErrMissingDependencies, n)
		}
		return false, nil
	}

	r.doc = fork
	return true, nil
}

// missingDependencies counts the dependency hashes of update that are neither
// in the replica nor in the update itself. Bytes that do not parse as
// changes have none.
func (r *automergeReplica) missingDependencies(update []byte) int {
	changes, err := automerge.LoadChanges(update)
	if err != nil {
		return 0
	}

	own := make(map[automerge.ChangeHash]bool, len(changes))
	for _, ch := range changes {
		own[ch.Hash()] = true
	}

	missing := make(map[automerge.ChangeHash]bool)
	for _, ch := range changes {
		for _, dep := range ch.Dependencies() {
			if own[dep] || missing[dep] {
				continue
			}
			if _, err := r.doc.Change(dep); err != nil {
				missing[dep] = true
			}
		}
	}
	return len(missing)
}

func (r *automergeReplica) Encode() []byte {
	return r.doc.Save()
}

func (r *automergeReplica) Heads() []string {
	return headStrings(r.doc.Heads())
}

func headStrings(heads []automerge.ChangeHash) []string {
	out := make([]string, 0, len(heads))
	for _, h := range heads {
		out = append(out, h.String())
	}
	sort.Strings(out)
	return out
}

func sameHeads(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
