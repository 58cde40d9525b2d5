package crdt

import (
	"bytes"
	"errors"
	"testing"

	"collabsync/internal/crdt/crdttest"
)

func TestApplyChangesReplica(t *testing.T) {
	core := NewAutomerge()
	replica := core.New()
	editor := crdttest.NewEditor()

	changed, err := replica.Apply(editor.MustSet("title", "hello"))
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if !changed {
		t.Error("Expected first update to change the replica")
	}
	if len(replica.Heads()) != 1 {
		t.Errorf("Expected 1 head, got %d", len(replica.Heads()))
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	replica := NewAutomerge().New()
	update := crdttest.NewEditor().MustSet("title", "hello")

	if _, err := replica.Apply(update); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	encoded := replica.Encode()

	changed, err := replica.Apply(update)
	if err != nil {
		t.Fatalf("Re-apply failed: %v", err)
	}
	if changed {
		t.Error("Re-delivered update reported as a change")
	}
	if !bytes.Equal(encoded, replica.Encode()) {
		t.Error("Re-delivered update changed the encoded state")
	}
}

func TestApplyRejectsCorruptUpdate(t *testing.T) {
	replica := NewAutomerge().New()
	if _, err := replica.Apply(crdttest.NewEditor().MustSet("a", "1")); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	headsBefore := replica.Heads()

	tests := []struct {
		name   string
		update []byte
	}{
		{"empty", nil},
		{"garbage", []byte("definitely not an automerge chunk")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := replica.Apply(tt.update)
			if !errors.Is(err, ErrInvalidUpdate) {
				t.Fatalf("Expected ErrInvalidUpdate, got %v", err)
			}
			after := replica.Heads()
			if len(after) != len(headsBefore) || after[0] != headsBefore[0] {
				t.Errorf("Corrupt update mutated replica: %v -> %v", headsBefore, after)
			}
		})
	}
}

func TestMergeOrderDoesNotMatter(t *testing.T) {
	alice := crdttest.NewEditor()
	bob := crdttest.NewEditor()
	u1 := alice.MustSet("a", "from alice")
	u2 := bob.MustSet("b", "from bob")
	u3 := alice.MustSet("c", "again alice")

	orders := [][][]byte{
		{u1, u2, u3},
		{u2, u1, u3},
		{u1, u3, u2},
		{u2, u1, u3, u2, u1},
	}

	core := NewAutomerge()
	var first Replica
	for i, order := range orders {
		r := core.New()
		for _, u := range order {
			if _, err := r.Apply(u); err != nil {
				t.Fatalf("order %d: Apply failed: %v", i, err)
			}
		}
		if first == nil {
			first = r
			continue
		}
		if !Equivalent(first, r) {
			t.Errorf("order %d diverged: %v vs %v", i, first.Heads(), r.Heads())
		}
	}
}

func TestDependentUpdateBeforeItsParent(t *testing.T) {
	alice := crdttest.NewEditor()
	parent := alice.MustSet("a", 1)
	child := alice.MustSet("b", 2)

	r := NewAutomerge().New()
	_, err := r.Apply(child)
	if !errors.Is(err, ErrMissingDependencies) {
		t.Fatalf("Expected ErrMissingDependencies, got %v", err)
	}
	if errors.Is(err, ErrInvalidUpdate) {
		t.Errorf("Missing dependencies reported as invalid update: %v", err)
	}
	if heads := r.Heads(); len(heads) != 0 {
		t.Fatalf("Rejected update mutated replica: %v", heads)
	}

	// once the parent is merged the same bytes apply
	for _, u := range [][]byte{parent, child} {
		changed, err := r.Apply(u)
		if err != nil || !changed {
			t.Fatalf("Apply = %v, %v", changed, err)
		}
	}

	// parent and child together need nothing else
	together := NewAutomerge().New()
	if _, err := together.Apply(append(append([]byte{}, parent...), child...)); err != nil {
		t.Fatalf("Apply of parent+child failed: %v", err)
	}
	if !Equivalent(r, together) {
		t.Errorf("Replicas diverged: %v vs %v", r.Heads(), together.Heads())
	}
}

func TestGarbageIsNotMissingDependencies(t *testing.T) {
	r := NewAutomerge().New()
	_, err := r.Apply([]byte("definitely not an automerge chunk"))
	if errors.Is(err, ErrMissingDependencies) {
		t.Fatalf("Garbage reported as missing dependencies: %v", err)
	}
}

func TestLoadRoundTrip(t *testing.T) {
	core := NewAutomerge()
	r := core.New()
	if _, err := r.Apply(crdttest.NewEditor().MustSet("k", "v")); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	loaded, err := core.Load(r.Encode())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !Equivalent(r, loaded) {
		t.Error("Loaded replica is not equivalent to the original")
	}

	empty, err := core.Load(nil)
	if err != nil {
		t.Fatalf("Load(nil) failed: %v", err)
	}
	if len(empty.Heads()) != 0 {
		t.Error("Expected empty replica from empty state")
	}

	if _, err := core.Load([]byte("junk")); err == nil {
		t.Error("Expected error loading junk state")
	}
}
