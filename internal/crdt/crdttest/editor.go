// Package crdttest builds automerge updates the way an editing client would.
package crdttest

import (
	"fmt"

	"github.com/automerge/automerge-go"
)

// Editor is a client-side automerge document that emits incremental updates
type Editor struct {
	doc *automerge.Doc
}

func NewEditor() *Editor {
	return &Editor{doc: automerge.New()}
}

// Set writes key=value and returns the update bytes for that edit
func (e *Editor) Set(key string, value any) ([]byte, error) {
	if err := e.doc.Path(key).Set(value); err != nil {
		return nil, fmt.Errorf("failed to set %s: %w", key, err)
	}
	return e.doc.SaveIncremental(), nil
}

// MustSet is Set for tests that treat failure as fatal
func (e *Editor) MustSet(key string, value any) []byte {
	update, err := e.Set(key, value)
	if err != nil {
		panic(err)
	}
	return update
}

// Merge applies a remote update or a full encoded state
func (e *Editor) Merge(update []byte) error {
	return e.doc.LoadIncremental(update)
}

// Get returns the value stored at key, nil if absent
func (e *Editor) Get(key string) (any, error) {
	v, err := e.doc.Path(key).Get()
	if err != nil {
		return nil, err
	}
	return v.Interface(), nil
}

// Load decodes a full state into a fresh editor
func Load(raw []byte) (*Editor, error) {
	doc, err := automerge.Load(raw)
	if err != nil {
		return nil, err
	}
	return &Editor{doc: doc}, nil
}
