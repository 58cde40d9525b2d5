package syncengine

import (
	"errors"

	"collabsync/internal/crdt"
	"collabsync/internal/models"
)

var (
	// ErrMergeFailed means the update bytes could not be merged. Nothing was mutated.
	ErrMergeFailed = errors.New("merge failed")

	// ErrMissingDependencies means the update is well formed but builds on
	// changes the document does not have yet. Nothing was mutated and the
	// sender can resend it along with those changes.
	ErrMissingDependencies = crdt.ErrMissingDependencies

	// ErrDocumentNotFound is returned when the document store has no such document
	ErrDocumentNotFound = models.ErrDocumentNotFound

	// ErrEngineClosed is returned after Shutdown
	ErrEngineClosed = errors.New("sync engine is shut down")

	// errWorkerStopped tells a caller its job landed on a worker that was
	// evicted before running it. The caller retries on a fresh worker.
	errWorkerStopped = errors.New("document worker stopped")
)
