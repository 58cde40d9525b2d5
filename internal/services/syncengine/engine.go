package syncengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"collabsync/internal/clock"
	"collabsync/internal/crdt"
	"collabsync/internal/middleware"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

/*
LEARNING: ONE ACTOR PER DOCUMENT

Every active document gets its own goroutine (a "worker") that owns the
replica, the vector clock and the version counter. Callers never touch
that state directly - they send a job on the worker's channel and wait
for the reply.

  ApplyUpdate(doc A) ──┐
  ApplyUpdate(doc A) ──┼──► worker A (jobs chan) ──► merge → clock → log → version
  GetState(doc A)    ──┘
  ApplyUpdate(doc B) ─────► worker B (jobs chan) ──► ...

Jobs for one document run strictly in the order they were received, so two
authors can never compute the same sequence number. Different documents
run fully in parallel; the engine mutex only guards the worker map.
*/

// Config tunes the engine
type Config struct {
	SnapshotInterval uint64        // snapshot every N versions
	QueueSize        int           // per-document job buffer
	RetryInterval    time.Duration // how often failed persistence is retried
}

func (c Config) withDefaults() Config {
	if c.SnapshotInterval == 0 {
		c.SnapshotInterval = 100
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 5 * time.Second
	}
	return c
}

// Result is the outcome of ApplyUpdate
type Result struct {
	DocumentID  string
	VectorClock clock.VectorClock
	Lamport     uint64
	Sequence    uint64
	// Duplicate is true when the update was already merged. Nothing was
	// logged and the other fields describe the current state.
	Duplicate bool
}

// State is the full state of a document as of Version
type State struct {
	DocumentID   string
	Encoded      []byte
	Version      uint64
	VectorClock  clock.VectorClock
	LastModified time.Time
}

// Stats are counters exposed on the metrics endpoint
type Stats struct {
	ActiveDocuments     int    `json:"active_documents"`
	UpdatesApplied      uint64 `json:"updates_applied"`
	DuplicateUpdates    uint64 `json:"duplicate_updates"`
	MergeFailures       uint64 `json:"merge_failures"`
	MissingDependencies uint64 `json:"missing_dependencies"`
	PersistenceFailures uint64 `json:"persistence_failures"`
	SnapshotsWritten    uint64 `json:"snapshots_written"`
	ReplaySkipped       uint64 `json:"replay_skipped"`
}

type counters struct {
	applied      atomic.Uint64
	duplicates   atomic.Uint64
	mergeFailed  atomic.Uint64
	missingDeps  atomic.Uint64
	persistFail  atomic.Uint64
	snapshotsOut atomic.Uint64
	skipped      atomic.Uint64
}

// Engine owns the in-memory replicas of active documents
type Engine struct {
	core  crdt.Core
	store DocumentStore
	oplog OperationLog
	cfg   Config
	log   zerolog.Logger

	mu      sync.Mutex
	workers map[string]*worker
	closed  bool
	idle    func(documentID string) bool
	wg      sync.WaitGroup

	stats counters
}

// New creates an engine. Workers are started lazily on first use.
func New(core crdt.Core, store DocumentStore, oplog OperationLog, cfg Config, log zerolog.Logger) *Engine {
	return &Engine{
		core:    core,
		store:   store,
		oplog:   oplog,
		cfg:     cfg.withDefaults(),
		log:     log.With().Str("component", "syncengine").Logger(),
		workers: make(map[string]*worker),
	}
}

// ApplyUpdate merges an update into the document and records it.
//
// Merge, clock advance, log append and version increment happen as one step
// on the document's worker. A merge failure returns ErrMergeFailed and
// changes nothing. So does an update whose dependencies the document has not
// seen, which returns ErrMissingDependencies. A log append failure is retried in the background and
// does not fail the call.
func (e *Engine) ApplyUpdate(ctx context.Context, documentID string, update []byte, authorID string) (*Result, error) {
	ctx, span := middleware.StartSpan(ctx, "SyncEngine.ApplyUpdate",
		attribute.String("document.id", documentID),
		attribute.String("author.id", authorID),
		attribute.Int("update.size", len(update)),
	)
	defer span.End()

	var res *Result
	err := e.do(ctx, documentID, func(w *worker) error {
		var err error
		res, err = w.apply(ctx, update, authorID)
		return err
	})
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return nil, err
	}

	span.SetAttributes(
		attribute.Int64("sequence", int64(res.Sequence)),
		attribute.Bool("duplicate", res.Duplicate),
	)
	return res, nil
}

// GetState returns the encoded full state of a document
func (e *Engine) GetState(ctx context.Context, documentID string) (*State, error) {
	ctx, span := middleware.StartSpan(ctx, "SyncEngine.GetState",
		attribute.String("document.id", documentID),
	)
	defer span.End()

	var st *State
	err := e.do(ctx, documentID, func(w *worker) error {
		var err error
		st, err = w.state(ctx)
		return err
	})
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return nil, err
	}
	return st, nil
}

// Evict flushes the document's snapshot and stops its worker.
// The next call for the document reloads it from storage.
// Evicting an inactive document is a no-op.
func (e *Engine) Evict(ctx context.Context, documentID string) error {
	e.mu.Lock()
	w, ok := e.workers[documentID]
	e.mu.Unlock()
	if !ok {
		return nil
	}

	err := w.submit(ctx, func(w *worker) error {
		return w.prepareStop(ctx)
	})
	if errors.Is(err, errWorkerStopped) {
		return nil
	}
	return err
}

// SetIdleCheck installs the test used to retry an eviction that was refused
// while log entries were unpersisted. Once the backlog drains the document is
// evicted if idle reports true. Without a check such evictions are retried
// unconditionally.
func (e *Engine) SetIdleCheck(idle func(documentID string) bool) {
	e.mu.Lock()
	e.idle = idle
	e.mu.Unlock()
}

func (e *Engine) isIdle(documentID string) bool {
	e.mu.Lock()
	idle := e.idle
	e.mu.Unlock()
	return idle == nil || idle(documentID)
}

// ActiveDocuments returns the number of documents held in memory
func (e *Engine) ActiveDocuments() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.workers)
}

func (e *Engine) Stats() Stats {
	return Stats{
		ActiveDocuments:     e.ActiveDocuments(),
		UpdatesApplied:      e.stats.applied.Load(),
		DuplicateUpdates:    e.stats.duplicates.Load(),
		MergeFailures:       e.stats.mergeFailed.Load(),
		MissingDependencies: e.stats.missingDeps.Load(),
		PersistenceFailures: e.stats.persistFail.Load(),
		SnapshotsWritten:    e.stats.snapshotsOut.Load(),
		ReplaySkipped:       e.stats.skipped.Load(),
	}
}

// Shutdown flushes every active document and stops all workers.
// Learning: Same idea as the worker pool shutdown - stop accepting work,
// then wait on the WaitGroup, bounded by ctx.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	workers := make([]*worker, 0, len(e.workers))
	for _, w := range e.workers {
		workers = append(workers, w)
	}
	e.mu.Unlock()

	e.log.Info().Int("documents", len(workers)).Msg("shutting down sync engine")

	for _, w := range workers {
		err := w.submit(ctx, func(w *worker) error {
			w.forceStop = true
			return w.prepareStop(ctx)
		})
		if err != nil && !errors.Is(err, errWorkerStopped) {
			e.log.Error().Err(err).Str("document_id", w.documentID).Msg("failed to flush document on shutdown")
		}
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.log.Info().Msg("sync engine stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("sync engine shutdown: %w", ctx.Err())
	}
}

// do runs fn on the document's worker, starting one if needed. A job that
// lands on a worker which is stopping is retried on its replacement.
func (e *Engine) do(ctx context.Context, documentID string, fn func(*worker) error) error {
	for {
		w, err := e.worker(documentID)
		if err != nil {
			return err
		}

		err = w.submit(ctx, fn)
		if errors.Is(err, errWorkerStopped) {
			continue
		}
		return err
	}
}

// worker returns the live worker for a document, creating it on first access
func (e *Engine) worker(documentID string) (*worker, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, ErrEngineClosed
	}

	if w, ok := e.workers[documentID]; ok {
		return w, nil
	}

	w := newWorker(e, documentID)
	e.workers[documentID] = w
	e.wg.Add(1)
	go w.run()

	return w, nil
}

// remove drops w from the registry if it is still the registered worker
func (e *Engine) remove(w *worker) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.workers[w.documentID] == w {
		delete(e.workers, w.documentID)
	}
}
