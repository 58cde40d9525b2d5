package syncengine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"collabsync/internal/clock"
	"collabsync/internal/crdt"
	"collabsync/internal/middleware"
	"collabsync/internal/models"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

type job struct {
	fn   func(*worker) error
	done chan error // buffered, the worker never blocks on a caller
}

// worker is the actor of one document. Every field below jobs/stopped is
// owned by the run goroutine and must not be touched from anywhere else.
type worker struct {
	engine     *Engine
	documentID string
	log        zerolog.Logger

	jobs    chan job
	stopped chan struct{}

	loaded          bool
	replica         crdt.Replica
	clock           clock.VectorClock
	version         uint64
	snapshotVersion uint64
	lastModified    time.Time

	// entries whose log append failed, oldest first
	backlog []*models.OperationLogEntry

	// an eviction was refused because of the backlog, retried once it drains
	evictDeferred bool

	stopping  bool
	forceStop bool
}

func newWorker(e *Engine, documentID string) *worker {
	return &worker{
		engine:     e,
		documentID: documentID,
		log:        e.log.With().Str("document_id", documentID).Logger(),
		jobs:       make(chan job, e.cfg.QueueSize),
		stopped:    make(chan struct{}),
	}
}

// submit queues fn and waits for its result
func (w *worker) submit(ctx context.Context, fn func(*worker) error) error {
	j := job{fn: fn, done: make(chan error, 1)}

	select {
	case w.jobs <- j:
	case <-w.stopped:
		return errWorkerStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-j.done:
		return err
	case <-w.stopped:
		// the job may have finished right before the worker stopped
		select {
		case err := <-j.done:
			return err
		default:
			return errWorkerStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *worker) run() {
	defer w.engine.wg.Done()

	ticker := time.NewTicker(w.engine.cfg.RetryInterval)
	defer ticker.Stop()

	w.log.Debug().Msg("document worker started")

	for {
		select {
		case j := <-w.jobs:
			j.done <- w.runJob(j)

			// a document that failed to load is not kept around
			if !w.loaded {
				w.stopping = true
			}
			if w.stopping {
				w.stop()
				return
			}

		case <-ticker.C:
			w.retryPersistence(context.Background())
			if w.stopping {
				w.stop()
				return
			}
		}
	}
}

// runJob isolates a panicking job to this document
func (w *worker) runJob(j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("document worker job panicked")
			err = fmt.Errorf("document worker panic: %v", r)
		}
	}()
	return j.fn(w)
}

// stop unregisters the worker and fails whatever is still queued so those
// callers retry on a fresh worker
func (w *worker) stop() {
	w.engine.remove(w)
	close(w.stopped)

	for {
		select {
		case j := <-w.jobs:
			j.done <- errWorkerStopped
		default:
			w.log.Debug().Msg("document worker stopped")
			return
		}
	}
}

// prepareStop persists everything so the worker can be dropped. A document
// with unpersisted log entries stays in memory unless the engine is shutting down.
func (w *worker) prepareStop(ctx context.Context) error {
	if !w.loaded {
		w.stopping = true
		return nil
	}

	ctx = context.WithoutCancel(ctx)

	w.flushBacklog(ctx)
	if n := len(w.backlog); n > 0 {
		if !w.forceStop {
			w.evictDeferred = true
			return fmt.Errorf("document %s has %d unpersisted operations, keeping it in memory", w.documentID, n)
		}
		w.log.Error().Int("operations", n).Msg("dropping unpersisted operations on shutdown")
	}

	if w.version > w.snapshotVersion {
		if err := w.snapshot(ctx); err != nil && !w.forceStop {
			return err
		}
	}

	w.stopping = true
	return nil
}

// ensureLoaded materializes the replica from the latest snapshot, then
// replays log entries written after it (e.g. before a crash)
func (w *worker) ensureLoaded(ctx context.Context) error {
	if w.loaded {
		return nil
	}

	ctx, span := middleware.StartSpan(ctx, "SyncEngine.Load",
		attribute.String("document.id", w.documentID),
	)
	defer span.End()

	snap, err := w.engine.store.Load(ctx, w.documentID)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return fmt.Errorf("failed to load document %s: %w", w.documentID, err)
	}

	replica, err := w.engine.core.Load(snap.State)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return fmt.Errorf("failed to decode snapshot of %s: %w", w.documentID, err)
	}

	vc := snap.VectorClock.Clone()
	version := snap.Version
	lastModified := snap.LastModified

	entries, err := w.engine.oplog.Query(ctx, w.documentID, snap.Version)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return fmt.Errorf("failed to read operation log of %s: %w", w.documentID, err)
	}

	var skipped []*models.OperationLogEntry
	for _, entry := range entries {
		if _, err := replica.Apply(entry.Payload); err != nil {
			skipped = append(skipped, entry)
		}
		vc.Merge(entry.VectorClock)
		version = entry.SequenceNumber
		lastModified = entry.Timestamp
	}
	skipped = replaySkipped(replica, skipped)

	if n := len(skipped); n > 0 {
		seqs := make([]uint64, 0, n)
		for _, entry := range skipped {
			seqs = append(seqs, entry.SequenceNumber)
		}
		w.engine.stats.skipped.Add(uint64(n))
		err := fmt.Errorf("%d of %d log entries could not be replayed", n, len(entries))
		middleware.AddSpanError(ctx, err)
		w.log.Error().
			Err(err).
			Uints64("sequences", seqs).
			Uint64("snapshot_version", snap.Version).
			Msg("document loaded without unreadable log entries")
	}

	w.replica = replica
	w.clock = vc
	w.version = version
	w.snapshotVersion = snap.Version
	w.lastModified = lastModified
	w.loaded = true

	span.SetAttributes(
		attribute.Int64("snapshot.version", int64(snap.Version)),
		attribute.Int("reconciled", len(entries)),
	)
	if len(entries) > 0 {
		w.log.Info().
			Uint64("snapshot_version", snap.Version).
			Uint64("version", version).
			Int("reconciled", len(entries)).
			Msg("replayed operations written after the last snapshot")
	}

	return nil
}

func (w *worker) apply(ctx context.Context, update []byte, authorID string) (*Result, error) {
	if err := w.ensureLoaded(ctx); err != nil {
		return nil, err
	}

	changed, err := w.replica.Apply(update)
	if errors.Is(err, ErrMissingDependencies) {
		w.engine.stats.missingDeps.Add(1)
		w.log.Info().Err(err).Str("author_id", authorID).Msg("update arrived before its dependencies")
		return nil, fmt.Errorf("document %s: %w", w.documentID, err)
	}
	if err != nil {
		w.engine.stats.mergeFailed.Add(1)
		w.log.Warn().Err(err).Str("author_id", authorID).Msg("rejected update")
		return nil, fmt.Errorf("%w: %v", ErrMergeFailed, err)
	}

	if !changed {
		w.engine.stats.duplicates.Add(1)
		return w.result(true), nil
	}

	w.evictDeferred = false
	w.clock.Increment(authorID)
	w.version++
	w.lastModified = time.Now()

	entry := &models.OperationLogEntry{
		DocumentID:       w.documentID,
		SequenceNumber:   w.version,
		AuthorID:         authorID,
		Payload:          update,
		VectorClock:      w.clock.Clone(),
		LamportTimestamp: w.clock.Lamport(),
		Timestamp:        w.lastModified,
	}

	// persistence must not be aborted by a caller that went away
	pctx := context.WithoutCancel(ctx)
	w.appendEntry(pctx, entry)

	if w.version%w.engine.cfg.SnapshotInterval == 0 {
		if err := w.snapshot(pctx); err != nil {
			w.log.Warn().Err(err).Msg("snapshot failed, will retry at the next snapshot point")
		}
	}

	w.engine.stats.applied.Add(1)
	return w.result(false), nil
}

func (w *worker) state(ctx context.Context) (*State, error) {
	if err := w.ensureLoaded(ctx); err != nil {
		return nil, err
	}

	return &State{
		DocumentID:   w.documentID,
		Encoded:      w.replica.Encode(),
		Version:      w.version,
		VectorClock:  w.clock.Clone(),
		LastModified: w.lastModified,
	}, nil
}

func (w *worker) result(duplicate bool) *Result {
	var lamport uint64
	if w.version > 0 {
		// the clock only moves on apply, so this is the timestamp of the last applied update
		lamport = w.clock.Lamport()
	}

	return &Result{
		DocumentID:  w.documentID,
		VectorClock: w.clock.Clone(),
		Lamport:     lamport,
		Sequence:    w.version,
		Duplicate:   duplicate,
	}
}

// appendEntry writes entry to the log, behind any older entries still waiting for a retry
func (w *worker) appendEntry(ctx context.Context, entry *models.OperationLogEntry) {
	w.flushBacklog(ctx)

	if len(w.backlog) > 0 {
		w.backlog = append(w.backlog, entry)
		return
	}

	if err := w.engine.oplog.Append(ctx, entry); err != nil {
		w.engine.stats.persistFail.Add(1)
		middleware.AddSpanError(ctx, err)
		w.log.Error().Err(err).Uint64("sequence", entry.SequenceNumber).Msg("failed to append operation, will retry")
		w.backlog = append(w.backlog, entry)
	}
}

func (w *worker) flushBacklog(ctx context.Context) {
	for len(w.backlog) > 0 {
		entry := w.backlog[0]
		if err := w.engine.oplog.Append(ctx, entry); err != nil {
			w.log.Debug().Err(err).Int("pending", len(w.backlog)).Msg("operation log still unavailable")
			return
		}
		w.backlog[0] = nil
		w.backlog = w.backlog[1:]
		w.log.Info().Uint64("sequence", entry.SequenceNumber).Msg("persisted backlogged operation")
	}
}

// retryPersistence flushes the backlog, then completes an eviction that was
// refused because of it, provided the document is still idle
func (w *worker) retryPersistence(ctx context.Context) {
	if !w.loaded || len(w.backlog) == 0 {
		return
	}
	w.flushBacklog(ctx)

	if len(w.backlog) > 0 || !w.evictDeferred {
		return
	}
	w.evictDeferred = false
	if !w.engine.isIdle(w.documentID) {
		return
	}

	if err := w.prepareStop(ctx); err != nil {
		w.log.Warn().Err(err).Msg("deferred eviction failed")
		return
	}
	w.log.Info().Msg("evicted document after its backlog was persisted")
}

// replaySkipped retries entries that failed during replay, in order, until a
// pass makes no progress. It returns the entries that still do not apply.
func replaySkipped(replica crdt.Replica, skipped []*models.OperationLogEntry) []*models.OperationLogEntry {
	for len(skipped) > 0 {
		var again []*models.OperationLogEntry
		for _, entry := range skipped {
			if _, err := replica.Apply(entry.Payload); err != nil {
				again = append(again, entry)
			}
		}
		if len(again) == len(skipped) {
			return again
		}
		skipped = again
	}
	return nil
}

func (w *worker) snapshot(ctx context.Context) error {
	ctx, span := middleware.StartSpan(ctx, "SyncEngine.Snapshot",
		attribute.String("document.id", w.documentID),
		attribute.Int64("version", int64(w.version)),
	)
	defer span.End()

	snap := &models.Snapshot{
		DocumentID:   w.documentID,
		State:        w.replica.Encode(),
		Version:      w.version,
		VectorClock:  w.clock.Clone(),
		LastModified: w.lastModified,
	}

	if err := w.engine.store.Save(ctx, snap); err != nil {
		w.engine.stats.persistFail.Add(1)
		middleware.AddSpanError(ctx, err)
		return fmt.Errorf("failed to save snapshot of %s at %d: %w", w.documentID, w.version, err)
	}

	w.snapshotVersion = w.version
	w.engine.stats.snapshotsOut.Add(1)
	w.log.Debug().Uint64("version", w.version).Int("bytes", len(snap.State)).Msg("snapshot written")
	return nil
}
