// Package offline holds the client half of offline reconciliation: a
// bounded queue of local updates the server has not acknowledged yet.
package offline

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"collabsync/internal/clock"

	"github.com/rs/zerolog"
)

// DefaultCapacity is the number of pending operations kept while offline
const DefaultCapacity = 1000

// ErrBufferOverflow is passed to the drop hook when the oldest pending
// operation had to be discarded
var ErrBufferOverflow = errors.New("offline buffer full, oldest pending operation dropped")

// Pending is one local update waiting for an ack
type Pending struct {
	ID          uint64
	Update      []byte
	VectorClock clock.VectorClock
	SentAt      time.Time
}

// DropFunc is told about every operation lost to overflow
type DropFunc func(dropped Pending, err error)

// Buffer is a FIFO of pending operations. IDs are strictly increasing
// and never reused, so a resend after reconnect carries the original id.
type Buffer struct {
	mu       sync.Mutex
	capacity int
	nextID   uint64
	pending  []Pending
	onDrop   DropFunc
	log      zerolog.Logger
	now      func() time.Time
}

func NewBuffer(capacity int, log zerolog.Logger) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		capacity: capacity,
		log:      log.With().Str("component", "offline_buffer").Logger(),
		now:      time.Now,
	}
}

// OnDrop sets the hook called when overflow discards an operation
func (b *Buffer) OnDrop(fn DropFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onDrop = fn
}

// Enqueue appends a local update and returns it with its assigned id.
// When the buffer is full the oldest entry is dropped first.
func (b *Buffer) Enqueue(update []byte, vc clock.VectorClock) Pending {
	b.mu.Lock()

	b.nextID++
	p := Pending{
		ID:          b.nextID,
		Update:      update,
		VectorClock: vc.Clone(),
		SentAt:      b.now(),
	}

	var dropped *Pending
	if len(b.pending) >= b.capacity {
		d := b.pending[0]
		dropped = &d
		b.pending[0] = Pending{}
		b.pending = b.pending[1:]
	}
	b.pending = append(b.pending, p)
	onDrop := b.onDrop
	b.mu.Unlock()

	if dropped != nil {
		b.log.Warn().
			Uint64("dropped_id", dropped.ID).
			Int("capacity", b.capacity).
			Msg("offline buffer full, dropping oldest pending operation")
		if onDrop != nil {
			onDrop(*dropped, fmt.Errorf("%w: id %d", ErrBufferOverflow, dropped.ID))
		}
	}

	return p
}

// Ack removes the operation with the given id. It reports whether it was pending.
func (b *Buffer) Ack(id uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, p := range b.pending {
		if p.ID == id {
			b.pending = append(b.pending[:i], b.pending[i+1:]...)
			return true
		}
	}
	return false
}

// AckThrough removes every operation with an id up to and including id,
// for an ack that covers all older updates. It returns how many were removed.
func (b *Buffer) AckThrough(id uint64) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for n < len(b.pending) && b.pending[n].ID <= id {
		b.pending[n] = Pending{}
		n++
	}
	b.pending = b.pending[n:]
	return n
}

// Pending returns a copy of the buffer, oldest first
func (b *Buffer) Pending() []Pending {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Pending, len(b.pending))
	copy(out, b.pending)
	return out
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
