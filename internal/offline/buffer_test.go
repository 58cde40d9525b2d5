package offline

import (
	"errors"
	"testing"

	"collabsync/internal/clock"

	"github.com/rs/zerolog"
)

func TestEnqueueAssignsIncreasingIDs(t *testing.T) {
	b := NewBuffer(10, zerolog.Nop())

	var last uint64
	for i := 0; i < 5; i++ {
		p := b.Enqueue([]byte{byte(i)}, clock.VectorClock{"me": uint64(i)})
		if p.ID <= last {
			t.Fatalf("id %d not greater than %d", p.ID, last)
		}
		last = p.ID
	}

	// ids are never reused after acks
	b.Ack(last)
	if p := b.Enqueue([]byte{9}, nil); p.ID <= last {
		t.Errorf("id %d reused after ack of %d", p.ID, last)
	}
}

func TestAckRemovesOnlyMatching(t *testing.T) {
	b := NewBuffer(10, zerolog.Nop())
	p1 := b.Enqueue([]byte{1}, nil)
	p2 := b.Enqueue([]byte{2}, nil)
	p3 := b.Enqueue([]byte{3}, nil)

	if !b.Ack(p2.ID) {
		t.Fatal("Ack of pending id returned false")
	}
	if b.Ack(p2.ID) {
		t.Error("second Ack returned true")
	}
	if b.Ack(999) {
		t.Error("Ack of unknown id returned true")
	}

	pending := b.Pending()
	if len(pending) != 2 || pending[0].ID != p1.ID || pending[1].ID != p3.ID {
		t.Errorf("pending = %+v", pending)
	}
}

func TestAckThroughRetiresOlder(t *testing.T) {
	b := NewBuffer(0, zerolog.Nop())
	var ids []uint64
	for i := 0; i < 4; i++ {
		ids = append(ids, b.Enqueue([]byte{byte(i)}, nil).ID)
	}
	b.Ack(ids[1])

	if n := b.AckThrough(ids[2]); n != 2 {
		t.Errorf("AckThrough removed %d, want 2", n)
	}
	pending := b.Pending()
	if len(pending) != 1 || pending[0].ID != ids[3] {
		t.Errorf("pending = %v, want only %d", pending, ids[3])
	}
	if n := b.AckThrough(ids[2]); n != 0 {
		t.Errorf("second AckThrough removed %d", n)
	}
}

func TestOverflowDropsOldest(t *testing.T) {
	b := NewBuffer(3, zerolog.Nop())

	var dropped []uint64
	b.OnDrop(func(p Pending, err error) {
		if !errors.Is(err, ErrBufferOverflow) {
			t.Errorf("drop error = %v", err)
		}
		dropped = append(dropped, p.ID)
	})

	var ids []uint64
	for i := 0; i < 5; i++ {
		ids = append(ids, b.Enqueue([]byte{byte(i)}, nil).ID)
	}

	if b.Len() != 3 {
		t.Fatalf("len = %d, want 3", b.Len())
	}
	if len(dropped) != 2 || dropped[0] != ids[0] || dropped[1] != ids[1] {
		t.Errorf("dropped = %v, want %v", dropped, ids[:2])
	}

	pending := b.Pending()
	for i, p := range pending {
		if p.ID != ids[i+2] {
			t.Errorf("pending[%d] = %d, want %d", i, p.ID, ids[i+2])
		}
	}
}

func TestDefaultCapacity(t *testing.T) {
	b := NewBuffer(0, zerolog.Nop())
	drops := 0
	b.OnDrop(func(Pending, error) { drops++ })

	for i := 0; i < DefaultCapacity+1; i++ {
		b.Enqueue([]byte{1}, nil)
	}
	if b.Len() != DefaultCapacity || drops != 1 {
		t.Errorf("len %d drops %d", b.Len(), drops)
	}
}

func TestEnqueueClonesClock(t *testing.T) {
	b := NewBuffer(10, zerolog.Nop())
	vc := clock.VectorClock{"me": 1}
	b.Enqueue([]byte{1}, vc)
	vc.Increment("me")

	if got := b.Pending()[0].VectorClock.Get("me"); got != 1 {
		t.Errorf("buffered clock changed with caller's clock: %d", got)
	}
}
