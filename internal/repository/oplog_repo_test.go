package repository

import (
	"context"
	"testing"
	"time"

	"collabsync/internal/clock"
	"collabsync/internal/db/dbtest"
	"collabsync/internal/models"
)

func entry(docID string, seq uint64, at time.Time) *models.OperationLogEntry {
	return &models.OperationLogEntry{
		DocumentID:       docID,
		SequenceNumber:   seq,
		AuthorID:         "alice",
		Payload:          []byte{byte(seq)},
		VectorClock:      clock.VectorClock{"alice": seq},
		LamportTimestamp: seq + 1,
		Timestamp:        at,
	}
}

func TestAppendAndQuery(t *testing.T) {
	log := NewOperationLogRepository(dbtest.Open(t))
	ctx := context.Background()
	now := time.Now()

	for seq := uint64(1); seq <= 5; seq++ {
		if err := log.Append(ctx, entry("doc", seq, now)); err != nil {
			t.Fatalf("Append %d: %v", seq, err)
		}
	}
	log.Append(ctx, entry("other", 1, now))

	tests := []struct {
		after uint64
		want  []uint64
	}{
		{0, []uint64{1, 2, 3, 4, 5}},
		{3, []uint64{4, 5}},
		{5, nil},
	}

	for _, tt := range tests {
		got, err := log.Query(ctx, "doc", tt.after)
		if err != nil {
			t.Fatalf("Query(%d): %v", tt.after, err)
		}
		if len(got) != len(tt.want) {
			t.Fatalf("Query(%d) returned %d entries, want %d", tt.after, len(got), len(tt.want))
		}
		for i, e := range got {
			if e.SequenceNumber != tt.want[i] {
				t.Errorf("Query(%d)[%d] = seq %d, want %d", tt.after, i, e.SequenceNumber, tt.want[i])
			}
		}
	}

	got, _ := log.Query(ctx, "doc", 1)
	if got[0].VectorClock.Get("alice") != 2 || got[0].AuthorID != "alice" {
		t.Errorf("entry round trip = %+v", got[0])
	}
}

func TestAppendRejectsDuplicateSequence(t *testing.T) {
	log := NewOperationLogRepository(dbtest.Open(t))
	ctx := context.Background()

	if err := log.Append(ctx, entry("doc", 1, time.Now())); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := log.Append(ctx, entry("doc", 1, time.Now())); err == nil {
		t.Fatal("expected unique violation for repeated sequence")
	}
}

func TestLatestSequence(t *testing.T) {
	log := NewOperationLogRepository(dbtest.Open(t))
	ctx := context.Background()

	seq, err := log.LatestSequence(ctx, "doc")
	if err != nil || seq != 0 {
		t.Fatalf("empty log: seq %d err %v", seq, err)
	}

	log.Append(ctx, entry("doc", 1, time.Now()))
	log.Append(ctx, entry("doc", 2, time.Now()))

	seq, err = log.LatestSequence(ctx, "doc")
	if err != nil || seq != 2 {
		t.Fatalf("seq %d err %v, want 2", seq, err)
	}
}

func TestPurgeKeepsEntriesAfterSnapshot(t *testing.T) {
	gdb := dbtest.Open(t)
	docs := NewDocumentRepository(gdb)
	log := NewOperationLogRepository(gdb)
	ctx := context.Background()

	doc, _ := docs.Create(ctx, "d", "alice", nil)
	old := time.Now().Add(-40 * 24 * time.Hour)
	for seq := uint64(1); seq <= 4; seq++ {
		log.Append(ctx, entry(doc.ID, seq, old))
	}
	log.Append(ctx, entry(doc.ID, 5, time.Now()))

	docs.Save(ctx, &models.Snapshot{DocumentID: doc.ID, Version: 2, VectorClock: clock.New()})

	purged, err := log.PurgeOlderThan(ctx, time.Now().Add(-30*24*time.Hour))
	if err != nil {
		t.Fatalf("PurgeOlderThan: %v", err)
	}
	if purged != 2 {
		t.Errorf("purged %d entries, want 2", purged)
	}

	rest, _ := log.Query(ctx, doc.ID, 0)
	if len(rest) != 3 || rest[0].SequenceNumber != 3 {
		t.Errorf("remaining = %d entries starting at %d", len(rest), rest[0].SequenceNumber)
	}

	if err := log.DeleteByDocument(ctx, doc.ID); err != nil {
		t.Fatalf("DeleteByDocument: %v", err)
	}
	rest, _ = log.Query(ctx, doc.ID, 0)
	if len(rest) != 0 {
		t.Errorf("log not deleted: %d entries", len(rest))
	}
}
