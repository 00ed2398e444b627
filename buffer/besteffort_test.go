package buffer_test

import (
	"errors"
	"testing"

	"github.com/pithecene-io/sluice/buffer"
	"github.com/pithecene-io/sluice/types"
)

func TestBestEffort_ImmediateVisibility(t *testing.T) {
	b := buffer.NewBestEffort()

	// Nothing checkpointed yet; records are still visible right away.
	if err := b.Ingest(response("v1", 0, 0, 3), 0); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	recs := drain(b)
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recs))
	}
	for i, rec := range recs {
		if rec.Offset != int64(i) {
			t.Errorf("record %d offset = %d", i, rec.Offset)
		}
	}
}

func TestBestEffort_RetriesWithinEpochDeduplicated(t *testing.T) {
	b := buffer.NewBestEffort()

	for range 2 {
		if err := b.Ingest(response("v1", 0, 0, 4), 0); err != nil {
			t.Fatalf("ingest: %v", err)
		}
	}

	if got := len(drain(b)); got != 4 {
		t.Fatalf("expected 4 records, got %d", got)
	}
	if stats := b.Stats(); stats.RecordsDiscarded != 4 {
		t.Errorf("RecordsDiscarded = %d, want 4", stats.RecordsDiscarded)
	}
}

func TestBestEffort_EpochChangeMayDuplicate(t *testing.T) {
	b := buffer.NewBestEffort()

	if err := b.Ingest(response("v1", 2, 0, 4), 0); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	first := drain(b)
	if len(first) != 4 {
		t.Fatalf("expected 4 records, got %d", len(first))
	}

	// Sink restarted; stream resumes from the checkpoint, re-emitting 2..3.
	if err := b.Ingest(response("v2", 2, 2, 3), 2); err != nil {
		t.Fatalf("epoch-change ingest: %v", err)
	}
	if b.Offset() != 5 {
		t.Errorf("Offset() = %d, want 5", b.Offset())
	}

	second := drain(b)
	if len(second) != 3 {
		t.Fatalf("expected 3 re-emitted records, got %d", len(second))
	}
	if second[0].Offset != 2 {
		t.Errorf("re-emission starts at %d, want 2", second[0].Offset)
	}
	if stats := b.Stats(); stats.EpochChanges != 1 {
		t.Errorf("EpochChanges = %d, want 1", stats.EpochChanges)
	}
}

func TestBestEffort_Finalize(t *testing.T) {
	b := buffer.NewBestEffort()

	snap := &types.TerminalSnapshot{
		LastCheckpointedOffset: 0,
		Response:               response("v1", 0, 0, 2),
	}
	if err := b.Finalize(snap); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	if got := len(drain(b)); got != 2 {
		t.Fatalf("expected 2 records, got %d", got)
	}
	if rec := b.Next(); rec != nil {
		t.Errorf("expected nil after drain, got offset %d", rec.Offset)
	}
	if err := b.Ingest(response("v1", 2, 2, 1), 2); !errors.Is(err, buffer.ErrFinalized) {
		t.Errorf("expected ErrFinalized, got %v", err)
	}
}
