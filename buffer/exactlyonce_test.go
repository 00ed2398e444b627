package buffer_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/pithecene-io/sluice/buffer"
	"github.com/pithecene-io/sluice/types"
)

// results builds serialized payloads "rec<start>".."rec<start+n-1>".
func results(start, n int) [][]byte {
	out := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, fmt.Appendf(nil, "rec%d", start+i))
	}
	return out
}

func response(version string, committed int64, start, n int) *types.CoordinationResponse {
	return &types.CoordinationResponse{
		Version:                version,
		LastCheckpointedOffset: committed,
		Results:                results(start, n),
	}
}

// drain pops records until the buffer reports exhaustion.
func drain(b buffer.Buffer) []*types.Record {
	var recs []*types.Record
	for {
		rec := b.Next()
		if rec == nil {
			return recs
		}
		recs = append(recs, rec)
	}
}

func TestExactlyOnce_VisibilityBoundedByCheckpoint(t *testing.T) {
	b := buffer.NewExactlyOnce()

	// Five records buffered, only three checkpointed.
	if err := b.Ingest(response("v1", 3, 0, 5), 0); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	recs := drain(b)
	if len(recs) != 3 {
		t.Fatalf("expected 3 visible records, got %d", len(recs))
	}
	for i, rec := range recs {
		if rec.Offset != int64(i) {
			t.Errorf("record %d has offset %d", i, rec.Offset)
		}
	}

	// Next request resumes after everything buffered, not after the
	// visibility bound.
	if b.Offset() != 5 {
		t.Errorf("Offset() = %d, want 5", b.Offset())
	}
	if b.Version() != "v1" {
		t.Errorf("Version() = %q, want v1", b.Version())
	}
}

func TestExactlyOnce_ReplayedResponsesDeduplicated(t *testing.T) {
	b := buffer.NewExactlyOnce()

	// The same response delivered three times, then an overlapping one.
	for range 3 {
		if err := b.Ingest(response("v1", 5, 0, 5), 0); err != nil {
			t.Fatalf("ingest: %v", err)
		}
	}
	if err := b.Ingest(response("v1", 10, 3, 7), 3); err != nil {
		t.Fatalf("overlapping ingest: %v", err)
	}

	recs := drain(b)
	if len(recs) != 10 {
		t.Fatalf("expected 10 records, got %d", len(recs))
	}
	for i, rec := range recs {
		if rec.Offset != int64(i) {
			t.Errorf("record %d has offset %d, want %d", i, rec.Offset, i)
		}
		want := fmt.Sprintf("rec%d", i)
		if string(rec.Data) != want {
			t.Errorf("record %d data = %q, want %q", i, rec.Data, want)
		}
	}

	stats := b.Stats()
	if stats.RecordsBuffered != 10 {
		t.Errorf("RecordsBuffered = %d, want 10", stats.RecordsBuffered)
	}
	if stats.RecordsDiscarded != 13 {
		t.Errorf("RecordsDiscarded = %d, want 13", stats.RecordsDiscarded)
	}
}

func TestExactlyOnce_EpochChangeRollsBackUncommitted(t *testing.T) {
	b := buffer.NewExactlyOnce()

	// Records 0..7 buffered, 4 committed. Emit the visible prefix.
	if err := b.Ingest(response("v1", 4, 0, 8), 0); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	emitted := drain(b)
	if len(emitted) != 4 {
		t.Fatalf("expected 4 emitted, got %d", len(emitted))
	}

	// Sink restarts from its checkpoint: new epoch re-produces 4.. with
	// different content.
	resp := &types.CoordinationResponse{
		Version:                "v2",
		LastCheckpointedOffset: 4,
		Results:                [][]byte{[]byte("redo4"), []byte("redo5")},
	}
	if err := b.Ingest(resp, 4); err != nil {
		t.Fatalf("epoch-change ingest: %v", err)
	}

	if b.Version() != "v2" {
		t.Errorf("Version() = %q, want v2", b.Version())
	}
	if b.Offset() != 6 {
		t.Errorf("Offset() = %d, want 6", b.Offset())
	}

	stats := b.Stats()
	if stats.EpochChanges != 1 {
		t.Errorf("EpochChanges = %d, want 1", stats.EpochChanges)
	}
	if stats.RecordsRolledBack != 4 {
		t.Errorf("RecordsRolledBack = %d, want 4", stats.RecordsRolledBack)
	}

	// After the next checkpoint the re-produced records become visible,
	// exactly once, with the new epoch's content.
	if err := b.Ingest(response("v2", 6, 6, 0), 6); err != nil {
		t.Fatalf("checkpoint advance: %v", err)
	}
	recs := drain(b)
	if len(recs) != 2 {
		t.Fatalf("expected 2 records after rollback, got %d", len(recs))
	}
	if recs[0].Offset != 4 || string(recs[0].Data) != "redo4" {
		t.Errorf("got offset=%d data=%q, want 4/redo4", recs[0].Offset, recs[0].Data)
	}
}

func TestExactlyOnce_FinalizeLiftsVisibilityAndCloses(t *testing.T) {
	b := buffer.NewExactlyOnce()

	if err := b.Ingest(response("v1", 2, 0, 4), 0); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if got := len(drain(b)); got != 2 {
		t.Fatalf("expected 2 visible before finalize, got %d", got)
	}

	// Terminal snapshot carries the undelivered tail from offset 4.
	snap := &types.TerminalSnapshot{
		LastCheckpointedOffset: 4,
		Response:               response("v1", 4, 4, 3),
	}
	if err := b.Finalize(snap); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	recs := drain(b)
	if len(recs) != 5 {
		t.Fatalf("expected 5 records after finalize, got %d", len(recs))
	}
	for i, rec := range recs {
		if rec.Offset != int64(i+2) {
			t.Errorf("record %d offset = %d, want %d", i, rec.Offset, i+2)
		}
	}

	// Exhaustion is idempotent.
	for range 3 {
		if rec := b.Next(); rec != nil {
			t.Fatalf("expected nil after drain, got offset %d", rec.Offset)
		}
	}

	if err := b.Finalize(snap); !errors.Is(err, buffer.ErrFinalized) {
		t.Errorf("second finalize: expected ErrFinalized, got %v", err)
	}
	if err := b.Ingest(response("v1", 9, 7, 1), 7); !errors.Is(err, buffer.ErrFinalized) {
		t.Errorf("ingest after finalize: expected ErrFinalized, got %v", err)
	}
	if !b.Stats().Finalized {
		t.Error("Stats().Finalized should be true")
	}
}

func TestExactlyOnce_FinalizeAlignsForward(t *testing.T) {
	b := buffer.NewExactlyOnce()

	// Fresh buffer; everything before offset 10 was acknowledged by a
	// previous session, so the snapshot tail starts there.
	snap := &types.TerminalSnapshot{
		LastCheckpointedOffset: 10,
		Response:               response("v1", 10, 10, 5),
	}
	if err := b.Finalize(snap); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	recs := drain(b)
	if len(recs) != 5 {
		t.Fatalf("expected 5 records, got %d", len(recs))
	}
	if recs[0].Offset != 10 || recs[4].Offset != 14 {
		t.Errorf("offsets %d..%d, want 10..14", recs[0].Offset, recs[4].Offset)
	}
}

func TestExactlyOnce_GapRejected(t *testing.T) {
	b := buffer.NewExactlyOnce()

	err := b.Ingest(response("v1", 10, 10, 2), 10)
	if !errors.Is(err, buffer.ErrOffsetGap) {
		t.Errorf("expected ErrOffsetGap, got %v", err)
	}
}

func TestExactlyOnce_EmptyResponseAdvancesNothing(t *testing.T) {
	b := buffer.NewExactlyOnce()

	if err := b.Ingest(response("v1", 0, 0, 0), 0); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if b.Offset() != 0 {
		t.Errorf("Offset() = %d, want 0", b.Offset())
	}
	if rec := b.Next(); rec != nil {
		t.Errorf("expected nil, got offset %d", rec.Offset)
	}
}
