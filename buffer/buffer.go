// Package buffer implements the result buffer contract for sluice.
//
// A Buffer holds received-but-undelivered results, merges coordination
// responses by absolute offset, and decides which records are visible to
// the caller. Two delivery variants exist:
//   - ExactlyOnce: deduplicates by offset and bounds visibility by the
//     sink's last checkpointed offset, so an emitted record is never
//     retracted or repeated even across sink restarts.
//   - BestEffort: forwards everything as it arrives; records after the
//     last checkpoint may be re-emitted when the sink restarts.
//
// Buffers are mutated only by the fetch loop (single writer); Stats may be
// read concurrently.
package buffer

import (
	"errors"

	"github.com/pithecene-io/sluice/types"
)

// ErrOffsetGap is returned when a response starts beyond the buffer's
// high-water offset. Responses are contiguous from the requested offset,
// so a gap means the caller paired a response with the wrong request.
var ErrOffsetGap = errors.New("response leaves a gap in the result stream")

// ErrFinalized is returned when ingesting into or re-finalizing an
// already finalized buffer.
var ErrFinalized = errors.New("buffer already finalized")

// Buffer is the result buffer contract the fetch loop depends on.
//
// Invariants:
//   - Next returns records in strictly increasing offset order with no
//     gaps within one epoch.
//   - Ingest is idempotent with respect to overlapping or replayed
//     responses; covered offsets are merged at most once.
//   - After Finalize, Next eventually returns nil once drained and then
//     returns nil forever.
type Buffer interface {
	// Next pops one delivery-ready record, or nil if the locally held
	// visible prefix is exhausted.
	Next() *types.Record

	// Offset is the position the next coordination request must resume from.
	Offset() int64

	// Version is the consumption epoch the next request must carry.
	// Empty until the first response has been ingested.
	Version() string

	// Ingest merges a live response into the buffer. requestedOffset is the
	// offset the paired request asked for; response results are contiguous
	// from it.
	Ingest(resp *types.CoordinationResponse, requestedOffset int64) error

	// Finalize merges the terminal snapshot as the authoritative tail and
	// closes the buffer.
	Finalize(snap *types.TerminalSnapshot) error

	// Stats returns an atomic snapshot of buffer counters.
	Stats() Stats
}

// Stats represents buffer observability counters.
type Stats struct {
	// ResponsesIngested is the number of responses merged.
	ResponsesIngested int64
	// RecordsBuffered is the number of distinct records accepted.
	RecordsBuffered int64
	// RecordsDiscarded is the number of results skipped as duplicates of
	// already-covered offsets.
	RecordsDiscarded int64
	// RecordsEmitted is the number of records handed to the caller.
	RecordsEmitted int64
	// RecordsRolledBack is the number of buffered records dropped on epoch
	// changes (exactly-once only).
	RecordsRolledBack int64
	// EpochChanges is the number of observed consumption epoch changes.
	EpochChanges int64
	// Finalized reports whether the terminal snapshot has been merged.
	Finalized bool
}
