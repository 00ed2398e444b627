package buffer

import (
	"sync"

	"github.com/pithecene-io/sluice/types"
)

// ExactlyOnce is the checkpoint-aware buffer variant.
//
// Visibility rule: a record becomes visible only once its offset is below
// the sink's last checkpointed offset. Emitted records are therefore
// durable on the sink side and can never be re-produced with different
// content, which is what makes epoch rollback safe: when the sink restarts
// from its checkpoint, only invisible buffered records are dropped.
//
// Thread safety: mu guards all state. The fetch loop is the single writer;
// Stats may be read from other goroutines.
type ExactlyOnce struct {
	mu sync.Mutex

	version string
	// queue holds contiguous buffered records awaiting emission.
	queue []*types.Record
	// highWater is the offset after the last queued record, and the
	// resumption point for the next request.
	highWater int64
	// committed is the sink's last checkpointed offset; records below it
	// are visible.
	committed int64
	closed    bool

	stats Stats
}

// NewExactlyOnce creates an exactly-once buffer starting at offset zero.
func NewExactlyOnce() *ExactlyOnce {
	return &ExactlyOnce{}
}

// Next pops the next visible record, or nil if none is ready.
func (b *ExactlyOnce) Next() *types.Record {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.queue) == 0 {
		return nil
	}
	head := b.queue[0]
	if !b.closed && head.Offset >= b.committed {
		// Not yet checkpointed by the sink; a restart could re-produce it.
		return nil
	}

	b.queue = b.queue[1:]
	b.stats.RecordsEmitted++
	return head
}

// Offset returns the resumption point for the next coordination request.
func (b *ExactlyOnce) Offset() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.highWater
}

// Version returns the adopted consumption epoch.
func (b *ExactlyOnce) Version() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.version
}

// Ingest merges a live response. Safe to call with overlapping or replayed
// responses; only the suffix beyond the high-water offset is appended.
func (b *ExactlyOnce) Ingest(resp *types.CoordinationResponse, requestedOffset int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrFinalized
	}
	return b.merge(resp, requestedOffset)
}

// Finalize merges the terminal snapshot and closes the buffer. Every record
// buffered afterwards is visible: termination is the final checkpoint.
func (b *ExactlyOnce) Finalize(snap *types.TerminalSnapshot) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrFinalized
	}

	// The snapshot tail may start beyond our high-water mark when earlier
	// offsets were consumed and acknowledged by a previous session. There
	// is no continuity to preserve there; align forward.
	if snap.LastCheckpointedOffset > b.highWater {
		b.highWater = snap.LastCheckpointedOffset
	}
	if snap.LastCheckpointedOffset > b.committed {
		b.committed = snap.LastCheckpointedOffset
	}

	if snap.Response != nil {
		if err := b.merge(snap.Response, snap.LastCheckpointedOffset); err != nil {
			return err
		}
	}
	b.closed = true
	b.stats.Finalized = true
	return nil
}

// Stats returns an atomic snapshot of buffer counters.
func (b *ExactlyOnce) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// merge reconciles one response into the queue. Caller must hold mu.
func (b *ExactlyOnce) merge(resp *types.CoordinationResponse, requestedOffset int64) error {
	if resp == nil {
		return nil
	}

	switch {
	case b.version == "":
		b.version = resp.Version
	case resp.Version != b.version:
		// The sink restarted from its checkpoint and lost continuity with
		// the old epoch. Drop invisible buffered records; the new epoch
		// re-produces everything beyond the committed offset.
		b.rollback()
		b.version = resp.Version
		b.stats.EpochChanges++
	}

	if resp.LastCheckpointedOffset > b.committed {
		b.committed = resp.LastCheckpointedOffset
	}

	if requestedOffset > b.highWater {
		return ErrOffsetGap
	}

	for i, data := range resp.Results {
		offset := requestedOffset + int64(i)
		if offset < b.highWater {
			b.stats.RecordsDiscarded++
			continue
		}
		b.queue = append(b.queue, &types.Record{Offset: offset, Data: data})
		b.highWater = offset + 1
		b.stats.RecordsBuffered++
	}
	b.stats.ResponsesIngested++
	return nil
}

// rollback truncates buffered records at or beyond the committed offset.
// Caller must hold mu.
func (b *ExactlyOnce) rollback() {
	kept := b.queue[:0]
	for _, rec := range b.queue {
		if rec.Offset < b.committed {
			kept = append(kept, rec)
		} else {
			b.stats.RecordsRolledBack++
		}
	}
	b.queue = kept
	if b.highWater > b.committed {
		b.highWater = b.committed
	}
}

// Verify ExactlyOnce implements Buffer.
var _ Buffer = (*ExactlyOnce)(nil)
