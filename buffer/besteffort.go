package buffer

import (
	"sync"

	"github.com/pithecene-io/sluice/types"
)

// BestEffort is the buffer variant without delivery guarantees across sink
// restarts. Every ingested record is immediately visible; when the sink
// loses continuity (epoch change) the stream resumes from the last
// checkpointed offset, so records beyond it may be emitted twice.
//
// Within a single epoch, replayed responses are still deduplicated by
// offset, so plain RPC retries do not duplicate records.
type BestEffort struct {
	mu sync.Mutex

	version   string
	queue     []*types.Record
	highWater int64
	closed    bool

	stats Stats
}

// NewBestEffort creates a best-effort buffer starting at offset zero.
func NewBestEffort() *BestEffort {
	return &BestEffort{}
}

// Next pops the next record, or nil if the buffer is empty.
func (b *BestEffort) Next() *types.Record {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.queue) == 0 {
		return nil
	}
	head := b.queue[0]
	b.queue = b.queue[1:]
	b.stats.RecordsEmitted++
	return head
}

// Offset returns the resumption point for the next coordination request.
func (b *BestEffort) Offset() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.highWater
}

// Version returns the adopted consumption epoch.
func (b *BestEffort) Version() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.version
}

// Ingest merges a live response.
func (b *BestEffort) Ingest(resp *types.CoordinationResponse, requestedOffset int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrFinalized
	}
	return b.merge(resp, requestedOffset)
}

// Finalize merges the terminal snapshot and closes the buffer.
func (b *BestEffort) Finalize(snap *types.TerminalSnapshot) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrFinalized
	}

	// Offsets before the snapshot tail were acknowledged by a previous
	// session; align forward rather than treating them as a gap.
	if snap.LastCheckpointedOffset > b.highWater {
		b.highWater = snap.LastCheckpointedOffset
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
func (b *BestEffort) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// merge reconciles one response into the queue. Caller must hold mu.
func (b *BestEffort) merge(resp *types.CoordinationResponse, requestedOffset int64) error {
	if resp == nil {
		return nil
	}

	switch {
	case b.version == "":
		b.version = resp.Version
	case resp.Version != b.version:
		// Sink restarted; resume from its checkpoint and accept the
		// resulting duplicates.
		if resp.LastCheckpointedOffset < b.highWater {
			b.highWater = resp.LastCheckpointedOffset
		}
		b.version = resp.Version
		b.stats.EpochChanges++
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

// Verify BestEffort implements Buffer.
var _ Buffer = (*BestEffort)(nil)
