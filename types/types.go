// Package types defines the core protocol types for sluice result retrieval.
//
//nolint:revive // types is a common Go package naming convention
package types

// Record is a single sink output tagged with its absolute position in the
// result stream. Data is the serialized user value and is opaque to sluice.
type Record struct {
	// Offset is the monotonic logical position of this record.
	Offset int64 `msgpack:"offset" json:"offset"`
	// Data is the serialized record payload.
	Data []byte `msgpack:"data" json:"data"`
}

// CoordinationRequest asks the in-job coordinator for results starting at
// Offset within the given consumption epoch.
type CoordinationRequest struct {
	// Version is the epoch token of the consumption protocol. Empty before
	// the client has observed any epoch; the sink mints a new token whenever
	// continuity with a previous attempt is lost.
	Version string `msgpack:"version"`
	// Offset is the position the client next wants data from.
	Offset int64 `msgpack:"offset"`
}

// CoordinationResponse carries zero or more results covering a contiguous
// range starting at the requested offset. Responses may overlap or repeat
// across retries; the buffer discards already-covered offsets.
type CoordinationResponse struct {
	// Version is the epoch token this response belongs to.
	Version string `msgpack:"version"`
	// LastCheckpointedOffset is the highest offset the sink has durably
	// committed. Results at or beyond it may be re-produced after a failover.
	LastCheckpointedOffset int64 `msgpack:"last_checkpointed_offset"`
	// Results are the serialized record payloads, contiguous from the
	// requested offset.
	Results [][]byte `msgpack:"results"`
}

// TerminalSnapshot is the buffered-but-undelivered tail recovered from the
// job's final accumulated state after termination. It is the last-resort
// source of results the live protocol could not deliver before shutdown.
type TerminalSnapshot struct {
	// LastCheckpointedOffset is the absolute offset the snapshot response
	// starts from.
	LastCheckpointedOffset int64 `msgpack:"last_checkpointed_offset"`
	// Response holds the undelivered tail.
	Response *CoordinationResponse `msgpack:"response"`
}

// JobStatus is the coarse lifecycle state of a dataflow job.
type JobStatus string

// Job status constants.
const (
	StatusRunning    JobStatus = "running"
	StatusRestarting JobStatus = "restarting"
	StatusFinished   JobStatus = "finished"
	StatusFailed     JobStatus = "failed"
	StatusCanceled   JobStatus = "canceled"
)

// IsTerminal returns true if the job has reached a globally terminal state
// and will never produce further results.
func (s JobStatus) IsTerminal() bool {
	return s == StatusFinished || s == StatusFailed || s == StatusCanceled
}

// SessionMeta identifies one client-side read session. A session is bound
// to a single job and a single sink instance for its whole lifetime.
type SessionMeta struct {
	// SessionID is a unique identifier for this read session.
	SessionID string
	// JobID is the identifier of the job being read.
	JobID string
	// OperatorID is the stable identifier of the sink's coordinator,
	// the target for coordination requests.
	OperatorID string
}

// FinalResult is the job's final execution result, retrievable only after
// the job has terminated. Accumulator values are lists of opaque byte
// blocks keyed by accumulator name.
type FinalResult struct {
	Accumulators map[string][][]byte
}

// AccumulatorBlocks returns the byte blocks stored under name, or nil if
// the accumulator is absent (abnormal termination).
func (r *FinalResult) AccumulatorBlocks(name string) [][]byte {
	if r == nil || r.Accumulators == nil {
		return nil
	}
	return r.Accumulators[name]
}
