// Package metrics provides per-session metrics collection for sluice.
//
// The Collector accumulates counters during a single read session. It is a
// leaf package with no internal dependencies. Buffer counters are absorbed
// from buffer.Stats at session end rather than recorded live, avoiding
// double-counting.
package metrics

import "sync"

// Snapshot is an immutable point-in-time view of session metrics.
// Returned by Collector.Snapshot(). Safe to read concurrently after creation.
type Snapshot struct {
	// Coordination
	RequestsSent       int64
	ResponsesReceived  int64
	TransientErrors    int64
	TransientByKind    map[string]int64
	UnclassifiedErrors int64

	// Lifecycle
	StatusQueries         int64
	StatusFailuresAssumed int64
	RetriesSlept          int64
	SnapshotFetches       int64
	SnapshotFailures      int64

	// Delivery (absorbed from buffer.Stats at session end)
	RecordsEmitted   int64
	RecordsDiscarded int64
	EpochChanges     int64

	// Dimensions (informational, set at construction)
	Delivery   string
	Transport  string
	JobID      string
	OperatorID string
}

// Collector accumulates metrics during a single read session.
// Thread-safe via sync.Mutex. All increment methods are nil-receiver safe.
type Collector struct {
	mu sync.Mutex

	requestsSent       int64
	responsesReceived  int64
	transientErrors    int64
	transientByKind    map[string]int64
	unclassifiedErrors int64

	statusQueries         int64
	statusFailuresAssumed int64
	retriesSlept          int64
	snapshotFetches       int64
	snapshotFailures      int64

	recordsEmitted   int64
	recordsDiscarded int64
	epochChanges     int64

	delivery   string
	transport  string
	jobID      string
	operatorID string
}

// NewCollector creates a Collector with dimension labels.
// delivery and transport are required; jobID and operatorID are optional.
func NewCollector(delivery, transport, jobID, operatorID string) *Collector {
	return &Collector{
		transientByKind: make(map[string]int64),
		delivery:        delivery,
		transport:       transport,
		jobID:           jobID,
		operatorID:      operatorID,
	}
}

// IncRequestSent records one coordination request issued.
func (c *Collector) IncRequestSent() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.requestsSent++
	c.mu.Unlock()
}

// IncResponseReceived records one coordination response processed.
func (c *Collector) IncResponseReceived() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.responsesReceived++
	c.mu.Unlock()
}

// IncTransientError records a known transient control-plane condition.
func (c *Collector) IncTransientError(kind string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.transientErrors++
	c.transientByKind[kind]++
	c.mu.Unlock()
}

// IncUnclassifiedError records a retried error outside the known taxonomy.
func (c *Collector) IncUnclassifiedError() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.unclassifiedErrors++
	c.mu.Unlock()
}

// IncStatusQuery records one job status query.
func (c *Collector) IncStatusQuery() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.statusQueries++
	c.mu.Unlock()
}

// IncStatusFailureAssumedTerminal records a failed status query that was
// conservatively treated as job termination.
func (c *Collector) IncStatusFailureAssumedTerminal() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.statusFailuresAssumed++
	c.mu.Unlock()
}

// IncRetrySlept records one backoff sleep between fetch attempts.
func (c *Collector) IncRetrySlept() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.retriesSlept++
	c.mu.Unlock()
}

// IncSnapshotFetch records a terminal snapshot retrieval attempt.
func (c *Collector) IncSnapshotFetch() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.snapshotFetches++
	c.mu.Unlock()
}

// IncSnapshotFailure records a fatal terminal snapshot failure.
func (c *Collector) IncSnapshotFailure() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.snapshotFailures++
	c.mu.Unlock()
}

// AbsorbBufferStats copies delivery counters from the buffer at session
// end. Call once; repeated calls overwrite, they do not accumulate.
func (c *Collector) AbsorbBufferStats(emitted, discarded, epochChanges int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.recordsEmitted = emitted
	c.recordsDiscarded = discarded
	c.epochChanges = epochChanges
	c.mu.Unlock()
}

// Snapshot returns a consistent copy of all counters and dimensions.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	byKind := make(map[string]int64, len(c.transientByKind))
	for k, v := range c.transientByKind {
		byKind[k] = v
	}

	return Snapshot{
		RequestsSent:       c.requestsSent,
		ResponsesReceived:  c.responsesReceived,
		TransientErrors:    c.transientErrors,
		TransientByKind:    byKind,
		UnclassifiedErrors: c.unclassifiedErrors,

		StatusQueries:         c.statusQueries,
		StatusFailuresAssumed: c.statusFailuresAssumed,
		RetriesSlept:          c.retriesSlept,
		SnapshotFetches:       c.snapshotFetches,
		SnapshotFailures:      c.snapshotFailures,

		RecordsEmitted:   c.recordsEmitted,
		RecordsDiscarded: c.recordsDiscarded,
		EpochChanges:     c.epochChanges,

		Delivery:   c.delivery,
		Transport:  c.transport,
		JobID:      c.jobID,
		OperatorID: c.operatorID,
	}
}
