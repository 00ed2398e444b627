// Package fetcher implements the client-side result retrieval loop.
//
// A Fetcher presents the output of a sink embedded in a running dataflow
// job as a single blocking record stream with no gaps and no duplicates,
// regardless of whether the job is running, failing over, or already
// terminated when the caller asks for more data.
//
// The loop drains the local buffer first, then either polls the in-job
// coordinator (job running) or consumes the terminal snapshot from the
// job's final accumulators (job terminated). Transient control-plane
// errors are absorbed and retried; only terminal-snapshot failures escape
// to the caller, as a *RetrievalError.
package fetcher

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/pithecene-io/sluice/buffer"
	"github.com/pithecene-io/sluice/coord"
	"github.com/pithecene-io/sluice/log"
	"github.com/pithecene-io/sluice/metrics"
	"github.com/pithecene-io/sluice/types"
	"github.com/pithecene-io/sluice/wire"
)

// Defaults for Options.
const (
	// DefaultRetryInterval is the sleep between fetch attempts when the
	// buffer is empty.
	DefaultRetryInterval = 100 * time.Millisecond
	// DefaultFetchTimeout bounds the wait for the final execution result.
	// The final-result future has no inherent bound, so an exceeded
	// timeout surfaces as a retrieval failure.
	DefaultFetchTimeout = 10 * time.Minute
	// DefaultAccumulatorName is the accumulator the sink stores its
	// terminal snapshot under.
	DefaultAccumulatorName = "sluice-results"
)

// Options configures a Fetcher.
type Options struct {
	// OperatorID is the target for coordination requests (required).
	OperatorID string
	// AccumulatorName is the accumulator holding the terminal snapshot.
	// Defaults to DefaultAccumulatorName.
	AccumulatorName string
	// RetryInterval is the sleep between fetch attempts. Zero means
	// DefaultRetryInterval; negative disables sleeping.
	RetryInterval time.Duration
	// FetchTimeout bounds the final-result wait. Zero means
	// DefaultFetchTimeout.
	FetchTimeout time.Duration
	// Logger is an optional logger for loop observability.
	Logger *log.Logger
	// Metrics is an optional collector; nil disables collection.
	Metrics *metrics.Collector
}

// Fetcher retrieves sink results with exactly-once semantics (given an
// exactly-once buffer). Next is not safe for concurrent callers; Close may
// be called from any goroutine.
type Fetcher struct {
	buf  buffer.Buffer
	jobs coord.JobClient
	gw   coord.Gateway
	opts Options

	mu sync.Mutex
	// terminated latches once the terminal snapshot has been consumed.
	// After that the fetcher never queries status or sends requests again.
	terminated bool
	// closed latches on Close; subsequent Next calls return io.EOF
	// without further I/O.
	closed  bool
	closeCh chan struct{}
}

// New creates a Fetcher bound to one job and one sink instance.
func New(buf buffer.Buffer, jobs coord.JobClient, gw coord.Gateway, opts Options) (*Fetcher, error) {
	if opts.OperatorID == "" {
		return nil, &RetrievalError{Op: "configure", Err: errMissingOperator}
	}
	if opts.AccumulatorName == "" {
		opts.AccumulatorName = DefaultAccumulatorName
	}
	if opts.RetryInterval == 0 {
		opts.RetryInterval = DefaultRetryInterval
	}
	if opts.FetchTimeout == 0 {
		opts.FetchTimeout = DefaultFetchTimeout
	}

	return &Fetcher{
		buf:     buf,
		jobs:    jobs,
		gw:      gw,
		opts:    opts,
		closeCh: make(chan struct{}),
	}, nil
}

// Next returns the next record in logical order, blocking until one is
// available. It returns io.EOF once the job has terminated and the buffer
// is fully drained, or immediately after Close. A *RetrievalError is
// returned when the terminal snapshot cannot be obtained; context errors
// are returned as-is.
func (f *Fetcher) Next(ctx context.Context) (*types.Record, error) {
	// Avoid sleeping before the first try: the common case is a record
	// already sitting in the buffer.
	firstTry := true

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if f.isClosed() {
			return nil, io.EOF
		}

		if rec := f.buf.Next(); rec != nil {
			// Still have user-visible results; no network call needed.
			return rec, nil
		}
		if f.isTerminated() {
			// Buffer is permanently empty.
			return nil, io.EOF
		}

		if !firstTry {
			// No results but the job is still running; sleep before retry.
			if err := f.sleepBeforeRetry(ctx); err != nil {
				return nil, err
			}
			if f.isClosed() {
				return nil, io.EOF
			}
		}
		firstTry = false

		if f.isJobTerminated(ctx) {
			snap, err := f.fetchTerminalSnapshot(ctx)
			if err != nil {
				return nil, err
			}
			if err := f.buf.Finalize(snap); err != nil {
				return nil, &RetrievalError{Op: "finalize", Err: err}
			}
			f.setTerminated()
			continue
		}

		// Job still running; try to fetch some results. The response will
		// contain data (if any) starting exactly from the requested offset.
		reqOffset := f.buf.Offset()
		req := &types.CoordinationRequest{Version: f.buf.Version(), Offset: reqOffset}

		f.opts.Metrics.IncRequestSent()
		resp, err := f.gw.Send(ctx, f.opts.OperatorID, req)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			f.logSendFailure(err)
			continue
		}
		f.opts.Metrics.IncResponseReceived()

		if err := f.buf.Ingest(resp, reqOffset); err != nil {
			// A merge rejection leaves the buffer unchanged; the next
			// iteration re-requests from the buffer's own position.
			f.logWarn("discarding unmergeable coordination response", map[string]any{
				"error":            err.Error(),
				"requested_offset": reqOffset,
			})
		}
	}
}

// Close marks the fetcher closed and, if the job is not already terminal,
// requests its cancellation. Idempotent. After Close, Next returns io.EOF
// without further I/O.
func (f *Fetcher) Close(ctx context.Context) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	terminated := f.terminated
	close(f.closeCh)
	f.mu.Unlock()

	if terminated {
		return nil
	}
	if f.isJobTerminated(ctx) {
		return nil
	}
	return f.jobs.Cancel(ctx)
}

func (f *Fetcher) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *Fetcher) isTerminated() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.terminated
}

func (f *Fetcher) setTerminated() {
	f.mu.Lock()
	f.terminated = true
	f.mu.Unlock()
}

// isJobTerminated queries live job status. A failed query is treated as
// proof of termination: deployment environments disagree on how a finished
// job's status reads (some answer normally, some error), so the loop
// trades a possible small data loss for guaranteed forward progress.
func (f *Fetcher) isJobTerminated(ctx context.Context) bool {
	f.opts.Metrics.IncStatusQuery()

	status, err := f.jobs.Status(ctx)
	if err != nil {
		f.opts.Metrics.IncStatusFailureAssumedTerminal()
		f.logWarn("failed to get job status so we assume that the job has terminated; some data might be lost", map[string]any{
			"error": err.Error(),
		})
		return true
	}
	return status.IsTerminal()
}

// fetchTerminalSnapshot awaits the final execution result, extracts the
// named accumulator, and decodes the snapshot. All failures here are
// fatal: a terminated job's state will not change.
func (f *Fetcher) fetchTerminalSnapshot(ctx context.Context) (*types.TerminalSnapshot, error) {
	f.opts.Metrics.IncSnapshotFetch()

	waitCtx, cancel := context.WithTimeout(ctx, f.opts.FetchTimeout)
	defer cancel()

	result, err := f.jobs.FinalResult(waitCtx)
	if err != nil {
		f.opts.Metrics.IncSnapshotFailure()
		return nil, &RetrievalError{Op: "final-result", Err: err}
	}

	blocks := result.AccumulatorBlocks(f.opts.AccumulatorName)
	if blocks == nil {
		f.opts.Metrics.IncSnapshotFailure()
		return nil, &RetrievalError{Op: "accumulator", Err: ErrAccumulatorMissing}
	}

	snap, err := wire.DecodeSnapshot(blocks)
	if err != nil {
		f.opts.Metrics.IncSnapshotFailure()
		return nil, &RetrievalError{Op: "snapshot-decode", Err: err}
	}
	return snap, nil
}

// sleepBeforeRetry waits one retry interval. The wait is cut short by
// context cancellation (returned) or Close (observed at loop re-entry).
func (f *Fetcher) sleepBeforeRetry(ctx context.Context) error {
	if f.opts.RetryInterval < 0 {
		return nil
	}

	f.opts.Metrics.IncRetrySlept()

	// TODO a more proper retry strategy?
	timer := time.NewTimer(f.opts.RetryInterval)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-f.closeCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// logSendFailure logs a coordination failure at a severity chosen by the
// transient taxonomy. Every branch is retried identically; the taxonomy
// only drives diagnostics.
func (f *Fetcher) logSendFailure(err error) {
	switch {
	case errors.Is(err, coord.ErrExecutionNotStarted):
		f.opts.Metrics.IncTransientError("not_started")
		f.logDebug("the job execution has not started yet; cannot fetch results", err)
	case errors.Is(err, coord.ErrJobNotFound):
		f.opts.Metrics.IncTransientError("job_not_found")
		f.logDebug("the job cannot be found; it is very likely not in a running state", err)
	case errors.Is(err, coord.ErrCoordinatorNotFound):
		f.opts.Metrics.IncTransientError("coordinator_missing")
		f.logDebug("the coordinator does not exist", err)
	default:
		f.opts.Metrics.IncUnclassifiedError()
		f.logWarn("an error occurred when fetching query results", map[string]any{
			"error": err.Error(),
		})
	}
}

func (f *Fetcher) logDebug(message string, err error) {
	if f.opts.Logger == nil {
		return
	}
	f.opts.Logger.Debug(message, map[string]any{"error": err.Error()})
}

func (f *Fetcher) logWarn(message string, fields map[string]any) {
	if f.opts.Logger == nil {
		return
	}
	f.opts.Logger.Warn(message, fields)
}
