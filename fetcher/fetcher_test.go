package fetcher_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/pithecene-io/sluice/buffer"
	"github.com/pithecene-io/sluice/coord"
	"github.com/pithecene-io/sluice/fetcher"
	"github.com/pithecene-io/sluice/metrics"
	"github.com/pithecene-io/sluice/types"
	"github.com/pithecene-io/sluice/wire"
)

// noSleep disables backoff sleeping for tests that do not exercise timing.
const noSleep = -1 * time.Millisecond

func results(start, n int) [][]byte {
	out := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, fmt.Appendf(nil, "rec%d", start+i))
	}
	return out
}

func snapshotBlocks(t *testing.T, snap *types.TerminalSnapshot) [][]byte {
	t.Helper()
	block, err := wire.EncodeSnapshot(snap)
	if err != nil {
		t.Fatalf("encode snapshot: %v", err)
	}
	return [][]byte{block}
}

func newFetcher(t *testing.T, jobs coord.JobClient, gw coord.Gateway, opts fetcher.Options) *fetcher.Fetcher {
	t.Helper()
	if opts.OperatorID == "" {
		opts.OperatorID = "collect-sink-1"
	}
	if opts.RetryInterval == 0 {
		opts.RetryInterval = noSleep
	}
	f, err := fetcher.New(buffer.NewExactlyOnce(), jobs, gw, opts)
	if err != nil {
		t.Fatalf("new fetcher: %v", err)
	}
	return f
}

func collectAll(t *testing.T, f *fetcher.Fetcher) []*types.Record {
	t.Helper()
	var recs []*types.Record
	for {
		rec, err := f.Next(t.Context())
		if errors.Is(err, io.EOF) {
			return recs
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		recs = append(recs, rec)
	}
}

func TestNew_RequiresOperatorID(t *testing.T) {
	_, err := fetcher.New(buffer.NewExactlyOnce(), coord.NewStubJobClient(), coord.NewStubGateway(), fetcher.Options{})
	if err == nil {
		t.Fatal("expected configuration error")
	}
}

func TestNext_TransientErrorsAreInvisible(t *testing.T) {
	// A "job not found" then a valid response: the caller sees every
	// offset exactly once and no error.
	gw := coord.NewStubGateway(
		coord.GatewayStep{Err: fmt.Errorf("send: %w", coord.ErrJobNotFound)},
		coord.GatewayStep{Resp: &types.CoordinationResponse{
			Version:                "v1",
			LastCheckpointedOffset: 5,
			Results:                results(0, 5),
		}},
	)
	jobs := coord.NewStubJobClient() // always running
	col := metrics.NewCollector("exactly_once", "stub", "job-1", "collect-sink-1")

	f := newFetcher(t, jobs, gw, fetcher.Options{Metrics: col})

	for want := 0; want < 5; want++ {
		rec, err := f.Next(t.Context())
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if rec.Offset != int64(want) {
			t.Fatalf("offset = %d, want %d", rec.Offset, want)
		}
	}

	reqs := gw.Requests()
	if len(reqs) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(reqs))
	}
	// The failed request must not advance the resumption offset.
	if reqs[0].Offset != 0 || reqs[1].Offset != 0 {
		t.Errorf("request offsets = %d, %d; want 0, 0", reqs[0].Offset, reqs[1].Offset)
	}

	snap := col.Snapshot()
	if snap.TransientByKind["job_not_found"] != 1 {
		t.Errorf("TransientByKind[job_not_found] = %d, want 1", snap.TransientByKind["job_not_found"])
	}
}

func TestNext_DrainsBufferBeforeAnyNetworkCall(t *testing.T) {
	gw := coord.NewStubGateway(
		coord.GatewayStep{Resp: &types.CoordinationResponse{
			Version:                "v1",
			LastCheckpointedOffset: 3,
			Results:                results(0, 3),
		}},
	)
	jobs := coord.NewStubJobClient()

	f := newFetcher(t, jobs, gw, fetcher.Options{})

	// First call fetches; the two following drain the buffer.
	for want := 0; want < 3; want++ {
		rec, err := f.Next(t.Context())
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if rec.Offset != int64(want) {
			t.Fatalf("offset = %d, want %d", rec.Offset, want)
		}
	}

	if got := jobs.StatusCalls(); got != 1 {
		t.Errorf("status queried %d times, want 1 (buffered records must not trigger I/O)", got)
	}
}

func TestNext_TerminalBeforeAnyResponse(t *testing.T) {
	jobs := coord.NewStubJobClient(coord.StatusStep{Status: types.StatusFinished})
	jobs.Final = &types.FinalResult{
		Accumulators: map[string][][]byte{
			fetcher.DefaultAccumulatorName: snapshotBlocks(t, &types.TerminalSnapshot{
				LastCheckpointedOffset: 0,
				Response: &types.CoordinationResponse{
					Version:                "v1",
					LastCheckpointedOffset: 3,
					Results:                results(0, 3),
				},
			}),
		},
	}
	gw := coord.NewStubGateway()
	col := metrics.NewCollector("exactly_once", "stub", "job-1", "collect-sink-1")

	f := newFetcher(t, jobs, gw, fetcher.Options{Metrics: col})

	recs := collectAll(t, f)
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recs))
	}
	if len(gw.Requests()) != 0 {
		t.Errorf("terminal job must not receive coordination requests, got %d", len(gw.Requests()))
	}
	if col.Snapshot().SnapshotFetches != 1 {
		t.Errorf("SnapshotFetches = %d, want 1", col.Snapshot().SnapshotFetches)
	}
}

func TestNext_ExhaustionIsIdempotentWithoutIO(t *testing.T) {
	jobs := coord.NewStubJobClient(coord.StatusStep{Status: types.StatusFinished})
	jobs.Final = &types.FinalResult{
		Accumulators: map[string][][]byte{
			fetcher.DefaultAccumulatorName: snapshotBlocks(t, &types.TerminalSnapshot{
				Response: &types.CoordinationResponse{Version: "v1"},
			}),
		},
	}

	f := newFetcher(t, jobs, coord.NewStubGateway(), fetcher.Options{})

	if recs := collectAll(t, f); len(recs) != 0 {
		t.Fatalf("expected empty stream, got %d records", len(recs))
	}
	statusCalls := jobs.StatusCalls()

	for range 3 {
		if _, err := f.Next(t.Context()); !errors.Is(err, io.EOF) {
			t.Fatalf("expected io.EOF, got %v", err)
		}
	}
	if jobs.StatusCalls() != statusCalls {
		t.Error("exhausted fetcher must not perform further I/O")
	}
}

func TestNext_RunningThenTerminalWithSnapshotTail(t *testing.T) {
	// Buffer empty, retry interval 50ms, job transitions running->finished
	// with snapshot (offset=10, rec10..rec14).
	jobs := coord.NewStubJobClient(
		coord.StatusStep{Status: types.StatusRunning},
		coord.StatusStep{Status: types.StatusFinished},
	)
	jobs.Final = &types.FinalResult{
		Accumulators: map[string][][]byte{
			fetcher.DefaultAccumulatorName: snapshotBlocks(t, &types.TerminalSnapshot{
				LastCheckpointedOffset: 10,
				Response: &types.CoordinationResponse{
					Version:                "v-final",
					LastCheckpointedOffset: 10,
					Results:                results(10, 5),
				},
			}),
		},
	}

	f := newFetcher(t, jobs, coord.NewStubGateway(), fetcher.Options{
		RetryInterval: 50 * time.Millisecond,
	})

	start := time.Now()
	rec, err := f.Next(t.Context())
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if rec.Offset != 10 || string(rec.Data) != "rec10" {
		t.Fatalf("first record = %d/%q, want 10/rec10", rec.Offset, rec.Data)
	}
	if elapsed < 50*time.Millisecond {
		t.Errorf("expected at least one retry interval of blocking, got %v", elapsed)
	}

	recs := collectAll(t, f)
	if len(recs) != 4 {
		t.Fatalf("expected 4 remaining records, got %d", len(recs))
	}
	if recs[3].Offset != 14 {
		t.Errorf("last offset = %d, want 14", recs[3].Offset)
	}
}

func TestNext_MissingAccumulatorIsFatal(t *testing.T) {
	jobs := coord.NewStubJobClient(coord.StatusStep{Status: types.StatusFailed})
	jobs.Final = &types.FinalResult{Accumulators: map[string][][]byte{}}

	f := newFetcher(t, jobs, coord.NewStubGateway(), fetcher.Options{})

	_, err := f.Next(t.Context())
	var retErr *fetcher.RetrievalError
	if !errors.As(err, &retErr) {
		t.Fatalf("expected *RetrievalError, got %v", err)
	}
	if !errors.Is(err, fetcher.ErrAccumulatorMissing) {
		t.Errorf("expected ErrAccumulatorMissing in chain, got %v", err)
	}
}

func TestNext_FinalResultTimeoutIsFatal(t *testing.T) {
	jobs := coord.NewStubJobClient(coord.StatusStep{Status: types.StatusFinished})
	jobs.FinalDelay = 500 * time.Millisecond

	f := newFetcher(t, jobs, coord.NewStubGateway(), fetcher.Options{
		FetchTimeout: 20 * time.Millisecond,
	})

	_, err := f.Next(t.Context())
	var retErr *fetcher.RetrievalError
	if !errors.As(err, &retErr) {
		t.Fatalf("expected *RetrievalError, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected DeadlineExceeded in chain, got %v", err)
	}
}

func TestNext_StatusFailureTreatedAsTermination(t *testing.T) {
	// A failing status query is conservatively read as termination; the
	// fetcher must go straight to the terminal snapshot.
	jobs := coord.NewStubJobClient(coord.StatusStep{Err: errors.New("status backend unreachable")})
	jobs.Final = &types.FinalResult{
		Accumulators: map[string][][]byte{
			fetcher.DefaultAccumulatorName: snapshotBlocks(t, &types.TerminalSnapshot{
				Response: &types.CoordinationResponse{
					Version: "v1",
					Results: results(0, 2),
				},
			}),
		},
	}
	col := metrics.NewCollector("exactly_once", "stub", "", "")

	f := newFetcher(t, jobs, coord.NewStubGateway(), fetcher.Options{Metrics: col})

	recs := collectAll(t, f)
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if col.Snapshot().StatusFailuresAssumed != 1 {
		t.Errorf("StatusFailuresAssumed = %d, want 1", col.Snapshot().StatusFailuresAssumed)
	}
}

func TestClose_CancelsRunningJobOnce(t *testing.T) {
	jobs := coord.NewStubJobClient() // running
	f := newFetcher(t, jobs, coord.NewStubGateway(), fetcher.Options{})

	if err := f.Close(t.Context()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := f.Close(t.Context()); err != nil {
		t.Fatalf("second close: %v", err)
	}

	if got := jobs.Cancels(); got != 1 {
		t.Errorf("cancel called %d times, want 1", got)
	}

	if _, err := f.Next(t.Context()); !errors.Is(err, io.EOF) {
		t.Errorf("next after close: expected io.EOF, got %v", err)
	}
}

func TestClose_SkipsCancelWhenTerminal(t *testing.T) {
	jobs := coord.NewStubJobClient(coord.StatusStep{Status: types.StatusFinished})
	jobs.Final = &types.FinalResult{
		Accumulators: map[string][][]byte{
			fetcher.DefaultAccumulatorName: snapshotBlocks(t, &types.TerminalSnapshot{
				Response: &types.CoordinationResponse{Version: "v1"},
			}),
		},
	}

	f := newFetcher(t, jobs, coord.NewStubGateway(), fetcher.Options{})

	collectAll(t, f)
	if err := f.Close(t.Context()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := jobs.Cancels(); got != 0 {
		t.Errorf("cancel called %d times, want 0 for terminal job", got)
	}
}

func TestClose_InterruptsBackoffPromptly(t *testing.T) {
	// Job running, no data: Next blocks in its retry sleep. Close from
	// another goroutine must end the read promptly.
	jobs := coord.NewStubJobClient()
	f := newFetcher(t, jobs, coord.NewStubGateway(), fetcher.Options{
		RetryInterval: 10 * time.Second,
	})

	done := make(chan error, 1)
	go func() {
		_, err := f.Next(context.Background())
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	if err := f.Close(t.Context()); err != nil {
		t.Fatalf("close: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, io.EOF) {
			t.Errorf("expected io.EOF after close, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not observe Close promptly")
	}
}

func TestNext_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	f := newFetcher(t, coord.NewStubJobClient(), coord.NewStubGateway(), fetcher.Options{
		RetryInterval: 10 * time.Second,
	})

	done := make(chan error, 1)
	go func() {
		_, err := f.Next(ctx)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not observe cancellation")
	}
}
