package fetcher

import (
	"errors"
	"fmt"
)

// errMissingOperator rejects construction without a coordination target.
var errMissingOperator = errors.New("operator id is required")

// ErrAccumulatorMissing indicates the terminated job carries no result
// accumulator. The sink never published its final state, so the undelivered
// tail is lost. Signals abnormal job termination.
var ErrAccumulatorMissing = errors.New("job terminated abnormally, result accumulator is missing")

// RetrievalError is the fatal failure class: the terminal snapshot could
// not be obtained or decoded. A terminated job's state will not change, so
// these are not retried.
type RetrievalError struct {
	// Op is the retrieval step that failed ("final-result", "accumulator",
	// "snapshot-decode", "finalize").
	Op string
	// Err is the underlying cause.
	Err error
}

func (e *RetrievalError) Error() string {
	return fmt.Sprintf("retrieve results: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As chain traversal.
func (e *RetrievalError) Unwrap() error {
	return e.Err
}
