// Package iox holds small I/O cleanup helpers shared by the CLI and tests.
package iox

import "io"

// DiscardClose closes c, dropping the error. For defer sites where a
// close failure has no useful handling, such as the coordination
// transport at session end:
//
//	defer iox.DiscardClose(transport)
func DiscardClose(c io.Closer) { _ = c.Close() }

// CloseFunc wraps c's Close for t.Cleanup and b.Cleanup registration:
//
//	t.Cleanup(iox.CloseFunc(client))
func CloseFunc(c io.Closer) func() {
	return func() { _ = c.Close() }
}

// DiscardErr calls fn and drops the returned error. For non-Close
// cleanup such as Flush where the error is unactionable:
//
//	defer iox.DiscardErr(w.Flush)
func DiscardErr(fn func() error) { _ = fn() }
