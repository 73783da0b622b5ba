// Package transfer implements the per-HCD transfer engine: URB
// submission, per-pipe FIFO ordering, timeout scheduling, and routing
// completions back to callers (specification §4.4).
//
// It generalizes the teacher's host/transfer.go TransferManager (a
// fixed worker pool draining a shared job channel, with no ordering
// guarantee between two transfers on the same endpoint) into an engine
// built around hcd.HCD's async enqueue/complete contract, adding
// per-pipe FIFO queues so two URBs submitted back-to-back on one pipe
// always complete in submission order even though the underlying HCD
// may run unrelated pipes concurrently.
package transfer
