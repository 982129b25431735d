// Package scheduler implements the sequence-aware batching scheduler's
// facade: the Sequence Index, the Backlog, the Ready-Slot Pool, and the
// Control-Tensor Table, wired to one pkg/sequencebatch.Batch per runner.
//
// # Reading Guide
//
// Start with scheduler.go for New/Enqueue/ReleaseSlot, then
// sequence_index.go for the backlog queue and ready-slot pool types, then
// control_tensors.go for how the START/CONTINUE/NOT_READY override sets
// are built from configuration.
//
// # Invariants
//
// These hold at every point Enqueue or ReleaseSlot is not itself holding
// the scheduler mutex:
//   - slotBySeq and backlogBySeq never share a key.
//   - the Ready-Slot Pool and the set of values in slotBySeq partition the
//     full set of (batcherIdx, slotIdx) pairs.
//   - every backlogQueue reachable from the backlog slice holds at least
//     one payload, for exactly one correlation ID.
//
// A correlation ID can briefly be absent from both slotBySeq and
// backlogBySeq while its SEQUENCE_END payload is still queued inside a
// batcher — see the deferred-removal note in DESIGN.md. During that window
// the slot it occupies is in neither slotBySeq's values nor the Ready-Slot
// Pool, so the partition above holds only once the worker has released it.
// The same applies to a slot holding a promoted backlog queue that already
// ends with SEQUENCE_END.
package scheduler
