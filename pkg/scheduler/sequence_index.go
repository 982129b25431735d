package scheduler

import (
	"github.com/llm-d/sequencer/pkg/common"
	"github.com/llm-d/sequencer/pkg/request"
)

// backlogQueue is one entry in the Backlog: every payload held for one
// correlation ID that has not yet found a free slot. The scheduler map
// (backlogBySeq) and the ordered backlog slice share the same *backlogQueue
// pointer — the map is a non-owning lookup, the slice is the owning list —
// matching the shared-ownership note in spec.md §9.
type backlogQueue struct {
	cid      common.CorrelationID
	payloads []*request.Payload
}

// lastIsSequenceEnd reports whether the most recently appended payload
// carries SEQUENCE_END, used by ReleaseSlot to decide whether a promoted
// sequence is already finished or continues beyond what's backlogged.
func (q *backlogQueue) lastIsSequenceEnd() bool {
	if len(q.payloads) == 0 {
		return false
	}
	return q.payloads[len(q.payloads)-1].Header().Flags.Has(request.FlagSequenceEnd)
}

// readyPool is a LIFO stack of unbound batch slots, matching spec.md §4.4's
// "implementations may use LIFO for cache locality" guidance.
type readyPool struct {
	slots []common.BatchSlot
}

func (p *readyPool) push(slot common.BatchSlot) {
	p.slots = append(p.slots, slot)
}

// pop removes and returns the top slot; ok is false if the pool is empty.
func (p *readyPool) pop() (slot common.BatchSlot, ok bool) {
	if len(p.slots) == 0 {
		return common.BatchSlot{}, false
	}
	last := len(p.slots) - 1
	slot = p.slots[last]
	p.slots = p.slots[:last]
	return slot, true
}

func (p *readyPool) len() int { return len(p.slots) }
