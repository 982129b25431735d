package sequencebatch

import (
	"time"

	"github.com/llm-d/sequencer/pkg/common"
	"github.com/llm-d/sequencer/pkg/request"
)

// run is the worker goroutine's batch assembly loop. It mirrors the
// original SchedulerThread: assemble one batch under the batch mutex, drop
// the lock, hand the batch to the runner without waiting for completion,
// and loop.
func (b *Batch) run() {
	defer b.wg.Done()

	setNice(b.cfg.NiceLevel, b.cfg.Logger)

	for {
		batch, exit := b.assembleOne()
		if len(batch) > 0 {
			b.dispatch(batch)
		}
		if exit {
			return
		}
	}
}

// assembleOne runs one iteration of the assembly loop under the batch
// mutex and returns the assembled batch (possibly empty) plus whether the
// worker should exit after this iteration.
func (b *Batch) assembleOne() ([]*request.Payload, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for {
		if b.exitRequested {
			return nil, true
		}

		if b.cfg.DebugDelayEnabled {
			localCount := b.queuedCountLocked()
			if b.cfg.DelayGate != nil && b.cfg.DelayGate(b.cfg.BatcherIdx, localCount) {
				b.waitLocked(debugWait)
				continue
			}
		}

		maxSlot := b.maxActiveSlot
		for maxSlot >= 0 && len(b.queues[maxSlot]) == 0 {
			maxSlot--
		}

		if maxSlot < 0 {
			b.waitLocked(idleWait)
			continue
		}

		return b.assembleBatchLocked(maxSlot), false
	}
}

func (b *Batch) queuedCountLocked() int {
	total := 0
	for _, q := range b.queues {
		total += len(q)
	}
	return total
}

// waitLocked parks the worker on the condvar for up to d, marking it idle
// first so a concurrent Enqueue knows to wake it. sync.Cond has no built-in
// timed wait, so a one-shot timer signals the same condvar if nothing else
// does first; this reproduces the original's wait_for(wait_microseconds)
// polling behaviour (spec §5: "worker polls with a timeout even when
// signalled, so a missed notification degrades latency but not
// correctness"). Must be called with b.mu held; always returns with b.mu
// held.
func (b *Batch) waitLocked(d time.Duration) {
	b.schedulerIdle = true
	timer := time.AfterFunc(d, func() { b.cond.Signal() })
	b.cond.Wait()
	timer.Stop()
	b.schedulerIdle = false
}

// assembleBatchLocked builds one batch spanning slots [0, maxSlot] and
// performs slot releases for any SEQUENCE_END payload popped along the way.
// Must be called with b.mu held.
func (b *Batch) assembleBatchLocked(maxSlot int) []*request.Payload {
	batch := make([]*request.Payload, 0, maxSlot+1)
	var releasedMax bool

	for slot := 0; slot <= maxSlot; slot++ {
		if len(b.queues[slot]) == 0 {
			batch = append(batch, b.notReadyPlaceholder())
			continue
		}

		payload := b.queues[slot][0]
		b.queues[slot] = b.queues[slot][1:]

		hdr := payload.Header()
		if hdr.Flags.Has(request.FlagSequenceStart) {
			payload.Req.SetInputOverride(b.cfg.Overrides.Start)
		} else {
			payload.Req.SetInputOverride(b.cfg.Overrides.Continue)
		}
		batch = append(batch, payload)

		if hdr.Flags.Has(request.FlagSequenceEnd) {
			if len(b.queues[slot]) != 0 {
				b.cfg.Logger.Error(nil, "internal: slot queue non-empty after SEQUENCE_END payload, would be clobbered on backlog swap",
					"batcher", b.cfg.BatcherIdx, "slot", slot)
			}

			result, err := b.cfg.ReleaseSlot(common.BatchSlot{BatcherIdx: b.cfg.BatcherIdx, SlotIdx: slot})
			if err != nil {
				b.cfg.Logger.Error(err, "release slot failed", "batcher", b.cfg.BatcherIdx, "slot", slot)
			} else if result.ReturnedToPool {
				b.activeSlots[slot] = false
				if slot == maxSlot {
					releasedMax = true
				}
			} else {
				b.installPromotedQueue(slot, result.PromotedQueue)
			}
		}
	}

	// Deferred max_active_slot shrink (spec §9): only after the full sweep,
	// so multiple simultaneously-ending sequences don't trigger repeated
	// re-scans mid-assembly.
	if releasedMax {
		for b.maxActiveSlot >= 0 && !b.activeSlots[b.maxActiveSlot] {
			b.maxActiveSlot--
		}
	}

	b.cfg.Metrics.ObserveBatchWidth(b.cfg.BatcherIdx, len(batch))
	return batch
}

func (b *Batch) notReadyPlaceholder() *request.Payload {
	header := request.Header{BatchSize: 1}
	if b.nullHeader != nil {
		header = *b.nullHeader
	}
	provider := request.NewNullProvider(header)
	provider.SetInputOverride(b.cfg.Overrides.NotReady)
	return &request.Payload{
		Req:       provider,
		Synthetic: true,
	}
}

// dispatch hands the assembled batch to the runner without holding the
// batch mutex and without waiting for completion.
func (b *Batch) dispatch(batch []*request.Payload) {
	b.cfg.OnSchedule(b.cfg.BatcherIdx, batch, func(status common.Status) {
		b.completeBatch(batch, status)
	})
}

// completeBatch implements the on_complete accounting rule from spec §4.3:
// the first successful real payload counts one model execution through
// Metrics.IncExecutions (no execution count is recorded on the payloads
// themselves), synthetic placeholders are skipped except that a non-OK
// placeholder status elevates an otherwise-OK batch status, and completion
// callbacks fire in slot order.
func (b *Batch) completeBatch(batch []*request.Payload, batchStatus common.Status) {
	effectiveBatchStatus := batchStatus
	if effectiveBatchStatus.OK() {
		// A synthetic placeholder's non-OK status means the batch
		// alignment itself may be suspect; elevate it so real payloads
		// downstream see the error too.
		for _, p := range batch {
			if p.Synthetic && !p.Status.OK() {
				effectiveBatchStatus = p.Status
				break
			}
		}
	}

	countedExecution := false
	for _, p := range batch {
		if p.Synthetic || p.OnComplete == nil {
			continue
		}

		status := effectiveBatchStatus
		if status.OK() && !p.Status.OK() {
			status = p.Status
		}
		if status.OK() && !countedExecution {
			countedExecution = true
			b.cfg.Metrics.IncExecutions(b.cfg.BatcherIdx)
		}
		p.OnComplete(status)
	}
}
