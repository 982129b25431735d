package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-d/sequencer/pkg/common"
	"github.com/llm-d/sequencer/pkg/modelconfig"
	"github.com/llm-d/sequencer/pkg/request"
)

// fakeProvider is a minimal request.Provider that records whichever
// override set the scheduler/batch attaches to it.
type fakeProvider struct {
	header    request.Header
	overrides request.OverrideSet
}

func (p *fakeProvider) Header() request.Header { return p.header }
func (p *fakeProvider) SetInputOverride(o request.OverrideSet) { p.overrides = o }

func newProvider(cid uint64, flags request.Flags) *fakeProvider {
	return &fakeProvider{header: request.Header{
		BatchSize:     1,
		CorrelationID: common.CorrelationID(cid),
		Flags:         flags,
	}}
}

func testConfig(maxBatchSize int) modelconfig.Config {
	return modelconfig.Config{
		Name:         "test-model",
		MaxBatchSize: maxBatchSize,
		SequenceBatching: modelconfig.SequenceBatching{
			Start: modelconfig.ControlSpec{
				TensorName: "SEQUENCE_START",
				Datatype:   "TYPE_BOOL",
				TrueValue:  []byte{1},
				FalseValue: []byte{0},
			},
			Ready: modelconfig.ControlSpec{
				TensorName: "SEQUENCE_READY",
				Datatype:   "TYPE_BOOL",
				TrueValue:  []byte{1},
				FalseValue: []byte{0},
			},
		},
	}
}

type batchEvent struct {
	batcherIdx int
	batch      []*request.Payload
}

// newHarness builds a Scheduler whose runner immediately acks every batch
// with StatusOK and publishes the batch on the returned channel.
func newHarness(t *testing.T, runnerCnt, maxBatchSize int) (*Scheduler, <-chan batchEvent) {
	t.Helper()
	events := make(chan batchEvent, 256)
	onSchedule := func(batcherIdx int, batch []*request.Payload, onComplete func(common.Status)) {
		onComplete(common.Status{Code: common.StatusOK})
		events <- batchEvent{batcherIdx: batcherIdx, batch: batch}
	}

	s, err := New(testConfig(maxBatchSize), runnerCnt, onSchedule)
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	return s, events
}

func recvBatch(t *testing.T, events <-chan batchEvent) batchEvent {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a batch")
		return batchEvent{}
	}
}

func assertNoBatch(t *testing.T, events <-chan batchEvent) {
	t.Helper()
	select {
	case ev := <-events:
		t.Fatalf("expected no further batches, got one from batcher %d width %d", ev.batcherIdx, len(ev.batch))
	case <-time.After(100 * time.Millisecond):
	}
}

func realPayloadHeaders(batch []*request.Payload) []request.Header {
	var headers []request.Header
	for _, p := range batch {
		if !p.Synthetic {
			headers = append(headers, p.Header())
		}
	}
	return headers
}

func overrideIsStart(p *request.Payload) bool {
	fp := p.Req.(*fakeProvider)
	return fp.overrides["SEQUENCE_START"].Content[0] == 1 && fp.overrides["SEQUENCE_READY"].Content[0] == 1
}

func overrideIsContinue(p *request.Payload) bool {
	fp := p.Req.(*fakeProvider)
	return fp.overrides["SEQUENCE_START"].Content[0] == 0 && fp.overrides["SEQUENCE_READY"].Content[0] == 1
}

// overrideIsNotReady reads the override set from a placeholder provider,
// which exposes it through an Overrides method rather than being a
// *fakeProvider.
func overrideIsNotReady(p *request.Payload) bool {
	r, ok := p.Req.(interface{ Overrides() request.OverrideSet })
	if !ok {
		return false
	}
	o := r.Overrides()
	return o["SEQUENCE_START"].Content[0] == 0 && o["SEQUENCE_READY"].Content[0] == 0
}

// S1: single sequence, fits in a slot.
func TestScenarioS1SingleSequenceFitsInSlot(t *testing.T) {
	s, events := newHarness(t, 1, 2)

	cid := uint64(7)
	s.Enqueue(nil, newProvider(cid, request.FlagSequenceStart), nil, nil)
	b1 := recvBatch(t, events)
	require.Len(t, b1.batch, 1)
	assert.True(t, overrideIsStart(b1.batch[0]))

	s.Enqueue(nil, newProvider(cid, 0), nil, nil)
	b2 := recvBatch(t, events)
	require.Len(t, b2.batch, 1)
	assert.True(t, overrideIsContinue(b2.batch[0]))

	released := false
	s.Enqueue(nil, newProvider(cid, request.FlagSequenceEnd), nil, func(common.Status) { released = true })
	b3 := recvBatch(t, events)
	require.Len(t, b3.batch, 1)
	assert.True(t, overrideIsContinue(b3.batch[0]))
	assert.True(t, released)

	// slot returns to pool, cid vanishes from both maps.
	s.mu.Lock()
	_, inSlot := s.slotBySeq[common.CorrelationID(cid)]
	_, inBacklog := s.backlogBySeq[common.CorrelationID(cid)]
	poolLen := s.pool.len()
	s.mu.Unlock()
	assert.False(t, inSlot)
	assert.False(t, inBacklog)
	assert.Equal(t, 2, poolLen)
}

// S2: two concurrent sequences share a batcher.
func TestScenarioS2TwoConcurrentSequencesShareBatcher(t *testing.T) {
	s, events := newHarness(t, 1, 2)

	s.Enqueue(nil, newProvider(1, request.FlagSequenceStart), nil, nil)
	s.Enqueue(nil, newProvider(2, request.FlagSequenceStart), nil, nil)

	// Drain until we observe a batch carrying both real payloads (an
	// earlier one may have caught only cid=1 with a NOT_READY placeholder
	// in the other slot, if cid=2's enqueue raced past assembly).
	var bothReal []request.Header
	for i := 0; i < 10 && len(bothReal) != 2; i++ {
		ev := recvBatch(t, events)
		bothReal = realPayloadHeaders(ev.batch)
	}
	require.Len(t, bothReal, 2)

	s.Enqueue(nil, newProvider(1, request.FlagSequenceEnd), nil, nil)
	s.Enqueue(nil, newProvider(2, request.FlagSequenceEnd), nil, nil)
}

// S3: backlog promotion.
func TestScenarioS3BacklogPromotion(t *testing.T) {
	s, events := newHarness(t, 1, 1)

	s.Enqueue(nil, newProvider(1, request.FlagSequenceStart), nil, nil)
	recvBatch(t, events) // cid=1 START assembled

	s.Enqueue(nil, newProvider(2, request.FlagSequenceStart), nil, nil)
	s.Enqueue(nil, newProvider(2, request.FlagSequenceEnd), nil, nil)

	s.mu.Lock()
	_, cid2InBacklog := s.backlogBySeq[common.CorrelationID(2)]
	backlogLen := len(s.backlog)
	s.mu.Unlock()
	assert.False(t, cid2InBacklog, "cid=2 carried END so it's no longer keyed in backlogBySeq")
	assert.Equal(t, 1, backlogLen, "cid=2's queue still sits in the backlog awaiting promotion")

	s.Enqueue(nil, newProvider(1, request.FlagSequenceEnd), nil, nil)
	recvBatch(t, events) // cid=1 END assembled, releases the slot

	next := recvBatch(t, events) // cid=2 promoted into the freed slot
	require.Len(t, next.batch, 1)
	assert.True(t, overrideIsStart(next.batch[0]))
	assert.Equal(t, common.CorrelationID(2), next.batch[0].Header().CorrelationID)
}

// S4: mid-sequence backlog, continuation after promotion.
func TestScenarioS4MidSequenceBacklogContinuation(t *testing.T) {
	s, events := newHarness(t, 1, 1)

	s.Enqueue(nil, newProvider(1, request.FlagSequenceStart), nil, nil)
	recvBatch(t, events)

	s.Enqueue(nil, newProvider(2, request.FlagSequenceStart), nil, nil)
	s.Enqueue(nil, newProvider(1, request.FlagSequenceEnd), nil, nil)
	recvBatch(t, events) // cid=1 END, slot freed, cid=2 promoted

	promoted := recvBatch(t, events)
	require.Len(t, promoted.batch, 1)
	assert.Equal(t, common.CorrelationID(2), promoted.batch[0].Header().CorrelationID)

	// cid=2 is not yet END, so the follow-on payload must route via
	// slotBySeq, not the backlog.
	s.mu.Lock()
	slot, inSlot := s.slotBySeq[common.CorrelationID(2)]
	s.mu.Unlock()
	require.True(t, inSlot)

	s.Enqueue(nil, newProvider(2, 0), nil, nil)
	follow := recvBatch(t, events)
	require.Len(t, follow.batch, 1)
	assert.Equal(t, common.CorrelationID(2), follow.batch[0].Header().CorrelationID)
	assert.True(t, overrideIsContinue(follow.batch[0]))

	s.mu.Lock()
	stillInSlot := s.slotBySeq[common.CorrelationID(2)] == slot
	s.mu.Unlock()
	assert.True(t, stillInSlot)
}

// S5: missing START is rejected.
func TestScenarioS5MissingStartRejected(t *testing.T) {
	s, events := newHarness(t, 1, 1)

	var status common.Status
	called := false
	s.Enqueue(nil, newProvider(9, 0), nil, func(st common.Status) {
		called = true
		status = st
	})

	require.True(t, called)
	assert.Equal(t, common.StatusInvalidArgument, status.Code)

	assertNoBatch(t, events)

	s.mu.Lock()
	_, inSlot := s.slotBySeq[common.CorrelationID(9)]
	_, inBacklog := s.backlogBySeq[common.CorrelationID(9)]
	s.mu.Unlock()
	assert.False(t, inSlot)
	assert.False(t, inBacklog)
}

// S6: start-on-in-flight.
func TestScenarioS6StartOnInFlight(t *testing.T) {
	s, events := newHarness(t, 1, 1)

	s.Enqueue(nil, newProvider(3, request.FlagSequenceStart), nil, nil)
	first := recvBatch(t, events)
	require.Len(t, first.batch, 1)

	// Second START for the same cid: appended, not rejected.
	s.Enqueue(nil, newProvider(3, request.FlagSequenceStart), nil, nil)
	second := recvBatch(t, events)
	require.Len(t, second.batch, 1)
	assert.Equal(t, common.CorrelationID(3), second.batch[0].Header().CorrelationID)

	s.Enqueue(nil, newProvider(3, request.FlagSequenceEnd), nil, nil)
	recvBatch(t, events)
}

// Property 1: disjointness of slotBySeq and backlogBySeq.
func TestInvariantDisjointness(t *testing.T) {
	s, events := newHarness(t, 1, 1)

	s.Enqueue(nil, newProvider(1, request.FlagSequenceStart), nil, nil)
	recvBatch(t, events)
	s.Enqueue(nil, newProvider(2, request.FlagSequenceStart), nil, nil)

	s.mu.Lock()
	for cid := range s.slotBySeq {
		_, inBacklog := s.backlogBySeq[cid]
		assert.False(t, inBacklog, "cid %d present in both slotBySeq and backlogBySeq", cid)
	}
	s.mu.Unlock()
}

// Property 2: Ready-Slot Pool and slotBySeq's image partition all slots.
func TestInvariantPoolDisjointness(t *testing.T) {
	s, events := newHarness(t, 2, 2)

	s.Enqueue(nil, newProvider(1, request.FlagSequenceStart), nil, nil)
	recvBatch(t, events)

	s.mu.Lock()
	all := map[common.BatchSlot]bool{}
	for b := 0; b < 2; b++ {
		for slotIdx := 0; slotIdx < 2; slotIdx++ {
			all[common.BatchSlot{BatcherIdx: b, SlotIdx: slotIdx}] = false
		}
	}
	for _, slot := range s.slotBySeq {
		assert.False(t, all[slot], "slot %v double-counted", slot)
		all[slot] = true
	}
	for _, slot := range s.pool.slots {
		assert.False(t, all[slot], "slot %v present in both pool and slotBySeq image", slot)
		all[slot] = true
	}
	for slot, seen := range all {
		assert.True(t, seen, "slot %v missing from both the pool and slotBySeq's image", slot)
	}
	s.mu.Unlock()
}

// Property 6 (subset not already covered by S1/S3): placeholders carry
// NOT_READY when a slot is empty.
func TestInvariantPlaceholderOverride(t *testing.T) {
	s, events := newHarness(t, 1, 2)

	s.Enqueue(nil, newProvider(1, request.FlagSequenceStart), nil, nil)
	ev := recvBatch(t, events)
	require.Len(t, ev.batch, 1)
	assert.True(t, ev.batch[0].Synthetic == false)

	// cid=2 binds slot 1 while slot 0 has nothing queued, so the next batch
	// spans both slots with a placeholder in slot 0.
	s.Enqueue(nil, newProvider(2, request.FlagSequenceStart), nil, nil)
	ev = recvBatch(t, events)
	require.Len(t, ev.batch, 2)
	assert.True(t, ev.batch[0].Synthetic)
	assert.True(t, overrideIsNotReady(ev.batch[0]))
	assert.False(t, ev.batch[1].Synthetic)

	s.Enqueue(nil, newProvider(1, request.FlagSequenceEnd), nil, nil)
	recvBatch(t, events)
}

// Round-trip: a single one-message sequence returns its slot and vanishes
// from both maps after completion.
func TestRoundTripSingleMessageSequence(t *testing.T) {
	s, events := newHarness(t, 1, 1)

	s.Enqueue(nil, newProvider(42, request.FlagSequenceStart|request.FlagSequenceEnd), nil, nil)
	ev := recvBatch(t, events)
	require.Len(t, ev.batch, 1)
	assert.True(t, overrideIsStart(ev.batch[0]))

	s.mu.Lock()
	_, inSlot := s.slotBySeq[common.CorrelationID(42)]
	_, inBacklog := s.backlogBySeq[common.CorrelationID(42)]
	poolLen := s.pool.len()
	s.mu.Unlock()
	assert.False(t, inSlot)
	assert.False(t, inBacklog)
	assert.Equal(t, 1, poolLen)
}

// Boundary: max_batch_size = 0 is treated as 1.
func TestBoundaryMaxBatchSizeZero(t *testing.T) {
	s, events := newHarness(t, 1, 0)

	s.Enqueue(nil, newProvider(1, request.FlagSequenceStart), nil, nil)
	ev := recvBatch(t, events)
	assert.Len(t, ev.batch, 1)

	s.mu.Lock()
	poolLen := s.pool.len()
	s.mu.Unlock()
	assert.Equal(t, 0, poolLen, "the single slot is occupied, none left in the pool")
}

// Boundary: empty backlog + all slots busy + new sequence creates a new
// backlog queue.
func TestBoundaryNewSequenceWithAllSlotsBusy(t *testing.T) {
	s, events := newHarness(t, 1, 1)

	s.Enqueue(nil, newProvider(1, request.FlagSequenceStart), nil, nil)
	recvBatch(t, events)

	s.Enqueue(nil, newProvider(2, request.FlagSequenceStart), nil, nil)

	s.mu.Lock()
	backlogLen := len(s.backlog)
	_, inBacklog := s.backlogBySeq[common.CorrelationID(2)]
	s.mu.Unlock()
	assert.Equal(t, 1, backlogLen)
	assert.True(t, inBacklog)
}

func TestRejectsBatchSizeOtherThanOne(t *testing.T) {
	s, _ := newHarness(t, 1, 1)

	p := newProvider(1, request.FlagSequenceStart)
	p.header.BatchSize = 2

	var status common.Status
	s.Enqueue(nil, p, nil, func(st common.Status) { status = st })
	assert.Equal(t, common.StatusInvalidArgument, status.Code)
}

func TestRejectsZeroCorrelationID(t *testing.T) {
	s, _ := newHarness(t, 1, 1)

	var status common.Status
	s.Enqueue(nil, newProvider(0, request.FlagSequenceStart), nil, func(st common.Status) { status = st })
	assert.Equal(t, common.StatusInvalidArgument, status.Code)
}
