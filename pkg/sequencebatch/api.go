// Package sequencebatch implements one batcher's worker: batch_size
// per-slot queues, an activity bitmap, and the goroutine that assembles and
// dispatches batches of constant width to a model runner.
package sequencebatch

import (
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/llm-d/sequencer/pkg/common"
	"github.com/llm-d/sequencer/pkg/request"
)

// OnScheduleFunc is the model runner callback. It must not block waiting for
// completion; callers report completion later through onComplete.
type OnScheduleFunc func(batcherIdx int, batch []*request.Payload, onComplete func(common.Status))

// ReleaseResult is returned by a ReleaseSlotFunc.
type ReleaseResult struct {
	// ReturnedToPool is true when the slot was handed back to the
	// scheduler's Ready-Slot Pool (no backlogged sequence was waiting).
	ReturnedToPool bool
	// PromotedQueue is the backlogged sequence's payloads, installed as
	// the slot's new queue, when ReturnedToPool is false.
	PromotedQueue []*request.Payload
}

// ReleaseSlotFunc is called by the worker when a slot finishes processing a
// SEQUENCE_END payload. It is the scheduler's ReleaseSlot, routed through a
// closure so this package never imports the scheduler package.
type ReleaseSlotFunc func(slot common.BatchSlot) (ReleaseResult, error)

// DelayGateFunc implements the debug backlog-delay gate described in the
// spec's §4.1 delay_gate. localCount is the number of payloads currently
// queued across this batcher's slots.
type DelayGateFunc func(batcherIdx int, localCount int) bool

const (
	idleWait  = 500 * time.Millisecond
	debugWait = 10 * time.Millisecond
)

// Overrides bundles the three immutable control-tensor override sets built
// once by the scheduler and shared by reference across every batcher.
type Overrides struct {
	Start    request.OverrideSet
	Continue request.OverrideSet
	NotReady request.OverrideSet
}

// Config carries the construction-time parameters for a Batch.
type Config struct {
	BatcherIdx int
	BatchSize  int
	Overrides  Overrides
	OnSchedule OnScheduleFunc
	ReleaseSlot ReleaseSlotFunc
	DelayGate  DelayGateFunc
	// DebugDelayEnabled mirrors whether SEQUENCER_DELAY or
	// SEQUENCER_BACKLOG_DELAY was set to a positive value; when false the
	// delay gate is never consulted.
	DebugDelayEnabled bool
	Logger            logr.Logger
	Metrics           Metrics
	// NiceLevel is applied to the worker goroutine's OS thread priority on
	// startup, best-effort; failure is non-fatal (spec §4.3).
	NiceLevel int
}

// Metrics is the subset of pkg/metrics a Batch needs, kept as an interface
// so tests can use a no-op implementation without pulling in Prometheus.
type Metrics interface {
	ObserveBatchWidth(batcherIdx, width int)
	IncExecutions(batcherIdx int)
}

// Batch is one Sequence Batch: batch_size per-slot queues, an activity
// bitmap, and the worker goroutine that assembles and dispatches batches.
type Batch struct {
	cfg Config

	mu   sync.Mutex
	cond *sync.Cond

	queues        [][]*request.Payload
	activeSlots   []bool
	maxActiveSlot int // -1 when empty

	nullHeader    *request.Header
	schedulerIdle bool
	exitRequested bool

	wg sync.WaitGroup
}

// New constructs a Batch and starts its worker goroutine immediately,
// mirroring the teacher's constructor-starts-thread convention
// (SequenceBatch::SequenceBatch in the original source starts its thread in
// the constructor; Go idiom keeps that but via a goroutine).
func New(cfg Config) *Batch {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	b := &Batch{
		cfg:           cfg,
		queues:        make([][]*request.Payload, cfg.BatchSize),
		activeSlots:   make([]bool, cfg.BatchSize),
		maxActiveSlot: -1,
	}
	b.cond = sync.NewCond(&b.mu)

	b.wg.Add(1)
	go b.run()

	return b
}

type noopMetrics struct{}

func (noopMetrics) ObserveBatchWidth(int, int) {}
func (noopMetrics) IncExecutions(int)          {}

// Enqueue appends a payload to the given slot's queue and wakes the worker
// if it was idle. Spec §4.3 Enqueue.
func (b *Batch) Enqueue(slot int, payload *request.Payload) {
	var wake bool

	b.mu.Lock()
	if b.maxActiveSlot == -1 {
		h := payload.Header()
		b.nullHeader = &h
	}
	b.queues[slot] = append(b.queues[slot], payload)
	b.activeSlots[slot] = true
	if slot > b.maxActiveSlot {
		b.maxActiveSlot = slot
	}
	wake = b.schedulerIdle
	b.mu.Unlock()

	if wake {
		b.cond.Signal()
	}
}

// installPromotedQueue installs a backlog-promoted queue as the new content
// of slot, called by the worker after ReleaseSlot reports a promotion. It
// does not touch activeSlots/maxActiveSlot bookkeeping — the caller (the
// worker, already holding the batch mutex) is responsible for that, matching
// spec §4.3 step 3's "new queue is installed in place of the just-emptied
// one" wording.
func (b *Batch) installPromotedQueue(slot int, queue []*request.Payload) {
	b.queues[slot] = queue
}

// Stop signals the worker to exit and blocks until it has. Spec §4.3
// Termination.
func (b *Batch) Stop() {
	b.mu.Lock()
	b.exitRequested = true
	b.mu.Unlock()
	b.cond.Signal()
	b.wg.Wait()
}
