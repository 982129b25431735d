// Package scheduler implements the Scheduler Facade: the Sequence Index,
// Backlog, Ready-Slot Pool, and Control-Tensor Table from spec.md §2,
// wired to one Sequence Batch per runner.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/llm-d/sequencer/pkg/common"
	"github.com/llm-d/sequencer/pkg/metrics"
	"github.com/llm-d/sequencer/pkg/modelconfig"
	"github.com/llm-d/sequencer/pkg/request"
	"github.com/llm-d/sequencer/pkg/sequencebatch"
	"github.com/llm-d/sequencer/pkg/sequencelog"
	"github.com/llm-d/sequencer/pkg/statsmirror"
)

// Metrics is the facade-level metrics sink, a superset of
// sequencebatch.Metrics so the same implementation can be handed to every
// batcher as well as used by the facade itself.
type Metrics interface {
	sequencebatch.Metrics
	IncRequest(result string)
	SetBacklogDepth(n int)
	SetReadySlots(n int)
}

// Clock abstracts time.Now for deterministic tests, grounded on the
// teacher pack's testClock pattern (kingrea-The-Lattice's workflow engine
// tests inject a fake clock the same way).
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type noopMetrics struct{}

func (noopMetrics) ObserveBatchWidth(int, int)  {}
func (noopMetrics) IncExecutions(int)           {}
func (noopMetrics) IncRequest(string)           {}
func (noopMetrics) SetBacklogDepth(int)         {}
func (noopMetrics) SetReadySlots(int)           {}

// Mirror is the subset of *statsmirror.Mirror the facade needs, kept as an
// interface so tests can substitute a fake without standing up miniredis.
type Mirror interface {
	Publish(ctx context.Context, snap statsmirror.Snapshot) error
}

// Option configures optional Scheduler behavior, following the teacher
// pack's functional-options convention (datastore.WithWindowSize /
// WithTimeUnit in token_tracker.go).
type Option func(*Scheduler)

// WithLogger overrides the default discard logger.
func WithLogger(logger logr.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// WithMetrics overrides the default no-op metrics sink.
func WithMetrics(m Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithStatsMirror attaches an optional Redis observability mirror. The
// scheduler writes to it after every Enqueue/ReleaseSlot; it never reads
// from it.
func WithStatsMirror(m Mirror) Option {
	return func(s *Scheduler) { s.mirror = m }
}

// WithClock overrides the default real-time clock used to stamp
// Payload.QueuedAt.
func WithClock(c Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// Scheduler is the facade described in spec.md §4.1: it owns the Sequence
// Index, Backlog, Ready-Slot Pool and Control-Tensor Table, and drives a
// *sequencebatch.Batch per runner.
type Scheduler struct {
	mu sync.Mutex

	slotBySeq    map[common.CorrelationID]common.BatchSlot
	backlogBySeq map[common.CorrelationID]*backlogQueue
	backlog      []*backlogQueue
	pool         readyPool

	queueRequestCnts         []int
	backlogDelayThreshold    int
	perBatcherDelayThreshold int
	debugDelayEnabled        bool

	batches []*sequencebatch.Batch

	logger  logr.Logger
	metrics Metrics
	clock   Clock
	mirror  Mirror
}

// New builds the Control-Tensor Table, instantiates runnerCnt Sequence
// Batches, seeds the Ready-Slot Pool, and reads the debug delay-gate
// thresholds from the environment. Mirrors spec.md §4.1 create().
func New(cfg modelconfig.Config, runnerCnt int, onSchedule sequencebatch.OnScheduleFunc, opts ...Option) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, ErrConfiguration{Message: "invalid model configuration", Cause: err}
	}
	if runnerCnt < 1 {
		runnerCnt = 1
	}
	batchSize := cfg.EffectiveBatchSize()

	s := &Scheduler{
		slotBySeq:    make(map[common.CorrelationID]common.BatchSlot),
		backlogBySeq: make(map[common.CorrelationID]*backlogQueue),
		logger:       logr.Discard(),
		metrics:      noopMetrics{},
		clock:        realClock{},
	}
	for _, opt := range opts {
		opt(s)
	}

	s.backlogDelayThreshold = getEnvInt(envBacklogDelay, 0, s.logger)
	s.perBatcherDelayThreshold = getEnvInt(envDelay, 0, s.logger)
	s.debugDelayEnabled = s.backlogDelayThreshold > 0 || s.perBatcherDelayThreshold > 0
	s.queueRequestCnts = make([]int, runnerCnt)

	start, continueSet, notReady := buildControlTensors(cfg)
	overrides := sequencebatch.Overrides{Start: start, Continue: continueSet, NotReady: notReady}

	s.batches = make([]*sequencebatch.Batch, runnerCnt)
	for b := 0; b < runnerCnt; b++ {
		batcherIdx := b
		s.batches[b] = sequencebatch.New(sequencebatch.Config{
			BatcherIdx:        batcherIdx,
			BatchSize:         batchSize,
			Overrides:         overrides,
			OnSchedule:        onSchedule,
			ReleaseSlot:       s.ReleaseSlot,
			DelayGate:         s.delayGate,
			DebugDelayEnabled: s.debugDelayEnabled,
			Logger:            sequencelog.Named(s.logger, "sequencebatch"),
			Metrics:           s.metrics,
			NiceLevel:         cfg.NiceLevel,
		})
		// Push in descending slot order so the LIFO pool hands out low slot
		// indices first and assembled batches stay as narrow as possible.
		for slot := batchSize - 1; slot >= 0; slot-- {
			s.pool.push(common.BatchSlot{BatcherIdx: batcherIdx, SlotIdx: slot})
		}
	}

	s.updateGaugesLocked()
	return s, nil
}

// Enqueue validates and routes one request, per spec.md §4.1. Precondition
// failures are reported synchronously through onComplete with no state
// mutation; every other outcome mutates the Sequence Index/Backlog/Pool
// under the scheduler mutex and then hands the payload to the target
// batcher's queue with the mutex released.
func (s *Scheduler) Enqueue(statsToken any, req request.Provider, resp request.ResponseProvider, onComplete request.CompletionFunc) {
	hdr := req.Header()
	payload := &request.Payload{
		QueuedAt:   s.clock.Now(),
		StatsToken: statsToken,
		Req:        req,
		Resp:       resp,
		OnComplete: onComplete,
	}

	if hdr.BatchSize != 1 {
		s.reject(onComplete, "batch size must be 1")
		return
	}
	if hdr.CorrelationID == 0 {
		s.reject(onComplete, "must specify non-zero correlation ID")
		return
	}

	s.mu.Lock()

	cid := hdr.CorrelationID
	_, inSlot := s.slotBySeq[cid]
	_, inBacklog := s.backlogBySeq[cid]

	if !hdr.Flags.Has(request.FlagSequenceStart) && !inSlot && !inBacklog {
		s.mu.Unlock()
		s.reject(onComplete, "must specify START on first request")
		return
	}

	if hdr.Flags.Has(request.FlagSequenceStart) && (inSlot || inBacklog) {
		s.logger.Info("sequence conflict: START on in-flight correlation ID, appending to existing target",
			"correlationID", uint64(cid))
	}

	target, done := s.routeLocked(cid, hdr, payload)
	s.updateGaugesLocked()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.metrics.IncRequest(metrics.ResultAccepted)
	s.publishMirror(snap)

	if !done {
		s.batches[target.BatcherIdx].Enqueue(target.SlotIdx, payload)
	}
}

// routeLocked implements the routing table from spec.md §4.1. Must be
// called with s.mu held. done is true when the payload was fully handled
// here (appended to an existing backlog queue, or stashed in a new one)
// and the caller must not also route it to a batcher.
func (s *Scheduler) routeLocked(cid common.CorrelationID, hdr request.Header, payload *request.Payload) (target common.BatchSlot, done bool) {
	if slot, ok := s.slotBySeq[cid]; ok {
		if hdr.Flags.Has(request.FlagSequenceEnd) {
			delete(s.slotBySeq, cid)
		}
		return slot, false
	}

	if bq, ok := s.backlogBySeq[cid]; ok {
		bq.payloads = append(bq.payloads, payload)
		if hdr.Flags.Has(request.FlagSequenceEnd) {
			delete(s.backlogBySeq, cid)
		}
		return common.BatchSlot{}, true
	}

	if slot, ok := s.pool.pop(); ok {
		s.slotBySeq[cid] = slot
		if hdr.Flags.Has(request.FlagSequenceEnd) {
			delete(s.slotBySeq, cid)
		}
		return slot, false
	}

	bq := &backlogQueue{cid: cid, payloads: []*request.Payload{payload}}
	s.backlog = append(s.backlog, bq)
	if !hdr.Flags.Has(request.FlagSequenceEnd) {
		s.backlogBySeq[cid] = bq
	}
	return common.BatchSlot{}, true
}

func (s *Scheduler) reject(onComplete request.CompletionFunc, message string) {
	s.metrics.IncRequest(metrics.ResultInvalidArgument)
	if onComplete != nil {
		onComplete(common.Status{Code: common.StatusInvalidArgument, Message: message})
	}
}

// ReleaseSlot is called by a batcher worker when a slot finishes processing
// a SEQUENCE_END payload. Implements spec.md §4.1 release_slot().
func (s *Scheduler) ReleaseSlot(slot common.BatchSlot) (sequencebatch.ReleaseResult, error) {
	s.mu.Lock()

	var result sequencebatch.ReleaseResult
	if len(s.backlog) > 0 {
		bq := s.backlog[0]
		s.backlog = s.backlog[1:]

		if !bq.lastIsSequenceEnd() {
			delete(s.backlogBySeq, bq.cid)
			if _, exists := s.slotBySeq[bq.cid]; exists {
				internalErr := ErrInternalInconsistency{
					Message: fmt.Sprintf("backlog promotion for correlation ID %d found an existing slot binding", bq.cid),
				}
				s.logger.Error(internalErr, "internal inconsistency during backlog promotion")
			}
			s.slotBySeq[bq.cid] = slot
		}
		result = sequencebatch.ReleaseResult{ReturnedToPool: false, PromotedQueue: bq.payloads}
	} else {
		s.pool.push(slot)
		result = sequencebatch.ReleaseResult{ReturnedToPool: true}
	}

	s.updateGaugesLocked()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.publishMirror(snap)
	return result, nil
}

// delayGate implements the debug backlog-delay gate from spec.md §4.1. It
// is handed to every batcher as a sequencebatch.DelayGateFunc.
func (s *Scheduler) delayGate(batcherIdx int, localCount int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.queueRequestCnts[batcherIdx] = localCount

	if s.perBatcherDelayThreshold > 0 {
		sum := 0
		for _, c := range s.queueRequestCnts {
			sum += c
		}
		if sum < s.perBatcherDelayThreshold {
			return true
		}
	}

	if s.backlogDelayThreshold > 0 {
		sum := 0
		for _, bq := range s.backlog {
			sum += len(bq.payloads)
		}
		if sum < s.backlogDelayThreshold {
			return true
		}
	}

	return false
}

// updateGaugesLocked refreshes the backlog-depth/ready-slots metrics
// gauges. Must be called with s.mu held.
func (s *Scheduler) updateGaugesLocked() {
	s.metrics.SetBacklogDepth(len(s.backlog))
	s.metrics.SetReadySlots(s.pool.len())
}

// snapshotLocked captures the state a stats mirror publish needs. Must be
// called with s.mu held; the caller unlocks before calling publishMirror so
// a slow Redis round trip never blocks the scheduler mutex.
func (s *Scheduler) snapshotLocked() statsmirror.Snapshot {
	depths := make([]int, len(s.queueRequestCnts))
	copy(depths, s.queueRequestCnts)
	return statsmirror.Snapshot{
		BacklogDepth: len(s.backlog),
		ReadySlots:   s.pool.len(),
		QueueDepths:  depths,
	}
}

// publishMirror best-effort publishes snap to the attached stats mirror, if
// any. Must be called without s.mu held.
func (s *Scheduler) publishMirror(snap statsmirror.Snapshot) {
	if s.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := s.mirror.Publish(ctx, snap); err != nil {
		s.logger.V(sequencelog.Debug).Info("stats mirror publish failed, continuing", "error", err.Error())
	}
}

// Close signals every batcher worker to exit and waits for all of them to
// join, aggregating joins with errgroup per the teacher's shutdown idiom.
func (s *Scheduler) Close(ctx context.Context) error {
	g, _ := errgroup.WithContext(ctx)
	for _, b := range s.batches {
		batch := b
		g.Go(func() error {
			batch.Stop()
			return nil
		})
	}
	return g.Wait()
}
