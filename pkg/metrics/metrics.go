// Package metrics exposes the Prometheus collectors the scheduler facade
// and the per-batcher sequence batch workers report through.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const schedulerSubsystem = "sequencer"

// Result labels for SchedulerRequestCount.
const (
	ResultAccepted        = "accepted"
	ResultInvalidArgument = "invalid_argument"
	ResultInternalError   = "internal_error"
)

var (
	// SchedulerRequestCount counts every Enqueue call by outcome.
	SchedulerRequestCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: schedulerSubsystem,
			Name:      "requests_total",
			Help:      "Total number of requests submitted to the scheduler, by outcome.",
		},
		[]string{"result"},
	)

	// BacklogDepth is the current number of backlog queues awaiting slot
	// promotion.
	BacklogDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Subsystem: schedulerSubsystem,
			Name:      "backlog_depth",
			Help:      "Current number of sequences held in the backlog.",
		},
	)

	// ReadySlots is the current size of the Ready-Slot Pool.
	ReadySlots = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Subsystem: schedulerSubsystem,
			Name:      "ready_slots",
			Help:      "Current number of unbound batch slots.",
		},
	)

	// BatchWidth observes the width of every assembled batch, per batcher.
	BatchWidth = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Subsystem: schedulerSubsystem,
			Name:      "batch_width",
			Help:      "Width (max_active_slot+1) of each batch handed to the runner.",
			Buckets:   prometheus.LinearBuckets(1, 1, 16),
		},
		[]string{"batcher"},
	)

	// ModelExecutionsTotal counts batches that contained at least one
	// successful real payload, per batcher.
	ModelExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: schedulerSubsystem,
			Name:      "model_executions_total",
			Help:      "Total number of batches containing at least one successfully executed payload, by batcher.",
		},
		[]string{"batcher"},
	)
)

// GetCollectors returns every custom collector the sequencer registers,
// mirroring the teacher's metrics.GetCollectors() convention.
func GetCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		SchedulerRequestCount,
		BacklogDepth,
		ReadySlots,
		BatchWidth,
		ModelExecutionsTotal,
	}
}

// Recorder adapts the package-level collectors to the sequencebatch.Metrics
// interface, so a *Batch never imports Prometheus directly.
type Recorder struct{}

func (Recorder) ObserveBatchWidth(batcherIdx, width int) {
	BatchWidth.WithLabelValues(strconv.Itoa(batcherIdx)).Observe(float64(width))
}

func (Recorder) IncExecutions(batcherIdx int) {
	ModelExecutionsTotal.WithLabelValues(strconv.Itoa(batcherIdx)).Inc()
}

func (Recorder) IncRequest(result string) {
	SchedulerRequestCount.WithLabelValues(result).Inc()
}

func (Recorder) SetBacklogDepth(n int) {
	BacklogDepth.Set(float64(n))
}

func (Recorder) SetReadySlots(n int) {
	ReadySlots.Set(float64(n))
}
