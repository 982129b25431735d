// Package request defines the provider interfaces the sequence batching
// scheduler consumes from its host serving stack, and the Payload type that
// flows through the scheduler's queues.
package request

import (
	"time"

	"github.com/llm-d/sequencer/pkg/common"
)

// Flags is the header bitmask carried on every request.
type Flags uint8

const (
	// FlagSequenceStart marks the first request of a sequence.
	FlagSequenceStart Flags = 1 << 0
	// FlagSequenceEnd marks the last request of a sequence.
	FlagSequenceEnd Flags = 1 << 1
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// Header is the subset of a request's metadata the scheduler needs to make
// routing decisions and to build placeholder requests.
type Header struct {
	BatchSize     int
	CorrelationID common.CorrelationID
	Flags         Flags
}

// DataType is the model-declared tensor element type for a control signal.
// Only the encodings needed to carry a boolean control value are named; a
// real deployment's model config may declare any of the usual inference
// datatypes here (TYPE_BOOL, TYPE_INT32, TYPE_UINT8, ...) and this package
// is agnostic to which one, since it only ever carries pre-encoded bytes.
type DataType string

// InputOverride is a small fixed-shape tensor substituted into a request to
// carry START/READY control signalling to the model.
type InputOverride struct {
	Dims     []int64
	Datatype DataType
	Content  []byte
}

// OverrideSet maps a control tensor's name to the override that should be
// substituted for it. The scheduler builds exactly three of these (START,
// CONTINUE, NOT_READY) once at construction and shares them by reference
// across every batcher.
type OverrideSet map[string]InputOverride

// Provider is the request-side collaborator the scheduler consumes. A real
// provider owns the tensors backing the actual request; the scheduler only
// ever reads its Header and writes an override set into it.
type Provider interface {
	Header() Header
	SetInputOverride(overrides OverrideSet)
}

// ResponseProvider is opaque to the scheduler: it is carried alongside a
// Payload purely so the runner can write results into it.
type ResponseProvider interface{}

// CompletionFunc is invoked exactly once per payload with the effective
// terminal status of the batch it was executed in.
type CompletionFunc func(common.Status)

// Payload is one queued request. Payloads are single-consumer: once
// dequeued by a Sequence Batch worker they are never re-enqueued.
type Payload struct {
	QueuedAt   time.Time
	StatsToken any // opaque handle into the host's statistics/timer system

	Req      Provider
	Resp     ResponseProvider
	OnComplete CompletionFunc

	// Synthetic is true for NOT_READY placeholder payloads manufactured by
	// a Sequence Batch worker to fill an empty slot. Synthetic payloads
	// carry no OnComplete and are skipped by completion accounting except
	// for the error-elevation rule in the batch package.
	Synthetic bool

	// Status may be set by the runner, before the batch's shared
	// completion callback fires, to report a per-payload outcome that
	// differs from the batch-wide status (e.g. one request's output
	// tensor failed to materialize even though the batch step itself
	// completed). Zero value is StatusOK. The effective status delivered
	// to OnComplete is the batch status if it is non-OK, else this field.
	Status common.Status
}

// Header is a convenience accessor mirroring Provider.Header(), used by
// code that only has a *Payload in hand.
func (p *Payload) Header() Header {
	return p.Req.Header()
}
