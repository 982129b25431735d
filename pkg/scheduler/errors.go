package scheduler

import (
	"fmt"

	"github.com/llm-d/sequencer/pkg/common"
)

// ErrInvalidArgument describes the three precondition failures spec.md
// §4.1 lists. Enqueue does not return or construct it: it reports those
// failures synchronously, before any state mutation, as a common.Status
// with StatusInvalidArgument passed to onComplete.
type ErrInvalidArgument struct {
	Message string
}

func (e ErrInvalidArgument) Error() string {
	return fmt.Sprintf("invalid argument: %s", e.Message)
}

// ErrConfiguration is returned from New when the model configuration is
// missing or malformed required control-tensor specifications.
type ErrConfiguration struct {
	Message string
	Cause   error
}

func (e ErrConfiguration) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("configuration error: %s", e.Message)
}

// ErrInternalInconsistency marks a condition the spec requires to be logged
// and survived, never to fail a caller's request. ReleaseSlot logs it
// itself when a backlog promotion finds an existing slot binding and still
// returns a nil error; it is never surfaced through a completion callback.
type ErrInternalInconsistency struct {
	Message string
}

func (e ErrInternalInconsistency) Error() string {
	return fmt.Sprintf("internal inconsistency: %s", e.Message)
}

// ErrRuntime describes a failure the runner callback reported. The
// scheduler never retries one; runner failures reach payloads as the
// common.Status passed to their completion callback, and nothing in this
// module constructs this type.
type ErrRuntime struct {
	Message string
}

func (e ErrRuntime) Error() string {
	return fmt.Sprintf("runtime error: %s", e.Message)
}

// ErrSequenceConflict describes SEQUENCE_START arriving for a correlation
// ID already in flight. Enqueue does not construct it: it logs the conflict
// as an info message of its own and appends the request to the existing
// target, returning nothing to the caller.
type ErrSequenceConflict struct {
	CorrelationID common.CorrelationID
}

func (e ErrSequenceConflict) Error() string {
	return fmt.Sprintf("sequence conflict: correlation ID %d already in flight, starting over", e.CorrelationID)
}
