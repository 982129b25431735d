package request

// nullProvider stands in for a real request when a slot has no queued
// payload for the current batch step. It echoes the shape of the first
// real request ever seen by its Sequence Batch (the "null request header")
// so that every step presents the runner with a batch of uniform shape.
type nullProvider struct {
	header    Header
	overrides OverrideSet
}

// NewNullProvider builds a placeholder provider from a cached header. The
// correlation ID and flags on the cached header are irrelevant to the
// placeholder and are not carried forward; callers that need to inspect the
// placeholder's own flags should treat it as carrying neither START nor END.
func NewNullProvider(header Header) Provider {
	return &nullProvider{
		header: Header{
			BatchSize: header.BatchSize,
		},
	}
}

func (n *nullProvider) Header() Header {
	return n.header
}

func (n *nullProvider) SetInputOverride(overrides OverrideSet) {
	n.overrides = overrides
}

// Overrides returns the override set last attached to the placeholder,
// primarily for tests that want to assert NOT_READY was applied.
func (n *nullProvider) Overrides() OverrideSet {
	return n.overrides
}
