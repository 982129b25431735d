package scheduler

import (
	"github.com/llm-d/sequencer/pkg/modelconfig"
	"github.com/llm-d/sequencer/pkg/request"
)

// buildControlTensors builds the three immutable override sets (START,
// CONTINUE, NOT_READY) from a validated model configuration, per spec.md
// §4.2. Both controls are required; modelconfig.Config.Validate already
// enforces that before this is called, so this function cannot fail.
func buildControlTensors(cfg modelconfig.Config) (start, continueSet, notReady request.OverrideSet) {
	sc := cfg.SequenceBatching.Start
	rc := cfg.SequenceBatching.Ready

	start = request.OverrideSet{
		sc.TensorName: boolOverride(sc, true),
		rc.TensorName: boolOverride(rc, true),
	}
	continueSet = request.OverrideSet{
		sc.TensorName: boolOverride(sc, false),
		rc.TensorName: boolOverride(rc, true),
	}
	notReady = request.OverrideSet{
		sc.TensorName: boolOverride(sc, false),
		rc.TensorName: boolOverride(rc, false),
	}
	return start, continueSet, notReady
}

func boolOverride(spec modelconfig.ControlSpec, value bool) request.InputOverride {
	content := spec.FalseValue
	if value {
		content = spec.TrueValue
	}
	return request.InputOverride{
		Dims:     []int64{1},
		Datatype: spec.Datatype,
		Content:  content,
	}
}
