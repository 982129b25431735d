// Package modelconfig loads and validates the model configuration the
// sequence batching scheduler needs: the maximum batch width and the two
// required sequence-control tensor specifications (SEQUENCE_START and
// SEQUENCE_READY).
package modelconfig

import (
	"fmt"

	"github.com/go-logr/logr"
	"gopkg.in/yaml.v3"

	"github.com/llm-d/sequencer/pkg/request"
)

// ControlSpec describes how a single boolean sequence-control signal is
// encoded as a model input tensor.
type ControlSpec struct {
	TensorName string          `yaml:"tensorName"`
	Datatype   request.DataType `yaml:"datatype"`
	// TrueValue/FalseValue are the raw little-endian bytes the model
	// expects for the "true"/"false" encoding of this control. Most
	// deployments use a single byte (TYPE_BOOL) but the scheduler does not
	// interpret these beyond copying them into an InputOverride.
	TrueValue  []byte `yaml:"trueValue"`
	FalseValue []byte `yaml:"falseValue"`
}

// SequenceBatching holds the two required control specifications.
type SequenceBatching struct {
	Start ControlSpec `yaml:"start"`
	Ready ControlSpec `yaml:"ready"`
}

// Config is the validated model configuration consumed by
// scheduler.New. Zero-value Config is invalid; use LoadYAML or fill every
// field.
type Config struct {
	Name             string           `yaml:"name"`
	MaxBatchSize     int              `yaml:"maxBatchSize"`
	SequenceBatching SequenceBatching `yaml:"sequenceBatching"`
	// NiceLevel is applied, best-effort, to each batcher worker's OS thread
	// priority on startup. Zero (the default) leaves priority untouched.
	NiceLevel int `yaml:"niceLevel"`
}

// EffectiveBatchSize returns the configured max batch size clamped to at
// least 1, matching the spec's "max_batch_size = 0 -> treated as 1" rule.
func (c Config) EffectiveBatchSize() int {
	if c.MaxBatchSize < 1 {
		return 1
	}
	return c.MaxBatchSize
}

// Validate checks that both required control specs are present and
// well-formed. Absence of either is a fatal configuration error per the
// spec's error handling design.
func (c Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("modelconfig: model name must not be empty")
	}
	if err := c.SequenceBatching.Start.validate("start"); err != nil {
		return err
	}
	if err := c.SequenceBatching.Ready.validate("ready"); err != nil {
		return err
	}
	if c.SequenceBatching.Start.TensorName == c.SequenceBatching.Ready.TensorName {
		return fmt.Errorf("modelconfig: start and ready controls must use distinct tensor names, both got %q",
			c.SequenceBatching.Start.TensorName)
	}
	return nil
}

func (s ControlSpec) validate(which string) error {
	if s.TensorName == "" {
		return fmt.Errorf("modelconfig: missing required sequence-batching control %q: no tensor name", which)
	}
	if s.Datatype == "" {
		return fmt.Errorf("modelconfig: missing required sequence-batching control %q: no datatype", which)
	}
	if len(s.TrueValue) == 0 || len(s.FalseValue) == 0 {
		return fmt.Errorf("modelconfig: missing required sequence-batching control %q: true/false byte encodings must be non-empty", which)
	}
	return nil
}

// LoadYAML parses a model configuration from YAML bytes and validates it.
func LoadYAML(data []byte, logger logr.Logger) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("modelconfig: parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	logger.V(1).Info("loaded model configuration", "model", cfg.Name, "maxBatchSize", cfg.EffectiveBatchSize())
	return cfg, nil
}
