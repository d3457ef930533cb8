// Package experiment implements weighted A/B test assignment and the
// telemetry calls tied to it.
package experiment

import (
	"fmt"
	"math"
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/zoptal/abkit/internal/model"
)

// ConfigError reports a structurally invalid experiment definition.
// Definitions fail fast at load time rather than silently skewing
// assignment at runtime.
type ConfigError struct {
	ExperimentID string
	Reason       string
}

func (e *ConfigError) Error() string {
	if e.ExperimentID == "" {
		return fmt.Sprintf("experiment config: %s", e.Reason)
	}
	return fmt.Sprintf("experiment config %q: %s", e.ExperimentID, e.Reason)
}

type definitionFile struct {
	Experiments []model.Experiment `yaml:"experiments"`
}

// LoadFile reads experiment definitions from a YAML file, validates
// them, and normalizes variant weights to sum to 1.0.
func LoadFile(path string) ([]model.Experiment, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "experiment: read %s", path)
	}

	var file definitionFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, eris.Wrapf(err, "experiment: parse %s", path)
	}

	if err := Normalize(file.Experiments); err != nil {
		return nil, err
	}
	return file.Experiments, nil
}

// Normalize validates experiment definitions in place and rescales each
// experiment's variant weights to sum to 1.0. It returns a ConfigError
// for an empty id, a duplicate id, an experiment without variants, a
// duplicate variant id, or a non-positive weight.
func Normalize(experiments []model.Experiment) error {
	seen := make(map[string]bool, len(experiments))
	for i := range experiments {
		exp := &experiments[i]

		if exp.ID == "" {
			return &ConfigError{Reason: "missing experiment id"}
		}
		if seen[exp.ID] {
			return &ConfigError{ExperimentID: exp.ID, Reason: "duplicate experiment id"}
		}
		seen[exp.ID] = true

		if len(exp.Variants) == 0 {
			return &ConfigError{ExperimentID: exp.ID, Reason: "no variants"}
		}
		if exp.StartAt != nil && exp.EndAt != nil && exp.EndAt.Before(*exp.StartAt) {
			return &ConfigError{ExperimentID: exp.ID, Reason: "end_at before start_at"}
		}

		variantIDs := make(map[string]bool, len(exp.Variants))
		var sum float64
		for _, v := range exp.Variants {
			if v.ID == "" {
				return &ConfigError{ExperimentID: exp.ID, Reason: "missing variant id"}
			}
			if variantIDs[v.ID] {
				return &ConfigError{ExperimentID: exp.ID, Reason: fmt.Sprintf("duplicate variant id %q", v.ID)}
			}
			variantIDs[v.ID] = true
			if v.Weight <= 0 || math.IsNaN(v.Weight) || math.IsInf(v.Weight, 0) {
				return &ConfigError{ExperimentID: exp.ID, Reason: fmt.Sprintf("variant %q has invalid weight %v", v.ID, v.Weight)}
			}
			sum += v.Weight
		}

		for j := range exp.Variants {
			exp.Variants[j].Weight /= sum
		}
	}
	return nil
}
