package experiment

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoptal/abkit/internal/model"
)

func TestLoadFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "experiments.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
experiments:
  - id: cta_test
    name: CTA copy test
    active: true
    target_path: /pricing
    variants:
      - id: control
        name: Control
        weight: 1
      - id: treatment
        name: Treatment
        weight: 3
        config:
          headline: "Start free"
`), 0o644))

	experiments, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, experiments, 1)

	exp := experiments[0]
	assert.Equal(t, "cta_test", exp.ID)
	assert.True(t, exp.Active)
	assert.Equal(t, "/pricing", exp.TargetPath)
	require.Len(t, exp.Variants, 2)

	// Weights 1 and 3 normalize to 0.25 and 0.75.
	assert.InDelta(t, 0.25, exp.Variants[0].Weight, 1e-9)
	assert.InDelta(t, 0.75, exp.Variants[1].Weight, 1e-9)
	assert.Equal(t, "Start free", exp.Variants[1].Config["headline"])
}

func TestLoadFile_Missing(t *testing.T) {
	t.Parallel()
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoadFile_BadYAML(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "experiments.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{not yaml"), 0o644))
	_, err := LoadFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse")
}

func TestNormalize_Errors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name        string
		experiments []model.Experiment
		wantReason  string
	}{
		{
			name:        "missing experiment id",
			experiments: []model.Experiment{{Variants: []model.Variant{{ID: "a", Weight: 1}}}},
			wantReason:  "missing experiment id",
		},
		{
			name: "duplicate experiment id",
			experiments: []model.Experiment{
				{ID: "x", Variants: []model.Variant{{ID: "a", Weight: 1}}},
				{ID: "x", Variants: []model.Variant{{ID: "a", Weight: 1}}},
			},
			wantReason: "duplicate experiment id",
		},
		{
			name:        "no variants",
			experiments: []model.Experiment{{ID: "x"}},
			wantReason:  "no variants",
		},
		{
			name: "missing variant id",
			experiments: []model.Experiment{
				{ID: "x", Variants: []model.Variant{{Weight: 1}}},
			},
			wantReason: "missing variant id",
		},
		{
			name: "duplicate variant id",
			experiments: []model.Experiment{
				{ID: "x", Variants: []model.Variant{{ID: "a", Weight: 1}, {ID: "a", Weight: 1}}},
			},
			wantReason: "duplicate variant id",
		},
		{
			name: "zero weight",
			experiments: []model.Experiment{
				{ID: "x", Variants: []model.Variant{{ID: "a", Weight: 0}}},
			},
			wantReason: "invalid weight",
		},
		{
			name: "negative weight",
			experiments: []model.Experiment{
				{ID: "x", Variants: []model.Variant{{ID: "a", Weight: -0.5}}},
			},
			wantReason: "invalid weight",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Normalize(tc.experiments)
			require.Error(t, err)
			var cfgErr *ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Contains(t, err.Error(), tc.wantReason)
		})
	}
}

func TestNormalize_RescalesWeights(t *testing.T) {
	t.Parallel()

	experiments := []model.Experiment{{
		ID: "x",
		Variants: []model.Variant{
			{ID: "a", Weight: 2},
			{ID: "b", Weight: 2},
			{ID: "c", Weight: 4},
		},
	}}
	require.NoError(t, Normalize(experiments))

	assert.InDelta(t, 0.25, experiments[0].Variants[0].Weight, 1e-9)
	assert.InDelta(t, 0.25, experiments[0].Variants[1].Weight, 1e-9)
	assert.InDelta(t, 0.5, experiments[0].Variants[2].Weight, 1e-9)
}

func TestNormalize_AlreadyNormalized(t *testing.T) {
	t.Parallel()

	experiments := []model.Experiment{ctaExperiment()}
	require.NoError(t, Normalize(experiments))
	assert.InDelta(t, 0.5, experiments[0].Variants[0].Weight, 1e-9)
	assert.InDelta(t, 0.5, experiments[0].Variants[1].Weight, 1e-9)
}
