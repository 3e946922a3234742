package safety_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeberg.org/mutker/plantqc/internal/plan"
	"codeberg.org/mutker/plantqc/internal/plant"
	"codeberg.org/mutker/plantqc/internal/safety"
)

var testKnobs = plant.Knobs{
	LimestonePct:   83,
	SandPct:        4,
	ClayPct:        13,
	SeparatorSpeed: 120,
	GypsumPct:      3,
}

func planWith(actions ...plan.Action) plan.Plan {
	return plan.Plan{ID: "p1", Issue: "test issue", Actions: actions}
}

func TestDefaultCatalogCoversAllKnobs(t *testing.T) {
	cat := safety.DefaultCatalog()

	for _, knob := range []string{
		plant.KnobLimestone, plant.KnobSand, plant.KnobClay,
		plant.KnobSeparator, plant.KnobGypsum,
	} {
		lim, ok := cat[knob]
		require.True(t, ok, "Expected catalog entry for %s", knob)
		assert.Positive(t, lim.MaxStep)
		assert.Less(t, lim.Min, lim.Max)
	}
}

func TestClampWithinLimitsPassesThrough(t *testing.T) {
	cat := safety.DefaultCatalog()

	res := safety.Clamp(planWith(
		plan.Action{Knob: plant.KnobSeparator, DeltaPct: 2, Reason: "raise fineness"},
	), testKnobs, cat)

	require.Len(t, res.Plan.Actions, 1)
	assert.InDelta(t, 2.0, res.Plan.Actions[0].DeltaPct, 1e-9)
	assert.False(t, res.Plan.Actions[0].Clamped)
	assert.Empty(t, res.Rejected)
}

func TestClampOversizedStep(t *testing.T) {
	cat := safety.DefaultCatalog()

	res := safety.Clamp(planWith(
		plan.Action{Knob: plant.KnobSand, DeltaPct: -2.0, Reason: "cut silica hard"},
	), testKnobs, cat)

	require.Len(t, res.Plan.Actions, 2, "Expected the action plus a clay balance")
	got := res.Plan.Actions[0]
	assert.InDelta(t, -0.5, got.DeltaPct, 1e-9, "Expected step bound to the ramp limit")
	assert.True(t, got.Clamped)
	assert.NotEmpty(t, res.Notes)
}

func TestClampAbsoluteBoundary(t *testing.T) {
	cat := safety.DefaultCatalog()
	knobs := testKnobs
	knobs.GypsumPct = 3.9

	res := safety.Clamp(planWith(
		plan.Action{Knob: plant.KnobGypsum, DeltaPct: 0.3, Reason: "more gypsum"},
	), knobs, cat)

	require.Len(t, res.Plan.Actions, 1)
	assert.InDelta(t, 0.1, res.Plan.Actions[0].DeltaPct, 1e-9, "Expected delta cut at the 4.0 ceiling")
	assert.True(t, res.Plan.Actions[0].Clamped)
}

func TestUnknownKnobIsRejectedNotFatal(t *testing.T) {
	cat := safety.DefaultCatalog()

	res := safety.Clamp(planWith(
		plan.Action{Knob: "kiln_speed", DeltaPct: 1, Reason: "nonsense"},
		plan.Action{Knob: plant.KnobSeparator, DeltaPct: 1, Reason: "fine"},
	), testKnobs, cat)

	require.Len(t, res.Plan.Actions, 1, "Expected only the valid action kept")
	require.Len(t, res.Rejected, 1)
	assert.Equal(t, "kiln_speed", res.Rejected[0].Knob)
}

func TestRawMixBalanceAppended(t *testing.T) {
	cat := safety.DefaultCatalog()

	res := safety.Clamp(planWith(
		plan.Action{Knob: plant.KnobSand, DeltaPct: -0.5, Reason: "cut silica"},
		plan.Action{Knob: plant.KnobLimestone, DeltaPct: 0.3, Reason: "lift lime"},
	), testKnobs, cat)

	require.Len(t, res.Plan.Actions, 3)
	balance := res.Plan.Actions[2]
	assert.Equal(t, plant.KnobClay, balance.Knob)
	assert.InDelta(t, 0.2, balance.DeltaPct, 1e-9, "Expected clay to absorb the net raw mix delta")
}

func TestNoBalanceWhenClayAddressed(t *testing.T) {
	cat := safety.DefaultCatalog()

	res := safety.Clamp(planWith(
		plan.Action{Knob: plant.KnobSand, DeltaPct: -0.5, Reason: "cut silica"},
		plan.Action{Knob: plant.KnobClay, DeltaPct: 0.5, Reason: "explicit balance"},
	), testKnobs, cat)

	assert.Len(t, res.Plan.Actions, 2, "Expected no extra balance when the plan addresses clay")
}

func TestClampDoesNotMutateInput(t *testing.T) {
	cat := safety.DefaultCatalog()
	p := planWith(plan.Action{Knob: plant.KnobSand, DeltaPct: -2.0, Reason: "oversized"})

	_ = safety.Clamp(p, testKnobs, cat)

	assert.InDelta(t, -2.0, p.Actions[0].DeltaPct, 1e-9, "Expected the input plan untouched")
	assert.False(t, p.Actions[0].Clamped)
}

func TestLoadCatalogFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	content := []byte(`
knobs:
  separator_speed:
    max_step: 5.0
    min: 100
    max: 140
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cat, err := safety.LoadCatalog(path)
	require.NoError(t, err)
	assert.InDelta(t, 5.0, cat[plant.KnobSeparator].MaxStep, 1e-9)
}

func TestLoadCatalogRejectsInvalidLimits(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	content := []byte(`
knobs:
  separator_speed:
    max_step: 0
    min: 100
    max: 140
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	_, err := safety.LoadCatalog(path)
	assert.Error(t, err)
}
