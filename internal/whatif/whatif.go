// Package whatif projects a clamped plan's effect on current process
// state without mutating it. It runs the same parameter-response model as
// the live stream, so a projection and the process agree up to noise.
package whatif

import (
	"codeberg.org/mutker/plantqc/internal/plan"
	"codeberg.org/mutker/plantqc/internal/plant"
	"codeberg.org/mutker/plantqc/internal/sample"
)

// Result is a simulation outcome. Derived state only; always recomputed
// from live conditions, never persisted as authoritative.
type Result struct {
	PlanID      string             `json:"plan_id"`
	Fingerprint string             `json:"fingerprint"`
	Before      map[string]float64 `json:"before"`
	Projected   map[string]float64 `json:"projected"`
	Knobs       plant.Knobs        `json:"projected_knobs"`
}

// Simulate projects the plan against the given sample and control state.
// Deterministic and side-effect free. Actions apply in plan order: later
// actions see earlier actions' projected effect, matching how sequential
// control changes land on the real process.
func Simulate(p plan.Plan, current sample.Sample, knobs plant.Knobs, model plant.Model) Result {
	in := plant.Inputs{
		SiO2:      valueOr(current, sample.SiO2In, 14.0),
		CaO:       valueOr(current, sample.CaOIn, 43.0),
		Moisture:  valueOr(current, sample.Moisture, 1.5),
		Separator: knobs.SeparatorSpeed,
		Gypsum:    knobs.GypsumPct,
	}

	k := knobs
	for _, a := range p.Actions {
		in, k = plant.ApplyAction(in, k, a)
	}
	k = plant.RebalanceRawMix(k)
	in.Separator = k.SeparatorSpeed
	in.Gypsum = k.GypsumPct

	lsf, blaine, fcao, energy := model.KPIs(in)

	return Result{
		PlanID:      p.ID,
		Fingerprint: p.Fingerprint(),
		Before: map[string]float64{
			sample.LSFEst:    valueOr(current, sample.LSFEst, 0),
			sample.BlaineEst: valueOr(current, sample.BlaineEst, 0),
			sample.FCaOEst:   valueOr(current, sample.FCaOEst, 0),
			sample.Energy:    valueOr(current, sample.Energy, 0),
		},
		Projected: map[string]float64{
			sample.LSFEst:    lsf,
			sample.BlaineEst: blaine,
			sample.FCaOEst:   fcao,
			sample.Energy:    energy,
		},
		Knobs: k,
	}
}

func valueOr(s sample.Sample, name string, fallback float64) float64 {
	if v, ok := s.Get(name); ok {
		return v
	}

	return fallback
}
