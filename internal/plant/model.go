package plant

import (
	"math"

	"codeberg.org/mutker/plantqc/internal/plan"
)

// Knob identifiers the planner may address.
const (
	KnobLimestone = "limestone_pct"
	KnobSand      = "sand_pct"
	KnobClay      = "clay_pct"
	KnobSeparator = "separator_speed"
	KnobGypsum    = "gypsum_pct"
)

// Knobs is the controllable part of the plant state.
type Knobs struct {
	LimestonePct   float64 `json:"limestone_pct"`
	SandPct        float64 `json:"sand_pct"`
	ClayPct        float64 `json:"clay_pct"`
	SeparatorSpeed float64 `json:"separator_speed"`
	GypsumPct      float64 `json:"gypsum_pct"`
}

// Inputs are the raw process conditions the response model maps to KPIs.
type Inputs struct {
	SiO2      float64
	CaO       float64
	Moisture  float64
	Separator float64
	Gypsum    float64
}

// Model is the parameter-response model. The same model drives the live
// stream and the what-if projection, so a projection and the process agree
// up to the stream's noise.
type Model struct {
	LSFMin float64
	LSFMax float64
}

// LSF is the lime saturation factor estimate from the raw input chemistry.
func (m Model) LSF(cao, sio2 float64) float64 {
	return 100.0 + 2.2*(cao-43.0) - 1.8*(sio2-14.0)
}

// Blaine is the fineness estimate from mill conditions.
func (m Model) Blaine(separator, gypsumPct, moisture float64) float64 {
	return 340.0 + 2.0*(separator-120.0) + 8.0*(gypsumPct-3.0) - 4.0*(moisture-1.5)
}

// FCaO is the free lime estimate. Deviation of LSF from its band drives it;
// inside the band it is zero.
func (m Model) FCaO(lsf float64) float64 {
	var dev float64
	switch {
	case lsf < m.LSFMin:
		dev = m.LSFMin - lsf
	case lsf > m.LSFMax:
		dev = lsf - m.LSFMax
	}

	return math.Max(0, 0.25*dev)
}

// Energy is the specific energy consumption estimate.
func (m Model) Energy(separator, gypsumPct, sio2 float64) float64 {
	return separator*0.1 + gypsumPct*5.0 + math.Abs(sio2-14.0)*2.0
}

// KPIs evaluates the full response model for the given inputs.
func (m Model) KPIs(in Inputs) (lsf, blaine, fcao, energy float64) {
	lsf = m.LSF(in.CaO, in.SiO2)
	blaine = m.Blaine(in.Separator, in.Gypsum, in.Moisture)
	fcao = m.FCaO(lsf)
	energy = m.Energy(in.Separator, in.Gypsum, in.SiO2)

	return lsf, blaine, fcao, energy
}

// ApplyAction applies one knob adjustment to a knob/input pair and returns
// the adjusted copies. Adjusting a raw mix knob has a side effect on the
// input chemistry; the mill knobs move their input directly. Unknown knobs
// leave both untouched; the safety clamp rejects them before this point.
func ApplyAction(in Inputs, k Knobs, a plan.Action) (Inputs, Knobs) {
	switch a.Knob {
	case KnobSand:
		k.SandPct += a.DeltaPct
		in.SiO2 += -0.4 * a.DeltaPct
	case KnobLimestone:
		k.LimestonePct += a.DeltaPct
		in.CaO += 0.4 * a.DeltaPct
		in.SiO2 += -0.2 * a.DeltaPct
	case KnobClay:
		k.ClayPct += a.DeltaPct
		in.SiO2 += -0.1 * a.DeltaPct
	case KnobSeparator:
		k.SeparatorSpeed += a.DeltaPct
		in.Separator += a.DeltaPct
	case KnobGypsum:
		k.GypsumPct += a.DeltaPct
		in.Gypsum += a.DeltaPct
	}

	return in, k
}

// RebalanceRawMix nudges clay so limestone+sand+clay stays at ~100%.
func RebalanceRawMix(k Knobs) Knobs {
	total := k.LimestonePct + k.SandPct + k.ClayPct
	if math.Abs(total-100.0) > 0.01 {
		k.ClayPct += 100.0 - total
	}

	return k
}

// IsKnob reports whether name addresses a controllable knob.
func IsKnob(name string) bool {
	switch name {
	case KnobLimestone, KnobSand, KnobClay, KnobSeparator, KnobGypsum:
		return true
	default:
		return false
	}
}

// Value returns the named knob's current setting.
func (k Knobs) Value(name string) (float64, bool) {
	switch name {
	case KnobLimestone:
		return k.LimestonePct, true
	case KnobSand:
		return k.SandPct, true
	case KnobClay:
		return k.ClayPct, true
	case KnobSeparator:
		return k.SeparatorSpeed, true
	case KnobGypsum:
		return k.GypsumPct, true
	default:
		return 0, false
	}
}
