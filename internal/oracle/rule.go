package oracle

import (
	"context"
	"encoding/json"
	"fmt"

	"codeberg.org/mutker/plantqc/internal/plant"
	"codeberg.org/mutker/plantqc/internal/safety"
	"codeberg.org/mutker/plantqc/internal/sample"
)

// RulePlanner is the built-in deterministic backend: a small rule table
// mapping issue drivers to corrective knob moves. It emits the same raw
// JSON payload a remote backend would, so the schema contract stays
// exercised on every proposal.
type RulePlanner struct{}

// NewRulePlanner returns the default rule-based backend.
func NewRulePlanner() *RulePlanner {
	return &RulePlanner{}
}

type rawPlan struct {
	Issue     string            `json:"issue"`
	KPIImpact map[string]string `json:"kpi_impact,omitempty"`
	Actions   []rawAction       `json:"actions"`
	Notes     string            `json:"notes,omitempty"`
}

type rawAction struct {
	Knob     string  `json:"knob"`
	DeltaPct float64 `json:"delta_pct"`
	Reason   string  `json:"reason"`
}

// ProposeRaw drafts actions for the request's issue drivers.
func (r *RulePlanner) ProposeRaw(_ context.Context, req Request) ([]byte, error) {
	b := actionBuilder{limits: req.Limits}

	issueText := "Proactive correction request: nudge rawmix/mill to center targets"
	impact := map[string]string{"LSF": "neutral", "Blaine": "neutral", "fCaO": "neutral"}
	var drivers []string
	if req.Issue != nil {
		issueText = req.Issue.Evidence
		drivers = req.Issue.Drivers
		for k, v := range req.Issue.KPIImpact {
			impact[k] = v
		}
	}

	for _, drv := range drivers {
		b.forDriver(drv, req)
	}
	if len(b.actions) == 0 {
		b.recenter(req)
	}

	payload := rawPlan{
		Issue:     issueText,
		KPIImpact: impact,
		Actions:   b.actions,
		Notes:     "rule-based proposal; verify with what-if simulation before applying",
	}

	return json.Marshal(payload)
}

type actionBuilder struct {
	limits  safety.Catalog
	actions []rawAction
	seen    map[string]bool
}

func (b *actionBuilder) add(knob string, delta float64, reason string) {
	if b.seen == nil {
		b.seen = make(map[string]bool)
	}
	if b.seen[knob] || delta == 0 {
		return
	}
	b.seen[knob] = true
	b.actions = append(b.actions, rawAction{Knob: knob, DeltaPct: delta, Reason: reason})
}

func (b *actionBuilder) step(knob string, fallback float64) float64 {
	if lim, ok := b.limits[knob]; ok && lim.MaxStep > 0 {
		return lim.MaxStep
	}

	return fallback
}

func (b *actionBuilder) forDriver(drv string, req Request) {
	rawStep := b.step(plant.KnobSand, 0.5)
	sepStep := b.step(plant.KnobSeparator, 3.0)
	gypStep := b.step(plant.KnobGypsum, 0.3)

	switch drv {
	case "SiO2_in_high", "SiO2_in_trend_high", "LSF_low", "LSF_trend_low", "LSF_band_breach":
		if drv == "LSF_band_breach" && !lsfBelowCenter(req) {
			b.add(plant.KnobSand, rawStep, "LSF high: add sand to raise SiO2 and bring LSF down")
			b.add(plant.KnobLimestone, -b.step(plant.KnobLimestone, 0.5), "Reduce limestone to lower CaO")
			return
		}
		b.add(plant.KnobSand, -rawStep, "SiO2 high: cut sand to lower SiO2 and lift LSF")
		b.add(plant.KnobLimestone, b.step(plant.KnobLimestone, 0.5), "Raise limestone to lift CaO and LSF")
	case "SiO2_in_low", "SiO2_in_trend_low", "LSF_high", "LSF_trend_high":
		b.add(plant.KnobSand, rawStep, "SiO2 low: add sand to raise SiO2 and bring LSF down")
		b.add(plant.KnobLimestone, -b.step(plant.KnobLimestone, 0.5), "Reduce limestone to lower CaO")
	case "CaO_in_low", "CaO_in_trend_low":
		b.add(plant.KnobLimestone, b.step(plant.KnobLimestone, 0.5), "CaO low: raise limestone share")
	case "CaO_in_high", "CaO_in_trend_high":
		b.add(plant.KnobLimestone, -b.step(plant.KnobLimestone, 0.5), "CaO high: reduce limestone share")
	case "Separator_low", "Separator_trend_low", "Blaine_low", "Blaine_trend_low":
		b.add(plant.KnobSeparator, sepStep, "Separator low: raise speed to recover Blaine")
	case "Separator_high", "Separator_trend_high", "Blaine_high", "Blaine_trend_high":
		b.add(plant.KnobSeparator, -sepStep, "Separator high: lower speed to ease Blaine")
	case "Blaine_band_breach":
		if blaineBelowCenter(req) {
			b.add(plant.KnobSeparator, sepStep, "Blaine low vs band: raise separator speed")
			b.add(plant.KnobGypsum, gypStep, "Support fineness with a small gypsum increase")
		} else {
			b.add(plant.KnobSeparator, -sepStep, "Blaine high vs band: lower separator speed")
		}
	case "fCaO_high", "fCaO_trend_high":
		if lsfBelowCenter(req) {
			b.add(plant.KnobLimestone, b.step(plant.KnobLimestone, 0.5), "fCaO high with LSF low: raise limestone")
			b.add(plant.KnobSand, -rawStep, "Cut sand to support LSF recovery")
		} else {
			b.add(plant.KnobSand, rawStep, "fCaO high with LSF high: add sand to pull LSF back")
		}
	}
}

// recenter produces a minimal corrective nudge toward band centers when
// no driver rule matched, e.g. a forced proposal with no active issue.
func (b *actionBuilder) recenter(req Request) {
	lsfCenter := (req.Targets.LSFMin + req.Targets.LSFMax) / 2
	if st, ok := req.Stats[sample.LSFEst]; ok {
		dev := st.Last - lsfCenter
		step := b.step(plant.KnobSand, 0.5)
		if dev < -0.5 {
			b.add(plant.KnobSand, -step, fmt.Sprintf("Recenter LSF (%.1f below target center)", -dev))
			return
		}
		if dev > 0.5 {
			b.add(plant.KnobSand, step, fmt.Sprintf("Recenter LSF (%.1f above target center)", dev))
			return
		}
	}

	sepStep := b.step(plant.KnobSeparator, 3.0)
	target := 120.0
	current := req.Knobs.SeparatorSpeed
	delta := target - current
	if delta > sepStep {
		delta = sepStep
	}
	if delta < -sepStep {
		delta = -sepStep
	}
	if delta == 0 {
		delta = 0.1 // hold-steady proposals still need one concrete action
	}
	b.add(plant.KnobSeparator, delta, "Recenter separator speed toward nominal")
}

func lsfBelowCenter(req Request) bool {
	center := (req.Targets.LSFMin + req.Targets.LSFMax) / 2
	if st, ok := req.Stats[sample.LSFEst]; ok {
		return st.Last < center
	}

	return true
}

func blaineBelowCenter(req Request) bool {
	center := (req.Targets.BlaineMin + req.Targets.BlaineMax) / 2
	if st, ok := req.Stats[sample.BlaineEst]; ok {
		return st.Last < center
	}

	return true
}
