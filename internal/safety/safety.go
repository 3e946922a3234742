// Package safety bounds plan actions against operational constraints.
// It is the last line of defense against an unsafe or hallucinated
// instruction: whatever the oracle returns, the clamped plan's actions
// stay within the catalog's per-step and absolute limits.
package safety

import (
	_ "embed"
	"fmt"
	"math"
	"os"

	"codeberg.org/mutker/plantqc/internal/errors"
	"codeberg.org/mutker/plantqc/internal/plan"
	"codeberg.org/mutker/plantqc/internal/plant"
	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalogYAML []byte

// Limit is one knob's operational constraint set.
type Limit struct {
	MaxStep float64 `json:"max_step" yaml:"max_step"`
	Min     float64 `json:"min" yaml:"min"`
	Max     float64 `json:"max" yaml:"max"`
}

// Catalog maps knob identifiers to their limits.
type Catalog map[string]Limit

type catalogFile struct {
	Knobs map[string]Limit `yaml:"knobs"`
}

// DefaultCatalog returns the embedded constraint catalog.
func DefaultCatalog() Catalog {
	cat, err := parseCatalog(defaultCatalogYAML)
	if err != nil {
		// The embedded catalog is fixed at build time; failing to parse
		// it is a programming error.
		panic(err)
	}

	return cat
}

// LoadCatalog reads a constraint catalog from a YAML file.
func LoadCatalog(path string) (Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.New().Wrap(errors.ErrReadConfig, err)
	}

	return parseCatalog(raw)
}

func parseCatalog(raw []byte) (Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, errors.New().Wrap(errors.ErrInvalidConfig, err)
	}
	if len(f.Knobs) == 0 {
		return nil, errors.New().WithMessage(errors.ErrInvalidConfig, "knob catalog is empty")
	}
	for name, lim := range f.Knobs {
		if lim.MaxStep <= 0 || lim.Min >= lim.Max {
			return nil, errors.New().WithMessage(errors.ErrInvalidConfig,
				fmt.Sprintf("knob %q has invalid limits", name))
		}
	}

	return Catalog(f.Knobs), nil
}

// Result is the outcome of clamping one plan.
type Result struct {
	Plan     plan.Plan     `json:"plan"`
	Notes    []string      `json:"notes,omitempty"`
	Rejected []plan.Action `json:"rejected,omitempty"`
}

// Clamp bounds every action of the plan against the catalog, given the
// current knob settings. Pure: the input plan is never mutated. Unknown
// knobs are dropped into Rejected rather than failing the plan; per-step
// overshoots are clamped to the signed maximum; actions whose projected
// value would exit the knob's absolute range are clamped to the nearer
// boundary and annotated.
func Clamp(p plan.Plan, knobs plant.Knobs, cat Catalog) Result {
	out := p.Clone()
	res := Result{}

	kept := out.Actions[:0]
	for _, a := range out.Actions {
		lim, known := cat[a.Knob]
		if !known || !plant.IsKnob(a.Knob) {
			res.Rejected = append(res.Rejected, a)
			res.Notes = append(res.Notes, fmt.Sprintf("%s: unknown knob, action dropped", a.Knob))
			continue
		}

		current, _ := knobs.Value(a.Knob)
		a = clampAction(a, current, lim, &res)
		kept = append(kept, a)
	}
	out.Actions = kept

	out.Actions = rebalance(out.Actions, knobs, cat, &res)
	res.Plan = out

	return res
}

func clampAction(a plan.Action, current float64, lim Limit, res *Result) plan.Action {
	if a.DeltaPct > lim.MaxStep {
		a.DeltaPct = lim.MaxStep
		a.Clamped = true
		res.Notes = append(res.Notes, fmt.Sprintf("%s clamped to +%g", a.Knob, lim.MaxStep))
	}
	if a.DeltaPct < -lim.MaxStep {
		a.DeltaPct = -lim.MaxStep
		a.Clamped = true
		res.Notes = append(res.Notes, fmt.Sprintf("%s clamped to -%g", a.Knob, lim.MaxStep))
	}

	projected := current + a.DeltaPct
	var bound float64
	switch {
	case projected > lim.Max:
		bound = lim.Max
	case projected < lim.Min:
		bound = lim.Min
	default:
		return a
	}

	// Clamp to the nearer boundary; never exceed the step limit even when
	// the current value already sits outside its range.
	delta := bound - current
	if math.Abs(delta) > lim.MaxStep {
		delta = math.Copysign(lim.MaxStep, delta)
	}
	a.DeltaPct = delta
	a.Clamped = true
	res.Notes = append(res.Notes, fmt.Sprintf("%s clamped to range boundary %g", a.Knob, bound))

	return a
}

// rebalance keeps limestone+sand+clay at ~100% by compensating on clay
// when the surviving raw mix deltas do not cancel out.
func rebalance(actions []plan.Action, knobs plant.Knobs, cat Catalog, res *Result) []plan.Action {
	var total float64
	hasClay := false
	for _, a := range actions {
		switch a.Knob {
		case plant.KnobLimestone, plant.KnobSand:
			total += a.DeltaPct
		case plant.KnobClay:
			total += a.DeltaPct
			hasClay = true
		}
	}

	if math.Abs(total) <= 1e-6 || hasClay {
		return actions
	}

	balance := plan.Action{
		Knob:     plant.KnobClay,
		DeltaPct: -total,
		Reason:   "Auto-balance to keep limestone+sand+clay at ~100%",
	}
	if lim, ok := cat[plant.KnobClay]; ok {
		current, _ := knobs.Value(plant.KnobClay)
		balance = clampAction(balance, current, lim, res)
	}
	res.Notes = append(res.Notes, "clay_pct auto-balance appended")

	return append(actions, balance)
}
