package plant

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"codeberg.org/mutker/plantqc/internal/errors"
	"codeberg.org/mutker/plantqc/internal/logger"
	"codeberg.org/mutker/plantqc/internal/plan"
	"codeberg.org/mutker/plantqc/internal/sample"
)

// Disturbance types accepted by InjectDisturbance. The detector's
// *_high/_low driver names are accepted as aliases.
const (
	DisturbSiO2Spike = "siO2_spike"
	DisturbCaODrop   = "cao_drop"
	DisturbSepLow    = "sep_low"
)

var disturbAliases = map[string]string{
	DisturbSiO2Spike: DisturbSiO2Spike,
	DisturbCaODrop:   DisturbCaODrop,
	DisturbSepLow:    DisturbSepLow,
	"SiO2_in_high":   DisturbSiO2Spike,
	"CaO_in_low":     DisturbCaODrop,
	"Separator_low":  DisturbSepLow,
}

type disturbance struct {
	dSiO2     float64
	dCaO      float64
	dSep      float64
	ticksLeft int
}

// Sim is the plant simulation: it owns the control state and the raw
// process inputs, and is the single serialization point for every
// read-modify-write against them. Background ticks and operator applies
// both go through its mutex, so the two can never interleave into a torn
// update.
type Sim struct {
	mu    sync.RWMutex
	rng   *rand.Rand
	model Model

	inputs  Inputs
	knobs   Knobs
	disturb disturbance

	tickInterval time.Duration
	lastSample   sample.Sample
	hasSample    bool
}

// NewSim builds a simulation with the given initial knob settings. A zero
// seed derives one from the clock; tests pass a fixed seed for
// reproducible streams.
func NewSim(model Model, knobs Knobs, tickInterval time.Duration, seed int64) *Sim {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	return &Sim{
		rng:   rand.New(rand.NewSource(seed)),
		model: model,
		inputs: Inputs{
			SiO2:      14.0,
			CaO:       43.0,
			Moisture:  1.5,
			Separator: knobs.SeparatorSpeed,
			Gypsum:    knobs.GypsumPct,
		},
		knobs:        knobs,
		tickInterval: tickInterval,
	}
}

// Tick advances the simulation one step and returns the produced sample.
func (s *Sim) Tick() sample.Sample {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.inputs.SiO2 += s.rng.Float64()*0.1 - 0.05
	s.inputs.CaO += s.rng.Float64()*0.1 - 0.05
	s.inputs.Moisture += s.rng.Float64()*0.04 - 0.02
	s.knobs.SeparatorSpeed += s.rng.Float64()*0.4 - 0.2
	s.knobs.GypsumPct += s.rng.Float64()*0.02 - 0.01

	if s.disturb.ticksLeft > 0 {
		s.inputs.SiO2 += s.disturb.dSiO2
		s.inputs.CaO += s.disturb.dCaO
		s.knobs.SeparatorSpeed += s.disturb.dSep
		s.disturb.ticksLeft--
		if s.disturb.ticksLeft == 0 {
			s.disturb = disturbance{}
			logger.Debug().Msg("Disturbance expired")
		}
	}

	// Soft clamps keep the generated ranges realistic
	s.inputs.SiO2 = clampFloat(s.inputs.SiO2, 10.0, 18.0)
	s.inputs.CaO = clampFloat(s.inputs.CaO, 40.0, 46.0)
	s.inputs.Moisture = clampFloat(s.inputs.Moisture, 0.5, 3.0)
	s.knobs.SeparatorSpeed = clampFloat(s.knobs.SeparatorSpeed, 110.0, 130.0)
	s.knobs.GypsumPct = clampFloat(s.knobs.GypsumPct, 2.0, 4.0)

	s.inputs.Separator = s.knobs.SeparatorSpeed
	s.inputs.Gypsum = s.knobs.GypsumPct

	lsf, blaine, fcao, energy := s.model.KPIs(s.inputs)

	out := sample.New(time.Now().UTC(), map[string]float64{
		sample.SiO2In:    s.inputs.SiO2,
		sample.CaOIn:     s.inputs.CaO,
		sample.Moisture:  s.inputs.Moisture,
		sample.Separator: s.knobs.SeparatorSpeed,
		sample.Gypsum:    s.knobs.GypsumPct,
		sample.LSFEst:    lsf,
		sample.BlaineEst: blaine,
		sample.FCaOEst:   fcao,
		sample.Energy:    energy,
	})

	s.lastSample = out
	s.hasSample = true

	return out
}

// InjectDisturbance arms a transient perturbation of the generative model.
// Duration is wall time, converted to ticks at the configured interval.
func (s *Sim) InjectDisturbance(typ string, magnitude float64, duration time.Duration) error {
	canonical, ok := disturbAliases[typ]
	if !ok {
		return errors.New().WithData(errors.ErrInvalidDisturbance, typ)
	}

	ticks := 1
	if s.tickInterval > 0 {
		ticks = int(duration / s.tickInterval)
		if ticks < 1 {
			ticks = 1
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch canonical {
	case DisturbSiO2Spike:
		s.disturb.dSiO2 = magnitude
	case DisturbCaODrop:
		s.disturb.dCaO = -magnitude
	case DisturbSepLow:
		s.disturb.dSep = -magnitude
	}
	if ticks > s.disturb.ticksLeft {
		s.disturb.ticksLeft = ticks
	}

	logger.Info().
		Str("type", canonical).
		Float64("magnitude", magnitude).
		Int("ticks", ticks).
		Msg("Disturbance injected")

	return nil
}

// ApplyActions merges the actions into the control state under the lock
// and returns the resulting knob settings. Callers are expected to pass
// already-clamped actions; this is the only mutation path besides Tick.
func (s *Sim) ApplyActions(actions []plan.Action) Knobs {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range actions {
		s.inputs, s.knobs = ApplyAction(s.inputs, s.knobs, a)
	}
	s.knobs = RebalanceRawMix(s.knobs)
	s.inputs.Separator = s.knobs.SeparatorSpeed
	s.inputs.Gypsum = s.knobs.GypsumPct

	return s.knobs
}

// Knobs returns the current control settings.
func (s *Sim) Knobs() Knobs {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.knobs
}

// Snapshot returns a consistent view of the latest sample and the current
// control settings. The bool is false before the first tick.
func (s *Sim) Snapshot() (sample.Sample, Knobs, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.lastSample, s.knobs, s.hasSample
}

// Model returns the response model, shared with the what-if simulator.
func (s *Sim) Model() Model {
	return s.model
}

func clampFloat(v, minValue, maxValue float64) float64 {
	return math.Max(minValue, math.Min(maxValue, v))
}
