// Package detect watches the rolling baselines for statistically
// meaningful drift and raises issues before hard limits are breached.
package detect

import (
	"fmt"
	"math"
	"strings"
	"time"

	"codeberg.org/mutker/plantqc/internal/baseline"
	"codeberg.org/mutker/plantqc/internal/logger"
	"codeberg.org/mutker/plantqc/internal/sample"
	"github.com/google/uuid"
)

// Kind classifies why an issue fired.
type Kind string

const (
	KindBandBreach Kind = "band-breach"
	KindStatShift  Kind = "statistical-shift"
	KindDriftTrend Kind = "drift-trend"
)

// Issue is one detected quality problem. Immutable once created.
type Issue struct {
	ID         string            `json:"id"`
	Parameter  string            `json:"parameter"`
	Kind       Kind              `json:"kind"`
	Magnitude  float64           `json:"magnitude"`
	Evidence   string            `json:"evidence"`
	Drivers    []string          `json:"drivers"`
	KPIImpact  map[string]string `json:"kpi_impact"`
	DetectedAt time.Time         `json:"detected_at"`
}

// Band is a hard target range. A one-sided band has Min at the natural
// floor (e.g. fCaO cannot go below zero).
type Band struct {
	Min float64
	Max float64
}

func (b Band) width() float64 {
	return b.Max - b.Min
}

// Config tunes the detector. All values come from configuration; the
// right cutoffs depend on the target process's noise characteristics.
type Config struct {
	Bands          map[string]Band
	ZThreshold     float64
	MinSamples     int
	TrendSustain   int
	SlopeThreshold float64
	ResolveStreak  int
	Cooldown       time.Duration
}

// paramState is the per-parameter suppression bookkeeping.
type paramState struct {
	raised        bool
	cooldownUntil time.Time
	resolveStreak int
	trendStreak   int
}

// Detector is stateful across ticks: it tracks per-parameter suppression
// and trend persistence. Not safe for concurrent use; the orchestrator
// drives it from the single stream loop.
type Detector struct {
	cfg   Config
	state map[string]*paramState
}

// Monitored parameters, checked in a stable order so tie-breaks are
// deterministic for equal severity.
var monitored = []string{
	sample.LSFEst, sample.BlaineEst, sample.FCaOEst,
	sample.SiO2In, sample.CaOIn, sample.Separator,
}

// kindPriority ranks issue kinds: an actual limit violation outranks an
// early warning, which outranks a slow trend.
var kindPriority = map[Kind]int{
	KindBandBreach: 3,
	KindStatShift:  2,
	KindDriftTrend: 1,
}

// NewDetector builds a detector with the given tuning.
func NewDetector(cfg Config) *Detector {
	return &Detector{
		cfg:   cfg,
		state: make(map[string]*paramState),
	}
}

type candidate struct {
	parameter string
	kind      Kind
	severity  float64
	evidence  string
	drivers   []string
}

// Check inspects the latest sample against the baselines and returns the
// most severe unsuppressed issue, or nil. Parameters losing the tie-break
// stay active and may be raised on a later tick.
func (d *Detector) Check(now time.Time, snap baseline.Snapshot) *Issue {
	var candidates []candidate

	for _, param := range monitored {
		st, ok := snap[param]
		if !ok || st.Count < d.cfg.MinSamples {
			// Cold start: stay silent until the baseline is trustworthy
			continue
		}

		ps := d.stateFor(param)
		d.updateResolution(param, ps, st, now)

		c := d.evaluate(param, st)
		if c == nil {
			continue
		}
		if ps.raised && now.Before(ps.cooldownUntil) {
			// Suppressed: already reported, not yet resolved or cooled down
			continue
		}

		candidates = append(candidates, *c)
	}

	if len(candidates) == 0 {
		return nil
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if kindPriority[c.kind] > kindPriority[best.kind] ||
			(kindPriority[c.kind] == kindPriority[best.kind] && c.severity > best.severity) {
			best = c
		}
	}

	ps := d.stateFor(best.parameter)
	ps.raised = true
	ps.cooldownUntil = now.Add(d.cfg.Cooldown)
	ps.resolveStreak = 0

	issue := &Issue{
		ID:         uuid.NewString(),
		Parameter:  best.parameter,
		Kind:       best.kind,
		Magnitude:  best.severity,
		Evidence:   best.evidence,
		Drivers:    best.drivers,
		KPIImpact:  impactFor(best.drivers),
		DetectedAt: now,
	}

	logger.Info().
		Str("issue_id", issue.ID).
		Str("parameter", issue.Parameter).
		Str("kind", string(issue.Kind)).
		Float64("magnitude", issue.Magnitude).
		Strs("drivers", issue.Drivers).
		Msg("Issue detected")

	return issue
}

// Resolve clears the suppression state for a parameter, e.g. after an
// operator applies a corrective plan derived from its issue.
func (d *Detector) Resolve(param string) {
	if ps, ok := d.state[param]; ok {
		ps.raised = false
		ps.resolveStreak = 0
	}
}

func (d *Detector) stateFor(param string) *paramState {
	ps, ok := d.state[param]
	if !ok {
		ps = &paramState{}
		d.state[param] = ps
	}

	return ps
}

// updateResolution advances the back-within-one-sigma streak that lifts
// suppression before the cooldown elapses.
func (d *Detector) updateResolution(param string, ps *paramState, st baseline.Stat, now time.Time) {
	if !ps.raised {
		return
	}

	if now.After(ps.cooldownUntil) {
		ps.raised = false
		ps.resolveStreak = 0

		return
	}

	if math.Abs(st.Last-st.Mean) <= st.Std {
		ps.resolveStreak++
		if ps.resolveStreak >= d.cfg.ResolveStreak {
			ps.raised = false
			ps.resolveStreak = 0
			logger.Debug().Str("parameter", param).Msg("Issue resolved; suppression lifted")
		}
	} else {
		ps.resolveStreak = 0
	}
}

func (d *Detector) evaluate(param string, st baseline.Stat) *candidate {
	if band, ok := d.cfg.Bands[param]; ok {
		if c := bandBreach(param, st, band); c != nil {
			d.stateFor(param).trendStreak = 0

			return c
		}
	}

	z := math.Abs(st.Last-st.Mean) / (st.Std + 1e-9)
	if z > d.cfg.ZThreshold {
		dir := "high"
		if st.Last < st.Mean {
			dir = "low"
		}

		return &candidate{
			parameter: param,
			kind:      KindStatShift,
			severity:  z / d.cfg.ZThreshold,
			evidence: fmt.Sprintf("%s at %.2f is %.1f sigma %s of rolling mean %.2f",
				param, st.Last, z, dir, st.Mean),
			drivers: []string{driverBase(param) + "_" + dir},
		}
	}

	// Sustained directional drift: slope in sigma-per-tick units
	normSlope := math.Abs(st.Slope) / (st.Std + 1e-9)
	ps := d.stateFor(param)
	if normSlope > d.cfg.SlopeThreshold {
		ps.trendStreak++
	} else {
		ps.trendStreak = 0
	}

	if ps.trendStreak >= d.cfg.TrendSustain {
		dir := "up"
		driverDir := "high"
		if st.Slope < 0 {
			dir = "down"
			driverDir = "low"
		}

		return &candidate{
			parameter: param,
			kind:      KindDriftTrend,
			severity:  normSlope / d.cfg.SlopeThreshold,
			evidence: fmt.Sprintf("%s trending %s for %d samples (slope %.4f/tick)",
				param, dir, ps.trendStreak, st.Slope),
			drivers: []string{driverBase(param) + "_trend_" + driverDir},
		}
	}

	return nil
}

func bandBreach(param string, st baseline.Stat, band Band) *candidate {
	width := band.width()
	if width <= 0 {
		return nil
	}

	var overshoot float64
	dir := ""
	switch {
	case st.Last < band.Min:
		overshoot = band.Min - st.Last
		dir = "low"
	case st.Last > band.Max:
		overshoot = st.Last - band.Max
		dir = "high"
	default:
		return nil
	}

	drivers := breachDrivers(param, dir)

	return &candidate{
		parameter: param,
		kind:      KindBandBreach,
		severity:  overshoot / width,
		evidence: fmt.Sprintf("%s at %.2f is %s of target band [%.2f, %.2f]",
			param, st.Last, dir, band.Min, band.Max),
		drivers: drivers,
	}
}

// driverBase maps estimator parameters onto the KPI names the driver,
// impact and rule tables are keyed by.
func driverBase(param string) string {
	switch param {
	case sample.LSFEst:
		return "LSF"
	case sample.BlaineEst:
		return "Blaine"
	case sample.FCaOEst:
		return "fCaO"
	default:
		return param
	}
}

func breachDrivers(param, dir string) []string {
	base := driverBase(param)
	switch param {
	case sample.LSFEst, sample.BlaineEst:
		return []string{base + "_band_breach", base + "_" + dir}
	case sample.FCaOEst:
		return []string{"fCaO_high"}
	default:
		return []string{base + "_" + dir}
	}
}

// causeImpact maps drivers to expected KPI direction, used as a hint for
// the plan oracle and surfaced on the issue.
var causeImpact = map[string]map[string]string{
	"SiO2_in_high":   {"LSF": "down", "fCaO": "up"},
	"SiO2_in_low":    {"LSF": "up"},
	"CaO_in_low":     {"LSF": "down", "fCaO": "up"},
	"CaO_in_high":    {"LSF": "up"},
	"Separator_low":  {"Blaine": "down"},
	"Separator_high": {"Blaine": "up"},
	"LSF_low":        {"fCaO": "up"},
	"LSF_high":       {},
	"Blaine_low":     {"Blaine": "down"},
	"Blaine_high":    {"Blaine": "up"},
	"fCaO_high":      {"fCaO": "up"},
}

func impactFor(drivers []string) map[string]string {
	impact := map[string]string{"LSF": "neutral", "Blaine": "neutral", "fCaO": "neutral"}
	for _, drv := range drivers {
		m, ok := causeImpact[drv]
		if !ok {
			// Trend drivers share the impact of the matching level driver
			m = causeImpact[strings.Replace(drv, "_trend_", "_", 1)]
		}
		for kpi, dir := range m {
			impact[kpi] = dir
		}
	}

	return impact
}
