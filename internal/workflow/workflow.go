// Package workflow sequences detection, proposal, simulation and apply
// into a single-active-plan state machine. The explicit machine replaces
// implicit ordering across endpoints: an apply can never run against a
// plan that was not simulated against current conditions.
package workflow

import (
	"context"
	"sync"
	"time"

	"codeberg.org/mutker/plantqc/internal/audit"
	"codeberg.org/mutker/plantqc/internal/baseline"
	"codeberg.org/mutker/plantqc/internal/config"
	"codeberg.org/mutker/plantqc/internal/detect"
	"codeberg.org/mutker/plantqc/internal/errors"
	"codeberg.org/mutker/plantqc/internal/logger"
	"codeberg.org/mutker/plantqc/internal/oracle"
	"codeberg.org/mutker/plantqc/internal/plan"
	"codeberg.org/mutker/plantqc/internal/plant"
	"codeberg.org/mutker/plantqc/internal/safety"
	"codeberg.org/mutker/plantqc/internal/sample"
	"codeberg.org/mutker/plantqc/internal/whatif"
)

// State is the workflow position. Applied is not a resting state: a
// successful apply records provenance and returns to Idle.
type State string

const (
	StateIdle          State = "idle"
	StateIssueDetected State = "issue_detected"
	StatePlanProposed  State = "plan_proposed"
	StatePlanSimulated State = "plan_simulated"
)

const pruneEvery = 60 // ticks between retention prunes

// Receipt is the provenance record of one applied plan.
type Receipt struct {
	PlanID      string        `json:"plan_id"`
	Fingerprint string        `json:"fingerprint"`
	IssueID     string        `json:"issue_id,omitempty"`
	AppliedAt   time.Time     `json:"applied_at"`
	Actions     []plan.Action `json:"actions"`
	Knobs       plant.Knobs   `json:"resulting_knobs"`
}

// Orchestrator mediates between the background stream loop and operator
// requests. Its mutex guards the state machine; the plant's own mutex is
// the serialization point for control-state reads and writes. The oracle
// call never runs under either lock.
type Orchestrator struct {
	mu             sync.Mutex
	state          State
	issue          *detect.Issue
	activePlan     *plan.Plan
	simResult      *whatif.Result
	simFingerprint string
	proposing      bool
	applying       bool
	generation     uint64

	// runs between actuation and the apply epilogue; tests only
	testHookAfterActuate func()

	history    []sample.Sample
	historyMax int
	tickCount  uint64

	sim      *plant.Sim
	tracker  *baseline.Tracker
	detector *detect.Detector
	planner  oracle.Planner
	catalog  safety.Catalog
	store    audit.Store
	cfg      *config.Config
}

// New wires an orchestrator from its collaborators.
func New(
	cfg *config.Config,
	sim *plant.Sim,
	tracker *baseline.Tracker,
	detector *detect.Detector,
	planner oracle.Planner,
	catalog safety.Catalog,
	store audit.Store,
) *Orchestrator {
	historyMax := int(float64(cfg.RetentionSeconds) / cfg.Interval)
	if historyMax < 1 {
		historyMax = 1
	}

	return &Orchestrator{
		state:      StateIdle,
		historyMax: historyMax,
		sim:        sim,
		tracker:    tracker,
		detector:   detector,
		planner:    planner,
		catalog:    catalog,
		store:      store,
		cfg:        cfg,
	}
}

// OnTick folds one fresh sample into the baselines, runs the detector
// and advances Idle to IssueDetected when something fires. Called only
// from the stream loop.
func (o *Orchestrator) OnTick(ctx context.Context, s sample.Sample) {
	if err := s.Validate(); err != nil {
		logger.Warn().Err(err).Time("ts", s.Timestamp).Msg("Dropping malformed sample")
		detail := map[string]any{"ts": s.Timestamp, "error": err.Error()}
		if logErr := o.store.Log(ctx, audit.KindSampleRejected, detail); logErr != nil {
			logger.Warn().Err(logErr).Msg("Failed to audit rejected sample")
		}

		return
	}

	snap := o.tracker.Update(s)

	o.mu.Lock()
	o.history = append(o.history, s)
	if len(o.history) > o.historyMax {
		o.history = o.history[1:]
	}
	o.tickCount++
	shouldPrune := o.tickCount%pruneEvery == 0

	issue := o.detector.Check(s.Timestamp, snap)
	if issue != nil && o.state == StateIdle {
		o.state = StateIssueDetected
		o.issue = issue
	}
	o.mu.Unlock()

	if err := o.store.AddSample(ctx, s); err != nil {
		logger.Warn().Err(err).Msg("Failed to archive sample")
	}
	if issue != nil {
		if err := o.store.Log(ctx, audit.KindIssueDetected, issue); err != nil {
			logger.Warn().Err(err).Msg("Failed to audit issue")
		}
	}
	if shouldPrune {
		if err := o.store.Prune(ctx); err != nil {
			logger.Warn().Err(err).Msg("Failed to prune sample archive")
		}
	}
}

// RecentSeries returns the samples within the window, oldest first. When
// the in-memory history does not reach back to the window start, e.g.
// right after a restart, the sample archive fills in.
func (o *Orchestrator) RecentSeries(ctx context.Context, window time.Duration) []sample.Sample {
	cutoff := time.Now().Add(-window)

	o.mu.Lock()
	covered := len(o.history) > 0 && !o.history[0].Timestamp.After(cutoff)
	mem := make([]sample.Sample, 0, len(o.history))
	for _, s := range o.history {
		if s.Timestamp.After(cutoff) {
			mem = append(mem, s)
		}
	}
	o.mu.Unlock()

	if covered {
		return mem
	}

	archived, err := o.store.RecentSamples(ctx, window)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to read sample archive")
		return mem
	}
	if len(archived) > len(mem) {
		return archived
	}

	return mem
}

// Current returns the latest sample and control settings.
func (o *Orchestrator) Current() (sample.Sample, plant.Knobs, error) {
	s, knobs, ok := o.sim.Snapshot()
	if !ok {
		return sample.Sample{}, knobs, errors.New().New(errors.ErrNoData)
	}

	return s, knobs, nil
}

// Knobs returns the current control settings.
func (o *Orchestrator) Knobs() plant.Knobs {
	return o.sim.Knobs()
}

// Status reports the machine position for callers.
func (o *Orchestrator) Status() (State, *detect.Issue, *plan.Plan) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var p *plan.Plan
	if o.activePlan != nil {
		cloned := o.activePlan.Clone()
		p = &cloned
	}

	return o.state, o.issue, p
}

// Disturb injects a perturbation into the stream's generative model.
func (o *Orchestrator) Disturb(ctx context.Context, typ string, magnitude float64, duration time.Duration) error {
	if err := o.sim.InjectDisturbance(typ, magnitude, duration); err != nil {
		return err
	}

	detail := map[string]any{"type": typ, "magnitude": magnitude, "duration_s": duration.Seconds()}
	if err := o.store.Log(ctx, audit.KindDisturbance, detail); err != nil {
		logger.Warn().Err(err).Msg("Failed to audit disturbance")
	}

	return nil
}

// Propose runs IssueDetected → PlanProposed: oracle call, then safety
// clamp. With force it first discards any active plan, allowing a fresh
// proposal even while analysis is stale or in flight. The oracle call
// runs without any lock held; only context gathering and plan
// installation take the state lock.
func (o *Orchestrator) Propose(ctx context.Context, force bool) (safety.Result, error) {
	errFactory := errors.New()

	o.mu.Lock()
	if o.proposing {
		o.mu.Unlock()
		return safety.Result{}, errFactory.New(errors.ErrProposalInFlight)
	}
	if force {
		o.discardLocked(ctx, "forced regeneration")
	}
	switch o.state {
	case StateIdle:
		if !force {
			o.mu.Unlock()
			return safety.Result{}, errFactory.New(errors.ErrNoIssueDetected)
		}
	case StateIssueDetected:
		// proceed
	case StatePlanProposed, StatePlanSimulated:
		o.mu.Unlock()
		return safety.Result{}, errFactory.WithMessage(errors.ErrProposalInFlight,
			"a plan is already active; cancel it or propose with force")
	}
	issue := o.issue
	gen := o.generation
	o.proposing = true
	o.mu.Unlock()

	result, err := o.propose(ctx, issue)

	o.mu.Lock()
	o.proposing = false
	if err != nil {
		// Failure keeps the machine where it was; the issue stays live
		o.mu.Unlock()
		return safety.Result{}, err
	}
	if o.generation != gen {
		o.mu.Unlock()
		return safety.Result{}, errFactory.WithMessage(errors.ErrInvalidOperation,
			"proposal superseded by a forced reset")
	}
	o.activePlan = &result.Plan
	o.simResult = nil
	o.simFingerprint = ""
	o.state = StatePlanProposed
	o.mu.Unlock()

	detail := map[string]any{"issue": issue, "plan": result.Plan, "notes": result.Notes, "rejected": result.Rejected}
	if err := o.store.Log(ctx, audit.KindPlanProposed, detail); err != nil {
		logger.Warn().Err(err).Msg("Failed to audit proposal")
	}

	return result, nil
}

func (o *Orchestrator) propose(ctx context.Context, issue *detect.Issue) (safety.Result, error) {
	knobs := o.sim.Knobs()
	req := oracle.Request{
		Issue:   issue,
		Stats:   o.tracker.Snapshot(),
		Knobs:   knobs,
		Targets: o.cfg.Targets,
		Limits:  o.catalog,
	}

	candidate, err := o.planner.Propose(ctx, req)
	if err != nil {
		return safety.Result{}, err
	}

	result := safety.Clamp(candidate, knobs, o.catalog)
	if len(result.Rejected) > 0 {
		logger.Warn().
			Int("rejected", len(result.Rejected)).
			Str("plan_id", result.Plan.ID).
			Msg("Dropped actions with unknown knobs")
	}

	return result, nil
}

// Simulate runs PlanProposed → PlanSimulated against the live baseline
// and control state; conditions are always re-read, never cached from
// proposal time. The supplied identity must match the active plan.
func (o *Orchestrator) Simulate(ctx context.Context, planID, fingerprint string) (whatif.Result, error) {
	errFactory := errors.New()

	o.mu.Lock()
	if o.activePlan == nil {
		o.mu.Unlock()
		return whatif.Result{}, errFactory.WithMessage(errors.ErrPlanMismatch, "no active plan")
	}
	if planID != o.activePlan.ID || fingerprint != o.activePlan.Fingerprint() {
		o.mu.Unlock()
		return whatif.Result{}, errFactory.New(errors.ErrPlanMismatch)
	}
	p := o.activePlan.Clone()
	gen := o.generation
	o.mu.Unlock()

	current, knobs, ok := o.sim.Snapshot()
	if !ok {
		return whatif.Result{}, errFactory.New(errors.ErrNoData)
	}
	result := whatif.Simulate(p, current, knobs, o.sim.Model())

	o.mu.Lock()
	if o.generation != gen || o.activePlan == nil || o.activePlan.ID != planID {
		o.mu.Unlock()
		return whatif.Result{}, errFactory.WithMessage(errors.ErrPlanMismatch,
			"active plan changed during simulation")
	}
	o.simResult = &result
	o.simFingerprint = result.Fingerprint
	o.state = StatePlanSimulated
	o.mu.Unlock()

	if err := o.store.Log(ctx, audit.KindPlanSimulated, result); err != nil {
		logger.Warn().Err(err).Msg("Failed to audit simulation")
	}

	return result, nil
}

// Apply runs PlanSimulated → Applied → Idle. Preconditions, all
// enforced: the identity names the active clamped plan, a simulation
// result exists for that exact plan, and no other apply is in flight.
// On precondition failure the control state is untouched and the machine
// reverts to PlanProposed, forcing a fresh simulation.
func (o *Orchestrator) Apply(ctx context.Context, planID, fingerprint string) (Receipt, error) {
	errFactory := errors.New()

	o.mu.Lock()
	if o.applying {
		o.mu.Unlock()
		return Receipt{}, errFactory.New(errors.ErrConcurrentApplyReject)
	}
	if o.activePlan == nil {
		o.mu.Unlock()
		return Receipt{}, errFactory.WithMessage(errors.ErrPreconditionNotMet, "no active plan")
	}
	if planID != o.activePlan.ID || fingerprint != o.activePlan.Fingerprint() {
		o.mu.Unlock()
		return Receipt{}, errFactory.New(errors.ErrPlanMismatch)
	}
	if o.state != StatePlanSimulated || o.simFingerprint != fingerprint {
		o.state = StatePlanProposed
		o.simResult = nil
		o.simFingerprint = ""
		o.mu.Unlock()
		return Receipt{}, errFactory.WithMessage(errors.ErrPreconditionNotMet,
			"plan has no current simulation result; simulate first")
	}
	o.applying = true
	p := o.activePlan.Clone()
	issue := o.issue
	gen := o.generation
	o.mu.Unlock()

	knobs := o.sim.ApplyActions(p.Actions)
	if o.testHookAfterActuate != nil {
		o.testHookAfterActuate()
	}

	o.mu.Lock()
	o.applying = false
	// A forced reset during actuation bumps the generation; the machine
	// then belongs to whatever superseded this plan and stays untouched.
	if o.generation == gen {
		o.activePlan = nil
		o.simResult = nil
		o.simFingerprint = ""
		o.issue = nil
		o.state = StateIdle
	}
	if issue != nil {
		o.detector.Resolve(issue.Parameter)
	}
	o.mu.Unlock()

	receipt := Receipt{
		PlanID:      p.ID,
		Fingerprint: fingerprint,
		AppliedAt:   time.Now().UTC(),
		Actions:     p.Actions,
		Knobs:       knobs,
	}
	if issue != nil {
		receipt.IssueID = issue.ID
	}

	if err := o.store.Log(ctx, audit.KindPlanApplied, receipt); err != nil {
		logger.Warn().Err(err).Msg("Failed to audit apply")
	}
	logger.Info().
		Str("plan_id", receipt.PlanID).
		Str("issue_id", receipt.IssueID).
		Int("actions", len(receipt.Actions)).
		Msg("Plan applied")

	return receipt, nil
}

// Reset discards the active plan from any state. The machine returns to
// IssueDetected when the originating issue is still live, Idle otherwise.
func (o *Orchestrator) Reset(ctx context.Context) {
	o.mu.Lock()
	o.discardLocked(ctx, "operator cancellation")
	o.mu.Unlock()
}

func (o *Orchestrator) discardLocked(ctx context.Context, reason string) {
	o.generation++

	if o.activePlan != nil {
		detail := map[string]any{"plan_id": o.activePlan.ID, "reason": reason}
		if err := o.store.Log(ctx, audit.KindPlanDiscarded, detail); err != nil {
			logger.Warn().Err(err).Msg("Failed to audit plan discard")
		}
	}

	o.activePlan = nil
	o.simResult = nil
	o.simFingerprint = ""
	if o.issue != nil {
		o.state = StateIssueDetected
	} else {
		o.state = StateIdle
	}
}
