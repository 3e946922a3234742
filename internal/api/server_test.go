package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeberg.org/mutker/plantqc/internal/api"
	"codeberg.org/mutker/plantqc/internal/audit"
	"codeberg.org/mutker/plantqc/internal/baseline"
	"codeberg.org/mutker/plantqc/internal/config"
	"codeberg.org/mutker/plantqc/internal/detect"
	"codeberg.org/mutker/plantqc/internal/oracle"
	"codeberg.org/mutker/plantqc/internal/plant"
	"codeberg.org/mutker/plantqc/internal/safety"
	"codeberg.org/mutker/plantqc/internal/sample"
	"codeberg.org/mutker/plantqc/internal/workflow"
)

type fixture struct {
	handler http.Handler
	orch    *workflow.Orchestrator
	sim     *plant.Sim
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cfg := &config.Config{
		Listen:           ":0",
		Interval:         1.0,
		RetentionSeconds: 600,
		Targets:          config.Targets{LSFMin: 98, LSFMax: 102, BlaineMin: 320, BlaineMax: 360, FCaOMax: 1.0},
		Detector: config.Detector{
			ZThreshold: 2.5, MinSamples: 10, TrendWindow: 30, TrendSustain: 5,
			SlopeThreshold: 0.02, ResolveStreak: 10, CooldownSeconds: 60,
		},
		Oracle: config.Oracle{Retries: 2, TimeoutSeconds: 10},
	}

	model := plant.Model{LSFMin: cfg.Targets.LSFMin, LSFMax: cfg.Targets.LSFMax}
	knobs := plant.Knobs{LimestonePct: 83, SandPct: 4, ClayPct: 13, SeparatorSpeed: 120, GypsumPct: 3}
	sim := plant.NewSim(model, knobs, time.Second, 42)
	tracker := baseline.NewTracker(600, cfg.Detector.MinSamples, cfg.Detector.TrendWindow)
	detector := detect.NewDetector(detect.Config{
		Bands: map[string]detect.Band{
			sample.LSFEst:    {Min: 98, Max: 102},
			sample.BlaineEst: {Min: 320, Max: 360},
			sample.FCaOEst:   {Min: 0, Max: 1.0},
		},
		ZThreshold:     cfg.Detector.ZThreshold,
		MinSamples:     cfg.Detector.MinSamples,
		TrendSustain:   cfg.Detector.TrendSustain,
		SlopeThreshold: cfg.Detector.SlopeThreshold,
		ResolveStreak:  cfg.Detector.ResolveStreak,
		Cooldown:       time.Minute,
	})

	planner, err := oracle.NewValidator(oracle.NewRulePlanner(), 2, 10*time.Second)
	require.NoError(t, err)
	store, err := audit.NewStore(audit.Config{Enabled: false, Retention: 600})
	require.NoError(t, err)

	catalog := safety.DefaultCatalog()
	orch := workflow.New(cfg, sim, tracker, detector, planner, catalog, store)
	server := api.NewServer(cfg, orch, catalog, store)

	return &fixture{handler: server.Handler(), orch: orch, sim: sim}
}

func (f *fixture) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst))
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	decode(t, rec, &body)

	return body.Error.Code
}

// raiseIssue pushes the detector into a live LSF band breach.
func (f *fixture) raiseIssue(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	base := time.Now().Add(-time.Minute)
	values := map[string]float64{
		sample.SiO2In: 14, sample.CaOIn: 43, sample.Moisture: 1.5,
		sample.Separator: 120, sample.Gypsum: 3,
		sample.LSFEst: 100, sample.BlaineEst: 340, sample.FCaOEst: 0, sample.Energy: 27,
	}
	for i := 0; i < 10; i++ {
		f.orch.OnTick(ctx, sample.New(base.Add(time.Duration(i)*time.Second), values))
	}
	values[sample.LSFEst] = 103.5
	f.orch.OnTick(ctx, sample.New(time.Now(), values))

	_, issue, _ := f.orch.Status()
	require.NotNil(t, issue)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestStateCurrentBeforeFirstSample(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/state/current", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "no_data_yet", errorCode(t, rec))
}

func TestStateCurrent(t *testing.T) {
	f := newFixture(t)
	f.sim.Tick()

	rec := f.do(t, http.MethodGet, "/state/current", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Values map[string]float64 `json:"values"`
		Knobs  plant.Knobs        `json:"knobs"`
		State  string             `json:"state"`
	}
	decode(t, rec, &body)
	assert.Contains(t, body.Values, sample.LSFEst)
	assert.Equal(t, string(workflow.StateIdle), body.State)
	assert.InDelta(t, 83.0, body.Knobs.LimestonePct, 1e-9)
}

func TestStateSeriesValidation(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/state/series?last_seconds=banana", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/state/series?last_seconds=-5", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStateSeries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		f.orch.OnTick(ctx, f.sim.Tick())
	}

	rec := f.do(t, http.MethodGet, "/state/series?last_seconds=60", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Count   int             `json:"count"`
		Samples []sample.Sample `json:"samples"`
	}
	decode(t, rec, &body)
	assert.Equal(t, 3, body.Count)
	assert.Len(t, body.Samples, 3)
}

func TestConfigEndpoint(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/config", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Targets  config.Targets `json:"targets"`
		Limits   safety.Catalog `json:"limits"`
		Knobs    plant.Knobs    `json:"knobs"`
		Interval float64        `json:"interval"`
	}
	decode(t, rec, &body)
	assert.InDelta(t, 98.0, body.Targets.LSFMin, 1e-9)
	assert.InDelta(t, 1.0, body.Interval, 1e-9)
	assert.Contains(t, body.Limits, plant.KnobSeparator)
	assert.InDelta(t, 83.0, body.Knobs.LimestonePct, 1e-9)
}

func TestDisturb(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/disturb", map[string]any{
		"type": "siO2_spike", "magnitude": 1.5, "duration_s": 30,
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/disturb", map[string]any{
		"type": "volcano", "magnitude": 1.0,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_disturbance", errorCode(t, rec))
}

func TestProposeWithoutIssue(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/plan/propose", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "no_issue_detected", errorCode(t, rec))
}

func TestPlanWorkflowOverHTTP(t *testing.T) {
	f := newFixture(t)
	f.sim.Tick()
	f.raiseIssue(t)

	rec := f.do(t, http.MethodPost, "/plan/propose", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var proposal struct {
		Plan struct {
			ID      string `json:"id"`
			Actions []any  `json:"actions"`
		} `json:"plan"`
		Fingerprint string `json:"fingerprint"`
	}
	decode(t, rec, &proposal)
	require.NotEmpty(t, proposal.Plan.ID)
	require.NotEmpty(t, proposal.Fingerprint)
	require.NotEmpty(t, proposal.Plan.Actions)

	identity := map[string]string{"plan_id": proposal.Plan.ID, "fingerprint": proposal.Fingerprint}

	// Apply before simulate is a precondition failure
	rec = f.do(t, http.MethodPost, "/plan/apply", identity)
	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)

	rec = f.do(t, http.MethodPost, "/plan/simulate", identity)
	require.Equal(t, http.StatusOK, rec.Code)

	var simRes struct {
		Projected map[string]float64 `json:"projected"`
	}
	decode(t, rec, &simRes)
	assert.Contains(t, simRes.Projected, sample.LSFEst)

	rec = f.do(t, http.MethodPost, "/plan/apply", identity)
	require.Equal(t, http.StatusOK, rec.Code)

	// Exactly once: the identity is dead after a successful apply
	rec = f.do(t, http.MethodPost, "/plan/simulate", identity)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "plan_mismatch", errorCode(t, rec))
}

func TestSimulateRequiresIdentity(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/plan/simulate", map[string]string{"plan_id": "p1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/plan/simulate", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSimulateStalePlan(t *testing.T) {
	f := newFixture(t)
	f.sim.Tick()
	f.raiseIssue(t)

	rec := f.do(t, http.MethodPost, "/plan/propose", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/plan/simulate", map[string]string{
		"plan_id": "someone-elses-plan", "fingerprint": "0000",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "plan_mismatch", errorCode(t, rec))
}

func TestResetEndpoint(t *testing.T) {
	f := newFixture(t)
	f.sim.Tick()
	f.raiseIssue(t)

	rec := f.do(t, http.MethodPost, "/plan/propose", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/plan/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		State string `json:"state"`
	}
	decode(t, rec, &body)
	assert.Equal(t, string(workflow.StateIssueDetected), body.State)
}

func TestForcedProposeViaQuery(t *testing.T) {
	f := newFixture(t)
	f.sim.Tick()
	f.raiseIssue(t)

	rec := f.do(t, http.MethodPost, "/plan/propose", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/plan/propose", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/plan/propose?force=true", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuditEndpoint(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/audit?limit=banana", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/audit", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Entries []audit.Entry `json:"entries"`
	}
	decode(t, rec, &body)
	assert.Empty(t, body.Entries, "Expected no entries from the no-op store")
}
