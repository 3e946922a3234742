package audit

import (
	"context"
	"encoding/json"
	"time"

	"codeberg.org/mutker/plantqc/internal/sample"
)

// Record kinds written by the workflow.
const (
	KindDisturbance    = "disturbance"
	KindSampleRejected = "sample_rejected"
	KindIssueDetected  = "issue_detected"
	KindPlanProposed   = "plan_proposed"
	KindPlanSimulated  = "plan_simulated"
	KindPlanApplied    = "plan_applied"
	KindPlanDiscarded  = "plan_discarded"
)

// Entry is one audit record.
type Entry struct {
	Timestamp time.Time       `json:"ts"`
	Kind      string          `json:"kind"`
	Detail    json.RawMessage `json:"detail"`
}

// Store archives the sample stream and the workflow's audit trail.
// Locally corrected anomalies and every workflow step land here, so
// silent corrections still leave a record.
type Store interface {
	AddSample(ctx context.Context, s sample.Sample) error
	RecentSamples(ctx context.Context, window time.Duration) ([]sample.Sample, error)
	Log(ctx context.Context, kind string, detail any) error
	Entries(ctx context.Context, limit int) ([]Entry, error)
	Prune(ctx context.Context) error
	Close() error
}
