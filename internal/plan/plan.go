package plan

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Action is one proposed knob adjustment. DeltaPct is additive in the
// knob's own unit (percentage points for the raw mix and gypsum knobs,
// rpm for the separator).
type Action struct {
	Knob     string  `json:"knob"`
	DeltaPct float64 `json:"delta_pct"`
	Reason   string  `json:"reason"`
	Clamped  bool    `json:"clamped,omitempty"`
}

// Plan is a bounded set of corrective actions addressing one issue.
// Actions are ordered; later actions see earlier actions' projected effect.
type Plan struct {
	ID        string            `json:"id"`
	IssueID   string            `json:"issue_id,omitempty"`
	Issue     string            `json:"issue"`
	KPIImpact map[string]string `json:"kpi_impact,omitempty"`
	Actions   []Action          `json:"actions"`
	Notes     string            `json:"notes,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Fingerprint is a stable content hash over the plan's identity and its
// ordered actions. Apply and simulate requests must present a matching
// fingerprint, so a plan that differs by even one field is rejected.
func (p Plan) Fingerprint() string {
	var b strings.Builder
	b.WriteString(p.ID)
	b.WriteByte('\n')
	b.WriteString(p.IssueID)
	b.WriteByte('\n')
	b.WriteString(p.Issue)
	b.WriteByte('\n')
	for _, a := range p.Actions {
		fmt.Fprintf(&b, "%s|%.9f|%s|%t\n", a.Knob, a.DeltaPct, a.Reason, a.Clamped)
	}
	b.WriteString(p.Notes)

	sum := sha256.Sum256([]byte(b.String()))

	return hex.EncodeToString(sum[:])
}

// Clone returns a deep copy; clamping works on copies so the oracle's
// original output stays intact for auditing.
func (p Plan) Clone() Plan {
	out := p
	out.Actions = make([]Action, len(p.Actions))
	copy(out.Actions, p.Actions)
	if p.KPIImpact != nil {
		out.KPIImpact = make(map[string]string, len(p.KPIImpact))
		for k, v := range p.KPIImpact {
			out.KPIImpact[k] = v
		}
	}

	return out
}
