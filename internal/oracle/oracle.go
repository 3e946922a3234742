// Package oracle is the boundary to the plan-drafting backend. The
// backend is treated as a possibly-unreliable remote collaborator: its
// output is validated against a strict schema, retried a bounded number
// of times, and surfaced as a typed failure when all attempts fail. Any
// backend satisfying the Issue-to-Plan contract is substitutable, whether
// a rule engine, an optimizer, or a language model.
package oracle

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"time"

	"codeberg.org/mutker/plantqc/internal/baseline"
	"codeberg.org/mutker/plantqc/internal/config"
	"codeberg.org/mutker/plantqc/internal/detect"
	"codeberg.org/mutker/plantqc/internal/errors"
	"codeberg.org/mutker/plantqc/internal/logger"
	"codeberg.org/mutker/plantqc/internal/plan"
	"codeberg.org/mutker/plantqc/internal/plant"
	"codeberg.org/mutker/plantqc/internal/safety"
	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed plan.schema.json
var planSchemaJSON []byte

const schemaResource = "plan.schema.json"

// Request is the context handed to the oracle for one proposal.
type Request struct {
	Issue   *detect.Issue
	Stats   baseline.Snapshot
	Knobs   plant.Knobs
	Targets config.Targets
	Limits  safety.Catalog
}

// Planner drafts a candidate plan for an issue. Implementations must be
// safe to call concurrently and must honor ctx cancellation.
type Planner interface {
	Propose(ctx context.Context, req Request) (plan.Plan, error)
}

// RawPlanner is a backend that emits an unvalidated JSON payload, e.g. a
// remote reasoning service. Validator wraps it into a Planner.
type RawPlanner interface {
	ProposeRaw(ctx context.Context, req Request) ([]byte, error)
}

// Validator enforces the plan schema contract on a RawPlanner with
// bounded retries per proposal.
type Validator struct {
	backend RawPlanner
	retries int
	timeout time.Duration
	schema  *jsonschema.Schema
}

// NewValidator compiles the embedded plan schema and wraps the backend.
func NewValidator(backend RawPlanner, retries int, timeout time.Duration) (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaResource, bytes.NewReader(planSchemaJSON)); err != nil {
		return nil, errors.New().Wrap(errors.ErrInitFailed, err)
	}
	schema, err := compiler.Compile(schemaResource)
	if err != nil {
		return nil, errors.New().Wrap(errors.ErrInitFailed, err)
	}

	return &Validator{
		backend: backend,
		retries: retries,
		timeout: timeout,
		schema:  schema,
	}, nil
}

// Propose calls the backend, validates its payload and decodes the plan.
// Malformed or empty output is retried up to the configured count; the
// last typed failure is surfaced when every attempt fails.
func (v *Validator) Propose(ctx context.Context, req Request) (plan.Plan, error) {
	errFactory := errors.New()

	var lastErr error
	for attempt := 0; attempt <= v.retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return plan.Plan{}, errFactory.Wrap(errors.ErrOracleUnavailable, err)
		}

		attemptCtx := ctx
		cancel := func() {}
		if v.timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, v.timeout)
		}
		raw, err := v.backend.ProposeRaw(attemptCtx, req)
		cancel()

		if err != nil {
			lastErr = errFactory.Wrap(errors.ErrOracleUnavailable, err)
			logger.Warn().Err(err).Int("attempt", attempt+1).Msg("Oracle call failed")
			continue
		}

		p, err := v.decode(raw)
		if err != nil {
			lastErr = err
			logger.Warn().Err(err).Int("attempt", attempt+1).Msg("Oracle output rejected")
			continue
		}

		p.ID = uuid.NewString()
		if req.Issue != nil {
			p.IssueID = req.Issue.ID
		}
		p.CreatedAt = time.Now().UTC()

		return p, nil
	}

	if lastErr == nil {
		lastErr = errFactory.New(errors.ErrOracleUnavailable)
	}

	return plan.Plan{}, lastErr
}

func (v *Validator) decode(raw []byte) (plan.Plan, error) {
	errFactory := errors.New()

	if len(bytes.TrimSpace(raw)) == 0 {
		return plan.Plan{}, errFactory.WithMessage(errors.ErrOracleMalformedOutput, "empty oracle payload")
	}

	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return plan.Plan{}, errFactory.Wrap(errors.ErrOracleMalformedOutput, err)
	}
	if err := v.schema.Validate(payload); err != nil {
		return plan.Plan{}, errFactory.Wrap(errors.ErrOracleMalformedOutput, err)
	}

	var p plan.Plan
	if err := json.Unmarshal(raw, &p); err != nil {
		return plan.Plan{}, errFactory.Wrap(errors.ErrOracleMalformedOutput, err)
	}

	return p, nil
}
