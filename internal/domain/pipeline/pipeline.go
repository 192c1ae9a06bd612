// Package pipeline maps each work type to the ordered executor stages that process it.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/target/quotaflow/internal/domain/model"
)

// Stage names used by the default plans.
const (
	StageExtraction   = "extraction"
	StageAnalysis     = "analysis"
	StageVerification = "verification"
	StageFinalize     = "finalize"
)

// StageInput is handed to an executor for one stage of one request.
type StageInput struct {
	RequestID string
	TenantID  string
	WorkType  model.WorkType
	Stage     string
	Payload   json.RawMessage
	// Previous is the result of the preceding stage, nil for the first stage.
	Previous json.RawMessage
}

// StageOutput is what a stage produced and how many tokens it consumed.
type StageOutput struct {
	Result     json.RawMessage
	TokensUsed int64
}

// Executor runs one pipeline stage. Implementations live outside the engine.
type Executor interface {
	Execute(ctx context.Context, in StageInput) (StageOutput, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, in StageInput) (StageOutput, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, in StageInput) (StageOutput, error) {
	return f(ctx, in)
}

// Stage is one ordered step in a plan.
type Stage struct {
	Name string
	// Progress is the percentage reported once the stage finishes.
	Progress int
	Executor Executor
}

// Definition describes how a work type is processed.
type Definition struct {
	Stages []Stage
	// ContentExpression is a JMESPath expression selecting the text that sizes the cost estimate.
	ContentExpression string
	// Schema is an optional JSON Schema document the payload must satisfy.
	Schema string
}

// Registry is the closed work type to plan mapping built at startup.
type Registry struct {
	plans map[model.WorkType]*Plan
}

// NewRegistry validates definitions and compiles their payload rules.
// Every supported work type must be defined and nothing else may be.
func NewRegistry(defs map[model.WorkType]Definition) (*Registry, error) {
	plans := make(map[model.WorkType]*Plan, len(defs))
	for wt, def := range defs {
		if !wt.Valid() {
			return nil, fmt.Errorf("pipeline: unknown work type %q", wt)
		}
		plan, err := newPlan(wt, def)
		if err != nil {
			return nil, err
		}
		plans[wt] = plan
	}

	var missing []string
	for _, wt := range model.AllWorkTypes() {
		if _, ok := plans[wt]; !ok {
			missing = append(missing, string(wt))
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("pipeline: no plan for work types %v", missing)
	}
	return &Registry{plans: plans}, nil
}

// Plan returns the plan for a work type.
func (r *Registry) Plan(wt model.WorkType) (*Plan, error) {
	p, ok := r.plans[wt]
	if !ok {
		return nil, fmt.Errorf("pipeline: no plan for work type %q", wt)
	}
	return p, nil
}

func newPlan(wt model.WorkType, def Definition) (*Plan, error) {
	if len(def.Stages) == 0 {
		return nil, fmt.Errorf("pipeline: work type %q has no stages", wt)
	}
	last := 0
	seen := make(map[string]bool, len(def.Stages))
	for i, st := range def.Stages {
		if st.Name == "" {
			return nil, fmt.Errorf("pipeline: %s stage %d has no name", wt, i)
		}
		if seen[st.Name] {
			return nil, fmt.Errorf("pipeline: %s stage %q defined twice", wt, st.Name)
		}
		seen[st.Name] = true
		if st.Executor == nil {
			return nil, fmt.Errorf("pipeline: %s stage %q has no executor", wt, st.Name)
		}
		if st.Progress <= last || st.Progress > 100 {
			return nil, fmt.Errorf("pipeline: %s stage %q progress %d must increase and be <= 100",
				wt, st.Name, st.Progress)
		}
		last = st.Progress
	}
	if last != 100 {
		return nil, fmt.Errorf("pipeline: %s final stage must report 100 progress", wt)
	}

	rules, err := compileRules(wt, def)
	if err != nil {
		return nil, err
	}
	stages := make([]Stage, len(def.Stages))
	copy(stages, def.Stages)
	return &Plan{WorkType: wt, Stages: stages, rules: rules}, nil
}

// Plan is the compiled processing plan for one work type.
type Plan struct {
	WorkType model.WorkType
	Stages   []Stage
	rules    *payloadRules
}

// ContentLength returns the size used for cost estimation.
func (p *Plan) ContentLength(payload json.RawMessage) int {
	return p.rules.contentLength(payload)
}

// ValidatePayload checks the payload against the work type schema.
// Failures wrap model.ErrInvalidPayload.
func (p *Plan) ValidatePayload(payload json.RawMessage) error {
	if err := p.rules.validate(payload); err != nil {
		return fmt.Errorf("%w: %w", model.ErrInvalidPayload, err)
	}
	return nil
}
