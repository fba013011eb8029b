package actionplan

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dialvox/dialvox/internal/observe"
)

// Tool executes one allowlisted action. Params arrive validated and with any
// chained results already injected; the returned map becomes the step result
// visible to later steps.
type Tool func(ctx context.Context, params map[string]any) (map[string]any, error)

// AuditEntry is one audit log record, always scoped to a tenant.
type AuditEntry struct {
	TenantID  string         `json:"tenant_id"`
	PlanID    string         `json:"plan_id"`
	StepIndex *int           `json:"step_index,omitempty"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail,omitempty"`
	At        time.Time      `json:"at"`
}

// AuditLog receives plan and step outcomes. Implementations must not lose
// entries silently; an error here does not stop execution but is logged.
type AuditLog interface {
	Record(ctx context.Context, entry AuditEntry) error
}

// chainedKeys are the well-known result fields injected into a step's params
// when use_result_from references an earlier result.
var chainedKeys = []string{"meeting_id", "start_time", "join_link"}

// Executor runs plans against a closed tool registry.
type Executor struct {
	tools map[StepType]Tool
	audit AuditLog
	log   *slog.Logger
	met   *observe.Metrics
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.log = l }
}

// WithMetrics sets the metrics instance. Defaults to observe.DefaultMetrics.
func WithMetrics(m *observe.Metrics) ExecutorOption {
	return func(e *Executor) { e.met = m }
}

// WithAuditLog sets the audit sink. Without one, audit entries are dropped.
func WithAuditLog(a AuditLog) ExecutorOption {
	return func(e *Executor) { e.audit = a }
}

// NewExecutor builds an executor over the given tool registry. The registry
// is closed at construction: every key must be on the allowlist, and no tool
// can be added later.
func NewExecutor(tools map[StepType]Tool, opts ...ExecutorOption) (*Executor, error) {
	reg := make(map[StepType]Tool, len(tools))
	for t, fn := range tools {
		if !Allowed(t) {
			return nil, fmt.Errorf("actionplan: tool %q: %w", t, ErrActionNotAllowed)
		}
		if fn == nil {
			return nil, fmt.Errorf("actionplan: tool %q is nil", t)
		}
		reg[t] = fn
	}
	e := &Executor{tools: reg}
	for _, o := range opts {
		o(e)
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	if e.met == nil {
		e.met = observe.DefaultMetrics()
	}
	return e, nil
}

// Execute runs the plan's steps in order, mutating the plan in place: status,
// current_step, step_results, and error. Returns the first hard failure, or
// nil when the plan completed (skipped steps included).
func (e *Executor) Execute(ctx context.Context, plan *Plan) error {
	if err := Validate(plan); err != nil {
		plan.Status = PlanFailed
		plan.Error = err.Error()
		return err
	}

	log := e.log.With(
		slog.String("plan_id", plan.ID),
		slog.String("tenant_id", plan.TenantID),
	)
	plan.Status = PlanRunning
	plan.StepResults = plan.StepResults[:0]
	plan.Error = ""
	e.record(ctx, plan, nil, "plan_started", map[string]any{"intent": plan.Intent})

	// prevStatus carries across skips, so a chain of dependent steps after a
	// failure all skip together.
	prevStatus := StepSuccess

	for i, step := range plan.Steps {
		if ctx.Err() != nil {
			plan.Status = PlanFailed
			plan.Error = ctx.Err().Error()
			return ctx.Err()
		}
		plan.CurrentStep = i
		plan.UpdatedAt = time.Now().UTC()

		if !runnable(step.Condition, prevStatus) {
			res := StepResult{Index: i, Status: StepSkipped}
			plan.StepResults = append(plan.StepResults, res)
			e.record(ctx, plan, &i, "step_skipped", map[string]any{"type": string(step.Type)})
			e.met.RecordAction(ctx, string(step.Type), string(StepSkipped))
			continue
		}

		res := e.runStep(ctx, plan, i, step)
		plan.StepResults = append(plan.StepResults, res)
		prevStatus = res.Status
		e.met.RecordAction(ctx, string(step.Type), string(res.Status))
		if res.Status == StepFailed {
			e.record(ctx, plan, &i, "step_failed", map[string]any{
				"type":  string(step.Type),
				"error": res.Error,
			})
			if plan.Error == "" {
				plan.Error = fmt.Sprintf("step %d (%s): %s", i, step.Type, res.Error)
			}
			log.Warn("plan step failed",
				slog.Int("step", i),
				slog.String("type", string(step.Type)),
				slog.String("error", res.Error),
			)
			continue
		}
		e.record(ctx, plan, &i, "step_succeeded", map[string]any{"type": string(step.Type)})
	}

	plan.UpdatedAt = time.Now().UTC()
	if plan.Error != "" {
		plan.Status = PlanFailed
		e.record(ctx, plan, nil, "plan_failed", map[string]any{"error": plan.Error})
		return fmt.Errorf("actionplan: plan %s: %s", plan.ID, plan.Error)
	}
	plan.Status = PlanCompleted
	e.record(ctx, plan, nil, "plan_completed", nil)
	return nil
}

// runStep prepares params and dispatches one step.
func (e *Executor) runStep(ctx context.Context, plan *Plan, i int, step Step) StepResult {
	params, err := e.prepareParams(plan, step)
	if err != nil {
		return StepResult{Index: i, Status: StepFailed, Error: err.Error()}
	}

	tool, ok := e.tools[step.Type]
	if !ok {
		return StepResult{Index: i, Status: StepFailed, Error: fmt.Sprintf("no tool registered for %s", step.Type)}
	}

	start := time.Now()
	result, err := tool(ctx, params)
	e.met.ActionDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		return StepResult{Index: i, Status: StepFailed, Error: err.Error()}
	}
	return StepResult{Index: i, Status: StepSuccess, Result: result}
}

// prepareParams copies the step params, injects chained result fields, and
// resolves any offset expression into an absolute scheduled_at time.
func (e *Executor) prepareParams(plan *Plan, step Step) (map[string]any, error) {
	params := make(map[string]any, len(step.Params)+len(chainedKeys))
	for k, v := range step.Params {
		params[k] = v
	}

	if ref := step.UseResultFrom; ref != nil {
		src := plan.StepResults[*ref]
		if src.Status != StepSuccess {
			return nil, fmt.Errorf("referenced step %d did not succeed", *ref)
		}
		for _, key := range chainedKeys {
			if v, ok := src.Result[key]; ok {
				if _, taken := params[key]; !taken {
					params[key] = v
				}
			}
		}
	}

	if raw, ok := params["offset"]; ok {
		offset, err := ParseOffset(raw.(string))
		if err != nil {
			return nil, err
		}
		base, err := resolveTime(params["start_time"])
		if err != nil {
			return nil, fmt.Errorf("offset needs a start_time: %w", err)
		}
		params["scheduled_at"] = base.Add(offset).UTC().Format(time.RFC3339)
	}
	return params, nil
}

// resolveTime accepts the time representations a chained result can carry.
func resolveTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		parsed, err := time.Parse(time.RFC3339, t)
		if err != nil {
			return time.Time{}, fmt.Errorf("actionplan: bad start_time %q: %w", t, err)
		}
		return parsed, nil
	case nil:
		return time.Time{}, fmt.Errorf("actionplan: start_time missing")
	default:
		return time.Time{}, fmt.Errorf("actionplan: start_time is %T", v)
	}
}

// runnable evaluates a step condition against the last attempted outcome.
func runnable(c Condition, prev StepStatus) bool {
	switch c {
	case "", ConditionAlways:
		return true
	case ConditionIfPreviousSuccess:
		return prev == StepSuccess
	case ConditionIfPreviousFailed:
		return prev == StepFailed
	default:
		return false
	}
}

// record writes an audit entry, logging delivery failures.
func (e *Executor) record(ctx context.Context, plan *Plan, stepIndex *int, event string, detail map[string]any) {
	if e.audit == nil {
		return
	}
	var idx *int
	if stepIndex != nil {
		v := *stepIndex
		idx = &v
	}
	entry := AuditEntry{
		TenantID:  plan.TenantID,
		PlanID:    plan.ID,
		StepIndex: idx,
		Event:     event,
		Detail:    detail,
		At:        time.Now().UTC(),
	}
	if err := e.audit.Record(ctx, entry); err != nil {
		e.log.Error("audit record failed",
			slog.String("plan_id", plan.ID),
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
