// Package planner turns model completions into validated plan documents.
//
// The planner owns the LM boundary of the runtime: it renders prompts for the
// three planning operations (initial plan, per-task action plan, change
// request), invokes the model client, and refuses to hand anything upstream
// that does not survive schema validation and semantic parsing. Model output
// is untrusted input; a malformed reply earns exactly one corrective retry
// and a second failure surfaces as an error to the caller.
//
// Conversational threading follows the response-ID convention: the full
// prompt is resent on every call, and PreviousResponseID carries server-side
// state for providers that support it. On a retry the corrective message
// threads from the rejected attempt's response ID so providers see the bad
// output they are being asked to fix.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"goa.design/foreman/runtime/agent/model"
	"goa.design/foreman/runtime/agent/plan"
	"goa.design/foreman/runtime/agent/policy"
	"goa.design/foreman/runtime/agent/telemetry"
)

// retryInstruction is the corrective user message appended when a model reply
// fails JSON or schema validation. The reason is interpolated verbatim.
const retryInstruction = "Invalid JSON/schema: %s. Return STRICT JSON only, no markdown."

// ErrInvalidDocument marks a model reply that failed validation even after
// the corrective retry. Callers distinguish it from transport failures when
// classifying the terminal error.
var ErrInvalidDocument = errors.New("invalid model document")

type (
	// Planner renders planning prompts, invokes the model and validates the
	// replies. Safe for concurrent use once constructed.
	Planner struct {
		client          model.Client
		modelName       string
		temperature     float64
		maxOutputTokens int
		logger          telemetry.Logger

		planSchema   *jsonschema.Schema
		actionSchema *jsonschema.Schema
		changeSchema *jsonschema.Schema
	}

	// Options configures a Planner.
	Options struct {
		// Client is the model transport. Required.
		Client model.Client

		// Model is the provider-specific model identifier passed on every
		// request. Empty selects the client's configured default.
		Model string

		// Temperature is the sampling temperature for planning calls. Planning
		// wants determinism, so zero (the provider default floor) is the
		// normal setting.
		Temperature float64

		// MaxOutputTokens caps generated tokens per call. Zero means provider
		// default.
		MaxOutputTokens int

		// Logger receives planner diagnostics. Defaults to a no-op logger.
		Logger telemetry.Logger
	}

	// Attempt records one model call made while producing a document. The
	// runtime copies attempts into the per-turn audit record.
	Attempt struct {
		// PreviousResponseIDSent is the threading ID the request carried.
		PreviousResponseIDSent string `json:"previous_response_id_sent,omitempty"`

		// ResponseID is the ID the provider issued for this reply, if any.
		ResponseID string `json:"response_id,omitempty"`

		// RawText is the reply text before fence stripping.
		RawText string `json:"raw_text"`

		// Usage is the token usage the provider reported for this call.
		Usage model.TokenUsage `json:"usage"`
	}

	// Exchange traces the model calls behind one planning operation: one
	// attempt normally, two when the first reply was rejected and retried.
	Exchange struct {
		// Attempts lists the calls in order.
		Attempts []Attempt `json:"attempts"`
	}

	// PlanInput carries everything the model needs to produce an initial
	// plan.
	PlanInput struct {
		// Goal is the user goal to plan for.
		Goal string

		// Index is the rendered tool index the plan may draw on.
		Index []IndexEntry

		// Policy is rendered into the prompt so the model plans within the
		// allowed tools, commands and budgets. Required.
		Policy *policy.Policy

		// StateSummary describes the workspace as it stands, if anything is
		// known (prior runs, prepared directories).
		StateSummary string

		// Constraints are extra caller-supplied planning rules, one per line.
		Constraints []string

		// PreviousResponseID threads conversational state from an earlier
		// call in the same run. Empty starts fresh.
		PreviousResponseID string
	}

	// ActionPlanInput carries the inputs for planning one task's tool calls.
	ActionPlanInput struct {
		// Task is the task to plan actions for.
		Task plan.Task

		// Plan is the current plan, rendered as context.
		Plan *plan.Plan

		// Index is the rendered tool index.
		Index []IndexEntry

		// StateSummary describes execution state so far (completed tasks,
		// touched files).
		StateSummary string

		// RecentFailures lists criterion failures from earlier attempts at
		// this task, newest last. Empty on the first attempt.
		RecentFailures []string

		// PreviousResponseID threads conversational state.
		PreviousResponseID string
	}

	// ChangeInput carries the inputs for proposing a plan change after a task
	// exhausted its retries.
	ChangeInput struct {
		// Plan is the current plan.
		Plan *plan.Plan

		// Policy is rendered so the model proposes changes the gate can
		// actually approve. Required.
		Policy *policy.Policy

		// FailureEvidence lists the concrete failures that triggered the
		// replan.
		FailureEvidence []string

		// StateSummary describes execution state so far.
		StateSummary string

		// PreviousResponseID threads conversational state.
		PreviousResponseID string
	}
)

// Final returns the attempt that produced the accepted document, or the last
// attempt made when every reply was rejected. Zero value when no call was
// made.
func (e *Exchange) Final() Attempt {
	if e == nil || len(e.Attempts) == 0 {
		return Attempt{}
	}
	return e.Attempts[len(e.Attempts)-1]
}

// TotalUsage sums token usage across all attempts in the exchange.
func (e *Exchange) TotalUsage() model.TokenUsage {
	var total model.TokenUsage
	if e == nil {
		return total
	}
	for _, a := range e.Attempts {
		total.InputTokens += a.Usage.InputTokens
		total.OutputTokens += a.Usage.OutputTokens
		total.TotalTokens += a.Usage.TotalTokens
	}
	return total
}

// New constructs a Planner. The model client is required; the document
// schemas are compiled once here so every call validates against the same
// compiled form.
func New(opts Options) (*Planner, error) {
	if opts.Client == nil {
		return nil, errors.New("planner: model client is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	p := &Planner{
		client:          opts.Client,
		modelName:       opts.Model,
		temperature:     opts.Temperature,
		maxOutputTokens: opts.MaxOutputTokens,
		logger:          logger,
	}
	var err error
	if p.planSchema, err = compileSchema(plan.Schema()); err != nil {
		return nil, fmt.Errorf("planner: compile plan schema: %w", err)
	}
	if p.actionSchema, err = compileSchema(plan.ActionPlanSchema()); err != nil {
		return nil, fmt.Errorf("planner: compile action plan schema: %w", err)
	}
	if p.changeSchema, err = compileSchema(plan.ChangeRequestSchema()); err != nil {
		return nil, fmt.Errorf("planner: compile change request schema: %w", err)
	}
	return p, nil
}

// ProposePlan asks the model for an initial plan for the goal. The returned
// exchange is always non-nil and records every attempt made, including failed
// ones, so callers can audit the conversation even on error.
func (p *Planner) ProposePlan(ctx context.Context, in PlanInput) (*plan.Plan, *Exchange, error) {
	if in.Policy == nil {
		return nil, &Exchange{}, errors.New("planner: policy is required")
	}
	var out *plan.Plan
	ex, err := p.callJSON(ctx, request{
		instructions: planSystemPrompt,
		user:         renderPlanPrompt(in),
		schemaName:   "plan",
		schema:       plan.Schema(),
		compiled:     p.planSchema,
		previousID:   in.PreviousResponseID,
	}, func(text []byte) error {
		parsed, err := plan.Parse(text)
		if err != nil {
			return err
		}
		out = parsed
		return nil
	})
	if err != nil {
		return nil, ex, err
	}
	return out, ex, nil
}

// ProposeActionPlan asks the model for the tool calls to run for one task.
func (p *Planner) ProposeActionPlan(ctx context.Context, in ActionPlanInput) (*plan.ActionPlan, *Exchange, error) {
	if in.Plan == nil {
		return nil, &Exchange{}, errors.New("planner: plan is required")
	}
	var out *plan.ActionPlan
	ex, err := p.callJSON(ctx, request{
		instructions: actionSystemPrompt,
		user:         renderActionPrompt(in),
		schemaName:   "task_action_plan",
		schema:       plan.ActionPlanSchema(),
		compiled:     p.actionSchema,
		previousID:   in.PreviousResponseID,
	}, func(text []byte) error {
		parsed, err := plan.ParseActionPlan(text)
		if err != nil {
			return err
		}
		if parsed.TaskID != in.Task.ID {
			return fmt.Errorf("action plan targets task %q, want %q", parsed.TaskID, in.Task.ID)
		}
		out = parsed
		return nil
	})
	if err != nil {
		return nil, ex, err
	}
	return out, ex, nil
}

// ProposeChange asks the model for a plan change request after a task
// exhausted its retries.
func (p *Planner) ProposeChange(ctx context.Context, in ChangeInput) (*plan.ChangeRequest, *Exchange, error) {
	if in.Plan == nil {
		return nil, &Exchange{}, errors.New("planner: plan is required")
	}
	if in.Policy == nil {
		return nil, &Exchange{}, errors.New("planner: policy is required")
	}
	var out *plan.ChangeRequest
	ex, err := p.callJSON(ctx, request{
		instructions: changeSystemPrompt,
		user:         renderChangePrompt(in),
		schemaName:   "change_request",
		schema:       plan.ChangeRequestSchema(),
		compiled:     p.changeSchema,
		previousID:   in.PreviousResponseID,
	}, func(text []byte) error {
		parsed, err := plan.ParseChangeRequest(text)
		if err != nil {
			return err
		}
		out = parsed
		return nil
	})
	if err != nil {
		return nil, ex, err
	}
	return out, ex, nil
}

// request bundles the per-operation call parameters for callJSON.
type request struct {
	instructions string
	user         string
	schemaName   string
	schema       map[string]any
	compiled     *jsonschema.Schema
	previousID   string
}

// callJSON runs the call-validate-retry protocol shared by the three
// operations. The first rejected reply earns one corrective retry that
// threads from the rejected attempt's response ID; transport errors are never
// retried. decode must both parse and semantically validate the document.
func (p *Planner) callJSON(ctx context.Context, req request, decode func(text []byte) error) (*Exchange, error) {
	ex := &Exchange{}
	mreq := model.Request{
		Model:              p.modelName,
		Instructions:       req.instructions,
		Messages:           []model.Message{{Role: model.RoleUser, Content: req.user}},
		Temperature:        p.temperature,
		MaxOutputTokens:    p.maxOutputTokens,
		PreviousResponseID: req.previousID,
		Truncation:         model.TruncationAuto,
		OutputSchemaName:   req.schemaName,
		OutputSchema:       req.schema,
	}

	raw, err := p.attempt(ctx, ex, mreq)
	if err != nil {
		return ex, fmt.Errorf("planner: %s call: %w", req.schemaName, err)
	}
	reason := tryDecode(raw, req.compiled, decode)
	if reason == "" {
		return ex, nil
	}

	p.logger.Warn(ctx, "model reply rejected, retrying once",
		"document", req.schemaName, "reason", reason)

	retry := mreq
	retry.Messages = append(append([]model.Message(nil), mreq.Messages...), model.Message{
		Role:    model.RoleUser,
		Content: fmt.Sprintf(retryInstruction, reason),
	})
	// Thread the retry from the rejected reply so the provider sees the
	// output being corrected. Providers that issued no ID fall back to the
	// original threading.
	if id := ex.Attempts[0].ResponseID; id != "" {
		retry.PreviousResponseID = id
	}

	raw, err = p.attempt(ctx, ex, retry)
	if err != nil {
		return ex, fmt.Errorf("planner: %s retry call: %w", req.schemaName, err)
	}
	if reason := tryDecode(raw, req.compiled, decode); reason != "" {
		return ex, fmt.Errorf("planner: model returned invalid %s after retry: %s: %w", req.schemaName, reason, ErrInvalidDocument)
	}
	return ex, nil
}

// attempt performs one model call and appends its trace to the exchange.
func (p *Planner) attempt(ctx context.Context, ex *Exchange, req model.Request) (string, error) {
	resp, err := p.client.Complete(ctx, req)
	if err != nil {
		return "", err
	}
	ex.Attempts = append(ex.Attempts, Attempt{
		PreviousResponseIDSent: req.PreviousResponseID,
		ResponseID:             resp.ResponseID,
		RawText:                resp.Text,
		Usage:                  resp.Usage,
	})
	return resp.Text, nil
}

// tryDecode validates one reply: strip markdown fences, check well-formed
// JSON, check the document schema, then hand the text to the semantic
// decoder. Returns the rejection reason, empty on success.
func tryDecode(raw string, compiled *jsonschema.Schema, decode func(text []byte) error) string {
	text := stripFences(raw)
	var doc any
	if err := json.Unmarshal([]byte(text), &doc); err != nil {
		return fmt.Sprintf("invalid JSON: %v", err)
	}
	if compiled != nil {
		if err := compiled.Validate(doc); err != nil {
			return fmt.Sprintf("schema violation: %s", schemaReason(err))
		}
	}
	if err := decode([]byte(text)); err != nil {
		return err.Error()
	}
	return ""
}

// schemaReason compacts a jsonschema validation error into the first leaf
// failure. The full tree is too verbose for a corrective prompt.
func schemaReason(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}
	leaf := ve
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	loc := "/" + strings.Join(leaf.InstanceLocation, "/")
	if leaf.ErrorKind == nil {
		return loc
	}
	return fmt.Sprintf("%s at %s", strings.Join(leaf.ErrorKind.KeywordPath(), "/"), loc)
}

// stripFences removes a surrounding markdown code fence from a model reply.
// Replies without fences pass through unchanged.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = s[3:]
	// The opening fence may carry a language tag on its own line.
	if idx := strings.Index(s, "\n"); idx != -1 && len(strings.Fields(s[:idx])) <= 1 {
		s = s[idx+1:]
	}
	if idx := strings.LastIndex(s, "```"); idx != -1 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}

// compileSchema compiles a schema document for reply validation.
func compileSchema(schema map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("encode schema: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile("schema.json")
}
