package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xiaot623/gogo/foodchat/internal/domain"
	"github.com/xiaot623/gogo/foodchat/internal/observability"
	"github.com/xiaot623/gogo/foodchat/policy"
)

var tracer = otel.Tracer("github.com/xiaot623/gogo/foodchat/internal/tools")

// validName is the function-name grammar accepted by OpenAI-compatible
// providers.
var validName = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// ExecutorFunc runs a tool with schema-validated input.
type ExecutorFunc func(ctx context.Context, input json.RawMessage, tc domain.ToolContext) (json.RawMessage, error)

// Tool is a named capability the model may invoke.
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	Execute     ExecutorFunc
}

// Policy decides whether a tool call may run.
type Policy interface {
	Evaluate(ctx context.Context, input policy.Input) (string, string, error)
}

type entry struct {
	tool   Tool
	schema *jsonschema.Schema
}

// Registry stores tools keyed by name.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]*entry
	policy  Policy
	timeout time.Duration
	metrics *observability.Metrics
	logger  *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithPolicy gates every call through p.
func WithPolicy(p Policy) Option {
	return func(r *Registry) { r.policy = p }
}

// WithTimeout bounds each tool execution.
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) { r.timeout = d }
}

// WithMetrics records tool calls.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry creates an empty tool registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		tools:   make(map[string]*entry),
		timeout: 10 * time.Second,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a tool. Its input schema is compiled once here.
func (r *Registry) Register(t Tool) error {
	if t.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if !validName.MatchString(t.Name) {
		return fmt.Errorf("invalid tool name %q: must match %s", t.Name, validName)
	}
	if t.Execute == nil {
		return fmt.Errorf("executor is required")
	}
	schemaText := strings.TrimSpace(string(t.InputSchema))
	if schemaText == "" {
		schemaText = `{"type":"object"}`
		t.InputSchema = json.RawMessage(schemaText)
	}
	schema, err := jsonschema.CompileString(t.Name+".schema.json", schemaText)
	if err != nil {
		return fmt.Errorf("invalid input schema for %s: %w", t.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("executor already registered for %s", t.Name)
	}
	r.tools[t.Name] = &entry{tool: t, schema: schema}
	return nil
}

// MustRegister adds a tool or panics.
func (r *Registry) MustRegister(t Tool) {
	if err := r.Register(t); err != nil {
		panic(err)
	}
}

// Lookup returns the tool registered under name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	e, ok := r.lookup(name)
	if !ok {
		return Tool{}, false
	}
	return e.tool, true
}

func (r *Registry) lookup(name string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	return e, ok
}

// Specs describes every tool to the model, sorted by name.
func (r *Registry) Specs() []domain.ToolSpec {
	r.mu.RLock()
	specs := make([]domain.ToolSpec, 0, len(r.tools))
	for _, e := range r.tools {
		specs = append(specs, domain.ToolSpec{
			Name:        e.tool.Name,
			Description: e.tool.Description,
			InputSchema: e.tool.InputSchema,
		})
	}
	r.mu.RUnlock()
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Validate checks input against the tool's schema.
func (r *Registry) Validate(name string, input json.RawMessage) error {
	e, ok := r.lookup(name)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrToolNotFound, name)
	}
	return e.validate(normalizeInput(input))
}

func (e *entry) validate(input json.RawMessage) error {
	var decoded any
	if err := json.Unmarshal(input, &decoded); err != nil {
		return fmt.Errorf("%w: input is not valid JSON: %v", domain.ErrInvalidInput, err)
	}
	if err := e.schema.Validate(decoded); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	return nil
}

// Execute validates input and runs the tool without consulting the policy.
func (r *Registry) Execute(ctx context.Context, name string, input json.RawMessage, tc domain.ToolContext) (json.RawMessage, error) {
	e, ok := r.lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrToolNotFound, name)
	}
	input = normalizeInput(input)
	if err := e.validate(input); err != nil {
		return nil, err
	}
	return r.run(ctx, e, input, tc)
}

// Call executes a model's tool call and always returns a settled part.
// Unknown tools, invalid input, executor failures and panics become
// output-error; a policy denial becomes output-denied.
func (r *Registry) Call(ctx context.Context, call domain.ToolCall, tc domain.ToolContext) domain.Part {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "tool "+call.Name, trace.WithAttributes(
		attribute.String("tool.name", call.Name),
		attribute.String("tool.call_id", call.ID),
	))
	defer span.End()

	part := r.settle(ctx, call, tc)
	r.metrics.ToolCall(call.Name, string(part.State), time.Since(start))
	span.SetAttributes(attribute.String("tool.state", string(part.State)))
	if part.State != domain.ToolStateOutputAvailable {
		span.SetStatus(codes.Error, part.ErrorText)
		r.logger.Warn("tool call did not succeed", "tool", call.Name, "tool_call_id", call.ID, "state", part.State, "reason", part.ErrorText)
	}
	return part
}

func (r *Registry) settle(ctx context.Context, call domain.ToolCall, tc domain.ToolContext) domain.Part {
	part := domain.Part{
		Type:       domain.PartTypeToolInvocation,
		ToolCallID: call.ID,
		ToolName:   call.Name,
	}
	fail := func(state domain.ToolState, text string) domain.Part {
		part.State = state
		part.ErrorText = text
		return part
	}

	input := normalizeInput(call.Input)
	part.Input = WireInput(call.Input)

	e, ok := r.lookup(call.Name)
	if !ok {
		return fail(domain.ToolStateOutputError, fmt.Sprintf("unknown tool %q", call.Name))
	}
	if err := e.validate(input); err != nil {
		return fail(domain.ToolStateOutputError, err.Error())
	}

	if r.policy != nil {
		var args any
		_ = json.Unmarshal(input, &args)
		decision, reason, err := r.policy.Evaluate(ctx, policy.Input{
			ToolName: call.Name,
			UserID:   tc.UserID,
			GuestID:  tc.GuestID,
			ChatID:   tc.ChatID,
			Args:     args,
		})
		if err != nil {
			return fail(domain.ToolStateOutputError, err.Error())
		}
		if decision != policy.DecisionAllow {
			if reason == "" {
				reason = fmt.Sprintf("%s denied by policy", call.Name)
			}
			return fail(domain.ToolStateOutputDenied, reason)
		}
	}

	tc.ToolCallID = call.ID
	out, err := r.run(ctx, e, input, tc)
	if err != nil {
		return fail(domain.ToolStateOutputError, err.Error())
	}
	part.State = domain.ToolStateOutputAvailable
	part.Output = out
	return part
}

type result struct {
	out json.RawMessage
	err error
}

// run executes the tool under the registry timeout, converting panics and
// malformed output into errors.
func (r *Registry) run(ctx context.Context, e *entry, input json.RawMessage, tc domain.ToolContext) (json.RawMessage, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	done := make(chan result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- result{err: fmt.Errorf("tool %s panicked: %v", e.tool.Name, p)}
			}
		}()
		out, err := e.tool.Execute(ctx, input, tc)
		done <- result{out: out, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("tool %s: %w", e.tool.Name, ctx.Err())
	case res := <-done:
		if res.err != nil {
			return nil, res.err
		}
		if len(res.out) == 0 {
			return json.RawMessage("null"), nil
		}
		if !json.Valid(res.out) {
			return nil, fmt.Errorf("tool %s returned invalid JSON", e.tool.Name)
		}
		return res.out, nil
	}
}

// WireInput returns model-supplied arguments in a form that can be encoded
// into chunks and parts: empty input becomes {} and malformed JSON becomes
// a JSON string holding the raw text.
func WireInput(input json.RawMessage) json.RawMessage {
	normalized := normalizeInput(input)
	if json.Valid(normalized) {
		return normalized
	}
	quoted, _ := json.Marshal(string(input))
	return quoted
}

func normalizeInput(input json.RawMessage) json.RawMessage {
	if len(strings.TrimSpace(string(input))) == 0 {
		return json.RawMessage("{}")
	}
	return input
}
