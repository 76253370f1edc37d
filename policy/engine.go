package policy

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/rego"
)

// Decisions returned by Evaluate.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// Engine is the OPA policy engine gating tool invocations.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a new policy engine with the given policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.tool_policy.result"),
		rego.Module("tool_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// NewEngineFromFile loads the policy module from path. An empty path uses
// DefaultPolicy.
func NewEngineFromFile(ctx context.Context, path string) (*Engine, error) {
	if path == "" {
		return NewEngine(ctx, DefaultPolicy)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy %s: %w", path, err)
	}
	return NewEngine(ctx, string(content))
}

// Input is the document the policy evaluates.
type Input struct {
	ToolName string `json:"tool_name"`
	UserID   string `json:"user_id"`
	GuestID  string `json:"guest_id"`
	ChatID   string `json:"chat_id"`
	Args     any    `json:"args"`
}

// Evaluate checks the tool policy and returns the decision and its reason.
func (e *Engine) Evaluate(ctx context.Context, input Input) (string, string, error) {
	doc := map[string]any{
		"tool_name": input.ToolName,
		"user_id":   input.UserID,
		"guest_id":  input.GuestID,
		"chat_id":   input.ChatID,
		"args":      input.Args,
	}
	results, err := e.query.Eval(ctx, rego.EvalInput(doc))
	if err != nil {
		return "", "", fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return DecisionAllow, "default", nil
	}

	switch val := results[0].Expressions[0].Value.(type) {
	case string:
		return val, "", nil
	case map[string]interface{}:
		decision, _ := val["decision"].(string)
		reason, _ := val["reason"].(string)
		if decision == "" {
			decision = DecisionAllow
		}
		return decision, reason, nil
	}
	return "", "", fmt.Errorf("unexpected policy result type %T", results[0].Expressions[0].Value)
}

// DefaultPolicy is the default policy content.
const DefaultPolicy = `
package tool_policy

default decision = "allow"

default reason = ""

guest {
	input.user_id == ""
}

# Orders need an account to attach payment and delivery details to.
decision = "deny" {
	guest
	input.tool_name == "order_place"
}

reason = "sign in to place an order" {
	guest
	input.tool_name == "order_place"
}

result = r {
	r := {"decision": decision, "reason": reason}
}
`
