// Package policy decides whether an identity may act on a conversation.
package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"

	"github.com/caiyusheng650/SocketChatAI/internal/domain"
)

// Actions evaluated by the policy.
const (
	ActionRead  = "read"
	ActionWrite = "write"
)

// Decisions returned by the policy.
const (
	DecisionAllow     = "allow"
	DecisionForbidden = "forbidden"
	DecisionNotFound  = "not_found"
)

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a new policy engine with the given policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.conversation_policy.decision"),
		rego.Module("conversation_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// NewDefaultEngine creates an engine running DefaultPolicy.
func NewDefaultEngine(ctx context.Context) (*Engine, error) {
	return NewEngine(ctx, DefaultPolicy)
}

// Evaluate runs the policy against input and returns the decision string.
func (e *Engine) Evaluate(ctx context.Context, input interface{}) (string, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", fmt.Errorf("failed to evaluate policy: %w", err)
	}

	// The policy defines a default, so an empty result set means the
	// query itself is wrong.
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return "", fmt.Errorf("policy produced no decision")
	}

	if s, ok := results[0].Expressions[0].Value.(string); ok {
		return s, nil
	}
	return "", fmt.Errorf("unexpected policy result %T", results[0].Expressions[0].Value)
}

// AuthorizeConversation checks that identity may perform action on conv.
// It returns an error wrapping domain.ErrForbidden or domain.ErrNotFound
// when the policy denies access.
func (e *Engine) AuthorizeConversation(ctx context.Context, identity, action string, conv *domain.Conversation) error {
	decision, err := e.Evaluate(ctx, map[string]interface{}{
		"identity": identity,
		"action":   action,
		"conversation": map[string]interface{}{
			"id":     conv.ID,
			"owner":  conv.UserID,
			"active": conv.IsActive,
		},
	})
	if err != nil {
		return err
	}

	switch decision {
	case DecisionAllow:
		return nil
	case DecisionForbidden:
		return fmt.Errorf("conversation %s: %w", conv.ID, domain.ErrForbidden)
	case DecisionNotFound:
		return fmt.Errorf("conversation %s: %w", conv.ID, domain.ErrNotFound)
	default:
		return fmt.Errorf("conversation %s: unknown decision %q: %w", conv.ID, decision, domain.ErrForbidden)
	}
}

// DefaultPolicy only lets owners touch their conversations. Deleted
// conversations stay readable but reject writes as if absent.
const DefaultPolicy = `
package conversation_policy

default decision = "allow"

decision = "forbidden" {
	input.identity != input.conversation.owner
} else = "not_found" {
	input.action == "write"
	not input.conversation.active
}
`
