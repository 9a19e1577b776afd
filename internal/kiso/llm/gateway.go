// Package llm defines Kiso's strictly-typed LLM call abstraction (C4):
// {role, model, messages, schema?} -> {text, input_tokens, output_tokens},
// plus a per-message call-budget accumulator.
package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// Role identifies which role pipeline is issuing a call, used for routing,
// audit, and capability probing (§9: "a capability probe at startup... fails
// loudly rather than degrading silently").
type Role string

const (
	RolePlanner         Role = "planner"
	RoleReviewer        Role = "reviewer"
	RoleExecTranslator  Role = "exec_translator"
	RoleMessenger       Role = "messenger"
	RoleSearcher        Role = "searcher"
	RoleSummarizer      Role = "summarizer"
	RoleCurator         Role = "curator"
	RoleParaphraser     Role = "paraphraser"
)

// Message is one entry in a call's conversation.
type Message struct {
	Role    string // "system" | "user" | "assistant"
	Content string
}

// Request is the strictly-typed shape every role pipeline issues.
type Request struct {
	Role     Role
	Model    string
	Messages []Message
	// Schema, when non-nil, is a JSON Schema document the provider must
	// constrain its output to (planner, reviewer, curator — §4.5). Free-form
	// roles (messenger, searcher, summarizer, paraphraser, exec translator)
	// leave this nil.
	Schema map[string]any
}

// Response is what every call returns.
type Response struct {
	Text         string
	InputTokens  int64
	OutputTokens int64
}

// ErrProviderUnsupported is returned when a model lacks the structured-output
// capability a role requires (§7 ProviderUnsupported).
var ErrProviderUnsupported = errors.New("provider does not support structured output for this role")

// ErrBudgetExceeded is returned by a Budget once its call ceiling is reached
// (§7 BudgetExceeded, §5).
var ErrBudgetExceeded = errors.New("llm call budget exceeded for this message")

// Transport performs the actual HTTP call to an LLM provider. Gateway wraps
// a Transport with the per-message budget accounting the runtime requires.
type Transport interface {
	Call(ctx context.Context, req Request) (*Response, error)
}

// Gateway is the call abstraction every role pipeline uses. It enforces the
// per-message LLM call budget (§5: max_llm_calls_per_message, default 200)
// and accumulates token usage for the plan row (§4.6 step 6).
type Gateway struct {
	transport Transport
}

// NewGateway wraps a Transport with budget accounting.
func NewGateway(transport Transport) *Gateway {
	return &Gateway{transport: transport}
}

// Budget is an ambient counter scoped to processing one message (§5). It
// must be created fresh per message and discarded when the message's plan
// terminates (success, replan-exhaustion, or budget-exceeded all clear it).
type Budget struct {
	max   int64
	calls atomic.Int64

	inputTokens  atomic.Int64
	outputTokens atomic.Int64

	modelMu      sync.Mutex
	primaryModel string
}

// NewBudget returns a Budget allowing up to max calls.
func NewBudget(max int) *Budget {
	return &Budget{max: int64(max)}
}

// Calls returns how many calls have been made against this budget so far.
func (b *Budget) Calls() int64 { return b.calls.Load() }

// InputTokens returns the accumulated input token count.
func (b *Budget) InputTokens() int64 { return b.inputTokens.Load() }

// OutputTokens returns the accumulated output token count.
func (b *Budget) OutputTokens() int64 { return b.outputTokens.Load() }

// PrimaryModel returns the model used for this message's planner calls, for
// the plan row's recorded model (§4.6 step 6: "primary model"). Empty if the
// planner was never called against this budget.
func (b *Budget) PrimaryModel() string {
	b.modelMu.Lock()
	defer b.modelMu.Unlock()
	return b.primaryModel
}

// Call issues req through the gateway's transport, charging it against
// budget. Returns ErrBudgetExceeded without making the call if the budget is
// already exhausted.
func (g *Gateway) Call(ctx context.Context, budget *Budget, req Request) (*Response, error) {
	n := budget.calls.Add(1)
	if n > budget.max {
		return nil, ErrBudgetExceeded
	}
	if req.Role == RolePlanner {
		budget.modelMu.Lock()
		if budget.primaryModel == "" {
			budget.primaryModel = req.Model
		}
		budget.modelMu.Unlock()
	}

	resp, err := g.transport.Call(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("llm call (role=%s, model=%s): %w", req.Role, req.Model, err)
	}

	budget.inputTokens.Add(resp.InputTokens)
	budget.outputTokens.Add(resp.OutputTokens)
	return resp, nil
}
