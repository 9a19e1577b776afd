package roles

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kiso-run/kiso/internal/kiso/llm"
)

// ModelSet maps each role to the provider model configured to serve it
// (config.toml's [models] table). A role absent from the map falls back to
// Default.
type ModelSet struct {
	Default        string
	Planner        string
	Reviewer       string
	ExecTranslator string
	Messenger      string
	Searcher       string
	Summarizer     string
	Curator        string
	Paraphraser    string
}

func (m ModelSet) forRole(role llm.Role) string {
	switch role {
	case llm.RolePlanner:
		return firstNonEmpty(m.Planner, m.Default)
	case llm.RoleReviewer:
		return firstNonEmpty(m.Reviewer, m.Default)
	case llm.RoleExecTranslator:
		return firstNonEmpty(m.ExecTranslator, m.Default)
	case llm.RoleMessenger:
		return firstNonEmpty(m.Messenger, m.Default)
	case llm.RoleSearcher:
		return firstNonEmpty(m.Searcher, m.Default)
	case llm.RoleSummarizer:
		return firstNonEmpty(m.Summarizer, m.Default)
	case llm.RoleCurator:
		return firstNonEmpty(m.Curator, m.Default)
	case llm.RoleParaphraser:
		return firstNonEmpty(m.Paraphraser, m.Default)
	default:
		return m.Default
	}
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// Pipeline drives role-scoped LLM calls: it loads the role's prompt,
// assembles context into messages, issues the call through the gateway, and
// (for planner/reviewer/curator) decodes the provider's structured JSON into
// a typed Go value.
type Pipeline struct {
	gateway *llm.Gateway
	prompts *PromptRegistry
	models  ModelSet
}

// NewPipeline builds a Pipeline.
func NewPipeline(gateway *llm.Gateway, prompts *PromptRegistry, models ModelSet) *Pipeline {
	return &Pipeline{gateway: gateway, prompts: prompts, models: models}
}

func (p *Pipeline) call(ctx context.Context, budget *llm.Budget, role llm.Role, userContent string, schema map[string]any) (*llm.Response, error) {
	prompt, err := p.prompts.Load(role)
	if err != nil {
		return nil, err
	}
	model := prompt.Model
	if model == "" {
		model = p.models.forRole(role)
	}
	req := llm.Request{
		Role:     role,
		Model:    model,
		Messages: []llm.Message{systemMessage(prompt, schema), {Role: "user", Content: userContent}},
		Schema:   schema,
	}
	return p.gateway.Call(ctx, budget, req)
}

// Plan issues one planner call and decodes its structured output.
func (p *Pipeline) Plan(ctx context.Context, budget *llm.Budget, pctx PlannerContext) (*PlannerOutput, error) {
	body, err := pctx.render()
	if err != nil {
		return nil, fmt.Errorf("render planner context: %w", err)
	}
	resp, err := p.call(ctx, budget, llm.RolePlanner, body, plannerSchema)
	if err != nil {
		return nil, err
	}
	var out PlannerOutput
	if err := json.Unmarshal([]byte(resp.Text), &out); err != nil {
		return nil, fmt.Errorf("decode planner output: %w", err)
	}
	return &out, nil
}

// Review issues one reviewer call and decodes its structured output.
func (p *Pipeline) Review(ctx context.Context, budget *llm.Budget, rctx ReviewerContext) (*ReviewerOutput, error) {
	body, err := rctx.render()
	if err != nil {
		return nil, fmt.Errorf("render reviewer context: %w", err)
	}
	resp, err := p.call(ctx, budget, llm.RoleReviewer, body, reviewerSchema)
	if err != nil {
		return nil, err
	}
	var out ReviewerOutput
	if err := json.Unmarshal([]byte(resp.Text), &out); err != nil {
		return nil, fmt.Errorf("decode reviewer output: %w", err)
	}
	return &out, nil
}

// Curate issues one curator call and decodes its structured output.
func (p *Pipeline) Curate(ctx context.Context, budget *llm.Budget, cctx CuratorContext) (*CuratorOutput, error) {
	resp, err := p.call(ctx, budget, llm.RoleCurator, cctx.render(), curatorSchema)
	if err != nil {
		return nil, err
	}
	var out CuratorOutput
	if err := json.Unmarshal([]byte(resp.Text), &out); err != nil {
		return nil, fmt.Errorf("decode curator output: %w", err)
	}
	return &out, nil
}

// TranslateExec issues one exec translator call and returns the trimmed
// shell command, or the sentinel "CANNOT_TRANSLATE" (§4.3, §7 TranslatorFailure).
func (p *Pipeline) TranslateExec(ctx context.Context, budget *llm.Budget, ectx ExecTranslatorContext) (string, error) {
	body, err := ectx.render()
	if err != nil {
		return "", fmt.Errorf("render exec translator context: %w", err)
	}
	resp, err := p.call(ctx, budget, llm.RoleExecTranslator, body, nil)
	if err != nil {
		return "", err
	}
	return trimCommand(resp.Text), nil
}

// Message issues one messenger call and returns its free-form text.
func (p *Pipeline) Message(ctx context.Context, budget *llm.Budget, mctx MessengerContext) (string, error) {
	body, err := mctx.render()
	if err != nil {
		return "", fmt.Errorf("render messenger context: %w", err)
	}
	resp, err := p.call(ctx, budget, llm.RoleMessenger, body, nil)
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// Search issues one searcher call and returns its textual digest.
func (p *Pipeline) Search(ctx context.Context, budget *llm.Budget, sctx SearcherContext) (string, error) {
	body, err := sctx.render()
	if err != nil {
		return "", fmt.Errorf("render searcher context: %w", err)
	}
	resp, err := p.call(ctx, budget, llm.RoleSearcher, body, nil)
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// Summarize issues one summarizer call and returns its free-form text (§4.6
// steps 3 and 4 both use this, distinguished by which SummarizerContext
// fields are populated).
func (p *Pipeline) Summarize(ctx context.Context, budget *llm.Budget, sctx SummarizerContext) (string, error) {
	resp, err := p.call(ctx, budget, llm.RoleSummarizer, sctx.render(), nil)
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// Paraphrase issues one paraphraser call over a batch of untrusted messages
// and returns the third-person paraphrase (§4.2 step 1).
func (p *Pipeline) Paraphrase(ctx context.Context, budget *llm.Budget, pctx ParaphraserContext) (string, error) {
	body, err := pctx.render()
	if err != nil {
		return "", fmt.Errorf("render paraphraser context: %w", err)
	}
	resp, err := p.call(ctx, budget, llm.RoleParaphraser, body, nil)
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

func trimCommand(s string) string {
	// Exec translator output must be a bare command: no markdown fences, no
	// surrounding whitespace.
	s = trimSpaceAndFences(s)
	return s
}
