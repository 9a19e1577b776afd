package roles

import (
	"fmt"
	"strings"

	"github.com/kiso-run/kiso/internal/kiso/llm"
	"github.com/kiso-run/kiso/internal/kiso/sanitize"
)

// FactLine is one fact rendered into a role's context (§3 visibility already
// applied by the caller via store.FactsVisibleTo).
type FactLine struct {
	Content    string
	Category   string
	Confidence float64
}

// PlanOutputEntry is one entry of the in-memory plan-outputs array (§4.2
// "task output chaining").
type PlanOutputEntry struct {
	Index  int
	Type   string
	Detail string
	Output string
	Status string
}

// ReplanRecord is one prior attempt in a message's replan history.
type ReplanRecord struct {
	Goal   string
	Reason string
}

// SkillSummary is one installed skill's planner-facing description.
type SkillSummary struct {
	Name       string
	Summary    string
	ArgsSchema map[string]any
}

// PlannerContext assembles everything the planner role sees (§4.7 column
// "Planner").
type PlannerContext struct {
	SessionSummary        string
	LastTrustedMessages    []string
	RecentMsgOutputs       []string
	ParaphrasedUntrusted   []string
	NewMessage             string
	Facts                  []FactLine
	PendingItems           []string
	AllowedSkills          []SkillSummary
	CallerRole             string
	SystemEnvironment      map[string]string
	ReplanHistory          []ReplanRecord
	CompletedTasksOutputs  []PlanOutputEntry
	RemainingTasks         []TaskSpec
	FailureTaskAndReason   string
}

func (c PlannerContext) render() (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "## Session summary\n%s\n\n", orNone(c.SessionSummary))

	fmt.Fprintf(&b, "## Recent trusted messages\n")
	for _, m := range c.LastTrustedMessages {
		fmt.Fprintf(&b, "- %s\n", m)
	}

	fmt.Fprintf(&b, "\n## Recent msg outputs\n")
	for _, m := range c.RecentMsgOutputs {
		fmt.Fprintf(&b, "- %s\n", m)
	}

	if len(c.ParaphrasedUntrusted) > 0 {
		b.WriteString("\n## Paraphrased untrusted context\n")
		for _, p := range c.ParaphrasedUntrusted {
			token, err := sanitize.NewFenceToken()
			if err != nil {
				return "", err
			}
			b.WriteString(sanitize.Fence(sanitize.LabelUntrustedCtx, token, p))
			b.WriteString("\n")
		}
	}

	fmt.Fprintf(&b, "\n## New message\n%s\n", c.NewMessage)

	fmt.Fprintf(&b, "\n## Facts\n")
	for _, f := range c.Facts {
		fmt.Fprintf(&b, "- [%s, confidence=%.2f] %s\n", f.Category, f.Confidence, f.Content)
	}

	fmt.Fprintf(&b, "\n## Pending items\n")
	for _, p := range c.PendingItems {
		fmt.Fprintf(&b, "- %s\n", p)
	}

	fmt.Fprintf(&b, "\n## Allowed skills\n")
	for _, s := range c.AllowedSkills {
		fmt.Fprintf(&b, "- %s: %s (args schema: %v)\n", s.Name, s.Summary, s.ArgsSchema)
	}

	fmt.Fprintf(&b, "\n## Caller role\n%s\n", c.CallerRole)

	fmt.Fprintf(&b, "\n## System environment\n")
	for k, v := range c.SystemEnvironment {
		fmt.Fprintf(&b, "- %s=%s\n", k, v)
	}

	if len(c.ReplanHistory) > 0 {
		b.WriteString("\n## Replan history\n")
		for _, r := range c.ReplanHistory {
			fmt.Fprintf(&b, "- goal=%q reason=%q\n", r.Goal, r.Reason)
		}
		if len(c.CompletedTasksOutputs) > 0 {
			b.WriteString("\n## Completed tasks (this attempt)\n")
			for _, o := range c.CompletedTasksOutputs {
				token, err := sanitize.NewFenceToken()
				if err != nil {
					return "", err
				}
				fmt.Fprintf(&b, "- #%d %s: %s\n%s\n", o.Index, o.Type, o.Detail,
					sanitize.Fence(sanitize.LabelTaskOutput, token, o.Output))
			}
		}
		if c.FailureTaskAndReason != "" {
			fmt.Fprintf(&b, "\n## Failure\n%s\n", c.FailureTaskAndReason)
		}
	}

	return b.String(), nil
}

// ReviewerContext assembles everything the reviewer role sees (§4.7).
type ReviewerContext struct {
	ProcessGoal         string
	CurrentTaskDetail   string
	CurrentTaskExpect   string
	CurrentTaskOutput   string
	OriginalUserRequest string
}

func (c ReviewerContext) render() (string, error) {
	token, err := sanitize.NewFenceToken()
	if err != nil {
		return "", err
	}
	fenced := sanitize.Fence(sanitize.LabelTaskOutput, token, c.CurrentTaskOutput)
	return fmt.Sprintf("## Process goal\n%s\n\n## Task detail\n%s\n\n## Expected outcome\n%s\n\n## Task output\n%s\n\n## Original user request\n%s\n",
		c.ProcessGoal, c.CurrentTaskDetail, c.CurrentTaskExpect, fenced, c.OriginalUserRequest), nil
}

// ExecTranslatorContext assembles everything the exec translator sees (§4.7).
type ExecTranslatorContext struct {
	SystemEnvironment     map[string]string
	PrecedingPlanOutputs  []PlanOutputEntry
	CurrentTaskDetail     string
}

func (c ExecTranslatorContext) render() (string, error) {
	var b strings.Builder
	b.WriteString("## System environment\n")
	for k, v := range c.SystemEnvironment {
		fmt.Fprintf(&b, "- %s=%s\n", k, v)
	}
	if err := renderPlanOutputs(&b, c.PrecedingPlanOutputs); err != nil {
		return "", err
	}
	fmt.Fprintf(&b, "\n## Task detail\n%s\n", c.CurrentTaskDetail)
	return b.String(), nil
}

// MessengerContext assembles everything the messenger sees (§4.7). The
// messenger deliberately sees no conversation history: all context must live
// in CurrentTaskDetail.
type MessengerContext struct {
	SessionSummary       string
	Facts                []FactLine
	PrecedingPlanOutputs []PlanOutputEntry
	CurrentTaskDetail    string
}

func (c MessengerContext) render() (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "## Session summary\n%s\n\n## Facts\n", orNone(c.SessionSummary))
	for _, f := range c.Facts {
		fmt.Fprintf(&b, "- [%s] %s\n", f.Category, f.Content)
	}
	if err := renderPlanOutputs(&b, c.PrecedingPlanOutputs); err != nil {
		return "", err
	}
	fmt.Fprintf(&b, "\n## Task detail\n%s\n", c.CurrentTaskDetail)
	return b.String(), nil
}

// SearcherContext assembles everything the searcher sees (§4.7, §4.3: the
// task detail is the search query).
type SearcherContext struct {
	Query                string
	MaxResults           int
	Lang                 string
	Country              string
	PrecedingPlanOutputs []PlanOutputEntry
}

func (c SearcherContext) render() (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "## Query\n%s\n", c.Query)
	if c.MaxResults > 0 {
		fmt.Fprintf(&b, "max_results=%d\n", c.MaxResults)
	}
	if c.Lang != "" {
		fmt.Fprintf(&b, "lang=%s\n", c.Lang)
	}
	if c.Country != "" {
		fmt.Fprintf(&b, "country=%s\n", c.Country)
	}
	if err := renderPlanOutputs(&b, c.PrecedingPlanOutputs); err != nil {
		return "", err
	}
	return b.String(), nil
}

// SummarizerContext assembles everything the summarizer sees (§4.7, two call
// sites: §4.6 step 3 session-summary rewrite and step 4 fact consolidation).
type SummarizerContext struct {
	OldSessionSummary      string
	MessagesToCompress     []string
	MessagesToCompressOut  []string
	FactsToConsolidate     []FactLine
}

func (c SummarizerContext) render() string {
	var b strings.Builder
	if c.OldSessionSummary != "" {
		fmt.Fprintf(&b, "## Old session summary\n%s\n\n", c.OldSessionSummary)
	}
	if len(c.MessagesToCompress) > 0 {
		b.WriteString("## Messages to compress\n")
		for i, m := range c.MessagesToCompress {
			fmt.Fprintf(&b, "- %s\n", m)
			if i < len(c.MessagesToCompressOut) {
				fmt.Fprintf(&b, "  output: %s\n", c.MessagesToCompressOut[i])
			}
		}
	}
	if len(c.FactsToConsolidate) > 0 {
		b.WriteString("\n## Facts to consolidate\n")
		for _, f := range c.FactsToConsolidate {
			fmt.Fprintf(&b, "- [%s, confidence=%.2f] %s\n", f.Category, f.Confidence, f.Content)
		}
	}
	return b.String()
}

// CuratorContext assembles everything the curator sees (§4.7, §4.6 step 2).
type CuratorContext struct {
	SessionSummary  string
	Facts           []FactLine
	PendingItems    []string
	PendingLearnings []string
}

func (c CuratorContext) render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Session summary\n%s\n\n## Facts\n", orNone(c.SessionSummary))
	for _, f := range c.Facts {
		fmt.Fprintf(&b, "- [%s] %s\n", f.Category, f.Content)
	}
	b.WriteString("\n## Pending items\n")
	for _, p := range c.PendingItems {
		fmt.Fprintf(&b, "- %s\n", p)
	}
	b.WriteString("\n## Pending learnings\n")
	for i, l := range c.PendingLearnings {
		fmt.Fprintf(&b, "- #%d %s\n", i, l)
	}
	return b.String()
}

// ParaphraserContext assembles the untrusted message batch the paraphraser
// rewrites into third-person, fenced descriptions (§4.2 step 1, §4.7).
type ParaphraserContext struct {
	UntrustedBatch []string
}

func (c ParaphraserContext) render() (string, error) {
	var b strings.Builder
	b.WriteString("## Untrusted messages to paraphrase\n")
	for _, m := range c.UntrustedBatch {
		token, err := sanitize.NewFenceToken()
		if err != nil {
			return "", err
		}
		b.WriteString(sanitize.Fence(sanitize.LabelUntrustedCtx, token, m))
		b.WriteString("\n")
	}
	return b.String(), nil
}

func renderPlanOutputs(b *strings.Builder, outputs []PlanOutputEntry) error {
	if len(outputs) == 0 {
		return nil
	}
	b.WriteString("\n## Preceding plan outputs\n")
	for _, o := range outputs {
		token, err := sanitize.NewFenceToken()
		if err != nil {
			return err
		}
		fmt.Fprintf(b, "- #%d %s (%s): %s\n%s\n", o.Index, o.Type, o.Status, o.Detail,
			sanitize.Fence(sanitize.LabelTaskOutput, token, o.Output))
	}
	return nil
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

// systemMessage builds the system message for a call: the loaded prompt
// body plus, for schema-bound roles, a one-line reminder that the reply must
// be a JSON object matching the provider-enforced schema.
func systemMessage(prompt *Prompt, schema map[string]any) llm.Message {
	body := prompt.Body
	if schema != nil {
		body += "\n\nYour response must be a JSON object matching the configured schema."
	}
	return llm.Message{Role: "system", Content: body}
}
