package plan

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kiso-run/kiso/internal/kiso/roles"
	"github.com/kiso-run/kiso/internal/kiso/store"
)

// runPostExecutionHooks runs the five post-plan hooks in §4.6 order. Every
// step logs and continues on failure: a hook going wrong must never lose the
// plan outcome already delivered to the user.
func (rt *Runtime) runPostExecutionHooks(ctx context.Context, mc *msgState) {
	rt.touchUsedFacts(ctx, mc)
	rt.runCurator(ctx, mc)
	rt.maybeSummarizeSession(ctx, mc)
	rt.maybeConsolidateFacts(ctx, mc)
	rt.decayAndArchiveFacts(ctx, mc)
}

// touchUsedFacts bumps use_count/last_used for every fact that appeared in
// the planner context this cycle (§4.6 step 1).
func (rt *Runtime) touchUsedFacts(ctx context.Context, mc *msgState) {
	if len(mc.usedFactIDs) == 0 {
		return
	}
	ids := make([]int64, 0, len(mc.usedFactIDs))
	for id := range mc.usedFactIDs {
		ids = append(ids, id)
	}
	if err := rt.store.TouchFacts(ctx, ids); err != nil {
		slog.Warn("hooks: touch used facts failed", "session", mc.session.ID, "error", err)
	}
}

// runCurator invokes the curator role over every pending learning and
// applies its verdicts: promote into a fact, ask (pending item), or discard
// (§4.6 step 2).
func (rt *Runtime) runCurator(ctx context.Context, mc *msgState) {
	pending, err := rt.store.PendingLearnings(ctx)
	if err != nil {
		slog.Warn("hooks: load pending learnings failed", "session", mc.session.ID, "error", err)
		return
	}
	if len(pending) == 0 {
		return
	}

	byID := make(map[int64]*store.Learning, len(pending))
	lines := make([]string, len(pending))
	for i, l := range pending {
		byID[l.ID] = l
		lines[i] = fmt.Sprintf("#%d %s", l.ID, l.Content)
	}

	facts, _, err := rt.factLines(ctx, mc.session.ID)
	if err != nil {
		slog.Warn("hooks: load facts for curator context failed", "session", mc.session.ID, "error", err)
	}
	pendingItems, err := rt.store.PendingItemsFor(ctx, mc.session.ID)
	if err != nil {
		slog.Warn("hooks: load pending items for curator context failed", "session", mc.session.ID, "error", err)
	}
	var pendingQs []string
	for _, p := range pendingItems {
		pendingQs = append(pendingQs, p.Question)
	}

	cctx := roles.CuratorContext{
		SessionSummary:   mc.session.Summary,
		Facts:            facts,
		PendingItems:     pendingQs,
		PendingLearnings: lines,
	}
	out, err := rt.pipeline.Curate(ctx, mc.budget, cctx)
	if err != nil {
		slog.Warn("hooks: curator call failed", "session", mc.session.ID, "error", err)
		return
	}

	for _, ev := range out.Evaluations {
		l, ok := byID[ev.LearningID]
		if !ok {
			slog.Warn("hooks: curator verdict referenced unknown learning", "learning_id", ev.LearningID)
			continue
		}
		rt.applyCuratorVerdict(ctx, l, ev)
	}
}

func (rt *Runtime) applyCuratorVerdict(ctx context.Context, l *store.Learning, ev roles.CuratorEvaluation) {
	switch ev.Verdict {
	case "promote":
		content := l.Content
		if ev.Fact != nil && *ev.Fact != "" {
			content = *ev.Fact
		}
		fact := &store.Fact{
			Content: content, Category: store.FactGeneral, Confidence: 0.8, SessionID: l.SessionID,
		}
		if _, err := rt.store.InsertFact(ctx, fact); err != nil {
			slog.Warn("hooks: promote learning to fact failed", "learning", l.ID, "error", err)
			return
		}
		if err := rt.store.SetLearningStatus(ctx, l.ID, store.LearningPromoted); err != nil {
			slog.Warn("hooks: set learning promoted failed", "learning", l.ID, "error", err)
		}

	case "ask":
		question := l.Content
		if ev.Question != nil && *ev.Question != "" {
			question = *ev.Question
		}
		item := &store.PendingItem{Scope: store.PendingSession, SessionID: l.SessionID, Question: question}
		if _, err := rt.store.InsertPendingItem(ctx, item); err != nil {
			slog.Warn("hooks: insert pending item from learning failed", "learning", l.ID, "error", err)
			return
		}
		if err := rt.store.SetLearningStatus(ctx, l.ID, store.LearningAsked); err != nil {
			slog.Warn("hooks: set learning asked failed", "learning", l.ID, "error", err)
		}

	default: // "discard" and anything unrecognized
		if err := rt.store.SetLearningStatus(ctx, l.ID, store.LearningDiscarded); err != nil {
			slog.Warn("hooks: set learning discarded failed", "learning", l.ID, "error", err)
		}
	}
}

// maybeSummarizeSession rewrites a session's rolling summary once enough raw
// messages have accumulated since the last rewrite (§4.6 step 3).
func (rt *Runtime) maybeSummarizeSession(ctx context.Context, mc *msgState) {
	n, err := rt.store.CountMessagesSince(ctx, mc.session.ID, mc.session.LastSummarizedMessageID)
	if err != nil {
		slog.Warn("hooks: count messages since last summary failed", "session", mc.session.ID, "error", err)
		return
	}
	if n < rt.cfg.SummarizeThreshold {
		return
	}

	toCompress, err := rt.store.MessagesToCompress(ctx, mc.session.ID, mc.session.LastSummarizedMessageID)
	if err != nil {
		slog.Warn("hooks: load messages to compress failed", "session", mc.session.ID, "error", err)
		return
	}
	if len(toCompress) == 0 {
		return
	}
	outputs, err := rt.store.MsgOutputsSince(ctx, mc.session.ID, mc.session.LastSummarizedMessageID)
	if err != nil {
		slog.Warn("hooks: load msg outputs to compress failed", "session", mc.session.ID, "error", err)
	}

	lines := make([]string, len(toCompress))
	for i, m := range toCompress {
		lines[i] = fmt.Sprintf("[%s] %s", m.Role, m.Content)
	}

	sctx := roles.SummarizerContext{
		OldSessionSummary:     mc.session.Summary,
		MessagesToCompress:    lines,
		MessagesToCompressOut: outputs,
	}
	summary, err := rt.pipeline.Summarize(ctx, mc.budget, sctx)
	if err != nil {
		slog.Warn("hooks: summarizer call failed", "session", mc.session.ID, "error", err)
		return
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return
	}

	if err := rt.store.UpdateSessionSummary(ctx, mc.session.ID, summary); err != nil {
		slog.Warn("hooks: update session summary failed", "session", mc.session.ID, "error", err)
		return
	}
	watermark := toCompress[len(toCompress)-1].ID
	if err := rt.store.SetLastSummarizedMessageID(ctx, mc.session.ID, watermark); err != nil {
		slog.Warn("hooks: advance summary watermark failed", "session", mc.session.ID, "error", err)
	}
	mc.session.Summary = summary
	mc.session.LastSummarizedMessageID = watermark
}

// consolidatedFact is the summarizer's structured consolidation output shape
// (§4.6 step 4: "a structured list [{content, category, confidence}]").
type consolidatedFact struct {
	Content    string  `json:"content"`
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
}

// minConsolidationRatio and minFactLen implement the anti-catastrophic-
// collapse guard (§4.6 step 4): a consolidation is rejected if the new list
// is shorter than 30% of the old one, or dominated by near-empty entries.
const (
	minConsolidationRatio = 0.3
	minFactLen            = 10
)

// maybeConsolidateFacts invokes the summarizer to compress the full fact
// table into a shorter, deduplicated list once the total crosses
// KnowledgeMaxFacts, guarding against a degenerate replacement (§4.6 step 4).
func (rt *Runtime) maybeConsolidateFacts(ctx context.Context, mc *msgState) {
	total, err := rt.store.CountFacts(ctx)
	if err != nil {
		slog.Warn("hooks: count facts failed", "session", mc.session.ID, "error", err)
		return
	}
	if total < rt.cfg.KnowledgeMaxFacts {
		return
	}

	existing, err := rt.store.AllFacts(ctx)
	if err != nil {
		slog.Warn("hooks: load all facts for consolidation failed", "session", mc.session.ID, "error", err)
		return
	}
	lines := make([]roles.FactLine, len(existing))
	for i, f := range existing {
		lines[i] = roles.FactLine{Content: f.Content, Category: string(f.Category), Confidence: f.Confidence}
	}

	sctx := roles.SummarizerContext{FactsToConsolidate: lines}
	text, err := rt.pipeline.Summarize(ctx, mc.budget, sctx)
	if err != nil {
		slog.Warn("hooks: summarizer consolidation call failed", "session", mc.session.ID, "error", err)
		return
	}

	consolidated, err := parseConsolidatedFacts(text)
	if err != nil {
		slog.Warn("hooks: parse consolidated facts failed", "session", mc.session.ID, "error", err)
		return
	}

	if consolidationIsDegenerate(existing, consolidated) {
		slog.Warn("hooks: rejecting fact consolidation, anti-collapse guard tripped",
			"session", mc.session.ID, "old_count", len(existing), "new_count", len(consolidated))
		return
	}

	newFacts := make([]*store.Fact, len(consolidated))
	for i, c := range consolidated {
		category := store.FactCategory(c.Category)
		switch category {
		case store.FactProject, store.FactUser, store.FactTool, store.FactGeneral:
		default:
			category = store.FactGeneral
		}
		sessionID := ""
		if category == store.FactUser {
			sessionID = mc.session.ID
		}
		newFacts[i] = &store.Fact{Content: c.Content, Category: category, Confidence: c.Confidence, SessionID: sessionID}
	}

	if err := rt.store.ReplaceFacts(ctx, newFacts); err != nil {
		slog.Warn("hooks: replace facts with consolidation failed", "session", mc.session.ID, "error", err)
	}
}

// parseConsolidatedFacts decodes the summarizer's free-form response as a
// JSON array, tolerating a surrounding markdown code fence.
func parseConsolidatedFacts(text string) ([]consolidatedFact, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	var out []consolidatedFact
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return nil, fmt.Errorf("decode consolidated facts: %w", err)
	}
	return out, nil
}

// consolidationIsDegenerate applies the anti-collapse guard: reject if the
// new list is under 30% of the old count, or if short entries dominate it.
func consolidationIsDegenerate(old []*store.Fact, new []consolidatedFact) bool {
	if len(new) == 0 {
		return true
	}
	if float64(len(new)) < float64(len(old))*minConsolidationRatio {
		return true
	}
	short := 0
	for _, f := range new {
		if len(strings.TrimSpace(f.Content)) < minFactLen {
			short++
		}
	}
	return short*2 > len(new)
}

// decayAndArchiveFacts reduces confidence for stale facts and archives any
// that fall below the floor (§4.6 step 5).
func (rt *Runtime) decayAndArchiveFacts(ctx context.Context, mc *msgState) {
	if rt.cfg.FactDecayRate <= 0 {
		return
	}
	n, err := rt.store.DecayAndArchiveFacts(ctx, rt.cfg.FactDecayRate, rt.cfg.FactDecayDays, rt.cfg.FactArchiveThreshold)
	if err != nil {
		slog.Warn("hooks: decay/archive facts failed", "session", mc.session.ID, "error", err)
		return
	}
	if n > 0 {
		slog.Info("hooks: archived stale facts", "session", mc.session.ID, "count", n)
	}
}
