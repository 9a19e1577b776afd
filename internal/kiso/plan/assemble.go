package plan

import (
	"context"
	"fmt"

	"github.com/kiso-run/kiso/internal/kiso/executor"
	"github.com/kiso-run/kiso/internal/kiso/roles"
)

// factLines converts visible store facts into roles.FactLine and the
// parallel id slice TouchFacts needs at the end of the cycle (§4.6 step 1).
// roles.FactLine carries no id of its own: it is the planner/messenger/
// curator-facing projection, so the id bookkeeping lives here instead.
func (rt *Runtime) factLines(ctx context.Context, sessionID string) ([]roles.FactLine, []int64, error) {
	facts, err := rt.store.FactsVisibleTo(ctx, sessionID)
	if err != nil {
		return nil, nil, fmt.Errorf("load facts for session %s: %w", sessionID, err)
	}
	lines := make([]roles.FactLine, len(facts))
	ids := make([]int64, len(facts))
	for i, f := range facts {
		lines[i] = roles.FactLine{Content: f.Content, Category: string(f.Category), Confidence: f.Confidence}
		ids[i] = f.ID
	}
	return lines, ids, nil
}

// allowedSkillSummaries resolves the caller's current allowed-skill set into
// planner-facing summaries, re-read fresh every call. It runs once per
// planner context, so a skill installed or revoked mid-plan shows up in the
// next planning or replanning attempt.
func (rt *Runtime) allowedSkillSummaries(allowed []string) ([]roles.SkillSummary, error) {
	names, err := rt.skills.List()
	if err != nil {
		return nil, fmt.Errorf("list installed skills: %w", err)
	}
	allowSet := make(map[string]bool, len(allowed))
	for _, n := range allowed {
		allowSet[n] = true
	}

	var out []roles.SkillSummary
	for _, name := range names {
		if len(allowed) > 0 && !allowSet[name] {
			continue
		}
		m, err := rt.skills.Get(name)
		if err != nil {
			return nil, fmt.Errorf("load skill %q: %w", name, err)
		}
		out = append(out, roles.SkillSummary{Name: name, Summary: m.Kiso.Skill.Summary, ArgsSchema: m.ArgSchema()})
	}
	return out, nil
}

func stringSlice(msgs []string) []string {
	if msgs == nil {
		return []string{}
	}
	return msgs
}

// buildPlannerContext assembles the full planner context for one attempt
// (initial plan or a replan re-prompt), pulling in everything §4.7's
// "Planner" column lists. extra, when non-empty, is appended validation- or
// replan-feedback text the planner has no dedicated schema slot for.
func (rt *Runtime) buildPlannerContext(ctx context.Context, mc *msgState, extra string, paraphrasedUntrusted []string, remainingTasks []roles.TaskSpec) (roles.PlannerContext, []int64, error) {
	facts, factIDs, err := rt.factLines(ctx, mc.session.ID)
	if err != nil {
		return roles.PlannerContext{}, nil, err
	}

	recentMsgs, err := rt.store.RecentTrustedMessages(ctx, mc.session.ID, rt.cfg.RecentMessageWindow)
	if err != nil {
		return roles.PlannerContext{}, nil, fmt.Errorf("load recent trusted messages: %w", err)
	}
	var recentLines []string
	for _, m := range recentMsgs {
		recentLines = append(recentLines, fmt.Sprintf("[%s] %s", m.Role, m.Content))
	}

	recentOutputs, err := rt.store.RecentMsgOutputsForSession(ctx, mc.session.ID, rt.cfg.RecentMsgOutputWindow)
	if err != nil {
		return roles.PlannerContext{}, nil, fmt.Errorf("load recent msg outputs: %w", err)
	}

	pendingItems, err := rt.store.PendingItemsFor(ctx, mc.session.ID)
	if err != nil {
		return roles.PlannerContext{}, nil, fmt.Errorf("load pending items: %w", err)
	}
	var pendingQs []string
	for _, p := range pendingItems {
		pendingQs = append(pendingQs, p.Question)
	}

	allowedSkills, err := rt.allowedSkillSummaries(mc.allowedSkills)
	if err != nil {
		return roles.PlannerContext{}, nil, err
	}

	newMessage := mc.message.Content
	if extra != "" {
		newMessage = newMessage + "\n\n" + extra
	}

	pctx := roles.PlannerContext{
		SessionSummary:       mc.session.Summary,
		LastTrustedMessages:  stringSlice(recentLines),
		RecentMsgOutputs:     stringSlice(recentOutputs),
		ParaphrasedUntrusted: paraphrasedUntrusted,
		NewMessage:           newMessage,
		Facts:                facts,
		PendingItems:         stringSlice(pendingQs),
		AllowedSkills:        allowedSkills,
		CallerRole:           mc.role,
		SystemEnvironment:    systemEnvironmentFacts(),
		ReplanHistory:         mc.replanHistory,
		CompletedTasksOutputs: mc.outputs,
		RemainingTasks:        remainingTasks,
		FailureTaskAndReason:  mc.pendingFailure,
	}
	return pctx, factIDs, nil
}

// restrictedUser resolves the OS credential exec/skill subprocesses run
// under for the current caller role, or nil for admin (§4.3).
func (rt *Runtime) restrictedUser(sessionID, role string) (*executor.RestrictedUser, error) {
	if role == RoleAdmin {
		return nil, nil
	}
	return rt.access.RestrictedUser(sessionID, role)
}
