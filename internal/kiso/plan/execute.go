package plan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/google/uuid"

	"github.com/kiso-run/kiso/internal/kiso/audit"
	"github.com/kiso-run/kiso/internal/kiso/delivery"
	"github.com/kiso-run/kiso/internal/kiso/executor"
	"github.com/kiso-run/kiso/internal/kiso/llm"
	"github.com/kiso-run/kiso/internal/kiso/roles"
	"github.com/kiso-run/kiso/internal/kiso/sanitize"
	"github.com/kiso-run/kiso/internal/kiso/store"
)

// runMessage drives one message through paraphrase -> plan -> execute,
// including any replan branches, to a terminal plan status. It never
// propagates an error: every failure mode has a terminal disposition of its
// own (§7), logged and, where the taxonomy calls for it, delivered to the
// session's webhook.
func (rt *Runtime) runMessage(ctx context.Context, mc *msgState) {
	paraphrased, err := rt.paraphraseUntrusted(ctx, mc)
	if err != nil {
		slog.Warn("plan: paraphrase untrusted context failed, continuing without it", "session", mc.session.ID, "error", err)
	}
	rt.attemptPlan(ctx, mc, "", paraphrased, nil, nil)
}

// paraphraseUntrusted rewrites a session's recent untrusted messages into
// third-person, fenced descriptions (§4.2 step 1).
func (rt *Runtime) paraphraseUntrusted(ctx context.Context, mc *msgState) ([]string, error) {
	msgs, err := rt.store.RecentUntrustedMessages(ctx, mc.session.ID, rt.cfg.RecentMessageWindow)
	if err != nil {
		return nil, fmt.Errorf("load recent untrusted messages: %w", err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	batch := make([]string, len(msgs))
	for i, m := range msgs {
		batch[i] = m.Content
	}
	text, err := rt.pipeline.Paraphrase(ctx, mc.budget, roles.ParaphraserContext{UntrustedBatch: batch})
	if err != nil {
		return nil, fmt.Errorf("paraphraser: %w", err)
	}
	return []string{text}, nil
}

// attemptPlan runs the plan+validate retry loop for one planning attempt
// (the initial one, or a replan re-entry with parentID set), then executes
// the resulting tasks.
func (rt *Runtime) attemptPlan(ctx context.Context, mc *msgState, extra string, paraphrased []string, parentID *int64, remainingTasks []roles.TaskSpec) {
	var out *roles.PlannerOutput
	var factIDs []int64

	for attempt := 0; ; attempt++ {
		pctx, ids, err := rt.buildPlannerContext(ctx, mc, extra, paraphrased, remainingTasks)
		if err != nil {
			rt.terminalFailure(ctx, mc, fmt.Sprintf("could not assemble planning context: %v", err))
			return
		}
		factIDs = ids

		candidate, err := rt.pipeline.Plan(ctx, mc.budget, pctx)
		if err != nil {
			rt.handleRoleCallError(ctx, mc, "planner", err)
			return
		}

		if verr := rt.validatePlan(candidate, mc.allowedSkills); verr != nil {
			if attempt >= rt.cfg.MaxValidationRetries {
				rt.terminalFailure(ctx, mc, fmt.Sprintf("planner could not produce a valid plan after %d attempts: %v", attempt+1, verr))
				return
			}
			extra = verr.Error()
			continue
		}
		out = candidate
		break
	}

	mc.noteFactIDs(factIDs)

	p := &store.Plan{
		SessionID: mc.session.ID,
		MessageID: mc.message.ID,
		ParentID:  parentID,
		Goal:      out.Goal,
	}
	planID, err := rt.store.CreatePlan(ctx, p)
	if err != nil {
		slog.Error("plan: create plan row failed", "session", mc.session.ID, "error", err)
		return
	}
	if out.ExtendReplan != nil {
		grant := *out.ExtendReplan
		if grant < 0 {
			grant = 0
		}
		if grant > 3 {
			grant = 3
		}
		if err := rt.store.SetExtendReplan(ctx, planID, grant); err != nil {
			slog.Warn("plan: set extend_replan failed", "plan", planID, "error", err)
		}
	}
	for _, kv := range out.Secrets {
		mc.ephemeral.Set(kv.Key, kv.Value)
	}

	tasks := planToTasks(out)
	sanitizeTasks(tasks, mc.secretValues(rt.deploy))
	if err := rt.store.InsertTasks(ctx, planID, tasks); err != nil {
		slog.Error("plan: insert tasks failed", "plan", planID, "error", err)
		return
	}

	// The outputs accumulated while building this attempt's planner context
	// (from a prior failed attempt, if any) have served their purpose; this
	// attempt's own task chain starts fresh.
	mc.outputs = nil
	mc.pendingFailure = ""

	rt.runTasks(ctx, mc, planID, out.Goal, tasks)
}

// runTasks executes a plan's tasks in order, applying the cancel check
// between tasks and branching into review, replan, or delivery per task
// type (§4.2 steps 6-8).
func (rt *Runtime) runTasks(ctx context.Context, mc *msgState, planID int64, goal string, tasks []*store.Task) {
	for i, task := range tasks {
		cancelled, err := rt.store.CancelFlag(ctx, mc.session.ID)
		if err != nil {
			slog.Error("plan: read cancel flag failed", "session", mc.session.ID, "error", err)
		}
		if cancelled {
			rt.cancelPlan(ctx, mc, planID)
			return
		}

		role, allowedSkills, ok := rt.access.RoleAndSkills(mc.message.UserID)
		if ok {
			mc.role, mc.allowedSkills = role, allowedSkills
		}
		revoked := ""
		if !ok {
			revoked = "caller is no longer a configured user"
		} else if task.Type == store.TaskSkill && task.Skill != nil && len(allowedSkills) > 0 && !slices.Contains(allowedSkills, *task.Skill) {
			revoked = fmt.Sprintf("skill %q is no longer in the caller's allowed set", *task.Skill)
		}
		if revoked != "" {
			if err := rt.store.CompleteTask(ctx, task.ID, store.TaskFailed, "", revoked, nil); err != nil {
				slog.Error("plan: complete revoked task failed", "task", task.ID, "error", err)
			}
			rt.enterReplan(ctx, mc, planID, goal, revoked)
			return
		}
		restricted, err := rt.restrictedUser(mc.session.ID, mc.role)
		if err != nil {
			slog.Error("plan: resolve restricted user failed", "session", mc.session.ID, "error", err)
			rt.failPlan(ctx, mc, planID, "resolve restricted OS user: "+err.Error())
			return
		}

		switch task.Type {
		case store.TaskReplan:
			if err := rt.store.CompleteTask(ctx, task.ID, store.TaskDone, task.Detail, "", nil); err != nil {
				slog.Error("plan: complete replan task failed", "task", task.ID, "error", err)
			}
			rt.enterReplan(ctx, mc, planID, goal, task.Detail)
			return

		case store.TaskMsg:
			rt.runMsgTask(ctx, mc, planID, task, i == len(tasks)-1)
			if i == len(tasks)-1 {
				rt.finalizePlan(ctx, mc, planID)
			}

		default: // exec, skill, search
			if !rt.runReviewedTask(ctx, mc, planID, goal, task, restricted) {
				return
			}
		}
	}
}

// runReviewedTask dispatches an exec/skill/search task, persists its result,
// and either records a reviewer "ok" or enters the replan branch. Returns
// false when the caller must stop iterating (replan entered or a terminal
// failure was recorded).
func (rt *Runtime) runReviewedTask(ctx context.Context, mc *msgState, planID int64, goal string, task *store.Task, restricted *executor.RestrictedUser) bool {
	if err := rt.store.SetTaskRunning(ctx, task.ID); err != nil {
		slog.Error("plan: set task running failed", "task", task.ID, "error", err)
	}

	facts, _, err := rt.factLines(ctx, mc.session.ID)
	if err != nil {
		slog.Warn("plan: load facts for task dispatch failed", "task", task.ID, "error", err)
	}

	dctx := executor.Context{
		SessionID:            mc.session.ID,
		Task:                 task,
		SystemEnvironment:    systemEnvironmentFacts(),
		PrecedingPlanOutputs: mc.outputs,
		SessionSummary:       mc.session.Summary,
		Facts:                facts,
		Ephemeral:            mc.ephemeral,
		Restricted:           restricted,
		SearchMaxResults:     rt.cfg.SearchMaxResults,
		SearchLang:           rt.cfg.SearchLang,
		SearchCountry:        rt.cfg.SearchCountry,
	}
	secretValues := mc.secretValues(rt.deploy)

	result, err := rt.executor.Dispatch(ctx, mc.budget, dctx, secretValues)
	if err != nil {
		if errors.Is(err, llm.ErrBudgetExceeded) {
			rt.terminalFailure(ctx, mc, "message exceeded its LLM call budget")
			return false
		}
		if errors.Is(err, llm.ErrProviderUnsupported) {
			rt.terminalFailure(ctx, mc, fmt.Sprintf("configured model does not support this role: %v", err))
			return false
		}
		slog.Error("plan: task dispatch failed", "task", task.ID, "error", err)
		if cerr := rt.store.CompleteTask(ctx, task.ID, store.TaskFailed, "", err.Error(), nil); cerr != nil {
			slog.Error("plan: complete failed task failed", "task", task.ID, "error", cerr)
		}
		rt.failPlan(ctx, mc, planID, err.Error())
		return false
	}

	if err := rt.store.CompleteTask(ctx, task.ID, result.Status, result.Output, result.Stderr, result.Command); err != nil {
		slog.Error("plan: complete task failed", "task", task.ID, "error", err)
	}
	mc.outputs = append(mc.outputs, roles.PlanOutputEntry{
		Index: task.Index, Type: string(task.Type), Detail: task.Detail, Output: result.Output, Status: string(result.Status),
	})
	if err := rt.ws.WritePlanOutputs(mc.session.ID, mc.outputs); err != nil {
		slog.Warn("plan: write plan outputs failed", "session", mc.session.ID, "error", err)
	}
	rt.recordAuditFields(ctx, audit.KindTaskExecution, mc.session.ID, map[string]any{
		"task_id": task.ID, "type": string(task.Type), "status": string(result.Status),
	}, secretValues)

	if task.Type == store.TaskExec || task.Type == store.TaskSkill {
		rt.publishNewFiles(ctx, mc.session.ID)
	}

	if result.SkipReview {
		rt.enterReplan(ctx, mc, planID, goal, result.Stderr)
		return false
	}

	expect := ""
	if task.Expect != nil {
		expect = *task.Expect
	}
	verdict, reason, ok := rt.review(ctx, mc, goal, task, expect, result.Output)
	if !ok {
		rt.terminalFailure(ctx, mc, "reviewer call failed repeatedly")
		return false
	}
	if verdict == "ok" {
		if err := rt.store.SetTaskReviewed(ctx, task.ID, true); err != nil {
			slog.Warn("plan: set task reviewed failed", "task", task.ID, "error", err)
		}
		return true
	}

	if err := rt.store.SetTaskReviewed(ctx, task.ID, false); err != nil {
		slog.Warn("plan: set task reviewed failed", "task", task.ID, "error", err)
	}
	rt.enterReplan(ctx, mc, planID, goal, reason)
	return false
}

// publishNewFiles scans a session's pub/ directory for files an exec or
// skill subprocess just wrote and mints a UUID4 token (§3 Published file,
// Open Question resolution: "UUID4 ... looked up by indexed exact match")
// for any that are not already registered, so GET /pub/{id} (§6) can serve
// them without auth. Already-registered files are left untouched.
func (rt *Runtime) publishNewFiles(ctx context.Context, sessionID string) {
	names, err := rt.ws.ListPub(sessionID)
	if err != nil {
		slog.Warn("plan: list pub dir failed", "session", sessionID, "error", err)
		return
	}
	for _, name := range names {
		existing, err := rt.store.FindPublishedFile(ctx, sessionID, name)
		if err != nil {
			slog.Warn("plan: find published file failed", "session", sessionID, "filename", name, "error", err)
			continue
		}
		if existing != nil {
			continue
		}
		diskPath, err := rt.ws.ResolvePublished(sessionID, name)
		if err != nil {
			slog.Warn("plan: resolve published file path failed", "session", sessionID, "filename", name, "error", err)
			continue
		}
		f := &store.PublishedFile{ID: uuid.New().String(), SessionID: sessionID, Filename: name, DiskPath: diskPath}
		if err := rt.store.InsertPublishedFile(ctx, f); err != nil {
			slog.Warn("plan: register published file failed", "session", sessionID, "filename", name, "error", err)
		}
	}
}

// review issues the reviewer call, retrying up to MaxValidationRetries when
// a "replan" verdict arrives with no reason (§7 ReviewMissingReason), and
// synthesizing a reason once retries are exhausted rather than looping
// forever.
func (rt *Runtime) review(ctx context.Context, mc *msgState, goal string, task *store.Task, expect, output string) (status, reason string, ok bool) {
	rctx := roles.ReviewerContext{
		ProcessGoal: goal, CurrentTaskDetail: task.Detail, CurrentTaskExpect: expect,
		CurrentTaskOutput: output, OriginalUserRequest: mc.message.Content,
	}
	for attempt := 0; ; attempt++ {
		out, err := rt.pipeline.Review(ctx, mc.budget, rctx)
		if err != nil {
			slog.Error("plan: reviewer call failed", "task", task.ID, "error", err)
			return "", "", false
		}
		if out.Learn != nil && *out.Learn != "" {
			if _, lerr := rt.store.InsertLearning(ctx, &store.Learning{Content: *out.Learn, SessionID: mc.session.ID}); lerr != nil {
				slog.Warn("plan: insert learning failed", "task", task.ID, "error", lerr)
			}
		}
		if out.Status == "ok" {
			return "ok", "", true
		}
		if out.Reason != nil && *out.Reason != "" {
			return "replan", *out.Reason, true
		}
		if attempt >= rt.cfg.MaxValidationRetries {
			return "replan", "reviewer requested replan without giving a reason", true
		}
	}
}

// runMsgTask dispatches a msg task and delivers it to the session's
// webhook. final marks the plan's concluding delivery (§8 invariant 6).
func (rt *Runtime) runMsgTask(ctx context.Context, mc *msgState, planID int64, task *store.Task, final bool) {
	if err := rt.store.SetTaskRunning(ctx, task.ID); err != nil {
		slog.Error("plan: set task running failed", "task", task.ID, "error", err)
	}

	facts, _, err := rt.factLines(ctx, mc.session.ID)
	if err != nil {
		slog.Warn("plan: load facts for msg dispatch failed", "task", task.ID, "error", err)
	}

	dctx := executor.Context{
		SessionID: mc.session.ID, Task: task, PrecedingPlanOutputs: mc.outputs,
		SessionSummary: mc.session.Summary, Facts: facts, Ephemeral: mc.ephemeral,
	}
	secretValues := mc.secretValues(rt.deploy)

	result, err := rt.executor.Dispatch(ctx, mc.budget, dctx, secretValues)
	if err != nil {
		slog.Error("plan: msg dispatch failed", "task", task.ID, "error", err)
		if cerr := rt.store.CompleteTask(ctx, task.ID, store.TaskFailed, "", err.Error(), nil); cerr != nil {
			slog.Error("plan: complete failed msg task failed", "task", task.ID, "error", cerr)
		}
		return
	}

	if err := rt.store.CompleteTask(ctx, task.ID, result.Status, result.Output, "", nil); err != nil {
		slog.Error("plan: complete msg task failed", "task", task.ID, "error", err)
	}
	mc.outputs = append(mc.outputs, roles.PlanOutputEntry{
		Index: task.Index, Type: string(task.Type), Detail: task.Detail, Output: result.Output, Status: string(result.Status),
	})

	dr := rt.deliverer.Deliver(ctx, mc.session.WebhookURL, delivery.Payload{
		Session: mc.session.ID, TaskID: task.ID, Type: "msg", Content: result.Output, Final: final,
	})
	rt.recordAuditFields(ctx, audit.KindWebhookDelivery, mc.session.ID, map[string]any{
		"task_id": task.ID, "attempts": dr.Attempts, "status": dr.StatusCode, "delivered": dr.Delivered,
	}, secretValues)
	if final {
		if err := rt.store.SetTaskDeliveredFinal(ctx, task.ID); err != nil {
			slog.Warn("plan: set task delivered final failed", "task", task.ID, "error", err)
		}
	}
}

// finalizePlan marks a plan done once its final msg task has been handled,
// and writes the plan's accumulated token usage (§4.6 step 6).
func (rt *Runtime) finalizePlan(ctx context.Context, mc *msgState, planID int64) {
	if err := rt.store.UpdatePlanStatus(ctx, planID, store.PlanDone); err != nil {
		slog.Error("plan: finalize plan status failed", "plan", planID, "error", err)
	}
	if err := rt.store.RecordPlanUsage(ctx, planID, mc.budget.InputTokens(), mc.budget.OutputTokens(), mc.budget.PrimaryModel()); err != nil {
		slog.Warn("plan: record plan usage failed", "plan", planID, "error", err)
	}
	rt.recordAuditFields(ctx, audit.KindPlanCompleted, mc.session.ID, map[string]any{"plan_id": planID}, nil)
}

// failPlan marks a plan failed and logs the reason, the StoreFailure/generic
// internal-failure disposition (§7): propagate to the log, leave the worker
// running for the next message. Records the message's accumulated token
// usage on the plan row (§4.6 step 6), same as the done path.
func (rt *Runtime) failPlan(ctx context.Context, mc *msgState, planID int64, reason string) {
	if err := rt.store.UpdatePlanStatus(ctx, planID, store.PlanFailed); err != nil {
		slog.Error("plan: mark plan failed failed", "plan", planID, "error", err)
	}
	if mc != nil {
		if err := rt.store.RecordPlanUsage(ctx, planID, mc.budget.InputTokens(), mc.budget.OutputTokens(), mc.budget.PrimaryModel()); err != nil {
			slog.Warn("plan: record plan usage on failure failed", "plan", planID, "error", err)
		}
	}
	slog.Error("plan: plan failed", "plan", planID, "reason", reason)
}

// cancelPlan handles a mid-flight cancellation (§4.2 step 6, Open Question
// resolution: the acknowledgement is a worker-emitted delivery, never a
// task row). Clears the flag once handled so it does not bleed into the
// session's next message.
func (rt *Runtime) cancelPlan(ctx context.Context, mc *msgState, planID int64) {
	if err := rt.store.CancelRemainingTasks(ctx, planID); err != nil {
		slog.Error("plan: cancel remaining tasks failed", "plan", planID, "error", err)
	}
	if err := rt.store.UpdatePlanStatus(ctx, planID, store.PlanCancelled); err != nil {
		slog.Error("plan: mark plan cancelled failed", "plan", planID, "error", err)
	}
	if err := rt.store.SetCancelFlag(ctx, mc.session.ID, false); err != nil {
		slog.Warn("plan: clear cancel flag failed", "session", mc.session.ID, "error", err)
	}
	content := "Cancelled at your request."
	if len(mc.outputs) > 0 {
		content += " Completed before cancelling:"
		for _, o := range mc.outputs {
			content += fmt.Sprintf("\n- task %d (%s): %s", o.Index, o.Type, o.Detail)
		}
	}
	content = sanitize.Sanitize(content, mc.secretValues(rt.deploy))
	dr := rt.deliverer.Deliver(ctx, mc.session.WebhookURL, delivery.Payload{
		Session: mc.session.ID, Type: "msg", Content: content, Final: true,
	})
	rt.recordAuditFields(ctx, audit.KindWebhookDelivery, mc.session.ID, map[string]any{
		"plan_id": planID, "attempts": dr.Attempts, "delivered": dr.Delivered, "reason": "cancelled",
	}, mc.secretValues(rt.deploy))
}

// terminalFailure records a message-level terminal outcome (budget
// exhaustion, provider incompatibility, validation exhaustion, replan
// exhaustion) by notifying the session's webhook directly, the same
// worker-emitted-delivery shape cancellation uses.
func (rt *Runtime) terminalFailure(ctx context.Context, mc *msgState, reason string) {
	slog.Error("plan: terminal failure for message", "session", mc.session.ID, "message", mc.message.ID, "reason", reason)
	dr := rt.deliverer.Deliver(ctx, mc.session.WebhookURL, delivery.Payload{
		Session: mc.session.ID, Type: "msg", Content: "Sorry, I couldn't complete that: " + reason, Final: true,
	})
	rt.recordAuditFields(ctx, audit.KindError, mc.session.ID, map[string]any{
		"message_id": mc.message.ID, "reason": reason, "delivered": dr.Delivered,
	}, mc.secretValues(rt.deploy))
}

// handleRoleCallError dispatches a role-pipeline call error to the right
// terminal handling: budget exhaustion and provider incompatibility are
// message-terminal (§7); anything else is logged and treated the same way,
// since a planner call that cannot succeed leaves nothing further to try.
func (rt *Runtime) handleRoleCallError(ctx context.Context, mc *msgState, role string, err error) {
	if errors.Is(err, llm.ErrBudgetExceeded) {
		rt.terminalFailure(ctx, mc, "message exceeded its LLM call budget")
		return
	}
	if errors.Is(err, llm.ErrProviderUnsupported) {
		rt.terminalFailure(ctx, mc, fmt.Sprintf("configured model does not support the %s role: %v", role, err))
		return
	}
	rt.terminalFailure(ctx, mc, fmt.Sprintf("%s call failed: %v", role, err))
}
