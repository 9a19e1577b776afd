package plan

import (
	"context"
	"log/slog"

	"github.com/kiso-run/kiso/internal/kiso/audit"
	"github.com/kiso-run/kiso/internal/kiso/delivery"
	"github.com/kiso-run/kiso/internal/kiso/roles"
	"github.com/kiso-run/kiso/internal/kiso/store"
)

// enterReplan closes out a failed plan and, budget permitting, starts a
// child plan carrying the failure forward as context (§4.2 step 8, §4.6
// replan handling). reason is the translator/deny-list/task-failure/
// reviewer text that explains why the current attempt did not succeed.
func (rt *Runtime) enterReplan(ctx context.Context, mc *msgState, planID int64, goal, reason string) {
	cur, err := rt.store.GetPlan(ctx, planID)
	if err != nil {
		slog.Error("plan: load plan for replan check failed", "plan", planID, "error", err)
		rt.failPlan(ctx, mc, planID, reason)
		return
	}

	mc.replanDepth++
	maxDepth := rt.cfg.MaxReplanDepth + cur.ExtendReplan
	if mc.replanDepth > maxDepth {
		rt.failPlan(ctx, mc, planID, reason)
		rt.terminalFailure(ctx, mc, "gave up after too many replans: "+reason)
		return
	}

	remaining, err := rt.remainingTaskSpecs(ctx, planID)
	if err != nil {
		slog.Warn("plan: load remaining tasks for replan context failed", "plan", planID, "error", err)
	}

	rt.notifyReplan(ctx, mc, planID, reason)

	if err := rt.store.FailRemainingTasks(ctx, planID); err != nil {
		slog.Error("plan: fail remaining tasks before replan failed", "plan", planID, "error", err)
	}
	if err := rt.store.UpdatePlanStatus(ctx, planID, store.PlanFailed); err != nil {
		slog.Error("plan: mark plan failed before replan failed", "plan", planID, "error", err)
	}

	mc.replanHistory = append(mc.replanHistory, roles.ReplanRecord{Goal: goal, Reason: reason})
	mc.pendingFailure = reason

	parent := planID
	rt.attemptPlan(ctx, mc, "", nil, &parent, remaining)
}

// notifyReplan delivers the worker-emitted notification msg explaining why
// the current plan is being abandoned for a new one (§4.2 replan branch:
// "Emit a notification msg (webhook + /status) explaining the reason").
// final is always false here: the plan has not reached a terminal delivery
// yet, only its replacement will (§8 invariant 6).
func (rt *Runtime) notifyReplan(ctx context.Context, mc *msgState, planID int64, reason string) {
	dr := rt.deliverer.Deliver(ctx, mc.session.WebhookURL, delivery.Payload{
		Session: mc.session.ID, Type: "msg", Content: "Replanning: " + reason, Final: false,
	})
	rt.recordAuditFields(ctx, audit.KindWebhookDelivery, mc.session.ID, map[string]any{
		"plan_id": planID, "attempts": dr.Attempts, "delivered": dr.Delivered, "reason": "replan",
	}, mc.secretValues(rt.deploy))
}

// remainingTaskSpecs projects a plan's not-yet-completed tasks back into
// roles.TaskSpec for the replan planner context's "remaining tasks" row, so
// the planner can see what it had queued up but never reached.
func (rt *Runtime) remainingTaskSpecs(ctx context.Context, planID int64) ([]roles.TaskSpec, error) {
	tasks, err := rt.store.TasksForPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	var out []roles.TaskSpec
	for _, t := range tasks {
		if t.Status != store.TaskPending {
			continue
		}
		out = append(out, roles.TaskSpec{Type: string(t.Type), Detail: t.Detail, Skill: t.Skill, Args: t.Args, Expect: t.Expect})
	}
	return out, nil
}
