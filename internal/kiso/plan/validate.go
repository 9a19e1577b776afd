package plan

import (
	"fmt"
	"strings"

	"github.com/kiso-run/kiso/internal/kiso/roles"
	"github.com/kiso-run/kiso/internal/kiso/sanitize"
	"github.com/kiso-run/kiso/internal/kiso/store"
)

// validationError is returned by validatePlan when a planner response fails
// semantic validation (§4.2 step 5). Its text is fed back into the next
// planner re-prompt.
type validationError struct {
	reasons []string
}

func (e *validationError) Error() string {
	return "plan validation failed: " + strings.Join(e.reasons, "; ")
}

// validatePlan checks a decoded PlannerOutput against the semantic rules a
// JSON Schema alone cannot express: expect-field presence by task type,
// replan task placement and uniqueness, and skill existence/args/allow-list
// (§4.2 step 5).
func (rt *Runtime) validatePlan(out *roles.PlannerOutput, allowedSkills []string) error {
	var reasons []string

	if len(out.Tasks) == 0 {
		reasons = append(reasons, "tasks must not be empty")
		return &validationError{reasons: reasons}
	}

	allowSet := make(map[string]bool, len(allowedSkills))
	for _, s := range allowedSkills {
		allowSet[s] = true
	}

	replanCount := 0
	for i, t := range out.Tasks {
		pos := i + 1
		switch t.Type {
		case "exec", "skill", "search":
			if t.Expect == nil || *t.Expect == "" {
				reasons = append(reasons, fmt.Sprintf("task %d (%s): expect must be set", pos, t.Type))
			}
		case "msg", "replan":
			if t.Expect != nil && *t.Expect != "" {
				reasons = append(reasons, fmt.Sprintf("task %d (%s): expect must be null", pos, t.Type))
			}
		default:
			reasons = append(reasons, fmt.Sprintf("task %d: unknown type %q", pos, t.Type))
			continue
		}

		if t.Type == "replan" {
			replanCount++
			if i != len(out.Tasks)-1 {
				reasons = append(reasons, fmt.Sprintf("task %d: replan must be the last task", pos))
			}
			if t.Skill != nil || t.Args != nil {
				reasons = append(reasons, fmt.Sprintf("task %d: replan must not set skill or args", pos))
			}
		}

		if t.Type == "skill" {
			if t.Skill == nil || *t.Skill == "" {
				reasons = append(reasons, fmt.Sprintf("task %d: skill tasks must name a skill", pos))
				continue
			}
			name := *t.Skill
			if len(allowedSkills) > 0 && !allowSet[name] {
				reasons = append(reasons, fmt.Sprintf("task %d: skill %q is not in the caller's allowed set", pos, name))
				continue
			}
			manifest, err := rt.skills.Get(name)
			if err != nil {
				reasons = append(reasons, fmt.Sprintf("task %d: skill %q is not installed", pos, name))
				continue
			}
			argsJSON := ""
			if t.Args != nil {
				argsJSON = *t.Args
			}
			if err := manifest.ValidateArgs(argsJSON); err != nil {
				reasons = append(reasons, fmt.Sprintf("task %d: %v", pos, err))
			}
		}
	}

	if replanCount > 1 {
		reasons = append(reasons, "at most one replan task is allowed")
	}

	last := out.Tasks[len(out.Tasks)-1]
	if last.Type != "msg" && last.Type != "replan" {
		reasons = append(reasons, "the last task must be msg or replan")
	}

	if len(reasons) > 0 {
		return &validationError{reasons: reasons}
	}
	return nil
}

// planToTasks converts a validated PlannerOutput into store.Task rows ready
// for InsertTasks, with 1-based indices.
func planToTasks(out *roles.PlannerOutput) []*store.Task {
	tasks := make([]*store.Task, len(out.Tasks))
	for i, t := range out.Tasks {
		tasks[i] = &store.Task{
			Index:  i + 1,
			Type:   store.TaskType(t.Type),
			Detail: t.Detail,
			Skill:  t.Skill,
			Args:   t.Args,
			Expect: t.Expect,
			Status: store.TaskPending,
		}
	}
	return tasks
}

// sanitizeTasks redacts every secret value live at persistence time out of
// each task's detail and args in place (§4.8: "Applied to plan detail and
// args at persistence time, so historical inspection remains safe"). A
// planner response can embed a secret it just declared in out.Secrets
// (already in mc.ephemeral by the time this runs) straight into a task's
// natural-language detail or its args payload, so both fields must pass
// through the sanitizer before InsertTasks ever writes them.
func sanitizeTasks(tasks []*store.Task, secretValues []string) {
	if len(secretValues) == 0 {
		return
	}
	for _, t := range tasks {
		t.Detail = sanitize.Sanitize(t.Detail, secretValues)
		if t.Args != nil {
			redacted := sanitize.Sanitize(*t.Args, secretValues)
			t.Args = &redacted
		}
	}
}
