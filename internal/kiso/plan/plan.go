// Package plan implements Kiso's plan runtime (C8): the state machine that
// turns one trusted message into a validated, persisted plan, executes its
// tasks in order, drives review/replan/cancel, and runs the post-execution
// hooks (§4.2, §4.6). It is the worker.Processor the scheduler dispatches
// into.
package plan

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/kiso-run/kiso/internal/kiso/audit"
	"github.com/kiso-run/kiso/internal/kiso/delivery"
	"github.com/kiso-run/kiso/internal/kiso/executor"
	"github.com/kiso-run/kiso/internal/kiso/llm"
	"github.com/kiso-run/kiso/internal/kiso/roles"
	"github.com/kiso-run/kiso/internal/kiso/secrets"
	"github.com/kiso-run/kiso/internal/kiso/skills"
	"github.com/kiso-run/kiso/internal/kiso/store"
	"github.com/kiso-run/kiso/internal/kiso/worker"
	"github.com/kiso-run/kiso/internal/kiso/workspace"
	"github.com/kiso-run/kiso/common/trace"
)

// RoleAdmin is the caller role that runs exec/skill subprocesses with no
// OS-level restriction beyond the deny list (§4.3).
const RoleAdmin = "admin"

// AccessControl resolves a message sender's current role and allowed skill
// set, and the OS credential a non-admin session's subprocesses must run
// under. It is re-consulted before every task (§4.2 step 7: "Re-read the
// caller's role and allowed-skills from configuration"), so a caller
// downgraded or a skill revoked mid-plan is caught before the next task
// runs. Implemented by the app-wiring/config layer.
type AccessControl interface {
	RoleAndSkills(userID string) (role string, allowedSkills []string, ok bool)
	RestrictedUser(sessionID, role string) (*executor.RestrictedUser, error)
}

// Config holds the plan runtime's tunables, all named in §4.1/§4.2/§4.6/§5.
type Config struct {
	// MaxValidationRetries bounds planner re-prompts on semantic validation
	// failure. Default 3.
	MaxValidationRetries int
	// MaxReplanDepth bounds replan attempts per message before extend_replan
	// is added. Default 5.
	MaxReplanDepth int
	// SummarizeThreshold triggers a session-summary rewrite once this many
	// messages have arrived since the last one. Default 30.
	SummarizeThreshold int
	// KnowledgeMaxFacts triggers fact consolidation once the total fact
	// count reaches this. Default 50.
	KnowledgeMaxFacts int
	// FactDecayRate is subtracted from a stale fact's confidence each cycle.
	FactDecayRate float64
	// FactDecayDays is how long a fact may go unused before it decays.
	FactDecayDays int
	// FactArchiveThreshold is the confidence floor below which a fact is
	// archived.
	FactArchiveThreshold float64
	// RecentMessageWindow bounds how many trailing trusted messages the
	// planner sees verbatim. Default 20.
	RecentMessageWindow int
	// RecentMsgOutputWindow bounds how many trailing delivered msg outputs
	// the planner sees. Default 10.
	RecentMsgOutputWindow int
	// LLMCallBudget is max_llm_calls_per_message. Default 200.
	LLMCallBudget int
	// SearchMaxResults/Lang/Country are defaults handed to the searcher role
	// when a search task's args omit them.
	SearchMaxResults int
	SearchLang       string
	SearchCountry    string
}

func (c Config) withDefaults() Config {
	if c.MaxValidationRetries <= 0 {
		c.MaxValidationRetries = 3
	}
	if c.MaxReplanDepth <= 0 {
		c.MaxReplanDepth = 5
	}
	if c.SummarizeThreshold <= 0 {
		c.SummarizeThreshold = 30
	}
	if c.KnowledgeMaxFacts <= 0 {
		c.KnowledgeMaxFacts = 50
	}
	if c.RecentMessageWindow <= 0 {
		c.RecentMessageWindow = 20
	}
	if c.RecentMsgOutputWindow <= 0 {
		c.RecentMsgOutputWindow = 10
	}
	if c.LLMCallBudget <= 0 {
		c.LLMCallBudget = 200
	}
	if c.FactDecayRate <= 0 {
		c.FactDecayRate = 0.05
	}
	if c.FactDecayDays <= 0 {
		c.FactDecayDays = 30
	}
	if c.FactArchiveThreshold <= 0 {
		c.FactArchiveThreshold = 0.2
	}
	return c
}

// Runtime wires together every component one message's processing touches.
type Runtime struct {
	store     *store.Store
	pipeline  *roles.Pipeline
	executor  *executor.Executor
	deliverer *delivery.Deliverer
	audit     audit.Sink
	ws        *workspace.Root
	skills    *skills.Registry
	deploy    *secrets.DeploySecrets
	access    AccessControl
	cfg       Config
}

// New builds a Runtime. deploy may be nil (no deploy secrets configured).
func New(st *store.Store, pipeline *roles.Pipeline, exec *executor.Executor, deliverer *delivery.Deliverer,
	auditSink audit.Sink, ws *workspace.Root, skillsReg *skills.Registry, deploy *secrets.DeploySecrets,
	access AccessControl, cfg Config) *Runtime {
	if auditSink == nil {
		auditSink = audit.Noop{}
	}
	return &Runtime{
		store: st, pipeline: pipeline, executor: exec, deliverer: deliverer,
		audit: auditSink, ws: ws, skills: skillsReg, deploy: deploy, access: access, cfg: cfg.withDefaults(),
	}
}

// msgState carries everything mutable for the lifetime of one message's
// processing, including across replan attempts.
type msgState struct {
	session       *store.Session
	message       *store.Message
	ephemeral     *secrets.Ephemeral
	budget        *llm.Budget
	role          string
	allowedSkills []string
	replanDepth   int
	replanHistory []roles.ReplanRecord
	outputs       []roles.PlanOutputEntry
	usedFactIDs   map[int64]bool
	// pendingFailure is the current attempt's failure text, set right before
	// a replan re-prompt so buildPlannerContext can render it as the last
	// attempt's "failed task and reason" (§4.7), then cleared once the new
	// attempt's tasks are inserted.
	pendingFailure string
}

func (m *msgState) secretValues(deploy *secrets.DeploySecrets) []string {
	return secrets.Combined(deploy, m.ephemeral)
}

func (m *msgState) noteFactIDs(ids []int64) {
	if m.usedFactIDs == nil {
		m.usedFactIDs = make(map[int64]bool, len(ids))
	}
	for _, id := range ids {
		m.usedFactIDs[id] = true
	}
}

// Process implements worker.Processor: run the full plan runtime for one
// queued message, then its post-execution hooks, never returning an error
// that should crash the worker (§7: "errors internal to one task never
// crash the worker").
func (rt *Runtime) Process(ctx context.Context, sessionID string, item worker.Item, ephemeral *secrets.Ephemeral) error {
	ctx = trace.WithTraceID(ctx, trace.GenerateID())

	msg, err := rt.store.GetMessage(ctx, item.MessageID)
	if err != nil {
		return fmt.Errorf("plan: load message %d: %w", item.MessageID, err)
	}
	if err := rt.store.MarkMessageProcessed(ctx, msg.ID); err != nil {
		return fmt.Errorf("plan: mark message %d processed: %w", msg.ID, err)
	}

	sess, err := rt.store.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("plan: load session %s: %w", sessionID, err)
	}

	role, allowedSkills, ok := rt.access.RoleAndSkills(msg.UserID)
	if !ok {
		slog.Warn("plan: processing message for a user access control no longer recognizes", "session", sessionID, "user", msg.UserID)
	}

	mc := &msgState{
		session:       sess,
		message:       msg,
		ephemeral:     ephemeral,
		budget:        llm.NewBudget(rt.cfg.LLMCallBudget),
		role:          role,
		allowedSkills: allowedSkills,
	}

	if err := rt.ws.EnsureDirs(sessionID); err != nil {
		return fmt.Errorf("plan: ensure workspace for session %s: %w", sessionID, err)
	}

	rt.runMessage(ctx, mc)
	rt.runPostExecutionHooks(ctx, mc)

	if err := rt.ws.RemovePlanOutputs(sessionID); err != nil {
		slog.Warn("plan: remove plan outputs file", "session", sessionID, "error", err)
	}
	return nil
}

// recordAuditFields builds and records one audit event, logging (not
// failing) on a sink error: audit delivery never blocks plan execution.
func (rt *Runtime) recordAuditFields(ctx context.Context, kind audit.Kind, sessionID string, fields map[string]any, secretValues []string) {
	evt := audit.Event{Kind: kind, Session: sessionID, Timestamp: time.Now(), Fields: fields}
	if err := rt.audit.Record(ctx, evt, secretValues); err != nil {
		slog.Warn("plan: audit record failed", "kind", kind, "session", sessionID, "error", err)
	}
}

// systemEnvironmentFacts builds the non-secret environment description the
// planner and exec translator see (§4.7 "System environment"). This is
// deliberately never the deploy-secret map: secret values must never reach
// an LLM prompt (§4.8, §8 invariant 7), so "system environment" here means
// the server's own platform facts, not configuration secrets.
func systemEnvironmentFacts() map[string]string {
	return map[string]string{
		"os":   runtime.GOOS,
		"arch": runtime.GOARCH,
		"cwd":  "session workspace directory",
	}
}
