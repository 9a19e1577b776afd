package plan_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/kiso-run/kiso/internal/kiso/audit"
	"github.com/kiso-run/kiso/internal/kiso/delivery"
	"github.com/kiso-run/kiso/internal/kiso/executor"
	"github.com/kiso-run/kiso/internal/kiso/llm"
	"github.com/kiso-run/kiso/internal/kiso/plan"
	"github.com/kiso-run/kiso/internal/kiso/roles"
	"github.com/kiso-run/kiso/internal/kiso/secrets"
	"github.com/kiso-run/kiso/internal/kiso/skills"
	"github.com/kiso-run/kiso/internal/kiso/store"
	"github.com/kiso-run/kiso/internal/kiso/worker"
	"github.com/kiso-run/kiso/internal/kiso/workspace"
)

// rolePromptFS stubs every role's prompt file with a bare one-liner; the
// plan runtime never inspects prompt bodies itself, only the pipeline does
// when assembling the system message, so content here is irrelevant to the
// behavior under test.
func rolePromptFS() fstest.MapFS {
	fs := fstest.MapFS{}
	for _, role := range []string{"planner", "reviewer", "exec_translator", "messenger", "searcher", "summarizer", "curator", "paraphraser"} {
		fs[role+".md"] = &fstest.MapFile{Data: []byte("You are the " + role + " role.\n")}
	}
	return fs
}

// scriptedTransport answers an llm.Gateway's calls according to a
// caller-supplied function, recording every request it sees for assertions.
type scriptedTransport struct {
	mu    sync.Mutex
	calls []llm.Request
	fn    func(req llm.Request, seq int) (*llm.Response, error)
}

func (t *scriptedTransport) Call(_ context.Context, req llm.Request) (*llm.Response, error) {
	t.mu.Lock()
	seq := len(t.calls)
	t.calls = append(t.calls, req)
	t.mu.Unlock()
	return t.fn(req, seq)
}

func (t *scriptedTransport) countRole(role llm.Role) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, c := range t.calls {
		if c.Role == role {
			n++
		}
	}
	return n
}

// fakeAccess is a constant-role, constant-skill-set AccessControl, enough
// for these tests, none of which exercises mid-plan role/skill revocation
// (plan.Runtime.runTasks re-reading RoleAndSkills before every task).
type fakeAccess struct {
	role   string
	skills []string
}

func (a fakeAccess) RoleAndSkills(string) (string, []string, bool) { return a.role, a.skills, true }
func (a fakeAccess) RestrictedUser(string, string) (*executor.RestrictedUser, error) {
	return nil, nil
}

// jsonResp builds a structured-output-shaped *llm.Response from a Go value.
func jsonResp(v any) (*llm.Response, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &llm.Response{Text: string(b), InputTokens: 10, OutputTokens: 5}, nil
}

func textResp(s string) (*llm.Response, error) {
	return &llm.Response{Text: s, InputTokens: 10, OutputTokens: 5}, nil
}

type harness struct {
	rt        *plan.Runtime
	store     *store.Store
	transport *scriptedTransport
}

// newHarness wires a full plan.Runtime over a real SQLite store, a real
// executor and workspace (so exec tasks actually shell out), and a scripted
// LLM transport standing in for the provider. respond is invoked per LLM
// call to produce that call's structured or free-form response.
func newHarness(t *testing.T, access plan.AccessControl, respond func(req llm.Request, seq int) (*llm.Response, error)) *harness {
	t.Helper()

	dbFile := filepath.Join(t.TempDir(), "kiso-test.db")
	st, err := store.New(dbFile)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	transport := &scriptedTransport{fn: respond}
	gateway := llm.NewGateway(transport)
	prompts := roles.NewPromptRegistry(rolePromptFS())
	pipeline := roles.NewPipeline(gateway, prompts, roles.ModelSet{Default: "test-model"})

	deploy, err := secrets.NewDeploySecrets(filepath.Join(t.TempDir(), "nonexistent.env"))
	if err != nil {
		t.Fatalf("NewDeploySecrets: %v", err)
	}

	skillsReg := skills.NewRegistry(fstest.MapFS{})
	ws := workspace.NewRoot(t.TempDir())
	exec := executor.New(pipeline, skillsReg, ws, deploy, executor.Config{SkillsDir: t.TempDir()})

	deliverer := delivery.New(2 * time.Second)

	auditDir := t.TempDir()
	auditSink := audit.NewFileSink(auditDir)
	t.Cleanup(func() { auditSink.Close() })

	rt := plan.New(st, pipeline, exec, deliverer, auditSink, ws, skillsReg, deploy, access, plan.Config{})

	return &harness{rt: rt, store: st, transport: transport}
}

// newSessionWithWebhook creates a session wired to an httptest webhook and returns a
// channel of every payload delivered to it.
func newSessionWithWebhook(t *testing.T, h *harness, sessionID string) chan delivery.Payload {
	t.Helper()
	payloads := make(chan delivery.Payload, 16)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p delivery.Payload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		payloads <- p
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	if err := h.store.CreateSession(context.Background(), &store.Session{ID: sessionID, WebhookURL: srv.URL}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return payloads
}

func insertTrustedMessage(t *testing.T, h *harness, sessionID, userID, content string) int64 {
	t.Helper()
	id, err := h.store.InsertMessage(context.Background(), &store.Message{
		SessionID: sessionID, UserID: userID, Role: store.RoleUser, Content: content, Trusted: true,
	})
	if err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}
	return id
}

func strp(s string) *string { return &s }

// TestHappyPath exercises §8 scenario 1: an exec task followed by a msg
// task, both succeeding, delivers one final=true payload and leaves the
// plan done with both tasks done.
func TestHappyPath(t *testing.T) {
	respond := func(req llm.Request, seq int) (*llm.Response, error) {
		switch req.Role {
		case llm.RolePlanner:
			return jsonResp(roles.PlannerOutput{
				Goal: "list python files",
				Tasks: []roles.TaskSpec{
					{Type: "exec", Detail: "list .py files under .", Expect: strp("a file listing is produced")},
					{Type: "msg", Detail: "tell the user the listing is done"},
				},
			})
		case llm.RoleExecTranslator:
			return textResp("echo hello.py")
		case llm.RoleReviewer:
			return jsonResp(roles.ReviewerOutput{Status: "ok"})
		case llm.RoleMessenger:
			return textResp("Here are your python files.")
		default:
			t.Fatalf("unexpected role %s", req.Role)
			return nil, nil
		}
	}

	h := newHarness(t, fakeAccess{role: plan.RoleAdmin}, respond)
	payloads := newSessionWithWebhook(t, h, "s1")
	msgID := insertTrustedMessage(t, h, "s1", "alice", "list python files")

	if err := h.rt.Process(context.Background(), "s1", worker.Item{MessageID: msgID}, secrets.NewEphemeral()); err != nil {
		t.Fatalf("Process: %v", err)
	}

	select {
	case p := <-payloads:
		if !p.Final {
			t.Errorf("expected final=true delivery, got %+v", p)
		}
		if p.Type != "msg" {
			t.Errorf("expected type=msg, got %q", p.Type)
		}
	default:
		t.Fatal("expected a webhook delivery, got none")
	}

	plans, err := h.store.RunningPlans(context.Background())
	if err != nil {
		t.Fatalf("RunningPlans: %v", err)
	}
	if len(plans) != 0 {
		t.Errorf("expected no plans left running, got %d", len(plans))
	}

	latest, err := h.store.LatestPlanForSession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("LatestPlanForSession: %v", err)
	}
	if latest.Status != store.PlanDone {
		t.Errorf("expected plan done, got %s", latest.Status)
	}

	tasks, err := h.store.TasksForPlan(context.Background(), latest.ID)
	if err != nil {
		t.Fatalf("TasksForPlan: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}
	for _, task := range tasks {
		if task.Status != store.TaskDone {
			t.Errorf("task %d (%s): expected done, got %s", task.Index, task.Type, task.Status)
		}
	}
	if !tasks[0].ReviewedOK {
		t.Errorf("expected exec task to carry an ok reviewer verdict (§8 invariant 5)")
	}
}

// TestReplan exercises §8 scenario 2: a reviewer "replan" verdict abandons
// the current plan, delivers a non-final notification msg, and produces a
// child plan with parent_id set that goes on to complete.
func TestReplan(t *testing.T) {
	attempt := 0
	respond := func(req llm.Request, seq int) (*llm.Response, error) {
		switch req.Role {
		case llm.RolePlanner:
			attempt++
			return jsonResp(roles.PlannerOutput{
				Goal: "clean up logs",
				Tasks: []roles.TaskSpec{
					{Type: "exec", Detail: "remove logs in /nonexistent_dir_xyz", Expect: strp("logs removed")},
					{Type: "msg", Detail: "confirm cleanup"},
				},
			})
		case llm.RoleExecTranslator:
			return textResp("rm -f /nonexistent_dir_xyz/*.log")
		case llm.RoleReviewer:
			if attempt == 1 {
				return jsonResp(roles.ReviewerOutput{Status: "replan", Reason: strp("directory missing")})
			}
			return jsonResp(roles.ReviewerOutput{Status: "ok"})
		case llm.RoleMessenger:
			return textResp("All done.")
		default:
			t.Fatalf("unexpected role %s", req.Role)
			return nil, nil
		}
	}

	h := newHarness(t, fakeAccess{role: plan.RoleAdmin}, respond)
	payloads := newSessionWithWebhook(t, h, "s1")
	msgID := insertTrustedMessage(t, h, "s1", "alice", "clean up logs")

	if err := h.rt.Process(context.Background(), "s1", worker.Item{MessageID: msgID}, secrets.NewEphemeral()); err != nil {
		t.Fatalf("Process: %v", err)
	}

	var notification, final *delivery.Payload
	for i := 0; i < 2; i++ {
		select {
		case p := <-payloads:
			pp := p
			if pp.Final {
				final = &pp
			} else {
				notification = &pp
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for delivery %d", i)
		}
	}
	if notification == nil {
		t.Fatal("expected a non-final replan notification delivered between the two plans")
	}
	if final == nil || !final.Final {
		t.Fatal("expected a final delivery from the replacement plan")
	}

	if attempt != 2 {
		t.Fatalf("expected exactly 2 planner attempts (initial + replan), got %d", attempt)
	}

	history, err := h.store.ReplanHistory(context.Background(), 2)
	if err != nil {
		t.Fatalf("ReplanHistory: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected the original plan plus its replan child, got %d", len(history))
	}

	first, err := h.store.GetPlan(context.Background(), 1)
	if err != nil {
		t.Fatalf("GetPlan: %v", err)
	}
	if first.Status != store.PlanFailed {
		t.Errorf("expected the first plan marked failed, got %s", first.Status)
	}

	second, err := h.store.GetPlan(context.Background(), 2)
	if err != nil {
		t.Fatalf("GetPlan(2): %v", err)
	}
	if second.ParentID == nil || *second.ParentID != first.ID {
		t.Errorf("expected second plan's parent_id to reference the first plan")
	}
	if second.Status != store.PlanDone {
		t.Errorf("expected the replacement plan done, got %s", second.Status)
	}
}

// TestCancel exercises §8 scenario 3: cancelling between tasks marks the
// remaining tasks cancelled, the plan cancelled, and delivers exactly one
// synthesised summary msg.
func TestCancel(t *testing.T) {
	var st *store.Store
	var sessionID = "s1"

	respond := func(req llm.Request, seq int) (*llm.Response, error) {
		switch req.Role {
		case llm.RolePlanner:
			return jsonResp(roles.PlannerOutput{
				Goal: "do two things",
				Tasks: []roles.TaskSpec{
					{Type: "exec", Detail: "first step", Expect: strp("first step done")},
					{Type: "exec", Detail: "second step", Expect: strp("second step done")},
					{Type: "msg", Detail: "report results"},
				},
			})
		case llm.RoleExecTranslator:
			return textResp("echo ok")
		case llm.RoleReviewer:
			// Flip the cancel flag as soon as the first task's review completes,
			// so the second task never starts (§5: cancel observed only between
			// tasks).
			if st != nil {
				_ = st.SetCancelFlag(context.Background(), sessionID, true)
			}
			return jsonResp(roles.ReviewerOutput{Status: "ok"})
		default:
			t.Fatalf("unexpected role %s", req.Role)
			return nil, nil
		}
	}

	h := newHarness(t, fakeAccess{role: plan.RoleAdmin}, respond)
	st = h.store
	payloads := newSessionWithWebhook(t, h, sessionID)
	msgID := insertTrustedMessage(t, h, sessionID, "alice", "do two things")

	if err := h.rt.Process(context.Background(), sessionID, worker.Item{MessageID: msgID}, secrets.NewEphemeral()); err != nil {
		t.Fatalf("Process: %v", err)
	}

	select {
	case p := <-payloads:
		if !p.Final {
			t.Errorf("expected the cancellation summary delivered as final=true, got %+v", p)
		}
	default:
		t.Fatal("expected exactly one synthesised cancellation msg")
	}
	select {
	case p := <-payloads:
		t.Fatalf("expected exactly one delivery, got a second: %+v", p)
	default:
	}

	latest, err := h.store.LatestPlanForSession(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("LatestPlanForSession: %v", err)
	}
	if latest.Status != store.PlanCancelled {
		t.Fatalf("expected plan cancelled, got %s", latest.Status)
	}

	tasks, err := h.store.TasksForPlan(context.Background(), latest.ID)
	if err != nil {
		t.Fatalf("TasksForPlan: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(tasks))
	}
	if tasks[0].Status != store.TaskDone {
		t.Errorf("expected first task done, got %s", tasks[0].Status)
	}
	if tasks[1].Status != store.TaskCancelled || tasks[2].Status != store.TaskCancelled {
		t.Errorf("expected remaining tasks cancelled, got %s and %s", tasks[1].Status, tasks[2].Status)
	}

	cancelled, err := h.store.CancelFlag(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("CancelFlag: %v", err)
	}
	if cancelled {
		t.Errorf("expected the cancel flag cleared once handled")
	}
}

// TestSecretLeakSanitization exercises §8 scenario 6: an ephemeral secret
// minted by the planner must never appear in a task's persisted output or
// its webhook delivery.
func TestSecretLeakSanitization(t *testing.T) {
	const secretValue = "tok_abc123"

	respond := func(req llm.Request, seq int) (*llm.Response, error) {
		switch req.Role {
		case llm.RolePlanner:
			return jsonResp(roles.PlannerOutput{
				Goal:    "print token",
				Secrets: []roles.SecretKV{{Key: "api_token", Value: secretValue}},
				Tasks: []roles.TaskSpec{
					{Type: "exec", Detail: "print the token", Expect: strp("token printed")},
					{Type: "msg", Detail: "confirm"},
				},
			})
		case llm.RoleExecTranslator:
			return textResp("echo token is " + secretValue)
		case llm.RoleReviewer:
			return jsonResp(roles.ReviewerOutput{Status: "ok"})
		case llm.RoleMessenger:
			return textResp("Printed the token: " + secretValue)
		default:
			t.Fatalf("unexpected role %s", req.Role)
			return nil, nil
		}
	}

	h := newHarness(t, fakeAccess{role: plan.RoleAdmin}, respond)
	payloads := newSessionWithWebhook(t, h, "s1")
	msgID := insertTrustedMessage(t, h, "s1", "alice", "print token")

	if err := h.rt.Process(context.Background(), "s1", worker.Item{MessageID: msgID}, secrets.NewEphemeral()); err != nil {
		t.Fatalf("Process: %v", err)
	}

	latest, err := h.store.LatestPlanForSession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("LatestPlanForSession: %v", err)
	}
	tasks, err := h.store.TasksForPlan(context.Background(), latest.ID)
	if err != nil {
		t.Fatalf("TasksForPlan: %v", err)
	}
	for _, task := range tasks {
		if containsSecret(task.Output, secretValue) || containsSecret(task.Stderr, secretValue) {
			t.Errorf("task %d: persisted output leaks the secret: output=%q stderr=%q", task.Index, task.Output, task.Stderr)
		}
	}

	for i := 0; i < 1; i++ {
		select {
		case p := <-payloads:
			if containsSecret(p.Content, secretValue) {
				t.Errorf("webhook delivery leaks the secret: %q", p.Content)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for delivery %d", i)
		}
	}
}

func containsSecret(s, secret string) bool {
	return len(s) > 0 && len(secret) > 0 && (func() bool {
		for i := 0; i+len(secret) <= len(s); i++ {
			if s[i:i+len(secret)] == secret {
				return true
			}
		}
		return false
	})()
}

// TestUnknownUserNeverSpawnsWorker exercises §8 scenario 4 at the
// store/scheduler boundary the plan runtime relies on: a message stored
// untrusted must never be handed to Process in the first place. Process
// itself has no notion of trust; the scheduler's caller is responsible for
// only ever enqueuing trusted, unprocessed messages (§4.1).
func TestUnknownUserNeverEnqueued(t *testing.T) {
	h := newHarness(t, fakeAccess{role: plan.RoleAdmin}, func(req llm.Request, seq int) (*llm.Response, error) {
		t.Fatalf("no LLM call should happen for an unknown user's message")
		return nil, nil
	})
	newSessionWithWebhook(t, h, "s1")

	id, err := h.store.InsertMessage(context.Background(), &store.Message{
		SessionID: "s1", UserID: "bob_not_whitelisted", Role: store.RoleUser, Content: "hi", Trusted: false,
	})
	if err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}

	result, err := h.store.Recover(context.Background())
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	for _, m := range result.PendingReplays {
		if m.ID == id {
			t.Fatalf("an untrusted message must never be recovered for processing")
		}
	}
}
