package store_test

import (
	"context"
	"os"
	"testing"

	"github.com/kiso-run/kiso/internal/kiso/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "kiso-test-*.db")
	if err != nil {
		t.Fatalf("create temp db file: %v", err)
	}
	f.Close()

	s, err := store.New(f.Name())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	return s
}

func TestMigrations_Idempotent(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "kiso-test-idempotent-*.db")
	if err != nil {
		t.Fatalf("create temp db: %v", err)
	}
	f.Close()

	s1, err := store.New(f.Name())
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	s1.Close()

	s2, err := store.New(f.Name())
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	s2.Close()
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.EnsureSession(ctx, "s1", "http"); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	// Second call must be a no-op, not a duplicate-key error.
	if err := s.EnsureSession(ctx, "s1", "http"); err != nil {
		t.Fatalf("EnsureSession (repeat): %v", err)
	}

	got, err := s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Connector != "http" {
		t.Errorf("Connector: got %q, want %q", got.Connector, "http")
	}
	if got.CancelFlag {
		t.Error("CancelFlag should start false")
	}

	if err := s.SetCancelFlag(ctx, "s1", true); err != nil {
		t.Fatalf("SetCancelFlag: %v", err)
	}
	flag, err := s.CancelFlag(ctx, "s1")
	if err != nil {
		t.Fatalf("CancelFlag: %v", err)
	}
	if !flag {
		t.Error("expected cancel flag to be set")
	}
}

func TestMessageProcessingInvariant(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.EnsureSession(ctx, "s1", "http"); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}

	id, err := s.InsertMessage(ctx, &store.Message{
		SessionID: "s1", UserID: "alice", Role: store.RoleUser, Content: "hi", Trusted: true,
	})
	if err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}

	pending, err := s.PendingMessages(ctx)
	if err != nil {
		t.Fatalf("PendingMessages: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != id {
		t.Fatalf("expected message %d pending, got %v", id, pending)
	}

	if err := s.MarkMessageProcessed(ctx, id); err != nil {
		t.Fatalf("MarkMessageProcessed: %v", err)
	}

	pending, err = s.PendingMessages(ctx)
	if err != nil {
		t.Fatalf("PendingMessages (after): %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending messages after processing, got %d", len(pending))
	}
}

func TestUntrustedMessageNeverEnqueued(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.EnsureSession(ctx, "s1", "http"); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}

	if _, err := s.InsertMessage(ctx, &store.Message{
		SessionID: "s1", UserID: "bob", Role: store.RoleUser, Content: "hi", Trusted: false,
	}); err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}

	pending, err := s.PendingMessages(ctx)
	if err != nil {
		t.Fatalf("PendingMessages: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("untrusted message must never be enqueued, got %d pending", len(pending))
	}
}

func TestPlanAndTaskLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.EnsureSession(ctx, "s1", "http"); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	msgID, err := s.InsertMessage(ctx, &store.Message{
		SessionID: "s1", UserID: "alice", Role: store.RoleUser, Content: "list files", Trusted: true,
	})
	if err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}

	planID, err := s.CreatePlan(ctx, &store.Plan{SessionID: "s1", MessageID: msgID, Goal: "list files"})
	if err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}

	expect := "files are listed"
	tasks := []*store.Task{
		{Index: 1, Type: store.TaskExec, Detail: "list .py files", Expect: &expect},
		{Index: 2, Type: store.TaskMsg, Detail: "report results"},
	}
	if err := s.InsertTasks(ctx, planID, tasks); err != nil {
		t.Fatalf("InsertTasks: %v", err)
	}

	got, err := s.TasksForPlan(ctx, planID)
	if err != nil {
		t.Fatalf("TasksForPlan: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(got))
	}
	if got[0].Index != 1 || got[1].Index != 2 {
		t.Fatalf("expected dense 1-based indices, got %d,%d", got[0].Index, got[1].Index)
	}

	if err := s.SetTaskRunning(ctx, got[0].ID); err != nil {
		t.Fatalf("SetTaskRunning: %v", err)
	}
	if err := s.CompleteTask(ctx, got[0].ID, store.TaskDone, "done output", "", nil); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}

	task, err := s.GetTask(ctx, got[0].ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != store.TaskDone {
		t.Errorf("Status: got %q, want %q", task.Status, store.TaskDone)
	}
	if task.Output != "done output" {
		t.Errorf("Output: got %q, want %q", task.Output, "done output")
	}

	if err := s.UpdatePlanStatus(ctx, planID, store.PlanDone); err != nil {
		t.Fatalf("UpdatePlanStatus: %v", err)
	}
	plan, err := s.GetPlan(ctx, planID)
	if err != nil {
		t.Fatalf("GetPlan: %v", err)
	}
	if plan.Status != store.PlanDone {
		t.Errorf("Plan status: got %q, want %q", plan.Status, store.PlanDone)
	}
}

func TestCancelRemainingTasks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.EnsureSession(ctx, "s1", "http"); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	msgID, err := s.InsertMessage(ctx, &store.Message{SessionID: "s1", UserID: "a", Role: store.RoleUser, Content: "x", Trusted: true})
	if err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}
	planID, err := s.CreatePlan(ctx, &store.Plan{SessionID: "s1", MessageID: msgID})
	if err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}

	expect := "ok"
	tasks := []*store.Task{
		{Index: 1, Type: store.TaskExec, Detail: "a", Expect: &expect},
		{Index: 2, Type: store.TaskExec, Detail: "b", Expect: &expect},
		{Index: 3, Type: store.TaskMsg, Detail: "c"},
	}
	if err := s.InsertTasks(ctx, planID, tasks); err != nil {
		t.Fatalf("InsertTasks: %v", err)
	}

	if err := s.CompleteTask(ctx, tasks[0].ID, store.TaskDone, "ok", "", nil); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}

	if err := s.CancelRemainingTasks(ctx, planID); err != nil {
		t.Fatalf("CancelRemainingTasks: %v", err)
	}
	if err := s.UpdatePlanStatus(ctx, planID, store.PlanCancelled); err != nil {
		t.Fatalf("UpdatePlanStatus: %v", err)
	}

	got, err := s.TasksForPlan(ctx, planID)
	if err != nil {
		t.Fatalf("TasksForPlan: %v", err)
	}
	if got[0].Status != store.TaskDone {
		t.Errorf("task 1 status: got %q, want done", got[0].Status)
	}
	if got[1].Status != store.TaskCancelled || got[2].Status != store.TaskCancelled {
		t.Errorf("remaining tasks should be cancelled, got %q, %q", got[1].Status, got[2].Status)
	}
}

func TestReplanHistoryChain(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.EnsureSession(ctx, "s1", "http"); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	msgID, err := s.InsertMessage(ctx, &store.Message{SessionID: "s1", UserID: "a", Role: store.RoleUser, Content: "x", Trusted: true})
	if err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}

	p1, err := s.CreatePlan(ctx, &store.Plan{SessionID: "s1", MessageID: msgID, Goal: "attempt 1"})
	if err != nil {
		t.Fatalf("CreatePlan p1: %v", err)
	}
	p2, err := s.CreatePlan(ctx, &store.Plan{SessionID: "s1", MessageID: msgID, Goal: "attempt 2", ParentID: &p1})
	if err != nil {
		t.Fatalf("CreatePlan p2: %v", err)
	}

	chain, err := s.ReplanHistory(ctx, p2)
	if err != nil {
		t.Fatalf("ReplanHistory: %v", err)
	}
	if len(chain) != 2 {
		t.Fatalf("expected chain of 2, got %d", len(chain))
	}
	if chain[0].ID != p1 || chain[1].ID != p2 {
		t.Errorf("expected chain [p1, p2], got [%d, %d]", chain[0].ID, chain[1].ID)
	}
}

func TestRecoverMarksRunningTasksFailed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.EnsureSession(ctx, "s1", "http"); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	msgID, err := s.InsertMessage(ctx, &store.Message{SessionID: "s1", UserID: "a", Role: store.RoleUser, Content: "x", Trusted: true})
	if err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}
	// The first message was already picked up: processed flips before any
	// plan work starts on it.
	if err := s.MarkMessageProcessed(ctx, msgID); err != nil {
		t.Fatalf("MarkMessageProcessed: %v", err)
	}
	planID, err := s.CreatePlan(ctx, &store.Plan{SessionID: "s1", MessageID: msgID})
	if err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}
	expect := "ok"
	if err := s.InsertTasks(ctx, planID, []*store.Task{{Index: 1, Type: store.TaskExec, Detail: "a", Expect: &expect}}); err != nil {
		t.Fatalf("InsertTasks: %v", err)
	}
	tasks, err := s.TasksForPlan(ctx, planID)
	if err != nil {
		t.Fatalf("TasksForPlan: %v", err)
	}
	if err := s.SetTaskRunning(ctx, tasks[0].ID); err != nil {
		t.Fatalf("SetTaskRunning: %v", err)
	}

	// Simulate a second, unprocessed message left over at crash time.
	if _, err := s.InsertMessage(ctx, &store.Message{SessionID: "s1", UserID: "a", Role: store.RoleUser, Content: "y", Trusted: true}); err != nil {
		t.Fatalf("InsertMessage 2: %v", err)
	}

	result, err := s.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if result.TasksFailed != 1 {
		t.Errorf("TasksFailed: got %d, want 1", result.TasksFailed)
	}
	if result.PlansFailed != 1 {
		t.Errorf("PlansFailed: got %d, want 1", result.PlansFailed)
	}
	if len(result.PendingReplays) != 1 {
		t.Errorf("PendingReplays: got %d, want 1", len(result.PendingReplays))
	}

	task, err := s.GetTask(ctx, tasks[0].ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != store.TaskFailed {
		t.Errorf("task status after recovery: got %q, want failed", task.Status)
	}
}

func TestFactVisibility(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.InsertFact(ctx, &store.Fact{Content: "repo uses go modules", Category: store.FactProject, Confidence: 1}); err != nil {
		t.Fatalf("InsertFact project: %v", err)
	}
	if _, err := s.InsertFact(ctx, &store.Fact{Content: "alice prefers terse replies", Category: store.FactUser, Confidence: 1, SessionID: "s1"}); err != nil {
		t.Fatalf("InsertFact user: %v", err)
	}

	visible, err := s.FactsVisibleTo(ctx, "s1")
	if err != nil {
		t.Fatalf("FactsVisibleTo s1: %v", err)
	}
	if len(visible) != 2 {
		t.Fatalf("expected 2 facts visible to s1, got %d", len(visible))
	}

	visible, err = s.FactsVisibleTo(ctx, "s2")
	if err != nil {
		t.Fatalf("FactsVisibleTo s2: %v", err)
	}
	if len(visible) != 1 {
		t.Fatalf("expected only the project fact visible to s2, got %d", len(visible))
	}
}

func TestPublishedFileRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.EnsureSession(ctx, "s1", "http"); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	if err := s.InsertPublishedFile(ctx, &store.PublishedFile{
		ID: "tok-1", SessionID: "s1", Filename: "report.txt", DiskPath: "/data/sessions/s1/pub/report.txt",
	}); err != nil {
		t.Fatalf("InsertPublishedFile: %v", err)
	}

	got, err := s.GetPublishedFile(ctx, "tok-1")
	if err != nil {
		t.Fatalf("GetPublishedFile: %v", err)
	}
	if got.Filename != "report.txt" {
		t.Errorf("Filename: got %q, want %q", got.Filename, "report.txt")
	}

	if _, err := s.GetPublishedFile(ctx, "nope"); err == nil {
		t.Fatal("expected error for unknown published file id")
	}
}
