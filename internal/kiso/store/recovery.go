package store

import (
	"context"
	"fmt"
	"time"
)

// RecoveryResult summarizes the effect of a startup recovery pass.
type RecoveryResult struct {
	TasksFailed    int64
	PlansFailed    int64
	PendingReplays []*Message
}

// Recover runs the crash-recovery sequence described in §4.1/§8 invariant 9:
// any task left running becomes failed, any plan whose tasks end in failure
// is marked failed, and every trusted-unprocessed message is returned for
// re-enqueue. It must run once at process startup before the scheduler
// accepts new traffic.
func (s *Store) Recover(ctx context.Context) (*RecoveryResult, error) {
	tasksFailed, err := s.FailRunningTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("recover: fail running tasks: %w", err)
	}

	plansFailed, err := s.failPlansWithFailedTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("recover: fail broken plans: %w", err)
	}

	pending, err := s.PendingMessages(ctx)
	if err != nil {
		return nil, fmt.Errorf("recover: list pending messages: %w", err)
	}

	return &RecoveryResult{
		TasksFailed:    tasksFailed,
		PlansFailed:    plansFailed,
		PendingReplays: pending,
	}, nil
}

// failPlansWithFailedTasks marks running a plan as failed if any of its
// tasks is now failed (following task recovery, the only way a running
// plan's tasks are found is through a crashed worker).
func (s *Store) failPlansWithFailedTasks(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE plans SET status = 'failed', updated_at = ?
		WHERE status = 'running' AND id IN (
			SELECT DISTINCT plan_id FROM tasks WHERE status = 'failed'
		)
	`, time.Now())
	if err != nil {
		return 0, fmt.Errorf("fail plans with failed tasks: %w", err)
	}
	return res.RowsAffected()
}
