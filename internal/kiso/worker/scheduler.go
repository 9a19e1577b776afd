// Package worker implements the per-session worker and the scheduler that
// guarantees exactly one worker exists per session at any instant (§4.1).
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kiso-run/kiso/internal/kiso/secrets"
	"github.com/kiso-run/kiso/internal/kiso/store"
)

// Item is one queued unit of work: a trusted, stored message ready to be
// processed by the plan runtime.
type Item struct {
	MessageID int64
}

// Processor runs the plan runtime (§4.2) and post-execution hooks (§4.6) for
// one queued item. Implemented by the app-wiring layer so the scheduler does
// not import the plan package directly, keeping the dependency direction
// plan -> worker-caller rather than worker -> plan.
type Processor interface {
	Process(ctx context.Context, sessionID string, item Item, ephemeral *secrets.Ephemeral) error
}

type session struct {
	queue  chan Item
	closed chan struct{}
}

// Scheduler owns the session -> worker registry. Its spawn/lookup pair is
// the one primitive in the system with no suspension point between checking
// whether a worker exists and creating one (§5).
type Scheduler struct {
	mu            sync.Mutex
	workers       map[string]*session
	processor     Processor
	queueCapacity int
	idleTimeout   time.Duration
}

// NewScheduler builds a Scheduler. queueCapacity bounds each session's
// in-memory queue (§4.1 "bounded in-memory queue"); idleTimeout is
// worker_idle_timeout (§4.1).
func NewScheduler(processor Processor, queueCapacity int, idleTimeout time.Duration) *Scheduler {
	return &Scheduler{
		workers:       make(map[string]*session),
		processor:     processor,
		queueCapacity: queueCapacity,
		idleTimeout:   idleTimeout,
	}
}

// Ingest appends item to the session's queue, spawning a worker first if
// none exists. The existence check and the registry insert happen under the
// same lock with no suspension point between them, so two concurrent
// Ingest calls for the same session can never both spawn a worker.
//
// The send itself is first attempted non-blocking while still holding the
// lock. That closes the race where run's idle-timeout branch (which only
// ever deletes a worker whose queue is observed empty) removes the worker
// between Ingest's existence check and its send: with the send inside the
// same critical section, there is no gap in which the registry can change
// underneath it. If the queue is full, the worker's queue is by definition
// non-empty, so run's idle branch cannot be deleting it concurrently and it
// is safe to block for room outside the lock; `closed` is only there to
// unblock that wait (and trigger a respawn) in the theoretical case where
// the worker drains to empty and shuts down in between.
func (s *Scheduler) Ingest(ctx context.Context, sessionID string, item Item) {
	for {
		s.mu.Lock()
		w, exists := s.workers[sessionID]
		if !exists {
			w = &session{queue: make(chan Item, s.queueCapacity), closed: make(chan struct{})}
			s.workers[sessionID] = w
			go s.run(ctx, sessionID, w)
		}
		select {
		case w.queue <- item:
			s.mu.Unlock()
			return
		default:
		}
		s.mu.Unlock()

		select {
		case w.queue <- item:
			return
		case <-w.closed:
			// The worker shut down while we were waiting for room; retry
			// against a freshly spawned one.
		}
	}
}

// QueueLength reports how many items are waiting for the named session's
// worker, for /status (§6).
func (s *Scheduler) QueueLength(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[sessionID]
	if !ok {
		return 0
	}
	return len(w.queue)
}

// Running reports whether a worker currently exists for sessionID.
func (s *Scheduler) Running(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.workers[sessionID]
	return ok
}

func (s *Scheduler) run(ctx context.Context, sessionID string, w *session) {
	ephemeral := secrets.NewEphemeral()
	timer := time.NewTimer(s.idleTimeout)
	defer timer.Stop()

	for {
		select {
		case item := <-w.queue:
			if !timer.Stop() {
				<-timer.C
			}
			if err := s.processor.Process(ctx, sessionID, item, ephemeral); err != nil {
				slog.Error("process message failed", "session", sessionID, "message_id", item.MessageID, "error", err)
			}
			timer.Reset(s.idleTimeout)

		case <-timer.C:
			s.mu.Lock()
			if len(w.queue) > 0 {
				// A message arrived between the timer firing and the lock
				// being taken; stay alive and keep draining.
				s.mu.Unlock()
				timer.Reset(s.idleTimeout)
				continue
			}
			delete(s.workers, sessionID)
			close(w.closed)
			s.mu.Unlock()
			return
		}
	}
}

// Recover runs startup recovery (§4.1): any task left `running` becomes
// `failed`, any plan whose tasks end in failure becomes `failed`, and every
// `trusted=1 AND processed=0` message is re-enqueued.
func (s *Scheduler) Recover(ctx context.Context, st *store.Store) (*store.RecoveryResult, error) {
	result, err := st.Recover(ctx)
	if err != nil {
		return nil, err
	}
	for _, m := range result.PendingReplays {
		s.Ingest(ctx, m.SessionID, Item{MessageID: m.ID})
	}
	return result, nil
}
