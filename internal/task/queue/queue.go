// Package queue implements the durable FIFO of pending tasks. The Store is
// the source of truth; an in-memory wake channel cuts dequeue latency and a
// poll ticker guards against missed wakes, so a spurious wake is always
// safe: Dequeue re-queries the Store before handing out work.
package queue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fleetops/appcontrol/internal/common/logger"
	"github.com/fleetops/appcontrol/internal/fleet/store"
	"github.com/fleetops/appcontrol/internal/task/models"
)

const defaultPollInterval = time.Second

// Cancel and recovery diagnostics.
const (
	CancelledByUser      = "cancelled by user"
	InterruptedByRestart = "interrupted by restart"
)

// Queue is the durable task queue.
type Queue struct {
	store        store.Store
	logger       *logger.Logger
	wake         chan struct{}
	pollInterval time.Duration

	// Per-server serialization (optional): servers with an in-flight task
	// are skipped by Dequeue until released. claimMu makes the
	// exclusion-check + claim + hold sequence atomic across workers.
	perServerSerial bool
	claimMu         sync.Mutex
	mu              sync.Mutex
	heldServers     map[int64]int
}

// Options configures queue behavior.
type Options struct {
	// PerServerSerial makes Dequeue skip tasks anchored on a server that
	// already has an in-flight task.
	PerServerSerial bool

	// PollInterval bounds how long a missed wake can delay a dequeue.
	PollInterval time.Duration
}

// New creates a queue on top of the store.
func New(st store.Store, log *logger.Logger, opts Options) *Queue {
	interval := opts.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Queue{
		store:           st,
		logger:          log.WithFields(zap.String("component", "task-queue")),
		wake:            make(chan struct{}, 1),
		pollInterval:    interval,
		perServerSerial: opts.PerServerSerial,
		heldServers:     make(map[int64]int),
	}
}

// Enqueue persists the tasks as pending and signals waiting workers.
// Returns the task IDs in input order.
func (q *Queue) Enqueue(ctx context.Context, tasks []*models.Task) ([]string, error) {
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		if err := q.store.CreateTask(ctx, t); err != nil {
			return ids, err
		}
		ids = append(ids, t.ID)
		q.logger.Info("task enqueued",
			zap.String("task_id", t.ID),
			zap.String("task_type", string(t.TaskType)),
			zap.Int64("instance_id", t.InstanceID),
			zap.Int64("server_id", t.ServerID))
	}
	q.signal()
	return ids, nil
}

// signal wakes one blocked Dequeue without blocking the producer.
func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Dequeue blocks until a pending task can be claimed or ctx is done. The
// claim atomically transitions the task to processing and stamps
// started_at; FIFO by created_at, ties broken by id.
func (q *Queue) Dequeue(ctx context.Context) (*models.Task, error) {
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		t, err := q.claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			q.logger.Warn("claim failed, retrying", zap.Error(err))
		} else if t != nil {
			return t, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.wake:
		case <-ticker.C:
		}
	}
}

// claim atomically checks server exclusions, claims and holds.
func (q *Queue) claim(ctx context.Context) (*models.Task, error) {
	if q.perServerSerial {
		q.claimMu.Lock()
		defer q.claimMu.Unlock()
	}
	t, err := q.store.ClaimNextPendingTask(ctx, q.excludedServers())
	if err != nil || t == nil {
		return nil, err
	}
	q.hold(t.ServerID)
	return t, nil
}

func (q *Queue) excludedServers() []int64 {
	if !q.perServerSerial {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	servers := make([]int64, 0, len(q.heldServers))
	for id := range q.heldServers {
		servers = append(servers, id)
	}
	return servers
}

func (q *Queue) hold(serverID int64) {
	if !q.perServerSerial || serverID == 0 {
		return
	}
	q.mu.Lock()
	q.heldServers[serverID]++
	q.mu.Unlock()
}

func (q *Queue) release(serverID int64) {
	if !q.perServerSerial || serverID == 0 {
		return
	}
	q.mu.Lock()
	if q.heldServers[serverID] > 1 {
		q.heldServers[serverID]--
	} else {
		delete(q.heldServers, serverID)
	}
	q.mu.Unlock()
}

// CancelPending cancels a task that has not started yet. Returns ok=false
// with a diagnostic when the task is not in a cancelable pending state.
func (q *Queue) CancelPending(ctx context.Context, id string) (bool, string) {
	ok, err := q.store.CancelPendingTask(ctx, id, CancelledByUser)
	if err != nil {
		q.logger.WithTaskID(id).Error("cancel pending failed", zap.Error(err))
		return false, err.Error()
	}
	if ok {
		q.logger.WithTaskID(id).Info("pending task cancelled")
		return true, ""
	}

	// Diagnose why the conditional write matched nothing.
	t, err := q.store.GetTask(ctx, id)
	if err != nil {
		return false, "task not found"
	}
	if t.Cancelled {
		return false, "task already cancelled"
	}
	return false, "task is " + string(t.Status) + ", not pending"
}

// Outcome is the terminal state of a finished task.
type Outcome struct {
	Status models.TaskStatus
	Result string
	Error  string
}

// Finish persists the terminal state and releases the task's server hold.
func (q *Queue) Finish(ctx context.Context, t *models.Task, outcome Outcome) error {
	defer q.release(t.ServerID)
	defer q.signal()

	err := q.store.FinishTask(ctx, t.ID, store.TaskOutcome{
		Status: outcome.Status,
		Result: outcome.Result,
		Error:  outcome.Error,
	})
	if err != nil {
		q.logger.WithTaskID(t.ID).Error("failed to persist task outcome", zap.Error(err))
		return err
	}
	q.logger.WithTaskID(t.ID).Info("task finished",
		zap.String("status", string(outcome.Status)),
		zap.String("error", outcome.Error))
	return nil
}

// Recover handles tasks left in processing by a crash. The default policy
// fails them loudly; shouldRequeue (may be nil) opts individual tasks into
// re-queuing instead. Returns the number of failed and re-queued tasks.
func (q *Queue) Recover(ctx context.Context, shouldRequeue func(*models.Task) bool) (int, int, error) {
	stuck, err := q.store.ListTasks(ctx, store.TaskFilter{Status: models.StatusProcessing})
	if err != nil {
		return 0, 0, err
	}

	failed, requeued := 0, 0
	for _, t := range stuck {
		if shouldRequeue != nil && shouldRequeue(t) {
			if err := q.store.RequeueTask(ctx, t.ID); err != nil {
				q.logger.WithTaskID(t.ID).Error("failed to requeue interrupted task", zap.Error(err))
				continue
			}
			requeued++
			q.logger.WithTaskID(t.ID).Warn("interrupted task re-queued")
			continue
		}

		err := q.store.FinishTask(ctx, t.ID, store.TaskOutcome{
			Status: models.StatusFailed,
			Error:  InterruptedByRestart,
		})
		if err != nil {
			q.logger.WithTaskID(t.ID).Error("failed to fail interrupted task", zap.Error(err))
			continue
		}
		failed++
		q.logger.WithTaskID(t.ID).Warn("interrupted task failed on recovery")
	}

	if requeued > 0 {
		q.signal()
	}
	return failed, requeued, nil
}
