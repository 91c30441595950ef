// Package executor runs the bounded worker pool that drives external
// playbook processes for queued tasks.
package executor

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fleetops/appcontrol/internal/common/logger"
	"github.com/fleetops/appcontrol/internal/common/tracing"
	"github.com/fleetops/appcontrol/internal/events"
	"github.com/fleetops/appcontrol/internal/events/bus"
	fleet "github.com/fleetops/appcontrol/internal/fleet/models"
	"github.com/fleetops/appcontrol/internal/fleet/store"
	"github.com/fleetops/appcontrol/internal/fleet/versions"
	"github.com/fleetops/appcontrol/internal/task/models"
	"github.com/fleetops/appcontrol/internal/task/progress"
	"github.com/fleetops/appcontrol/internal/task/queue"
	"github.com/fleetops/appcontrol/internal/task/taskctx"
)

// Common errors
var (
	ErrNotRunning = errors.New("no running process for task")
)

// currentTaskPattern matches the playbook step marker in streamed output.
var currentTaskPattern = regexp.MustCompile(`^TASK \[(.+?)\]`)

// maxResultBytes caps the accumulated output persisted as task.result.
const maxResultBytes = 1 << 20

// Config holds executor tuning.
type Config struct {
	Workers     int
	KillGrace   time.Duration
	TaskTimeout time.Duration // 0 = unbounded
}

// Executor owns the worker pool and the per-task cancel registry.
type Executor struct {
	queue    *queue.Queue
	store    store.Store
	ledger   *versions.Ledger
	progress *progress.Bus
	bus      bus.EventBus
	runner   Runner
	registry *Registry
	logger   *logger.Logger
	cfg      Config

	active       int64
	shuttingDown atomic.Bool
	wg           sync.WaitGroup
}

// New creates an executor. Workers are not started until Start.
func New(
	q *queue.Queue,
	st store.Store,
	ledger *versions.Ledger,
	prog *progress.Bus,
	eventBus bus.EventBus,
	runner Runner,
	log *logger.Logger,
	cfg Config,
) *Executor {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &Executor{
		queue:    q,
		store:    st,
		ledger:   ledger,
		progress: prog,
		bus:      eventBus,
		runner:   runner,
		registry: NewRegistry(),
		logger:   log.WithFields(zap.String("component", "executor")),
		cfg:      cfg,
	}
}

// Start launches the worker pool. Workers stop pulling new tasks when ctx
// is cancelled; in-flight tasks run to completion (see Drain and Abort).
func (e *Executor) Start(ctx context.Context) {
	e.logger.Info("starting worker pool", zap.Int("workers", e.cfg.Workers))
	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker(ctx, i)
	}
}

// Drain blocks until every worker has exited or ctx expires.
func (e *Executor) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Abort force-terminates every live subprocess. The owning workers still
// run their normal finish path, which records the tasks as failed with the
// shutdown error. Used as the last step of shutdown.
func (e *Executor) Abort(reason string) {
	e.shuttingDown.Store(true)
	e.registry.Each(func(taskID string, proc Process) {
		e.logger.WithTaskID(taskID).Warn("aborting in-flight task", zap.String("reason", reason))
		_ = e.store.MarkTaskCancelRequested(context.Background(), taskID)
		proc.Terminate(0)
	})
}

// ActiveCount returns the number of workers currently executing a task.
func (e *Executor) ActiveCount() int {
	return int(atomic.LoadInt64(&e.active))
}

// Cancel requests cancellation of an in-flight task: marks it cancelled and
// signals its subprocess. Success means the signal was delivered; the
// worker's normal finish path completes the transition to failed.
func (e *Executor) Cancel(ctx context.Context, taskID string) (bool, string) {
	proc, ok := e.registry.Get(taskID)
	if !ok {
		return false, ErrNotRunning.Error()
	}
	if err := e.store.MarkTaskCancelRequested(ctx, taskID); err != nil {
		return false, err.Error()
	}
	e.logger.WithTaskID(taskID).Info("cancelling in-flight task",
		zap.Int("pid", proc.PID()),
		zap.Duration("kill_grace", e.cfg.KillGrace))
	proc.Terminate(e.cfg.KillGrace)
	return true, ""
}

func (e *Executor) worker(ctx context.Context, id int) {
	defer e.wg.Done()
	log := e.logger.WithFields(zap.Int("worker", id))
	log.Debug("worker started")

	for {
		t, err := e.queue.Dequeue(ctx)
		if err != nil {
			log.Debug("worker stopping", zap.Error(err))
			return
		}
		atomic.AddInt64(&e.active, 1)
		e.execute(t, log)
		atomic.AddInt64(&e.active, -1)
	}
}

// execute drives one task to a terminal state. Persistence uses a
// background context so final writes survive shutdown of the dequeue ctx.
func (e *Executor) execute(t *models.Task, log *logger.Logger) {
	ctx := context.Background()
	tracer := tracing.Tracer("executor")
	ctx, span := tracer.Start(ctx, "task.execute")
	defer span.End()

	log = log.WithTaskID(t.ID)
	e.publish(ctx, events.TaskStarted, t, nil)

	// Cancelled while pending but claimed anyway (cancel raced the claim).
	if t.Cancelled {
		log.Info("skipping cancelled task")
		e.finish(ctx, t, queue.Outcome{
			Status: models.StatusFailed,
			Error:  queue.CancelledByUser,
		})
		return
	}

	tc, err := taskctx.Load(ctx, e.store, t.ID)
	if err != nil {
		log.Error("failed to load task context", zap.Error(err))
		e.finish(ctx, t, queue.Outcome{
			Status: models.StatusFailed,
			Error:  err.Error(),
		})
		return
	}

	spec := e.buildSpec(tc)
	log.Info("spawning playbook",
		zap.String("playbook", spec.Playbook),
		zap.String("app_name", tc.AppName),
		zap.String("server", tc.ServerName))

	proc, err := e.runner.Start(spec)
	if err != nil {
		log.Error("failed to spawn playbook", zap.Error(err))
		e.finish(ctx, t, queue.Outcome{
			Status: models.StatusFailed,
			Error:  err.Error(),
		})
		return
	}

	e.registry.Register(t.ID, proc)
	defer e.registry.Remove(t.ID)
	if err := e.store.SetTaskPID(ctx, t.ID, proc.PID()); err != nil {
		log.Warn("failed to record pid", zap.Error(err))
	}

	timedOut := e.superviseTimeout(proc)

	var result strings.Builder
	truncated := false
	for line := range proc.Lines() {
		e.progress.Append(t.ID, line)
		if m := currentTaskPattern.FindStringSubmatch(line); m != nil {
			e.progress.SetCurrent(t.ID, m[1])
		}
		if result.Len() < maxResultBytes {
			result.WriteString(line)
			result.WriteByte('\n')
		} else if !truncated {
			truncated = true
			result.WriteString("... output truncated ...\n")
		}
	}
	waitErr := proc.Wait()

	// The cancel flag may have been set while the process ran.
	cancelled := t.Cancelled
	if fresh, err := e.store.GetTask(ctx, t.ID); err == nil {
		cancelled = fresh.Cancelled
	}

	outcome := queue.Outcome{Result: result.String()}
	switch {
	case cancelled:
		outcome.Status = models.StatusFailed
		if e.shuttingDown.Load() {
			outcome.Error = "shutdown"
		} else {
			outcome.Error = queue.CancelledByUser
		}
	case timedOut.Load():
		outcome.Status = models.StatusFailed
		outcome.Error = "timed out"
	case waitErr != nil:
		outcome.Status = models.StatusFailed
		outcome.Error = fmt.Sprintf("playbook failed: %v", waitErr)
	default:
		outcome.Status = models.StatusCompleted
	}

	e.finish(ctx, t, outcome)

	// Ledger rows reference the task, so they are written only after the
	// terminal completed write is visible.
	if outcome.Status == models.StatusCompleted && tc.Task.TaskType == models.TaskUpdate {
		e.recordVersions(ctx, tc, log)
	}

	log.Info("task execution done", zap.String("status", string(outcome.Status)))
}

// superviseTimeout arms the per-task timeout, if configured. The returned
// flag reports whether the timeout fired.
func (e *Executor) superviseTimeout(proc Process) *atomic.Bool {
	flag := &atomic.Bool{}
	if e.cfg.TaskTimeout <= 0 {
		return flag
	}
	timer := time.AfterFunc(e.cfg.TaskTimeout, func() {
		flag.Store(true)
		proc.Terminate(e.cfg.KillGrace)
	})
	go func() {
		_ = proc.Wait()
		timer.Stop()
	}()
	return flag
}

// buildSpec renders the playbook command for a task context.
func (e *Executor) buildSpec(tc *taskctx.Context) CommandSpec {
	vars := map[string]string{
		"app_name":    tc.AppName,
		"server_name": tc.ServerName,
	}
	if tc.Task.TaskType == models.TaskUpdate {
		vars["distr_url"] = tc.DistrURL
		vars["update_mode"] = tc.Mode
		if tc.Orchestrator != "" {
			vars["orchestrator_playbook"] = tc.Orchestrator
			if tc.DrainWaitTime > 0 {
				vars["drain_wait_time"] = fmt.Sprintf("%g", tc.DrainWaitTime)
			}
		}
		return CommandSpec{
			Playbook:  tc.PlaybookPath,
			Limit:     tc.ServerName,
			ExtraVars: vars,
		}
	}

	vars["action"] = tc.Action
	return CommandSpec{
		Playbook:  tc.PlaybookPath,
		Limit:     tc.ServerName,
		ExtraVars: vars,
	}
}

// recordVersions writes the version ledger and instance updates after a
// successful update. Called only once the task's completed state is
// persisted, so a ledger row never references a non-completed task.
// Failures here are logged, never promoted to a task failure.
func (e *Executor) recordVersions(ctx context.Context, tc *taskctx.Context, log *logger.Logger) {
	for _, inst := range tc.Instances {
		derived := versions.DeriveUpdate(inst, tc.DistrURL)
		if derived.Version == "" && derived.Image == inst.Image && derived.Tag == inst.Tag {
			continue
		}

		written, err := e.ledger.Record(ctx, &fleet.VersionHistory{
			InstanceID:   inst.ID,
			OldVersion:   inst.Version,
			NewVersion:   derived.Version,
			OldImage:     inst.Image,
			NewImage:     derived.Image,
			OldTag:       inst.Tag,
			NewTag:       derived.Tag,
			OldDistrPath: inst.DistrPath,
			NewDistrPath: inst.DistrPath,
			ChangedBy:    fleet.ActorUser,
			ChangeSource: fleet.SourceUpdateTask,
			TaskID:       tc.Task.ID,
		})
		if err != nil {
			log.WithInstanceID(inst.ID).Warn("version ledger write failed", zap.Error(err))
			continue
		}
		if !written {
			continue
		}

		if err := e.store.UpdateInstanceVersion(ctx, inst.ID, derived.Version, derived.Image, derived.Tag); err != nil {
			log.WithInstanceID(inst.ID).Warn("instance version update failed", zap.Error(err))
			continue
		}
		e.publishVersionChanged(ctx, inst, derived, tc.Task.ID)
	}
}

func (e *Executor) finish(ctx context.Context, t *models.Task, outcome queue.Outcome) {
	if err := e.queue.Finish(ctx, t, outcome); err != nil {
		e.logger.WithTaskID(t.ID).Error("finish failed", zap.Error(err))
	}
	e.progress.Finish(t.ID)

	eventType := events.TaskCompleted
	if outcome.Status == models.StatusFailed {
		eventType = events.TaskFailed
		if outcome.Error == queue.CancelledByUser {
			eventType = events.TaskCancelled
		}
	}
	e.publish(ctx, eventType, t, map[string]interface{}{
		"status": string(outcome.Status),
		"error":  outcome.Error,
	})
}

func (e *Executor) publish(ctx context.Context, eventType string, t *models.Task, extra map[string]interface{}) {
	if e.bus == nil {
		return
	}
	data := map[string]interface{}{
		"task_id":     t.ID,
		"task_type":   string(t.TaskType),
		"instance_id": t.InstanceID,
		"server_id":   t.ServerID,
	}
	for k, v := range extra {
		data[k] = v
	}
	if err := e.bus.Publish(ctx, eventType, bus.NewEvent(eventType, "executor", data)); err != nil {
		e.logger.Debug("event publish failed", zap.String("type", eventType), zap.Error(err))
	}
}

func (e *Executor) publishVersionChanged(ctx context.Context, inst *fleet.Instance, derived versions.Update, taskID string) {
	if e.bus == nil {
		return
	}
	data := map[string]interface{}{
		"instance_id":   inst.ID,
		"instance_name": inst.InstanceName,
		"old_version":   inst.Version,
		"new_version":   derived.Version,
		"task_id":       taskID,
	}
	event := bus.NewEvent(events.VersionChanged, "executor", data)
	if err := e.bus.Publish(ctx, events.VersionChanged, event); err != nil {
		e.logger.Debug("event publish failed", zap.Error(err))
	}
}
