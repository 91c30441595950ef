// Package coordinator wires the task pipeline together: it owns the store
// handle, the durable queue, the worker pool and the progress bus, runs the
// crash-recovery pass at startup and drives graceful shutdown.
package coordinator

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fleetops/appcontrol/internal/common/apperr"
	"github.com/fleetops/appcontrol/internal/common/config"
	"github.com/fleetops/appcontrol/internal/common/logger"
	"github.com/fleetops/appcontrol/internal/events"
	"github.com/fleetops/appcontrol/internal/events/bus"
	"github.com/fleetops/appcontrol/internal/fleet/orchestrators"
	"github.com/fleetops/appcontrol/internal/fleet/store"
	"github.com/fleetops/appcontrol/internal/fleet/versions"
	"github.com/fleetops/appcontrol/internal/task/executor"
	"github.com/fleetops/appcontrol/internal/task/models"
	"github.com/fleetops/appcontrol/internal/task/progress"
	"github.com/fleetops/appcontrol/internal/task/queue"
)

// Coordinator is the top-level lifecycle owner of the task pipeline.
type Coordinator struct {
	store    store.Store
	queue    *queue.Queue
	executor *executor.Executor
	progress *progress.Bus
	ledger   *versions.Ledger
	bus      bus.EventBus
	orch     *orchestrators.Catalog
	cfg      config.AnsibleConfig
	logger   *logger.Logger

	accepting     atomic.Bool
	cancelWorkers context.CancelFunc
}

// New builds a coordinator and its owned components. A nil runner selects
// the production ansible-playbook runner; tests inject a fake.
func New(
	st store.Store,
	eventBus bus.EventBus,
	orch *orchestrators.Catalog,
	runner executor.Runner,
	log *logger.Logger,
	cfg config.AnsibleConfig,
) *Coordinator {
	if runner == nil {
		runner = executor.NewAnsibleRunner(cfg.PlaybookCommand)
	}
	if orch == nil {
		orch = mustEmptyCatalog()
	}

	q := queue.New(st, log, queue.Options{PerServerSerial: cfg.PerServerSerial})
	prog := progress.NewBus(cfg.ProgressRetention())
	ledger := versions.NewLedger(st, log)
	exec := executor.New(q, st, ledger, prog, eventBus, runner, log, executor.Config{
		Workers:     cfg.WorkerPoolSize,
		KillGrace:   cfg.KillGrace(),
		TaskTimeout: cfg.TaskTimeout(),
	})

	return &Coordinator{
		store:    st,
		queue:    q,
		executor: exec,
		progress: prog,
		ledger:   ledger,
		bus:      eventBus,
		orch:     orch,
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "coordinator")),
	}
}

func mustEmptyCatalog() *orchestrators.Catalog {
	c, _ := orchestrators.Load("")
	return c
}

// Ledger exposes the version ledger for the inventory path.
func (c *Coordinator) Ledger() *versions.Ledger {
	return c.ledger
}

// Start runs the recovery pass and boots the worker pool.
func (c *Coordinator) Start(ctx context.Context) error {
	failed, requeued, err := c.queue.Recover(ctx, c.recoveryRequeue)
	if err != nil {
		return err
	}
	if failed > 0 || requeued > 0 {
		c.logger.Warn("recovered interrupted tasks",
			zap.Int("failed", failed),
			zap.Int("requeued", requeued))
	}

	workerCtx, cancel := context.WithCancel(context.Background())
	c.cancelWorkers = cancel
	c.executor.Start(workerCtx)
	c.accepting.Store(true)
	return nil
}

// recoveryRequeue is the opt-in idempotent recovery policy: only update
// tasks in immediate mode whose anchor instance's catalog entry declares
// the playbook idempotent are re-queued; everything else fails loudly.
func (c *Coordinator) recoveryRequeue(t *models.Task) bool {
	if !c.cfg.RequeueIdempotent || t.TaskType != models.TaskUpdate {
		return false
	}
	params, err := t.UpdateParams()
	if err != nil || params.Mode != models.ModeImmediate {
		return false
	}

	ctx := context.Background()
	inst, err := c.store.GetInstance(ctx, t.InstanceID)
	if err != nil || inst.CatalogID == 0 {
		return false
	}
	entry, err := c.store.GetCatalogEntry(ctx, inst.CatalogID)
	if err != nil {
		return false
	}
	return entry.UpdateIdempotent
}

// Shutdown stops accepting submissions, drains in-flight workers up to the
// ctx deadline, then force-terminates stragglers and fails their tasks.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.accepting.Store(false)
	if c.cancelWorkers != nil {
		c.cancelWorkers()
	}

	g, drainCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.executor.Drain(drainCtx) })
	if err := g.Wait(); err == nil {
		c.logger.Info("all workers drained")
		return nil
	}

	c.logger.Warn("drain deadline exceeded, terminating in-flight playbooks")
	c.executor.Abort("shutdown")

	graceCtx, cancel := context.WithTimeout(context.Background(), c.cfg.KillGrace()+time.Second)
	defer cancel()
	return c.executor.Drain(graceCtx)
}

// CancelTask cancels a task in either cancelable state: pending tasks fail
// instantly; processing tasks get their subprocess signalled and complete
// through the worker's normal finish path.
func (c *Coordinator) CancelTask(ctx context.Context, id string) error {
	t, err := c.store.GetTask(ctx, id)
	if err != nil {
		return apperr.NotFound("task %s not found", id)
	}
	if t.Cancelled {
		return apperr.Conflict("task already cancelled")
	}

	switch t.Status {
	case models.StatusPending:
		ok, reason := c.queue.CancelPending(ctx, id)
		if !ok {
			return apperr.Conflict("cannot cancel task: %s", reason)
		}
		c.publishTaskEvent(ctx, events.TaskCancelled, t)
		return nil
	case models.StatusProcessing:
		ok, reason := c.executor.Cancel(ctx, id)
		if !ok {
			return apperr.Conflict("cannot cancel task: %s", reason)
		}
		return nil
	default:
		return apperr.Conflict("cannot cancel task in status %q", t.Status)
	}
}

func (c *Coordinator) publishTaskEvent(ctx context.Context, eventType string, t *models.Task) {
	if c.bus == nil {
		return
	}
	event := bus.NewEvent(eventType, "coordinator", map[string]interface{}{
		"task_id":     t.ID,
		"task_type":   string(t.TaskType),
		"instance_id": t.InstanceID,
		"server_id":   t.ServerID,
	})
	if err := c.bus.Publish(ctx, eventType, event); err != nil {
		c.logger.Debug("event publish failed", zap.String("type", eventType), zap.Error(err))
	}
}
