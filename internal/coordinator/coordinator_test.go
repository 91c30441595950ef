package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetops/appcontrol/internal/common/apperr"
	"github.com/fleetops/appcontrol/internal/common/config"
	"github.com/fleetops/appcontrol/internal/common/logger"
	"github.com/fleetops/appcontrol/internal/events"
	"github.com/fleetops/appcontrol/internal/events/bus"
	fleet "github.com/fleetops/appcontrol/internal/fleet/models"
	"github.com/fleetops/appcontrol/internal/fleet/store"
	"github.com/fleetops/appcontrol/internal/task/executor"
	"github.com/fleetops/appcontrol/internal/task/models"
)

// fakeProcess / fakeRunner script the playbook subprocess.
type fakeProcess struct {
	pid        int
	lines      chan string
	done       chan struct{}
	err        error
	finishOnce sync.Once
}

func (p *fakeProcess) PID() int             { return p.pid }
func (p *fakeProcess) Lines() <-chan string { return p.lines }

func (p *fakeProcess) Wait() error {
	<-p.done
	return p.err
}

func (p *fakeProcess) Terminate(grace time.Duration) {
	p.finish(errors.New("signal: terminated"))
}

func (p *fakeProcess) finish(err error) {
	p.finishOnce.Do(func() {
		p.err = err
		close(p.lines)
		close(p.done)
	})
}

type fakeRunner struct {
	mu      sync.Mutex
	lines   []string
	exitErr error
	hang    bool
}

func (r *fakeRunner) Start(spec executor.CommandSpec) (executor.Process, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := &fakeProcess{
		pid:   4242,
		lines: make(chan string, len(r.lines)+1),
		done:  make(chan struct{}),
	}
	for _, line := range r.lines {
		p.lines <- line
	}
	if !r.hang {
		p.finish(r.exitErr)
	}
	return p, nil
}

func testAnsibleConfig(workers int) config.AnsibleConfig {
	return config.AnsibleConfig{
		PlaybookCommand:          "ansible-playbook",
		DefaultUpdatePlaybook:    "/etc/ansible/update-app.yml",
		DockerUpdatePlaybook:     "/etc/ansible/docker-update-app.yml",
		NightRestartPlaybook:     "/etc/ansible/night-restart.yml",
		ActionPlaybook:           "/etc/ansible/manage-app.yml",
		WorkerPoolSize:           workers,
		ProgressRetentionSeconds: 1,
		KillGraceSeconds:         1,
	}
}

type fixture struct {
	store *store.MemoryStore
	bus   *bus.MemoryEventBus
	coord *Coordinator

	serverA *fleet.Server
	serverB *fleet.Server
	group   *fleet.Group
	jurws1  *fleet.Instance
	app2    *fleet.Instance
	docker1 *fleet.Instance
}

// newFixture seeds a small fleet: jurws_1 on srv-a (version 1.79.2), app_2
// on srv-b in the same by_server group, and a docker instance on srv-a.
func newFixture(t *testing.T, runner executor.Runner, cfg config.AnsibleConfig) *fixture {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)

	st := store.NewMemoryStore()
	ctx := context.Background()

	f := &fixture{store: st, bus: bus.NewMemoryEventBus(log)}

	f.serverA = &fleet.Server{Name: "srv-a"}
	require.NoError(t, st.CreateServer(ctx, f.serverA))
	f.serverB = &fleet.Server{Name: "srv-b"}
	require.NoError(t, st.CreateServer(ctx, f.serverB))

	f.group = &fleet.Group{Name: "web", BatchGroupingStrategy: fleet.GroupByServer}
	require.NoError(t, st.CreateGroup(ctx, f.group))

	f.jurws1 = &fleet.Instance{
		ServerID:     f.serverA.ID,
		GroupID:      f.group.ID,
		InstanceName: "jurws_1",
		AppType:      fleet.AppTypeService,
		Version:      "1.79.2",
	}
	require.NoError(t, st.CreateInstance(ctx, f.jurws1))

	f.app2 = &fleet.Instance{
		ServerID:     f.serverB.ID,
		GroupID:      f.group.ID,
		InstanceName: "app_2",
		AppType:      fleet.AppTypeService,
	}
	require.NoError(t, st.CreateInstance(ctx, f.app2))

	f.docker1 = &fleet.Instance{
		ServerID:     f.serverA.ID,
		InstanceName: "dockerapp_1",
		AppType:      fleet.AppTypeDocker,
	}
	require.NoError(t, st.CreateInstance(ctx, f.docker1))

	f.coord = New(st, f.bus, nil, runner, log, cfg)
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.coord.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = f.coord.Shutdown(ctx)
	})
}

// waitForVersionHistory polls for a task's ledger rows, which land just
// after the terminal status write.
func (f *fixture) waitForVersionHistory(t *testing.T, taskID string, want int) []*fleet.VersionHistory {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		rows, err := f.store.ListVersionHistoryByTask(context.Background(), taskID)
		require.NoError(t, err)
		if len(rows) == want {
			return rows
		}
		if time.Now().After(deadline) {
			t.Fatalf("task %s has %d version history rows, want %d", taskID, len(rows), want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (f *fixture) waitForInstanceVersion(t *testing.T, instanceID int64, check func(*fleet.Instance) bool) *fleet.Instance {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		inst, err := f.store.GetInstance(context.Background(), instanceID)
		require.NoError(t, err)
		if check(inst) {
			return inst
		}
		if time.Now().After(deadline) {
			t.Fatalf("instance %d never reached the expected version state", instanceID)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (f *fixture) waitForStatus(t *testing.T, taskID string, want models.TaskStatus) *models.Task {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		got, err := f.store.GetTask(context.Background(), taskID)
		require.NoError(t, err)
		if got.Status == want {
			return got
		}
		if time.Now().After(deadline) {
			t.Fatalf("task %s stuck in %s, want %s", taskID, got.Status, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSubmitUpdateHappyPath(t *testing.T) {
	runner := &fakeRunner{lines: []string{
		"TASK [Update application] ***",
		"PLAY RECAP *********************************************************************",
		"srv-a                      : ok=5    changed=2    unreachable=0    failed=0",
	}}
	f := newFixture(t, runner, testAnsibleConfig(2))

	var mu sync.Mutex
	var received []string
	_, err := f.bus.Subscribe(events.TaskWildcardSubject, func(ctx context.Context, e *bus.Event) error {
		mu.Lock()
		received = append(received, e.Type)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	f.start(t)

	taskID, err := f.coord.SubmitUpdate(context.Background(), f.jurws1.ID, UpdateRequest{
		DistrURL: "http://nexus.example.com/repository/releases/jurws/jurws-1.80.0.jar",
		Mode:     models.ModeImmediate,
	})
	require.NoError(t, err)

	got := f.waitForStatus(t, taskID, models.StatusCompleted)
	assert.Contains(t, got.Result, "PLAY RECAP")

	rows := f.waitForVersionHistory(t, taskID, 1)
	assert.Equal(t, "1.79.2", rows[0].OldVersion)
	assert.Equal(t, "1.80.0", rows[0].NewVersion)
	assert.Equal(t, fleet.ActorUser, rows[0].ChangedBy)
	assert.Equal(t, fleet.SourceUpdateTask, rows[0].ChangeSource)

	f.waitForInstanceVersion(t, f.jurws1.ID, func(inst *fleet.Instance) bool {
		return inst.Version == "1.80.0"
	})

	// Lifecycle events flowed over the bus.
	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		sawCreated, sawCompleted := false, false
		for _, typ := range received {
			sawCreated = sawCreated || typ == events.TaskCreated
			sawCompleted = sawCompleted || typ == events.TaskCompleted
		}
		mu.Unlock()
		if sawCreated && sawCompleted {
			break
		}
		require.False(t, time.Now().After(deadline), "missing lifecycle events: %v", received)
		time.Sleep(10 * time.Millisecond)
	}
}

func TestBatchGroupingByServer(t *testing.T) {
	f := newFixture(t, &fakeRunner{}, testAnsibleConfig(2))
	f.start(t)

	// Same group, same playbook, two servers, no orchestrator: two plans.
	result, err := f.coord.SubmitBatchUpdate(context.Background(), BatchUpdateRequest{
		AppIDs:   []int64{f.jurws1.ID, f.app2.ID},
		DistrURL: "http://nexus/releases/app-1.2.0.jar",
		Mode:     models.ModeImmediate,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.GroupsCount)
	assert.Len(t, result.TaskIDs, 2)

	// With an orchestrator the server leaves the key: one plan.
	result, err = f.coord.SubmitBatchUpdate(context.Background(), BatchUpdateRequest{
		AppIDs:               []int64{f.jurws1.ID, f.app2.ID},
		DistrURL:             "http://nexus/releases/app-1.2.0.jar",
		Mode:                 models.ModeImmediate,
		OrchestratorPlaybook: "rolling-update.yml",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.GroupsCount)
	assert.Len(t, result.TaskIDs, 1)
}

func TestBatchNightRestartDockerRejected(t *testing.T) {
	f := newFixture(t, &fakeRunner{}, testAnsibleConfig(1))
	f.start(t)

	_, err := f.coord.SubmitBatchUpdate(context.Background(), BatchUpdateRequest{
		AppIDs:   []int64{f.docker1.ID, f.jurws1.ID},
		DistrURL: "http://nexus/releases/app-1.2.0.jar",
		Mode:     models.ModeNightRestart,
	})
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	// No tasks were created.
	tasks, err := f.coord.ListTasks(context.Background(), TaskFilter{})
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestBatchUnknownInstance(t *testing.T) {
	f := newFixture(t, &fakeRunner{}, testAnsibleConfig(1))
	f.start(t)

	_, err := f.coord.SubmitBatchUpdate(context.Background(), BatchUpdateRequest{
		AppIDs:   []int64{f.jurws1.ID, 9999},
		DistrURL: "http://nexus/releases/app-1.2.0.jar",
	})
	require.Error(t, err)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestCancelPendingWhilePoolSaturated(t *testing.T) {
	runner := &fakeRunner{hang: true}
	f := newFixture(t, runner, testAnsibleConfig(1))
	f.start(t)

	first, err := f.coord.SubmitUpdate(context.Background(), f.jurws1.ID, UpdateRequest{
		DistrURL: "http://nexus/releases/jurws-1.80.0.jar",
	})
	require.NoError(t, err)
	f.waitForStatus(t, first, models.StatusProcessing)

	// The single worker is busy; the second submission stays pending.
	second, err := f.coord.SubmitUpdate(context.Background(), f.app2.ID, UpdateRequest{
		DistrURL: "http://nexus/releases/app-1.2.0.jar",
	})
	require.NoError(t, err)

	require.NoError(t, f.coord.CancelTask(context.Background(), second))

	got, err := f.store.GetTask(context.Background(), second)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.True(t, got.Cancelled)
	assert.NotEmpty(t, got.Error)
	assert.Empty(t, got.Result)
	assert.Nil(t, got.StartedAt)

	// Double cancel is rejected with a conflict.
	err = f.coord.CancelTask(context.Background(), second)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	// Unblock the worker.
	require.NoError(t, f.coord.CancelTask(context.Background(), first))
	f.waitForStatus(t, first, models.StatusFailed)
}

func TestCancelInFlight(t *testing.T) {
	runner := &fakeRunner{hang: true}
	f := newFixture(t, runner, testAnsibleConfig(1))
	f.start(t)

	taskID, err := f.coord.SubmitUpdate(context.Background(), f.jurws1.ID, UpdateRequest{
		DistrURL: "http://nexus/releases/jurws-1.80.0.jar",
	})
	require.NoError(t, err)
	f.waitForStatus(t, taskID, models.StatusProcessing)

	// Cancel may race pid registration; retry briefly.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if err := f.coord.CancelTask(context.Background(), taskID); err == nil {
			break
		}
		require.False(t, time.Now().After(deadline), "cancel never reached the process")
		time.Sleep(10 * time.Millisecond)
	}

	got := f.waitForStatus(t, taskID, models.StatusFailed)
	assert.True(t, got.Cancelled)

	rows, err := f.store.ListVersionHistoryByTask(context.Background(), taskID)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestCrashRecoveryFailsLoudly(t *testing.T) {
	f := newFixture(t, &fakeRunner{}, testAnsibleConfig(1))

	// A task left processing by a crashed coordinator.
	stuck := &models.Task{
		ID:         "stuck-task",
		TaskType:   models.TaskUpdate,
		ServerID:   f.serverA.ID,
		InstanceID: f.jurws1.ID,
	}
	require.NoError(t, stuck.SetParams(&models.UpdateParams{
		AppIDs:       []int64{f.jurws1.ID},
		DistrURL:     "http://nexus/releases/jurws-1.80.0.jar",
		Mode:         models.ModeImmediate,
		PlaybookPath: "/etc/ansible/update-app.yml",
	}))
	require.NoError(t, f.store.CreateTask(context.Background(), stuck))
	claimed, err := f.store.ClaimNextPendingTask(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, "stuck-task", claimed.ID)

	f.start(t)

	got, err := f.store.GetTask(context.Background(), "stuck-task")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, "interrupted by restart", got.Error)

	rows, err := f.store.ListVersionHistoryByTask(context.Background(), "stuck-task")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestCrashRecoveryRequeuesIdempotent(t *testing.T) {
	cfg := testAnsibleConfig(1)
	cfg.RequeueIdempotent = true
	f := newFixture(t, &fakeRunner{lines: []string{"ok"}}, cfg)

	// Catalog declares the playbook idempotent for this app.
	entry := &fleet.CatalogEntry{
		Name:             "jurws",
		AppType:          fleet.AppTypeService,
		UpdateIdempotent: true,
	}
	require.NoError(t, f.store.CreateCatalogEntry(context.Background(), entry))

	inst := &fleet.Instance{
		ServerID:     f.serverA.ID,
		CatalogID:    entry.ID,
		InstanceName: "jurws_9",
		AppType:      fleet.AppTypeService,
	}
	require.NoError(t, f.store.CreateInstance(context.Background(), inst))

	stuck := &models.Task{
		ID:         "stuck-task",
		TaskType:   models.TaskUpdate,
		ServerID:   f.serverA.ID,
		InstanceID: inst.ID,
	}
	require.NoError(t, stuck.SetParams(&models.UpdateParams{
		AppIDs:       []int64{inst.ID},
		DistrURL:     "http://nexus/releases/jurws-1.80.0.jar",
		Mode:         models.ModeImmediate,
		PlaybookPath: "/etc/ansible/update-app.yml",
	}))
	require.NoError(t, f.store.CreateTask(context.Background(), stuck))
	_, err := f.store.ClaimNextPendingTask(context.Background(), nil)
	require.NoError(t, err)

	f.start(t)

	// Re-queued rather than failed, then executed to completion.
	got := f.waitForStatus(t, "stuck-task", models.StatusCompleted)
	assert.NotEqual(t, "interrupted by restart", got.Error)
}

func TestSubmitUpdateValidation(t *testing.T) {
	f := newFixture(t, &fakeRunner{}, testAnsibleConfig(1))
	f.start(t)
	ctx := context.Background()

	_, err := f.coord.SubmitUpdate(ctx, 9999, UpdateRequest{DistrURL: "x"})
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	_, err = f.coord.SubmitUpdate(ctx, f.jurws1.ID, UpdateRequest{})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = f.coord.SubmitUpdate(ctx, f.docker1.ID, UpdateRequest{
		ImageName: "registry/app:1.0",
		Mode:      models.ModeNightRestart,
	})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestSubmitUpdateDockerUsesImageName(t *testing.T) {
	f := newFixture(t, &fakeRunner{}, testAnsibleConfig(1))
	f.start(t)

	taskID, err := f.coord.SubmitUpdate(context.Background(), f.docker1.ID, UpdateRequest{
		ImageName: "registry.example.com/team/app:2.0.1",
	})
	require.NoError(t, err)

	got := f.waitForStatus(t, taskID, models.StatusCompleted)
	params, err := got.UpdateParams()
	require.NoError(t, err)
	assert.Equal(t, "registry.example.com/team/app:2.0.1", params.DistrURL)
	assert.Equal(t, "/etc/ansible/docker-update-app.yml", params.PlaybookPath)

	inst := f.waitForInstanceVersion(t, f.docker1.ID, func(inst *fleet.Instance) bool {
		return inst.Tag == "2.0.1"
	})
	assert.Equal(t, "registry.example.com/team/app", inst.Image)
}

func TestSubmitActionAndBulk(t *testing.T) {
	f := newFixture(t, &fakeRunner{}, testAnsibleConfig(2))
	f.start(t)
	ctx := context.Background()

	_, err := f.coord.SubmitAction(ctx, f.jurws1.ID, "explode")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	taskID, err := f.coord.SubmitAction(ctx, f.jurws1.ID, "restart")
	require.NoError(t, err)
	got := f.waitForStatus(t, taskID, models.StatusCompleted)
	assert.Equal(t, models.TaskRestart, got.TaskType)

	results, err := f.coord.SubmitBulkAction(ctx, []int64{f.jurws1.ID, 9999}, "stop")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success)
}

func TestGetTaskParsesRecap(t *testing.T) {
	runner := &fakeRunner{lines: []string{
		"PLAY RECAP *********************************************************************",
		"srv-a                      : ok=5    changed=2    unreachable=0    failed=0",
	}}
	f := newFixture(t, runner, testAnsibleConfig(1))
	f.start(t)

	taskID, err := f.coord.SubmitUpdate(context.Background(), f.jurws1.ID, UpdateRequest{
		DistrURL: "http://nexus/releases/jurws-1.80.0.jar",
	})
	require.NoError(t, err)
	f.waitForStatus(t, taskID, models.StatusCompleted)

	detail, err := f.coord.GetTask(context.Background(), taskID)
	require.NoError(t, err)
	require.Len(t, detail.AnsibleSummary, 1)
	assert.Equal(t, "srv-a", detail.AnsibleSummary[0].Host)
	assert.Equal(t, 5, detail.AnsibleSummary[0].OK)
	assert.Equal(t, "jurws_1", detail.ApplicationName)
	assert.Equal(t, "srv-a", detail.ServerName)
}

func TestShutdownFailsInFlight(t *testing.T) {
	runner := &fakeRunner{hang: true}
	f := newFixture(t, runner, testAnsibleConfig(1))
	require.NoError(t, f.coord.Start(context.Background()))

	taskID, err := f.coord.SubmitUpdate(context.Background(), f.jurws1.ID, UpdateRequest{
		DistrURL: "http://nexus/releases/jurws-1.80.0.jar",
	})
	require.NoError(t, err)
	f.waitForStatus(t, taskID, models.StatusProcessing)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, f.coord.Shutdown(ctx))

	got, err := f.store.GetTask(context.Background(), taskID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, "shutdown", got.Error)

	// Submissions are rejected after shutdown.
	_, err = f.coord.SubmitUpdate(context.Background(), f.jurws1.ID, UpdateRequest{
		DistrURL: "http://nexus/releases/jurws-1.81.0.jar",
	})
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
}
