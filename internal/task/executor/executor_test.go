package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetops/appcontrol/internal/common/logger"
	fleet "github.com/fleetops/appcontrol/internal/fleet/models"
	"github.com/fleetops/appcontrol/internal/fleet/store"
	"github.com/fleetops/appcontrol/internal/fleet/versions"
	"github.com/fleetops/appcontrol/internal/task/models"
	"github.com/fleetops/appcontrol/internal/task/progress"
	"github.com/fleetops/appcontrol/internal/task/queue"
)

// fakeProcess is a scripted stand-in for a playbook subprocess.
type fakeProcess struct {
	pid   int
	lines chan string
	done  chan struct{}
	err   error

	finishOnce sync.Once
	terminated chan struct{}
	termOnce   sync.Once
}

func (p *fakeProcess) PID() int             { return p.pid }
func (p *fakeProcess) Lines() <-chan string { return p.lines }

func (p *fakeProcess) Wait() error {
	<-p.done
	return p.err
}

func (p *fakeProcess) Terminate(grace time.Duration) {
	p.termOnce.Do(func() { close(p.terminated) })
	p.finish(errors.New("signal: terminated"))
}

func (p *fakeProcess) finish(err error) {
	p.finishOnce.Do(func() {
		p.err = err
		close(p.lines)
		close(p.done)
	})
}

// fakeRunner scripts process behavior per Start call.
type fakeRunner struct {
	mu      sync.Mutex
	started []*fakeProcess
	specs   []CommandSpec

	lines    []string
	exitErr  error
	hang     bool // stay alive until terminated
	startErr error
}

func (r *fakeRunner) Start(spec CommandSpec) (Process, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return nil, r.startErr
	}

	p := &fakeProcess{
		pid:        4242,
		lines:      make(chan string, len(r.lines)+1),
		done:       make(chan struct{}),
		terminated: make(chan struct{}),
	}
	r.started = append(r.started, p)
	r.specs = append(r.specs, spec)

	for _, line := range r.lines {
		p.lines <- line
	}
	if !r.hang {
		p.finish(r.exitErr)
	}
	return p, nil
}

func (r *fakeRunner) lastProcess() *fakeProcess {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.started) == 0 {
		return nil
	}
	return r.started[len(r.started)-1]
}

type harness struct {
	store    *store.MemoryStore
	queue    *queue.Queue
	progress *progress.Bus
	runner   *fakeRunner
	executor *Executor
	instance *fleet.Instance
	cancel   context.CancelFunc
}

func newHarness(t *testing.T, runner *fakeRunner, cfg Config) *harness {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)

	st := store.NewMemoryStore()
	ctx := context.Background()

	server := &fleet.Server{Name: "srv-a"}
	require.NoError(t, st.CreateServer(ctx, server))
	inst := &fleet.Instance{
		ServerID:     server.ID,
		InstanceName: "jurws_1",
		AppType:      fleet.AppTypeService,
		Version:      "1.79.2",
	}
	require.NoError(t, st.CreateInstance(ctx, inst))

	q := queue.New(st, log, queue.Options{PollInterval: 10 * time.Millisecond})
	prog := progress.NewBus(100 * time.Millisecond)
	ledger := versions.NewLedger(st, log)
	exec := New(q, st, ledger, prog, nil, runner, log, cfg)

	workerCtx, cancel := context.WithCancel(ctx)
	exec.Start(workerCtx)
	t.Cleanup(func() {
		cancel()
		_ = exec.Drain(context.Background())
	})

	return &harness{
		store:    st,
		queue:    q,
		progress: prog,
		runner:   runner,
		executor: exec,
		instance: inst,
		cancel:   cancel,
	}
}

func (h *harness) enqueueUpdate(t *testing.T, distrURL string) string {
	t.Helper()
	task := &models.Task{
		TaskType:   models.TaskUpdate,
		ServerID:   h.instance.ServerID,
		InstanceID: h.instance.ID,
	}
	require.NoError(t, task.SetParams(&models.UpdateParams{
		AppIDs:       []int64{h.instance.ID},
		DistrURL:     distrURL,
		Mode:         models.ModeImmediate,
		PlaybookPath: "/etc/ansible/update-app.yml",
	}))
	_, err := h.queue.Enqueue(context.Background(), []*models.Task{task})
	require.NoError(t, err)
	return task.ID
}

// waitForVersionHistory polls for the ledger rows of a task; they land
// just after the terminal status write.
func (h *harness) waitForVersionHistory(t *testing.T, taskID string, want int) []*fleet.VersionHistory {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		rows, err := h.store.ListVersionHistoryByTask(context.Background(), taskID)
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

func (h *harness) waitForStatus(t *testing.T, taskID string, want models.TaskStatus) *models.Task {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		got, err := h.store.GetTask(context.Background(), taskID)
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

func TestExecuteHappyPath(t *testing.T) {
	runner := &fakeRunner{
		lines: []string{
			"TASK [Download distribution] ***",
			"ok: [srv-a]",
			"PLAY RECAP *********************************************************************",
			"srv-a                      : ok=5    changed=2    unreachable=0    failed=0",
		},
	}
	h := newHarness(t, runner, Config{Workers: 1, KillGrace: 10 * time.Millisecond})

	taskID := h.enqueueUpdate(t, "http://nexus/releases/jurws-1.80.0.jar")
	got := h.waitForStatus(t, taskID, models.StatusCompleted)

	assert.Contains(t, got.Result, "PLAY RECAP")
	assert.Empty(t, got.Error)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.CompletedAt)
	assert.False(t, got.StartedAt.After(*got.CompletedAt))
	assert.Zero(t, got.PID, "pid must be cleared after finish")

	// Version ledger row with the observed transition; written after the
	// completed status lands.
	rows := h.waitForVersionHistory(t, taskID, 1)
	assert.Equal(t, "1.79.2", rows[0].OldVersion)
	assert.Equal(t, "1.80.0", rows[0].NewVersion)
	assert.Equal(t, fleet.ActorUser, rows[0].ChangedBy)
	assert.Equal(t, fleet.SourceUpdateTask, rows[0].ChangeSource)

	// Instance reflects the new version.
	deadline := time.Now().Add(3 * time.Second)
	for {
		inst, err := h.store.GetInstance(context.Background(), h.instance.ID)
		require.NoError(t, err)
		if inst.Version == "1.80.0" {
			break
		}
		require.False(t, time.Now().After(deadline), "instance version never updated, still %q", inst.Version)
		time.Sleep(10 * time.Millisecond)
	}

	// The command was rendered from the task context.
	require.Len(t, runner.specs, 1)
	assert.Equal(t, "/etc/ansible/update-app.yml", runner.specs[0].Playbook)
	assert.Equal(t, "srv-a", runner.specs[0].Limit)
	assert.Equal(t, "jurws_1", runner.specs[0].ExtraVars["app_name"])
	assert.Equal(t, "http://nexus/releases/jurws-1.80.0.jar", runner.specs[0].ExtraVars["distr_url"])
}

func TestExecuteNonZeroExit(t *testing.T) {
	runner := &fakeRunner{
		lines:   []string{"fatal: [srv-a]: FAILED!"},
		exitErr: errors.New("exit status 2"),
	}
	h := newHarness(t, runner, Config{Workers: 1, KillGrace: 10 * time.Millisecond})

	taskID := h.enqueueUpdate(t, "http://nexus/releases/jurws-1.80.0.jar")
	got := h.waitForStatus(t, taskID, models.StatusFailed)

	assert.Contains(t, got.Error, "playbook failed")
	assert.Contains(t, got.Result, "FAILED!")

	// No version history for a failed task.
	rows, err := h.store.ListVersionHistoryByTask(context.Background(), taskID)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestExecuteSpawnFailure(t *testing.T) {
	runner := &fakeRunner{startErr: errors.New("ansible-playbook: not found")}
	h := newHarness(t, runner, Config{Workers: 1})

	taskID := h.enqueueUpdate(t, "http://nexus/releases/jurws-1.80.0.jar")
	got := h.waitForStatus(t, taskID, models.StatusFailed)
	assert.Contains(t, got.Error, "not found")
}

func TestCancelInFlight(t *testing.T) {
	runner := &fakeRunner{
		lines: []string{"TASK [Stop application] ***"},
		hang:  true,
	}
	h := newHarness(t, runner, Config{Workers: 1, KillGrace: 10 * time.Millisecond})

	taskID := h.enqueueUpdate(t, "http://nexus/releases/jurws-1.80.0.jar")
	h.waitForStatus(t, taskID, models.StatusProcessing)

	// The streamed step marker reaches the progress bus.
	deadline := time.Now().Add(2 * time.Second)
	for {
		snap := h.progress.Snapshot(taskID)
		if snap != nil && snap.CurrentTask == "Stop application" {
			break
		}
		require.False(t, time.Now().After(deadline), "current task marker never surfaced")
		time.Sleep(5 * time.Millisecond)
	}

	// Cancel may race the pid registration; retry briefly.
	var ok bool
	for attempt := 0; attempt < 100; attempt++ {
		ok, _ = h.executor.Cancel(context.Background(), taskID)
		if ok {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.True(t, ok, "cancel never reached the running process")

	got := h.waitForStatus(t, taskID, models.StatusFailed)
	assert.True(t, got.Cancelled)
	assert.Equal(t, queue.CancelledByUser, got.Error)

	select {
	case <-runner.lastProcess().terminated:
	default:
		t.Error("subprocess was not signalled")
	}

	rows, err := h.store.ListVersionHistoryByTask(context.Background(), taskID)
	require.NoError(t, err)
	assert.Empty(t, rows, "cancelled task must not write version history")
}

func TestCancelUnknownTask(t *testing.T) {
	h := newHarness(t, &fakeRunner{}, Config{Workers: 1})
	ok, reason := h.executor.Cancel(context.Background(), "nope")
	assert.False(t, ok)
	assert.Equal(t, ErrNotRunning.Error(), reason)
}

func TestExecuteTimeout(t *testing.T) {
	runner := &fakeRunner{hang: true}
	h := newHarness(t, runner, Config{
		Workers:     1,
		KillGrace:   10 * time.Millisecond,
		TaskTimeout: 50 * time.Millisecond,
	})

	taskID := h.enqueueUpdate(t, "http://nexus/releases/jurws-1.80.0.jar")
	got := h.waitForStatus(t, taskID, models.StatusFailed)
	assert.Equal(t, "timed out", got.Error)
}

func TestAnsibleRunnerArgs(t *testing.T) {
	r := NewAnsibleRunner("")
	assert.Equal(t, "ansible-playbook", r.Command)

	args := r.Args(CommandSpec{
		Playbook: "/etc/ansible/update-app.yml",
		Limit:    "srv-a",
		ExtraVars: map[string]string{
			"distr_url": "http://nexus/app-1.0.0.jar",
			"app_name":  "app_1",
		},
	})
	assert.Equal(t, []string{
		"/etc/ansible/update-app.yml",
		"-l", "srv-a",
		"-e", "app_name=app_1",
		"-e", "distr_url=http://nexus/app-1.0.0.jar",
	}, args)
}
