package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetops/appcontrol/internal/common/logger"
	"github.com/fleetops/appcontrol/internal/fleet/store"
	"github.com/fleetops/appcontrol/internal/task/models"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)
	return log
}

func newTestQueue(t *testing.T, opts Options) (*Queue, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	return New(st, newTestLogger(t), opts), st
}

func makeTask(id string, serverID int64, createdAt time.Time) *models.Task {
	t := &models.Task{
		ID:         id,
		TaskType:   models.TaskUpdate,
		ServerID:   serverID,
		InstanceID: 1,
		CreatedAt:  createdAt,
	}
	_ = t.SetParams(&models.UpdateParams{
		AppIDs:       []int64{1},
		DistrURL:     "http://nexus/app-1.0.0.jar",
		Mode:         models.ModeImmediate,
		PlaybookPath: "/update.yml",
	})
	return t
}

func TestEnqueueDequeueFIFO(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	base := time.Now().UTC()
	ids, err := q.Enqueue(ctx, []*models.Task{
		makeTask("task-1", 1, base),
		makeTask("task-2", 1, base.Add(time.Millisecond)),
		makeTask("task-3", 1, base.Add(2*time.Millisecond)),
	})
	require.NoError(t, err)
	require.Equal(t, []string{"task-1", "task-2", "task-3"}, ids)

	for _, want := range []string{"task-1", "task-2", "task-3"} {
		got, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got.ID)
		assert.Equal(t, models.StatusProcessing, got.Status)
		require.NotNil(t, got.StartedAt)
	}
}

func TestDequeueBlocksUntilEnqueue(t *testing.T) {
	q, _ := newTestQueue(t, Options{PollInterval: time.Hour})
	ctx := context.Background()

	done := make(chan *models.Task, 1)
	go func() {
		got, err := q.Dequeue(ctx)
		if err == nil {
			done <- got
		}
	}()

	select {
	case <-done:
		t.Fatal("dequeue returned before any task was enqueued")
	case <-time.After(50 * time.Millisecond):
	}

	_, err := q.Enqueue(ctx, []*models.Task{makeTask("task-1", 1, time.Now().UTC())})
	require.NoError(t, err)

	select {
	case got := <-done:
		assert.Equal(t, "task-1", got.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("dequeue was not woken by enqueue")
	}
}

func TestDequeueContextCancel(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(ctx)
		errCh <- err
	}()

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("dequeue did not observe cancellation")
	}
}

func TestCancelPending(t *testing.T) {
	q, st := newTestQueue(t, Options{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, []*models.Task{makeTask("task-1", 1, time.Now().UTC())})
	require.NoError(t, err)

	ok, reason := q.CancelPending(ctx, "task-1")
	require.True(t, ok, "reason: %s", reason)

	got, err := st.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.True(t, got.Cancelled)
	assert.Equal(t, CancelledByUser, got.Error)
	assert.Empty(t, got.Result)
	assert.Nil(t, got.StartedAt)
	require.NotNil(t, got.CompletedAt)
}

func TestCancelPendingDiagnostics(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	ok, reason := q.CancelPending(ctx, "missing")
	assert.False(t, ok)
	assert.Equal(t, "task not found", reason)

	_, err := q.Enqueue(ctx, []*models.Task{makeTask("task-1", 1, time.Now().UTC())})
	require.NoError(t, err)

	ok, _ = q.CancelPending(ctx, "task-1")
	require.True(t, ok)

	// Double cancel is a no-op with a diagnostic.
	ok, reason = q.CancelPending(ctx, "task-1")
	assert.False(t, ok)
	assert.Equal(t, "task already cancelled", reason)
}

func TestCancelPendingProcessingTask(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, []*models.Task{makeTask("task-1", 1, time.Now().UTC())})
	require.NoError(t, err)
	_, err = q.Dequeue(ctx)
	require.NoError(t, err)

	ok, reason := q.CancelPending(ctx, "task-1")
	assert.False(t, ok)
	assert.Contains(t, reason, "processing")
}

func TestFinish(t *testing.T) {
	q, st := newTestQueue(t, Options{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, []*models.Task{makeTask("task-1", 1, time.Now().UTC())})
	require.NoError(t, err)
	claimed, err := q.Dequeue(ctx)
	require.NoError(t, err)

	err = q.Finish(ctx, claimed, Outcome{
		Status: models.StatusCompleted,
		Result: "PLAY RECAP ...",
	})
	require.NoError(t, err)

	got, err := st.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, "PLAY RECAP ...", got.Result)
	require.NotNil(t, got.CompletedAt)
	require.NotNil(t, got.StartedAt)
	assert.False(t, got.StartedAt.After(*got.CompletedAt), "started_at must not exceed completed_at")
	assert.Zero(t, got.PID)
}

func TestRecoverFailsLoudly(t *testing.T) {
	q, st := newTestQueue(t, Options{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, []*models.Task{
		makeTask("stuck-1", 1, time.Now().UTC()),
		makeTask("fresh-1", 1, time.Now().UTC().Add(time.Millisecond)),
	})
	require.NoError(t, err)

	// Simulate a crash mid-execution.
	_, err = q.Dequeue(ctx)
	require.NoError(t, err)

	failed, requeued, err := q.Recover(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, failed)
	assert.Zero(t, requeued)

	got, err := st.GetTask(ctx, "stuck-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, InterruptedByRestart, got.Error)

	// The untouched pending task survives recovery.
	fresh, err := st.GetTask(ctx, "fresh-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, fresh.Status)
}

func TestRecoverRequeuesOptIn(t *testing.T) {
	q, st := newTestQueue(t, Options{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, []*models.Task{makeTask("stuck-1", 1, time.Now().UTC())})
	require.NoError(t, err)
	_, err = q.Dequeue(ctx)
	require.NoError(t, err)

	failed, requeued, err := q.Recover(ctx, func(*models.Task) bool { return true })
	require.NoError(t, err)
	assert.Zero(t, failed)
	assert.Equal(t, 1, requeued)

	got, err := st.GetTask(ctx, "stuck-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Nil(t, got.StartedAt)
}

func TestPerServerSerialization(t *testing.T) {
	q, _ := newTestQueue(t, Options{PerServerSerial: true, PollInterval: 20 * time.Millisecond})
	ctx := context.Background()

	base := time.Now().UTC()
	_, err := q.Enqueue(ctx, []*models.Task{
		makeTask("srv1-a", 1, base),
		makeTask("srv1-b", 1, base.Add(time.Millisecond)),
		makeTask("srv2-a", 2, base.Add(2*time.Millisecond)),
	})
	require.NoError(t, err)

	first, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "srv1-a", first.ID)

	// Server 1 is held, so the next claim skips to server 2.
	second, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "srv2-a", second.ID)

	// Finishing the first task releases server 1.
	require.NoError(t, q.Finish(ctx, first, Outcome{Status: models.StatusCompleted}))
	third, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "srv1-b", third.ID)
}
