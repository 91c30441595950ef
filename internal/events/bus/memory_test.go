package bus

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetops/appcontrol/internal/common/logger"
)

func newTestBus(t *testing.T) *MemoryEventBus {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)
	return NewMemoryEventBus(log)
}

func TestPublishSubscribe(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	var mu sync.Mutex
	var got []*Event
	_, err := b.Subscribe("task.completed", func(ctx context.Context, e *Event) error {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	event := NewEvent("task.completed", "test", map[string]interface{}{"task_id": "t1"})
	require.NoError(t, b.Publish(context.Background(), "task.completed", event))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "t1", got[0].Data["task_id"])
	assert.NotEmpty(t, got[0].ID)
	assert.False(t, got[0].Timestamp.IsZero())
}

func TestWildcardSubscription(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	var mu sync.Mutex
	var types []string
	_, err := b.Subscribe("task.*", func(ctx context.Context, e *Event) error {
		mu.Lock()
		types = append(types, e.Type)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	for _, subject := range []string{"task.created", "task.failed", "version.changed"} {
		require.NoError(t, b.Publish(context.Background(), subject, NewEvent(subject, "test", nil)))
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"task.created", "task.failed"}, types,
		"task.* must not match version.changed")
}

func TestUnsubscribe(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	count := 0
	sub, err := b.Subscribe("task.created", func(ctx context.Context, e *Event) error {
		count++
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "task.created", NewEvent("task.created", "test", nil)))
	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())
	require.NoError(t, b.Publish(context.Background(), "task.created", NewEvent("task.created", "test", nil)))

	assert.Equal(t, 1, count)
}

func TestClosedBusRejectsPublish(t *testing.T) {
	b := newTestBus(t)
	b.Close()
	assert.False(t, b.IsConnected())

	err := b.Publish(context.Background(), "task.created", NewEvent("task.created", "test", nil))
	assert.Error(t, err)
}
