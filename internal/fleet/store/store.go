// Package store provides typed persistence for the fleet inventory and the
// durable task queue. The Store interface is backed by a SQL implementation
// (sqlite by default, postgres via config) and an in-memory implementation
// used by tests.
package store

import (
	"context"
	"errors"
	"time"

	fleet "github.com/fleetops/appcontrol/internal/fleet/models"
	task "github.com/fleetops/appcontrol/internal/task/models"
)

// Common errors
var (
	ErrNotFound = errors.New("not found")
)

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	Status     task.TaskStatus
	InstanceID int64
	ServerID   int64
}

// InstanceFilter narrows ListInstances. Soft-deleted instances are always
// excluded.
type InstanceFilter struct {
	IDs      []int64
	ServerID int64
	GroupID  int64
	Status   fleet.InstanceStatus
}

// TaskOutcome carries the final state written by FinishTask.
type TaskOutcome struct {
	Status      task.TaskStatus // completed or failed
	Result      string
	Error       string
	CompletedAt time.Time
}

// Store is the persistence boundary for the task pipeline.
type Store interface {
	// Tasks
	CreateTask(ctx context.Context, t *task.Task) error
	GetTask(ctx context.Context, id string) (*task.Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]*task.Task, error)

	// ClaimNextPendingTask atomically transitions the oldest pending task
	// (FIFO by created_at, ties broken by id) to processing, stamping
	// started_at. Tasks anchored on a server in excludeServers are skipped.
	// Returns nil when no claimable task exists.
	ClaimNextPendingTask(ctx context.Context, excludeServers []int64) (*task.Task, error)

	// CancelPendingTask marks a pending, not-yet-cancelled task as
	// cancelled and failed in one conditional write. Returns false when the
	// task was not in a cancelable pending state.
	CancelPendingTask(ctx context.Context, id string, errMsg string) (bool, error)

	// MarkTaskCancelRequested sets cancelled=true without touching status.
	// Used for in-flight cancellation; the worker's Finish write completes
	// the transition.
	MarkTaskCancelRequested(ctx context.Context, id string) error

	// SetTaskPID records the subprocess pid while the task is processing.
	SetTaskPID(ctx context.Context, id string, pid int) error

	// FinishTask persists the terminal state and clears the pid.
	FinishTask(ctx context.Context, id string, outcome TaskOutcome) error

	// RequeueTask returns a processing task to pending, clearing
	// started_at and pid. Used by the opt-in idempotent recovery policy.
	RequeueTask(ctx context.Context, id string) error

	// Servers
	CreateServer(ctx context.Context, s *fleet.Server) error
	GetServer(ctx context.Context, id int64) (*fleet.Server, error)
	ListServers(ctx context.Context) ([]*fleet.Server, error)

	// Catalog
	CreateCatalogEntry(ctx context.Context, c *fleet.CatalogEntry) error
	GetCatalogEntry(ctx context.Context, id int64) (*fleet.CatalogEntry, error)
	ListCatalogEntries(ctx context.Context) ([]*fleet.CatalogEntry, error)

	// Groups
	CreateGroup(ctx context.Context, g *fleet.Group) error
	GetGroup(ctx context.Context, id int64) (*fleet.Group, error)
	ListGroups(ctx context.Context) ([]*fleet.Group, error)

	// Instances
	CreateInstance(ctx context.Context, i *fleet.Instance) error
	GetInstance(ctx context.Context, id int64) (*fleet.Instance, error)
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*fleet.Instance, error)

	// UpdateInstanceVersion updates the observed version fields after a
	// successful update task.
	UpdateInstanceVersion(ctx context.Context, id int64, version, image, tag string) error

	// Version history
	AppendVersionHistory(ctx context.Context, h *fleet.VersionHistory) error
	ListVersionHistory(ctx context.Context, instanceID int64) ([]*fleet.VersionHistory, error)
	ListVersionHistoryByTask(ctx context.Context, taskID string) ([]*fleet.VersionHistory, error)

	Close() error
}
