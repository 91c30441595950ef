// Package events provides event types for the appcontrol event system.
package events

// Event types for tasks
const (
	TaskCreated   = "task.created"
	TaskStarted   = "task.started"
	TaskCompleted = "task.completed"
	TaskFailed    = "task.failed"
	TaskCancelled = "task.cancelled"
)

// Event types for instances
const (
	VersionChanged = "version.changed"
)

// TaskWildcardSubject subscribes to all task lifecycle events.
const TaskWildcardSubject = "task.*"
