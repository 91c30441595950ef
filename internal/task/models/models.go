// Package models defines the durable task record and its parameter bags.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// TaskType is the kind of work a task performs.
type TaskType string

const (
	TaskUpdate  TaskType = "update"
	TaskStart   TaskType = "start"
	TaskStop    TaskType = "stop"
	TaskRestart TaskType = "restart"
)

// Valid reports whether t is a known task type.
func (t TaskType) Valid() bool {
	switch t {
	case TaskUpdate, TaskStart, TaskStop, TaskRestart:
		return true
	}
	return false
}

// IsAction reports whether t is a start/stop/restart action.
func (t TaskType) IsAction() bool {
	return t == TaskStart || t == TaskStop || t == TaskRestart
}

// TaskStatus is the task state machine position. Statuses advance
// monotonically: pending -> processing -> completed | failed.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusProcessing TaskStatus = "processing"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
)

// Terminal reports whether the status is final.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Update modes.
const (
	ModeImmediate    = "immediate"
	ModeDeliver      = "deliver"
	ModeNightRestart = "night-restart"
)

// UpdateParams is the parameter bag for task_type=update.
type UpdateParams struct {
	AppIDs               []int64 `json:"app_ids"`
	DistrURL             string  `json:"distr_url"`
	Mode                 string  `json:"mode"`
	PlaybookPath         string  `json:"playbook_path"`
	OrchestratorPlaybook string  `json:"orchestrator_playbook,omitempty"`
	DrainWaitTime        float64 `json:"drain_wait_time,omitempty"` // minutes
}

// Orchestrated reports whether an orchestrator playbook drives this update.
func (p *UpdateParams) Orchestrated() bool {
	return p.OrchestratorPlaybook != "" && p.OrchestratorPlaybook != "none"
}

// ActionParams is the parameter bag for start/stop/restart tasks.
type ActionParams struct {
	Action       string `json:"action"`
	AppName      string `json:"app_name"`
	ServerName   string `json:"server_name"`
	PlaybookPath string `json:"playbook_path,omitempty"`
}

// Task is the durable unit of work: one invocation of a playbook against
// one or more instances.
type Task struct {
	ID       string     `json:"id"`
	TaskType TaskType   `json:"task_type"`
	Status   TaskStatus `json:"status"`

	// Params is the JSON-encoded parameter bag; decode with UpdateParams
	// or ActionParams depending on TaskType.
	Params json.RawMessage `json:"params"`

	ServerID   int64 `json:"server_id,omitempty"`
	InstanceID int64 `json:"instance_id,omitempty"` // anchor: first instance of the batch

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Result string `json:"result,omitempty"` // captured playbook output (stdout and stderr)
	Error  string `json:"error,omitempty"`

	Progress  string `json:"progress,omitempty"`
	PID       int    `json:"pid,omitempty"` // populated only while processing
	Cancelled bool   `json:"cancelled"`
}

// UpdateParams decodes the parameter bag of an update task.
func (t *Task) UpdateParams() (*UpdateParams, error) {
	if t.TaskType != TaskUpdate {
		return nil, fmt.Errorf("task %s is %s, not update", t.ID, t.TaskType)
	}
	var p UpdateParams
	if err := json.Unmarshal(t.Params, &p); err != nil {
		return nil, fmt.Errorf("failed to decode update params for task %s: %w", t.ID, err)
	}
	return &p, nil
}

// ActionParams decodes the parameter bag of a start/stop/restart task.
func (t *Task) ActionParams() (*ActionParams, error) {
	if !t.TaskType.IsAction() {
		return nil, fmt.Errorf("task %s is %s, not an action", t.ID, t.TaskType)
	}
	var p ActionParams
	if err := json.Unmarshal(t.Params, &p); err != nil {
		return nil, fmt.Errorf("failed to decode action params for task %s: %w", t.ID, err)
	}
	return &p, nil
}

// SetParams encodes a parameter bag onto the task.
func (t *Task) SetParams(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode task params: %w", err)
	}
	t.Params = data
	return nil
}

// CanCancel reports whether the task is in a cancelable state: pending, or
// processing with a live subprocess, and not already cancelled.
func (t *Task) CanCancel() bool {
	if t.Cancelled {
		return false
	}
	if t.Status == StatusPending {
		return true
	}
	return t.Status == StatusProcessing && t.PID != 0
}
