package coordinator

import (
	"context"
	"strings"

	"github.com/fleetops/appcontrol/internal/common/apperr"
	fleet "github.com/fleetops/appcontrol/internal/fleet/models"
	"github.com/fleetops/appcontrol/internal/fleet/store"
	"github.com/fleetops/appcontrol/internal/task/models"
	"github.com/fleetops/appcontrol/internal/task/recap"
)

// TaskView decorates a task with display names and live progress for the
// list endpoints.
type TaskView struct {
	*models.Task
	ApplicationName      string `json:"application_name,omitempty"`
	ServerName           string `json:"server_name,omitempty"`
	OrchestratorPlaybook string `json:"orchestrator_playbook,omitempty"`
	CurrentTask          string `json:"current_task,omitempty"`
	CanCancel            bool   `json:"can_cancel"`
}

// PlaybookParams echoes the launch parameters of action tasks.
type PlaybookParams struct {
	Server  string `json:"server,omitempty"`
	AppName string `json:"app_name,omitempty"`
	Action  string `json:"action,omitempty"`
}

// TaskDetail is the full read view of one task, including the parsed
// output summaries.
type TaskDetail struct {
	TaskView
	AnsibleSummary   []recap.HostSummary    `json:"ansible_summary"`
	DisplaySummaries []recap.DisplaySummary `json:"display_summaries"`
	PlaybookParams   *PlaybookParams        `json:"playbook_params,omitempty"`
}

// TaskFilter narrows ListTasks.
type TaskFilter = store.TaskFilter

// ListTasks returns decorated tasks, newest first.
func (c *Coordinator) ListTasks(ctx context.Context, filter TaskFilter) ([]*TaskView, error) {
	tasks, err := c.store.ListTasks(ctx, filter)
	if err != nil {
		return nil, err
	}

	views := make([]*TaskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, c.taskView(ctx, t))
	}
	return views, nil
}

// GetTask returns the full task detail: the decorated task plus, while
// processing, the live current step, and once a result is captured, the
// parsed PLAY RECAP and display summaries.
func (c *Coordinator) GetTask(ctx context.Context, id string) (*TaskDetail, error) {
	t, err := c.store.GetTask(ctx, id)
	if err != nil {
		return nil, apperr.NotFound("task %s not found", id)
	}

	detail := &TaskDetail{
		TaskView:         *c.taskView(ctx, t),
		AnsibleSummary:   []recap.HostSummary{},
		DisplaySummaries: []recap.DisplaySummary{},
	}
	if t.Result != "" {
		detail.AnsibleSummary = orEmptyHosts(recap.ParsePlayRecap(t.Result))
		detail.DisplaySummaries = orEmptySummaries(recap.ParseDisplaySummaries(t.Result))
	}
	if t.TaskType.IsAction() {
		detail.PlaybookParams = &PlaybookParams{
			Server:  detail.ServerName,
			AppName: detail.ApplicationName,
			Action:  string(t.TaskType),
		}
	}
	return detail, nil
}

func orEmptyHosts(s []recap.HostSummary) []recap.HostSummary {
	if s == nil {
		return []recap.HostSummary{}
	}
	return s
}

func orEmptySummaries(s []recap.DisplaySummary) []recap.DisplaySummary {
	if s == nil {
		return []recap.DisplaySummary{}
	}
	return s
}

func (c *Coordinator) taskView(ctx context.Context, t *models.Task) *TaskView {
	view := &TaskView{Task: t, CanCancel: t.CanCancel()}

	view.ApplicationName = c.applicationName(ctx, t)
	if t.ServerID != 0 {
		if server, err := c.store.GetServer(ctx, t.ServerID); err == nil {
			view.ServerName = server.Name
		}
	}
	if t.TaskType == models.TaskUpdate {
		if params, err := t.UpdateParams(); err == nil && params.Orchestrated() {
			view.OrchestratorPlaybook = params.OrchestratorPlaybook
		}
	}
	if t.Status == models.StatusProcessing {
		if snap := c.progress.Snapshot(t.ID); snap != nil {
			view.CurrentTask = snap.CurrentTask
		}
	}
	return view
}

// applicationName renders the comma-joined instance names of the batch, or
// the anchor instance name for single tasks.
func (c *Coordinator) applicationName(ctx context.Context, t *models.Task) string {
	if t.TaskType == models.TaskUpdate {
		if params, err := t.UpdateParams(); err == nil && len(params.AppIDs) > 1 {
			instances, err := c.store.ListInstances(ctx, store.InstanceFilter{IDs: params.AppIDs})
			if err == nil && len(instances) > 0 {
				names := make([]string, 0, len(instances))
				for _, inst := range instances {
					names = append(names, inst.InstanceName)
				}
				return strings.Join(names, ",")
			}
		}
	}
	if t.InstanceID != 0 {
		if inst, err := c.store.GetInstance(ctx, t.InstanceID); err == nil {
			return inst.InstanceName
		}
	}
	return ""
}

// Progress returns the live progress snapshot for a task, if any.
func (c *Coordinator) Progress(taskID string) *TaskProgress {
	snap := c.progress.Snapshot(taskID)
	if snap == nil {
		return nil
	}
	return &TaskProgress{
		CurrentTask: snap.CurrentTask,
		Lines:       snap.Lines,
		Finished:    snap.Finished,
	}
}

// TaskProgress is the live progress view for clients.
type TaskProgress struct {
	CurrentTask string   `json:"current_task"`
	Lines       []string `json:"lines"`
	Finished    bool     `json:"finished"`
}

// --- Fleet read pass-throughs for the HTTP layer ---

// ListInstances returns non-deleted instances matching the filter.
func (c *Coordinator) ListInstances(ctx context.Context, filter store.InstanceFilter) ([]*fleet.Instance, error) {
	return c.store.ListInstances(ctx, filter)
}

// GetInstance returns one instance.
func (c *Coordinator) GetInstance(ctx context.Context, id int64) (*fleet.Instance, error) {
	inst, err := c.store.GetInstance(ctx, id)
	if err != nil {
		return nil, apperr.NotFound("instance %d not found", id)
	}
	return inst, nil
}

// ListServers returns all servers.
func (c *Coordinator) ListServers(ctx context.Context) ([]*fleet.Server, error) {
	return c.store.ListServers(ctx)
}

// ListVersionHistory returns an instance's version history, newest first.
func (c *Coordinator) ListVersionHistory(ctx context.Context, instanceID int64) ([]*fleet.VersionHistory, error) {
	if _, err := c.store.GetInstance(ctx, instanceID); err != nil {
		return nil, apperr.NotFound("instance %d not found", instanceID)
	}
	return c.store.ListVersionHistory(ctx, instanceID)
}
