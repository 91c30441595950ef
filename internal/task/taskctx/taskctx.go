// Package taskctx loads the read-only, validated bundle a worker needs to
// execute a task: the task row, the instance batch, the anchor server and
// the derived naming fields. The bundle is never mutated after Load.
package taskctx

import (
	"context"
	"strings"

	"github.com/fleetops/appcontrol/internal/common/apperr"
	fleet "github.com/fleetops/appcontrol/internal/fleet/models"
	"github.com/fleetops/appcontrol/internal/fleet/store"
	"github.com/fleetops/appcontrol/internal/task/models"
)

// Context is the execution bundle for one task.
type Context struct {
	Task      *models.Task
	Instances []*fleet.Instance
	Server    *fleet.Server

	// Derived fields
	AppName    string // comma-joined instance names
	AppType    fleet.AppType
	ServerName string
	IsBatch    bool

	// Update fields (task_type=update)
	DistrURL      string
	Mode          string
	PlaybookPath  string
	Orchestrator  string // empty when not orchestrated
	DrainWaitTime float64

	// Action field (start/stop/restart)
	Action string
}

// Load builds the execution context for the task from the store.
func Load(ctx context.Context, st store.Store, taskID string) (*Context, error) {
	t, err := st.GetTask(ctx, taskID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindNotFound, err, "task "+taskID)
	}

	if t.TaskType == models.TaskUpdate {
		return loadUpdate(ctx, st, t)
	}
	return loadAction(ctx, st, t)
}

func loadUpdate(ctx context.Context, st store.Store, t *models.Task) (*Context, error) {
	params, err := t.UpdateParams()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, err, "invalid task params")
	}
	if params.DistrURL == "" {
		return nil, apperr.Validation("task %s has no distr_url", t.ID)
	}
	if params.PlaybookPath == "" {
		return nil, apperr.Validation("task %s has no playbook_path", t.ID)
	}

	appIDs := params.AppIDs
	if len(appIDs) == 0 && t.InstanceID != 0 {
		appIDs = []int64{t.InstanceID}
	}
	if len(appIDs) == 0 {
		return nil, apperr.Validation("task %s references no instances", t.ID)
	}

	instances, err := loadBatch(ctx, st, appIDs)
	if err != nil {
		return nil, err
	}

	server, err := st.GetServer(ctx, instances[0].ServerID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindNotFound, err, "server for instance "+instances[0].InstanceName)
	}

	orchestrator := params.OrchestratorPlaybook
	if orchestrator == "none" {
		orchestrator = ""
	}

	return &Context{
		Task:          t,
		Instances:     instances,
		Server:        server,
		AppName:       joinNames(instances),
		AppType:       instances[0].AppType,
		ServerName:    server.Name,
		IsBatch:       len(instances) > 1,
		DistrURL:      params.DistrURL,
		Mode:          params.Mode,
		PlaybookPath:  params.PlaybookPath,
		Orchestrator:  orchestrator,
		DrainWaitTime: params.DrainWaitTime,
	}, nil
}

func loadAction(ctx context.Context, st store.Store, t *models.Task) (*Context, error) {
	params, err := t.ActionParams()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, err, "invalid task params")
	}
	if t.InstanceID == 0 {
		return nil, apperr.Validation("task %s references no instance", t.ID)
	}

	inst, err := st.GetInstance(ctx, t.InstanceID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindNotFound, err, "instance for task "+t.ID)
	}
	server, err := st.GetServer(ctx, inst.ServerID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindNotFound, err, "server for instance "+inst.InstanceName)
	}

	action := params.Action
	if action == "" {
		action = string(t.TaskType)
	}
	if params.PlaybookPath == "" {
		return nil, apperr.Validation("task %s has no playbook_path", t.ID)
	}

	return &Context{
		Task:         t,
		Instances:    []*fleet.Instance{inst},
		Server:       server,
		AppName:      inst.InstanceName,
		AppType:      inst.AppType,
		ServerName:   server.Name,
		PlaybookPath: params.PlaybookPath,
		Action:       action,
	}, nil
}

// loadBatch fetches the batch instances preserving the app_ids order; the
// first instance anchors the batch.
func loadBatch(ctx context.Context, st store.Store, appIDs []int64) ([]*fleet.Instance, error) {
	fetched, err := st.ListInstances(ctx, store.InstanceFilter{IDs: appIDs})
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]*fleet.Instance, len(fetched))
	for _, inst := range fetched {
		byID[inst.ID] = inst
	}

	// Instances deleted between submission and dispatch are skipped; the
	// run proceeds with the remainder.
	instances := make([]*fleet.Instance, 0, len(appIDs))
	for _, id := range appIDs {
		if inst, ok := byID[id]; ok {
			instances = append(instances, inst)
		}
	}
	if len(instances) == 0 {
		return nil, apperr.NotFound("instances %v not found", appIDs)
	}
	return instances, nil
}

func joinNames(instances []*fleet.Instance) string {
	names := make([]string, 0, len(instances))
	for _, inst := range instances {
		names = append(names, inst.InstanceName)
	}
	return strings.Join(names, ",")
}
