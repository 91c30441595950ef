package coordinator

import (
	"context"

	"go.uber.org/zap"

	"github.com/fleetops/appcontrol/internal/common/apperr"
	"github.com/fleetops/appcontrol/internal/common/tracing"
	"github.com/fleetops/appcontrol/internal/events"
	fleet "github.com/fleetops/appcontrol/internal/fleet/models"
	"github.com/fleetops/appcontrol/internal/fleet/store"
	"github.com/fleetops/appcontrol/internal/task/models"
	"github.com/fleetops/appcontrol/internal/task/planner"
)

// UpdateRequest is a single-instance update submission.
type UpdateRequest struct {
	DistrURL     string `json:"distr_url"`
	ImageName    string `json:"image_name"` // docker alias for distr_url
	Mode         string `json:"mode"`
	PlaybookPath string `json:"playbook_path"`
	RestartMode  string `json:"restart_mode"` // legacy alias for mode
}

// BatchUpdateRequest is a multi-instance update submission.
type BatchUpdateRequest struct {
	AppIDs               []int64 `json:"app_ids"`
	DistrURL             string  `json:"distr_url"`
	Mode                 string  `json:"mode"`
	OrchestratorPlaybook string  `json:"orchestrator_playbook"`
	DrainWaitTime        float64 `json:"drain_wait_time"`
}

// BatchUpdateResult reports the planned tasks.
type BatchUpdateResult struct {
	TaskIDs     []string `json:"task_ids"`
	GroupsCount int      `json:"groups_count"`
}

// BulkActionResult is the per-instance outcome of a bulk action.
type BulkActionResult struct {
	AppID   int64  `json:"app_id"`
	AppName string `json:"app_name,omitempty"`
	Success bool   `json:"success"`
	Message string `json:"message"`
	TaskID  string `json:"task_id,omitempty"`
}

func (c *Coordinator) checkAccepting() error {
	if !c.accepting.Load() {
		return apperr.Conflict("coordinator is shutting down")
	}
	return nil
}

func (c *Coordinator) plannerDefaults() planner.Defaults {
	return planner.Defaults{
		UpdatePlaybook:       c.cfg.DefaultUpdatePlaybook,
		DockerUpdatePlaybook: c.cfg.DockerUpdatePlaybook,
		NightRestartPlaybook: c.cfg.NightRestartPlaybook,
	}
}

// SubmitUpdate creates one update task for a single instance.
func (c *Coordinator) SubmitUpdate(ctx context.Context, instanceID int64, req UpdateRequest) (string, error) {
	if err := c.checkAccepting(); err != nil {
		return "", err
	}
	ctx, span := tracing.Tracer("coordinator").Start(ctx, "submit.update")
	defer span.End()

	inst, err := c.store.GetInstance(ctx, instanceID)
	if err != nil {
		return "", apperr.NotFound("instance %d not found", instanceID)
	}

	mode := req.Mode
	if mode == "" {
		mode = req.RestartMode
	}
	if mode == "" {
		mode = models.ModeImmediate
	}

	if mode == models.ModeNightRestart && inst.AppType == fleet.AppTypeDocker {
		return "", apperr.Validation("night-restart mode is not supported for docker instances")
	}

	distrURL := req.DistrURL
	if inst.AppType == fleet.AppTypeDocker {
		if req.ImageName != "" {
			distrURL = req.ImageName
		}
		if distrURL == "" {
			return "", apperr.Validation("image_name is required for docker instances")
		}
	} else if distrURL == "" {
		return "", apperr.Validation("distr_url is required")
	}

	playbook := req.PlaybookPath
	if playbook == "" {
		playbook, err = c.resolvePlaybook(ctx, inst, mode)
		if err != nil {
			return "", err
		}
	}

	t := &models.Task{
		TaskType:   models.TaskUpdate,
		ServerID:   inst.ServerID,
		InstanceID: inst.ID,
	}
	if err := t.SetParams(&models.UpdateParams{
		AppIDs:       []int64{inst.ID},
		DistrURL:     distrURL,
		Mode:         mode,
		PlaybookPath: playbook,
	}); err != nil {
		return "", err
	}

	if _, err := c.queue.Enqueue(ctx, []*models.Task{t}); err != nil {
		return "", err
	}
	c.publishTaskEvent(ctx, events.TaskCreated, t)

	c.logger.Info("update submitted",
		zap.String("task_id", t.ID),
		zap.String("instance", inst.InstanceName),
		zap.String("mode", mode),
		zap.String("distr_url", distrURL))
	return t.ID, nil
}

func (c *Coordinator) resolvePlaybook(ctx context.Context, inst *fleet.Instance, mode string) (string, error) {
	if mode == models.ModeNightRestart {
		return c.cfg.NightRestartPlaybook, nil
	}

	var group *fleet.Group
	if inst.GroupID != 0 {
		group, _ = c.store.GetGroup(ctx, inst.GroupID)
	}
	var catalog *fleet.CatalogEntry
	if inst.CatalogID != 0 {
		catalog, _ = c.store.GetCatalogEntry(ctx, inst.CatalogID)
	}

	playbook := planner.ResolvePlaybookPath(inst, group, catalog, c.plannerDefaults())
	if playbook == "" {
		return "", apperr.Validation("no update playbook configured for instance %s", inst.InstanceName)
	}
	return playbook, nil
}

// SubmitBatchUpdate plans the batch per group strategy and enqueues one
// task per plan.
func (c *Coordinator) SubmitBatchUpdate(ctx context.Context, req BatchUpdateRequest) (*BatchUpdateResult, error) {
	if err := c.checkAccepting(); err != nil {
		return nil, err
	}
	ctx, span := tracing.Tracer("coordinator").Start(ctx, "submit.batch_update")
	defer span.End()

	if len(req.AppIDs) == 0 {
		return nil, apperr.Validation("no instances to update")
	}
	if req.DistrURL == "" {
		return nil, apperr.Validation("distr_url is required")
	}
	if req.OrchestratorPlaybook != "" && req.OrchestratorPlaybook != "none" {
		if err := c.orch.Validate(req.OrchestratorPlaybook); err != nil {
			return nil, apperr.Wrap(apperr.KindValidation, err, "invalid orchestrator")
		}
	}

	mode := req.Mode
	if mode == "" {
		mode = models.ModeImmediate
	}

	instances, err := c.loadInstancesOrdered(ctx, req.AppIDs)
	if err != nil {
		return nil, err
	}

	groups, catalogs, err := c.loadGroupsAndCatalogs(ctx)
	if err != nil {
		return nil, err
	}

	plans, err := planner.PlanBatch(instances, groups, catalogs, c.plannerDefaults(), planner.Request{
		DistrURL:             req.DistrURL,
		Mode:                 mode,
		OrchestratorPlaybook: req.OrchestratorPlaybook,
		DrainWaitTime:        req.DrainWaitTime,
	})
	if err != nil {
		return nil, err
	}

	tasks := make([]*models.Task, 0, len(plans))
	for _, plan := range plans {
		t := &models.Task{
			TaskType:   models.TaskUpdate,
			ServerID:   plan.ServerID,
			InstanceID: plan.InstanceIDs[0],
		}
		if err := t.SetParams(&models.UpdateParams{
			AppIDs:               plan.InstanceIDs,
			DistrURL:             req.DistrURL,
			Mode:                 mode,
			PlaybookPath:         plan.PlaybookPath,
			OrchestratorPlaybook: req.OrchestratorPlaybook,
			DrainWaitTime:        req.DrainWaitTime,
		}); err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}

	ids, err := c.queue.Enqueue(ctx, tasks)
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		c.publishTaskEvent(ctx, events.TaskCreated, t)
	}

	c.logger.Info("batch update submitted",
		zap.Int("instances", len(instances)),
		zap.Int("groups", len(plans)),
		zap.String("mode", mode))
	return &BatchUpdateResult{TaskIDs: ids, GroupsCount: len(plans)}, nil
}

// loadInstancesOrdered loads the requested instances preserving request
// order, failing NotFound when any ID is missing.
func (c *Coordinator) loadInstancesOrdered(ctx context.Context, appIDs []int64) ([]*fleet.Instance, error) {
	fetched, err := c.store.ListInstances(ctx, store.InstanceFilter{IDs: appIDs})
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]*fleet.Instance, len(fetched))
	for _, inst := range fetched {
		byID[inst.ID] = inst
	}

	instances := make([]*fleet.Instance, 0, len(appIDs))
	for _, id := range appIDs {
		inst, ok := byID[id]
		if !ok {
			return nil, apperr.NotFound("instance %d not found", id)
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

func (c *Coordinator) loadGroupsAndCatalogs(ctx context.Context) (map[int64]*fleet.Group, map[int64]*fleet.CatalogEntry, error) {
	groupList, err := c.store.ListGroups(ctx)
	if err != nil {
		return nil, nil, err
	}
	groups := make(map[int64]*fleet.Group, len(groupList))
	for _, g := range groupList {
		groups[g.ID] = g
	}

	catalogList, err := c.store.ListCatalogEntries(ctx)
	if err != nil {
		return nil, nil, err
	}
	catalogs := make(map[int64]*fleet.CatalogEntry, len(catalogList))
	for _, entry := range catalogList {
		catalogs[entry.ID] = entry
	}
	return groups, catalogs, nil
}

// SubmitAction creates one start/stop/restart task for an instance.
func (c *Coordinator) SubmitAction(ctx context.Context, instanceID int64, action string) (string, error) {
	if err := c.checkAccepting(); err != nil {
		return "", err
	}

	taskType := models.TaskType(action)
	if !taskType.IsAction() {
		return "", apperr.Validation("invalid action %q, allowed: start, stop, restart", action)
	}

	inst, err := c.store.GetInstance(ctx, instanceID)
	if err != nil {
		return "", apperr.NotFound("instance %d not found", instanceID)
	}
	server, err := c.store.GetServer(ctx, inst.ServerID)
	if err != nil {
		return "", apperr.NotFound("server for instance %s not found", inst.InstanceName)
	}

	t := &models.Task{
		TaskType:   taskType,
		ServerID:   server.ID,
		InstanceID: inst.ID,
	}
	if err := t.SetParams(&models.ActionParams{
		Action:       action,
		AppName:      inst.InstanceName,
		ServerName:   server.Name,
		PlaybookPath: c.cfg.ActionPlaybook,
	}); err != nil {
		return "", err
	}

	if _, err := c.queue.Enqueue(ctx, []*models.Task{t}); err != nil {
		return "", err
	}
	c.publishTaskEvent(ctx, events.TaskCreated, t)

	c.logger.Info("action submitted",
		zap.String("task_id", t.ID),
		zap.String("action", action),
		zap.String("instance", inst.InstanceName))
	return t.ID, nil
}

// SubmitBulkAction submits an action for every instance, reporting
// per-instance results rather than failing the batch.
func (c *Coordinator) SubmitBulkAction(ctx context.Context, appIDs []int64, action string) ([]BulkActionResult, error) {
	if err := c.checkAccepting(); err != nil {
		return nil, err
	}

	taskType := models.TaskType(action)
	if !taskType.IsAction() {
		return nil, apperr.Validation("invalid action %q, allowed: start, stop, restart", action)
	}
	if len(appIDs) == 0 {
		return nil, apperr.Validation("app_ids must be a non-empty list")
	}

	results := make([]BulkActionResult, 0, len(appIDs))
	for _, id := range appIDs {
		taskID, err := c.SubmitAction(ctx, id, action)
		if err != nil {
			results = append(results, BulkActionResult{
				AppID:   id,
				Success: false,
				Message: err.Error(),
			})
			continue
		}
		inst, _ := c.store.GetInstance(ctx, id)
		name := ""
		if inst != nil {
			name = inst.InstanceName
		}
		results = append(results, BulkActionResult{
			AppID:   id,
			AppName: name,
			Success: true,
			Message: action + " queued",
			TaskID:  taskID,
		})
	}
	return results, nil
}
