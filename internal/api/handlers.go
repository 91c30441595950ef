// Package api provides the thin HTTP surface: handlers validate input,
// delegate to the coordinator and read back state.
package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/fleetops/appcontrol/internal/common/apperr"
	"github.com/fleetops/appcontrol/internal/common/logger"
	"github.com/fleetops/appcontrol/internal/coordinator"
	fleet "github.com/fleetops/appcontrol/internal/fleet/models"
	"github.com/fleetops/appcontrol/internal/fleet/store"
	"github.com/fleetops/appcontrol/internal/task/models"
)

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	coord  *coordinator.Coordinator
	logger *logger.Logger
}

// NewHandlers creates the HTTP handlers.
func NewHandlers(coord *coordinator.Coordinator, log *logger.Logger) *Handlers {
	return &Handlers{
		coord:  coord,
		logger: log.WithFields(zap.String("component", "api")),
	}
}

// Register mounts all routes on the router group.
func (h *Handlers) Register(r *gin.RouterGroup) {
	r.GET("/applications", h.listApplications)
	r.GET("/applications/:id", h.getApplication)
	r.POST("/applications/:id/update", h.updateApplication)
	r.POST("/applications/batch_update", h.batchUpdateApplications)
	r.POST("/applications/:id/manage", h.manageApplication)
	r.POST("/applications/bulk/manage", h.bulkManageApplications)
	r.GET("/applications/:id/version-history", h.versionHistory)

	r.GET("/tasks", h.listTasks)
	r.GET("/tasks/:id", h.getTask)
	r.POST("/tasks/:id/cancel", h.cancelTask)

	r.GET("/servers", h.listServers)
}

func fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		status = http.StatusBadRequest
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindConflict:
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{"success": false, "error": err.Error()})
}

func pathID(c *gin.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return 0, apperr.Validation("invalid id %q", c.Param("id"))
	}
	return id, nil
}

func (h *Handlers) listApplications(c *gin.Context) {
	filter := store.InstanceFilter{}
	if v := c.Query("server_id"); v != "" {
		filter.ServerID, _ = strconv.ParseInt(v, 10, 64)
	}
	if v := c.Query("group_id"); v != "" {
		filter.GroupID, _ = strconv.ParseInt(v, 10, 64)
	}
	if v := c.Query("status"); v != "" {
		filter.Status = fleet.InstanceStatus(v)
	}

	instances, err := h.coord.ListInstances(c.Request.Context(), filter)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "applications": instances})
}

func (h *Handlers) getApplication(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		fail(c, err)
		return
	}
	inst, err := h.coord.GetInstance(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "application": inst})
}

func (h *Handlers) updateApplication(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		fail(c, err)
		return
	}

	var req coordinator.UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperr.Validation("invalid request body: %v", err))
		return
	}

	taskID, err := h.coord.SubmitUpdate(c.Request.Context(), id, req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "update queued",
		"task_id": taskID,
	})
}

func (h *Handlers) batchUpdateApplications(c *gin.Context) {
	var req coordinator.BatchUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperr.Validation("invalid request body: %v", err))
		return
	}

	result, err := h.coord.SubmitBatchUpdate(c.Request.Context(), req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"task_ids":     result.TaskIDs,
		"groups_count": result.GroupsCount,
	})
}

type manageRequest struct {
	Action string `json:"action"`
}

func (h *Handlers) manageApplication(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		fail(c, err)
		return
	}

	var req manageRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Action == "" {
		fail(c, apperr.Validation("action field is required"))
		return
	}

	taskID, err := h.coord.SubmitAction(c.Request.Context(), id, req.Action)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": req.Action + " queued",
		"task_id": taskID,
	})
}

type bulkManageRequest struct {
	Action string  `json:"action"`
	AppIDs []int64 `json:"app_ids"`
}

func (h *Handlers) bulkManageApplications(c *gin.Context) {
	var req bulkManageRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Action == "" || len(req.AppIDs) == 0 {
		fail(c, apperr.Validation("action and app_ids fields are required"))
		return
	}

	results, err := h.coord.SubmitBulkAction(c.Request.Context(), req.AppIDs, req.Action)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "results": results})
}

func (h *Handlers) versionHistory(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		fail(c, err)
		return
	}
	history, err := h.coord.ListVersionHistory(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	if history == nil {
		history = []*fleet.VersionHistory{}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "history": history})
}

func (h *Handlers) listTasks(c *gin.Context) {
	filter := coordinator.TaskFilter{}
	if v := c.Query("status"); v != "" {
		filter.Status = models.TaskStatus(v)
	}
	if v := c.Query("application_id"); v != "" {
		filter.InstanceID, _ = strconv.ParseInt(v, 10, 64)
	}
	if v := c.Query("server_id"); v != "" {
		filter.ServerID, _ = strconv.ParseInt(v, 10, 64)
	}

	tasks, err := h.coord.ListTasks(c.Request.Context(), filter)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "tasks": tasks})
}

func (h *Handlers) getTask(c *gin.Context) {
	detail, err := h.coord.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "task": detail})
}

func (h *Handlers) cancelTask(c *gin.Context) {
	if err := h.coord.CancelTask(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "task cancelled"})
}

func (h *Handlers) listServers(c *gin.Context) {
	servers, err := h.coord.ListServers(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "servers": servers})
}
