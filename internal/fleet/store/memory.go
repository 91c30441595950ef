package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	fleet "github.com/fleetops/appcontrol/internal/fleet/models"
	task "github.com/fleetops/appcontrol/internal/task/models"
)

// MemoryStore implements Store with in-memory maps. Used by tests and as a
// reference implementation of the claim semantics.
type MemoryStore struct {
	mu sync.RWMutex

	tasks     map[string]*task.Task
	servers   map[int64]*fleet.Server
	catalog   map[int64]*fleet.CatalogEntry
	groups    map[int64]*fleet.Group
	instances map[int64]*fleet.Instance
	history   []*fleet.VersionHistory

	nextServerID   int64
	nextCatalogID  int64
	nextGroupID    int64
	nextInstanceID int64
	nextHistoryID  int64
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:     make(map[string]*task.Task),
		servers:   make(map[int64]*fleet.Server),
		catalog:   make(map[int64]*fleet.CatalogEntry),
		groups:    make(map[int64]*fleet.Group),
		instances: make(map[int64]*fleet.Instance),
	}
}

func (s *MemoryStore) Close() error { return nil }

func copyTask(t *task.Task) *task.Task {
	c := *t
	if t.StartedAt != nil {
		ts := *t.StartedAt
		c.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		c.CompletedAt = &ts
	}
	c.Params = append([]byte(nil), t.Params...)
	return &c
}

// --- Tasks ---

func (s *MemoryStore) CreateTask(ctx context.Context, t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Status == "" {
		t.Status = task.StatusPending
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if _, exists := s.tasks[t.ID]; exists {
		return fmt.Errorf("task %s already exists", t.ID)
	}
	s.tasks[t.ID] = copyTask(t)
	return nil
}

func (s *MemoryStore) GetTask(ctx context.Context, id string) (*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return copyTask(t), nil
}

func (s *MemoryStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*task.Task
	for _, t := range s.tasks {
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.InstanceID != 0 && t.InstanceID != filter.InstanceID {
			continue
		}
		if filter.ServerID != 0 && t.ServerID != filter.ServerID {
			continue
		}
		result = append(result, copyTask(t))
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	return result, nil
}

func (s *MemoryStore) ClaimNextPendingTask(ctx context.Context, excludeServers []int64) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	excluded := make(map[int64]bool, len(excludeServers))
	for _, id := range excludeServers {
		excluded[id] = true
	}

	var candidates []*task.Task
	for _, t := range s.tasks {
		if t.Status != task.StatusPending {
			continue
		}
		if excluded[t.ServerID] {
			continue
		}
		candidates = append(candidates, t)
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
		}
		return candidates[i].ID < candidates[j].ID
	})

	t := candidates[0]
	now := time.Now().UTC()
	t.Status = task.StatusProcessing
	t.StartedAt = &now
	return copyTask(t), nil
}

func (s *MemoryStore) CancelPendingTask(ctx context.Context, id string, errMsg string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok || t.Status != task.StatusPending || t.Cancelled {
		return false, nil
	}
	now := time.Now().UTC()
	t.Cancelled = true
	t.Status = task.StatusFailed
	t.Error = errMsg
	t.CompletedAt = &now
	return true, nil
}

func (s *MemoryStore) MarkTaskCancelRequested(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	t.Cancelled = true
	return nil
}

func (s *MemoryStore) SetTaskPID(ctx context.Context, id string, pid int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	t.PID = pid
	return nil
}

func (s *MemoryStore) FinishTask(ctx context.Context, id string, outcome TaskOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	completedAt := outcome.CompletedAt
	if completedAt.IsZero() {
		completedAt = time.Now().UTC()
	}
	t.Status = outcome.Status
	t.Result = outcome.Result
	t.Error = outcome.Error
	t.CompletedAt = &completedAt
	t.PID = 0
	return nil
}

func (s *MemoryStore) RequeueTask(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok || t.Status != task.StatusProcessing {
		return fmt.Errorf("task %s not processing: %w", id, ErrNotFound)
	}
	t.Status = task.StatusPending
	t.StartedAt = nil
	t.PID = 0
	return nil
}

// --- Servers ---

func (s *MemoryStore) CreateServer(ctx context.Context, srv *fleet.Server) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextServerID++
	srv.ID = s.nextServerID
	now := time.Now().UTC()
	srv.CreatedAt = now
	srv.UpdatedAt = now
	c := *srv
	s.servers[srv.ID] = &c
	return nil
}

func (s *MemoryStore) GetServer(ctx context.Context, id int64) (*fleet.Server, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	srv, ok := s.servers[id]
	if !ok {
		return nil, fmt.Errorf("server %d: %w", id, ErrNotFound)
	}
	c := *srv
	return &c, nil
}

func (s *MemoryStore) ListServers(ctx context.Context) ([]*fleet.Server, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*fleet.Server, 0, len(s.servers))
	for _, srv := range s.servers {
		c := *srv
		result = append(result, &c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// --- Catalog ---

func (s *MemoryStore) CreateCatalogEntry(ctx context.Context, c *fleet.CatalogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextCatalogID++
	c.ID = s.nextCatalogID
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	cp := *c
	s.catalog[c.ID] = &cp
	return nil
}

func (s *MemoryStore) GetCatalogEntry(ctx context.Context, id int64) (*fleet.CatalogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.catalog[id]
	if !ok {
		return nil, fmt.Errorf("catalog entry %d: %w", id, ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) ListCatalogEntries(ctx context.Context) ([]*fleet.CatalogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*fleet.CatalogEntry, 0, len(s.catalog))
	for _, c := range s.catalog {
		cp := *c
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// --- Groups ---

func (s *MemoryStore) CreateGroup(ctx context.Context, g *fleet.Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextGroupID++
	g.ID = s.nextGroupID
	now := time.Now().UTC()
	g.CreatedAt = now
	g.UpdatedAt = now
	cp := *g
	s.groups[g.ID] = &cp
	return nil
}

func (s *MemoryStore) GetGroup(ctx context.Context, id int64) (*fleet.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.groups[id]
	if !ok {
		return nil, fmt.Errorf("group %d: %w", id, ErrNotFound)
	}
	cp := *g
	return &cp, nil
}

func (s *MemoryStore) ListGroups(ctx context.Context) ([]*fleet.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*fleet.Group, 0, len(s.groups))
	for _, g := range s.groups {
		cp := *g
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// --- Instances ---

func copyInstance(i *fleet.Instance) *fleet.Instance {
	c := *i
	if i.DeletedAt != nil {
		ts := *i.DeletedAt
		c.DeletedAt = &ts
	}
	return &c
}

func (s *MemoryStore) CreateInstance(ctx context.Context, i *fleet.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.instances {
		if existing.DeletedAt == nil &&
			existing.ServerID == i.ServerID &&
			existing.InstanceName == i.InstanceName &&
			existing.AppType == i.AppType {
			return fmt.Errorf("instance %s already exists on server %d", i.InstanceName, i.ServerID)
		}
	}

	s.nextInstanceID++
	i.ID = s.nextInstanceID
	now := time.Now().UTC()
	i.CreatedAt = now
	i.UpdatedAt = now
	if i.Status == "" {
		i.Status = fleet.StatusUnknown
	}
	if i.InstanceNumber == 0 {
		_, i.InstanceNumber = fleet.ParseInstanceName(i.InstanceName)
	}
	s.instances[i.ID] = copyInstance(i)
	return nil
}

func (s *MemoryStore) GetInstance(ctx context.Context, id int64) (*fleet.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.instances[id]
	if !ok || i.DeletedAt != nil {
		return nil, fmt.Errorf("instance %d: %w", id, ErrNotFound)
	}
	return copyInstance(i), nil
}

func (s *MemoryStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*fleet.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids map[int64]bool
	if len(filter.IDs) > 0 {
		ids = make(map[int64]bool, len(filter.IDs))
		for _, id := range filter.IDs {
			ids[id] = true
		}
	}

	var result []*fleet.Instance
	for _, i := range s.instances {
		if i.DeletedAt != nil {
			continue
		}
		if ids != nil && !ids[i.ID] {
			continue
		}
		if filter.ServerID != 0 && i.ServerID != filter.ServerID {
			continue
		}
		if filter.GroupID != 0 && i.GroupID != filter.GroupID {
			continue
		}
		if filter.Status != "" && i.Status != filter.Status {
			continue
		}
		result = append(result, copyInstance(i))
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].InstanceName != result[j].InstanceName {
			return result[i].InstanceName < result[j].InstanceName
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (s *MemoryStore) UpdateInstanceVersion(ctx context.Context, id int64, version, image, tag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.instances[id]
	if !ok || i.DeletedAt != nil {
		return fmt.Errorf("instance %d: %w", id, ErrNotFound)
	}
	i.Version = version
	i.Image = image
	i.Tag = tag
	i.UpdatedAt = time.Now().UTC()
	return nil
}

// --- Version history ---

func (s *MemoryStore) AppendVersionHistory(ctx context.Context, h *fleet.VersionHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextHistoryID++
	h.ID = s.nextHistoryID
	if h.ChangedAt.IsZero() {
		h.ChangedAt = time.Now().UTC()
	}
	cp := *h
	s.history = append(s.history, &cp)
	return nil
}

func (s *MemoryStore) ListVersionHistory(ctx context.Context, instanceID int64) ([]*fleet.VersionHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*fleet.VersionHistory
	for i := len(s.history) - 1; i >= 0; i-- {
		h := s.history[i]
		if h.InstanceID == instanceID {
			cp := *h
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (s *MemoryStore) ListVersionHistoryByTask(ctx context.Context, taskID string) ([]*fleet.VersionHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*fleet.VersionHistory
	for _, h := range s.history {
		if h.TaskID == taskID {
			cp := *h
			result = append(result, &cp)
		}
	}
	return result, nil
}
