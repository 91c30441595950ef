package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	fleet "github.com/fleetops/appcontrol/internal/fleet/models"
	task "github.com/fleetops/appcontrol/internal/task/models"
)

// SQLStore implements Store on top of a relational database via sqlx.
// Queries are written with "?" bindvars and passed through Rebind so the
// same code serves both the sqlite and postgres drivers.
type SQLStore struct {
	db     *sqlx.DB
	driver string // "sqlite3" or "pgx"
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore wraps an open connection and initializes the schema.
func NewSQLStore(db *sqlx.DB, driver string) (*SQLStore, error) {
	s := &SQLStore{db: db, driver: driver}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// DB returns the underlying sqlx handle for shared access.
func (s *SQLStore) DB() *sqlx.DB {
	return s.db
}

func (s *SQLStore) postgres() bool {
	return s.driver == "pgx" || s.driver == "postgres"
}

// schema is written in the sqlite dialect; pgReplacer rewrites the few
// type spellings that differ on postgres.
const schema = `
CREATE TABLE IF NOT EXISTS servers (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	ip TEXT NOT NULL DEFAULT '',
	port INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS application_catalog (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	app_type TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	default_playbook_path TEXT NOT NULL DEFAULT '',
	default_artifact_url TEXT NOT NULL DEFAULT '',
	default_artifact_extension TEXT NOT NULL DEFAULT '',
	update_idempotent BOOLEAN NOT NULL DEFAULT FALSE,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS application_groups (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	catalog_id INTEGER NOT NULL DEFAULT 0,
	artifact_list_url TEXT NOT NULL DEFAULT '',
	artifact_extension TEXT NOT NULL DEFAULT '',
	update_playbook_path TEXT NOT NULL DEFAULT '',
	batch_grouping_strategy TEXT NOT NULL DEFAULT 'by_group',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS application_instances (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	catalog_id INTEGER NOT NULL DEFAULT 0,
	group_id INTEGER NOT NULL DEFAULT 0,
	server_id INTEGER NOT NULL,
	instance_name TEXT NOT NULL,
	instance_number INTEGER NOT NULL DEFAULT 0,
	app_type TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'unknown',
	last_seen DATETIME,
	path TEXT NOT NULL DEFAULT '',
	log_path TEXT NOT NULL DEFAULT '',
	version TEXT NOT NULL DEFAULT '',
	distr_path TEXT NOT NULL DEFAULT '',
	container_name TEXT NOT NULL DEFAULT '',
	image TEXT NOT NULL DEFAULT '',
	tag TEXT NOT NULL DEFAULT '',
	ip TEXT NOT NULL DEFAULT '',
	port INTEGER NOT NULL DEFAULT 0,
	custom_playbook_path TEXT NOT NULL DEFAULT '',
	custom_artifact_url TEXT NOT NULL DEFAULT '',
	custom_artifact_extension TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	deleted_at DATETIME
);

CREATE UNIQUE INDEX IF NOT EXISTS unique_instance_per_server
	ON application_instances(server_id, instance_name, app_type)
	WHERE deleted_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_instance_server ON application_instances(server_id);
CREATE INDEX IF NOT EXISTS idx_instance_group ON application_instances(group_id);
CREATE INDEX IF NOT EXISTS idx_instance_status ON application_instances(status);

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	task_type TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	params TEXT NOT NULL DEFAULT '{}',
	server_id INTEGER NOT NULL DEFAULT 0,
	instance_id INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	started_at DATETIME,
	completed_at DATETIME,
	result TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	progress TEXT NOT NULL DEFAULT '',
	pid INTEGER NOT NULL DEFAULT 0,
	cancelled BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks(created_at);
CREATE INDEX IF NOT EXISTS idx_tasks_instance ON tasks(instance_id);
CREATE INDEX IF NOT EXISTS idx_tasks_server ON tasks(server_id);

CREATE TABLE IF NOT EXISTS application_version_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	instance_id INTEGER NOT NULL,
	old_version TEXT NOT NULL DEFAULT '',
	new_version TEXT NOT NULL,
	old_distr_path TEXT NOT NULL DEFAULT '',
	new_distr_path TEXT NOT NULL DEFAULT '',
	old_tag TEXT NOT NULL DEFAULT '',
	new_tag TEXT NOT NULL DEFAULT '',
	old_image TEXT NOT NULL DEFAULT '',
	new_image TEXT NOT NULL DEFAULT '',
	changed_at DATETIME NOT NULL,
	changed_by TEXT NOT NULL,
	change_source TEXT NOT NULL DEFAULT '',
	task_id TEXT NOT NULL DEFAULT '',
	notes TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_version_history_instance ON application_version_history(instance_id);
CREATE INDEX IF NOT EXISTS idx_version_history_task ON application_version_history(task_id);
`

var pgReplacer = strings.NewReplacer(
	"INTEGER PRIMARY KEY AUTOINCREMENT", "BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY",
	"DATETIME", "TIMESTAMPTZ",
)

func (s *SQLStore) initSchema() error {
	ddl := schema
	if s.postgres() {
		ddl = pgReplacer.Replace(schema)
	}
	_, err := s.db.Exec(ddl)
	return err
}

// insertID runs an INSERT and returns the generated row id, papering over
// the LastInsertId / RETURNING split between drivers.
func (s *SQLStore) insertID(ctx context.Context, query string, args ...any) (int64, error) {
	if s.postgres() {
		var id int64
		err := s.db.QueryRowContext(ctx, s.db.Rebind(query+" RETURNING id"), args...).Scan(&id)
		return id, err
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// --- Tasks ---

const taskColumns = `id, task_type, status, params, server_id, instance_id,
	created_at, started_at, completed_at, result, error, progress, pid, cancelled`

func (s *SQLStore) scanTask(row interface{ Scan(...any) error }) (*task.Task, error) {
	t := &task.Task{}
	var params string
	var startedAt, completedAt sql.NullTime
	err := row.Scan(
		&t.ID, &t.TaskType, &t.Status, &params, &t.ServerID, &t.InstanceID,
		&t.CreatedAt, &startedAt, &completedAt, &t.Result, &t.Error,
		&t.Progress, &t.PID, &t.Cancelled,
	)
	if err != nil {
		return nil, err
	}
	t.Params = []byte(params)
	if startedAt.Valid {
		ts := startedAt.Time
		t.StartedAt = &ts
	}
	if completedAt.Valid {
		ts := completedAt.Time
		t.CompletedAt = &ts
	}
	return t, nil
}

// CreateTask persists a new task. A missing ID is generated; CreatedAt is
// stamped if unset.
func (s *SQLStore) CreateTask(ctx context.Context, t *task.Task) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Status == "" {
		t.Status = task.StatusPending
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	params := string(t.Params)
	if params == "" {
		params = "{}"
	}

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO tasks (id, task_type, status, params, server_id, instance_id, created_at, result, error, progress, pid, cancelled)
		VALUES (?, ?, ?, ?, ?, ?, ?, '', '', '', 0, ?)
	`), t.ID, t.TaskType, t.Status, params, t.ServerID, t.InstanceID, t.CreatedAt, t.Cancelled)
	return err
}

// GetTask retrieves a task by ID.
func (s *SQLStore) GetTask(ctx context.Context, id string) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(`
		SELECT `+taskColumns+` FROM tasks WHERE id = ?
	`), id)
	t, err := s.scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t, err
}

// ListTasks returns tasks matching the filter, newest first.
func (s *SQLStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*task.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.InstanceID != 0 {
		query += ` AND instance_id = ?`
		args = append(args, filter.InstanceID)
	}
	if filter.ServerID != 0 {
		query += ` AND server_id = ?`
		args = append(args, filter.ServerID)
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*task.Task
	for rows.Next() {
		t, err := s.scanTask(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// ClaimNextPendingTask atomically claims the oldest pending task.
func (s *SQLStore) ClaimNextPendingTask(ctx context.Context, excludeServers []int64) (*task.Task, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	query := `SELECT ` + taskColumns + ` FROM tasks WHERE status = ?`
	args := []any{task.StatusPending}
	if len(excludeServers) > 0 {
		in, inArgs, err := sqlx.In(` AND server_id NOT IN (?)`, excludeServers)
		if err != nil {
			return nil, err
		}
		query += in
		args = append(args, inArgs...)
	}
	query += ` ORDER BY created_at ASC, id ASC LIMIT 1`
	if s.postgres() {
		query += ` FOR UPDATE SKIP LOCKED`
	}

	row := tx.QueryRowContext(ctx, tx.Rebind(query), args...)
	t, err := s.scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE tasks SET status = ?, started_at = ? WHERE id = ? AND status = ?
	`), task.StatusProcessing, now, t.ID, task.StatusPending)
	if err != nil {
		return nil, err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		// Lost a race with a concurrent claim; caller retries.
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	t.Status = task.StatusProcessing
	t.StartedAt = &now
	return t, nil
}

// CancelPendingTask conditionally fails a pending task.
func (s *SQLStore) CancelPendingTask(ctx context.Context, id string, errMsg string) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE tasks SET cancelled = ?, status = ?, error = ?, completed_at = ?
		WHERE id = ? AND status = ? AND cancelled = ?
	`), true, task.StatusFailed, errMsg, now, id, task.StatusPending, false)
	if err != nil {
		return false, err
	}
	rows, _ := res.RowsAffected()
	return rows > 0, nil
}

// MarkTaskCancelRequested flags an in-flight task as cancelled.
func (s *SQLStore) MarkTaskCancelRequested(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE tasks SET cancelled = ? WHERE id = ?
	`), true, id)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetTaskPID records the subprocess pid for a processing task.
func (s *SQLStore) SetTaskPID(ctx context.Context, id string, pid int) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE tasks SET pid = ? WHERE id = ?
	`), pid, id)
	return err
}

// FinishTask writes the terminal state.
func (s *SQLStore) FinishTask(ctx context.Context, id string, outcome TaskOutcome) error {
	completedAt := outcome.CompletedAt
	if completedAt.IsZero() {
		completedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE tasks SET status = ?, result = ?, error = ?, completed_at = ?, pid = 0
		WHERE id = ?
	`), outcome.Status, outcome.Result, outcome.Error, completedAt, id)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

// RequeueTask returns a processing task to pending.
func (s *SQLStore) RequeueTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE tasks SET status = ?, started_at = NULL, pid = 0 WHERE id = ? AND status = ?
	`), task.StatusPending, id, task.StatusProcessing)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return fmt.Errorf("task %s not processing: %w", id, ErrNotFound)
	}
	return nil
}

// --- Servers ---

func (s *SQLStore) CreateServer(ctx context.Context, srv *fleet.Server) error {
	now := time.Now().UTC()
	srv.CreatedAt = now
	srv.UpdatedAt = now
	id, err := s.insertID(ctx, `
		INSERT INTO servers (name, ip, port, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, srv.Name, srv.IP, srv.Port, srv.CreatedAt, srv.UpdatedAt)
	if err != nil {
		return err
	}
	srv.ID = id
	return nil
}

func (s *SQLStore) GetServer(ctx context.Context, id int64) (*fleet.Server, error) {
	srv := &fleet.Server{}
	err := s.db.QueryRowContext(ctx, s.db.Rebind(`
		SELECT id, name, ip, port, created_at, updated_at FROM servers WHERE id = ?
	`), id).Scan(&srv.ID, &srv.Name, &srv.IP, &srv.Port, &srv.CreatedAt, &srv.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("server %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return srv, nil
}

func (s *SQLStore) ListServers(ctx context.Context) ([]*fleet.Server, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, ip, port, created_at, updated_at FROM servers ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*fleet.Server
	for rows.Next() {
		srv := &fleet.Server{}
		if err := rows.Scan(&srv.ID, &srv.Name, &srv.IP, &srv.Port, &srv.CreatedAt, &srv.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, srv)
	}
	return result, rows.Err()
}

// --- Catalog ---

func (s *SQLStore) CreateCatalogEntry(ctx context.Context, c *fleet.CatalogEntry) error {
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	id, err := s.insertID(ctx, `
		INSERT INTO application_catalog (name, app_type, description, default_playbook_path, default_artifact_url, default_artifact_extension, update_idempotent, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.Name, c.AppType, c.Description, c.DefaultPlaybookPath, c.DefaultArtifactURL, c.DefaultArtifactExtension, c.UpdateIdempotent, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return err
	}
	c.ID = id
	return nil
}

const catalogColumns = `id, name, app_type, description, default_playbook_path,
	default_artifact_url, default_artifact_extension, update_idempotent, created_at, updated_at`

func scanCatalogEntry(row interface{ Scan(...any) error }) (*fleet.CatalogEntry, error) {
	c := &fleet.CatalogEntry{}
	err := row.Scan(&c.ID, &c.Name, &c.AppType, &c.Description, &c.DefaultPlaybookPath,
		&c.DefaultArtifactURL, &c.DefaultArtifactExtension, &c.UpdateIdempotent,
		&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *SQLStore) GetCatalogEntry(ctx context.Context, id int64) (*fleet.CatalogEntry, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(`
		SELECT `+catalogColumns+` FROM application_catalog WHERE id = ?
	`), id)
	c, err := scanCatalogEntry(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("catalog entry %d: %w", id, ErrNotFound)
	}
	return c, err
}

func (s *SQLStore) ListCatalogEntries(ctx context.Context) ([]*fleet.CatalogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+catalogColumns+` FROM application_catalog ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*fleet.CatalogEntry
	for rows.Next() {
		c, err := scanCatalogEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

// --- Groups ---

func (s *SQLStore) CreateGroup(ctx context.Context, g *fleet.Group) error {
	now := time.Now().UTC()
	g.CreatedAt = now
	g.UpdatedAt = now
	id, err := s.insertID(ctx, `
		INSERT INTO application_groups (name, catalog_id, artifact_list_url, artifact_extension, update_playbook_path, batch_grouping_strategy, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, g.Name, g.CatalogID, g.ArtifactListURL, g.ArtifactExtension, g.UpdatePlaybookPath, g.Strategy(), g.CreatedAt, g.UpdatedAt)
	if err != nil {
		return err
	}
	g.ID = id
	return nil
}

const groupColumns = `id, name, catalog_id, artifact_list_url, artifact_extension,
	update_playbook_path, batch_grouping_strategy, created_at, updated_at`

func scanGroup(row interface{ Scan(...any) error }) (*fleet.Group, error) {
	g := &fleet.Group{}
	err := row.Scan(&g.ID, &g.Name, &g.CatalogID, &g.ArtifactListURL, &g.ArtifactExtension,
		&g.UpdatePlaybookPath, &g.BatchGroupingStrategy, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return g, nil
}

func (s *SQLStore) GetGroup(ctx context.Context, id int64) (*fleet.Group, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(`
		SELECT `+groupColumns+` FROM application_groups WHERE id = ?
	`), id)
	g, err := scanGroup(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("group %d: %w", id, ErrNotFound)
	}
	return g, err
}

func (s *SQLStore) ListGroups(ctx context.Context) ([]*fleet.Group, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+groupColumns+` FROM application_groups ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*fleet.Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, g)
	}
	return result, rows.Err()
}

// --- Instances ---

const instanceColumns = `id, catalog_id, group_id, server_id, instance_name, instance_number,
	app_type, status, last_seen, path, log_path, version, distr_path, container_name,
	image, tag, ip, port, custom_playbook_path, custom_artifact_url, custom_artifact_extension,
	created_at, updated_at, deleted_at`

func scanInstance(row interface{ Scan(...any) error }) (*fleet.Instance, error) {
	i := &fleet.Instance{}
	var lastSeen, deletedAt sql.NullTime
	err := row.Scan(&i.ID, &i.CatalogID, &i.GroupID, &i.ServerID, &i.InstanceName, &i.InstanceNumber,
		&i.AppType, &i.Status, &lastSeen, &i.Path, &i.LogPath, &i.Version, &i.DistrPath,
		&i.ContainerName, &i.Image, &i.Tag, &i.IP, &i.Port,
		&i.CustomPlaybookPath, &i.CustomArtifactURL, &i.CustomArtifactExtension,
		&i.CreatedAt, &i.UpdatedAt, &deletedAt)
	if err != nil {
		return nil, err
	}
	if lastSeen.Valid {
		i.LastSeen = lastSeen.Time
	}
	if deletedAt.Valid {
		ts := deletedAt.Time
		i.DeletedAt = &ts
	}
	return i, nil
}

func (s *SQLStore) CreateInstance(ctx context.Context, i *fleet.Instance) error {
	now := time.Now().UTC()
	i.CreatedAt = now
	i.UpdatedAt = now
	if i.Status == "" {
		i.Status = fleet.StatusUnknown
	}
	if i.InstanceNumber == 0 {
		_, i.InstanceNumber = fleet.ParseInstanceName(i.InstanceName)
	}
	var lastSeen any
	if !i.LastSeen.IsZero() {
		lastSeen = i.LastSeen
	}
	id, err := s.insertID(ctx, `
		INSERT INTO application_instances (catalog_id, group_id, server_id, instance_name, instance_number,
			app_type, status, last_seen, path, log_path, version, distr_path, container_name,
			image, tag, ip, port, custom_playbook_path, custom_artifact_url, custom_artifact_extension,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, i.CatalogID, i.GroupID, i.ServerID, i.InstanceName, i.InstanceNumber,
		i.AppType, i.Status, lastSeen, i.Path, i.LogPath, i.Version, i.DistrPath, i.ContainerName,
		i.Image, i.Tag, i.IP, i.Port, i.CustomPlaybookPath, i.CustomArtifactURL, i.CustomArtifactExtension,
		i.CreatedAt, i.UpdatedAt)
	if err != nil {
		return err
	}
	i.ID = id
	return nil
}

func (s *SQLStore) GetInstance(ctx context.Context, id int64) (*fleet.Instance, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(`
		SELECT `+instanceColumns+` FROM application_instances WHERE id = ? AND deleted_at IS NULL
	`), id)
	i, err := scanInstance(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("instance %d: %w", id, ErrNotFound)
	}
	return i, err
}

func (s *SQLStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*fleet.Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM application_instances WHERE deleted_at IS NULL`
	var args []any
	if len(filter.IDs) > 0 {
		in, inArgs, err := sqlx.In(` AND id IN (?)`, filter.IDs)
		if err != nil {
			return nil, err
		}
		query += in
		args = append(args, inArgs...)
	}
	if filter.ServerID != 0 {
		query += ` AND server_id = ?`
		args = append(args, filter.ServerID)
	}
	if filter.GroupID != 0 {
		query += ` AND group_id = ?`
		args = append(args, filter.GroupID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	query += ` ORDER BY instance_name, id`

	rows, err := s.db.QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*fleet.Instance
	for rows.Next() {
		i, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, i)
	}
	return result, rows.Err()
}

func (s *SQLStore) UpdateInstanceVersion(ctx context.Context, id int64, version, image, tag string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE application_instances SET version = ?, image = ?, tag = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL
	`), version, image, tag, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return fmt.Errorf("instance %d: %w", id, ErrNotFound)
	}
	return nil
}

// --- Version history ---

func (s *SQLStore) AppendVersionHistory(ctx context.Context, h *fleet.VersionHistory) error {
	if h.ChangedAt.IsZero() {
		h.ChangedAt = time.Now().UTC()
	}
	id, err := s.insertID(ctx, `
		INSERT INTO application_version_history (instance_id, old_version, new_version,
			old_distr_path, new_distr_path, old_tag, new_tag, old_image, new_image,
			changed_at, changed_by, change_source, task_id, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, h.InstanceID, h.OldVersion, h.NewVersion,
		h.OldDistrPath, h.NewDistrPath, h.OldTag, h.NewTag, h.OldImage, h.NewImage,
		h.ChangedAt, h.ChangedBy, h.ChangeSource, h.TaskID, h.Notes)
	if err != nil {
		return err
	}
	h.ID = id
	return nil
}

const historyColumns = `id, instance_id, old_version, new_version, old_distr_path, new_distr_path,
	old_tag, new_tag, old_image, new_image, changed_at, changed_by, change_source, task_id, notes`

func scanHistory(row interface{ Scan(...any) error }) (*fleet.VersionHistory, error) {
	h := &fleet.VersionHistory{}
	err := row.Scan(&h.ID, &h.InstanceID, &h.OldVersion, &h.NewVersion,
		&h.OldDistrPath, &h.NewDistrPath, &h.OldTag, &h.NewTag, &h.OldImage, &h.NewImage,
		&h.ChangedAt, &h.ChangedBy, &h.ChangeSource, &h.TaskID, &h.Notes)
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (s *SQLStore) ListVersionHistory(ctx context.Context, instanceID int64) ([]*fleet.VersionHistory, error) {
	return s.listHistory(ctx, ` WHERE instance_id = ?`, instanceID)
}

func (s *SQLStore) ListVersionHistoryByTask(ctx context.Context, taskID string) ([]*fleet.VersionHistory, error) {
	return s.listHistory(ctx, ` WHERE task_id = ?`, taskID)
}

func (s *SQLStore) listHistory(ctx context.Context, where string, arg any) ([]*fleet.VersionHistory, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`
		SELECT `+historyColumns+` FROM application_version_history`+where+` ORDER BY changed_at DESC, id DESC
	`), arg)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*fleet.VersionHistory
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, h)
	}
	return result, rows.Err()
}
