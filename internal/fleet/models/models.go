// Package models defines the fleet inventory entities: servers, application
// instances, the application catalog, rollout groups and the version history
// ledger rows.
package models

import (
	"regexp"
	"time"
)

// AppType identifies how an application instance is run and managed.
type AppType string

const (
	AppTypeDocker  AppType = "docker"
	AppTypeEureka  AppType = "eureka"
	AppTypeSite    AppType = "site"
	AppTypeService AppType = "service"
	AppTypeSMF     AppType = "smf"
	AppTypeSysctl  AppType = "sysctl"
)

// InstanceStatus is the last observed state of an instance.
type InstanceStatus string

const (
	StatusOnline   InstanceStatus = "online"
	StatusOffline  InstanceStatus = "offline"
	StatusUnknown  InstanceStatus = "unknown"
	StatusStarting InstanceStatus = "starting"
	StatusStopping InstanceStatus = "stopping"
	StatusNoData   InstanceStatus = "no_data"
)

// GroupingStrategy controls how batch updates fan into tasks.
type GroupingStrategy string

const (
	GroupByGroup        GroupingStrategy = "by_group"
	GroupByServer       GroupingStrategy = "by_server"
	GroupByInstanceName GroupingStrategy = "by_instance_name"
	GroupNone           GroupingStrategy = "no_grouping"
)

// Server is a host instances live on.
type Server struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	IP        string    `json:"ip,omitempty"`
	Port      int       `json:"port,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CatalogEntry is the logical application definition shared by many
// instances. Defaults declared here apply to every instance that does not
// override them.
type CatalogEntry struct {
	ID                       int64   `json:"id"`
	Name                     string  `json:"name"`
	AppType                  AppType `json:"app_type"`
	Description              string  `json:"description,omitempty"`
	DefaultPlaybookPath      string  `json:"default_playbook_path,omitempty"`
	DefaultArtifactURL       string  `json:"default_artifact_url,omitempty"`
	DefaultArtifactExtension string  `json:"default_artifact_extension,omitempty"`

	// UpdateIdempotent declares that the update playbook for this
	// application may safely be re-run after a partial execution. Gates the
	// opt-in requeue-on-recovery policy.
	UpdateIdempotent bool `json:"update_idempotent"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Group is a rollout cohort carrying shared update settings and the
// batch grouping strategy.
type Group struct {
	ID                    int64            `json:"id"`
	Name                  string           `json:"name"`
	CatalogID             int64            `json:"catalog_id,omitempty"` // 0 = none
	ArtifactListURL       string           `json:"artifact_list_url,omitempty"`
	ArtifactExtension     string           `json:"artifact_extension,omitempty"`
	UpdatePlaybookPath    string           `json:"update_playbook_path,omitempty"`
	BatchGroupingStrategy GroupingStrategy `json:"batch_grouping_strategy"`
	CreatedAt             time.Time        `json:"created_at"`
	UpdatedAt             time.Time        `json:"updated_at"`
}

// Strategy returns the group's batch grouping strategy, defaulting to
// by_group when unset or unrecognised.
func (g *Group) Strategy() GroupingStrategy {
	switch g.BatchGroupingStrategy {
	case GroupByGroup, GroupByServer, GroupByInstanceName, GroupNone:
		return g.BatchGroupingStrategy
	}
	return GroupByGroup
}

// Instance is a concrete running application on a specific server.
// Instances are created and refreshed by the inventory collectors; the task
// pipeline only reads them and updates version fields after a successful
// update.
type Instance struct {
	ID        int64 `json:"id"`
	CatalogID int64 `json:"catalog_id,omitempty"` // 0 = none
	GroupID   int64 `json:"group_id,omitempty"`   // 0 = none
	ServerID  int64 `json:"server_id"`

	InstanceName   string  `json:"instance_name"`
	InstanceNumber int     `json:"instance_number"`
	AppType        AppType `json:"app_type"`

	Status   InstanceStatus `json:"status"`
	LastSeen time.Time      `json:"last_seen,omitempty"`

	Path      string `json:"path,omitempty"`
	LogPath   string `json:"log_path,omitempty"`
	Version   string `json:"version,omitempty"`
	DistrPath string `json:"distr_path,omitempty"`

	ContainerName string `json:"container_name,omitempty"`
	Image         string `json:"image,omitempty"`
	Tag           string `json:"tag,omitempty"`

	IP   string `json:"ip,omitempty"`
	Port int    `json:"port,omitempty"`

	CustomPlaybookPath      string `json:"custom_playbook_path,omitempty"`
	CustomArtifactURL       string `json:"custom_artifact_url,omitempty"`
	CustomArtifactExtension string `json:"custom_artifact_extension,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

var instanceNamePattern = regexp.MustCompile(`^(.+?)_(\d+)$`)

// ParseInstanceName splits a full instance name into its base name and
// instance number. Names without a trailing _<digits> suffix are a single
// instance with number 0.
//
//	best-app_1 -> (best-app, 1)
//	standalone -> (standalone, 0)
func ParseInstanceName(name string) (string, int) {
	if name == "" {
		return "", 0
	}
	m := instanceNamePattern.FindStringSubmatch(name)
	if m == nil {
		return name, 0
	}
	n := 0
	for _, c := range m[2] {
		n = n*10 + int(c-'0')
	}
	return m[1], n
}

// BaseName returns the instance name without the trailing instance number.
func (i *Instance) BaseName() string {
	base, _ := ParseInstanceName(i.InstanceName)
	return base
}

// Deleted reports whether the instance is soft-deleted.
func (i *Instance) Deleted() bool {
	return i.DeletedAt != nil
}

// Actor values for VersionHistory.ChangedBy.
const (
	ActorUser   = "user"
	ActorAgent  = "agent"
	ActorSystem = "system"
)

// Change sources for VersionHistory.ChangeSource.
const (
	SourceUpdateTask = "update_task"
	SourcePolling    = "polling"
	SourceManual     = "manual"
)

// VersionHistory is an append-only ledger row recording an observed
// transition of an instance's version, image, tag or distr path.
type VersionHistory struct {
	ID         int64 `json:"id"`
	InstanceID int64 `json:"instance_id"`

	OldVersion string `json:"old_version,omitempty"`
	NewVersion string `json:"new_version"`

	OldDistrPath string `json:"old_distr_path,omitempty"`
	NewDistrPath string `json:"new_distr_path,omitempty"`

	OldTag   string `json:"old_tag,omitempty"`
	NewTag   string `json:"new_tag,omitempty"`
	OldImage string `json:"old_image,omitempty"`
	NewImage string `json:"new_image,omitempty"`

	ChangedAt    time.Time `json:"changed_at"`
	ChangedBy    string    `json:"changed_by"`
	ChangeSource string    `json:"change_source,omitempty"`

	TaskID string `json:"task_id,omitempty"`
	Notes  string `json:"notes,omitempty"`
}

// Changed reports whether any new-side field differs from its old-side
// counterpart.
func (h *VersionHistory) Changed() bool {
	return h.NewVersion != h.OldVersion ||
		h.NewDistrPath != h.OldDistrPath ||
		h.NewTag != h.OldTag ||
		h.NewImage != h.OldImage
}
