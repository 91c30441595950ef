// Package planner turns a batch update request into task plans according to
// each instance's group strategy. Planning is pure and stateless: it never
// touches the database, the coordinator loads everything it needs up front.
package planner

import (
	"strings"

	"github.com/fleetops/appcontrol/internal/common/apperr"
	fleet "github.com/fleetops/appcontrol/internal/fleet/models"
	task "github.com/fleetops/appcontrol/internal/task/models"
)

// Defaults carries the configured fallback playbooks.
type Defaults struct {
	UpdatePlaybook       string
	DockerUpdatePlaybook string
	NightRestartPlaybook string
}

// Request holds the parameters common to every instance of a batch update.
type Request struct {
	DistrURL             string
	Mode                 string
	OrchestratorPlaybook string
	DrainWaitTime        float64
}

// Orchestrated reports whether an orchestrator playbook is in use. An
// orchestrator manages the multi-server rollout itself, which removes the
// server from the grouping key.
func (r *Request) Orchestrated() bool {
	return r.OrchestratorPlaybook != "" && r.OrchestratorPlaybook != "none"
}

// Plan is one task yet to be persisted: a set of instances updated by a
// single playbook run.
type Plan struct {
	InstanceIDs  []int64
	PlaybookPath string
	ServerID     int64 // server of the first instance in the set
}

// ResolvePlaybookPath returns the effective update playbook for an
// instance: instance custom path, then group path, then catalog default,
// then the per-type configured default. group and catalog may be nil.
func ResolvePlaybookPath(inst *fleet.Instance, group *fleet.Group, catalog *fleet.CatalogEntry, defaults Defaults) string {
	if inst.CustomPlaybookPath != "" {
		return inst.CustomPlaybookPath
	}
	if group != nil && group.UpdatePlaybookPath != "" {
		return group.UpdatePlaybookPath
	}
	if catalog != nil && catalog.DefaultPlaybookPath != "" {
		return catalog.DefaultPlaybookPath
	}
	if inst.AppType == fleet.AppTypeDocker && defaults.DockerUpdatePlaybook != "" {
		return defaults.DockerUpdatePlaybook
	}
	return defaults.UpdatePlaybook
}

// groupKey is the comparable grouping key. Unused dimensions stay at their
// zero value.
type groupKey struct {
	serverID   int64
	playbook   string
	groupID    int64
	baseName   string
	instanceID int64
	hasGroup   bool
}

// PlanBatch groups the instances by their group's strategy and resolves the
// effective playbook per group. Instances sharing a key produce one plan.
// The instance slice is expected in request order; plan order follows the
// first occurrence of each key, making planning deterministic.
func PlanBatch(
	instances []*fleet.Instance,
	groups map[int64]*fleet.Group,
	catalogs map[int64]*fleet.CatalogEntry,
	defaults Defaults,
	req Request,
) ([]Plan, error) {
	if len(instances) == 0 {
		return nil, apperr.Validation("no instances to update")
	}
	if req.DistrURL == "" {
		return nil, apperr.Validation("distr_url is required")
	}

	// Night-restart cannot drive docker instances.
	if req.Mode == task.ModeNightRestart {
		var dockerNames []string
		for _, inst := range instances {
			if inst.AppType == fleet.AppTypeDocker {
				dockerNames = append(dockerNames, inst.InstanceName)
			}
		}
		if len(dockerNames) > 0 {
			return nil, apperr.Validation("night-restart mode is not supported for docker instances: %s",
				strings.Join(dockerNames, ", "))
		}
	}

	orchestrated := req.Orchestrated()

	var order []groupKey
	buckets := make(map[groupKey]*Plan)

	for _, inst := range instances {
		var group *fleet.Group
		if inst.GroupID != 0 {
			group = groups[inst.GroupID]
		}
		var catalog *fleet.CatalogEntry
		if inst.CatalogID != 0 {
			catalog = catalogs[inst.CatalogID]
		}

		playbook := ResolvePlaybookPath(inst, group, catalog, defaults)
		if req.Mode == task.ModeNightRestart {
			playbook = defaults.NightRestartPlaybook
		}
		if playbook == "" {
			return nil, apperr.Validation("no update playbook configured for instance %s", inst.InstanceName)
		}

		strategy := fleet.GroupByGroup
		if group != nil {
			strategy = group.Strategy()
		}

		var key groupKey
		switch strategy {
		case fleet.GroupByServer:
			if orchestrated {
				key = groupKey{playbook: playbook}
			} else {
				key = groupKey{serverID: inst.ServerID, playbook: playbook}
			}
		case fleet.GroupByInstanceName:
			if orchestrated {
				key = groupKey{playbook: playbook, baseName: inst.BaseName()}
			} else {
				key = groupKey{serverID: inst.ServerID, playbook: playbook, baseName: inst.BaseName()}
			}
		case fleet.GroupNone:
			key = groupKey{instanceID: inst.ID}
		default: // by_group
			if orchestrated {
				key = groupKey{playbook: playbook, groupID: inst.GroupID, hasGroup: group != nil}
			} else {
				key = groupKey{serverID: inst.ServerID, playbook: playbook, groupID: inst.GroupID, hasGroup: group != nil}
			}
		}

		bucket, ok := buckets[key]
		if !ok {
			bucket = &Plan{
				PlaybookPath: playbook,
				ServerID:     inst.ServerID,
			}
			buckets[key] = bucket
			order = append(order, key)
		}
		bucket.InstanceIDs = append(bucket.InstanceIDs, inst.ID)
	}

	plans := make([]Plan, 0, len(order))
	for _, key := range order {
		plans = append(plans, *buckets[key])
	}
	return plans, nil
}
