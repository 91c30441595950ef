// Package versions maintains the append-only version history ledger and
// derives observed versions from update artifacts.
package versions

import (
	"context"
	"path"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/fleetops/appcontrol/internal/common/logger"
	fleet "github.com/fleetops/appcontrol/internal/fleet/models"
	"github.com/fleetops/appcontrol/internal/fleet/store"
)

// Ledger records version transitions. Writes are at-least-once and
// best-effort: callers on the success path log failures without failing
// their task.
type Ledger struct {
	store  store.Store
	logger *logger.Logger
}

// NewLedger creates a ledger on top of the store.
func NewLedger(st store.Store, log *logger.Logger) *Ledger {
	return &Ledger{
		store:  st,
		logger: log.WithFields(zap.String("component", "version-ledger")),
	}
}

// Record appends a history row iff at least one new-side field differs from
// its old-side counterpart. Returns whether a row was written.
func (l *Ledger) Record(ctx context.Context, h *fleet.VersionHistory) (bool, error) {
	if !h.Changed() {
		return false, nil
	}
	if err := l.store.AppendVersionHistory(ctx, h); err != nil {
		return false, err
	}
	l.logger.WithInstanceID(h.InstanceID).Info("version change recorded",
		zap.String("old_version", h.OldVersion),
		zap.String("new_version", h.NewVersion),
		zap.String("changed_by", h.ChangedBy),
		zap.String("change_source", h.ChangeSource),
		zap.String("task_id", h.TaskID))
	return true, nil
}

var versionTokenPattern = regexp.MustCompile(`\d+(?:\.\d+)+(?:[-._][0-9A-Za-z]+)*`)

// Update is the best-effort observed state after a successful update.
type Update struct {
	Version string
	Image   string
	Tag     string
}

// DeriveUpdate computes the new observed version fields for an instance
// updated from distrURL. For docker instances distrURL is an image
// reference whose tag becomes the version; for everything else the version
// token is extracted from the artifact file name.
func DeriveUpdate(inst *fleet.Instance, distrURL string) Update {
	if inst.AppType == fleet.AppTypeDocker {
		image, tag := splitImageRef(distrURL)
		return Update{Version: tag, Image: image, Tag: tag}
	}

	name := path.Base(distrURL)
	if ext := path.Ext(name); ext != "" {
		name = strings.TrimSuffix(name, ext)
	}
	return Update{
		Version: versionTokenPattern.FindString(name),
		Image:   inst.Image,
		Tag:     inst.Tag,
	}
}

// splitImageRef splits an image reference into name and tag. A missing tag
// defaults to latest; a port in the registry host is not mistaken for a tag.
func splitImageRef(ref string) (string, string) {
	idx := strings.LastIndex(ref, ":")
	if idx < 0 || strings.Contains(ref[idx+1:], "/") {
		return ref, "latest"
	}
	return ref[:idx], ref[idx+1:]
}
