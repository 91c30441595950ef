// Package orchestrators loads the catalog of known orchestrator playbooks.
// An orchestrator playbook manages a multi-server rollout itself; batch
// submissions naming one are validated against this catalog when it is
// configured.
package orchestrators

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Playbook describes one orchestrator playbook and its parameter contract.
type Playbook struct {
	Name           string            `yaml:"name"`
	FilePath       string            `yaml:"file_path"`
	Version        string            `yaml:"version,omitempty"`
	Active         bool              `yaml:"active"`
	RequiredParams map[string]string `yaml:"required_params,omitempty"`
	OptionalParams map[string]string `yaml:"optional_params,omitempty"`
}

// Catalog is the set of known orchestrator playbooks, keyed by file path.
// An empty catalog disables validation (the check is advisory metadata).
type Catalog struct {
	byPath map[string]*Playbook
}

// Load reads the catalog from a YAML file. An empty path yields an empty
// catalog.
func Load(path string) (*Catalog, error) {
	c := &Catalog{byPath: make(map[string]*Playbook)}
	if path == "" {
		return c, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read orchestrator catalog: %w", err)
	}

	var file struct {
		Orchestrators []*Playbook `yaml:"orchestrators"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse orchestrator catalog: %w", err)
	}

	for _, pb := range file.Orchestrators {
		if pb.FilePath == "" {
			return nil, fmt.Errorf("orchestrator %q has no file_path", pb.Name)
		}
		c.byPath[pb.FilePath] = pb
	}
	return c, nil
}

// Empty reports whether the catalog has no entries.
func (c *Catalog) Empty() bool {
	return len(c.byPath) == 0
}

// Lookup returns the playbook registered under the given file path.
func (c *Catalog) Lookup(filePath string) (*Playbook, bool) {
	pb, ok := c.byPath[filePath]
	return pb, ok
}

// Validate checks that filePath refers to an active catalog entry. With an
// empty catalog every path passes.
func (c *Catalog) Validate(filePath string) error {
	if c.Empty() {
		return nil
	}
	pb, ok := c.byPath[filePath]
	if !ok {
		return fmt.Errorf("unknown orchestrator playbook: %s", filePath)
	}
	if !pb.Active {
		return fmt.Errorf("orchestrator playbook %s is inactive", filePath)
	}
	return nil
}
