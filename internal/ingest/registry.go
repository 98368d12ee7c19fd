package ingest

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"hackstone/internal/logging"
)

// Agent is one registered remote submitter.
type Agent struct {
	ID          string `yaml:"id"`
	Description string `yaml:"description,omitempty"`
}

// Registry is the set of agents allowed to submit events. An empty
// registry accepts any agent id.
type Registry struct {
	agents map[string]Agent
}

type registryFile struct {
	Agents []Agent `yaml:"agents"`
}

// NewRegistry builds a registry from an explicit agent list.
func NewRegistry(agents []Agent) *Registry {
	r := &Registry{agents: make(map[string]Agent, len(agents))}
	for _, a := range agents {
		if a.ID != "" {
			r.agents[a.ID] = a
		}
	}
	return r
}

// LoadRegistry reads the YAML agent registry. A missing file is replaced
// with an empty default; a corrupt file is backed up and replaced. Either
// way startup proceeds with a permissive registry.
func LoadRegistry(path string, log *logging.Logger) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		log.Info("agent registry missing, writing default", "path", path)
		if werr := writeDefaultRegistry(path); werr != nil {
			return nil, werr
		}
		return NewRegistry(nil), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read agent registry: %w", err)
	}

	var rf registryFile
	if err := yaml.Unmarshal(raw, &rf); err != nil {
		backup := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
		if rerr := os.Rename(path, backup); rerr == nil {
			log.Warn("agent registry corrupt, backed up", "path", path, "backup", backup, "error", err)
		} else {
			log.Warn("agent registry corrupt and backup failed", "path", path, "error", err)
		}
		if werr := writeDefaultRegistry(path); werr != nil {
			return nil, werr
		}
		return NewRegistry(nil), nil
	}

	return NewRegistry(rf.Agents), nil
}

func writeDefaultRegistry(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create registry dir: %w", err)
	}
	raw, err := yaml.Marshal(registryFile{Agents: []Agent{}})
	if err != nil {
		return fmt.Errorf("marshal default registry: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("write default registry: %w", err)
	}
	return nil
}

// Known reports whether an agent may submit. An empty registry is open.
func (r *Registry) Known(agentID string) bool {
	if len(r.agents) == 0 {
		return true
	}
	_, ok := r.agents[agentID]
	return ok
}

// Size returns the number of registered agents.
func (r *Registry) Size() int {
	return len(r.agents)
}
