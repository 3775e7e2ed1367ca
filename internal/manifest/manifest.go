// Package manifest loads the YAML declaration of features, workers, and
// servers that plan and run commands operate on.
package manifest

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/wavework/foreman/pkg/models"
)

// ErrNoFeatures indicates a manifest declaring no features.
var ErrNoFeatures = errors.New("manifest declares no features")

// ServerDecl declares one pooled server.
type ServerDecl struct {
	// ID is the unique server identifier.
	ID string `yaml:"id"`
	// URL is the server's transport address.
	URL string `yaml:"url"`
	// Priority ranks the server for the PRIORITY strategy.
	Priority int `yaml:"priority"`
}

// Manifest is the declarative input for one session.
type Manifest struct {
	Features []models.Feature `yaml:"features"`
	Workers  []models.Worker  `yaml:"workers"`
	Servers  []ServerDecl     `yaml:"servers"`
}

// Load reads and validates a manifest file.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates manifest YAML.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the manifest's structural requirements. Dependency
// resolution and cycle detection belong to the analyzer; only local shape
// is checked here.
func (m *Manifest) Validate() error {
	if len(m.Features) == 0 {
		return ErrNoFeatures
	}
	for i, f := range m.Features {
		if f.ID == "" {
			return fmt.Errorf("feature %d: id is required", i)
		}
		if f.AgentType == "" {
			return fmt.Errorf("feature %s: agent_type is required", f.ID)
		}
		if f.Priority != "" && !f.Priority.Valid() {
			return fmt.Errorf("feature %s: unknown priority %q", f.ID, f.Priority)
		}
	}
	for i, w := range m.Workers {
		if w.ID == "" {
			return fmt.Errorf("worker %d: id is required", i)
		}
	}
	seen := make(map[string]bool, len(m.Servers))
	for i, s := range m.Servers {
		if s.ID == "" {
			return fmt.Errorf("server %d: id is required", i)
		}
		if s.URL == "" {
			return fmt.Errorf("server %s: url is required", s.ID)
		}
		if seen[s.ID] {
			return fmt.Errorf("server %s declared twice", s.ID)
		}
		seen[s.ID] = true
	}
	return nil
}
