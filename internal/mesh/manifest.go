// Package mesh discovers agent projects on disk, keeps a durable registry
// of their manifests, derives per-agent health from heartbeats, and computes
// a namespace-scoped topology view governed by access rules.
package mesh

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// DotDir is the per-project state directory a registered agent carries.
const DotDir = ".dork"

// ManifestFile is the manifest filename inside DotDir.
const ManifestFile = "agent.json"

// Runtime labels. Anything unrecognized maps to RuntimeOther.
const (
	RuntimeClaudeCode = "claude-code"
	RuntimeCursor     = "cursor"
	RuntimeCodex      = "codex"
	RuntimeOther      = "other"
)

// Behavior configures how an agent responds to mesh traffic.
type Behavior struct {
	ResponseMode        string `json:"responseMode"`
	EscalationThreshold int    `json:"escalationThreshold,omitempty"`
}

// BudgetLimits caps an agent's relay usage.
type BudgetLimits struct {
	MaxHopsPerMessage int `json:"maxHopsPerMessage"`
	MaxCallsPerHour   int `json:"maxCallsPerHour"`
}

// Persona is an optional self-description injected into the agent's system
// prompt when enabled.
type Persona struct {
	Enabled bool   `json:"enabled"`
	Text    string `json:"text"`
}

// Manifest describes a registered agent. The same shape is persisted in the
// registry and in the on-disk file at {projectPath}/.dork/agent.json.
type Manifest struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Description  string       `json:"description,omitempty"`
	Runtime      string       `json:"runtime"`
	Capabilities []string     `json:"capabilities"`
	Behavior     Behavior     `json:"behavior"`
	Budget       BudgetLimits `json:"budget"`
	Persona      *Persona     `json:"persona,omitempty"`
	ProjectPath  string       `json:"projectPath"`
	ScanRoot     string       `json:"scanRoot,omitempty"`
	Icon         string       `json:"icon,omitempty"`
	Color        string       `json:"color,omitempty"`
	RegisteredAt string       `json:"registeredAt"`
	RegisteredBy string       `json:"registeredBy,omitempty"`
	UpdatedAt    string       `json:"updatedAt"`
}

// Namespace returns the prefix of the manifest name up to the first dot.
// Names without a dot fall into the "default" namespace.
func (m Manifest) Namespace() string {
	return namespaceOf(m.Name)
}

// ManifestPath returns the on-disk manifest location for a project.
func ManifestPath(projectPath string) string {
	return filepath.Join(projectPath, DotDir, ManifestFile)
}

// WriteManifestFile writes the manifest atomically, pretty-printed with
// 2-space indent and a trailing newline.
func WriteManifestFile(m Manifest) error {
	path := ManifestPath(m.ProjectPath)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create %s dir: %w", DotDir, err)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	data = append(data, '\n')

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace manifest: %w", err)
	}
	return nil
}

// ReadManifestFile loads the manifest stored under projectPath.
func ReadManifestFile(projectPath string) (Manifest, error) {
	data, err := os.ReadFile(ManifestPath(projectPath))
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	return m, nil
}

// RemoveManifestFile deletes the on-disk manifest. Missing files are fine.
func RemoveManifestFile(projectPath string) error {
	err := os.Remove(ManifestPath(projectPath))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func namespaceOf(name string) string {
	for i := 0; i < len(name); i++ {
		if name[i] == '.' {
			if i == 0 {
				return "default"
			}
			return name[:i]
		}
	}
	return "default"
}
