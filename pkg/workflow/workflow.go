// Package workflow describes the workflow types that workers can execute and
// the manager that validates submissions against them.
package workflow

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"omotes/internal/apperrors"
)

// Type is one kind of job a worker can execute. Two types are equal when
// their names are equal.
type Type struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// Manager holds the set of known workflow types. It is immutable after
// construction and safe for concurrent use.
type Manager struct {
	types map[string]Type
}

// NewManager creates a manager. Later duplicates of a name replace earlier ones.
func NewManager(types ...Type) (*Manager, error) {
	m := &Manager{types: make(map[string]Type, len(types))}
	for _, t := range types {
		t.Name = strings.TrimSpace(t.Name)
		if t.Name == "" {
			return nil, apperrors.Validation("name", "workflow type name is required")
		}
		if strings.ContainsAny(t.Name, " \t.*#") {
			return nil, apperrors.Validation("name", fmt.Sprintf("workflow type name %q contains reserved characters", t.Name))
		}
		m.types[t.Name] = t
	}
	return m, nil
}

// Get returns the workflow type with the given name.
func (m *Manager) Get(name string) (Type, bool) {
	t, ok := m.types[name]
	return t, ok
}

// Exists reports whether name is a known workflow type.
func (m *Manager) Exists(name string) bool {
	_, ok := m.types[name]
	return ok
}

// Validate returns a validation error when name is not a known workflow type.
func (m *Manager) Validate(name string) error {
	if name == "" {
		return apperrors.Validation("workflowType", "workflow type is required")
	}
	if !m.Exists(name) {
		return apperrors.Validation("workflowType", fmt.Sprintf("unknown workflow type %q", name))
	}
	return nil
}

// All returns every workflow type sorted by name.
func (m *Manager) All() []Type {
	out := make([]Type, 0, len(m.types))
	for _, t := range m.types {
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b Type) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Names returns every workflow type name sorted.
func (m *Manager) Names() []string {
	all := m.All()
	names := make([]string, len(all))
	for i, t := range all {
		names[i] = t.Name
	}
	return names
}

// File is the YAML layout of a workflow definition file.
type File struct {
	Workflows []Type `yaml:"workflows"`
}

// Parse builds a manager from YAML.
func Parse(data []byte) (*Manager, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse workflow file: %w", err)
	}
	return NewManager(f.Workflows...)
}

// LoadFile builds a manager from a YAML file.
func LoadFile(path string) (*Manager, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow file: %w", err)
	}
	return Parse(b)
}
