// Package roles holds the YAML-directory-backed registry of role names and
// their default claim queues.
package roles

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

var namePattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

type Registry struct {
	dir   string
	roles map[string]*Role
	mu    sync.RWMutex
}

func NewRegistry(dir string) (*Registry, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("roles dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create roles dir: %w", err)
	}

	r := &Registry{dir: dir, roles: make(map[string]*Role)}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Get returns the registered role and whether it exists. A registry with no
// files at all means role validation is disabled everywhere it is checked.
func (r *Registry) Get(name string) (*Role, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	role, ok := r.roles[name]
	if !ok {
		return nil, false
	}
	clone := *role
	return &clone, true
}

func (r *Registry) List() []*Role {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Role, 0, len(r.roles))
	for _, role := range r.roles {
		clone := *role
		result = append(result, &clone)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Len reports how many roles are registered. Role-name validation on task
// creation only applies once this is non-zero.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.roles)
}

func (r *Registry) Reload() error {
	loaded, err := loadDir(r.dir)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.roles = loaded
	r.mu.Unlock()
	return nil
}

func (r *Registry) Save(role *Role) error {
	if role == nil {
		return errors.New("role is required")
	}
	if err := validate(role); err != nil {
		return err
	}
	data, err := yaml.Marshal(role)
	if err != nil {
		return fmt.Errorf("marshal role: %w", err)
	}
	path := filepath.Join(r.dir, role.Name+".yaml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write role %q: %w", path, err)
	}

	clone := *role
	r.mu.Lock()
	r.roles[role.Name] = &clone
	r.mu.Unlock()
	return nil
}

func loadDir(dir string) (map[string]*Role, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read roles dir: %w", err)
	}

	loaded := make(map[string]*Role)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := strings.ToLower(entry.Name())
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read role %q: %w", path, err)
		}
		var role Role
		if err := yaml.Unmarshal(data, &role); err != nil {
			return nil, fmt.Errorf("parse role %q: %w", path, err)
		}
		if err := validate(&role); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if _, exists := loaded[role.Name]; exists {
			return nil, fmt.Errorf("duplicate role name %q", role.Name)
		}
		loaded[role.Name] = &role
	}
	return loaded, nil
}

func validate(role *Role) error {
	if strings.TrimSpace(role.Name) == "" {
		return errors.New("name is required")
	}
	if !namePattern.MatchString(role.Name) {
		return errors.New("name must be lowercase alphanumeric with hyphens")
	}
	return nil
}
