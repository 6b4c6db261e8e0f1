// Package flows holds the YAML-directory-backed registry of declarative
// pipeline labels tasks may reference via their flow field.
package flows

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

var idPattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

var (
	ErrInvalidFlow = errors.New("invalid flow")
	ErrFlowStorage = errors.New("flow storage error")
)

type Registry struct {
	dir   string
	flows map[string]*Flow
	mu    sync.RWMutex
}

func NewRegistry(dir string) (*Registry, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("flows dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create flows dir: %w", err)
	}

	r := &Registry{dir: dir, flows: make(map[string]*Flow)}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) Get(id string) *Flow {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.flows[id]
	if !ok {
		return nil
	}
	return clone(f)
}

func (r *Registry) List() []*Flow {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Flow, 0, len(r.flows))
	for _, f := range r.flows {
		result = append(result, clone(f))
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Name == result[j].Name {
			return result[i].ID < result[j].ID
		}
		return result[i].Name < result[j].Name
	})
	return result
}

// Len reports how many flows are registered. Flow validation on task
// creation only applies once this is non-zero.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.flows)
}

func (r *Registry) Reload() error {
	loaded, err := loadDir(r.dir)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.flows = loaded
	r.mu.Unlock()
	return nil
}

func (r *Registry) Save(f *Flow) error {
	if f == nil {
		return fmt.Errorf("%w: flow is required", ErrInvalidFlow)
	}
	clean := clone(f)
	if err := validate(clean); err != nil {
		return err
	}

	data, err := yaml.Marshal(clean)
	if err != nil {
		return fmt.Errorf("%w: marshal flow: %v", ErrFlowStorage, err)
	}
	path := filepath.Join(r.dir, clean.ID+".yaml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("%w: write flow %q: %v", ErrFlowStorage, path, err)
	}

	r.mu.Lock()
	r.flows[clean.ID] = clean
	r.mu.Unlock()
	return nil
}

func loadDir(dir string) (map[string]*Flow, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read flows dir: %w", err)
	}

	loaded := make(map[string]*Flow)
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
			return nil, fmt.Errorf("read flow %q: %w", path, err)
		}
		var f Flow
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parse flow %q: %w", path, err)
		}
		if f.ID == "" {
			f.ID = strings.TrimSuffix(strings.TrimSuffix(entry.Name(), ".yaml"), ".yml")
		}
		if err := validate(&f); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if _, exists := loaded[f.ID]; exists {
			return nil, fmt.Errorf("duplicate flow id %q", f.ID)
		}
		loaded[f.ID] = &f
	}
	return loaded, nil
}

func validate(f *Flow) error {
	if strings.TrimSpace(f.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidFlow)
	}
	if !idPattern.MatchString(f.ID) {
		return fmt.Errorf("%w: id must be lowercase alphanumeric with hyphens", ErrInvalidFlow)
	}
	if strings.TrimSpace(f.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidFlow)
	}
	return nil
}

func clone(f *Flow) *Flow {
	if f == nil {
		return nil
	}
	out := *f
	out.Phases = append([]string(nil), f.Phases...)
	return &out
}
