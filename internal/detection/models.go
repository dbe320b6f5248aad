package detection

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ModelInfo describes a model known to the registry.
type ModelInfo struct {
	Name     string     `json:"name"`
	Loaded   bool       `json:"loaded"`
	LoadedAt *time.Time `json:"loaded_at,omitempty"`
}

// Models tracks which models the detection service has loaded. Concurrent
// checks of the same model share a single call to the service.
type Models struct {
	loader Loader
	group  singleflight.Group

	mu     sync.RWMutex
	known  map[string]bool
	loaded map[string]time.Time
}

// NewModels creates a registry that knows the given model identifiers.
func NewModels(loader Loader, known []string) *Models {
	m := &Models{
		loader: loader,
		known:  make(map[string]bool, len(known)),
		loaded: make(map[string]time.Time),
	}
	for _, name := range known {
		m.known[name] = true
	}
	return m
}

// Ensure asks the service to load model and records the outcome. Every call
// reaches the service; the loaded set only feeds List.
func (m *Models) Ensure(ctx context.Context, model string) error {
	if model == "" {
		return fmt.Errorf("%w: empty model identifier", ErrModelUnavailable)
	}

	_, err, _ := m.group.Do(model, func() (interface{}, error) {
		if err := m.loader.Load(ctx, model); err != nil {
			m.Forget(model)
			return nil, err
		}
		m.mu.Lock()
		m.known[model] = true
		if _, ok := m.loaded[model]; !ok {
			m.loaded[model] = time.Now()
		}
		m.mu.Unlock()
		return nil, nil
	})
	if err != nil && !errors.Is(err, ErrModelUnavailable) {
		err = fmt.Errorf("%w: %s: %v", ErrModelUnavailable, model, err)
	}
	return err
}

// Forget marks model as not loaded.
func (m *Models) Forget(model string) {
	m.mu.Lock()
	delete(m.loaded, model)
	m.mu.Unlock()
}

// List returns every known model sorted by name.
func (m *Models) List() []ModelInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	infos := make([]ModelInfo, 0, len(m.known))
	for name := range m.known {
		info := ModelInfo{Name: name}
		if at, ok := m.loaded[name]; ok {
			info.Loaded = true
			info.LoadedAt = &at
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}
