// Package costs maps API operations to credit costs.
//
// Resolution is a pure lookup: Cost performs no I/O, is deterministic, and is
// total over any method/path pair (unmapped operations cost DefaultCost).
// The table can be overridden from a YAML file and hot-reloaded on change;
// reloads swap the table atomically so in-flight lookups never observe a
// partial merge.
package costs

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/platinummonkey/tally/pkg/observability"
	"gopkg.in/yaml.v3"
)

// DefaultCost applies to any operation without an explicit entry.
const DefaultCost int64 = 1

// defaultTable mirrors the production cost schedule. Purchase initiation is
// free so a user with zero credits can still buy more.
var defaultTable = map[string]int64{
	"GET /api/users":            1,
	"POST /api/users":           5,
	"PUT /api/users":            3,
	"DELETE /api/users":         5,
	"GET /api/organizations":    2,
	"POST /api/organizations":   10,
	"PUT /api/organizations":    5,
	"DELETE /api/organizations": 15,
	"GET /api/analytics":        5,
	"POST /api/analytics":       10,
	"GET /api/reports":          8,
	"POST /api/reports":         15,
	"GET /api/files":            3,
	"POST /api/files":           8,
	"DELETE /api/files":         5,
	"GET /api/credits":          1,
	"POST /api/credits/purchase": 0,
}

// fileFormat is the YAML override schema.
type fileFormat struct {
	Costs       map[string]int64 `yaml:"costs"`
	DefaultCost *int64           `yaml:"default_cost"`
}

// Resolver resolves the credit cost of an API operation.
type Resolver struct {
	mu          sync.RWMutex
	table       map[string]int64
	defaultCost int64
}

// NewResolver creates a resolver with the built-in cost schedule.
func NewResolver() *Resolver {
	table := make(map[string]int64, len(defaultTable))
	for k, v := range defaultTable {
		table[k] = v
	}
	return &Resolver{table: table, defaultCost: DefaultCost}
}

// Cost returns the credit cost for (method, path). Pure and total: unknown
// operations resolve to the default cost, never an error.
func (r *Resolver) Cost(method, path string) int64 {
	key := strings.ToUpper(method) + " " + path
	r.mu.RLock()
	defer r.mu.RUnlock()
	if cost, ok := r.table[key]; ok {
		return cost
	}
	return r.defaultCost
}

// LoadFile merges a YAML override file over the built-in schedule. The swap
// is atomic; a malformed file leaves the current table untouched.
func (r *Resolver) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read cost file: %w", err)
	}

	var overrides fileFormat
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return fmt.Errorf("parse cost file %s: %w", path, err)
	}
	for key, cost := range overrides.Costs {
		if cost < 0 {
			return fmt.Errorf("cost file %s: negative cost %d for %q", path, cost, key)
		}
	}

	table := make(map[string]int64, len(defaultTable)+len(overrides.Costs))
	for k, v := range defaultTable {
		table[k] = v
	}
	for k, v := range overrides.Costs {
		table[k] = v
	}
	defaultCost := DefaultCost
	if overrides.DefaultCost != nil && *overrides.DefaultCost >= 0 {
		defaultCost = *overrides.DefaultCost
	}

	r.mu.Lock()
	r.table = table
	r.defaultCost = defaultCost
	r.mu.Unlock()
	return nil
}

// Watch reloads the override file whenever it changes, until ctx is done.
// Reload failures keep the previous table and are logged, not fatal.
func (r *Resolver) Watch(ctx context.Context, path string, logger *observability.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create cost file watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return fmt.Errorf("watch cost file %s: %w", path, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := r.LoadFile(path); err != nil {
					logger.WithError(err).Warnf("cost file reload failed, keeping previous table")
					continue
				}
				logger.Infof("cost table reloaded from %s", path)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.WithError(err).Warn("cost file watcher error")
			}
		}
	}()
	return nil
}
