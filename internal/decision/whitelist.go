package decision

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nadmax/deferd/internal/repository"
	"github.com/nadmax/deferd/internal/repository/models"
)

// Whitelist is the set of task names the engine may approve. It combines the
// boot-time set from configuration with overrides persisted by Add and Remove;
// the most recent override for a name wins.
type Whitelist struct {
	mu        sync.RWMutex
	base      map[string]struct{}
	overrides map[string]models.WhitelistAction
	store     repository.WhitelistRepository
}

func NewWhitelist(base []string, store repository.WhitelistRepository) *Whitelist {
	w := &Whitelist{
		base:      make(map[string]struct{}, len(base)),
		overrides: make(map[string]models.WhitelistAction),
		store:     store,
	}
	for _, name := range base {
		w.base[name] = struct{}{}
	}
	return w
}

// Refresh replaces the in-memory overrides with the persisted ones, replayed
// in the order they were written. Processes sharing a store call it
// periodically to pick up each other's Add and Remove.
func (w *Whitelist) Refresh(ctx context.Context) error {
	if w.store == nil {
		return nil
	}

	overrides, err := w.store.ListWhitelistOverrides(ctx)
	if err != nil {
		return fmt.Errorf("failed to load whitelist overrides: %w", err)
	}

	latest := make(map[string]models.WhitelistAction, len(overrides))
	for _, o := range overrides {
		latest[o.TaskName] = o.Action
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.overrides = latest
	return nil
}

func (w *Whitelist) Contains(name string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.containsLocked(name)
}

func (w *Whitelist) containsLocked(name string) bool {
	switch w.overrides[name] {
	case models.WhitelistAdd:
		return true
	case models.WhitelistRemove:
		return false
	}
	_, ok := w.base[name]
	return ok
}

func (w *Whitelist) Add(ctx context.Context, name string) error {
	return w.apply(ctx, name, models.WhitelistAdd)
}

func (w *Whitelist) Remove(ctx context.Context, name string) error {
	return w.apply(ctx, name, models.WhitelistRemove)
}

// apply persists the override before it takes effect.
func (w *Whitelist) apply(ctx context.Context, name string, action models.WhitelistAction) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.store != nil {
		err := w.store.SaveWhitelistOverride(ctx, models.WhitelistOverride{
			TaskName:  name,
			Action:    action,
			CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			return err
		}
	}
	w.overrides[name] = action
	return nil
}

// List returns the effective whitelist, sorted.
func (w *Whitelist) List() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()

	seen := make(map[string]struct{}, len(w.base)+len(w.overrides))
	for name := range w.base {
		seen[name] = struct{}{}
	}
	for name := range w.overrides {
		seen[name] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for name := range seen {
		if w.containsLocked(name) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
