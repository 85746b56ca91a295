// Package coord owns the cross worker exclusion shared by entity workers: the
// claim set that keeps one entity on one worker at a time, and per entity locks
// around IdVault read/merge/write cycles
package coord

import (
	"context"
	"sort"
	"sync"
	"time"

	"adlake/internal/platform/logger"
	"adlake/internal/services/importer/domain"
)

// Coordinator is injected into every component that needs cross worker exclusion
type Coordinator struct {
	mu     sync.Mutex
	claims map[string]struct{}
	vaults map[string]*sync.Mutex
	now    func() time.Time
}

// New returns an empty Coordinator
func New() *Coordinator {
	return &Coordinator{claims: map[string]struct{}{}, vaults: map[string]*sync.Mutex{}, now: time.Now}
}

// Claim marks key as owned. It returns false when another worker holds it.
// The returned release is idempotent
func (c *Coordinator) Claim(key string) (release func(), ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, held := c.claims[key]; held {
		return func() {}, false
	}
	c.claims[key] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.claims, key)
			c.mu.Unlock()
		})
	}, true
}

// Claimed lists held keys, sorted
func (c *Coordinator) Claimed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.claims))
	for k := range c.claims {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// vaultLock returns the lock for one entity's vault entry. The shared mutex is
// held only for the map lookup, never across vault I/O
func (c *Coordinator) vaultLock(entityID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.vaults[entityID]
	if !ok {
		l = &sync.Mutex{}
		c.vaults[entityID] = l
	}
	return l
}

// LoadVault reads an entity's vault entry under the entity's lock
func (c *Coordinator) LoadVault(ctx context.Context, v domain.IDVault, entityID string) (domain.VaultEntry, error) {
	l := c.vaultLock(entityID)
	l.Lock()
	defer l.Unlock()
	return v.Load(ctx, entityID)
}

// MergeVault adds confirmed ids per level to the stored entry and writes it back.
// Nothing is written when no id is new
func (c *Coordinator) MergeVault(ctx context.Context, v domain.IDVault, entityID string, confirmed map[string][]string) error {
	l := c.vaultLock(entityID)
	l.Lock()
	defer l.Unlock()

	cur, err := v.Load(ctx, entityID)
	if err != nil {
		return err
	}
	if cur.Levels == nil {
		cur.Levels = map[string][]string{}
	}
	cur.EntityID = entityID

	added := 0
	for level, ids := range confirmed {
		for _, id := range ids {
			if !cur.Has(level, id) {
				cur.Levels[level] = append(cur.Levels[level], id)
				added++
			}
		}
	}
	if added == 0 {
		return nil
	}
	for level := range cur.Levels {
		sort.Strings(cur.Levels[level])
	}
	cur.UpdatedAt = c.now().UTC()
	logger.C(ctx).Debug().Int("added", added).Msg("id vault updated")
	return v.Save(ctx, cur)
}
