package storage

import (
	"sync"
	"time"

	"github.com/google/btree"
)

// catalogEntry is the in-memory index record for one stored snapshot.
type catalogEntry struct {
	meta Metadata
	// unreadable marks entries whose header could not be decoded; they stay
	// listed so integrity checks can report them.
	unreadable bool
}

func entryLess(a, b catalogEntry) bool {
	if !a.meta.CreatedAt.Equal(b.meta.CreatedAt) {
		return a.meta.CreatedAt.Before(b.meta.CreatedAt)
	}
	if sa, sb := idAttempt(a.meta.ID), idAttempt(b.meta.ID); sa != sb {
		return sa < sb
	}
	return a.meta.ID < b.meta.ID
}

// catalog orders snapshot metadata by (CreatedAt, attempt, ID).
type catalog struct {
	tree *btree.BTreeG[catalogEntry]
	byID map[string]catalogEntry
}

func newCatalog() *catalog {
	return &catalog{
		tree: btree.NewG[catalogEntry](32, entryLess),
		byID: make(map[string]catalogEntry),
	}
}

func (c *catalog) put(e catalogEntry) {
	if old, ok := c.byID[e.meta.ID]; ok {
		c.tree.Delete(old)
	}
	c.tree.ReplaceOrInsert(e)
	c.byID[e.meta.ID] = e
}

func (c *catalog) remove(id string) {
	if old, ok := c.byID[id]; ok {
		c.tree.Delete(old)
		delete(c.byID, id)
	}
}

func (c *catalog) get(id string) (catalogEntry, bool) {
	e, ok := c.byID[id]
	return e, ok
}

func (c *catalog) has(id string) bool {
	_, ok := c.byID[id]
	return ok
}

func (c *catalog) len() int {
	return c.tree.Len()
}

// latest returns the most recent entry.
func (c *catalog) latest() (catalogEntry, bool) {
	return c.tree.Max()
}

// newestFirst returns up to limit entries, most recent first; limit <= 0 means all.
func (c *catalog) newestFirst(limit int) []catalogEntry {
	var out []catalogEntry
	c.tree.Descend(func(e catalogEntry) bool {
		out = append(out, e)
		return limit <= 0 || len(out) < limit
	})
	return out
}

// pinSet counts in-flight references to snapshots.
type pinSet struct {
	mu   sync.Mutex
	pins map[string]int
}

func newPinSet() *pinSet {
	return &pinSet{pins: make(map[string]int)}
}

// pin marks id in use; the returned release is safe to call more than once.
func (p *pinSet) pin(id string) func() {
	p.mu.Lock()
	p.pins[id]++
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			p.pins[id]--
			if p.pins[id] <= 0 {
				delete(p.pins, id)
			}
		})
	}
}

func (p *pinSet) pinned(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pins[id] > 0
}

// planRetention splits newest-first entries into retained and expired.
// The most recent snapshot is always retained so the next comparison has a
// baseline.
func planRetention(entries []catalogEntry, policy RetentionPolicy, now time.Time) (retained, expired []catalogEntry) {
	for i, e := range entries {
		expire := false
		if policy.MaxCount > 0 && i >= policy.MaxCount {
			expire = true
		}
		if policy.MaxAge > 0 && now.Sub(e.meta.CreatedAt) > policy.MaxAge {
			expire = true
		}
		if i == 0 {
			expire = false
		}
		if expire {
			expired = append(expired, e)
		} else {
			retained = append(retained, e)
		}
	}

	// oldest first
	for i, j := 0, len(expired)-1; i < j; i, j = i+1, j-1 {
		expired[i], expired[j] = expired[j], expired[i]
	}
	return retained, expired
}
