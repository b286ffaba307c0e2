package uidcache

import (
	"math"
	"sort"
)

const (
	DefaultOldEmailsLimit = 1200
	DefaultEvictionCount  = 100
)

// OldEmailsCache remembers server messages that fall outside the sync
// window so they are not downloaded again. It holds at most limit entries;
// when full, the evictCount oldest entries are dropped in one pass.
type OldEmailsCache struct {
	entries    map[string]int64
	limit      int
	evictCount int
	oldest     int64
	changed    bool
}

func NewOldEmailsCache() *OldEmailsCache {
	return NewOldEmailsCacheWithLimit(DefaultOldEmailsLimit, DefaultEvictionCount)
}

func NewOldEmailsCacheWithLimit(limit, evictCount int) *OldEmailsCache {
	if evictCount < 1 {
		evictCount = 1
	}
	if limit < evictCount {
		limit = evictCount
	}
	return &OldEmailsCache{
		entries:    make(map[string]int64),
		limit:      limit,
		evictCount: evictCount,
		oldest:     math.MaxInt64,
	}
}

// Add records uid with its timestamp. Once the cache is full, an entry older
// than everything cached is ignored.
func (c *OldEmailsCache) Add(uid string, timestamp int64) {
	existing, ok := c.entries[uid]
	if ok && existing == timestamp {
		return
	}
	if !ok && len(c.entries) >= c.limit {
		if timestamp < c.oldest {
			return
		}
		c.evictOldest()
	}

	c.entries[uid] = timestamp
	if timestamp < c.oldest {
		c.oldest = timestamp
	}
	c.changed = true
}

// Timestamp returns the cached timestamp of uid.
func (c *OldEmailsCache) Timestamp(uid string) (int64, bool) {
	ts, ok := c.entries[uid]
	return ts, ok
}

func (c *OldEmailsCache) Contains(uid string) bool {
	_, ok := c.entries[uid]
	return ok
}

func (c *OldEmailsCache) Remove(uid string) {
	ts, ok := c.entries[uid]
	if !ok {
		return
	}
	delete(c.entries, uid)
	if ts == c.oldest {
		c.recalculateOldest()
	}
	c.changed = true
}

// ApplySyncWindow drops entries newer than cutoff; they are inside the
// window again after it was widened.
func (c *OldEmailsCache) ApplySyncWindow(cutoff int64) {
	removed := false
	for uid, ts := range c.entries {
		if ts > cutoff {
			delete(c.entries, uid)
			removed = true
		}
	}
	if removed {
		c.recalculateOldest()
		c.changed = true
	}
}

// Retain drops every entry for which keep returns false.
func (c *OldEmailsCache) Retain(keep func(uid string) bool) int {
	removed := 0
	for uid := range c.entries {
		if !keep(uid) {
			delete(c.entries, uid)
			removed++
		}
	}
	if removed > 0 {
		c.recalculateOldest()
		c.changed = true
	}
	return removed
}

func (c *OldEmailsCache) Len() int {
	return len(c.entries)
}

func (c *OldEmailsCache) HasChanged() bool {
	return c.changed
}

func (c *OldEmailsCache) SetChanged(changed bool) {
	c.changed = changed
}

// Entries returns the cached pairs ordered by uid.
func (c *OldEmailsCache) Entries() []OldEmail {
	out := make([]OldEmail, 0, len(c.entries))
	for uid, ts := range c.entries {
		out = append(out, OldEmail{UID: uid, Timestamp: ts})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out
}

func (c *OldEmailsCache) evictOldest() {
	type entry struct {
		uid string
		ts  int64
	}
	all := make([]entry, 0, len(c.entries))
	for uid, ts := range c.entries {
		all = append(all, entry{uid, ts})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].ts != all[j].ts {
			return all[i].ts < all[j].ts
		}
		return all[i].uid < all[j].uid
	})

	n := c.evictCount
	if n > len(all) {
		n = len(all)
	}
	for _, e := range all[:n] {
		delete(c.entries, e.uid)
	}
	c.recalculateOldest()
	c.changed = true
}

func (c *OldEmailsCache) recalculateOldest() {
	c.oldest = math.MaxInt64
	for _, ts := range c.entries {
		if ts < c.oldest {
			c.oldest = ts
		}
	}
}
