package uidcache

import "sort"

// DeletedEmailsCache tracks deletions that have not reached the server yet.
// Locally deleted uids are kept out of the sync while the account does not
// mirror deletions to the server; pending uids are waiting for DELE.
type DeletedEmailsCache struct {
	localDeleted   map[string]struct{}
	pendingDeleted map[string]struct{}
	changed        bool
}

func NewDeletedEmailsCache() *DeletedEmailsCache {
	return &DeletedEmailsCache{
		localDeleted:   make(map[string]struct{}),
		pendingDeleted: make(map[string]struct{}),
	}
}

func (c *DeletedEmailsCache) AddLocalDeleted(uid string) {
	if _, ok := c.localDeleted[uid]; ok {
		return
	}
	c.localDeleted[uid] = struct{}{}
	c.changed = true
}

func (c *DeletedEmailsCache) IsLocalDeleted(uid string) bool {
	_, ok := c.localDeleted[uid]
	return ok
}

func (c *DeletedEmailsCache) RemoveLocalDeleted(uid string) {
	if _, ok := c.localDeleted[uid]; !ok {
		return
	}
	delete(c.localDeleted, uid)
	c.changed = true
}

func (c *DeletedEmailsCache) LocalDeleted() []string {
	return sortedKeys(c.localDeleted)
}

func (c *DeletedEmailsCache) ClearLocalDeleted() {
	if len(c.localDeleted) == 0 {
		return
	}
	c.localDeleted = make(map[string]struct{})
	c.changed = true
}

func (c *DeletedEmailsCache) AddPendingDeleted(uid string) {
	if _, ok := c.pendingDeleted[uid]; ok {
		return
	}
	c.pendingDeleted[uid] = struct{}{}
	c.changed = true
}

func (c *DeletedEmailsCache) IsPendingDeleted(uid string) bool {
	_, ok := c.pendingDeleted[uid]
	return ok
}

func (c *DeletedEmailsCache) PendingDeleted() []string {
	return sortedKeys(c.pendingDeleted)
}

func (c *DeletedEmailsCache) ClearPendingDeleted() {
	if len(c.pendingDeleted) == 0 {
		return
	}
	c.pendingDeleted = make(map[string]struct{})
	c.changed = true
}

func (c *DeletedEmailsCache) HasChanged() bool {
	return c.changed
}

func (c *DeletedEmailsCache) SetChanged(changed bool) {
	c.changed = changed
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
