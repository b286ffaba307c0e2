// Package uidcache holds the per-account record of server uids that must not
// be downloaded again: messages outside the sync window and deletions that
// have not reached the server yet.
package uidcache

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// UidCache is the persisted cache of one account. Revision increases on every
// save and detects concurrent writers.
type UidCache struct {
	ID        string
	AccountID string
	Revision  int64

	Deleted *DeletedEmailsCache
	Old     *OldEmailsCache
}

type Option func(*UidCache)

// WithOldEmailsLimit bounds the old-emails cache.
func WithOldEmailsLimit(limit, evictCount int) Option {
	return func(c *UidCache) {
		c.Old = NewOldEmailsCacheWithLimit(limit, evictCount)
	}
}

func New(accountID string, opts ...Option) *UidCache {
	c := &UidCache{
		AccountID: accountID,
		Deleted:   NewDeletedEmailsCache(),
		Old:       NewOldEmailsCache(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *UidCache) HasChanged() bool {
	return c.Deleted.HasChanged() || c.Old.HasChanged()
}

func (c *UidCache) ClearChanged() {
	c.Deleted.SetChanged(false)
	c.Old.SetChanged(false)
}

type OldEmail struct {
	UID       string `json:"uid"`
	Timestamp int64  `json:"timestamp"`
}

type uidEntry struct {
	UID string `json:"uid"`
}

type deletedDocument struct {
	LocalDeleted   []uidEntry `json:"localDeleted"`
	PendingDeleted []uidEntry `json:"pendingDeleted"`
}

type document struct {
	DeletedEmails *deletedDocument `json:"deletedEmails,omitempty"`
	OldEmails     []OldEmail       `json:"oldEmails"`
}

// Encode serializes both caches into the single string stored per account.
func (c *UidCache) Encode() (string, error) {
	doc := document{
		DeletedEmails: &deletedDocument{
			LocalDeleted:   toEntries(c.Deleted.LocalDeleted()),
			PendingDeleted: toEntries(c.Deleted.PendingDeleted()),
		},
		OldEmails: c.Old.Entries(),
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return "", errors.Wrap(err, "failed to encode uid cache")
	}
	return string(data), nil
}

// Decode parses a stored cache string. An empty string yields empty caches.
func Decode(accountID string, revision int64, encoded string, opts ...Option) (*UidCache, error) {
	c := New(accountID, opts...)
	c.Revision = revision
	if encoded == "" {
		return c, nil
	}

	var doc document
	if err := json.Unmarshal([]byte(encoded), &doc); err != nil {
		return nil, errors.Wrap(err, "failed to decode uid cache")
	}
	if doc.DeletedEmails != nil {
		for _, e := range doc.DeletedEmails.LocalDeleted {
			c.Deleted.AddLocalDeleted(e.UID)
		}
		for _, e := range doc.DeletedEmails.PendingDeleted {
			c.Deleted.AddPendingDeleted(e.UID)
		}
	}
	for _, e := range doc.OldEmails {
		c.Old.Add(e.UID, e.Timestamp)
	}
	c.ClearChanged()
	return c, nil
}

func toEntries(uids []string) []uidEntry {
	out := make([]uidEntry, len(uids))
	for i, uid := range uids {
		out[i] = uidEntry{UID: uid}
	}
	return out
}
