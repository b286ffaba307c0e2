// Package reconcile classifies a server UID listing against the local store
// and the persisted uid cache, producing the work list for one sync pass.
package reconcile

import (
	"math"
	"sort"

	"github.com/customeros/popstack/internal/uidcache"
)

type Status int

const (
	StatusNone Status = iota
	StatusFetchHeader
	StatusDownloaded
	StatusOldEmail
)

func (s Status) String() string {
	switch s {
	case StatusFetchHeader:
		return "fetchHeader"
	case StatusDownloaded:
		return "downloaded"
	case StatusOldEmail:
		return "oldEmail"
	default:
		return "none"
	}
}

// Info is the classification of one server message for the current pass.
type Info struct {
	UID       string
	MsgNum    int
	Size      int64
	Status    Status
	Timestamp int64
}

// LocalEmail is the slice of a stored email the engine needs.
type LocalEmail struct {
	ID        string
	UID       string
	Timestamp int64
}

// Tombstone marks an email the user deleted on the device that may still
// exist on the server.
type Tombstone struct {
	ID  string
	UID string
}

// DeletedUID is a server message that should be deleted on the server. ID is
// empty when the deletion came from the uid cache rather than a tombstone.
type DeletedUID struct {
	ID  string
	UID string
}

type Options struct {
	// Cutoff is the sync window start in unix millis; 0 disables the window.
	Cutoff           int64
	DeleteOnDevice   bool
	DeleteFromServer bool
}

type Result struct {
	// Queue holds every message still on the server, newest message number first.
	Queue            []*Info
	OldEmailIDs      []string
	ServerDeletedIDs []string
	LocalDeleted     []DeletedUID
	MessageCount     int
	LatestTimestamp  int64
}

// NewMessages returns how many queued entries still need their header.
func (r *Result) NewMessages() int {
	n := 0
	for _, info := range r.Queue {
		if info.Status == StatusFetchHeader {
			n++
		}
	}
	return n
}

// Reconcile compares the server listing with local emails, tombstones and the
// uid cache. The cache is updated in place; callers persist it when changed.
func Reconcile(uidMap *UidMap, local []LocalEmail, tombstones []Tombstone, cache *uidcache.UidCache, opts Options) *Result {
	infos := make(map[string]*Info, uidMap.Len())
	for _, msg := range uidMap.Messages() {
		infos[msg.UID] = &Info{
			UID:    msg.UID,
			MsgNum: msg.Number,
			Size:   msg.Size,
			Status: StatusFetchHeader,
		}
	}

	result := &Result{}
	for _, email := range local {
		info, onServer := infos[email.UID]
		switch {
		case !onServer:
			if !opts.DeleteOnDevice {
				result.MessageCount++
			}
			result.ServerDeletedIDs = append(result.ServerDeletedIDs, email.ID)
		case email.Timestamp < opts.Cutoff:
			result.OldEmailIDs = append(result.OldEmailIDs, email.ID)
			cache.Old.Add(email.UID, email.Timestamp)
			info.Status = StatusOldEmail
			info.Timestamp = email.Timestamp
		default:
			info.Status = StatusDownloaded
			info.Timestamp = email.Timestamp
			if email.Timestamp > result.LatestTimestamp {
				result.LatestTimestamp = email.Timestamp
			}
			result.MessageCount++
		}
	}

	for _, tomb := range tombstones {
		result.LocalDeleted = append(result.LocalDeleted, DeletedUID{ID: tomb.ID, UID: tomb.UID})
		delete(infos, tomb.UID)
	}

	// Entries that moved back inside the window must be fetched again.
	cache.Old.ApplySyncWindow(opts.Cutoff)

	for _, uid := range cache.Deleted.LocalDeleted() {
		if opts.DeleteFromServer {
			if _, ok := infos[uid]; ok {
				result.LocalDeleted = append(result.LocalDeleted, DeletedUID{UID: uid})
			}
		}
		delete(infos, uid)
	}
	if opts.DeleteFromServer {
		cache.Deleted.ClearLocalDeleted()
	}

	for _, uid := range cache.Deleted.PendingDeleted() {
		if _, ok := infos[uid]; ok {
			result.LocalDeleted = append(result.LocalDeleted, DeletedUID{UID: uid})
			delete(infos, uid)
		}
	}
	cache.Deleted.ClearPendingDeleted()

	cache.Old.Retain(func(uid string) bool {
		info, ok := infos[uid]
		if !ok {
			return false
		}
		if ts, cached := cache.Old.Timestamp(uid); cached {
			info.Status = StatusOldEmail
			info.Timestamp = ts
		}
		return true
	})

	result.Queue = make([]*Info, 0, len(infos))
	for _, info := range infos {
		result.Queue = append(result.Queue, info)
	}
	sort.Slice(result.Queue, func(i, j int) bool {
		return result.Queue[i].MsgNum > result.Queue[j].MsgNum
	})
	return result
}

// Cutoff returns the sync window start in unix millis for a window of days
// ending at nowMillis. A window of 0 days keeps everything.
func Cutoff(nowMillis int64, days int) int64 {
	if days <= 0 {
		return 0
	}
	return nowMillis - int64(days)*24*60*60*1000
}

// NoTimestamp is the sentinel for "no previous timestamp observed".
const NoTimestamp = math.MaxInt64
