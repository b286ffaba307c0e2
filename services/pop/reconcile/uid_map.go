package reconcile

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/customeros/popstack/services/pop/protocol"
)

// MessageInfo is what the server told us about one message in this
// connection: its number (valid only for this connection) and its size.
type MessageInfo struct {
	UID    string
	Number int
	Size   int64
}

// UidMap maps server UIDs to message numbers and sizes. It is rebuilt on
// every connection and is stale after a reconnect.
type UidMap struct {
	byUID    map[string]MessageInfo
	byNumber map[int]string
}

func NewUidMap() *UidMap {
	return &UidMap{
		byUID:    make(map[string]MessageInfo),
		byNumber: make(map[int]string),
	}
}

// BuildUidMap joins LIST and UIDL output. Messages missing from either
// listing are skipped. A duplicate UID is a protocol violation.
func BuildUidMap(list []protocol.ListEntry, uidl []protocol.UidlEntry) (*UidMap, error) {
	sizes := make(map[int]int64, len(list))
	for _, entry := range list {
		sizes[entry.Number] = entry.Size
	}

	m := NewUidMap()
	for _, entry := range uidl {
		size, ok := sizes[entry.Number]
		if !ok {
			continue
		}
		if _, dup := m.byUID[entry.UID]; dup {
			return nil, errors.Errorf("duplicate uid %s in UIDL listing", entry.UID)
		}
		m.Add(MessageInfo{UID: entry.UID, Number: entry.Number, Size: size})
	}
	return m, nil
}

func (m *UidMap) Add(info MessageInfo) {
	if old, ok := m.byUID[info.UID]; ok {
		delete(m.byNumber, old.Number)
	}
	m.byUID[info.UID] = info
	m.byNumber[info.Number] = info.UID
}

func (m *UidMap) HasUID(uid string) bool {
	_, ok := m.byUID[uid]
	return ok
}

func (m *UidMap) Get(uid string) (MessageInfo, bool) {
	info, ok := m.byUID[uid]
	return info, ok
}

// MessageNumber returns 0 when uid is not on the server.
func (m *UidMap) MessageNumber(uid string) int {
	return m.byUID[uid].Number
}

func (m *UidMap) Size(uid string) int64 {
	return m.byUID[uid].Size
}

func (m *UidMap) UIDForNumber(number int) (string, bool) {
	uid, ok := m.byNumber[number]
	return uid, ok
}

func (m *UidMap) Len() int {
	return len(m.byUID)
}

// Messages returns every entry ordered by message number.
func (m *UidMap) Messages() []MessageInfo {
	out := make([]MessageInfo, 0, len(m.byUID))
	for _, info := range m.byUID {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}
