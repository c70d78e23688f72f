package crdt

import (
	"sort"

	"codex/common"
)

// lwwEntry is the stored state of one metadata key: the winning write plus
// a tombstone flag. A delete is itself a write that participates in
// last-writer-wins, so a late delete can suppress a stale concurrent set.
type lwwEntry struct {
	Value     common.TemplateValue `json:"value"`
	Timestamp int64                `json:"ts"`
	User      common.UserID        `json:"user"`
	Op        common.OperationID   `json:"op"`
	Tombstone bool                 `json:"tombstone,omitempty"`
}

// wins reports whether a write stamped (ts, user, op) supersedes the entry.
// Ties on the timestamp fall back to author id, and ties between writes by
// the same author within one millisecond fall back to operation id, which
// is time-ordered. Resolution stays deterministic without a shared clock.
func (e *lwwEntry) wins(ts int64, user common.UserID, op common.OperationID) bool {
	if ts != e.Timestamp {
		return ts > e.Timestamp
	}
	if c := user.Compare(e.User); c != 0 {
		return c > 0
	}
	return op.Compare(e.Op) > 0
}

// LWWMapStats reports active and tombstoned entry counts for GC accounting.
type LWWMapStats struct {
	ActiveEntries    int `json:"active_entries"`
	TombstoneEntries int `json:"tombstone_entries"`
}

// LWWRegisterMap is the metadata layer: a key to value map where each key
// independently resolves conflicts by last-writer-wins on (timestamp, user).
type LWWRegisterMap struct {
	entries map[string]*lwwEntry
}

// NewLWWRegisterMap creates an empty map.
func NewLWWRegisterMap() *LWWRegisterMap {
	return &LWWRegisterMap{entries: make(map[string]*lwwEntry)}
}

// Set records a write of value under key. The write is always recorded but
// only becomes the visible slot if it postdates the current winner.
// Returns true if the visible value changed.
func (m *LWWRegisterMap) Set(key string, value common.TemplateValue, user common.UserID, ts int64, op common.OperationID) bool {
	entry, ok := m.entries[key]
	if !ok {
		m.entries[key] = &lwwEntry{Value: value, Timestamp: ts, User: user, Op: op}
		return true
	}
	if !entry.wins(ts, user, op) {
		return false
	}
	entry.Value = value
	entry.Timestamp = ts
	entry.User = user
	entry.Op = op
	entry.Tombstone = false
	return true
}

// Delete writes a tombstone under key. Deleting an absent key still records
// the tombstone: the removal must win against concurrent writes that have
// not arrived yet. Returns true if a visible value was removed.
func (m *LWWRegisterMap) Delete(key string, user common.UserID, ts int64, op common.OperationID) bool {
	entry, ok := m.entries[key]
	if !ok {
		m.entries[key] = &lwwEntry{Timestamp: ts, User: user, Op: op, Tombstone: true}
		return false
	}
	if !entry.wins(ts, user, op) {
		return false
	}
	wasVisible := !entry.Tombstone
	entry.Value = common.TemplateValue{}
	entry.Timestamp = ts
	entry.User = user
	entry.Op = op
	entry.Tombstone = true
	return wasVisible
}

// Get returns the visible value for key.
func (m *LWWRegisterMap) Get(key string) (common.TemplateValue, bool) {
	entry, ok := m.entries[key]
	if !ok || entry.Tombstone {
		return common.TemplateValue{}, false
	}
	return entry.Value, true
}

// Has returns true if key has a visible value.
func (m *LWWRegisterMap) Has(key string) bool {
	_, ok := m.Get(key)
	return ok
}

// Keys returns all visible keys, sorted.
func (m *LWWRegisterMap) Keys() []string {
	keys := make([]string, 0, len(m.entries))
	for key, entry := range m.entries {
		if !entry.Tombstone {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// Snapshot returns a copy of all visible key/value pairs.
func (m *LWWRegisterMap) Snapshot() map[string]common.TemplateValue {
	result := make(map[string]common.TemplateValue, len(m.entries))
	for key, entry := range m.entries {
		if !entry.Tombstone {
			result[key] = entry.Value
		}
	}
	return result
}

// Stats returns active and tombstone entry counts.
func (m *LWWRegisterMap) Stats() LWWMapStats {
	var stats LWWMapStats
	for _, entry := range m.entries {
		if entry.Tombstone {
			stats.TombstoneEntries++
		} else {
			stats.ActiveEntries++
		}
	}
	return stats
}

// Merge folds another map into this one, keeping per key whichever entry
// carries the later (timestamp, user). Commutative, associative, idempotent.
func (m *LWWRegisterMap) Merge(other *LWWRegisterMap) {
	for key, otherEntry := range other.entries {
		entry, ok := m.entries[key]
		if !ok {
			cp := *otherEntry
			m.entries[key] = &cp
			continue
		}
		if entry.wins(otherEntry.Timestamp, otherEntry.User, otherEntry.Op) {
			*entry = *otherEntry
		}
	}
}

// GC removes tombstone entries written before cutoff, returning the number
// removed. Visible entries are never touched.
func (m *LWWRegisterMap) GC(cutoff int64) int {
	removed := 0
	for key, entry := range m.entries {
		if entry.Tombstone && entry.Timestamp < cutoff {
			delete(m.entries, key)
			removed++
		}
	}
	return removed
}

// Cleanup releases all backing storage immediately.
func (m *LWWRegisterMap) Cleanup() {
	for key := range m.entries {
		delete(m.entries, key)
	}
}
