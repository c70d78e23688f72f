package crdt

import (
	"sort"

	"codex/common"
)

// refElement tracks one reference and the add/remove tags observed for it.
// Each add carries a unique tag (the adding operation's id); a remove covers
// exactly the add tags observed at removal time. An element is visible while
// at least one add tag is uncovered, which is what makes adds win over
// concurrent removes that never observed them.
type refElement struct {
	Ref         common.CodexReference        `json:"ref"`
	AddTags     map[common.OperationID]int64 `json:"add_tags"`
	RemovedTags map[common.OperationID]int64 `json:"removed_tags,omitempty"`
}

func (e *refElement) visible() bool {
	for tag := range e.AddTags {
		if _, removed := e.RemovedTags[tag]; !removed {
			return true
		}
	}
	return false
}

// ReferenceSetStats reports tag counts for GC accounting.
type ReferenceSetStats struct {
	VisibleRefs int `json:"visible_refs"`
	AddTags     int `json:"add_tags"`
	RemovedTags int `json:"removed_tags"`
}

// ReferenceSet is the observed-remove set of cross-document references.
// Naive set union/difference does not commute under concurrent add+remove;
// the per-add tag tracking here does.
type ReferenceSet struct {
	refs map[string]*refElement
}

// NewReferenceSet creates an empty set.
func NewReferenceSet() *ReferenceSet {
	return &ReferenceSet{refs: make(map[string]*refElement)}
}

// Add records ref with a fresh add tag. Using the operation id as the tag
// means re-applying the same operation, on any replica, contributes the
// same tag and stays idempotent.
func (s *ReferenceSet) Add(ref common.CodexReference, tag common.OperationID, ts int64) {
	key := ref.Key()
	elem, ok := s.refs[key]
	if !ok {
		elem = &refElement{
			Ref:     ref,
			AddTags: make(map[common.OperationID]int64),
		}
		s.refs[key] = elem
	}
	if _, exists := elem.AddTags[tag]; !exists {
		elem.AddTags[tag] = ts
	}
}

// Remove covers every add tag currently observed for ref. Removing a
// reference that was never observed is a no-op; adds this replica has not
// seen remain uncovered and keep the element alive after a merge.
func (s *ReferenceSet) Remove(ref common.CodexReference, ts int64) {
	elem, ok := s.refs[ref.Key()]
	if !ok {
		return
	}
	if elem.RemovedTags == nil {
		elem.RemovedTags = make(map[common.OperationID]int64)
	}
	for tag := range elem.AddTags {
		if _, removed := elem.RemovedTags[tag]; !removed {
			elem.RemovedTags[tag] = ts
		}
	}
}

// Contains returns true if ref is visible.
func (s *ReferenceSet) Contains(ref common.CodexReference) bool {
	elem, ok := s.refs[ref.Key()]
	return ok && elem.visible()
}

// References returns all visible references, sorted by identity key.
func (s *ReferenceSet) References() []common.CodexReference {
	keys := make([]string, 0, len(s.refs))
	for key, elem := range s.refs {
		if elem.visible() {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	result := make([]common.CodexReference, 0, len(keys))
	for _, key := range keys {
		result = append(result, s.refs[key].Ref)
	}
	return result
}

// Size returns the number of visible references.
func (s *ReferenceSet) Size() int {
	count := 0
	for _, elem := range s.refs {
		if elem.visible() {
			count++
		}
	}
	return count
}

// Stats returns visible reference and tag counts.
func (s *ReferenceSet) Stats() ReferenceSetStats {
	var stats ReferenceSetStats
	for _, elem := range s.refs {
		if elem.visible() {
			stats.VisibleRefs++
		}
		stats.AddTags += len(elem.AddTags)
		stats.RemovedTags += len(elem.RemovedTags)
	}
	return stats
}

// Merge unions both tag sets per element. Commutative, associative,
// idempotent.
func (s *ReferenceSet) Merge(other *ReferenceSet) {
	for key, otherElem := range other.refs {
		elem, ok := s.refs[key]
		if !ok {
			elem = &refElement{
				Ref:     otherElem.Ref,
				AddTags: make(map[common.OperationID]int64, len(otherElem.AddTags)),
			}
			s.refs[key] = elem
		}
		for tag, ts := range otherElem.AddTags {
			if existing, exists := elem.AddTags[tag]; !exists || ts < existing {
				elem.AddTags[tag] = ts
			}
		}
		if len(otherElem.RemovedTags) > 0 && elem.RemovedTags == nil {
			elem.RemovedTags = make(map[common.OperationID]int64, len(otherElem.RemovedTags))
		}
		for tag, ts := range otherElem.RemovedTags {
			if existing, exists := elem.RemovedTags[tag]; !exists || ts < existing {
				elem.RemovedTags[tag] = ts
			}
		}
	}
}

// GC drops add/remove tag pairs whose removal predates cutoff, returning the
// number of tags dropped. Elements left with no tags at all are reclaimed;
// visible references are never affected.
func (s *ReferenceSet) GC(cutoff int64) int {
	removed := 0
	for key, elem := range s.refs {
		for tag, removedAt := range elem.RemovedTags {
			if removedAt < cutoff {
				delete(elem.AddTags, tag)
				delete(elem.RemovedTags, tag)
				removed++
			}
		}
		if len(elem.AddTags) == 0 && len(elem.RemovedTags) == 0 {
			delete(s.refs, key)
		}
	}
	return removed
}

// Cleanup releases all backing storage immediately.
func (s *ReferenceSet) Cleanup() {
	for key := range s.refs {
		delete(s.refs, key)
	}
}
