package common

import (
	"encoding/json"
)

// Ordering is the result of comparing two vector clocks.
type Ordering int

const (
	// OrderingEqual means both clocks have identical counters.
	OrderingEqual Ordering = iota
	// OrderingBefore means the receiver is causally before the other clock.
	OrderingBefore
	// OrderingAfter means the receiver is causally after the other clock.
	OrderingAfter
	// OrderingConcurrent means neither clock dominates the other.
	OrderingConcurrent
)

func (o Ordering) String() string {
	switch o {
	case OrderingEqual:
		return "equal"
	case OrderingBefore:
		return "before"
	case OrderingAfter:
		return "after"
	case OrderingConcurrent:
		return "concurrent"
	default:
		return "unknown"
	}
}

// VectorClock maps each author to the count of operations observed from them.
// Counters never decrease; Merge is pointwise maximum, which makes the clock
// a join semilattice (commutative, associative, idempotent).
type VectorClock map[UserID]uint64

// NewVectorClock creates an empty vector clock.
func NewVectorClock() VectorClock {
	return make(VectorClock)
}

// Increment bumps the counter for the given user and returns the new value.
func (vc VectorClock) Increment(user UserID) uint64 {
	vc[user]++
	return vc[user]
}

// Get returns the counter for the given user, zero if absent.
func (vc VectorClock) Get(user UserID) uint64 {
	return vc[user]
}

// Merge folds other into vc, taking the pointwise maximum.
func (vc VectorClock) Merge(other VectorClock) {
	for user, counter := range other {
		if vc[user] < counter {
			vc[user] = counter
		}
	}
}

// Copy returns an independent copy of the clock.
func (vc VectorClock) Copy() VectorClock {
	copied := make(VectorClock, len(vc))
	for user, counter := range vc {
		copied[user] = counter
	}
	return copied
}

// descends reports whether vc has observed at least everything other has.
func (vc VectorClock) descends(other VectorClock) bool {
	for user, counter := range other {
		if vc[user] < counter {
			return false
		}
	}
	return true
}

// Compare relates vc to other causally.
func (vc VectorClock) Compare(other VectorClock) Ordering {
	vcDescends := vc.descends(other)
	otherDescends := other.descends(vc)

	switch {
	case vcDescends && otherDescends:
		return OrderingEqual
	case vcDescends:
		return OrderingAfter
	case otherDescends:
		return OrderingBefore
	default:
		return OrderingConcurrent
	}
}

// CausallyReady reports whether an operation authored by user with the given
// clock snapshot can be applied on top of vc without gaps: the author's
// counter must be exactly the next one expected, and every other counter in
// the snapshot must already be covered locally. Transports that guarantee
// causal delivery make this trivially true; the engine keeps the check for
// strict mode.
func (vc VectorClock) CausallyReady(user UserID, snapshot VectorClock) bool {
	for u, counter := range snapshot {
		if u == user {
			if counter != vc[u]+1 {
				return false
			}
			continue
		}
		if vc[u] < counter {
			return false
		}
	}
	return true
}

// String returns a compact JSON representation, for logs and tests.
func (vc VectorClock) String() string {
	data, _ := json.Marshal(vc)
	return string(data)
}
