package crdt

import (
	"sort"
	"strings"

	"codex/common"
)

// ElementID identifies one inserted character. It is derived from the id of
// the operation that produced the run plus the character's offset within the
// run, so the same operation yields the same element ids on every replica.
type ElementID struct {
	Op     common.OperationID `json:"op"`
	Offset uint32             `json:"offset"`
}

// HeadID is the synthetic anchor for inserts at the start of a field.
var HeadID = ElementID{}

// Compare orders element ids by operation id, then offset.
func (e ElementID) Compare(other ElementID) int {
	if c := e.Op.Compare(other.Op); c != 0 {
		return c
	}
	switch {
	case e.Offset < other.Offset:
		return -1
	case e.Offset > other.Offset:
		return 1
	default:
		return 0
	}
}

// IsHead returns true if the id is the synthetic head anchor.
func (e ElementID) IsHead() bool {
	return e == HeadID
}

// TextElement is one character of a collaborative text sequence. Origin is
// the id of the element that was the left neighbor when the character was
// inserted; it never changes, which is what makes concurrent inserts at the
// same visual position commute.
type TextElement struct {
	ID        ElementID     `json:"id"`
	Origin    ElementID     `json:"origin"`
	User      common.UserID `json:"user"`
	Rune      rune          `json:"rune"`
	Deleted   bool          `json:"deleted,omitempty"`
	DeletedAt int64         `json:"deleted_at,omitempty"`
}

// textField holds the element arena for one named field.
type textField struct {
	elements map[ElementID]*TextElement
}

func newTextField() *textField {
	return &textField{elements: make(map[ElementID]*TextElement)}
}

// ordered returns every element, tombstones included, in integrated order:
// a depth-first walk from the head where siblings anchored to the same
// origin are visited in descending (user, id) order. The order is a pure
// function of the element set, so replicas that hold the same elements see
// the same sequence.
func (f *textField) ordered() []*TextElement {
	children := make(map[ElementID][]*TextElement, len(f.elements))
	for _, elem := range f.elements {
		children[elem.Origin] = append(children[elem.Origin], elem)
	}
	for _, siblings := range children {
		sort.Slice(siblings, func(i, j int) bool {
			a, b := siblings[i], siblings[j]
			if c := a.User.Compare(b.User); c != 0 {
				return c > 0
			}
			return a.ID.Compare(b.ID) > 0
		})
	}

	// Iterative preorder walk; long single-author fields produce origin
	// chains as deep as the field is long, too deep to recurse.
	result := make([]*TextElement, 0, len(f.elements))
	stack := make([]*TextElement, 0, len(children[HeadID]))
	push := func(anchor ElementID) {
		siblings := children[anchor]
		for i := len(siblings) - 1; i >= 0; i-- {
			stack = append(stack, siblings[i])
		}
	}
	push(HeadID)
	for len(stack) > 0 {
		elem := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		result = append(result, elem)
		push(elem.ID)
	}
	return result
}

// visible returns only the live elements, in integrated order.
func (f *textField) visible() []*TextElement {
	ordered := f.ordered()
	result := ordered[:0:0]
	for _, elem := range ordered {
		if !elem.Deleted {
			result = append(result, elem)
		}
	}
	return result
}

func (f *textField) content() string {
	var sb strings.Builder
	for _, elem := range f.visible() {
		sb.WriteRune(elem.Rune)
	}
	return sb.String()
}

// FieldStats reports per-field element counts for GC accounting.
type FieldStats struct {
	VisibleChars int `json:"visible_chars"`
	Tombstones   int `json:"tombstones"`
}

// TextFieldStore is the collaborative text layer: a set of named fields,
// each an anchor-based sequence of character elements with tombstoned
// deletes. Cross-replica convergence comes from Merge, which unions element
// arenas by id.
type TextFieldStore struct {
	fields map[string]*textField
}

// NewTextFieldStore creates an empty store.
func NewTextFieldStore() *TextFieldStore {
	return &TextFieldStore{fields: make(map[string]*textField)}
}

// InitField creates an empty field. Initializing an existing field is a
// no-op.
func (s *TextFieldStore) InitField(field string) {
	if _, ok := s.fields[field]; !ok {
		s.fields[field] = newTextField()
	}
}

// HasField returns true if the field exists.
func (s *TextFieldStore) HasField(field string) bool {
	_, ok := s.fields[field]
	return ok
}

// Fields returns the names of all fields, sorted.
func (s *TextFieldStore) Fields() []string {
	names := make([]string, 0, len(s.fields))
	for name := range s.fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Insert inserts content at visible position pos. The position is resolved
// against the local visible sequence to a stable left-neighbor anchor; the
// anchor, not the offset, is what the elements carry from then on. Element
// ids are derived from opID, so re-applying the same operation is a no-op.
func (s *TextFieldStore) Insert(field string, pos int, content string, user common.UserID, opID common.OperationID) error {
	f, ok := s.fields[field]
	if !ok {
		return common.ErrFieldNotFound{Field: field}
	}
	if content == "" {
		return nil
	}

	firstID := ElementID{Op: opID, Offset: 0}
	if _, dup := f.elements[firstID]; dup {
		return nil
	}

	visible := f.visible()
	if pos < 0 || pos > len(visible) {
		return common.ErrOutOfBounds{Field: field, Pos: pos, Length: len(visible)}
	}

	anchor := HeadID
	if pos > 0 {
		anchor = visible[pos-1].ID
	}

	prev := anchor
	for i, r := range []rune(content) {
		id := ElementID{Op: opID, Offset: uint32(i)}
		f.elements[id] = &TextElement{
			ID:     id,
			Origin: prev,
			User:   user,
			Rune:   r,
		}
		prev = id
	}
	return nil
}

// Delete tombstones length visible characters starting at pos. The elements
// stay in the arena until garbage collection so that a deletion concurrent
// with an insertion inside its range preserves the insertion.
func (s *TextFieldStore) Delete(field string, pos, length int, deletedAt int64) error {
	f, ok := s.fields[field]
	if !ok {
		return common.ErrFieldNotFound{Field: field}
	}
	if length <= 0 {
		return nil
	}

	visible := f.visible()
	if pos < 0 || pos+length > len(visible) {
		return common.ErrOutOfBounds{Field: field, Pos: pos + length, Length: len(visible)}
	}

	for _, elem := range visible[pos : pos+length] {
		elem.Deleted = true
		elem.DeletedAt = deletedAt
	}
	return nil
}

// GetContent returns the visible content of a field.
func (s *TextFieldStore) GetContent(field string) (string, error) {
	f, ok := s.fields[field]
	if !ok {
		return "", common.ErrFieldNotFound{Field: field}
	}
	return f.content(), nil
}

// Length returns the visible length of a field in runes.
func (s *TextFieldStore) Length(field string) (int, error) {
	f, ok := s.fields[field]
	if !ok {
		return 0, common.ErrFieldNotFound{Field: field}
	}
	return len(f.visible()), nil
}

// Snapshot returns the visible content of every field.
func (s *TextFieldStore) Snapshot() map[string]string {
	result := make(map[string]string, len(s.fields))
	for name, f := range s.fields {
		result[name] = f.content()
	}
	return result
}

// Stats returns per-field element counts.
func (s *TextFieldStore) Stats() map[string]FieldStats {
	result := make(map[string]FieldStats, len(s.fields))
	for name, f := range s.fields {
		var stats FieldStats
		for _, elem := range f.elements {
			if elem.Deleted {
				stats.Tombstones++
			} else {
				stats.VisibleChars++
			}
		}
		result[name] = stats
	}
	return result
}

// ClearField tombstones every live element of a field.
func (s *TextFieldStore) ClearField(field string, deletedAt int64) error {
	f, ok := s.fields[field]
	if !ok {
		return common.ErrFieldNotFound{Field: field}
	}
	for _, elem := range f.elements {
		if !elem.Deleted {
			elem.Deleted = true
			elem.DeletedAt = deletedAt
		}
	}
	return nil
}

// RemoveField drops a field and its whole arena. Removing an absent field
// is a no-op.
func (s *TextFieldStore) RemoveField(field string) {
	delete(s.fields, field)
}

// Merge folds another store into this one: fields are unioned, and within a
// field elements are unioned by id with the deleted flag sticky. Merge is
// commutative, associative, and idempotent.
func (s *TextFieldStore) Merge(other *TextFieldStore) {
	for name, otherField := range other.fields {
		f, ok := s.fields[name]
		if !ok {
			f = newTextField()
			s.fields[name] = f
		}
		for id, otherElem := range otherField.elements {
			elem, exists := f.elements[id]
			if !exists {
				cp := *otherElem
				f.elements[id] = &cp
				continue
			}
			if otherElem.Deleted && !elem.Deleted {
				elem.Deleted = true
				elem.DeletedAt = otherElem.DeletedAt
			} else if otherElem.Deleted && elem.Deleted && otherElem.DeletedAt < elem.DeletedAt {
				// Keep the earliest deletion stamp so GC decisions agree
				// across replicas.
				elem.DeletedAt = otherElem.DeletedAt
			}
		}
	}
}

// GC physically removes tombstoned elements deleted before cutoff. An
// element is only collectible while nothing else anchors to it, so the
// integrated order of the surviving elements never changes; chains of
// tombstones are collapsed back-to-front across passes until a fixpoint.
// Returns the number of elements removed.
func (s *TextFieldStore) GC(cutoff int64) int {
	removed := 0
	for _, f := range s.fields {
		for {
			anchored := make(map[ElementID]bool, len(f.elements))
			for _, elem := range f.elements {
				anchored[elem.Origin] = true
			}

			freed := 0
			for id, elem := range f.elements {
				if elem.Deleted && elem.DeletedAt < cutoff && !anchored[id] {
					delete(f.elements, id)
					freed++
				}
			}
			removed += freed
			if freed == 0 {
				break
			}
		}
	}
	return removed
}

// GCFields reclaims fields that have no visible content left, returning the
// number of fields removed. Tombstone-heavy fields with nothing visible are
// the oversized case this exists for.
func (s *TextFieldStore) GCFields() int {
	removed := 0
	for name, f := range s.fields {
		if len(f.visible()) == 0 {
			delete(s.fields, name)
			removed++
		}
	}
	return removed
}

// Cleanup releases every field's backing storage immediately.
func (s *TextFieldStore) Cleanup() {
	for name := range s.fields {
		delete(s.fields, name)
	}
}

// elementCount returns the total number of elements across all fields,
// tombstones included.
func (s *TextFieldStore) elementCount() int {
	total := 0
	for _, f := range s.fields {
		total += len(f.elements)
	}
	return total
}
