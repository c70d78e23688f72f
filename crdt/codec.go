package crdt

import (
	"encoding/json"

	"codex/common"
)

// The layers and the document serialize to JSON so that full replica state
// can travel over the same channels as individual operations. The wire
// shapes below are stable; persistence and sync code depend on them.

type textFieldJSON struct {
	Name     string         `json:"name"`
	Elements []*TextElement `json:"elements"`
}

// MarshalJSON implements the json.Marshaler interface. Elements are written
// in integrated order, tombstones included.
func (s *TextFieldStore) MarshalJSON() ([]byte, error) {
	fields := make([]textFieldJSON, 0, len(s.fields))
	for _, name := range s.Fields() {
		fields = append(fields, textFieldJSON{
			Name:     name,
			Elements: s.fields[name].ordered(),
		})
	}
	return json.Marshal(fields)
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (s *TextFieldStore) UnmarshalJSON(data []byte) error {
	var fields []textFieldJSON
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	s.fields = make(map[string]*textField, len(fields))
	for _, fj := range fields {
		f := newTextField()
		for _, elem := range fj.Elements {
			f.elements[elem.ID] = elem
		}
		s.fields[fj.Name] = f
	}
	return nil
}

// MarshalJSON implements the json.Marshaler interface.
func (m *LWWRegisterMap) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.entries)
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (m *LWWRegisterMap) UnmarshalJSON(data []byte) error {
	m.entries = make(map[string]*lwwEntry)
	return json.Unmarshal(data, &m.entries)
}

// MarshalJSON implements the json.Marshaler interface.
func (s *ReferenceSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.refs)
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (s *ReferenceSet) UnmarshalJSON(data []byte) error {
	s.refs = make(map[string]*refElement)
	return json.Unmarshal(data, &s.refs)
}

// MarshalJSON implements the json.Marshaler interface.
func (t *HierarchyTree) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.nodes)
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (t *HierarchyTree) UnmarshalJSON(data []byte) error {
	t.nodes = make(map[string]*treeNode)
	return json.Unmarshal(data, &t.nodes)
}

type documentJSON struct {
	ID         string             `json:"id"`
	Owner      common.UserID      `json:"owner"`
	Text       *TextFieldStore    `json:"text"`
	Metadata   *LWWRegisterMap    `json:"metadata"`
	References *ReferenceSet      `json:"references"`
	Hierarchy  *HierarchyTree     `json:"hierarchy"`
	Clock      common.VectorClock `json:"clock"`
	Log        []CRDTOperation    `json:"log"`
	LogCap     int                `json:"log_cap"`
	Strict     bool               `json:"strict,omitempty"`
}

// MarshalJSON implements the json.Marshaler interface. The encoding carries
// the full replica state, tombstones and log included.
func (d *DocumentCRDT) MarshalJSON() ([]byte, error) {
	return json.Marshal(documentJSON{
		ID:         d.id,
		Owner:      d.owner,
		Text:       d.text,
		Metadata:   d.metadata,
		References: d.references,
		Hierarchy:  d.hierarchy,
		Clock:      d.clock,
		Log:        d.log,
		LogCap:     d.logCap,
		Strict:     d.strict,
	})
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (d *DocumentCRDT) UnmarshalJSON(data []byte) error {
	doc := documentJSON{
		Text:       NewTextFieldStore(),
		Metadata:   NewLWWRegisterMap(),
		References: NewReferenceSet(),
		Hierarchy:  NewHierarchyTree(),
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}

	d.id = doc.ID
	d.owner = doc.Owner
	d.text = doc.Text
	d.metadata = doc.Metadata
	d.references = doc.References
	d.hierarchy = doc.Hierarchy
	d.clock = doc.Clock
	if d.clock == nil {
		d.clock = common.NewVectorClock()
	}
	d.log = doc.Log
	d.logCap = doc.LogCap
	if d.logCap <= 0 {
		d.logCap = DefaultLogCapacity
	}
	d.strict = doc.Strict

	d.applied = make(map[common.OperationID]int64, len(d.log))
	for _, op := range d.log {
		d.applied[op.ID] = op.Timestamp
	}
	return nil
}
