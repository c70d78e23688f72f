package common

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOperationID(t *testing.T) {
	id1 := NewOperationID()
	id2 := NewOperationID()

	assert.False(t, id1.IsNil())
	assert.NotEqual(t, id1, id2)
	// UUID v7 ids are time-ordered.
	assert.Equal(t, -1, id1.Compare(id2))
	assert.Equal(t, 0, id1.Compare(id1))
}

func TestOperationIDTextRoundTrip(t *testing.T) {
	id := NewOperationID()

	text, err := id.MarshalText()
	require.NoError(t, err)

	var parsed OperationID
	require.NoError(t, parsed.UnmarshalText(text))
	assert.Equal(t, id, parsed)

	assert.Error(t, parsed.UnmarshalText([]byte("not-a-uuid")))
}

func TestUserIDCompare(t *testing.T) {
	assert.Equal(t, -1, UserID("alice").Compare("bob"))
	assert.Equal(t, 1, UserID("bob").Compare("alice"))
	assert.Equal(t, 0, UserID("alice").Compare("alice"))
}

func TestTemplateValueBefore(t *testing.T) {
	older := NewTextValue("draft", "alice", 100)
	newer := NewTextValue("final", "alice", 200)

	assert.True(t, older.Before(newer))
	assert.False(t, newer.Before(older))

	// Equal timestamps fall back to author id.
	a := NewTextValue("a", "alice", 100)
	b := NewTextValue("b", "bob", 100)
	assert.True(t, a.Before(b))
	assert.False(t, b.Before(a))
	assert.False(t, a.Before(a))
}

func TestTemplateValueEqual(t *testing.T) {
	a := NewTextValue("same", "alice", 1)
	b := NewTextValue("same", "bob", 2)
	assert.True(t, a.Equal(b))

	assert.False(t, a.Equal(NewNumberValue(1, "alice", 1)))

	arr := TemplateValue{Kind: KindArray, Array: []TemplateValue{a, b}}
	arr2 := TemplateValue{Kind: KindArray, Array: []TemplateValue{a, b}}
	assert.True(t, arr.Equal(arr2))

	obj := TemplateValue{Kind: KindObject, Object: map[string]TemplateValue{"k": a}}
	obj2 := TemplateValue{Kind: KindObject, Object: map[string]TemplateValue{"k": b}}
	assert.True(t, obj.Equal(obj2))
	assert.False(t, obj.Equal(TemplateValue{Kind: KindObject}))
}

func TestTemplateValueJSONRoundTrip(t *testing.T) {
	ref := &CodexReference{From: "doc-a", To: "doc-b", ReferenceType: ReferenceTypeLink}
	v := TemplateValue{Kind: KindReference, Reference: ref, Timestamp: 42, User: "alice"}

	data, err := json.Marshal(v)
	require.NoError(t, err)

	var parsed TemplateValue
	require.NoError(t, json.Unmarshal(data, &parsed))
	assert.Equal(t, v, parsed)
}

func TestCodexReferenceKey(t *testing.T) {
	a := CodexReference{From: "x", To: "y", ReferenceType: ReferenceTypeLink, Context: "one"}
	b := CodexReference{From: "x", To: "y", ReferenceType: ReferenceTypeLink, Context: "two"}
	c := CodexReference{From: "x", To: "y", ReferenceType: ReferenceTypeEmbed}

	// Context does not participate in identity.
	assert.Equal(t, a.Key(), b.Key())
	assert.NotEqual(t, a.Key(), c.Key())
}
