package crdt

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codex/common"
)

func TestOperationJSONRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		op   OperationType
	}{
		{"text insert", TextInsert{Field: "body", Pos: 3, Content: "hi"}},
		{"text delete", TextDelete{Field: "body", Pos: 0, Len: 2}},
		{"metadata set", MetadataSet{Key: "status", Value: common.NewTextValue("draft", "alice", 7)}},
		{"metadata delete", MetadataDelete{Key: "status"}},
		{"reference add", ReferenceAdd{Ref: linkRef("a", "b")}},
		{"reference remove", ReferenceRemove{Ref: linkRef("a", "b")}},
		{"tree insert", TreeInsert{Parent: TreeRoot, Pos: 0, Child: "n1"}},
		{"tree move", TreeMove{Child: "n1", NewParent: "n2", Pos: 1}},
		{"tree delete", TreeDelete{Node: "n1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := CRDTOperation{
				ID:            common.NewOperationID(),
				User:          "alice",
				Timestamp:     12345,
				Clock:         common.VectorClock{"alice": 1, "bob": 2},
				Type:          tt.op,
				CausallyReady: true,
			}

			data, err := json.Marshal(op)
			require.NoError(t, err)

			var parsed CRDTOperation
			require.NoError(t, json.Unmarshal(data, &parsed))
			assert.Equal(t, op, parsed)
		})
	}
}

func TestOperationUnmarshalUnknownKind(t *testing.T) {
	raw := []byte(`{"id":"018f0000-0000-7000-8000-000000000000","user":"alice","ts":1,"clock":{},"kind":"bogus","payload":{}}`)

	var op CRDTOperation
	err := json.Unmarshal(raw, &op)
	assert.ErrorAs(t, err, &common.ErrInvalidOperation{})
}

func TestOperationKinds(t *testing.T) {
	assert.Equal(t, OpTextInsert, TextInsert{}.Kind())
	assert.Equal(t, OpTextDelete, TextDelete{}.Kind())
	assert.Equal(t, OpMetadataSet, MetadataSet{}.Kind())
	assert.Equal(t, OpMetadataDelete, MetadataDelete{}.Kind())
	assert.Equal(t, OpReferenceAdd, ReferenceAdd{}.Kind())
	assert.Equal(t, OpReferenceRemove, ReferenceRemove{}.Kind())
	assert.Equal(t, OpTreeInsert, TreeInsert{}.Kind())
	assert.Equal(t, OpTreeMove, TreeMove{}.Kind())
	assert.Equal(t, OpTreeDelete, TreeDelete{}.Kind())
}

func TestDocumentJSONRoundTrip(t *testing.T) {
	doc := NewDocumentCRDT("doc-1", "alice", WithLogCapacity(50))
	doc.InitField("body")

	applyLocal(t, doc, "alice", TextInsert{Field: "body", Pos: 0, Content: "Hello"})
	applyLocal(t, doc, "alice", TextDelete{Field: "body", Pos: 0, Len: 1})
	applyLocal(t, doc, "alice", MetadataSet{Key: "status", Value: common.NewTextValue("draft", "alice", 1)})
	applyLocal(t, doc, "alice", ReferenceAdd{Ref: linkRef("doc-1", "doc-2")})
	applyLocal(t, doc, "alice", TreeInsert{Parent: TreeRoot, Pos: 0, Child: "n1"})

	data, err := json.Marshal(doc)
	require.NoError(t, err)

	restored := &DocumentCRDT{}
	require.NoError(t, json.Unmarshal(data, restored))

	assert.Equal(t, doc.ID(), restored.ID())
	assert.Equal(t, doc.Owner(), restored.Owner())
	assert.Equal(t, doc.Clock(), restored.Clock())
	assert.Equal(t, doc.OperationLogSize(), restored.OperationLogSize())

	snapOrig, err := doc.Snapshot()
	require.NoError(t, err)
	snapRestored, err := restored.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, snapOrig, snapRestored)

	// A restored replica keeps deduplicating logged operations.
	logged := doc.OperationLog()[0]
	require.NoError(t, restored.ApplyOperation(logged))
	assert.Equal(t, doc.OperationLogSize(), restored.OperationLogSize())

	// And it can keep merging.
	require.NoError(t, restored.Merge(doc))
	snapAfter, err := restored.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, snapOrig, snapAfter)
}
