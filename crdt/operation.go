package crdt

import (
	"encoding/json"

	"codex/common"
)

// OpKind discriminates the closed set of mutation kinds. The operation set
// is fixed; routing code matches exhaustively on it.
type OpKind string

const (
	// OpTextInsert inserts text into a named field.
	OpTextInsert OpKind = "text_insert"
	// OpTextDelete deletes a span of text from a named field.
	OpTextDelete OpKind = "text_delete"
	// OpMetadataSet writes a metadata key.
	OpMetadataSet OpKind = "metadata_set"
	// OpMetadataDelete tombstones a metadata key.
	OpMetadataDelete OpKind = "metadata_delete"
	// OpReferenceAdd adds a cross-document reference.
	OpReferenceAdd OpKind = "reference_add"
	// OpReferenceRemove removes a cross-document reference.
	OpReferenceRemove OpKind = "reference_remove"
	// OpTreeInsert inserts a child node under a parent.
	OpTreeInsert OpKind = "tree_insert"
	// OpTreeMove moves a node to a new parent.
	OpTreeMove OpKind = "tree_move"
	// OpTreeDelete tombstones a node and its subtree.
	OpTreeDelete OpKind = "tree_delete"
)

// OperationType is the closed tagged union of operation payloads. Only the
// payload types in this package implement it.
type OperationType interface {
	Kind() OpKind
	isOperationType()
}

// TextInsert inserts Content at visible position Pos in Field.
type TextInsert struct {
	Field   string `json:"field"`
	Pos     int    `json:"pos"`
	Content string `json:"content"`
}

func (TextInsert) Kind() OpKind     { return OpTextInsert }
func (TextInsert) isOperationType() {}

// TextDelete deletes Len visible characters starting at Pos in Field.
type TextDelete struct {
	Field string `json:"field"`
	Pos   int    `json:"pos"`
	Len   int    `json:"len"`
}

func (TextDelete) Kind() OpKind     { return OpTextDelete }
func (TextDelete) isOperationType() {}

// MetadataSet writes Value under Key in the metadata map.
type MetadataSet struct {
	Key   string               `json:"key"`
	Value common.TemplateValue `json:"value"`
}

func (MetadataSet) Kind() OpKind     { return OpMetadataSet }
func (MetadataSet) isOperationType() {}

// MetadataDelete tombstones Key in the metadata map.
type MetadataDelete struct {
	Key string `json:"key"`
}

func (MetadataDelete) Kind() OpKind     { return OpMetadataDelete }
func (MetadataDelete) isOperationType() {}

// ReferenceAdd adds Ref to the reference set.
type ReferenceAdd struct {
	Ref common.CodexReference `json:"ref"`
}

func (ReferenceAdd) Kind() OpKind     { return OpReferenceAdd }
func (ReferenceAdd) isOperationType() {}

// ReferenceRemove removes Ref from the reference set.
type ReferenceRemove struct {
	Ref common.CodexReference `json:"ref"`
}

func (ReferenceRemove) Kind() OpKind     { return OpReferenceRemove }
func (ReferenceRemove) isOperationType() {}

// TreeInsert inserts Child at sibling position Pos under Parent.
type TreeInsert struct {
	Parent string `json:"parent"`
	Pos    int    `json:"pos"`
	Child  string `json:"child"`
}

func (TreeInsert) Kind() OpKind     { return OpTreeInsert }
func (TreeInsert) isOperationType() {}

// TreeMove moves Child under NewParent at sibling position Pos.
type TreeMove struct {
	Child     string `json:"child"`
	NewParent string `json:"new_parent"`
	Pos       int    `json:"pos"`
}

func (TreeMove) Kind() OpKind     { return OpTreeMove }
func (TreeMove) isOperationType() {}

// TreeDelete tombstones Node and every node currently beneath it.
type TreeDelete struct {
	Node string `json:"node"`
}

func (TreeDelete) Kind() OpKind     { return OpTreeDelete }
func (TreeDelete) isOperationType() {}

// CRDTOperation is the immutable envelope every mutation travels in. It is
// the unit of both network replication and disk persistence, so its JSON
// shape is stable.
type CRDTOperation struct {
	// ID is globally unique; duplicate delivery is detected by it.
	ID common.OperationID
	// User is the authoring replica.
	User common.UserID
	// Timestamp is advisory wall-clock time in Unix milliseconds.
	Timestamp int64
	// Clock is the author's vector clock snapshot taken at creation,
	// including the increment for this operation.
	Clock common.VectorClock
	// Type is the operation payload.
	Type OperationType
	// CausallyReady records whether the operation's dependencies were
	// satisfied when it was last examined. Transports with causal delivery
	// leave it true.
	CausallyReady bool
}

type operationEnvelope struct {
	ID            common.OperationID `json:"id"`
	User          common.UserID      `json:"user"`
	Timestamp     int64              `json:"ts"`
	Clock         common.VectorClock `json:"clock"`
	Kind          OpKind             `json:"kind"`
	Payload       json.RawMessage    `json:"payload"`
	CausallyReady bool               `json:"causally_ready"`
}

// MarshalJSON implements the json.Marshaler interface.
func (op CRDTOperation) MarshalJSON() ([]byte, error) {
	payload, err := json.Marshal(op.Type)
	if err != nil {
		return nil, err
	}
	return json.Marshal(operationEnvelope{
		ID:            op.ID,
		User:          op.User,
		Timestamp:     op.Timestamp,
		Clock:         op.Clock,
		Kind:          op.Type.Kind(),
		Payload:       payload,
		CausallyReady: op.CausallyReady,
	})
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (op *CRDTOperation) UnmarshalJSON(data []byte) error {
	var env operationEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}

	var opType OperationType
	switch env.Kind {
	case OpTextInsert:
		opType = &TextInsert{}
	case OpTextDelete:
		opType = &TextDelete{}
	case OpMetadataSet:
		opType = &MetadataSet{}
	case OpMetadataDelete:
		opType = &MetadataDelete{}
	case OpReferenceAdd:
		opType = &ReferenceAdd{}
	case OpReferenceRemove:
		opType = &ReferenceRemove{}
	case OpTreeInsert:
		opType = &TreeInsert{}
	case OpTreeMove:
		opType = &TreeMove{}
	case OpTreeDelete:
		opType = &TreeDelete{}
	default:
		return common.ErrInvalidOperation{Message: "unknown operation kind: " + string(env.Kind)}
	}

	if err := json.Unmarshal(env.Payload, opType); err != nil {
		return err
	}

	op.ID = env.ID
	op.User = env.User
	op.Timestamp = env.Timestamp
	op.Clock = env.Clock
	op.Type = derefOperationType(opType)
	op.CausallyReady = env.CausallyReady
	return nil
}

// derefOperationType normalizes decoded payloads back to value form so
// operations compare equal regardless of which side serialized them.
func derefOperationType(t OperationType) OperationType {
	switch v := t.(type) {
	case *TextInsert:
		return *v
	case *TextDelete:
		return *v
	case *MetadataSet:
		return *v
	case *MetadataDelete:
		return *v
	case *ReferenceAdd:
		return *v
	case *ReferenceRemove:
		return *v
	case *TreeInsert:
		return *v
	case *TreeMove:
		return *v
	case *TreeDelete:
		return *v
	default:
		return t
	}
}
