package common

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// UserID identifies an author/replica. It is opaque to the engine; callers
// typically use account ids or device ids. Ordering is plain lexicographic
// byte order, which is what every deterministic tie-break in the engine
// relies on.
type UserID string

// Compare compares two UserIDs lexicographically.
// Returns:
//
//	-1 if u < other
//	 0 if u == other
//	 1 if u > other
func (u UserID) Compare(other UserID) int {
	switch {
	case u < other:
		return -1
	case u > other:
		return 1
	default:
		return 0
	}
}

// OperationID is a globally unique identifier for a single operation.
// It is implemented as a UUID v7 which provides time-ordered values.
type OperationID uuid.UUID

// NilOperationID is the zero value for OperationID.
var NilOperationID OperationID

// NewOperationID creates a new OperationID using UUID v7.
// It panics if the UUID cannot be created.
func NewOperationID() OperationID {
	const retry = 3

	var lastErr error
	var id uuid.UUID
	for i := 0; i < retry; i++ {
		id, lastErr = uuid.NewV7()
		if lastErr == nil {
			break
		}
	}

	if lastErr != nil {
		panic(lastErr)
	}

	return OperationID(id)
}

// String returns the string representation of the OperationID.
func (o OperationID) String() string {
	return uuid.UUID(o).String()
}

// IsNil returns true if the id is the zero value.
func (o OperationID) IsNil() bool {
	return o == NilOperationID
}

// Compare compares two OperationIDs lexicographically by their bytes.
// UUID v7 ids sort in creation-time order.
func (o OperationID) Compare(other OperationID) int {
	max := len(uuid.UUID(o))
	for i := 0; i < max; i++ {
		if uuid.UUID(o)[i] < uuid.UUID(other)[i] {
			return -1
		}
		if uuid.UUID(o)[i] > uuid.UUID(other)[i] {
			return 1
		}
	}
	return 0
}

// MarshalText implements the encoding.TextMarshaler interface.
func (o OperationID) MarshalText() ([]byte, error) {
	return []byte(uuid.UUID(o).String()), nil
}

// UnmarshalText implements the encoding.TextUnmarshaler interface.
func (o *OperationID) UnmarshalText(text []byte) error {
	u, err := uuid.Parse(string(text))
	if err != nil {
		return fmt.Errorf("invalid UUID format: %w", err)
	}
	*o = OperationID(u)
	return nil
}

// NowMillis returns the current wall-clock time in Unix milliseconds.
// Wall timestamps in the engine are advisory: causality comes from vector
// clocks, and wall time only breaks ties together with UserID.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// ReferenceType classifies a typed edge between two documents.
type ReferenceType string

const (
	// ReferenceTypeLink is a plain hyperlink-style reference.
	ReferenceTypeLink ReferenceType = "link"
	// ReferenceTypeEmbed embeds the target document inline.
	ReferenceTypeEmbed ReferenceType = "embed"
	// ReferenceTypeMention is a lightweight mention of another document.
	ReferenceTypeMention ReferenceType = "mention"
	// ReferenceTypeDependency marks the source as depending on the target.
	ReferenceTypeDependency ReferenceType = "dependency"
)

// CodexReference is a typed edge between two documents.
type CodexReference struct {
	From          string        `json:"from"`
	To            string        `json:"to"`
	ReferenceType ReferenceType `json:"reference_type"`
	Context       string        `json:"context,omitempty"`
}

// Key returns a canonical identity string for the reference. Two references
// are the same set element iff their keys are equal; Context is descriptive
// payload and does not participate in identity.
func (r CodexReference) Key() string {
	return r.From + "\x00" + r.To + "\x00" + string(r.ReferenceType)
}

// TemplateValueKind is the type tag of a TemplateValue.
type TemplateValueKind string

const (
	// KindText is a plain string value.
	KindText TemplateValueKind = "text"
	// KindNumber is a float64 value.
	KindNumber TemplateValueKind = "number"
	// KindBoolean is a bool value.
	KindBoolean TemplateValueKind = "boolean"
	// KindDateTime is a point in time, stored as Unix milliseconds.
	KindDateTime TemplateValueKind = "datetime"
	// KindArray is an ordered list of nested values.
	KindArray TemplateValueKind = "array"
	// KindObject is a string-keyed map of nested values.
	KindObject TemplateValueKind = "object"
	// KindReference is a typed cross-document edge.
	KindReference TemplateValueKind = "reference"
	// KindNull is the explicit null value.
	KindNull TemplateValueKind = "null"
)

// TemplateValue is the payload type of the metadata layer. Every value is
// tagged with the wall timestamp and author of the write that produced it so
// leaf-level last-writer-wins tie-breaking stays deterministic.
type TemplateValue struct {
	Kind      TemplateValueKind        `json:"kind"`
	Text      string                   `json:"text,omitempty"`
	Number    float64                  `json:"number,omitempty"`
	Boolean   bool                     `json:"boolean,omitempty"`
	DateTime  int64                    `json:"datetime,omitempty"`
	Array     []TemplateValue          `json:"array,omitempty"`
	Object    map[string]TemplateValue `json:"object,omitempty"`
	Reference *CodexReference          `json:"reference,omitempty"`

	Timestamp int64  `json:"ts"`
	User      UserID `json:"user"`
}

// NewTextValue creates a text TemplateValue stamped with the given writer.
func NewTextValue(s string, user UserID, ts int64) TemplateValue {
	return TemplateValue{Kind: KindText, Text: s, Timestamp: ts, User: user}
}

// NewNumberValue creates a number TemplateValue stamped with the given writer.
func NewNumberValue(n float64, user UserID, ts int64) TemplateValue {
	return TemplateValue{Kind: KindNumber, Number: n, Timestamp: ts, User: user}
}

// NewBooleanValue creates a boolean TemplateValue stamped with the given writer.
func NewBooleanValue(b bool, user UserID, ts int64) TemplateValue {
	return TemplateValue{Kind: KindBoolean, Boolean: b, Timestamp: ts, User: user}
}

// NewNullValue creates an explicit null TemplateValue.
func NewNullValue(user UserID, ts int64) TemplateValue {
	return TemplateValue{Kind: KindNull, Timestamp: ts, User: user}
}

// Before reports whether v loses a last-writer-wins comparison against
// other: strictly older timestamp, or equal timestamps and smaller author id.
func (v TemplateValue) Before(other TemplateValue) bool {
	if v.Timestamp != other.Timestamp {
		return v.Timestamp < other.Timestamp
	}
	return v.User.Compare(other.User) < 0
}

// Equal reports deep equality of the value payload, ignoring the write stamp.
func (v TemplateValue) Equal(other TemplateValue) bool {
	if v.Kind != other.Kind {
		return false
	}
	switch v.Kind {
	case KindText:
		return v.Text == other.Text
	case KindNumber:
		return v.Number == other.Number
	case KindBoolean:
		return v.Boolean == other.Boolean
	case KindDateTime:
		return v.DateTime == other.DateTime
	case KindNull:
		return true
	case KindReference:
		if v.Reference == nil || other.Reference == nil {
			return v.Reference == other.Reference
		}
		return *v.Reference == *other.Reference
	case KindArray:
		if len(v.Array) != len(other.Array) {
			return false
		}
		for i := range v.Array {
			if !v.Array[i].Equal(other.Array[i]) {
				return false
			}
		}
		return true
	case KindObject:
		if len(v.Object) != len(other.Object) {
			return false
		}
		for k, val := range v.Object {
			o, ok := other.Object[k]
			if !ok || !val.Equal(o) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// String returns a compact JSON representation, for logs and tests.
func (v TemplateValue) String() string {
	data, _ := json.Marshal(v)
	return string(data)
}
