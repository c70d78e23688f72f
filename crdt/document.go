package crdt

import (
	stderrors "errors"
	"sort"

	"github.com/jinzhu/copier"
	"github.com/pkg/errors"

	"codex/common"
)

// DefaultLogCapacity bounds the causal operation log. Once the log grows
// past the cap the oldest already-applied entries are evicted.
const DefaultLogCapacity = 1000

// Option configures a DocumentCRDT.
type Option func(*DocumentCRDT)

// WithLogCapacity overrides the operation log cap.
func WithLogCapacity(n int) Option {
	return func(d *DocumentCRDT) {
		if n > 0 {
			d.logCap = n
		}
	}
}

// WithStrictCausality makes ApplyOperation reject operations whose
// vector-clock dependencies have not been applied yet. Off by default:
// transports that deliver causally make the check redundant.
func WithStrictCausality() Option {
	return func(d *DocumentCRDT) {
		d.strict = true
	}
}

// GCStats reports what a garbage collection pass removed.
type GCStats struct {
	OperationsRemoved int `json:"operations_removed"`
	TombstonesRemoved int `json:"tombstones_removed"`
	TagsRemoved       int `json:"tags_removed"`
	FieldsRemoved     int `json:"fields_removed"`
}

// MemoryStats is a read-only view of the document's storage footprint.
type MemoryStats struct {
	OperationLogSize  int                  `json:"operation_log_size"`
	AppliedOperations int                  `json:"applied_operations"`
	ClockEntries      int                  `json:"clock_entries"`
	TextElements      int                  `json:"text_elements"`
	TextFields        map[string]FieldStats `json:"text_fields"`
	Metadata          LWWMapStats          `json:"metadata"`
	References        ReferenceSetStats    `json:"references"`
	Hierarchy         TreeStats            `json:"hierarchy"`
}

// DocumentSnapshot is an immutable view of the visible state of every layer.
type DocumentSnapshot struct {
	ID         string                          `json:"id"`
	Text       map[string]string               `json:"text"`
	Metadata   map[string]common.TemplateValue `json:"metadata"`
	References []common.CodexReference         `json:"references"`
	Hierarchy  map[string][]string             `json:"hierarchy"`
	Clock      common.VectorClock              `json:"clock"`
}

// DocumentCRDT owns one instance of each CRDT layer, the bounded causal
// operation log, and the local vector clock. One instance serves one
// document; a single writer mutates it at a time, and independent replicas
// reconcile through Merge.
type DocumentCRDT struct {
	id    string
	owner common.UserID

	text       *TextFieldStore
	metadata   *LWWRegisterMap
	references *ReferenceSet
	hierarchy  *HierarchyTree

	clock   common.VectorClock
	log     []CRDTOperation
	applied map[common.OperationID]int64
	logCap  int
	strict  bool
}

// NewDocumentCRDT creates a document owned by the given user.
func NewDocumentCRDT(id string, owner common.UserID, opts ...Option) *DocumentCRDT {
	d := &DocumentCRDT{
		id:         id,
		owner:      owner,
		text:       NewTextFieldStore(),
		metadata:   NewLWWRegisterMap(),
		references: NewReferenceSet(),
		hierarchy:  NewHierarchyTree(),
		clock:      common.NewVectorClock(),
		applied:    make(map[common.OperationID]int64),
		logCap:     DefaultLogCapacity,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ID returns the document id.
func (d *DocumentCRDT) ID() string {
	return d.id
}

// Owner returns the owning user.
func (d *DocumentCRDT) Owner() common.UserID {
	return d.owner
}

// Clock returns a copy of the local vector clock.
func (d *DocumentCRDT) Clock() common.VectorClock {
	return d.clock.Copy()
}

// Text exposes the collaborative text layer for read access.
func (d *DocumentCRDT) Text() *TextFieldStore {
	return d.text
}

// Metadata exposes the metadata layer for read access.
func (d *DocumentCRDT) Metadata() *LWWRegisterMap {
	return d.metadata
}

// References exposes the reference layer for read access.
func (d *DocumentCRDT) References() *ReferenceSet {
	return d.references
}

// Hierarchy exposes the structural layer for read access.
func (d *DocumentCRDT) Hierarchy() *HierarchyTree {
	return d.hierarchy
}

// InitField creates an empty text field. Field existence replicates through
// Merge; initializing twice is a no-op.
func (d *DocumentCRDT) InitField(field string) {
	d.text.InitField(field)
}

// CreateOperation stamps a new operation: the author's counter is
// incremented, and the operation carries the resulting clock snapshot, a
// fresh globally unique id, and the current wall time.
func (d *DocumentCRDT) CreateOperation(opType OperationType, user common.UserID) CRDTOperation {
	d.clock.Increment(user)
	return CRDTOperation{
		ID:            common.NewOperationID(),
		User:          user,
		Timestamp:     common.NowMillis(),
		Clock:         d.clock.Copy(),
		Type:          opType,
		CausallyReady: true,
	}
}

// dependenciesMet reports whether every operation the snapshot depends on
// has been applied locally. The author's own counter may be the next one or
// already covered (the covered case is a locally created operation whose
// increment is already in the clock).
func (d *DocumentCRDT) dependenciesMet(op CRDTOperation) bool {
	for user, counter := range op.Clock {
		limit := d.clock.Get(user)
		if user == op.User {
			limit++
		}
		if counter > limit {
			return false
		}
	}
	return true
}

// ApplyOperation routes an operation to exactly one layer, appends it to
// the log, and joins its clock into the local clock. A failing call leaves
// every layer and the clock untouched; re-applying an operation already in
// the applied set is a no-op.
func (d *DocumentCRDT) ApplyOperation(op CRDTOperation) error {
	if op.ID.IsNil() {
		return common.ErrInternal{Message: "operation with nil id"}
	}
	if _, dup := d.applied[op.ID]; dup {
		return nil
	}

	ready := d.dependenciesMet(op)
	if d.strict && !ready {
		return common.ErrCausalityViolation{OpID: op.ID, Message: "dependencies not yet applied"}
	}
	op.CausallyReady = ready

	if err := d.route(op); err != nil {
		return errors.Wrapf(translateLayerError(err), "apply %s", op.Type.Kind())
	}

	d.applied[op.ID] = op.Timestamp
	d.log = append(d.log, op)
	d.trimLog()
	d.clock.Merge(op.Clock)
	return nil
}

// route dispatches on the closed operation union. Each layer method
// validates before it mutates, so a returned error means nothing changed.
func (d *DocumentCRDT) route(op CRDTOperation) error {
	switch t := op.Type.(type) {
	case TextInsert:
		return d.text.Insert(t.Field, t.Pos, t.Content, op.User, op.ID)
	case TextDelete:
		return d.text.Delete(t.Field, t.Pos, t.Len, op.Timestamp)
	case MetadataSet:
		d.metadata.Set(t.Key, t.Value, op.User, op.Timestamp, op.ID)
		return nil
	case MetadataDelete:
		// Deleting an absent key records the tombstone; LWW makes
		// "already absent" harmless.
		d.metadata.Delete(t.Key, op.User, op.Timestamp, op.ID)
		return nil
	case ReferenceAdd:
		d.references.Add(t.Ref, op.ID, op.Timestamp)
		return nil
	case ReferenceRemove:
		d.references.Remove(t.Ref, op.Timestamp)
		return nil
	case TreeInsert:
		return d.hierarchy.Insert(t.Parent, t.Pos, t.Child, op.User, op.ID, op.Timestamp)
	case TreeMove:
		return d.hierarchy.Move(t.Child, t.NewParent, t.Pos, op.User, op.ID, op.Timestamp)
	case TreeDelete:
		return d.hierarchy.Delete(t.Node, op.Timestamp)
	default:
		return common.ErrInternal{Message: "unhandled operation kind"}
	}
}

// translateLayerError folds layer-level lookup and bounds failures into the
// InvalidOperation kind the caller contract promises. Cycle errors pass
// through unchanged.
func translateLayerError(err error) error {
	var notFoundField common.ErrFieldNotFound
	var notFoundNode common.ErrNodeNotFound
	var outOfBounds common.ErrOutOfBounds

	switch {
	case stderrors.As(err, &notFoundField),
		stderrors.As(err, &notFoundNode),
		stderrors.As(err, &outOfBounds):
		return common.ErrInvalidOperation{Message: err.Error()}
	default:
		return err
	}
}

// trimLog evicts the oldest entries once the log exceeds its cap. Evicted
// operations remain in the applied set, so duplicate delivery of an evicted
// operation is still a no-op.
func (d *DocumentCRDT) trimLog() {
	if len(d.log) <= d.logCap {
		return
	}
	excess := len(d.log) - d.logCap
	d.log = append(d.log[:0:0], d.log[excess:]...)
}

// OperationLog returns a copy of the current log entries.
func (d *DocumentCRDT) OperationLog() []CRDTOperation {
	return append([]CRDTOperation(nil), d.log...)
}

// OperationLogSize returns the number of entries currently in the log.
func (d *DocumentCRDT) OperationLogSize() int {
	return len(d.log)
}

// Merge folds another replica's full state into this one, layer by layer.
// It fails if the document ids differ and otherwise cannot fail; merge is
// commutative, associative, and idempotent across every layer.
func (d *DocumentCRDT) Merge(other *DocumentCRDT) error {
	if d.id != other.id {
		return common.ErrMergeError{LocalID: d.id, OtherID: other.id}
	}

	d.text.Merge(other.text)
	d.metadata.Merge(other.metadata)
	d.references.Merge(other.references)
	d.hierarchy.Merge(other.hierarchy)

	for id, ts := range other.applied {
		if _, ok := d.applied[id]; !ok {
			d.applied[id] = ts
		}
	}
	d.mergeLogs(other.log)
	d.clock.Merge(other.clock)
	return nil
}

// mergeLogs unions the logs, deduplicating by operation id, and re-sorts by
// (timestamp, user, id) so both merge orders produce the same log.
func (d *DocumentCRDT) mergeLogs(otherLog []CRDTOperation) {
	seen := make(map[common.OperationID]bool, len(d.log)+len(otherLog))
	merged := make([]CRDTOperation, 0, len(d.log)+len(otherLog))
	for _, op := range d.log {
		if !seen[op.ID] {
			seen[op.ID] = true
			merged = append(merged, op)
		}
	}
	for _, op := range otherLog {
		if !seen[op.ID] {
			seen[op.ID] = true
			merged = append(merged, op)
		}
	}

	sort.Slice(merged, func(i, j int) bool {
		a, b := merged[i], merged[j]
		if a.Timestamp != b.Timestamp {
			return a.Timestamp < b.Timestamp
		}
		if c := a.User.Compare(b.User); c != 0 {
			return c < 0
		}
		return a.ID.Compare(b.ID) < 0
	})

	d.log = merged
	d.trimLog()
}

// GCAll prunes tombstones, covered tags, dead fields, and old log entries
// that predate cutoff (Unix milliseconds). The cutoff is trusted to be
// causally safe; supplying one is the synchronization layer's job.
func (d *DocumentCRDT) GCAll(cutoff int64) GCStats {
	var stats GCStats

	stats.TombstonesRemoved += d.text.GC(cutoff)
	stats.TombstonesRemoved += d.metadata.GC(cutoff)
	stats.TombstonesRemoved += d.hierarchy.GC(cutoff)
	stats.TagsRemoved = d.references.GC(cutoff)
	stats.FieldsRemoved = d.text.GCFields()

	kept := d.log[:0:0]
	for _, op := range d.log {
		if op.Timestamp < cutoff {
			stats.OperationsRemoved++
			continue
		}
		kept = append(kept, op)
	}
	d.log = kept

	for id, ts := range d.applied {
		if ts < cutoff {
			delete(d.applied, id)
		}
	}
	return stats
}

// MemoryStats returns a read-only view of the storage footprint.
func (d *DocumentCRDT) MemoryStats() MemoryStats {
	return MemoryStats{
		OperationLogSize:  len(d.log),
		AppliedOperations: len(d.applied),
		ClockEntries:      len(d.clock),
		TextElements:      d.text.elementCount(),
		TextFields:        d.text.Stats(),
		Metadata:          d.metadata.Stats(),
		References:        d.references.Stats(),
		Hierarchy:         d.hierarchy.Stats(),
	}
}

// Snapshot returns an immutable deep copy of the visible state of every
// layer, safe to hand across goroutines.
func (d *DocumentCRDT) Snapshot() (DocumentSnapshot, error) {
	metadata := d.metadata.Snapshot()
	deepMetadata := make(map[string]common.TemplateValue, len(metadata))
	// TemplateValues nest arrays and objects; the snapshot must not share
	// their backing storage with the live map.
	if err := copier.CopyWithOption(&deepMetadata, metadata, copier.Option{DeepCopy: true}); err != nil {
		return DocumentSnapshot{}, errors.Wrap(err, "failed to deep copy metadata")
	}

	hierarchy := make(map[string][]string)
	nodes := d.hierarchy.Nodes()
	hierarchy[TreeRoot] = d.hierarchy.Children(TreeRoot)
	for _, node := range nodes {
		if children := d.hierarchy.Children(node); len(children) > 0 {
			hierarchy[node] = children
		}
	}

	return DocumentSnapshot{
		ID:         d.id,
		Text:       d.text.Snapshot(),
		Metadata:   deepMetadata,
		References: d.references.References(),
		Hierarchy:  hierarchy,
		Clock:      d.clock.Copy(),
	}, nil
}

// Cleanup explicitly empties every layer's backing storage. Bulk teardown
// of many documents relies on this instead of waiting for the collector.
func (d *DocumentCRDT) Cleanup() {
	d.text.Cleanup()
	d.metadata.Cleanup()
	d.references.Cleanup()
	d.hierarchy.Cleanup()
	d.log = nil
	for id := range d.applied {
		delete(d.applied, id)
	}
	for user := range d.clock {
		delete(d.clock, user)
	}
}
