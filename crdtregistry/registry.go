// Package crdtregistry holds the table of live documents. Each document is
// exclusively owned by its registry entry: writers go through Update, which
// holds the entry for the duration of the call, and cross-goroutine readers
// only ever see immutable snapshots. Deletion is an explicit lifecycle step
// that empties the document's storage instead of waiting for the collector.
package crdtregistry

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"codex/common"
	"codex/crdt"
)

// Registry maps document ids to their CRDT instances behind a read-write
// lock.
type Registry struct {
	mu        sync.RWMutex
	documents map[string]*crdt.DocumentCRDT
	logger    *zap.Logger
}

// NewRegistry creates an empty registry. A nil logger disables logging.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		documents: make(map[string]*crdt.DocumentCRDT),
		logger:    logger,
	}
}

// Create creates a document owned by the given user and registers it.
func (r *Registry) Create(id string, owner common.UserID, opts ...crdt.Option) (*crdt.DocumentCRDT, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.documents[id]; exists {
		return nil, errors.Errorf("document already registered: %s", id)
	}

	doc := crdt.NewDocumentCRDT(id, owner, opts...)
	r.documents[id] = doc
	r.logger.Info("document registered",
		zap.String("document_id", id),
		zap.String("owner", string(owner)))
	return doc, nil
}

// Register adds an existing document, e.g. one restored from a snapshot.
func (r *Registry) Register(doc *crdt.DocumentCRDT) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.documents[doc.ID()]; exists {
		return errors.Errorf("document already registered: %s", doc.ID())
	}

	r.documents[doc.ID()] = doc
	r.logger.Info("document registered",
		zap.String("document_id", doc.ID()),
		zap.String("owner", string(doc.Owner())))
	return nil
}

// Unregister removes a document and explicitly empties its storage. The
// eager cleanup bounds peak memory during bulk teardown.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, exists := r.documents[id]
	if !exists {
		return errors.Errorf("document not registered: %s", id)
	}

	delete(r.documents, id)
	doc.Cleanup()
	r.logger.Info("document unregistered", zap.String("document_id", id))
	return nil
}

// Has returns true if the document is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.documents[id]
	return exists
}

// IDs returns the registered document ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.documents))
	for id := range r.documents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of registered documents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.documents)
}

// Update runs fn with exclusive access to the document. The registry lock
// is held for the duration of fn, which keeps the one-writer-at-a-time
// discipline the engine requires.
func (r *Registry) Update(id string, fn func(doc *crdt.DocumentCRDT) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, exists := r.documents[id]
	if !exists {
		return errors.Errorf("document not registered: %s", id)
	}

	if err := fn(doc); err != nil {
		return errors.Wrapf(err, "update of document %s failed", id)
	}
	return nil
}

// Apply creates and applies an operation on the document in one exclusive
// step, returning the stamped operation for dissemination.
func (r *Registry) Apply(id string, opType crdt.OperationType, user common.UserID) (crdt.CRDTOperation, error) {
	var op crdt.CRDTOperation
	err := r.Update(id, func(doc *crdt.DocumentCRDT) error {
		op = doc.CreateOperation(opType, user)
		return doc.ApplyOperation(op)
	})
	if err != nil {
		return crdt.CRDTOperation{}, err
	}
	return op, nil
}

// Merge folds a remote replica's state into the registered document.
func (r *Registry) Merge(id string, other *crdt.DocumentCRDT) error {
	return r.Update(id, func(doc *crdt.DocumentCRDT) error {
		return doc.Merge(other)
	})
}

// Snapshot returns an immutable snapshot of the document, safe to share
// across goroutines.
func (r *Registry) Snapshot(id string) (crdt.DocumentSnapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	doc, exists := r.documents[id]
	if !exists {
		return crdt.DocumentSnapshot{}, errors.Errorf("document not registered: %s", id)
	}
	return doc.Snapshot()
}

// MemoryStats returns the storage footprint of the document.
func (r *Registry) MemoryStats(id string) (crdt.MemoryStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	doc, exists := r.documents[id]
	if !exists {
		return crdt.MemoryStats{}, errors.Errorf("document not registered: %s", id)
	}
	return doc.MemoryStats(), nil
}

// GCAll garbage collects every registered document with the same cutoff and
// returns per-document stats. The cutoff must be causally safe; supplying
// one is the synchronization layer's job.
func (r *Registry) GCAll(cutoff int64) map[string]crdt.GCStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make(map[string]crdt.GCStats, len(r.documents))
	for id, doc := range r.documents {
		stats := doc.GCAll(cutoff)
		result[id] = stats
		r.logger.Debug("document garbage collected",
			zap.String("document_id", id),
			zap.Int("operations_removed", stats.OperationsRemoved),
			zap.Int("tombstones_removed", stats.TombstonesRemoved),
			zap.Int("tags_removed", stats.TagsRemoved),
			zap.Int("fields_removed", stats.FieldsRemoved))
	}
	return result
}

// Close unregisters every document, emptying each one's storage.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, doc := range r.documents {
		doc.Cleanup()
		delete(r.documents, id)
	}
	r.logger.Info("registry closed")
}
