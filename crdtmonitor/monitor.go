// Package crdtmonitor observes a set of live documents. It records
// operation-level events reported by the application layer and
// periodically samples each document's storage footprint, so growth of
// tombstones and operation logs is visible before it becomes a problem.
package crdtmonitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"codex/common"
	"codex/crdt"
)

// EventType classifies monitor events.
type EventType string

const (
	// EventOperationApplied is emitted when an operation is applied.
	EventOperationApplied EventType = "operation_applied"
	// EventOperationRejected is emitted when an operation is rejected.
	EventOperationRejected EventType = "operation_rejected"
	// EventDocumentMerged is emitted when a remote state is merged in.
	EventDocumentMerged EventType = "document_merged"
	// EventGarbageCollected is emitted after a garbage collection pass.
	EventGarbageCollected EventType = "garbage_collected"
)

// Event is a single monitor event.
type Event struct {
	Type       EventType
	Timestamp  time.Time
	DocumentID string
	User       common.UserID
	OpID       common.OperationID
	Err        error
	Metadata   map[string]any
}

// EventHandler handles monitor events. Handlers run on their own
// goroutines and must not block on the monitor.
type EventHandler func(event Event)

// StatsSource exposes the documents the monitor samples. A registry
// satisfies this.
type StatsSource interface {
	IDs() []string
	MemoryStats(id string) (crdt.MemoryStats, error)
}

// Options configures a Monitor.
type Options struct {
	// CollectStats enables periodic memory sampling.
	CollectStats bool
	// StatInterval is the sampling interval.
	StatInterval time.Duration
	// LogEvents enables logging of every event.
	LogEvents bool
}

// NewOptions returns Options with default values.
func NewOptions() *Options {
	return &Options{
		CollectStats: true,
		StatInterval: 5 * time.Second,
		LogEvents:    true,
	}
}

// UserStats tracks per-author activity.
type UserStats struct {
	User            common.UserID
	LastActiveTime  time.Time
	TotalOperations int64
}

// Stats is a snapshot of everything the monitor has accumulated.
type Stats struct {
	StartTime               time.Time
	LastUpdateTime          time.Time
	TotalOperationsApplied  int64
	TotalOperationsRejected int64
	TotalMerges             int64
	TotalCollections        int64
	OperationsPerSecond     float64
	DocumentStats           map[string]crdt.MemoryStats
	UserStats               map[common.UserID]UserStats
}

// Monitor records engine events and samples document memory stats.
type Monitor struct {
	source   StatsSource
	logger   *zap.Logger
	options  *Options
	handlers map[EventType][]EventHandler

	stats   Stats
	statsMu sync.RWMutex

	running   bool
	runningMu sync.RWMutex
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewMonitor creates a monitor over the given source. A nil logger
// disables logging, nil options take defaults.
func NewMonitor(source StatsSource, logger *zap.Logger, options *Options) (*Monitor, error) {
	if source == nil {
		return nil, fmt.Errorf("stats source cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if options == nil {
		options = NewOptions()
	}

	return &Monitor{
		source:   source,
		logger:   logger,
		options:  options,
		handlers: make(map[EventType][]EventHandler),
		stats:    newStats(),
	}, nil
}

func newStats() Stats {
	now := time.Now()
	return Stats{
		StartTime:      now,
		LastUpdateTime: now,
		DocumentStats:  make(map[string]crdt.MemoryStats),
		UserStats:      make(map[common.UserID]UserStats),
	}
}

// Start begins periodic sampling. It fails if the monitor already runs.
func (m *Monitor) Start(ctx context.Context) error {
	m.runningMu.Lock()
	defer m.runningMu.Unlock()

	if m.running {
		return fmt.Errorf("monitor is already running")
	}

	monitorCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	if m.options.CollectStats {
		go m.collectStats(monitorCtx)
	} else {
		close(m.done)
	}

	m.running = true
	m.logger.Info("monitor started",
		zap.Duration("stat_interval", m.options.StatInterval),
		zap.Bool("collect_stats", m.options.CollectStats))
	return nil
}

// Stop halts sampling and waits for the sampling goroutine to exit.
func (m *Monitor) Stop() error {
	m.runningMu.Lock()
	defer m.runningMu.Unlock()

	if !m.running {
		return fmt.Errorf("monitor is not running")
	}

	m.cancel()
	m.cancel = nil
	<-m.done

	m.running = false
	m.logger.Info("monitor stopped")
	return nil
}

// IsRunning reports whether the monitor is started.
func (m *Monitor) IsRunning() bool {
	m.runningMu.RLock()
	defer m.runningMu.RUnlock()
	return m.running
}

// AddEventHandler registers a handler for the given event type.
func (m *Monitor) AddEventHandler(eventType EventType, handler EventHandler) {
	if handler == nil {
		return
	}

	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	m.handlers[eventType] = append(m.handlers[eventType], handler)
}

// RecordApplied records a successfully applied operation.
func (m *Monitor) RecordApplied(documentID string, op crdt.CRDTOperation) {
	m.statsMu.Lock()
	m.stats.TotalOperationsApplied++
	us := m.stats.UserStats[op.User]
	us.User = op.User
	us.LastActiveTime = time.Now()
	us.TotalOperations++
	m.stats.UserStats[op.User] = us
	m.stats.LastUpdateTime = time.Now()
	m.statsMu.Unlock()

	m.emit(Event{
		Type:       EventOperationApplied,
		DocumentID: documentID,
		User:       op.User,
		OpID:       op.ID,
		Metadata:   map[string]any{"kind": string(op.Type.Kind())},
	})
}

// RecordRejected records an operation the engine refused.
func (m *Monitor) RecordRejected(documentID string, op crdt.CRDTOperation, err error) {
	m.statsMu.Lock()
	m.stats.TotalOperationsRejected++
	m.stats.LastUpdateTime = time.Now()
	m.statsMu.Unlock()

	m.emit(Event{
		Type:       EventOperationRejected,
		DocumentID: documentID,
		User:       op.User,
		OpID:       op.ID,
		Err:        err,
	})
}

// RecordMerged records a merge of a remote replica's state.
func (m *Monitor) RecordMerged(documentID string) {
	m.statsMu.Lock()
	m.stats.TotalMerges++
	m.stats.LastUpdateTime = time.Now()
	m.statsMu.Unlock()

	m.emit(Event{Type: EventDocumentMerged, DocumentID: documentID})
}

// RecordGC records the result of a garbage collection pass.
func (m *Monitor) RecordGC(documentID string, stats crdt.GCStats) {
	m.statsMu.Lock()
	m.stats.TotalCollections++
	m.stats.LastUpdateTime = time.Now()
	m.statsMu.Unlock()

	m.emit(Event{
		Type:       EventGarbageCollected,
		DocumentID: documentID,
		Metadata: map[string]any{
			"operations_removed": stats.OperationsRemoved,
			"tombstones_removed": stats.TombstonesRemoved,
			"tags_removed":       stats.TagsRemoved,
			"fields_removed":     stats.FieldsRemoved,
		},
	})
}

// Stats returns a copy of the accumulated statistics.
func (m *Monitor) Stats() Stats {
	m.statsMu.RLock()
	defer m.statsMu.RUnlock()

	out := m.stats
	out.DocumentStats = make(map[string]crdt.MemoryStats, len(m.stats.DocumentStats))
	for id, ds := range m.stats.DocumentStats {
		out.DocumentStats[id] = ds
	}
	out.UserStats = make(map[common.UserID]UserStats, len(m.stats.UserStats))
	for user, us := range m.stats.UserStats {
		out.UserStats[user] = us
	}
	return out
}

// ResetStats discards accumulated statistics.
func (m *Monitor) ResetStats() {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	m.stats = newStats()
}

// Sample takes one memory sample of every document immediately.
func (m *Monitor) Sample() {
	samples := make(map[string]crdt.MemoryStats)
	for _, id := range m.source.IDs() {
		ms, err := m.source.MemoryStats(id)
		if err != nil {
			// Unregistered between IDs and MemoryStats.
			continue
		}
		samples[id] = ms
	}

	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	m.stats.DocumentStats = samples
	m.stats.LastUpdateTime = time.Now()
}

func (m *Monitor) collectStats(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.options.StatInterval)
	defer ticker.Stop()

	var lastApplied int64
	var lastTime time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			m.Sample()

			m.statsMu.Lock()
			if !lastTime.IsZero() {
				elapsed := t.Sub(lastTime).Seconds()
				if elapsed > 0 {
					delta := m.stats.TotalOperationsApplied - lastApplied
					m.stats.OperationsPerSecond = float64(delta) / elapsed
				}
			}
			lastApplied = m.stats.TotalOperationsApplied
			lastTime = t
			m.statsMu.Unlock()
		}
	}
}

func (m *Monitor) emit(event Event) {
	event.Timestamp = time.Now()

	if m.options.LogEvents {
		fields := []zap.Field{
			zap.String("event", string(event.Type)),
			zap.String("document_id", event.DocumentID),
		}
		if event.User != "" {
			fields = append(fields, zap.String("user", string(event.User)))
		}
		if !event.OpID.IsNil() {
			fields = append(fields, zap.Stringer("op_id", event.OpID))
		}
		if event.Err != nil {
			fields = append(fields, zap.Error(event.Err))
			m.logger.Warn("monitor event", fields...)
		} else {
			m.logger.Info("monitor event", fields...)
		}
	}

	m.statsMu.RLock()
	handlers := m.handlers[event.Type]
	m.statsMu.RUnlock()
	for _, handler := range handlers {
		go handler(event)
	}
}
