package runstore

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/analystflow/workflow"
)

// MemoryStore keeps runs in process memory. Records are copied on the way
// in and out so callers never share state with the store.
type MemoryStore struct {
	mu     sync.RWMutex
	runs   map[string]*Record
	events map[string][]EventRecord
	// index holds completed runs ordered newest first.
	index []RunSummary
	opts  storeOptions
}

// NewMemoryStore 创建内存运行存储
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		runs:   make(map[string]*Record),
		events: make(map[string][]EventRecord),
		opts:   buildOptions("runstore_memory", opts),
	}
}

func (s *MemoryStore) StartRun(_ context.Context, runID, subject string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[runID]; ok {
		return nil
	}
	s.runs[runID] = newRecord(runID, subject, s.opts.now())
	s.events[runID] = []EventRecord{}
	return nil
}

func (s *MemoryStore) RecordEvent(_ context.Context, event workflow.StreamEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.runs[event.RunID]
	if !ok {
		s.opts.logger.Debug("dropping event for unknown run",
			zap.String("run_id", event.RunID),
			zap.String("event", string(event.Kind)))
		return nil
	}

	at := s.opts.now()
	s.events[event.RunID] = append(s.events[event.RunID], EventRecord{Timestamp: at, Event: cloneEvent(event)})

	if _, completed := rec.apply(event, at); completed {
		s.insertIndex(rec.Summary())
	}
	return nil
}

// insertIndex places summary in newest-first order. Must hold s.mu.
func (s *MemoryStore) insertIndex(summary RunSummary) {
	at := Cursor{CompletedAt: summary.CompletedAt, RunID: summary.RunID}
	// first entry older than summary
	pos := sort.Search(len(s.index), func(i int) bool {
		return at.After(s.index[i].CompletedAt, s.index[i].RunID)
	})
	s.index = append(s.index, RunSummary{})
	copy(s.index[pos+1:], s.index[pos:])
	s.index[pos] = summary
}

func (s *MemoryStore) GetRun(_ context.Context, runID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) ListRuns(_ context.Context, opts ListOptions) (*Page, error) {
	q, err := opts.validate()
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := make([]RunSummary, 0, q.limit)
	for _, row := range s.index {
		if q.cursor != nil && !q.cursor.After(row.CompletedAt, row.RunID) {
			continue
		}
		if q.subject != "" && row.Subject != q.subject {
			continue
		}
		rows = append(rows, row)
		if len(rows) == q.limit {
			break
		}
	}
	return q.page(rows), nil
}

func (s *MemoryStore) GetEvents(_ context.Context, runID string) ([]EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.runs[runID]; !ok {
		return nil, ErrNotFound
	}
	events := s.events[runID]
	out := make([]EventRecord, len(events))
	for i, e := range events {
		out[i] = EventRecord{Timestamp: e.Timestamp, Event: cloneEvent(e.Event)}
	}
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
