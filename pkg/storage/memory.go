package storage

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryStore keeps call logs in process memory. It backs dev mode and tests.
type MemoryStore struct {
	seq atomic.Int64

	mu      sync.RWMutex
	ordered []*APICallLog // newest first
	byID    map[string]*APICallLog
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID: make(map[string]*APICallLog),
	}
}

// SaveCallLog stores a copy of the entry and assigns its sequence number
func (s *MemoryStore) SaveCallLog(ctx context.Context, log *APICallLog) error {
	if err := ctx.Err(); err != nil {
		return persistenceErr("save call log", err)
	}

	log.Seq = s.seq.Add(1)
	cpy := *log

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[cpy.ID]; exists {
		return persistenceErr("save call log", errDuplicateID(cpy.ID))
	}

	idx := sort.Search(len(s.ordered), func(i int) bool {
		return newerFirst(&cpy, s.ordered[i])
	})
	s.ordered = append(s.ordered, nil)
	copy(s.ordered[idx+1:], s.ordered[idx:])
	s.ordered[idx] = &cpy
	s.byID[cpy.ID] = &cpy

	return nil
}

// GetCallLog returns the full entry
func (s *MemoryStore) GetCallLog(ctx context.Context, id string) (*APICallLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	full := log.Summary()
	full.SetPayloads(log.Payloads())
	return full, nil
}

// ListCallLogs returns one page of summaries and the total matching count
func (s *MemoryStore) ListCallLogs(ctx context.Context, filters LogFilters) ([]*APICallLog, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	page := make([]*APICallLog, 0, filters.Limit)
	total := 0
	for _, log := range s.ordered {
		if !filters.Matches(log) {
			continue
		}
		if total >= filters.Offset && len(page) < filters.Limit {
			page = append(page, log.Summary())
		}
		total++
	}

	return page, total, nil
}

// ListByTrace returns the summaries sharing a trace id, oldest first
func (s *MemoryStore) ListByTrace(ctx context.Context, traceID string) ([]*APICallLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var logs []*APICallLog
	for i := len(s.ordered) - 1; i >= 0; i-- {
		if s.ordered[i].TraceID == traceID {
			logs = append(logs, s.ordered[i].Summary())
		}
	}
	return logs, nil
}

// ScanCallLogs visits a snapshot of every summary
func (s *MemoryStore) ScanCallLogs(ctx context.Context, fn func(*APICallLog) error) error {
	s.mu.RLock()
	snapshot := make([]*APICallLog, 0, len(s.ordered))
	for _, log := range s.ordered {
		snapshot = append(snapshot, log.Summary())
	}
	s.mu.RUnlock()

	for _, log := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(log); err != nil {
			return err
		}
	}
	return nil
}

// DeleteCallLogsBefore removes up to limit of the oldest entries older than cutoff
func (s *MemoryStore) DeleteCallLogsBefore(ctx context.Context, cutoff time.Time, limit int) ([]*APICallLog, error) {
	if err := ctx.Err(); err != nil {
		return nil, persistenceErr("delete call logs", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Oldest entries sit at the tail.
	var deleted []*APICallLog
	end := len(s.ordered)
	for end > 0 && len(deleted) < limit {
		log := s.ordered[end-1]
		if !log.RequestTimestamp.Before(cutoff) {
			break
		}
		deleted = append(deleted, log.Summary())
		delete(s.byID, log.ID)
		end--
	}
	for i := end; i < len(s.ordered); i++ {
		s.ordered[i] = nil
	}
	s.ordered = s.ordered[:end]

	return deleted, nil
}

// Len returns the number of stored entries
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ordered)
}

// Ping always succeeds for the in-memory store
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op
func (s *MemoryStore) Close() error {
	return nil
}
