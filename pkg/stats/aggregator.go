package stats

import (
	"context"
	"sort"
	"sync"

	"github.com/ngoyal88/supplierlog/pkg/storage"
	log "github.com/sirupsen/logrus"
)

// SupplierStats is the health summary of one supplier.
type SupplierStats struct {
	SupplierName       string  `json:"supplier_name"`
	TotalRequests      int64   `json:"total_requests"`
	SuccessfulRequests int64   `json:"successful_requests"`
	ErrorRequests      int64   `json:"error_requests"`
	AvgDurationMs      float64 `json:"avg_duration_ms"`
	ErrorRate          float64 `json:"error_rate"`
}

type counter struct {
	mu      sync.Mutex
	success int64
	errors  int64
	mean    float64
}

func (c *counter) add(durationMs int64, isErr bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if isErr {
		c.errors++
	} else {
		c.success++
	}
	n := float64(c.success + c.errors)
	c.mean += (float64(durationMs) - c.mean) / n
}

func (c *counter) remove(durationMs int64, isErr bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.success + c.errors
	if n == 0 {
		return
	}
	if isErr && c.errors > 0 {
		c.errors--
	} else if !isErr && c.success > 0 {
		c.success--
	} else {
		return
	}
	if n == 1 {
		c.mean = 0
		return
	}
	c.mean -= (float64(durationMs) - c.mean) / float64(n-1)
}

func (c *counter) snapshot(name string) SupplierStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := SupplierStats{
		SupplierName:       name,
		TotalRequests:      c.success + c.errors,
		SuccessfulRequests: c.success,
		ErrorRequests:      c.errors,
		AvgDurationMs:      c.mean,
	}
	if s.TotalRequests > 0 {
		s.ErrorRate = float64(s.ErrorRequests) / float64(s.TotalRequests)
	} else {
		s.AvgDurationMs = 0
	}
	return s
}

// Aggregator keeps live per-supplier statistics in sync with the store.
//
// The ingest gate orders writes against retention: ingestions hold it
// shared while they persist, a retention batch holds it exclusively, so a
// batch never removes an entry whose increment has not been applied yet.
type Aggregator struct {
	gate sync.RWMutex

	mu        sync.RWMutex
	suppliers map[string]*counter
}

// Scanner visits every stored summary.
type Scanner interface {
	ScanCallLogs(ctx context.Context, fn func(*storage.APICallLog) error) error
}

func New() *Aggregator {
	return &Aggregator{suppliers: make(map[string]*counter)}
}

func (a *Aggregator) counterFor(name string) *counter {
	a.mu.RLock()
	c, ok := a.suppliers[name]
	a.mu.RUnlock()
	if ok {
		return c
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok = a.suppliers[name]; !ok {
		c = &counter{}
		a.suppliers[name] = c
	}
	return c
}

// Apply folds one persisted entry into its supplier's counters.
func (a *Aggregator) Apply(entry *storage.APICallLog) {
	a.counterFor(entry.SupplierName).add(entry.DurationMs, entry.IsError())
}

// Remove subtracts one deleted entry.
func (a *Aggregator) Remove(entry *storage.APICallLog) {
	a.mu.RLock()
	c, ok := a.suppliers[entry.SupplierName]
	a.mu.RUnlock()
	if !ok {
		return
	}
	c.remove(entry.DurationMs, entry.IsError())
}

// StatsFor returns the counters for one supplier; unknown suppliers get zeros.
func (a *Aggregator) StatsFor(name string) SupplierStats {
	a.mu.RLock()
	c, ok := a.suppliers[name]
	a.mu.RUnlock()
	if !ok {
		return SupplierStats{SupplierName: name}
	}
	return c.snapshot(name)
}

// All returns a snapshot of every known supplier, sorted by name.
func (a *Aggregator) All() []SupplierStats {
	a.mu.RLock()
	names := make([]string, 0, len(a.suppliers))
	counters := make([]*counter, 0, len(a.suppliers))
	for name, c := range a.suppliers {
		names = append(names, name)
		counters = append(counters, c)
	}
	a.mu.RUnlock()

	out := make([]SupplierStats, len(names))
	for i := range names {
		out[i] = counters[i].snapshot(names[i])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SupplierName < out[j].SupplierName })
	return out
}

// Ingest runs persist under the shared side of the gate and applies the
// entry it returns. Nothing is applied when persist fails.
func (a *Aggregator) Ingest(persist func() (*storage.APICallLog, error)) error {
	a.gate.RLock()
	defer a.gate.RUnlock()

	entry, err := persist()
	if err != nil {
		return err
	}
	a.Apply(entry)
	return nil
}

// Evict runs one delete batch under the exclusive side of the gate and
// subtracts every entry it reports deleted.
func (a *Aggregator) Evict(deleteBatch func() ([]*storage.APICallLog, error)) (int, error) {
	a.gate.Lock()
	defer a.gate.Unlock()

	deleted, err := deleteBatch()
	if err != nil {
		return 0, err
	}
	for _, entry := range deleted {
		a.Remove(entry)
	}
	return len(deleted), nil
}

// Rebuild recomputes every counter from a full scan and swaps them in.
func (a *Aggregator) Rebuild(ctx context.Context, scanner Scanner) (int, error) {
	a.gate.Lock()
	defer a.gate.Unlock()

	fresh := make(map[string]*counter)
	n := 0
	err := scanner.ScanCallLogs(ctx, func(entry *storage.APICallLog) error {
		c, ok := fresh[entry.SupplierName]
		if !ok {
			c = &counter{}
			fresh[entry.SupplierName] = c
		}
		c.add(entry.DurationMs, entry.IsError())
		n++
		return nil
	})
	if err != nil {
		return 0, err
	}

	a.mu.Lock()
	a.suppliers = fresh
	a.mu.Unlock()

	log.Infof("[stats] rebuilt from %d stored entries across %d suppliers", n, len(fresh))
	return n, nil
}
