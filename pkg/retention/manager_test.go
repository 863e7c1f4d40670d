package retention

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ngoyal88/supplierlog/pkg/config"
	"github.com/ngoyal88/supplierlog/pkg/stats"
	"github.com/ngoyal88/supplierlog/pkg/storage"
)

var now = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	store *storage.MemoryStore
	agg   *stats.Aggregator
	mgr   *Manager
}

func newFixture(cfg *config.Store) *fixture {
	f := &fixture{store: storage.NewMemoryStore(), agg: stats.New()}
	f.mgr = New(f.store, f.agg, cfg)
	f.mgr.now = func() time.Time { return now }
	return f
}

func (f *fixture) add(t *testing.T, id string, ageDays int, status int, duration int64) {
	t.Helper()
	entry := &storage.APICallLog{
		ID:               id,
		SupplierName:     "TBO",
		Endpoint:         "/search",
		RequestTimestamp: now.Add(-time.Duration(ageDays) * 24 * time.Hour).Add(time.Minute),
		StatusCode:       status,
		DurationMs:       duration,
	}
	err := f.agg.Ingest(func() (*storage.APICallLog, error) {
		return entry, f.store.SaveCallLog(context.Background(), entry)
	})
	if err != nil {
		t.Fatalf("ingest %s: %v", id, err)
	}
}

func TestCleanupRemovesOldEntriesAndUpdatesStats(t *testing.T) {
	f := newFixture(nil)
	f.add(t, "ancient", 200, 500, 900)
	f.add(t, "old", 31, 200, 300)
	f.add(t, "recent", 5, 200, 100)

	res, err := f.mgr.Cleanup(context.Background(), 30)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if res.DeletedCount != 2 {
		t.Fatalf("deleted %d, want 2", res.DeletedCount)
	}
	if !res.Cutoff.Equal(now.Add(-30 * 24 * time.Hour)) {
		t.Errorf("cutoff = %v", res.Cutoff)
	}

	s := f.agg.StatsFor("TBO")
	if s.TotalRequests != 1 || s.ErrorRequests != 0 || s.AvgDurationMs != 100 {
		t.Errorf("stats after cleanup = %+v", s)
	}
	if f.store.Len() != 1 {
		t.Errorf("store has %d entries, want 1", f.store.Len())
	}
}

func TestCleanupIsIdempotent(t *testing.T) {
	f := newFixture(nil)
	for i := 0; i < 10; i++ {
		f.add(t, fmt.Sprintf("old-%d", i), 100, 200, 50)
	}
	f.add(t, "keep", 1, 404, 70)

	first, err := f.mgr.Cleanup(context.Background(), 90)
	if err != nil || first.DeletedCount != 10 {
		t.Fatalf("first cleanup = %+v, %v", first, err)
	}
	second, err := f.mgr.Cleanup(context.Background(), 90)
	if err != nil || second.DeletedCount != 0 {
		t.Fatalf("second cleanup = %+v, %v", second, err)
	}

	s := f.agg.StatsFor("TBO")
	if s.TotalRequests != int64(f.store.Len()) || s.ErrorRequests != 1 {
		t.Errorf("stats %+v do not match %d stored entries", s, f.store.Len())
	}
}

func TestCleanupDefaultsToConfiguredAge(t *testing.T) {
	cfg := config.NewStore(&config.Config{Retention: config.RetentionConfig{MaxAgeDays: 10, BatchSize: 2}})
	f := newFixture(cfg)
	for i := 0; i < 5; i++ {
		f.add(t, fmt.Sprintf("stale-%d", i), 11, 200, 10)
	}
	f.add(t, "fresh", 9, 200, 10)

	res, err := f.mgr.Cleanup(context.Background(), 0)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if res.DeletedCount != 5 || f.store.Len() != 1 {
		t.Fatalf("deleted %d, remaining %d", res.DeletedCount, f.store.Len())
	}
}

func TestCleanupWithoutConfigUsesNinetyDays(t *testing.T) {
	f := newFixture(nil)
	f.add(t, "89", 89, 200, 10)
	f.add(t, "91", 91, 200, 10)

	res, err := f.mgr.Cleanup(context.Background(), -3)
	if err != nil || res.DeletedCount != 1 {
		t.Fatalf("Cleanup = %+v, %v", res, err)
	}
}

type flakyStore struct {
	*storage.MemoryStore
	failAfter int
	calls     int
}

func (s *flakyStore) DeleteCallLogsBefore(ctx context.Context, cutoff time.Time, limit int) ([]*storage.APICallLog, error) {
	s.calls++
	if s.calls > s.failAfter {
		return nil, fmt.Errorf("%w: disk I/O error", storage.ErrPersistence)
	}
	return s.MemoryStore.DeleteCallLogsBefore(ctx, cutoff, limit)
}

func TestCleanupFailureKeepsStatsConsistent(t *testing.T) {
	cfg := config.NewStore(&config.Config{Retention: config.RetentionConfig{BatchSize: 2}})
	store := &flakyStore{MemoryStore: storage.NewMemoryStore(), failAfter: 1}
	agg := stats.New()
	mgr := New(store, agg, cfg)
	mgr.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		entry := &storage.APICallLog{
			ID:               fmt.Sprintf("e%d", i),
			SupplierName:     "TBO",
			Endpoint:         "/x",
			RequestTimestamp: now.Add(-200 * 24 * time.Hour),
			StatusCode:       200,
		}
		_ = agg.Ingest(func() (*storage.APICallLog, error) {
			return entry, store.SaveCallLog(context.Background(), entry)
		})
	}

	res, err := mgr.Cleanup(context.Background(), 90)
	if !errors.Is(err, storage.ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	if res.DeletedCount != 2 {
		t.Errorf("deleted %d before failure, want 2", res.DeletedCount)
	}
	if got := agg.StatsFor("TBO").TotalRequests; got != int64(store.Len()) {
		t.Errorf("stats total %d, store has %d", got, store.Len())
	}
}

func TestCleanupConcurrentWithIngest(t *testing.T) {
	f := newFixture(config.NewStore(&config.Config{Retention: config.RetentionConfig{BatchSize: 7}}))
	for i := 0; i < 100; i++ {
		f.add(t, fmt.Sprintf("old-%d", i), 120, 200, 10)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			f.add(t, fmt.Sprintf("new-%d", i), 0, 500, 20)
		}
	}()
	go func() {
		defer wg.Done()
		if _, err := f.mgr.Cleanup(context.Background(), 90); err != nil {
			t.Errorf("Cleanup: %v", err)
		}
	}()
	wg.Wait()

	s := f.agg.StatsFor("TBO")
	if s.TotalRequests != 100 || s.ErrorRequests != 100 || int(s.TotalRequests) != f.store.Len() {
		t.Fatalf("stats %+v, store %d", s, f.store.Len())
	}
}

func TestRunStopsWithContext(t *testing.T) {
	cfg := config.NewStore(&config.Config{Retention: config.RetentionConfig{
		Enabled:    true,
		MaxAgeDays: 1,
		Interval:   10 * time.Millisecond,
	}})
	f := newFixture(cfg)
	f.add(t, "expired", 5, 200, 10)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.mgr.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for f.store.Len() != 0 {
		select {
		case <-deadline:
			t.Fatal("scheduled cleanup did not run")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestCleanupRejectsOversizedMaxAge(t *testing.T) {
	f := newFixture(nil)
	f.add(t, "fresh", 0, 200, 80)

	for _, days := range []int{MaxAgeDaysLimit + 1, 106752, 200000} {
		_, err := f.mgr.Cleanup(context.Background(), days)
		if !errors.Is(err, ErrInvalidMaxAge) {
			t.Errorf("Cleanup(%d) err = %v, want ErrInvalidMaxAge", days, err)
		}
	}
	if f.store.Len() != 1 || f.agg.StatsFor("TBO").TotalRequests != 1 {
		t.Fatalf("entries removed by rejected cleanup: len=%d", f.store.Len())
	}

	res, err := f.mgr.Cleanup(context.Background(), MaxAgeDaysLimit)
	if err != nil {
		t.Fatalf("Cleanup(limit): %v", err)
	}
	if res.DeletedCount != 0 || !res.Cutoff.Before(now) {
		t.Errorf("cleanup at limit = %+v", res)
	}
}
