package query

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ngoyal88/supplierlog/pkg/storage"
)

var start = time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

func seed(t *testing.T, store storage.Store, n int, supplier string, status int) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := store.SaveCallLog(context.Background(), &storage.APICallLog{
			ID:               fmt.Sprintf("%s-%03d", supplier, i),
			SupplierName:     supplier,
			Endpoint:         "/book",
			RequestTimestamp: start.Add(time.Duration(i) * time.Second),
			StatusCode:       status,
		})
		if err != nil {
			t.Fatalf("SaveCallLog: %v", err)
		}
	}
}

func TestListPagesWithoutGapsOrOverlap(t *testing.T) {
	store := storage.NewMemoryStore()
	seed(t, store, 120, "TBO", 200)
	e := New(store)
	ctx := context.Background()

	var all []*storage.APICallLog
	for _, want := range []int{50, 50, 20} {
		page, err := e.List(ctx, Filter{Supplier: "TBO"}, 50, len(all))
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if page.Total != 120 {
			t.Fatalf("total = %d, want 120", page.Total)
		}
		if len(page.Data) != want {
			t.Fatalf("page at offset %d has %d entries, want %d", len(all), len(page.Data), want)
		}
		all = append(all, page.Data...)
	}

	seen := map[string]bool{}
	for i, l := range all {
		if seen[l.ID] {
			t.Fatalf("entry %s returned twice", l.ID)
		}
		seen[l.ID] = true
		if i > 0 && l.RequestTimestamp.After(all[i-1].RequestTimestamp) {
			t.Fatalf("entry %d out of order", i)
		}
	}
	if all[0].ID != "TBO-119" || all[119].ID != "TBO-000" {
		t.Errorf("first/last = %s/%s", all[0].ID, all[119].ID)
	}
}

func TestListDefaultsAndBounds(t *testing.T) {
	store := storage.NewMemoryStore()
	seed(t, store, 60, "AMADEUS", 200)
	e := New(store)
	ctx := context.Background()

	page, err := e.List(ctx, Filter{}, 0, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if page.Limit != DefaultLimit || len(page.Data) != DefaultLimit {
		t.Errorf("default page = limit %d, %d entries", page.Limit, len(page.Data))
	}

	invalid := []struct {
		name          string
		f             Filter
		limit, offset int
	}{
		{"limit too large", Filter{}, MaxLimit + 1, 0},
		{"negative limit", Filter{}, -1, 0},
		{"negative offset", Filter{}, 10, -5},
		{"inverted window", Filter{From: start.Add(time.Hour), To: start}, 10, 0},
	}
	for _, tc := range invalid {
		if _, err := e.List(ctx, tc.f, tc.limit, tc.offset); !errors.Is(err, ErrInvalidQuery) {
			t.Errorf("%s: expected ErrInvalidQuery, got %v", tc.name, err)
		}
	}

	page, err = e.List(ctx, Filter{}, MaxLimit, 0)
	if err != nil || len(page.Data) != 60 {
		t.Errorf("max limit = %d entries, %v", len(page.Data), err)
	}
}

func TestListFiltersAndEmptyResults(t *testing.T) {
	store := storage.NewMemoryStore()
	seed(t, store, 5, "TBO", 200)
	seed(t, store, 3, "RATEHAWK", 500)
	e := New(store)
	ctx := context.Background()

	page, err := e.List(ctx, Filter{Supplier: "ratehawk", ErrorsOnly: true}, 10, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if page.Total != 3 {
		t.Errorf("supplier filter total = %d, want 3", page.Total)
	}

	page, err = e.List(ctx, Filter{Supplier: "TBO", ErrorsOnly: true}, 10, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if page.Total != 0 || page.Data == nil || len(page.Data) != 0 {
		t.Errorf("empty result = %+v", page)
	}

	page, err = e.List(ctx, Filter{}, 10, 500)
	if err != nil || len(page.Data) != 0 || page.Total != 8 {
		t.Errorf("offset beyond total = %+v, %v", page, err)
	}
}

func TestFetchByID(t *testing.T) {
	store := storage.NewMemoryStore()
	seed(t, store, 1, "TBO", 200)
	e := New(store)
	ctx := context.Background()

	got, err := e.FetchByID(ctx, "TBO-000")
	if err != nil || got.ID != "TBO-000" {
		t.Fatalf("FetchByID = %v, %v", got, err)
	}

	for _, id := range []string{"unknown", ""} {
		if _, err := e.FetchByID(ctx, id); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("FetchByID(%q): expected ErrNotFound, got %v", id, err)
		}
	}
}

func TestByTrace(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = store.SaveCallLog(ctx, &storage.APICallLog{
			ID:               fmt.Sprintf("retry-%d", i),
			SupplierName:     "HOTELBEDS",
			Endpoint:         "/book",
			RequestTimestamp: start.Add(time.Duration(i) * time.Minute),
			StatusCode:       502,
			TraceID:          "trace-9",
		})
	}
	e := New(store)

	logs, err := e.ByTrace(ctx, "trace-9")
	if err != nil || len(logs) != 3 || logs[0].ID != "retry-0" {
		t.Fatalf("ByTrace = %v, %v", logs, err)
	}
	empty, err := e.ByTrace(ctx, "")
	if err != nil || empty == nil || len(empty) != 0 {
		t.Fatalf("ByTrace(\"\") = %v, %v", empty, err)
	}
}

type downStore struct{ *storage.MemoryStore }

func (downStore) ListCallLogs(context.Context, storage.LogFilters) ([]*storage.APICallLog, int, error) {
	return nil, 0, fmt.Errorf("%w: connection refused", storage.ErrPersistence)
}

func TestListSurfacesPersistenceErrors(t *testing.T) {
	e := New(downStore{storage.NewMemoryStore()})
	if _, err := e.List(context.Background(), Filter{}, 10, 0); !errors.Is(err, storage.ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
}
