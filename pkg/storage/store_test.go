package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newEntry(id, supplier string, ts time.Time, status int) *APICallLog {
	return &APICallLog{
		ID:               id,
		SupplierName:     supplier,
		Endpoint:         "/availability",
		Method:           "POST",
		RequestTimestamp: ts,
		DurationMs:       120,
		StatusCode:       status,
	}
}

func mustSave(t *testing.T, s Store, log *APICallLog) {
	t.Helper()
	if err := s.SaveCallLog(context.Background(), log); err != nil {
		t.Fatalf("SaveCallLog(%s): %v", log.ID, err)
	}
}

func ids(logs []*APICallLog) []string {
	out := make([]string, len(logs))
	for i, l := range logs {
		out[i] = l.ID
	}
	return out
}

func equalIDs(got []*APICallLog, want ...string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range want {
		if got[i].ID != want[i] {
			return false
		}
	}
	return true
}

// runStoreSuite exercises the behaviour every backend must share.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("get returns payloads", func(t *testing.T) {
		s := newStore(t)
		resp := time.Date(2026, 3, 1, 12, 0, 0, 250000, time.UTC)
		log := newEntry("full", "HOTELBEDS", baseTime, 502)
		log.ResponseTimestamp = &resp
		log.ErrorMessage = "bad gateway"
		log.TraceID = "trace-1"
		log.RequestPayload = json.RawMessage(`{"checkIn":"2026-04-01"}`)
		log.ResponsePayload = json.RawMessage(`{"error":"upstream"}`)
		log.RequestHeaders = map[string]string{"Content-Type": "application/json"}
		log.ErrorStack = "goroutine 1"
		mustSave(t, s, log)

		if log.Seq == 0 {
			t.Fatal("expected sequence to be assigned")
		}

		got, err := s.GetCallLog(ctx, "full")
		if err != nil {
			t.Fatalf("GetCallLog: %v", err)
		}
		if string(got.RequestPayload) != `{"checkIn":"2026-04-01"}` {
			t.Errorf("request payload = %s", got.RequestPayload)
		}
		if string(got.ResponsePayload) != `{"error":"upstream"}` {
			t.Errorf("response payload = %s", got.ResponsePayload)
		}
		if got.RequestHeaders["Content-Type"] != "application/json" {
			t.Errorf("request headers = %v", got.RequestHeaders)
		}
		if got.ErrorStack != "goroutine 1" || got.ErrorMessage != "bad gateway" {
			t.Errorf("error fields = %q / %q", got.ErrorStack, got.ErrorMessage)
		}
		if !got.RequestTimestamp.Equal(baseTime) {
			t.Errorf("request timestamp = %v, want %v", got.RequestTimestamp, baseTime)
		}
		if got.ResponseTimestamp == nil || !got.ResponseTimestamp.Equal(resp) {
			t.Errorf("response timestamp = %v, want %v", got.ResponseTimestamp, resp)
		}
	})

	t.Run("get unknown id", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetCallLog(ctx, "missing")
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("list is newest first with fifo ties", func(t *testing.T) {
		s := newStore(t)
		mustSave(t, s, newEntry("old", "A", baseTime.Add(-time.Hour), 200))
		mustSave(t, s, newEntry("tie-1", "A", baseTime, 200))
		mustSave(t, s, newEntry("tie-2", "A", baseTime, 200))
		mustSave(t, s, newEntry("new", "A", baseTime.Add(time.Hour), 200))

		logs, total, err := s.ListCallLogs(ctx, LogFilters{Limit: 10})
		if err != nil {
			t.Fatalf("ListCallLogs: %v", err)
		}
		if total != 4 {
			t.Errorf("total = %d, want 4", total)
		}
		if !equalIDs(logs, "new", "tie-1", "tie-2", "old") {
			t.Errorf("order = %v", ids(logs))
		}
		for _, l := range logs {
			if l.RequestPayload != nil || l.RequestHeaders != nil {
				t.Errorf("listing %s carries payload fields", l.ID)
			}
		}
	})

	t.Run("list filters", func(t *testing.T) {
		s := newStore(t)
		mustSave(t, s, newEntry("a-ok", "A", baseTime, 200))
		mustSave(t, s, newEntry("a-err", "A", baseTime.Add(time.Minute), 500))
		mustSave(t, s, newEntry("a-transport", "A", baseTime.Add(2*time.Minute), 0))
		mustSave(t, s, newEntry("b-err", "B", baseTime.Add(3*time.Minute), 404))

		logs, total, err := s.ListCallLogs(ctx, LogFilters{Supplier: "A", ErrorsOnly: true, Limit: 10})
		if err != nil {
			t.Fatalf("ListCallLogs: %v", err)
		}
		if total != 2 || !equalIDs(logs, "a-transport", "a-err") {
			t.Errorf("supplier+errors = %v (total %d)", ids(logs), total)
		}

		logs, total, err = s.ListCallLogs(ctx, LogFilters{ErrorsOnly: true, Limit: 10})
		if err != nil {
			t.Fatalf("ListCallLogs: %v", err)
		}
		if total != 3 || !equalIDs(logs, "b-err", "a-transport", "a-err") {
			t.Errorf("errors only = %v (total %d)", ids(logs), total)
		}

		logs, total, err = s.ListCallLogs(ctx, LogFilters{
			From:  baseTime.Add(time.Minute),
			To:    baseTime.Add(2 * time.Minute),
			Limit: 10,
		})
		if err != nil {
			t.Fatalf("ListCallLogs: %v", err)
		}
		if total != 2 || !equalIDs(logs, "a-transport", "a-err") {
			t.Errorf("time window = %v (total %d)", ids(logs), total)
		}

		logs, total, err = s.ListCallLogs(ctx, LogFilters{Supplier: "C", Limit: 10})
		if err != nil {
			t.Fatalf("ListCallLogs: %v", err)
		}
		if total != 0 || len(logs) != 0 {
			t.Errorf("unknown supplier = %v (total %d)", ids(logs), total)
		}
	})

	t.Run("list pages", func(t *testing.T) {
		s := newStore(t)
		for i := 0; i < 7; i++ {
			mustSave(t, s, newEntry(fmt.Sprintf("e%d", i), "A", baseTime.Add(time.Duration(i)*time.Second), 200))
		}

		first, total, err := s.ListCallLogs(ctx, LogFilters{Limit: 3})
		if err != nil {
			t.Fatalf("ListCallLogs: %v", err)
		}
		second, _, _ := s.ListCallLogs(ctx, LogFilters{Limit: 3, Offset: 3})
		third, _, _ := s.ListCallLogs(ctx, LogFilters{Limit: 3, Offset: 6})
		beyond, _, _ := s.ListCallLogs(ctx, LogFilters{Limit: 3, Offset: 10})

		if total != 7 {
			t.Errorf("total = %d, want 7", total)
		}
		if !equalIDs(first, "e6", "e5", "e4") || !equalIDs(second, "e3", "e2", "e1") || !equalIDs(third, "e0") {
			t.Errorf("pages = %v %v %v", ids(first), ids(second), ids(third))
		}
		if len(beyond) != 0 {
			t.Errorf("offset past end returned %v", ids(beyond))
		}
	})

	t.Run("trace is oldest first", func(t *testing.T) {
		s := newStore(t)
		for i, id := range []string{"t-3", "t-1", "t-2"} {
			log := newEntry(id, "A", baseTime.Add(time.Duration(3-i)*time.Second), 200)
			if id == "t-1" {
				log.RequestTimestamp = baseTime
			}
			log.TraceID = "trace-x"
			mustSave(t, s, log)
		}
		mustSave(t, s, newEntry("other", "A", baseTime, 200))

		logs, err := s.ListByTrace(ctx, "trace-x")
		if err != nil {
			t.Fatalf("ListByTrace: %v", err)
		}
		if len(logs) != 3 || logs[0].ID != "t-1" {
			t.Errorf("trace = %v", ids(logs))
		}

		none, err := s.ListByTrace(ctx, "nope")
		if err != nil || len(none) != 0 {
			t.Errorf("unknown trace = %v, %v", ids(none), err)
		}
	})

	t.Run("delete before cutoff in batches", func(t *testing.T) {
		s := newStore(t)
		for i := 0; i < 5; i++ {
			mustSave(t, s, newEntry(fmt.Sprintf("old-%d", i), "A", baseTime.Add(-time.Duration(10+i)*time.Hour), 500))
		}
		mustSave(t, s, newEntry("edge", "A", baseTime, 200))
		mustSave(t, s, newEntry("fresh", "A", baseTime.Add(time.Hour), 200))

		first, err := s.DeleteCallLogsBefore(ctx, baseTime, 3)
		if err != nil {
			t.Fatalf("DeleteCallLogsBefore: %v", err)
		}
		if len(first) != 3 || first[0].ID != "old-4" {
			t.Errorf("first batch = %v", ids(first))
		}
		second, err := s.DeleteCallLogsBefore(ctx, baseTime, 3)
		if err != nil {
			t.Fatalf("DeleteCallLogsBefore: %v", err)
		}
		if len(second) != 2 {
			t.Errorf("second batch = %v", ids(second))
		}
		third, err := s.DeleteCallLogsBefore(ctx, baseTime, 3)
		if err != nil || len(third) != 0 {
			t.Errorf("third batch = %v, %v", ids(third), err)
		}

		if _, err := s.GetCallLog(ctx, "old-0"); !errors.Is(err, ErrNotFound) {
			t.Errorf("deleted entry still readable: %v", err)
		}
		logs, total, err := s.ListCallLogs(ctx, LogFilters{Limit: 10})
		if err != nil {
			t.Fatalf("ListCallLogs: %v", err)
		}
		if total != 2 || !equalIDs(logs, "fresh", "edge") {
			t.Errorf("remaining = %v (total %d)", ids(logs), total)
		}
		errs, errTotal, _ := s.ListCallLogs(ctx, LogFilters{ErrorsOnly: true, Limit: 10})
		if errTotal != 0 || len(errs) != 0 {
			t.Errorf("error index not cleaned: %v", ids(errs))
		}
	})

	t.Run("scan visits everything", func(t *testing.T) {
		s := newStore(t)
		for i := 0; i < 12; i++ {
			mustSave(t, s, newEntry(fmt.Sprintf("s%d", i), "A", baseTime.Add(time.Duration(i)*time.Minute), 200))
		}
		seen := map[string]bool{}
		err := s.ScanCallLogs(ctx, func(l *APICallLog) error {
			seen[l.ID] = true
			return nil
		})
		if err != nil {
			t.Fatalf("ScanCallLogs: %v", err)
		}
		if len(seen) != 12 {
			t.Errorf("scanned %d entries, want 12", len(seen))
		}

		stop := errors.New("stop")
		err = s.ScanCallLogs(ctx, func(*APICallLog) error { return stop })
		if !errors.Is(err, stop) {
			t.Errorf("expected callback error, got %v", err)
		}
	})

	t.Run("ping", func(t *testing.T) {
		s := newStore(t)
		if err := s.Ping(ctx); err != nil {
			t.Fatalf("Ping: %v", err)
		}
	})
}
