package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// BreakerSettings configures the circuit breaker around a Store.
type BreakerSettings struct {
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
}

// BreakerStore fails fast with ErrPersistence while the backend keeps failing,
// so ingestion callers get an immediate answer instead of piling up on a dead store.
type BreakerStore struct {
	next Store
	cb   *gobreaker.CircuitBreaker
}

// NewBreakerStore wraps a Store with a circuit breaker
func NewBreakerStore(next Store, settings BreakerSettings) *BreakerStore {
	if settings.ConsecutiveFailures == 0 {
		settings.ConsecutiveFailures = 5
	}
	if settings.OpenTimeout == 0 {
		settings.OpenTimeout = 30 * time.Second
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "supplierlog-store",
		Timeout: settings.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= settings.ConsecutiveFailures
		},
		// A missing id or a canceled request says nothing about backend health.
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, ErrNotFound) ||
				errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warnf("[breaker] %s: %s -> %s", name, from, to)
		},
	})

	return &BreakerStore{next: next, cb: cb}
}

// State reports the breaker state
func (b *BreakerStore) State() gobreaker.State {
	return b.cb.State()
}

func (b *BreakerStore) do(fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: store unavailable: %w", ErrPersistence, err)
	}
	return err
}

func (b *BreakerStore) SaveCallLog(ctx context.Context, log *APICallLog) error {
	return b.do(func() error { return b.next.SaveCallLog(ctx, log) })
}

func (b *BreakerStore) GetCallLog(ctx context.Context, id string) (*APICallLog, error) {
	var out *APICallLog
	err := b.do(func() (err error) {
		out, err = b.next.GetCallLog(ctx, id)
		return err
	})
	return out, err
}

func (b *BreakerStore) ListCallLogs(ctx context.Context, filters LogFilters) ([]*APICallLog, int, error) {
	var (
		out   []*APICallLog
		total int
	)
	err := b.do(func() (err error) {
		out, total, err = b.next.ListCallLogs(ctx, filters)
		return err
	})
	return out, total, err
}

func (b *BreakerStore) ListByTrace(ctx context.Context, traceID string) ([]*APICallLog, error) {
	var out []*APICallLog
	err := b.do(func() (err error) {
		out, err = b.next.ListByTrace(ctx, traceID)
		return err
	})
	return out, err
}

// ScanCallLogs bypasses the breaker: it only runs at startup and from the admin CLI.
func (b *BreakerStore) ScanCallLogs(ctx context.Context, fn func(*APICallLog) error) error {
	return b.next.ScanCallLogs(ctx, fn)
}

func (b *BreakerStore) DeleteCallLogsBefore(ctx context.Context, cutoff time.Time, limit int) ([]*APICallLog, error) {
	var out []*APICallLog
	err := b.do(func() (err error) {
		out, err = b.next.DeleteCallLogsBefore(ctx, cutoff, limit)
		return err
	})
	return out, err
}

func (b *BreakerStore) Ping(ctx context.Context) error {
	return b.next.Ping(ctx)
}

func (b *BreakerStore) Close() error {
	return b.next.Close()
}
