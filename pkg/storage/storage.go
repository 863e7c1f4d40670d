package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a log id does not exist or was removed by retention.
	ErrNotFound = errors.New("call log not found")
	// ErrPersistence wraps any failure of the underlying storage backend.
	ErrPersistence = errors.New("persistence error")
)

// Store defines the interface for persisting supplier call logs
type Store interface {
	// Call logs
	SaveCallLog(ctx context.Context, log *APICallLog) error
	GetCallLog(ctx context.Context, id string) (*APICallLog, error)
	ListCallLogs(ctx context.Context, filters LogFilters) ([]*APICallLog, int, error)
	ListByTrace(ctx context.Context, traceID string) ([]*APICallLog, error)

	// Maintenance
	ScanCallLogs(ctx context.Context, fn func(*APICallLog) error) error
	DeleteCallLogsBefore(ctx context.Context, cutoff time.Time, limit int) ([]*APICallLog, error)

	// Health check
	Ping(ctx context.Context) error
	Close() error
}

func persistenceErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrPersistence) || errors.Is(err, ErrNotFound) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}

// toMicros is the timestamp resolution shared by every backend.
func toMicros(t time.Time) int64 {
	return t.UnixMicro()
}

func fromMicros(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}

func errDuplicateID(id string) error {
	return fmt.Errorf("duplicate call log id %q", id)
}
