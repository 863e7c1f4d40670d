package query

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ngoyal88/supplierlog/pkg/storage"
)

const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// ErrInvalidQuery is returned for out-of-range paging or an inverted time window.
var ErrInvalidQuery = errors.New("invalid query")

// Filter narrows a listing. Zero values mean "no constraint".
type Filter struct {
	Supplier   string
	ErrorsOnly bool
	From       time.Time
	To         time.Time
}

// Page is one slice of a listing plus the total number of matches.
type Page struct {
	Data   []*storage.APICallLog `json:"data"`
	Total  int                   `json:"total"`
	Limit  int                   `json:"limit"`
	Offset int                   `json:"offset"`
}

// Engine serves read queries against the store.
type Engine struct {
	store storage.Store
}

func New(store storage.Store) *Engine {
	return &Engine{store: store}
}

// List returns summaries newest first. A limit of 0 selects DefaultLimit.
func (e *Engine) List(ctx context.Context, f Filter, limit, offset int) (Page, error) {
	if limit == 0 {
		limit = DefaultLimit
	}
	if limit < 0 || limit > MaxLimit {
		return Page{}, fmt.Errorf("%w: limit must be between 1 and %d", ErrInvalidQuery, MaxLimit)
	}
	if offset < 0 {
		return Page{}, fmt.Errorf("%w: offset must not be negative", ErrInvalidQuery)
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.From.After(f.To) {
		return Page{}, fmt.Errorf("%w: from is after to", ErrInvalidQuery)
	}

	logs, total, err := e.store.ListCallLogs(ctx, storage.LogFilters{
		Supplier:   strings.ToUpper(strings.TrimSpace(f.Supplier)),
		ErrorsOnly: f.ErrorsOnly,
		From:       f.From,
		To:         f.To,
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		return Page{}, err
	}
	if logs == nil {
		logs = []*storage.APICallLog{}
	}

	return Page{Data: logs, Total: total, Limit: limit, Offset: offset}, nil
}

// FetchByID returns the full record including payloads.
func (e *Engine) FetchByID(ctx context.Context, id string) (*storage.APICallLog, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, storage.ErrNotFound
	}
	return e.store.GetCallLog(ctx, id)
}

// ByTrace returns every call sharing a trace id, oldest first.
func (e *Engine) ByTrace(ctx context.Context, traceID string) ([]*storage.APICallLog, error) {
	traceID = strings.TrimSpace(traceID)
	if traceID == "" {
		return []*storage.APICallLog{}, nil
	}
	logs, err := e.store.ListByTrace(ctx, traceID)
	if err != nil {
		return nil, err
	}
	if logs == nil {
		logs = []*storage.APICallLog{}
	}
	return logs, nil
}
