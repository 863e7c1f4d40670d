package recorder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ngoyal88/supplierlog/pkg/stats"
	"github.com/ngoyal88/supplierlog/pkg/storage"
	log "github.com/sirupsen/logrus"
)

// ErrInvalidLogEntry is returned when a draft fails validation. Nothing is
// persisted and no statistic changes.
var ErrInvalidLogEntry = errors.New("invalid log entry")

// Draft is an entry as submitted by a caller, before an id is assigned.
type Draft struct {
	SupplierName      string            `json:"supplier_name"`
	Endpoint          string            `json:"endpoint"`
	Method            string            `json:"method,omitempty"`
	RequestTimestamp  time.Time         `json:"request_timestamp"`
	ResponseTimestamp *time.Time        `json:"response_timestamp,omitempty"`
	DurationMs        int64             `json:"duration_ms"`
	StatusCode        int               `json:"status_code"`
	ErrorMessage      string            `json:"error_message,omitempty"`
	ErrorStack        string            `json:"error_stack,omitempty"`
	TraceID           string            `json:"trace_id,omitempty"`
	CorrelationID     string            `json:"correlation_id,omitempty"`
	Environment       string            `json:"environment,omitempty"`
	RequestPayload    json.RawMessage   `json:"request_payload,omitempty"`
	ResponsePayload   json.RawMessage   `json:"response_payload,omitempty"`
	RequestHeaders    map[string]string `json:"request_headers,omitempty"`
	ResponseHeaders   map[string]string `json:"response_headers,omitempty"`
}

// Options tune how drafts are normalized before they are stored.
type Options struct {
	Environment     string
	MaskSensitive   bool
	SensitiveFields []string
	MaxPayloadBytes int
}

// Recorder validates drafts, persists them and keeps the statistics in step.
type Recorder struct {
	store  storage.Store
	agg    *stats.Aggregator
	opts   Options
	masker *masker
	newID  func() string
}

func New(store storage.Store, agg *stats.Aggregator, opts Options) *Recorder {
	return &Recorder{
		store:  store,
		agg:    agg,
		opts:   opts,
		masker: newMasker(opts.SensitiveFields),
		newID:  uuid.NewString,
	}
}

// Record stores one call and returns its id. Statistics change only after
// the store confirmed the write.
func (r *Recorder) Record(ctx context.Context, d Draft) (string, error) {
	entry, err := r.build(d)
	if err != nil {
		ingestRejected.Inc()
		return "", err
	}

	err = r.agg.Ingest(func() (*storage.APICallLog, error) {
		if err := r.store.SaveCallLog(ctx, entry); err != nil {
			return nil, err
		}
		return entry, nil
	})
	if err != nil {
		ingestFailures.WithLabelValues(entry.SupplierName).Inc()
		log.Errorf("[recorder] failed to persist %s call to %s: %v", entry.SupplierName, entry.Endpoint, err)
		if !errors.Is(err, storage.ErrPersistence) {
			err = fmt.Errorf("%w: %w", storage.ErrPersistence, err)
		}
		return "", err
	}

	outcome := "success"
	if entry.IsError() {
		outcome = "error"
	}
	ingestedCalls.WithLabelValues(entry.SupplierName, outcome).Inc()
	supplierLatency.WithLabelValues(entry.SupplierName).Observe(float64(entry.DurationMs) / 1000)
	log.Debugf("[recorder] logged %s call %s [%s] status=%d duration=%dms",
		entry.SupplierName, entry.ID, entry.TraceID, entry.StatusCode, entry.DurationMs)

	return entry.ID, nil
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidLogEntry, fmt.Sprintf(format, args...))
}

// build validates and normalizes a draft into a storable entry.
func (r *Recorder) build(d Draft) (*storage.APICallLog, error) {
	supplier := strings.ToUpper(strings.TrimSpace(d.SupplierName))
	if supplier == "" {
		return nil, invalid("supplier_name is required")
	}
	endpoint := strings.TrimSpace(d.Endpoint)
	if endpoint == "" {
		return nil, invalid("endpoint is required")
	}
	if d.RequestTimestamp.IsZero() {
		return nil, invalid("request_timestamp is required")
	}

	requestTS := d.RequestTimestamp.UTC().Truncate(time.Microsecond)
	var responseTS *time.Time
	if d.ResponseTimestamp != nil && !d.ResponseTimestamp.IsZero() {
		ts := d.ResponseTimestamp.UTC().Truncate(time.Microsecond)
		responseTS = &ts
	}

	duration := d.DurationMs
	if duration == 0 && responseTS != nil {
		duration = responseTS.Sub(requestTS).Milliseconds()
	}
	if duration < 0 {
		return nil, invalid("duration_ms must not be negative")
	}

	if d.StatusCode < 0 || d.StatusCode > 999 {
		return nil, invalid("status_code %d out of range", d.StatusCode)
	}
	if d.StatusCode >= 200 && d.StatusCode < 300 && strings.TrimSpace(d.ErrorMessage) != "" {
		return nil, invalid("error_message set on a %d response", d.StatusCode)
	}

	reqPayload, err := r.preparePayload(d.RequestPayload)
	if err != nil {
		return nil, invalid("request_payload: %v", err)
	}
	respPayload, err := r.preparePayload(d.ResponsePayload)
	if err != nil {
		return nil, invalid("response_payload: %v", err)
	}

	method := strings.ToUpper(strings.TrimSpace(d.Method))
	if method == "" {
		method = "POST"
	}
	env := strings.TrimSpace(d.Environment)
	if env == "" {
		env = r.opts.Environment
	}

	entry := &storage.APICallLog{
		ID:                r.newID(),
		SupplierName:      supplier,
		Endpoint:          endpoint,
		Method:            method,
		RequestTimestamp:  requestTS,
		ResponseTimestamp: responseTS,
		DurationMs:        duration,
		StatusCode:        d.StatusCode,
		ErrorMessage:      d.ErrorMessage,
		TraceID:           strings.TrimSpace(d.TraceID),
		CorrelationID:     strings.TrimSpace(d.CorrelationID),
		Environment:       env,
		RequestPayload:    reqPayload,
		ResponsePayload:   respPayload,
		RequestHeaders:    d.RequestHeaders,
		ResponseHeaders:   d.ResponseHeaders,
		ErrorStack:        d.ErrorStack,
	}
	if r.opts.MaskSensitive {
		entry.RequestHeaders = r.masker.Headers(entry.RequestHeaders)
		entry.ResponseHeaders = r.masker.Headers(entry.ResponseHeaders)
	}
	return entry, nil
}

func (r *Recorder) preparePayload(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	if !json.Valid(raw) {
		return nil, errors.New("not a valid JSON document")
	}
	if r.opts.MaskSensitive {
		masked, err := r.masker.Payload(raw)
		if err != nil {
			return nil, err
		}
		raw = masked
	}
	return boundPayload(raw, r.opts.MaxPayloadBytes), nil
}
