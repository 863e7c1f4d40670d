package storage

import (
	"encoding/json"
	"time"
)

// APICallLog captures one outbound supplier call and its outcome.
type APICallLog struct {
	ID                string     `json:"id"`
	Seq               int64      `json:"seq"`
	SupplierName      string     `json:"supplier_name"`
	Endpoint          string     `json:"endpoint"`
	Method            string     `json:"method,omitempty"`
	RequestTimestamp  time.Time  `json:"request_timestamp"`
	ResponseTimestamp *time.Time `json:"response_timestamp,omitempty"`
	DurationMs        int64      `json:"duration_ms"`
	StatusCode        int        `json:"status_code"`
	ErrorMessage      string     `json:"error_message,omitempty"`
	TraceID           string     `json:"trace_id,omitempty"`
	CorrelationID     string     `json:"correlation_id,omitempty"`
	Environment       string     `json:"environment,omitempty"`

	// Out-of-line fields, only populated by GetCallLog.
	RequestPayload  json.RawMessage   `json:"request_payload,omitempty"`
	ResponsePayload json.RawMessage   `json:"response_payload,omitempty"`
	RequestHeaders  map[string]string `json:"request_headers,omitempty"`
	ResponseHeaders map[string]string `json:"response_headers,omitempty"`
	ErrorStack      string            `json:"error_stack,omitempty"`
}

// Payloads holds the large fields of a log entry that are stored apart
// from the indexed summary.
type Payloads struct {
	RequestPayload  json.RawMessage   `json:"request_payload,omitempty"`
	ResponsePayload json.RawMessage   `json:"response_payload,omitempty"`
	RequestHeaders  map[string]string `json:"request_headers,omitempty"`
	ResponseHeaders map[string]string `json:"response_headers,omitempty"`
	ErrorStack      string            `json:"error_stack,omitempty"`
}

// IsErrorStatus reports whether a status code counts as a failed call.
// Status 0 is a transport failure with no response.
func IsErrorStatus(code int) bool {
	return code == 0 || code >= 400
}

// IsError reports whether the entry is classified as an error.
func (l *APICallLog) IsError() bool {
	return IsErrorStatus(l.StatusCode)
}

// Summary returns a copy of the entry without its out-of-line fields.
func (l *APICallLog) Summary() *APICallLog {
	cpy := *l
	cpy.RequestPayload = nil
	cpy.ResponsePayload = nil
	cpy.RequestHeaders = nil
	cpy.ResponseHeaders = nil
	cpy.ErrorStack = ""
	if l.ResponseTimestamp != nil {
		ts := *l.ResponseTimestamp
		cpy.ResponseTimestamp = &ts
	}
	return &cpy
}

// Payloads extracts the out-of-line fields.
func (l *APICallLog) Payloads() Payloads {
	return Payloads{
		RequestPayload:  l.RequestPayload,
		ResponsePayload: l.ResponsePayload,
		RequestHeaders:  l.RequestHeaders,
		ResponseHeaders: l.ResponseHeaders,
		ErrorStack:      l.ErrorStack,
	}
}

// SetPayloads attaches out-of-line fields to a summary.
func (l *APICallLog) SetPayloads(p Payloads) {
	l.RequestPayload = p.RequestPayload
	l.ResponsePayload = p.ResponsePayload
	l.RequestHeaders = p.RequestHeaders
	l.ResponseHeaders = p.ResponseHeaders
	l.ErrorStack = p.ErrorStack
}

// LogFilters for querying call logs
type LogFilters struct {
	Supplier   string
	ErrorsOnly bool
	From       time.Time
	To         time.Time
	Limit      int
	Offset     int
}

// Matches reports whether a summary satisfies the filters, ignoring paging.
func (f LogFilters) Matches(l *APICallLog) bool {
	if f.Supplier != "" && l.SupplierName != f.Supplier {
		return false
	}
	if f.ErrorsOnly && !l.IsError() {
		return false
	}
	if !f.From.IsZero() && l.RequestTimestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && l.RequestTimestamp.After(f.To) {
		return false
	}
	return true
}

// newerFirst orders entries by descending request timestamp, then by
// ascending sequence among equal timestamps.
func newerFirst(a, b *APICallLog) bool {
	if !a.RequestTimestamp.Equal(b.RequestTimestamp) {
		return a.RequestTimestamp.After(b.RequestTimestamp)
	}
	return a.Seq < b.Seq
}

// olderFirst is the chronological order used for trace listings and
// retention batches.
func olderFirst(a, b *APICallLog) bool {
	if !a.RequestTimestamp.Equal(b.RequestTimestamp) {
		return a.RequestTimestamp.Before(b.RequestTimestamp)
	}
	return a.Seq < b.Seq
}
