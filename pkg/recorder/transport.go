package recorder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const (
	TraceHeader       = "X-Trace-Id"
	CorrelationHeader = "X-Correlation-Id"
)

// Sink receives captured calls.
type Sink interface {
	Record(ctx context.Context, d Draft) (string, error)
}

// Transport wraps the RoundTripper of a supplier client and records every
// call it makes. Recording happens in the background and never changes the
// response the client sees.
type Transport struct {
	Base     http.RoundTripper
	Sink     Sink
	Supplier string

	// ErrorsOnly skips successful calls.
	ErrorsOnly bool
	// MaxCaptureBytes caps how much of each body is buffered for the log.
	MaxCaptureBytes int64
	RecordTimeout   time.Duration

	wg sync.WaitGroup
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	traceID := req.Header.Get(TraceHeader)
	if traceID == "" {
		traceID = uuid.NewString()
		req.Header.Set(TraceHeader, traceID)
	}

	var reqBody []byte
	if req.Body != nil && req.Body != http.NoBody {
		b, err := io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, err
		}
		reqBody = b
		req.Body = io.NopCloser(bytes.NewReader(b))
	}

	d := Draft{
		SupplierName:     t.Supplier,
		Endpoint:         req.URL.String(),
		Method:           req.Method,
		RequestTimestamp: time.Now(),
		TraceID:          traceID,
		CorrelationID:    req.Header.Get(CorrelationHeader),
		RequestPayload:   t.capture(reqBody),
		RequestHeaders:   flatten(req.Header),
	}

	resp, err := t.base().RoundTrip(req)
	done := time.Now()
	d.ResponseTimestamp = &done
	d.DurationMs = done.Sub(d.RequestTimestamp).Milliseconds()

	if err != nil {
		d.StatusCode = 0
		d.ErrorMessage = err.Error()
		t.record(d)
		return nil, err
	}

	d.StatusCode = resp.StatusCode
	d.ResponseHeaders = flatten(resp.Header)
	if resp.StatusCode >= 400 {
		d.ErrorMessage = resp.Status
	}

	failed := resp.StatusCode >= 400
	if resp.Body != nil {
		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			// An incomplete response counts as a transport failure; the
			// client still reads the bytes received followed by the error.
			log.Warnf("[transport] %s response body read failed: %v", t.Supplier, readErr)
			resp.Body = io.NopCloser(io.MultiReader(bytes.NewReader(body), errReader{readErr}))
			d.StatusCode = 0
			d.ErrorMessage = fmt.Sprintf("%s: reading response body: %v", resp.Status, readErr)
			failed = true
		} else {
			resp.Body = io.NopCloser(bytes.NewReader(body))
		}
		d.ResponsePayload = t.capture(body)
	}

	if !t.ErrorsOnly || failed {
		t.record(d)
	}
	return resp, nil
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }

func (t *Transport) record(d Draft) {
	timeout := t.RecordTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	t.wg.Add(1)
	go func(draft Draft) {
		defer t.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if _, err := t.Sink.Record(ctx, draft); err != nil {
			log.Errorf("[transport] failed to record %s call [%s]: %v", draft.SupplierName, draft.TraceID, err)
		}
	}(d)
}

// Wait blocks until every background record has finished.
func (t *Transport) Wait() {
	t.wg.Wait()
}

// capture turns a body into a JSON document: JSON bodies are kept as they
// are, anything else is stored as a JSON string.
func (t *Transport) capture(body []byte) json.RawMessage {
	if len(body) == 0 {
		return nil
	}
	if t.MaxCaptureBytes > 0 && int64(len(body)) > t.MaxCaptureBytes {
		body = body[:t.MaxCaptureBytes]
	} else if json.Valid(body) {
		return json.RawMessage(body)
	}
	b, err := json.Marshal(string(body))
	if err != nil {
		return nil
	}
	return b
}

func flatten(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}
