package recorder

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// DefaultSensitiveFields are matched case-insensitively as substrings of
// object keys and header names.
var DefaultSensitiveFields = []string{
	"password",
	"api_key",
	"apikey",
	"api_secret",
	"apisecret",
	"secret",
	"token",
	"authorization",
	"clientid",
}

type masker struct {
	fields []string
}

func newMasker(extra []string) *masker {
	fields := make([]string, 0, len(DefaultSensitiveFields)+len(extra))
	seen := make(map[string]bool)
	for _, f := range append(append([]string{}, DefaultSensitiveFields...), extra...) {
		f = strings.ToLower(strings.TrimSpace(f))
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		fields = append(fields, f)
	}
	return &masker{fields: fields}
}

func (m *masker) sensitive(key string) bool {
	keyLower := strings.ToLower(key)
	for _, f := range m.fields {
		if strings.Contains(keyLower, f) {
			return true
		}
	}
	return false
}

// maskValue keeps the first and last two characters of longer secrets.
func maskValue(s string) string {
	if len(s) <= 4 {
		return "***"
	}
	return s[:2] + "***" + s[len(s)-2:]
}

// Payload masks sensitive string values anywhere in a JSON document. The
// input is returned untouched when nothing needed masking.
func (m *masker) Payload(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return raw, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}

	if !m.maskRecursive(doc) {
		return raw, nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	return json.RawMessage(bytes.TrimRight(buf.Bytes(), "\n")), nil
}

// maskRecursive masks in place and reports whether anything changed.
func (m *masker) maskRecursive(data interface{}) bool {
	changed := false
	switch v := data.(type) {
	case map[string]interface{}:
		for key, value := range v {
			if s, ok := value.(string); ok && m.sensitive(key) {
				v[key] = maskValue(s)
				changed = true
				continue
			}
			if m.maskRecursive(value) {
				changed = true
			}
		}
	case []interface{}:
		for _, item := range v {
			if m.maskRecursive(item) {
				changed = true
			}
		}
	}
	return changed
}

// Headers returns a copy with sensitive header values masked.
func (m *masker) Headers(h map[string]string) map[string]string {
	if h == nil {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		if m.sensitive(k) {
			v = maskValue(v)
		}
		out[k] = v
	}
	return out
}

// boundPayload replaces documents larger than max bytes with a marker
// recording the original size. max <= 0 disables the bound.
func boundPayload(raw json.RawMessage, max int) json.RawMessage {
	if max <= 0 || len(raw) <= max {
		return raw
	}
	return json.RawMessage(fmt.Sprintf(`{"truncated":true,"original_bytes":%d}`, len(raw)))
}
