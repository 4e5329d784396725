package logs

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/oicur0t/devlogs/pkg/models"
)

// MaxBatchSize is the largest number of entries accepted in one request.
const MaxBatchSize = 10

// Validator checks the known fields of client log objects and passes
// everything else through as opaque payload. It holds no state.
type Validator struct{}

// ValidateBatch validates every candidate. The first failure rejects the
// whole batch.
func (v Validator) ValidateBatch(raws []json.RawMessage) ([]models.LogEntry, error) {
	if len(raws) > MaxBatchSize {
		return nil, &ValidationError{
			Index:  -1,
			Reason: "batch of " + strconv.Itoa(len(raws)) + " logs exceeds the maximum of " + strconv.Itoa(MaxBatchSize),
		}
	}

	entries := make([]models.LogEntry, 0, len(raws))
	for i, raw := range raws {
		entry, err := v.Validate(i, raw)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Validate turns one raw candidate into a LogEntry.
func (Validator) Validate(index int, raw json.RawMessage) (models.LogEntry, error) {
	fail := func(field, reason string) (models.LogEntry, error) {
		return models.LogEntry{}, &ValidationError{Index: index, Field: field, Reason: reason}
	}

	if kindOf(raw) != '{' {
		return fail("", "is not an object")
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return fail("", "is not valid JSON")
	}

	var entry models.LogEntry

	// Required fields
	msg, ok := obj[models.FieldMessage]
	if !ok || kindOf(msg) != '"' {
		return fail(models.FieldMessage, "must be a string")
	}
	if err := json.Unmarshal(msg, &entry.Message); err != nil {
		return fail(models.FieldMessage, "must be a string")
	}

	ts, ok := obj[models.FieldTimestamp]
	if !ok || kindOf(ts) != 'n' {
		return fail(models.FieldTimestamp, "must be a number of milliseconds")
	}
	millis, ok := parseMillis(ts)
	if !ok {
		return fail(models.FieldTimestamp, "must be a non-negative number of milliseconds")
	}
	entry.Timestamp = millis

	for _, f := range []struct {
		name string
		dst  *bool
	}{
		{models.FieldIsStdErr, &entry.IsStdErr},
		{models.FieldIsSystem, &entry.IsSystem},
	} {
		val, ok := obj[f.name]
		if !ok || kindOf(val) != 'b' {
			return fail(f.name, "must be a boolean")
		}
		*f.dst = bytes.Equal(bytes.TrimSpace(val), []byte("true"))
	}

	// Optional fields
	if val, ok := obj[models.FieldServiceID]; ok && kindOf(val) != 'z' {
		id, ok := parseInteger(val)
		if kindOf(val) != 'n' || !ok {
			return fail(models.FieldServiceID, "must be an integer")
		}
		entry.ServiceID = &id
	}

	if val, ok := obj[models.FieldNanoTimestamp]; ok && kindOf(val) != 'z' {
		nano, ok := parseNano(val)
		if !ok {
			return fail(models.FieldNanoTimestamp, "must be a non-negative integer")
		}
		entry.NanoTimestamp = nano
	}

	if val, ok := obj[models.FieldUUID]; ok && kindOf(val) == '"' {
		_ = json.Unmarshal(val, &entry.DependentUUID)
	}

	for key, val := range obj {
		switch key {
		case models.FieldMessage, models.FieldTimestamp, models.FieldIsStdErr, models.FieldIsSystem,
			models.FieldServiceID, models.FieldNanoTimestamp, models.FieldUUID, models.FieldCreatedAt:
			continue
		}
		if entry.Extra == nil {
			entry.Extra = make(map[string]json.RawMessage)
		}
		entry.Extra[key] = val
	}
	return entry, nil
}

// kindOf classifies a JSON value by its first byte: '{', '[', '"', 'n'
// (number), 'b' (boolean), 'z' (null), or 0 when empty.
func kindOf(raw json.RawMessage) byte {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return 0
	}
	switch c := raw[0]; {
	case c == '{' || c == '[' || c == '"':
		return c
	case c == 't' || c == 'f':
		return 'b'
	case c == 'n':
		return 'z'
	default:
		return 'n'
	}
}

// parseMillis accepts any JSON number and truncates fractional milliseconds.
func parseMillis(raw json.RawMessage) (int64, bool) {
	f, err := strconv.ParseFloat(string(bytes.TrimSpace(raw)), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f < 0 || f > math.MaxInt64/1e6 {
		return 0, false
	}
	return int64(f), true
}

func parseInteger(raw json.RawMessage) (int64, bool) {
	n, err := strconv.ParseInt(string(bytes.TrimSpace(raw)), 10, 64)
	return n, err == nil
}

// parseNano accepts an integer number or a decimal string, since clients
// holding 64-bit timestamps often send them quoted.
func parseNano(raw json.RawMessage) (int64, bool) {
	s := string(bytes.TrimSpace(raw))
	if kindOf(raw) == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, false
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// TruncateAtBoundary shortens s to at most max bytes, cutting at the last
// delim that keeps it within bounds. Values that already fit are returned
// unchanged. A value with no usable boundary is cut hard at max.
func TruncateAtBoundary(s string, max int, delim string) string {
	if len(s) <= max {
		return s
	}
	if delim == "" {
		return s[:max]
	}
	end := max + len(delim)
	if end > len(s) {
		end = len(s)
	}
	cut := strings.LastIndex(s[:end], delim)
	if cut <= 0 {
		return s[:max]
	}
	return strings.TrimSpace(s[:cut])
}
