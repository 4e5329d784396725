package models

import (
	"encoding/json"
	"fmt"
)

// EncodeLine renders the part of an entry that is not carried by its stream
// labels or store timestamp.
func EncodeLine(e LogEntry) ([]byte, error) {
	obj, err := e.fields(false)
	if err != nil {
		return nil, err
	}
	return json.Marshal(obj)
}

// DecodeLine rebuilds an entry from a stored line, its stream labels and the
// store's nanosecond timestamp.
func DecodeLine(labels Labels, nano int64, line []byte) (LogEntry, error) {
	var e LogEntry
	if err := json.Unmarshal(line, &e); err != nil {
		return LogEntry{}, fmt.Errorf("decode line: %w", err)
	}
	if err := ApplyLabels(&e, labels); err != nil {
		return LogEntry{}, err
	}
	e.NanoTimestamp = nano
	e.DependentUUID = ""
	return e, nil
}
