package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// JSON field names of the known LogEntry attributes. Anything else a client
// sends is opaque payload.
const (
	FieldMessage       = "message"
	FieldTimestamp     = "timestamp"
	FieldNanoTimestamp = "nanoTimestamp"
	FieldCreatedAt     = "createdAt"
	FieldIsStdErr      = "isStdErr"
	FieldIsSystem      = "isSystem"
	FieldServiceID     = "serviceId"
	FieldUUID          = "uuid"
)

// LogContext identifies the device a batch of logs belongs to.
// It is built per request and never mutated.
type LogContext struct {
	DeviceID   int64   `json:"id" yaml:"id"`
	DeviceUUID string  `json:"uuid" yaml:"uuid"`
	FleetID    int64   `json:"belongs_to__application" yaml:"fleet_id"`
	Images     []Image `json:"images,omitempty" yaml:"images"`
}

// Image is a deployed image and the service it builds.
type Image struct {
	ID        int64 `json:"id" yaml:"id"`
	ServiceID int64 `json:"serviceId" yaml:"service_id"`
}

// ServiceForImage returns the service id built by the given image.
func (c LogContext) ServiceForImage(imageID int64) (int64, bool) {
	for _, img := range c.Images {
		if img.ID == imageID {
			return img.ServiceID, true
		}
	}
	return 0, false
}

// LogEntry represents a single device log line
type LogEntry struct {
	Message       string
	Timestamp     int64 // client wall clock, milliseconds
	NanoTimestamp int64 // per-stream ordering key, nanoseconds
	CreatedAt     int64 // server receipt time, milliseconds
	IsStdErr      bool
	IsSystem      bool
	ServiceID     *int64

	// DependentUUID is set when a client attributed the entry to a dependent
	// device. It is never persisted or serialized.
	DependentUUID string

	// Extra holds client fields that are not interpreted, returned verbatim.
	Extra map[string]json.RawMessage
}

// HasService reports whether the entry belongs to a service rather than the host OS.
func (e LogEntry) HasService() bool {
	return e.ServiceID != nil
}

// Clone returns a deep copy of the entry.
func (e LogEntry) Clone() LogEntry {
	out := e
	if e.ServiceID != nil {
		id := *e.ServiceID
		out.ServiceID = &id
	}
	if e.Extra != nil {
		out.Extra = make(map[string]json.RawMessage, len(e.Extra))
		for k, v := range e.Extra {
			out.Extra[k] = append(json.RawMessage(nil), v...)
		}
	}
	return out
}

// MarshalJSON writes the known fields on top of the opaque payload.
func (e LogEntry) MarshalJSON() ([]byte, error) {
	obj, err := e.fields(true)
	if err != nil {
		return nil, err
	}
	return json.Marshal(obj)
}

// UnmarshalJSON is lenient: it fills known fields it can decode and keeps the
// rest as payload. Strict checks belong to the ingestion validator.
func (e *LogEntry) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*e = LogEntry{}
	for key, value := range raw {
		var err error
		switch key {
		case FieldMessage:
			err = json.Unmarshal(value, &e.Message)
		case FieldTimestamp:
			err = json.Unmarshal(value, &e.Timestamp)
		case FieldNanoTimestamp:
			err = json.Unmarshal(value, &e.NanoTimestamp)
		case FieldCreatedAt:
			err = json.Unmarshal(value, &e.CreatedAt)
		case FieldIsStdErr:
			err = json.Unmarshal(value, &e.IsStdErr)
		case FieldIsSystem:
			err = json.Unmarshal(value, &e.IsSystem)
		case FieldServiceID:
			if string(value) != "null" {
				var id int64
				err = json.Unmarshal(value, &id)
				e.ServiceID = &id
			}
		case FieldUUID:
			err = json.Unmarshal(value, &e.DependentUUID)
		default:
			if e.Extra == nil {
				e.Extra = make(map[string]json.RawMessage)
			}
			e.Extra[key] = value
		}
		if err != nil {
			return fmt.Errorf("field %s: %w", key, err)
		}
	}
	return nil
}

// fields flattens the entry into a JSON object. Labels (flags, service) and the
// nanosecond timestamp are left out when full is false, which is the shape
// stored as a line.
func (e LogEntry) fields(full bool) (map[string]json.RawMessage, error) {
	obj := make(map[string]json.RawMessage, len(e.Extra)+7)
	for k, v := range e.Extra {
		obj[k] = v
	}

	put := func(key string, v any) error {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("field %s: %w", key, err)
		}
		obj[key] = b
		return nil
	}

	if err := put(FieldMessage, e.Message); err != nil {
		return nil, err
	}
	if err := put(FieldTimestamp, e.Timestamp); err != nil {
		return nil, err
	}
	if err := put(FieldCreatedAt, e.CreatedAt); err != nil {
		return nil, err
	}
	if !full {
		return obj, nil
	}
	if err := put(FieldNanoTimestamp, e.NanoTimestamp); err != nil {
		return nil, err
	}
	if err := put(FieldIsStdErr, e.IsStdErr); err != nil {
		return nil, err
	}
	if err := put(FieldIsSystem, e.IsSystem); err != nil {
		return nil, err
	}
	if e.ServiceID != nil {
		if err := put(FieldServiceID, *e.ServiceID); err != nil {
			return nil, err
		}
	}
	return obj, nil
}

// FileState tracks the reading position of a log file
type FileState struct {
	Offset   int64     `json:"offset"`
	LastRead time.Time `json:"last_read"`
}
