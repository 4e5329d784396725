package models

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Label names used for stream identity in the log store.
const (
	LabelFleetID   = "fleet_id"
	LabelDeviceID  = "device_id"
	LabelStdErr    = "is_stderr"
	LabelSystem    = "is_system"
	LabelServiceID = "service_id"
)

// Labels is the immutable attribute set shared by all entries of a stream.
type Labels map[string]string

// ContextLabels returns the selector matching every stream of a device.
func ContextLabels(ctx LogContext) Labels {
	return Labels{
		LabelFleetID:  strconv.FormatInt(ctx.FleetID, 10),
		LabelDeviceID: strconv.FormatInt(ctx.DeviceID, 10),
	}
}

// EntryLabels returns the labels of the stream the entry belongs to.
func EntryLabels(ctx LogContext, e LogEntry) Labels {
	l := ContextLabels(ctx)
	l[LabelStdErr] = strconv.FormatBool(e.IsStdErr)
	l[LabelSystem] = strconv.FormatBool(e.IsSystem)
	if e.ServiceID != nil {
		l[LabelServiceID] = strconv.FormatInt(*e.ServiceID, 10)
	}
	return l
}

// ApplyLabels sets the label-derived fields of e.
func ApplyLabels(e *LogEntry, l Labels) error {
	var err error
	if e.IsStdErr, err = strconv.ParseBool(l[LabelStdErr]); err != nil {
		return fmt.Errorf("label %s: %w", LabelStdErr, err)
	}
	if e.IsSystem, err = strconv.ParseBool(l[LabelSystem]); err != nil {
		return fmt.Errorf("label %s: %w", LabelSystem, err)
	}
	e.ServiceID = nil
	if v, ok := l[LabelServiceID]; ok && v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("label %s: %w", LabelServiceID, err)
		}
		e.ServiceID = &id
	}
	return nil
}

// String renders the labels as a LogQL stream selector with sorted keys,
// which doubles as the canonical stream key.
func (l Labels) String() string {
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(strconv.Quote(l[k]))
	}
	b.WriteByte('}')
	return b.String()
}

// Matches reports whether every pair of sel is present in l.
func (l Labels) Matches(sel Labels) bool {
	for k, v := range sel {
		if l[k] != v {
			return false
		}
	}
	return true
}

// Clone returns a copy of the label set.
func (l Labels) Clone() Labels {
	out := make(Labels, len(l))
	for k, v := range l {
		out[k] = v
	}
	return out
}

// LogStream is a label set plus its entries ordered by NanoTimestamp.
type LogStream struct {
	Labels  Labels
	Entries []LogEntry
}

// Key returns the canonical identity of the stream.
func (s LogStream) Key() string {
	return s.Labels.String()
}
