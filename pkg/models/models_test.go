package models

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
)

var testCtx = LogContext{DeviceID: 9, DeviceUUID: "abc", FleetID: 4}

func TestEntryLabels(t *testing.T) {
	id := int64(12)
	tests := []struct {
		name  string
		entry LogEntry
		want  string
	}{
		{"host", LogEntry{IsStdErr: true}, `{device_id="9", fleet_id="4", is_stderr="true", is_system="false"}`},
		{"service", LogEntry{IsSystem: true, ServiceID: &id}, `{device_id="9", fleet_id="4", is_stderr="false", is_system="true", service_id="12"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EntryLabels(testCtx, tt.entry).String(); got != tt.want {
				t.Errorf("EntryLabels() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestLabelsMatches(t *testing.T) {
	l := Labels{"a": "1", "b": "2"}
	if !l.Matches(Labels{"a": "1"}) {
		t.Error("subset selector should match")
	}
	if l.Matches(Labels{"a": "2"}) {
		t.Error("different value should not match")
	}
	if !l.Matches(Labels{"c": ""}) {
		t.Error("empty value should match an absent label")
	}
	if l.Matches(Labels{"a": ""}) {
		t.Error("empty value should not match a present label")
	}
}

func TestApplyLabelsRejectsGarbage(t *testing.T) {
	var e LogEntry
	if err := ApplyLabels(&e, Labels{LabelStdErr: "yes", LabelSystem: "false"}); err == nil {
		t.Error("expected error for bad is_stderr")
	}
	if err := ApplyLabels(&e, Labels{LabelStdErr: "true", LabelSystem: "true", LabelServiceID: "x"}); err == nil {
		t.Error("expected error for bad service_id")
	}
}

func TestLineRoundTrip(t *testing.T) {
	id := int64(3)
	in := LogEntry{
		Message:       "hello",
		Timestamp:     1700000000000,
		NanoTimestamp: 1700000000000000042,
		CreatedAt:     1700000000005,
		IsStdErr:      true,
		ServiceID:     &id,
		DependentUUID: "dropped",
		Extra:         map[string]json.RawMessage{"level": json.RawMessage(`"info"`)},
	}

	line, err := EncodeLine(in)
	if err != nil {
		t.Fatalf("EncodeLine() error = %v", err)
	}
	var obj map[string]any
	if err := json.Unmarshal(line, &obj); err != nil {
		t.Fatal(err)
	}
	for _, k := range []string{FieldIsStdErr, FieldServiceID, FieldNanoTimestamp, FieldUUID} {
		if _, ok := obj[k]; ok {
			t.Errorf("line carries %s, which belongs to labels or the store", k)
		}
	}

	out, err := DecodeLine(EntryLabels(testCtx, in), in.NanoTimestamp, line)
	if err != nil {
		t.Fatalf("DecodeLine() error = %v", err)
	}
	want := in.Clone()
	want.DependentUUID = ""
	if diff := cmp.Diff(want, out); diff != "" {
		t.Errorf("round trip (-want +got):\n%s", diff)
	}
}

func TestEntryJSON(t *testing.T) {
	in := []byte(`{"message":"m","timestamp":5,"nanoTimestamp":6,"createdAt":7,"isStdErr":false,"isSystem":true,"serviceId":null,"custom":[1,2]}`)
	var e LogEntry
	if err := json.Unmarshal(in, &e); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if e.ServiceID != nil || !e.IsSystem || e.NanoTimestamp != 6 || string(e.Extra["custom"]) != "[1,2]" {
		t.Errorf("decoded %+v", e)
	}

	out, err := json.Marshal(e)
	if err != nil {
		t.Fatal(err)
	}
	var got, want map[string]any
	json.Unmarshal(out, &got)
	json.Unmarshal(in, &want)
	delete(want, FieldServiceID)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Marshal() (-want +got):\n%s", diff)
	}
}

func TestCloneIsDeep(t *testing.T) {
	id := int64(1)
	e := LogEntry{ServiceID: &id, Extra: map[string]json.RawMessage{"k": json.RawMessage(`1`)}}
	c := e.Clone()
	*c.ServiceID = 2
	c.Extra["k"][0] = '2'
	if *e.ServiceID != 1 || string(e.Extra["k"]) != "1" {
		t.Error("Clone shares memory with the original")
	}
}

func TestServiceForImage(t *testing.T) {
	ctx := LogContext{Images: []Image{{ID: 10, ServiceID: 100}}}
	if id, ok := ctx.ServiceForImage(10); !ok || id != 100 {
		t.Errorf("ServiceForImage(10) = %d, %v", id, ok)
	}
	if _, ok := ctx.ServiceForImage(11); ok {
		t.Error("ServiceForImage(11) found a service")
	}
}
