package mongostore

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/oicur0t/devlogs/pkg/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap/zaptest"
)

func TestCollectionName(t *testing.T) {
	tests := []struct {
		prefix, fleet, want string
	}{
		{"logs_", "12", "logs_fleet_12"},
		{"logs_", "My-Fleet", "logs_fleet_my_fleet"},
		{"", "a.b", "fleet_a_b"},
	}
	for _, tt := range tests {
		if got := collectionName(tt.prefix, tt.fleet); got != tt.want {
			t.Errorf("collectionName(%q, %q) = %q, want %q", tt.prefix, tt.fleet, got, tt.want)
		}
	}
}

func TestFilterFor(t *testing.T) {
	sel := models.Labels{
		models.LabelFleetID:   "1",
		models.LabelDeviceID:  "2",
		models.LabelServiceID: "",
	}
	want := bson.D{
		{Key: "fullDocument.labels.device_id", Value: "2"},
		{Key: "fullDocument.labels.fleet_id", Value: "1"},
		{Key: "fullDocument.labels.service_id", Value: bson.M{"$exists": false}},
	}
	if diff := cmp.Diff(want, filterFor(sel, "fullDocument.")); diff != "" {
		t.Errorf("filterFor() (-want +got):\n%s", diff)
	}
}

func TestDocumentsRoundTrip(t *testing.T) {
	labels := models.Labels{
		models.LabelFleetID:   "1",
		models.LabelDeviceID:  "2",
		models.LabelStdErr:    "true",
		models.LabelSystem:    "false",
		models.LabelServiceID: "6",
	}
	svc := int64(6)
	in := models.LogStream{Labels: labels, Entries: []models.LogEntry{
		{Message: "b", Timestamp: 1, CreatedAt: 3, NanoTimestamp: 20, IsStdErr: true, ServiceID: &svc},
		{Message: "a", Timestamp: 1, CreatedAt: 3, NanoTimestamp: 10, IsStdErr: true, ServiceID: &svc},
	}}

	raw, err := toDocuments(in, time.Unix(0, 0))
	if err != nil {
		t.Fatalf("toDocuments() error = %v", err)
	}
	docs := make([]document, len(raw))
	for i, d := range raw {
		docs[i] = d.(document)
		if docs[i].StreamKey != labels.String() {
			t.Errorf("stream key = %q", docs[i].StreamKey)
		}
	}

	out, err := fromDocuments(docs)
	if err != nil {
		t.Fatalf("fromDocuments() error = %v", err)
	}
	want := []models.LogStream{{Labels: labels, Entries: []models.LogEntry{in.Entries[1], in.Entries[0]}}}
	if diff := cmp.Diff(want, out); diff != "" {
		t.Errorf("round trip (-want +got):\n%s", diff)
	}
}

// TestMongoIntegration runs against a replica set named by DEVLOGS_TEST_MONGO_URI.
func TestMongoIntegration(t *testing.T) {
	uri := os.Getenv("DEVLOGS_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("DEVLOGS_TEST_MONGO_URI not set")
	}
	ctx := context.Background()
	s, err := New(ctx, Config{URI: uri, Database: "devlogs_test", CollectionPrefix: "it_"}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer s.Close(ctx)

	fleet := strconv.FormatInt(time.Now().UnixNano(), 10)
	labels := models.Labels{models.LabelFleetID: fleet, models.LabelDeviceID: "1", models.LabelStdErr: "false", models.LabelSystem: "false"}
	sel := models.Labels{models.LabelFleetID: fleet, models.LabelDeviceID: "1"}
	defer s.database.Collection(collectionName("it_", fleet)).Drop(ctx)

	tail, err := s.Tail(ctx, sel)
	if err != nil {
		t.Fatalf("Tail() error = %v", err)
	}
	defer tail.Close()

	push := models.LogStream{Labels: labels, Entries: []models.LogEntry{{Message: "hello", NanoTimestamp: 1}, {Message: "world", NanoTimestamp: 2}}}
	if err := s.Push(ctx, []models.LogStream{push}); err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	got, err := s.Query(ctx, sel, 1)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(got) != 1 || len(got[0].Entries) != 1 || got[0].Entries[0].Message != "world" {
		t.Errorf("Query() = %+v", got)
	}

	select {
	case s := <-tail.Streams():
		if s.Entries[0].Message != "hello" {
			t.Errorf("first tailed entry = %q", s.Entries[0].Message)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no change event received")
	}
}
