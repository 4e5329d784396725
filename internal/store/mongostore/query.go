package mongostore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/oicur0t/devlogs/internal/store"
	"github.com/oicur0t/devlogs/pkg/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

func toDocuments(s models.LogStream, created time.Time) ([]interface{}, error) {
	key := s.Key()
	docs := make([]interface{}, 0, len(s.Entries))
	for _, e := range s.Entries {
		line, err := models.EncodeLine(e)
		if err != nil {
			return nil, fmt.Errorf("encode entry: %w", err)
		}
		docs = append(docs, document{
			StreamKey: key,
			Labels:    s.Labels,
			Nano:      e.NanoTimestamp,
			Line:      string(line),
			Created:   created,
		})
	}
	return docs, nil
}

// fromDocuments groups documents by stream, ascending by timestamp. Streams
// are ordered by key.
func fromDocuments(docs []document) ([]models.LogStream, error) {
	index := make(map[string]int)
	var out []models.LogStream
	for _, d := range docs {
		labels := models.Labels(d.Labels)
		e, err := models.DecodeLine(labels, d.Nano, []byte(d.Line))
		if err != nil {
			return nil, err
		}
		i, ok := index[d.StreamKey]
		if !ok {
			i = len(out)
			index[d.StreamKey] = i
			out = append(out, models.LogStream{Labels: labels.Clone()})
		}
		out[i].Entries = append(out[i].Entries, e)
	}
	for i := range out {
		entries := out[i].Entries
		sort.SliceStable(entries, func(a, b int) bool {
			return entries[a].NanoTimestamp < entries[b].NanoTimestamp
		})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Key() < out[b].Key() })
	return out, nil
}

// filterFor translates a label selector. An empty value matches documents
// without that label.
func filterFor(sel models.Labels, prefix string) bson.D {
	keys := make([]string, 0, len(sel))
	for k := range sel {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	filter := bson.D{}
	for _, k := range keys {
		field := prefix + "labels." + k
		if v := sel[k]; v == "" {
			filter = append(filter, bson.E{Key: field, Value: bson.M{"$exists": false}})
		} else {
			filter = append(filter, bson.E{Key: field, Value: v})
		}
	}
	return filter
}

// Query returns the newest limit entries of matching streams.
func (s *Store) Query(ctx context.Context, sel models.Labels, limit int) ([]models.LogStream, error) {
	coll, err := s.collection(sel)
	if err != nil {
		return nil, err
	}
	opts := options.Find().SetSort(bson.D{{Key: "nano", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cur, err := coll.Find(ctx, filterFor(sel, ""), opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query logs: %w", err)
	}
	var docs []document
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to read logs: %w", err)
	}
	return fromDocuments(docs)
}

// Tail opens a change stream on inserts matching sel.
func (s *Store) Tail(ctx context.Context, sel models.Labels) (store.Tail, error) {
	coll, err := s.collection(sel)
	if err != nil {
		return nil, err
	}

	match := append(bson.D{{Key: "operationType", Value: "insert"}}, filterFor(sel, "fullDocument.")...)
	pipeline := mongo.Pipeline{{{Key: "$match", Value: match}}}

	wctx, cancel := context.WithCancel(ctx)
	cs, err := coll.Watch(wctx, pipeline)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open change stream: %w", err)
	}

	feed := store.NewFeed(s.tailBuffer, cancel)
	go s.readChanges(wctx, cs, feed)
	return feed, nil
}

func (s *Store) readChanges(ctx context.Context, cs *mongo.ChangeStream, feed *store.Feed) {
	defer cs.Close(context.Background())

	for cs.Next(ctx) {
		var ev struct {
			FullDocument document `bson:"fullDocument"`
		}
		if err := cs.Decode(&ev); err != nil {
			s.logger.Warn("Skipping undecodable change event", zap.Error(err))
			continue
		}
		streams, err := fromDocuments([]document{ev.FullDocument})
		if err != nil {
			s.logger.Warn("Skipping undecodable log document", zap.Error(err))
			continue
		}
		if !feed.Send(streams[0]) {
			return
		}
	}

	if ctx.Err() != nil {
		feed.Close()
		return
	}
	err := cs.Err()
	if err == nil {
		err = fmt.Errorf("change stream closed")
	}
	s.logger.Warn("Change stream ended", zap.Error(err))
	feed.End(err)
}

// Ready pings the deployment.
func (s *Store) Ready(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Close closes the MongoDB connection
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

var _ store.Client = (*Store)(nil)
