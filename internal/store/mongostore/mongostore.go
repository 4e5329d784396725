// Package mongostore implements store.Client on MongoDB. Each fleet gets its
// own collection; live tails use change streams, which require a replica set.
package mongostore

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/oicur0t/devlogs/internal/store"
	"github.com/oicur0t/devlogs/pkg/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// Config holds MongoDB connection settings.
type Config struct {
	URI                string
	Database           string
	CollectionPrefix   string
	CertificateKeyFile string
	Timeout            time.Duration
	MaxPoolSize        int
	TTLDays            int
	TailBuffer         int
}

// Store handles MongoDB operations
type Store struct {
	client           *mongo.Client
	database         *mongo.Database
	collectionPrefix string
	ttlDays          int
	tailBuffer       int
	logger           *zap.Logger

	mu      sync.Mutex
	indexed map[string]bool
}

// document is one stored entry.
type document struct {
	StreamKey string            `bson:"stream_key"`
	Labels    map[string]string `bson:"labels"`
	Nano      int64             `bson:"nano"`
	Line      string            `bson:"line"`
	Created   time.Time         `bson:"created"`
}

// New connects to MongoDB and verifies the connection.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.TailBuffer <= 0 {
		cfg.TailBuffer = 64
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	uri := cfg.URI
	clientOpts := options.Client().ApplyURI(uri)
	if cfg.MaxPoolSize > 0 {
		clientOpts.SetMaxPoolSize(uint64(cfg.MaxPoolSize))
	}

	// X.509 authentication when a certificate key file is provided
	if cfg.CertificateKeyFile != "" {
		if strings.Contains(uri, "?") {
			uri = uri + "&tlsCertificateKeyFile=" + cfg.CertificateKeyFile
		} else {
			uri = uri + "?tlsCertificateKeyFile=" + cfg.CertificateKeyFile
		}
		clientOpts.SetAuth(options.Credential{AuthMechanism: "MONGODB-X509"})
		clientOpts.ApplyURI(uri)
	}

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	logger.Info("Connected to MongoDB",
		zap.String("database", cfg.Database),
		zap.Int("max_pool_size", cfg.MaxPoolSize))

	return &Store{
		client:           client,
		database:         client.Database(cfg.Database),
		collectionPrefix: cfg.CollectionPrefix,
		ttlDays:          cfg.TTLDays,
		tailBuffer:       cfg.TailBuffer,
		logger:           logger,
		indexed:          make(map[string]bool),
	}, nil
}

var invalidCollectionChars = regexp.MustCompile(`[^a-z0-9_]`)

// collectionName maps a fleet id to a valid collection name.
func collectionName(prefix, fleetID string) string {
	name := invalidCollectionChars.ReplaceAllString(strings.ToLower("fleet_"+fleetID), "_")
	return prefix + name
}

func (s *Store) collection(sel models.Labels) (*mongo.Collection, error) {
	fleet, ok := sel[models.LabelFleetID]
	if !ok || fleet == "" {
		return nil, fmt.Errorf("selector %s has no %s", sel, models.LabelFleetID)
	}
	return s.database.Collection(collectionName(s.collectionPrefix, fleet)), nil
}

// Push inserts every entry of every stream. A repeated (stream, timestamp)
// pair is rejected by the unique index and reported as ErrOutOfOrder.
func (s *Store) Push(ctx context.Context, streams []models.LogStream) error {
	byColl := make(map[string][]interface{})
	colls := make(map[string]*mongo.Collection)
	now := time.Now()
	for _, st := range streams {
		if len(st.Entries) == 0 {
			continue
		}
		coll, err := s.collection(st.Labels)
		if err != nil {
			return err
		}
		docs, err := toDocuments(st, now)
		if err != nil {
			return err
		}
		colls[coll.Name()] = coll
		byColl[coll.Name()] = append(byColl[coll.Name()], docs...)
	}

	for name, docs := range byColl {
		coll := colls[name]
		if err := s.ensureIndexes(ctx, coll); err != nil {
			// Don't fail the insert if index creation fails
			s.logger.Error("Failed to ensure indexes", zap.Error(err), zap.String("collection", name))
		}
		result, err := coll.InsertMany(ctx, docs, options.InsertMany().SetOrdered(true))
		if err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return fmt.Errorf("insert into %s: %v: %w", name, err, store.ErrOutOfOrder)
			}
			return fmt.Errorf("failed to insert batch: %w", err)
		}
		s.logger.Debug("Batch inserted",
			zap.String("collection", name),
			zap.Int("inserted", len(result.InsertedIDs)))
	}
	return nil
}

// ensureIndexes creates the indexes of a collection once per process.
func (s *Store) ensureIndexes(ctx context.Context, collection *mongo.Collection) error {
	s.mu.Lock()
	done := s.indexed[collection.Name()]
	s.mu.Unlock()
	if done {
		return nil
	}
	if _, err := collection.Indexes().CreateMany(ctx, indexModels(s.ttlDays)); err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}
	s.mu.Lock()
	s.indexed[collection.Name()] = true
	s.mu.Unlock()
	return nil
}

func indexModels(ttlDays int) []mongo.IndexModel {
	idx := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "stream_key", Value: 1}, {Key: "nano", Value: 1}},
			Options: options.Index().SetName("stream_nano").SetUnique(true),
		},
		{
			Keys: bson.D{
				{Key: "labels." + models.LabelDeviceID, Value: 1},
				{Key: "nano", Value: -1},
			},
			Options: options.Index().SetName("device_nano"),
		},
	}
	if ttlDays > 0 {
		ttlSeconds := int32(ttlDays * 24 * 60 * 60)
		idx = append(idx, mongo.IndexModel{
			Keys:    bson.D{{Key: "created", Value: 1}},
			Options: options.Index().SetName("ttl_index").SetExpireAfterSeconds(ttlSeconds),
		})
	}
	return idx
}
