package logs

import (
	"context"
	"sort"
	"sync"

	"github.com/oicur0t/devlogs/internal/store"
	"github.com/oicur0t/devlogs/pkg/models"
	"go.uber.org/zap"
)

// All asks History for every stored entry, up to the backend's history bound.
const All = -1

// Backend is the contract every log store satisfies.
type Backend interface {
	// Publish durably stores entries. A failure means nothing may be assumed
	// stored; republishing the same entries is safe.
	Publish(ctx context.Context, lctx models.LogContext, entries []models.LogEntry) error

	// History returns up to limit of the most recent entries, oldest first.
	History(ctx context.Context, lctx models.LogContext, limit int) ([]models.LogEntry, error)

	// Subscribe calls onEntry for every entry published for lctx after
	// Subscribe returns, in publish order. onEntry runs on the subscription's
	// own goroutine and must not block.
	Subscribe(ctx context.Context, lctx models.LogContext, onEntry func(models.LogEntry)) (*Subscription, error)
}

// Subscription is a live registration returned by Subscribe.
type Subscription struct {
	tail store.Tail
	once sync.Once
	done chan struct{}

	mu  sync.Mutex
	err error
}

func newSubscription(ctx context.Context, tail store.Tail, onEntry func(models.LogEntry)) *Subscription {
	sub := &Subscription{tail: tail, done: make(chan struct{})}
	go sub.run(ctx, onEntry)
	return sub
}

func (s *Subscription) run(ctx context.Context, onEntry func(models.LogEntry)) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			s.tail.Close()
			return
		case <-s.tail.Done():
			s.mu.Lock()
			s.err = s.tail.Err()
			s.mu.Unlock()
			return
		case stream := <-s.tail.Streams():
			for _, e := range ToEntries([]models.LogStream{stream}) {
				onEntry(e)
			}
		}
	}
}

// Unsubscribe tears the tail down and waits until onEntry will no longer be
// called. It is safe to call more than once, but not from inside onEntry.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.tail.Close()
	})
	<-s.done
}

// Done is closed once the subscription has ended for any reason.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err reports why the subscription ended; nil while live or after Unsubscribe.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// StoreBackend implements Backend on top of a store.Client. It owns the
// per-stream timestamp watermark used to resolve collisions.
type StoreBackend struct {
	client     store.Client
	maxHistory int
	logger     *zap.Logger

	mu      sync.Mutex
	streams map[string]*streamState
}

// streamState serializes writers of one stream and remembers the last
// timestamp the store accepted for it.
type streamState struct {
	mu     sync.Mutex
	loaded bool
	last   int64
}

// NewStoreBackend creates a backend. maxHistory bounds every history query;
// zero or less leaves it unbounded.
func NewStoreBackend(client store.Client, maxHistory int, logger *zap.Logger) *StoreBackend {
	return &StoreBackend{
		client:     client,
		maxHistory: maxHistory,
		logger:     logger,
		streams:    make(map[string]*streamState),
	}
}

func (b *StoreBackend) state(key string) *streamState {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.streams[key]
	if !ok {
		st = &streamState{}
		b.streams[key] = st
	}
	return st
}

// Publish groups entries into streams, resolves timestamp collisions against
// each stream's watermark and pushes everything in one request. Writers of the
// same stream are serialized from watermark read to push acknowledgement;
// writers of other streams never wait on each other.
func (b *StoreBackend) Publish(ctx context.Context, lctx models.LogContext, entries []models.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	streams := ToStreams(lctx, entries)

	// Locks are taken in key order so overlapping batches cannot deadlock;
	// streams are pushed in order of first appearance.
	states := make([]*streamState, len(streams))
	for _, i := range lockOrder(streams) {
		st := b.state(streams[i].Key())
		st.mu.Lock()
		defer st.mu.Unlock()
		states[i] = st

		if !st.loaded {
			last, err := b.lastStored(ctx, streams[i].Labels)
			if err != nil {
				return backendError("publish", err)
			}
			st.last, st.loaded = last, true
		}
		streams[i] = ResolveCollisions(streams[i], st.last)
	}

	if err := b.client.Push(ctx, streams); err != nil {
		b.logger.Warn("Push rejected",
			zap.String("device", lctx.DeviceUUID),
			zap.Int("entries", len(entries)),
			zap.Error(err))
		return backendError("publish", err)
	}

	for i, s := range streams {
		states[i].last = s.Entries[len(s.Entries)-1].NanoTimestamp
	}

	b.logger.Debug("Published logs",
		zap.String("device", lctx.DeviceUUID),
		zap.Int("entries", len(entries)),
		zap.Int("streams", len(streams)))
	return nil
}

// lastStored returns the newest timestamp of one stream, or 0 when empty.
// An empty selector value matches streams without that label, so the query
// for a host stream does not pick up service streams.
func (b *StoreBackend) lastStored(ctx context.Context, labels models.Labels) (int64, error) {
	sel := labels.Clone()
	if _, ok := sel[models.LabelServiceID]; !ok {
		sel[models.LabelServiceID] = ""
	}
	streams, err := b.client.Query(ctx, sel, 1)
	if err != nil {
		return 0, err
	}
	key := labels.String()
	var last int64
	for _, s := range streams {
		if s.Key() != key {
			continue
		}
		for _, e := range s.Entries {
			if e.NanoTimestamp > last {
				last = e.NanoTimestamp
			}
		}
	}
	return last, nil
}

// History returns the most recent entries of the device, oldest first.
func (b *StoreBackend) History(ctx context.Context, lctx models.LogContext, limit int) ([]models.LogEntry, error) {
	if limit == 0 {
		return []models.LogEntry{}, nil
	}
	if limit == All || (b.maxHistory > 0 && limit > b.maxHistory) {
		limit = b.maxHistory
	}
	if limit < 0 {
		// Unbounded backend.
		limit = 0
	}

	streams, err := b.client.Query(ctx, models.ContextLabels(lctx), limit)
	if err != nil {
		return nil, backendError("history", err)
	}
	entries := ToEntries(streams)
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}

// Subscribe opens a dedicated tail for lctx. Cancelling ctx has the same
// effect as Unsubscribe.
func (b *StoreBackend) Subscribe(ctx context.Context, lctx models.LogContext, onEntry func(models.LogEntry)) (*Subscription, error) {
	tail, err := b.client.Tail(ctx, models.ContextLabels(lctx))
	if err != nil {
		return nil, backendError("subscribe", err)
	}
	b.logger.Debug("Subscribed", zap.String("device", lctx.DeviceUUID))
	return newSubscription(ctx, tail, onEntry), nil
}

func lockOrder(streams []models.LogStream) []int {
	order := make([]int, len(streams))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		return streams[order[a]].Key() < streams[order[b]].Key()
	})
	return order
}
