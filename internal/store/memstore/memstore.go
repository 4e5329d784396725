// Package memstore is an in-process store.Client. It enforces the same
// per-stream ordering rules as the external stores and is used by tests and
// the memory driver.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/oicur0t/devlogs/internal/pubsub"
	"github.com/oicur0t/devlogs/internal/store"
	"github.com/oicur0t/devlogs/pkg/models"
)

// DefaultTailBuffer is the number of pushed streams a tail may lag behind
// before it is ended as a slow consumer.
const DefaultTailBuffer = 1024

type stream struct {
	labels  models.Labels
	entries []models.LogEntry
}

// Store keeps every stream in memory.
type Store struct {
	tailBuffer int

	mu       sync.Mutex
	streams  map[string]*stream
	pushErr  error
	queryErr error
	readyErr error

	tails     *pubsub.Registry[models.LogStream]
	selectors sync.Map // selector key -> models.Labels

	feedMu sync.Mutex
	feeds  map[string]*store.Feed
}

// New returns an empty store. tailBuffer <= 0 selects DefaultTailBuffer.
func New(tailBuffer int) *Store {
	if tailBuffer <= 0 {
		tailBuffer = DefaultTailBuffer
	}
	return &Store{
		tailBuffer: tailBuffer,
		streams:    make(map[string]*stream),
		tails:      pubsub.NewRegistry[models.LogStream](),
		feeds:      make(map[string]*store.Feed),
	}
}

// FailPush makes every following Push fail with err; nil restores normal operation.
func (s *Store) FailPush(err error) {
	s.mu.Lock()
	s.pushErr = err
	s.mu.Unlock()
}

// FailQuery makes every following Query fail with err.
func (s *Store) FailQuery(err error) {
	s.mu.Lock()
	s.queryErr = err
	s.mu.Unlock()
}

// FailReady makes Ready report err.
func (s *Store) FailReady(err error) {
	s.mu.Lock()
	s.readyErr = err
	s.mu.Unlock()
}

// DropTails ends every open tail with err, as a lost connection would.
func (s *Store) DropTails(err error) {
	for _, f := range s.openFeeds() {
		f.End(err)
	}
}

// Tails returns the number of open tails.
func (s *Store) Tails() int {
	s.feedMu.Lock()
	defer s.feedMu.Unlock()
	return len(s.feeds)
}

func (s *Store) openFeeds() []*store.Feed {
	s.feedMu.Lock()
	defer s.feedMu.Unlock()
	out := make([]*store.Feed, 0, len(s.feeds))
	for _, f := range s.feeds {
		out = append(out, f)
	}
	return out
}

// Push appends streams after checking that every stream is strictly
// increasing and later than what is already stored. A rejected push stores
// nothing.
func (s *Store) Push(ctx context.Context, streams []models.LogStream) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pushErr != nil {
		return s.pushErr
	}

	last := make(map[string]int64)
	for _, in := range streams {
		key := in.Key()
		prev, ok := last[key]
		if !ok {
			if st := s.streams[key]; st != nil && len(st.entries) > 0 {
				prev = st.entries[len(st.entries)-1].NanoTimestamp
			}
		}
		for _, e := range in.Entries {
			if e.NanoTimestamp <= prev {
				return fmt.Errorf("stream %s at %d: %w", key, e.NanoTimestamp, store.ErrOutOfOrder)
			}
			prev = e.NanoTimestamp
		}
		last[key] = prev
	}

	for _, in := range streams {
		if len(in.Entries) == 0 {
			continue
		}
		key := in.Key()
		st := s.streams[key]
		if st == nil {
			st = &stream{labels: in.Labels.Clone()}
			s.streams[key] = st
		}
		out := models.LogStream{Labels: st.labels, Entries: make([]models.LogEntry, len(in.Entries))}
		for i, e := range in.Entries {
			st.entries = append(st.entries, e.Clone())
			out.Entries[i] = e.Clone()
		}
		// Delivered while holding mu so tails see pushes in commit order.
		s.tails.PublishMatching(func(sel string) bool {
			l, ok := s.selectors.Load(sel)
			return ok && st.labels.Matches(l.(models.Labels))
		}, out)
	}
	return nil
}

// Query returns up to limit of the newest entries across matching streams;
// limit <= 0 returns everything.
func (s *Store) Query(ctx context.Context, sel models.Labels, limit int) ([]models.LogStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.queryErr != nil {
		return nil, s.queryErr
	}

	type hit struct {
		key string
		e   models.LogEntry
	}
	var hits []hit
	for key, st := range s.streams {
		if !st.labels.Matches(sel) {
			continue
		}
		for _, e := range st.entries {
			hits = append(hits, hit{key: key, e: e})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].e.NanoTimestamp > hits[j].e.NanoTimestamp
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}

	grouped := make(map[string]*models.LogStream)
	var keys []string
	for i := len(hits) - 1; i >= 0; i-- {
		h := hits[i]
		g, ok := grouped[h.key]
		if !ok {
			g = &models.LogStream{Labels: s.streams[h.key].labels.Clone()}
			grouped[h.key] = g
			keys = append(keys, h.key)
		}
		g.Entries = append(g.Entries, h.e.Clone())
	}
	sort.Strings(keys)

	out := make([]models.LogStream, 0, len(keys))
	for _, k := range keys {
		out = append(out, *grouped[k])
	}
	return out, nil
}

// Tail registers a feed for streams matching sel.
func (s *Store) Tail(ctx context.Context, sel models.Labels) (store.Tail, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Held so no push is delivered before the feed is fully wired.
	s.mu.Lock()
	defer s.mu.Unlock()

	key := sel.String()
	s.selectors.Store(key, sel.Clone())

	var (
		id     string
		cancel func()
	)
	feed := store.NewFeed(s.tailBuffer, func() {
		cancel()
		s.feedMu.Lock()
		delete(s.feeds, id)
		s.feedMu.Unlock()
	})
	id, cancel = s.tails.Subscribe(key, func(ls models.LogStream) {
		feed.Offer(ls)
	})

	s.feedMu.Lock()
	s.feeds[id] = feed
	s.feedMu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			feed.Close()
		case <-feed.Done():
		}
	}()
	return feed, nil
}

// Ready reports the error set by FailReady.
func (s *Store) Ready(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readyErr
}

// Close ends all open tails.
func (s *Store) Close(ctx context.Context) error {
	s.DropTails(nil)
	return nil
}

var _ store.Client = (*Store)(nil)
