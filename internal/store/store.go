// Package store defines the contract of a label-indexed, time-ordered log
// store reachable through push, query and tail operations.
package store

import (
	"context"
	"errors"

	"github.com/oicur0t/devlogs/pkg/models"
)

var (
	// ErrOutOfOrder is returned by Push when an entry is not strictly after
	// its predecessor in the same stream.
	ErrOutOfOrder = errors.New("entry out of order")
	// ErrSlowConsumer ends a tail whose reader fell too far behind.
	ErrSlowConsumer = errors.New("tail consumer too slow")
)

// Client talks to a log store.
type Client interface {
	// Push appends streams. Within each stream timestamps must be strictly
	// increasing and later than anything already stored in that stream.
	// A failed push may have stored nothing or part of the request.
	Push(ctx context.Context, streams []models.LogStream) error

	// Query returns up to limit of the most recent entries in streams
	// matching sel. Entries within each returned stream are ascending.
	Query(ctx context.Context, sel models.Labels, limit int) ([]models.LogStream, error)

	// Tail opens a live feed of entries pushed to streams matching sel. It
	// returns once the feed is established; nothing pushed before that is
	// delivered.
	Tail(ctx context.Context, sel models.Labels) (Tail, error)

	// Ready reports whether the store is reachable.
	Ready(ctx context.Context) error

	// Close releases connections held by the client.
	Close(ctx context.Context) error
}

// Tail is an open live connection. Each tail is independent of every other.
type Tail interface {
	// Streams delivers entries in push order.
	Streams() <-chan models.LogStream
	// Done is closed when the tail ends, either through Close or because the
	// connection was lost.
	Done() <-chan struct{}
	// Err returns why the tail ended, nil after Close.
	Err() error
	// Close ends the tail. It is safe to call more than once.
	Close() error
}
