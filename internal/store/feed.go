package store

import (
	"sync"

	"github.com/oicur0t/devlogs/pkg/models"
)

// Feed is a Tail backed by a buffered channel. Producers call Send or Offer;
// the owner of the underlying connection passes a stop func that runs once
// when the feed ends.
type Feed struct {
	ch   chan models.LogStream
	done chan struct{}
	once sync.Once
	stop func()

	mu  sync.Mutex
	err error
}

// NewFeed returns a feed buffering up to size streams.
func NewFeed(size int, stop func()) *Feed {
	if size <= 0 {
		size = 1
	}
	return &Feed{
		ch:   make(chan models.LogStream, size),
		done: make(chan struct{}),
		stop: stop,
	}
}

func (f *Feed) Streams() <-chan models.LogStream { return f.ch }

func (f *Feed) Done() <-chan struct{} { return f.done }

func (f *Feed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *Feed) Close() error {
	f.End(nil)
	return nil
}

// End terminates the feed with err. Only the first call has an effect.
func (f *Feed) End(err error) {
	f.once.Do(func() {
		f.mu.Lock()
		f.err = err
		f.mu.Unlock()
		close(f.done)
		if f.stop != nil {
			f.stop()
		}
	})
}

// Send blocks until s is buffered or the feed ends. It reports whether s
// was accepted.
func (f *Feed) Send(s models.LogStream) bool {
	select {
	case <-f.done:
		return false
	default:
	}
	select {
	case f.ch <- s:
		return true
	case <-f.done:
		return false
	}
}

// Offer buffers s without blocking. A full buffer ends the feed with
// ErrSlowConsumer so the producer is never held up.
func (f *Feed) Offer(s models.LogStream) bool {
	select {
	case <-f.done:
		return false
	default:
	}
	select {
	case f.ch <- s:
		return true
	default:
		f.End(ErrSlowConsumer)
		return false
	}
}
