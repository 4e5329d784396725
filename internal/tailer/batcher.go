package tailer

import (
	"context"
	"time"

	"github.com/oicur0t/devlogs/internal/config"
	"github.com/oicur0t/devlogs/pkg/models"
	"go.uber.org/zap"
)

// Batcher accumulates log entries and sends them in batches
type Batcher struct {
	maxSize int
	maxWait time.Duration
	logger  *zap.Logger
	sender  BatchSender

	// flushTimeout bounds the final flush after cancellation.
	flushTimeout time.Duration

	entryChan chan models.LogEntry
	pending   []models.LogEntry
}

// BatchSender is an interface for sending log batches
type BatchSender interface {
	SendBatch(ctx context.Context, entries []models.LogEntry) error
}

// NewBatcher creates a new log batcher. maxSize is capped at the largest
// batch the server accepts.
func NewBatcher(maxSize int, maxWait time.Duration, queueSize int, logger *zap.Logger, sender BatchSender) *Batcher {
	if maxSize <= 0 || maxSize > config.MaxAgentBatch {
		maxSize = config.MaxAgentBatch
	}
	return &Batcher{
		maxSize:      maxSize,
		maxWait:      maxWait,
		logger:       logger,
		sender:       sender,
		flushTimeout: 20 * time.Second,
		entryChan:    make(chan models.LogEntry, queueSize),
		pending:      make([]models.LogEntry, 0, maxSize),
	}
}

// EntryChan returns the channel for receiving log entries
func (b *Batcher) EntryChan() chan<- models.LogEntry {
	return b.entryChan
}

// Start batches entries until ctx is cancelled, then flushes what is left.
func (b *Batcher) Start(ctx context.Context) error {
	ticker := time.NewTicker(b.maxWait)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.drain()
			flushCtx, cancel := context.WithTimeout(context.Background(), b.flushTimeout)
			err := b.flush(flushCtx)
			cancel()
			if err != nil {
				b.logger.Error("Failed to flush final batch", zap.Error(err))
			}
			return ctx.Err()

		case entry := <-b.entryChan:
			b.pending = append(b.pending, entry)
			if len(b.pending) >= b.maxSize {
				if err := b.flush(ctx); err != nil {
					b.logger.Error("Failed to flush batch", zap.Error(err))
				}
				ticker.Reset(b.maxWait)
			}

		case <-ticker.C:
			if err := b.flush(ctx); err != nil {
				b.logger.Error("Failed to flush batch on timer", zap.Error(err))
			}
		}
	}
}

// drain moves queued entries into pending batches without blocking.
func (b *Batcher) drain() {
	for {
		select {
		case entry := <-b.entryChan:
			b.pending = append(b.pending, entry)
		default:
			return
		}
	}
}

// flush sends pending entries in batches of at most maxSize. Entries of a
// failed batch are dropped; the sender has already retried.
func (b *Batcher) flush(ctx context.Context) error {
	var firstErr error
	for len(b.pending) > 0 {
		n := min(len(b.pending), b.maxSize)
		batch := make([]models.LogEntry, n)
		copy(batch, b.pending[:n])
		b.pending = append(b.pending[:0], b.pending[n:]...)

		b.logger.Debug("Flushing batch", zap.Int("size", n))

		if err := b.sender.SendBatch(ctx, batch); err != nil {
			b.logger.Error("Failed to send batch", zap.Error(err), zap.Int("size", n))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		b.logger.Debug("Batch sent successfully", zap.Int("size", n))
	}
	return firstErr
}
