package tailer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/nxadm/tail"
	"github.com/oicur0t/devlogs/internal/config"
	"github.com/oicur0t/devlogs/pkg/models"
	"go.uber.org/zap"
)

// Watcher tails log files and sends entries to a channel
type Watcher struct {
	files     []config.LogFileConfig
	parser    *LineParser
	stateFile string
	logger    *zap.Logger
	entryChan chan<- models.LogEntry
	now       func() time.Time
	state     map[string]*models.FileState
	stateMu   sync.RWMutex
}

// NewWatcher creates a watcher for the enabled files.
func NewWatcher(files []config.LogFileConfig, parser *LineParser, stateFile string, logger *zap.Logger, entryChan chan<- models.LogEntry) *Watcher {
	var enabled []config.LogFileConfig
	for _, f := range files {
		if f.Enabled {
			enabled = append(enabled, f)
		}
	}
	return &Watcher{
		files:     enabled,
		parser:    parser,
		stateFile: stateFile,
		logger:    logger,
		entryChan: entryChan,
		now:       time.Now,
		state:     make(map[string]*models.FileState),
	}
}

// Files returns the number of files being watched.
func (w *Watcher) Files() int {
	return len(w.files)
}

// Start tails every file until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.loadState(); err != nil {
		w.logger.Warn("Failed to load state, starting fresh", zap.Error(err))
	}

	go w.stateSaver(ctx)

	var wg sync.WaitGroup
	for _, f := range w.files {
		wg.Add(1)
		go func(f config.LogFileConfig) {
			defer wg.Done()
			if err := w.tailFile(ctx, f); err != nil && err != context.Canceled {
				w.logger.Error("Error tailing file", zap.String("file", f.Path), zap.Error(err))
			}
		}(f)
	}
	wg.Wait()

	if err := w.saveState(); err != nil {
		w.logger.Error("Failed to save final state", zap.Error(err))
	}
	return ctx.Err()
}

// entry builds the log object for one line of f.
func (w *Watcher) entry(f config.LogFileConfig, line string) models.LogEntry {
	now := w.now()
	e := models.LogEntry{
		Timestamp:     now.UnixMilli(),
		NanoTimestamp: now.UnixNano(),
		IsStdErr:      f.IsStdErr,
		IsSystem:      f.IsSystem,
	}
	if f.ServiceID > 0 {
		id := f.ServiceID
		e.ServiceID = &id
	}
	w.parser.Parse(line, &e)
	return e
}

func (w *Watcher) tailFile(ctx context.Context, f config.LogFileConfig) error {
	w.logger.Info("Starting to tail file", zap.String("file", f.Path), zap.Int64("service_id", f.ServiceID))

	cfg := tail.Config{
		Follow:    true,
		ReOpen:    true,
		MustExist: false,
		Poll:      true,
		Location:  &tail.SeekInfo{Offset: 0, Whence: io.SeekEnd},
		Logger:    tail.DiscardingLogger,
	}

	w.stateMu.RLock()
	if state, exists := w.state[f.Path]; exists {
		cfg.Location = &tail.SeekInfo{Offset: state.Offset, Whence: io.SeekStart}
		w.logger.Info("Resuming from saved position",
			zap.String("file", f.Path),
			zap.Int64("offset", state.Offset))
	}
	w.stateMu.RUnlock()

	t, err := tail.TailFile(f.Path, cfg)
	if err != nil {
		return fmt.Errorf("failed to tail file %s: %w", f.Path, err)
	}
	defer t.Cleanup()
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Stopping tail of file", zap.String("file", f.Path))
			return ctx.Err()

		case line, ok := <-t.Lines:
			if !ok {
				w.logger.Warn("Tail channel closed", zap.String("file", f.Path))
				return nil
			}
			if line.Err != nil {
				w.logger.Error("Error reading line", zap.String("file", f.Path), zap.Error(line.Err))
				continue
			}

			select {
			case w.entryChan <- w.entry(f, line.Text):
			case <-time.After(5 * time.Second):
				w.logger.Warn("Timeout sending line to batcher, dropping line", zap.String("file", f.Path))
			case <-ctx.Done():
				return ctx.Err()
			}

			if offset, err := t.Tell(); err == nil {
				w.updateState(f.Path, offset)
			}
		}
	}
}

func (w *Watcher) updateState(path string, offset int64) {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()

	w.state[path] = &models.FileState{
		Offset:   offset,
		LastRead: w.now(),
	}
}

func (w *Watcher) stateSaver(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.saveState(); err != nil {
				w.logger.Error("Failed to save state", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) saveState() error {
	w.stateMu.RLock()
	data, err := json.MarshalIndent(w.state, "", "  ")
	w.stateMu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	tmp := w.stateFile + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tmp, w.stateFile); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}

	w.logger.Debug("State saved", zap.String("state_file", w.stateFile))
	return nil
}

func (w *Watcher) loadState() error {
	data, err := os.ReadFile(w.stateFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read state file: %w", err)
	}

	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	if err := json.Unmarshal(data, &w.state); err != nil {
		return fmt.Errorf("failed to unmarshal state: %w", err)
	}

	w.logger.Info("State loaded", zap.String("state_file", w.stateFile), zap.Int("files", len(w.state)))
	return nil
}
