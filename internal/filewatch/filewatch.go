// Package filewatch implements the directory ingest poller (SPEC_FULL
// §4.4): fsnotify-driven with a polling fallback, atomic move to
// processed/error directories, and a time-windowed dedup registry.
// fsnotify wiring grounded on
// 99souls-ariadne/engine/internal/runtime/runtime.go's HotReloadSystem
// (NewWatcher/Add/select over Events+Errors+ctx.Done); the
// belt-and-suspenders polling fallback and processed-file registry are
// grounded on
// original_source/integration_engine/services/input/hl7v2_listener.py's
// _start_file_watcher/_cleanup_processed_files.
package filewatch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/meridianhealth/interop-engine/internal/envelope"
	"github.com/meridianhealth/interop-engine/internal/logging"
	"github.com/meridianhealth/interop-engine/internal/queue"
)

// Config wires one watcher instance.
type Config struct {
	Name         string
	WatchDir     string
	ProcessedDir string
	ErrorDir     string
	Glob         string // default "*.hl7"
	PollInterval time.Duration
	ContentType  string // default "application/hl7-v2+er7"
	OutputQueue  string
	DedupWindow  time.Duration // default 1h

	Queues *queue.Manager
	Logger *logging.Logger
}

// Watcher watches Config.WatchDir for new files, publishing each to
// OutputQueue and moving it to ProcessedDir or ErrorDir based on the
// publish outcome.
type Watcher struct {
	cfg Config

	mu   sync.Mutex
	seen map[string]time.Time

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func New(cfg Config) (*Watcher, error) {
	if cfg.WatchDir == "" {
		return nil, fmt.Errorf("filewatch: watch_dir required")
	}
	if cfg.Queues == nil {
		return nil, fmt.Errorf("filewatch: queue manager required")
	}
	if cfg.Glob == "" {
		cfg.Glob = "*.hl7"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "application/hl7-v2+er7"
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	for _, dir := range []string{cfg.WatchDir, cfg.ProcessedDir, cfg.ErrorDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("filewatch: mkdir %s: %w", dir, err)
		}
	}
	return &Watcher{cfg: cfg, seen: map[string]time.Time{}}, nil
}

// Start launches the fsnotify event loop and the polling fallback loop,
// both feeding the same scanOnce path.
func (w *Watcher) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.cfg.Logger.Warn("fsnotify unavailable, relying on polling only", logging.Err(err))
	} else if err := fsWatcher.Add(w.cfg.WatchDir); err != nil {
		w.cfg.Logger.Warn("fsnotify add watch failed, relying on polling only", logging.Err(err))
		_ = fsWatcher.Close()
		fsWatcher = nil
	}

	w.wg.Add(1)
	go w.pollLoop(runCtx)

	if fsWatcher != nil {
		w.wg.Add(1)
		go w.eventLoop(runCtx, fsWatcher)
	}
	return nil
}

// Stop cancels both loops and waits for them to exit.
func (w *Watcher) Stop(ctx context.Context) error {
	if w.cancel != nil {
		w.cancel()
	}
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Watcher) eventLoop(ctx context.Context, fsWatcher *fsnotify.Watcher) {
	defer w.wg.Done()
	defer fsWatcher.Close()
	for {
		select {
		case ev, ok := <-fsWatcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if matched, _ := filepath.Match(w.cfg.Glob, filepath.Base(ev.Name)); matched {
				w.processFile(ctx, ev.Name)
			}
		case err, ok := <-fsWatcher.Errors:
			if !ok {
				return
			}
			w.cfg.Logger.Error("fsnotify error", logging.Err(err))
		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) pollLoop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		w.scanOnce(ctx)
		w.reapDedupRegistry()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Watcher) scanOnce(ctx context.Context) {
	matches, err := filepath.Glob(filepath.Join(w.cfg.WatchDir, w.cfg.Glob))
	if err != nil {
		w.cfg.Logger.Error("glob failed", logging.Err(err))
		return
	}
	for _, path := range matches {
		w.processFile(ctx, path)
	}
}

// processFile is idempotent against races between the fsnotify event path
// and the polling path: the dedup registry is checked and marked under
// one lock before any I/O happens.
func (w *Watcher) processFile(ctx context.Context, path string) {
	w.mu.Lock()
	if _, ok := w.seen[path]; ok {
		w.mu.Unlock()
		return
	}
	w.seen[path] = time.Now()
	w.mu.Unlock()

	content, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			w.cfg.Logger.Error("read failed", logging.String("path", path), logging.Err(err))
		}
		return
	}

	env := envelope.New(fmt.Sprintf("file://%s", path), w.cfg.ContentType, content)
	if err := w.cfg.Queues.Publish(ctx, w.cfg.OutputQueue, env); err != nil {
		w.cfg.Logger.Error("publish failed", logging.String("path", path), logging.Err(err))
		w.moveTo(path, w.cfg.ErrorDir)
		return
	}
	w.moveTo(path, w.cfg.ProcessedDir)
}

func (w *Watcher) moveTo(path, dir string) {
	if dir == "" {
		return
	}
	dest := filepath.Join(dir, filepath.Base(path))
	if _, err := os.Stat(dest); err == nil {
		dest = filepath.Join(dir, fmt.Sprintf("%s_%d%s",
			trimExt(filepath.Base(path)), time.Now().UnixNano(), filepath.Ext(path)))
	}
	if err := os.Rename(path, dest); err != nil {
		w.cfg.Logger.Error("move failed", logging.String("from", path), logging.String("to", dest), logging.Err(err))
	}
}

func trimExt(name string) string {
	ext := filepath.Ext(name)
	return name[:len(name)-len(ext)]
}

func (w *Watcher) reapDedupRegistry() {
	cutoff := time.Now().Add(-w.cfg.DedupWindow)
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, seenAt := range w.seen {
		if seenAt.Before(cutoff) {
			delete(w.seen, path)
		}
	}
}
