// Package hotreload re-applies a configuration file when it changes on disk.
package hotreload

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Reloader applies the file at path. On error the caller keeps whatever it
// had loaded before.
type Reloader interface {
	Reload(path string) error
}

// ReloaderFunc adapts a function to Reloader.
type ReloaderFunc func(path string) error

func (f ReloaderFunc) Reload(path string) error { return f(path) }

// Stats tracks reload outcomes.
type Stats struct {
	ReloadsTotal   int64     `json:"reloads_total"`
	ReloadsSuccess int64     `json:"reloads_success"`
	ReloadsFailed  int64     `json:"reloads_failed"`
	LastReload     time.Time `json:"last_reload,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
	LastErrorTime  time.Time `json:"last_error_time,omitempty"`
}

type Config struct {
	// Path is the watched file. Its directory is watched so that editors
	// replacing the file by rename are noticed.
	Path     string
	Reloader Reloader
	// Debounce collapses bursts of writes into one reload.
	Debounce time.Duration
	OnChange func(path string, err error)
}

// Watcher watches one file and reloads it after it settles.
type Watcher struct {
	path     string
	reloader Reloader
	debounce time.Duration
	onChange func(path string, err error)

	watcher *fsnotify.Watcher
	running atomic.Bool
	reload  chan struct{}

	mu    sync.Mutex
	stats Stats
}

func New(cfg Config) (*Watcher, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("watched path is required")
	}
	if cfg.Reloader == nil {
		return nil, fmt.Errorf("reloader is required")
	}
	abs, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", cfg.Path, err)
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}
	return &Watcher{
		path:     abs,
		reloader: cfg.Reloader,
		debounce: debounce,
		onChange: cfg.OnChange,
		reload:   make(chan struct{}, 1),
	}, nil
}

// Start begins watching. It returns once the watch is established.
func (w *Watcher) Start(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return fmt.Errorf("watcher already running")
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		w.running.Store(false)
		return fmt.Errorf("creating watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		fw.Close()
		w.running.Store(false)
		return fmt.Errorf("watching %s: %w", filepath.Dir(w.path), err)
	}
	w.watcher = fw

	go w.processEvents(ctx)
	go w.processReloads(ctx)
	return nil
}

func (w *Watcher) processEvents(ctx context.Context) {
	var (
		timer   *time.Timer
		fire    <-chan time.Time
		pending bool
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire, pending = timer.C, true

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.recordError(fmt.Sprintf("watcher error: %v", err))

		case <-fire:
			if pending {
				pending = false
				w.queue()
			}

		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) queue() {
	select {
	case w.reload <- struct{}{}:
	default:
		// A reload is already queued and will read the latest file.
	}
}

func (w *Watcher) processReloads(ctx context.Context) {
	for {
		select {
		case <-w.reload:
			w.handleReload()
		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) handleReload() {
	w.mu.Lock()
	w.stats.ReloadsTotal++
	w.mu.Unlock()

	err := w.reloader.Reload(w.path)
	if err != nil {
		w.recordError(fmt.Sprintf("reloading %s: %v", w.path, err))
	} else {
		w.mu.Lock()
		w.stats.ReloadsSuccess++
		w.stats.LastReload = time.Now()
		w.mu.Unlock()
	}
	if w.onChange != nil {
		w.onChange(w.path, err)
	}
}

func (w *Watcher) recordError(msg string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stats.ReloadsFailed++
	w.stats.LastError = msg
	w.stats.LastErrorTime = time.Now()
}

// Stop closes the underlying watch. Cancel the Start context to end the
// reload loop.
func (w *Watcher) Stop() error {
	if !w.running.CompareAndSwap(true, false) {
		return nil
	}
	return w.watcher.Close()
}

// Stats returns a snapshot of the reload statistics.
func (w *Watcher) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// TriggerReload queues a reload without waiting for a file event.
func (w *Watcher) TriggerReload() error {
	if !w.running.Load() {
		return fmt.Errorf("watcher not running")
	}
	w.queue()
	return nil
}
