package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jward/understory/internal/manifest"
)

var flagDebounce time.Duration

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Rebuild and re-expand whenever a source or the manifest changes",
	Args:  cobra.NoArgs,
	RunE:  runWatch,
}

func init() {
	watchCmd.Flags().DurationVar(&flagDebounce, "debounce", 100*time.Millisecond, "quiet period before a rebuild")
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	s, err := openSession(ctx)
	if err != nil {
		return outputError(cmd, "watch", err)
	}
	defer s.Close()
	if err := s.engine.Save(ctx); err != nil {
		return outputError(cmd, "watch", err)
	}
	if err := outputResult(cmd, CLIResult{Command: "watch", Results: summarize(s, time.Since(start))}); err != nil {
		return err
	}

	changes := make(chan []string, 1)
	fw, err := newSourceWatcher(cfg.Manifest, flagDebounce, func(files []string) {
		select {
		case changes <- files:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return outputError(cmd, "watch", err)
	}
	defer fw.Stop()
	if err := fw.Start(); err != nil {
		return outputError(cmd, "watch", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case files := <-changes:
			logger.Info("sources changed", zap.Strings("files", files))
			start := time.Now()
			if err := s.refresh(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				// A broken manifest or source is reported and the next change
				// gets another try.
				logger.Error("rebuild failed", zap.Error(err))
				continue
			}
			if err := s.engine.Save(ctx); err != nil {
				logger.Error("save failed", zap.Error(err))
			}
			if err := fw.Start(); err != nil {
				logger.Warn("rescanning watched directories", zap.Error(err))
			}
			if err := outputResult(cmd, CLIResult{Command: "watch", Results: summarize(s, time.Since(start))}); err != nil {
				return err
			}
		}
	}
}

// sourceWatcher watches the manifest and the directories holding its
// sources, and reports batches of changed files after a quiet period.
type sourceWatcher struct {
	manifest  string
	watcher   *fsnotify.Watcher
	debouncer *Debouncer

	mu      sync.Mutex
	watched map[string]bool
	started bool

	stopChan chan struct{}
	wg       sync.WaitGroup
}

func newSourceWatcher(manifestPath string, quiet time.Duration, onChange func([]string)) (*sourceWatcher, error) {
	abs, err := filepath.Abs(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", manifestPath, err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	fw := &sourceWatcher{
		manifest:  abs,
		watcher:   w,
		debouncer: NewDebouncer(quiet),
		watched:   make(map[string]bool),
		stopChan:  make(chan struct{}),
	}
	fw.debouncer.SetCallback(onChange)
	return fw, nil
}

// Start adds any directory not yet watched and starts the event loop on the
// first call.
func (fw *sourceWatcher) Start() error {
	dirs, err := fw.directories()
	if err != nil {
		return err
	}
	fw.mu.Lock()
	defer fw.mu.Unlock()
	for _, dir := range dirs {
		if fw.watched[dir] {
			continue
		}
		if err := fw.watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch directory %s: %w", dir, err)
		}
		fw.watched[dir] = true
		logger.Debug("watching directory", zap.String("dir", dir))
	}
	if !fw.started {
		fw.started = true
		fw.wg.Add(1)
		go fw.watch()
	}
	return nil
}

// Stop stops the watcher. It is safe to call more than once.
func (fw *sourceWatcher) Stop() error {
	select {
	case <-fw.stopChan:
		return nil
	default:
		close(fw.stopChan)
	}
	fw.wg.Wait()
	fw.debouncer.Stop()
	return fw.watcher.Close()
}

func (fw *sourceWatcher) watch() {
	defer fw.wg.Done()
	for {
		select {
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			if fw.relevant(event.Name) {
				fw.debouncer.Add(event.Name)
			}
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("watch error", zap.Error(err))
		case <-fw.stopChan:
			return
		}
	}
}

// directories returns the manifest's directory and every directory holding
// one of its sources. A manifest that fails to load still yields its own
// directory so that fixing it triggers a rebuild.
func (fw *sourceWatcher) directories() ([]string, error) {
	set := map[string]bool{filepath.Dir(fw.manifest): true}
	if g, err := manifest.Load(fw.manifest); err == nil {
		for _, src := range g.Sources() {
			set[filepath.Dir(src)] = true
		}
	}
	dirs := make([]string, 0, len(set))
	for d := range set {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)
	return dirs, nil
}

// relevant reports whether a changed path can affect a build.
func (fw *sourceWatcher) relevant(path string) bool {
	if strings.HasPrefix(filepath.Base(path), ".") {
		return false
	}
	if abs, err := filepath.Abs(path); err == nil && abs == fw.manifest {
		return true
	}
	return filepath.Ext(path) == ".rs"
}

// Debouncer collects file changes and triggers callbacks after a delay.
type Debouncer struct {
	duration time.Duration
	timer    *time.Timer
	files    map[string]struct{}
	mutex    sync.Mutex
	callback func([]string)
	stopped  bool
}

// NewDebouncer creates a new debouncer instance.
func NewDebouncer(duration time.Duration) *Debouncer {
	return &Debouncer{
		duration: duration,
		files:    make(map[string]struct{}),
	}
}

// Add records a file and restarts the quiet period.
func (d *Debouncer) Add(file string) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if d.stopped {
		return
	}
	d.files[file] = struct{}{}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.duration, d.flush)
}

// flush hands the accumulated files, sorted, to the callback. The callback
// runs without the lock held.
func (d *Debouncer) flush() {
	d.mutex.Lock()
	if len(d.files) == 0 || d.stopped {
		d.mutex.Unlock()
		return
	}
	files := make([]string, 0, len(d.files))
	for file := range d.files {
		files = append(files, file)
	}
	d.files = make(map[string]struct{})
	cb := d.callback
	d.mutex.Unlock()

	sort.Strings(files)
	if cb != nil {
		cb(files)
	}
}

// SetCallback sets the callback function.
func (d *Debouncer) SetCallback(callback func([]string)) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.callback = callback
}

// Stop cancels any pending flush.
func (d *Debouncer) Stop() {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.stopped = true
}
