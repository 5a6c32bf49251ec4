// Package watch turns new science frames appearing in a directory into match jobs.
package watch

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"psfmatch/internal/config"
	"psfmatch/internal/fsutil"
	"psfmatch/internal/pipeline"
)

// Submitter accepts jobs. *pipeline.Pipeline satisfies it.
type Submitter interface {
	Submit(job pipeline.Job) error
}

// Options configures a Watcher.
type Options struct {
	Directories []string
	Template    string
	Output      string // per-frame output directories are created below it; empty disables outputs
	Extensions  []string
	Debounce    time.Duration
	JobOptions  map[string]any
}

// OptionsFromConfig builds Options from the file configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Directories: cfg.Watch.Directories,
		Template:    cfg.Watch.Template,
		Output:      cfg.Paths.DefaultOutput,
		Extensions:  cfg.Watch.Extensions,
		Debounce:    time.Duration(cfg.Watch.DebounceMS) * time.Millisecond,
	}
}

// Watcher monitors directories and submits a JobMatch for each new frame once
// writes to it have settled for the debounce interval.
type Watcher struct {
	fsw      *fsnotify.Watcher
	opts     Options
	template string
	submit   Submitter
	log      *slog.Logger

	mu       sync.Mutex
	pending  map[string]*time.Timer
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New validates opts and creates a Watcher. Nothing is watched until Start.
func New(opts Options, submit Submitter, logger *slog.Logger) (*Watcher, error) {
	if len(opts.Directories) == 0 {
		return nil, errors.New("watch: no directories configured")
	}
	if opts.Template == "" {
		return nil, errors.New("watch: template frame is required")
	}
	if submit == nil {
		return nil, errors.New("watch: nil submitter")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if len(opts.Extensions) == 0 {
		opts.Extensions = fsutil.DefaultFrameExts
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		fsw:      fsw,
		opts:     opts,
		template: fsutil.SamePath(opts.Template),
		submit:   submit,
		log:      logger,
		pending:  make(map[string]*time.Timer),
		done:     make(chan struct{}),
	}, nil
}

// Start begins monitoring the configured directories. If any directory cannot
// be added the underlying watcher is closed and the Watcher is unusable.
func (w *Watcher) Start() error {
	for _, dir := range w.opts.Directories {
		if err := w.fsw.Add(dir); err != nil {
			w.fsw.Close()
			return fmt.Errorf("watch %s: %w", dir, err)
		}
		w.log.Info("watching directory", "dir", dir)
	}
	w.wg.Add(1)
	go w.processEvents()
	return nil
}

// Stop stops the watcher and drops frames still waiting out their debounce.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		err = w.fsw.Close()
		w.wg.Wait()
		w.mu.Lock()
		for path, t := range w.pending {
			t.Stop()
			delete(w.pending, path)
		}
		w.mu.Unlock()
	})
	return err
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !w.isFrame(event.Name) {
				continue
			}
			w.schedule(event.Name)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Error("filesystem watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

// schedule (re)arms the debounce timer for path.
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Reset(w.opts.Debounce)
		return
	}
	w.pending[path] = time.AfterFunc(w.opts.Debounce, func() { w.fire(path) })
}

func (w *Watcher) fire(path string) {
	w.mu.Lock()
	delete(w.pending, path)
	w.mu.Unlock()

	select {
	case <-w.done:
		return
	default:
	}

	job := pipeline.Job{
		ID:       uuid.NewString(),
		Type:     pipeline.JobMatch,
		Template: w.opts.Template,
		Science:  path,
		Options:  w.opts.JobOptions,
	}
	if w.opts.Output != "" {
		base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		job.Output = filepath.Join(w.opts.Output, base)
	}
	if err := w.submit.Submit(job); err != nil {
		w.log.Warn("failed to submit match job", "frame", path, "error", err)
		return
	}
	w.log.Info("queued match job", "job", job.ID, "frame", path)
}

func (w *Watcher) isFrame(path string) bool {
	return fsutil.SamePath(path) != w.template && fsutil.HasExt(path, w.opts.Extensions)
}
