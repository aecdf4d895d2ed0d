package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vyrodovalexey/medgw/internal/observability"
)

// DefaultDebounceDelay coalesces the burst of events an editor emits for
// one save.
const DefaultDebounceDelay = 100 * time.Millisecond

// Change is one accepted reload: the configuration in effect before, the
// new one, and the sections that differ between them.
type Change struct {
	Previous *GatewayConfig
	Current  *GatewayConfig
	Sections []string
}

// ChangeCallback receives every reload that changes at least one section.
type ChangeCallback func(Change)

// ErrorCallback is called when a reload fails to load or validate.
type ErrorCallback func(error)

// Watcher follows a configuration file. Each save is loaded, passed
// through the optional transform, validated and compared section by
// section with the configuration in effect; a file whose content did not
// change anything is ignored, and an invalid file keeps the previous
// configuration.
type Watcher struct {
	path          string
	fs            *fsnotify.Watcher
	onChange      ChangeCallback
	onError       ErrorCallback
	transform     func(*GatewayConfig)
	logger        observability.Logger
	debounceDelay time.Duration

	mu      sync.Mutex
	current *GatewayConfig
	started bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// WatcherOption is a functional option for configuring the watcher.
type WatcherOption func(*Watcher)

// WithDebounceDelay sets the debounce delay for file changes.
func WithDebounceDelay(delay time.Duration) WatcherOption {
	return func(w *Watcher) {
		if delay > 0 {
			w.debounceDelay = delay
		}
	}
}

// WithLogger sets the logger for the watcher.
func WithLogger(logger observability.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// WithErrorCallback sets the callback for rejected reloads.
func WithErrorCallback(callback ErrorCallback) WatcherOption {
	return func(w *Watcher) {
		w.onError = callback
	}
}

// WithTransform sets a function applied to every loaded configuration
// before validation, such as an environment overlay.
func WithTransform(fn func(*GatewayConfig)) WatcherOption {
	return func(w *Watcher) {
		w.transform = fn
	}
}

// NewWatcher creates a watcher for path.
func NewWatcher(path string, onChange ChangeCallback, opts ...WatcherOption) (*Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		path:          absPath,
		fs:            fsWatcher,
		onChange:      onChange,
		logger:        observability.NopLogger(),
		debounceDelay: DefaultDebounceDelay,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start loads the file as the baseline and begins watching its
// directory. Editors that replace files atomically emit a Create on the
// directory, so the directory rather than the file is watched.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return nil
	}

	cfg, err := w.load()
	if err != nil {
		return err
	}
	if err := w.fs.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	w.current = cfg
	w.started = true
	w.logger.Info("watching configuration file", observability.String("path", w.path))

	go w.run(ctx)
	return nil
}

// Stop stops watching and releases the file watcher.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	started := w.started
	w.started = false
	w.mu.Unlock()

	if started {
		close(w.stopCh)
		<-w.doneCh
	}
	return w.fs.Close()
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	var debounce *time.Timer
	var fire <-chan time.Time
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case <-w.stopCh:
			return

		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path || !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.NewTimer(w.debounceDelay)
			fire = debounce.C

		case <-fire:
			fire = nil
			w.reload()

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.reject(err)
		}
	}
}

func (w *Watcher) load() (*GatewayConfig, error) {
	cfg, err := LoadConfig(w.path)
	if err != nil {
		return nil, err
	}
	if w.transform != nil {
		w.transform(cfg)
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (w *Watcher) reload() {
	cfg, err := w.load()
	if err != nil {
		w.reject(err)
		return
	}

	w.mu.Lock()
	previous := w.current
	changed := ChangedSections(previous, cfg)
	if len(changed) > 0 {
		w.current = cfg
	}
	w.mu.Unlock()

	if len(changed) == 0 {
		w.logger.Debug("configuration file saved without changes")
		return
	}

	w.logger.Info("configuration file changed", observability.Strings("sections", changed))
	if w.onChange != nil {
		w.onChange(Change{Previous: previous, Current: cfg, Sections: changed})
	}
}

func (w *Watcher) reject(err error) {
	w.logger.Error("configuration reload rejected", observability.Error(err))
	if w.onError != nil {
		w.onError(err)
	}
}
