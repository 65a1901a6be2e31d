package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/wudi/weightedsocket/internal/logging"
)

// DefaultDebounce is how long the watcher waits after the last file event
// before reloading.
const DefaultDebounce = 500 * time.Millisecond

// Watcher reloads the configuration when the config file, or any of the
// companion files watched alongside it, changes on disk. Bursts of events
// within the debounce window cause a single reload.
type Watcher struct {
	fs         *fsnotify.Watcher
	loader     *Loader
	clock      clockwork.Clock
	configPath string
	files      map[string]bool

	mu       sync.RWMutex
	debounce time.Duration
	pending  clockwork.Timer
	current  *Config
	onChange []func(*Config)
	onError  []func(error)
}

// NewWatcher loads configPath and prepares to watch it together with the
// given companion files. Watching begins with Start.
func NewWatcher(configPath string, companions ...string) (*Watcher, error) {
	loader := NewLoader()
	cfg, err := loader.Load(configPath)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		fs:         fsw,
		loader:     loader,
		clock:      clockwork.NewRealClock(),
		configPath: configPath,
		files:      map[string]bool{filepath.Clean(configPath): true},
		debounce:   DefaultDebounce,
		current:    cfg,
	}
	for _, p := range companions {
		w.files[filepath.Clean(p)] = true
	}
	return w, nil
}

// OnChange registers fn to receive every successfully reloaded config.
func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	w.onChange = append(w.onChange, fn)
	w.mu.Unlock()
}

// OnError registers fn to receive reload failures. The previous config stays
// current.
func (w *Watcher) OnError(fn func(error)) {
	w.mu.Lock()
	w.onError = append(w.onError, fn)
	w.mu.Unlock()
}

// Start watches the directories holding the watched files, so files replaced
// by rename are still seen.
func (w *Watcher) Start() error {
	dirs := make(map[string]bool)
	for p := range w.files {
		dirs[filepath.Dir(p)] = true
	}
	for dir := range dirs {
		if err := w.fs.Add(dir); err != nil {
			return err
		}
	}

	go w.loop()
	return nil
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 || !w.files[filepath.Clean(ev.Name)] {
				continue
			}
			w.schedule()

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			logging.Error("config watcher error", zap.Error(err))
		}
	}
}

// schedule (re)arms the debounce timer.
func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending != nil {
		w.pending.Stop()
	}
	w.pending = w.clock.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := w.loader.Load(w.configPath)

	w.mu.Lock()
	if err == nil {
		w.current = cfg
	}
	onChange := append([]func(*Config){}, w.onChange...)
	onError := append([]func(error){}, w.onError...)
	w.mu.Unlock()

	if err != nil {
		logging.Error("failed to reload config", zap.String("path", w.configPath), zap.Error(err))
		for _, fn := range onError {
			fn(err)
		}
		return
	}

	logging.Info("configuration reloaded", zap.String("path", w.configPath))
	for _, fn := range onChange {
		fn(cfg)
	}
}

// GetConfig returns the most recently loaded config.
func (w *Watcher) GetConfig() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Stop cancels any pending reload and closes the file watcher.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if w.pending != nil {
		w.pending.Stop()
	}
	w.mu.Unlock()
	return w.fs.Close()
}

// SetDebounce sets the quiet period before a reload.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	w.debounce = d
	w.mu.Unlock()
}

// SetClock replaces the clock timing the debounce.
func (w *Watcher) SetClock(c clockwork.Clock) {
	w.mu.Lock()
	w.clock = c
	w.mu.Unlock()
}
