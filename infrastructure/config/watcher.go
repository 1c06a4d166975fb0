package config

import (
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"fabric/pkg/errors"
)

// Dynamic is the subset of configuration that may change at runtime.
type Dynamic struct {
	MemoryWeights     WeightsConfig
	MemoryDecayLambda float64
	SyncDefaultPeriod int
}

func dynamicOf(c Config) Dynamic {
	return Dynamic{
		MemoryWeights:     c.Memory.Weights,
		MemoryDecayLambda: c.Memory.DecayLambda,
		SyncDefaultPeriod: c.Sync.DefaultPeriodMS,
	}
}

// Watcher re-reads the config file on change and pushes the dynamic subset
// to registered callbacks. Static fields changing on disk are ignored until
// restart.
type Watcher struct {
	path      string
	logger    *zap.Logger
	fs        *fsnotify.Watcher
	mu        sync.Mutex
	current   Dynamic
	callbacks []func(Dynamic)
	done      chan struct{}
	closeOnce sync.Once
}

// NewWatcher starts watching path. The initial dynamic state comes from cfg.
func NewWatcher(path string, cfg Config, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, errors.KindConfiguration, "creating config watcher")
	}
	if err := fs.Add(path); err != nil {
		_ = fs.Close()
		return nil, errors.Wrap(err, errors.KindConfiguration, "watching config file")
	}
	w := &Watcher{
		path:    path,
		logger:  logger,
		fs:      fs,
		current: dynamicOf(cfg),
		done:    make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// OnChange registers a callback invoked with every accepted reload.
func (w *Watcher) OnChange(fn func(Dynamic)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Current returns the last accepted dynamic state.
func (w *Watcher) Current() Dynamic {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		// A bad edit must not take down the running configuration.
		w.logger.Warn("config reload rejected", zap.Error(err))
		return
	}
	next := dynamicOf(cfg)
	w.mu.Lock()
	if next == w.current {
		w.mu.Unlock()
		return
	}
	w.current = next
	callbacks := append([]func(Dynamic){}, w.callbacks...)
	w.mu.Unlock()
	w.logger.Info("dynamic config reloaded",
		zap.Float64("alpha", next.MemoryWeights.Alpha),
		zap.Float64("decay_lambda", next.MemoryDecayLambda),
		zap.Int("sync_period_ms", next.SyncDefaultPeriod))
	for _, fn := range callbacks {
		fn(next)
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.fs.Close()
	})
	return err
}
