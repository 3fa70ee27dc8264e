package rxminer

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const configDebounce = 500 * time.Millisecond

// ConfigWatcher reloads the config file whenever it changes on disk and hands
// the validated result to onChange. Editors tend to write a file in several
// steps, so events are debounced.
type ConfigWatcher struct {
	logger   *zap.SugaredLogger
	path     string
	watcher  *fsnotify.Watcher
	onChange func(MinerConfig)
}

func NewConfigWatcher(logger *zap.SugaredLogger, path string, onChange func(MinerConfig)) (*ConfigWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed creating config watcher")
	}
	// watch the directory, editors replace the file rather than write to it
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, errors.Wrapf(err, "failed watching %s", path)
	}
	return &ConfigWatcher{
		logger:   logger.With(zap.String("component", "config")),
		path:     filepath.Clean(path),
		watcher:  watcher,
		onChange: onChange,
	}, nil
}

func (w *ConfigWatcher) Run(ctx context.Context) error {
	defer w.watcher.Close()
	var debounce *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path || !event.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(configDebounce)
			} else {
				debounce.Reset(configDebounce)
			}
			fire = debounce.C
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warnf("config watcher error: %s", err)
		case <-fire:
			fire = nil
			w.reload()
		}
	}
}

func (w *ConfigWatcher) reload() {
	cfg, err := LoadConfig(w.path)
	if err != nil {
		w.logger.Warnf("ignoring config change: %s", err)
		return
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		w.logger.Warnf("ignoring invalid config change: %s", err)
		return
	}
	w.logger.Infof("reloaded %s", w.path)
	w.onChange(cfg)
}
