package templates

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	yaml "go.yaml.in/yaml/v3"
)

// File is the on-disk seed format for templates.
type File struct {
	Templates []Template `yaml:"templates"`
}

// ParseFile decodes a YAML template file.
func ParseFile(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("yaml unmarshal: %w", err)
	}
	return &f, nil
}

// LoadFile reads path and upserts every template it declares into r.
// It returns the number of templates loaded. A template that fails to
// compile aborts the load; templates before it stay registered.
func LoadFile(r *Registry, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read templates file: %w", err)
	}
	f, err := ParseFile(data)
	if err != nil {
		return 0, err
	}
	for i, t := range f.Templates {
		if _, _, err := r.Upsert(t); err != nil {
			return i, fmt.Errorf("template %q: %w", t.ID, err)
		}
	}
	return len(f.Templates), nil
}

// Watcher reloads a template file into a registry whenever it changes.
type Watcher struct {
	path     string
	registry *Registry
	logger   *zap.Logger
	debounce time.Duration
}

// NewWatcher creates a watcher for path.
func NewWatcher(path string, registry *Registry, logger *zap.Logger) *Watcher {
	return &Watcher{
		path:     path,
		registry: registry,
		logger:   logger,
		debounce: 250 * time.Millisecond,
	}
}

// Run blocks until ctx is cancelled. The parent directory is watched so
// editors that replace the file by rename are still picked up.
func (w *Watcher) Run(ctx context.Context) error {
	dir := filepath.Dir(w.path)
	target := filepath.Clean(w.path)

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := fw.Add(dir); err != nil {
		return err
	}

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	schedule := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(w.debounce, w.reload)
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				schedule()
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("template watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	n, err := LoadFile(w.registry, w.path)
	if err != nil {
		w.logger.Error("template reload failed",
			zap.String("path", w.path),
			zap.Error(err),
		)
		return
	}
	w.logger.Info("templates reloaded",
		zap.String("path", w.path),
		zap.Int("count", n),
	)
}
