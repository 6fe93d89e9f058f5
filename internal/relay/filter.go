package relay

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"pbrelay/pushbullet"
)

// filterReloadDebounce batches rapid editor writes (rename + chmod +
// write) into a single reload.
const filterReloadDebounce = 500 * time.Millisecond

// filterFile is the YAML shape of the filters file.
type filterFile struct {
	// MutedApps lists Android package names whose mirrors are dropped.
	MutedApps []string `yaml:"muted_apps"`

	// MutedChannels lists channel idens whose pushes are dropped.
	MutedChannels []string `yaml:"muted_channels"`
}

// Filter suppresses notifications the user opted out of. The zero-value
// filter allows everything. Reloadable at runtime; safe for concurrent
// reads.
type Filter struct {
	mu            sync.RWMutex
	mutedApps     map[string]struct{}
	mutedChannels map[string]struct{}

	path   string
	logger *slog.Logger
}

// NewFilter creates a filter backed by the YAML file at path. An empty
// path yields a permanent allow-all filter. A missing file is not an
// error; it may appear later and be picked up by Watch.
func NewFilter(path string, logger *slog.Logger) (*Filter, error) {
	f := &Filter{
		path:   path,
		logger: logger,
	}

	if path == "" {
		return f, nil
	}

	if err := f.Reload(); err != nil {
		if os.IsNotExist(err) {
			logger.Info("filters file not found, allowing everything",
				slog.String("path", path),
			)
			return f, nil
		}
		return nil, err
	}

	return f, nil
}

// Reload re-reads the filters file and atomically swaps the rule set.
func (f *Filter) Reload() error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return err
	}

	var file filterFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing filters file %s: %w", f.path, err)
	}

	apps := make(map[string]struct{}, len(file.MutedApps))
	for _, pkg := range file.MutedApps {
		apps[pkg] = struct{}{}
	}

	channels := make(map[string]struct{}, len(file.MutedChannels))
	for _, ch := range file.MutedChannels {
		channels[ch] = struct{}{}
	}

	f.mu.Lock()
	f.mutedApps = apps
	f.mutedChannels = channels
	f.mu.Unlock()

	f.logger.Info("filters loaded",
		slog.Int("muted_apps", len(apps)),
		slog.Int("muted_channels", len(channels)),
	)

	return nil
}

// Allows reports whether the event may be rendered. Dismissals are always
// allowed: a dismissal for a muted app finds no rendered mapping and
// no-ops downstream.
func (f *Filter) Allows(ev pushbullet.Event) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	switch ev.Kind {
	case pushbullet.KindMirror:
		_, muted := f.mutedApps[ev.Mirror.PackageName]
		return !muted
	case pushbullet.KindPush:
		if ev.Push.ChannelIden == "" {
			return true
		}
		_, muted := f.mutedChannels[ev.Push.ChannelIden]
		return !muted
	default:
		return true
	}
}

// Watch reloads the filters file when it changes, until ctx is cancelled.
// The parent directory is watched so atomic saves (write to temp file,
// rename over) are observed. Returns immediately for a path-less filter.
func (f *Filter) Watch(ctx context.Context) error {
	if f.path == "" {
		<-ctx.Done()
		return ctx.Err()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating filters watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		return fmt.Errorf("watching filters directory: %w", err)
	}

	var pending bool
	debounce := time.NewTimer(filterReloadDebounce)
	debounce.Stop()

	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Name != f.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if !pending {
				pending = true
				debounce.Reset(filterReloadDebounce)
			}

		case <-debounce.C:
			pending = false
			if err := f.Reload(); err != nil {
				f.logger.Warn("reloading filters",
					slog.String("path", f.path),
					slog.String("error", err.Error()),
				)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			f.logger.Warn("filters watcher error", slog.String("error", err.Error()))

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
