package config

import (
	"context"
	"log/slog"
	"reflect"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the burst of events a single save produces.
const reloadDebounce = 100 * time.Millisecond

// Watch monitors path and calls onChange with the newly loaded Config after
// each save. current is the config in effect when Watch starts; sections that
// only take effect on restart are logged when they change. Watch runs until
// ctx is cancelled.
//
// A reload that fails to parse or validate is logged and skipped, so the
// previous config stays active.
func Watch(ctx context.Context, path string, current *Config, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return err
	}

	slog.Info("config: watching for changes", "path", path)

	debounce := time.NewTimer(reloadDebounce)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			// Editors often save via rename, so Create counts as a write.
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			debounce.Reset(reloadDebounce)

		case <-debounce.C:
			cfg, err := Load(path)
			if err != nil {
				slog.Error("config: reload failed, keeping previous config",
					"path", path, "err", err)
				continue
			}

			if changed := RestartRequired(current, cfg); len(changed) > 0 {
				slog.Warn("config: changes take effect on restart", "sections", changed)
			}
			slog.Info("config: reloaded", "path", path)
			current = cfg
			onChange(cfg)

			// Re-add the file in case an atomic save replaced the inode.
			_ = watcher.Add(path)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("config: watcher error", "err", err)
		}
	}
}

// RestartRequired lists the sections that differ between prev and next and
// are not applied on hot reload. Only scheduler and log.level are live.
func RestartRequired(prev, next *Config) []string {
	if prev == nil || next == nil {
		return nil
	}
	var out []string
	if !reflect.DeepEqual(prev.HTTP, next.HTTP) {
		out = append(out, "http")
	}
	if prev.GRPC != next.GRPC {
		out = append(out, "grpc")
	}
	if prev.Cache != next.Cache {
		out = append(out, "cache")
	}
	if prev.Realtime != next.Realtime {
		out = append(out, "realtime")
	}
	if !reflect.DeepEqual(prev.Sources, next.Sources) {
		out = append(out, "sources")
	}
	return out
}
