package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const watchDebounce = 200 * time.Millisecond

// Watch reloads the file at path whenever it changes and hands every valid
// result to onChange. Invalid files are logged and skipped. The directory is
// watched rather than the file so editors that replace the file on save are
// followed. Watch returns when ctx ends.
func Watch(ctx context.Context, path string, logger zerolog.Logger, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch config: %w", err)
	}
	defer watcher.Close()

	target, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("watch config: %w", err)
	}
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch config: %w", err)
	}

	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			fire = time.After(watchDebounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Str("path", target).Msg("config watcher error")
		case <-fire:
			fire = nil
			cfg, err := Load(target)
			if err != nil {
				logger.Error().Err(err).Str("path", target).Msg("config reload rejected")
				continue
			}
			logger.Info().Str("path", target).Int("activities", len(cfg.Activities)).Msg("config reloaded")
			onChange(cfg)
		}
	}
}
