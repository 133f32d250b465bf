// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultWatchDebounce coalesces the bursts of events editors produce on save.
const DefaultWatchDebounce = 250 * time.Millisecond

// ReloadFunc receives the reloaded configuration, or the error that
// prevented loading it. A failed reload leaves the caller's config in place.
type ReloadFunc func(cfg *Config, err error)

// Watch reloads path whenever it changes and reports each result to fn. It
// watches the parent directory so that atomic replace-by-rename is seen.
// Watch returns once the watcher is running; it stops when ctx ends.
func Watch(ctx context.Context, path string, debounce time.Duration, fn ReloadFunc) error {
	if debounce <= 0 {
		debounce = DefaultWatchDebounce
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	go processEvents(ctx, watcher, filepath.Clean(path), debounce, fn)
	return nil
}

func processEvents(ctx context.Context, watcher *fsnotify.Watcher, path string, debounce time.Duration, fn ReloadFunc) {
	defer watcher.Close()

	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(debounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			fn(nil, fmt.Errorf("watch error: %w", err))

		case <-timer.C:
			fn(LoadFromPath(path))
		}
	}
}
