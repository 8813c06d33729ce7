package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cuemby/gatehouse/pkg/log"
	"github.com/fsnotify/fsnotify"
)

// debounceWindow coalesces bursts of filesystem events from editors
// that write-and-rename.
const debounceWindow = 500 * time.Millisecond

// Watch invokes onChange whenever the intent file changes, until the
// context is cancelled. The file's directory is watched so atomic
// replaces are seen.
func Watch(ctx context.Context, path string, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	go func() {
		defer watcher.Close()

		var timer *time.Timer
		target := filepath.Clean(path)

		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(debounceWindow, func() {
					log.Info(fmt.Sprintf("Config %s changed, re-applying", path))
					onChange()
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn(fmt.Sprintf("Config watcher error: %v", err))
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			}
		}
	}()

	return nil
}
