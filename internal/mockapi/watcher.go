package mockapi

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the bursts of events editors produce on save.
var reloadDebounce = 200 * time.Millisecond

// WatchFixtures reloads path whenever it changes and hands the result to
// onChange. A file that fails to parse is logged and ignored, so the previous
// fixtures stay in effect. The directory is watched rather than the file so
// that editors replacing the file by rename keep being seen.
func WatchFixtures(ctx context.Context, path string, logger *slog.Logger, onChange func(*Fixtures)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	go runWatcher(ctx, watcher, path, logger, onChange)

	logger.Info("fixture watcher started", "file", path)
	return nil
}

func runWatcher(ctx context.Context, watcher *fsnotify.Watcher, path string, logger *slog.Logger, onChange func(*Fixtures)) {
	defer watcher.Close()

	var mu sync.Mutex
	var timer *time.Timer

	reload := func() {
		f, err := LoadFixtures(path)
		if err != nil {
			logger.Warn("fixture reload", "err", err)
			return
		}
		logger.Info("fixtures reloaded", "file", path, "users", len(f.Users), "collections", len(f.Collections))
		onChange(f)
	}

	base := filepath.Base(path)
	for {
		select {
		case <-ctx.Done():
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			mu.Unlock()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, reload)
			mu.Unlock()

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("fixture watcher", "err", err)
		}
	}
}
