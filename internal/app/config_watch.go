package app

import (
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// WatchConfigFile watches cfg.ConfigFile (when set) for writes and calls
// onReload with a freshly loaded Config, the same callback SIGHUP drives.
// A missing or unset ConfigFile is not an error — the SIGHUP path remains
// the primary reload trigger; this just supplements it for container
// environments that update a mounted config file instead of sending a
// signal. The returned stop func closes the underlying watcher.
func WatchConfigFile(path string, logger *slog.Logger, onReload func(Config)) (stop func() error, err error) {
	if path == "" {
		return func() error { return nil }, nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(path); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				logger.Info("config file changed, reloading", "path", path)
				cfg, loadErr := LoadConfig()
				if loadErr != nil {
					logger.Error("config reload failed, keeping previous snapshot", "error", loadErr)
					continue
				}
				onReload(cfg)
			case watchErr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Error("config watcher error", "error", watchErr)
			}
		}
	}()

	return watcher.Close, nil
}
