package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// debounceWindow coalesces editor write bursts into one reload.
const debounceWindow = 250 * time.Millisecond

// Watch monitors the configuration file at path and invokes onReload with the
// freshly parsed configuration after each change. It blocks until ctx is
// cancelled. A parse failure keeps the previous configuration and logs a
// warning.
func Watch(ctx context.Context, path string, onReload func(*Config)) error {
	if path == "" || onReload == nil {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	// Watch the directory rather than the file: editors replace files on
	// save, which drops inode-level watches.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}
	target := filepath.Clean(path)

	var debounce *time.Timer
	reload := func() {
		cfg, errLoad := Load(path)
		if errLoad != nil {
			log.WithFields(log.Fields{"path": path, "error": errLoad.Error()}).Warn("config: reload failed, keeping previous settings")
			return
		}
		log.WithFields(log.Fields{"path": path}).Info("config: reloaded")
		onReload(cfg)
	}

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
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
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceWindow, reload)
		case errWatch, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.WithFields(log.Fields{"error": errWatch.Error()}).Warn("config: watcher error")
		}
	}
}
