package config

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/kiln-ai/kiln/internal/bus"
)

// Watcher publishes config.updated when any config file for the workspace
// changes on disk.
type Watcher struct {
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// Watch starts watching the config files for a workspace. Directories are
// watched rather than the files themselves so editors that replace-on-save
// are still observed.
func Watch(b *bus.Bus, directory string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	files := make(map[string]bool)
	dirs := make(map[string]bool)
	for _, f := range Files(directory) {
		files[f] = true
		dirs[filepath.Dir(f)] = true
	}
	for dir := range dirs {
		// Missing directories are fine; they may appear later but we do not
		// poll for them.
		if err := fw.Add(dir); err != nil {
			log.Debug().Str("dir", dir).Err(err).Msg("config watch skipped")
		}
	}

	w := &Watcher{watcher: fw, done: make(chan struct{})}
	go w.run(b, files)
	return w, nil
}

func (w *Watcher) run(b *bus.Bus, files map[string]bool) {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !files[ev.Name] {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			log.Info().Str("file", ev.Name).Msg("config file changed")
			b.Publish(bus.ConfigUpdated, bus.ConfigUpdatedData{File: ev.Name})
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("config watcher error")
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}
