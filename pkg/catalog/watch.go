package catalog

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watcher observes the on-disk catalog files for changes made outside
// a Merge call (an operator editing products.json by hand, or a sync
// process from a different instance) and invokes onChange so the
// caller can invalidate its embedding cache. This is belt-and-suspenders
// against spec §4.5's "cache key includes the catalog file's
// modification time" contract — the cache already self-invalidates on
// mtime, fsnotify just means the next retrieval doesn't have to wait
// for a timer to notice.
type Watcher struct {
	w      *fsnotify.Watcher
	logger *logrus.Logger
	done   chan struct{}
}

// WatchFiles starts watching the directories containing productsPath
// and customersPath (fsnotify watches directories, not bare files, so
// a rename-based atomic write is still observed) and calls onChange
// whenever either file is written or renamed into place.
func WatchFiles(productsPath, customersPath string, onChange func(), logger *logrus.Logger) (*Watcher, error) {
	if logger == nil {
		logger = logrus.New()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	dirs := map[string]bool{
		filepath.Dir(productsPath):  true,
		filepath.Dir(customersPath): true,
	}
	for dir := range dirs {
		if err := w.Add(dir); err != nil {
			w.Close()
			return nil, err
		}
	}

	watched := map[string]bool{
		filepath.Clean(productsPath):  true,
		filepath.Clean(customersPath): true,
	}

	cw := &Watcher{w: w, logger: logger, done: make(chan struct{})}
	go cw.loop(watched, onChange)
	return cw, nil
}

func (cw *Watcher) loop(watched map[string]bool, onChange func()) {
	defer close(cw.done)
	for {
		select {
		case event, ok := <-cw.w.Events:
			if !ok {
				return
			}
			if !watched[filepath.Clean(event.Name)] {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if onChange != nil {
				onChange()
			}
		case err, ok := <-cw.w.Errors:
			if !ok {
				return
			}
			cw.logger.WithError(err).Warn("catalog file watcher error")
		}
	}
}

// Close stops the watcher and waits for its goroutine to exit.
func (cw *Watcher) Close() error {
	err := cw.w.Close()
	<-cw.done
	return err
}
