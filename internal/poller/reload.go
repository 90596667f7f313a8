package poller

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/incbuild/incwatch/internal/logging"
)

// configWatcher reports changes to one config file. It watches the
// parent directory since editors often replace the file by rename.
type configWatcher struct {
	watcher *fsnotify.Watcher
	target  string
	changes chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
	logger  *logging.Logger
}

func newConfigWatcher(path string, logger *logging.Logger) (*configWatcher, error) {
	target, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch config directory %s: %w", filepath.Dir(target), err)
	}

	cw := &configWatcher{
		watcher: watcher,
		target:  target,
		changes: make(chan struct{}, 1),
		done:    make(chan struct{}),
		logger:  logger,
	}
	cw.wg.Add(1)
	go cw.processEvents()
	return cw, nil
}

// Changes fires at least once after every burst of writes.
func (cw *configWatcher) Changes() <-chan struct{} {
	return cw.changes
}

// Close stops watching and waits for the event loop to exit.
func (cw *configWatcher) Close() error {
	close(cw.done)
	err := cw.watcher.Close()
	cw.wg.Wait()
	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

func (cw *configWatcher) processEvents() {
	defer cw.wg.Done()

	for {
		select {
		case <-cw.done:
			return

		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if !cw.relevant(event) {
				continue
			}
			// coalesce: one pending notification is enough
			select {
			case cw.changes <- struct{}{}:
			default:
			}

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.logger.Warnf("Config watcher error: %v", err)
		}
	}
}

func (cw *configWatcher) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != cw.target {
		return false
	}
	return event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename)
}
