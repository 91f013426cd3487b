package opensync

import (
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/b-open-io/opensync/model"
)

// configWatch watches a group's config directory for external edits
// between sync rounds. Adapted from the teacher's fileWatcher/
// autoSyncManager.watchLoop (autosync_manager.go): the config loader
// itself is out of scope (spec §1), but noticing that syncmember.conf
// or a plugin .conf changed underneath a running engine is a cheap
// ambient safety net worth carrying over.
type configWatch struct {
	watcher *fsnotify.Watcher
	bus     *eventBus
	stop    chan struct{}
	wg      sync.WaitGroup

	onChange func()
}

func newConfigWatch(dir string, bus *eventBus, onChange func()) (*configWatch, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, model.Wrap(model.KindIO, "configwatch: new watcher", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, model.Wrap(model.KindIO, "configwatch: watch dir", err)
	}
	cw := &configWatch{watcher: w, bus: bus, stop: make(chan struct{}), onChange: onChange}
	cw.wg.Add(1)
	go cw.loop()
	return cw, nil
}

func (cw *configWatch) loop() {
	defer cw.wg.Done()
	for {
		select {
		case <-cw.stop:
			return
		case ev, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if cw.shouldIgnore(ev) {
				continue
			}
			cw.bus.emit(model.StatusUpdate{Kind: model.EventError, Err: model.NewError(model.KindGeneric,
				"config directory changed externally: "+ev.Name)})
			if cw.onChange != nil {
				cw.onChange()
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.bus.emit(model.StatusUpdate{Kind: model.EventError, Err: err})
		}
	}
}

func (cw *configWatch) shouldIgnore(ev fsnotify.Event) bool {
	if ev.Op&fsnotify.Chmod == fsnotify.Chmod {
		return true
	}
	name := filepath.Base(ev.Name)
	if !strings.HasSuffix(name, ".conf") {
		return true
	}
	return ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0
}

func (cw *configWatch) Close() error {
	close(cw.stop)
	cw.wg.Wait()
	return cw.watcher.Close()
}
