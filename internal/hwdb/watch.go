package hwdb

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"k8s.io/klog/v2"
)

// Watcher serves lookups from the most recent good copy of a database file,
// reloading it whenever the file is rewritten or replaced.
type Watcher struct {
	path    string
	current atomic.Pointer[Database]
	reloads atomic.Uint64
	watcher *fsnotify.Watcher
}

// Watch starts watching the file db was loaded from. The directory is watched
// rather than the file, since the database is usually replaced by a rename.
// `ctx`: context that controls the lifecycle of the watcher.
// `wg`: wait group that would be waited on before the watcher is stopped.
func Watch(ctx context.Context, wg *sync.WaitGroup, db *Database) (*Watcher, error) {
	if db.Path() == "" {
		return nil, fmt.Errorf("hardware database was not loaded from a file")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		klog.Errorf("failed to create fsnotify watcher: %v", err)
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	w := &Watcher{
		path:    filepath.Clean(db.Path()),
		watcher: watcher,
	}
	w.current.Store(db)

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		watcher.Close()
		klog.Errorf("failed to watch %s: %v", filepath.Dir(w.path), err)
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(w.path), err)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer w.watcher.Close()

		for {
			select {
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != w.path {
					continue
				}
				if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
					w.reload()
				}
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				klog.Errorf("hardware database watcher error: %v", err)
			case <-ctx.Done():
				return
			}
		}
	}()

	return w, nil
}

// reload keeps the previous copy when the new file does not load; a file
// caught halfway through a write is picked up on the next event.
func (w *Watcher) reload() {
	db, err := Load(w.path)
	if err != nil {
		klog.V(2).Infof("Keeping previous hardware database, reload of %s failed: %v", w.path, err)
		return
	}
	w.current.Store(db)
	w.reloads.Add(1)
	klog.Infof("Reloaded hardware database %s", w.path)
}

func (w *Watcher) Database() *Database {
	return w.current.Load()
}

// Reloads counts successful reloads.
func (w *Watcher) Reloads() uint64 {
	return w.reloads.Load()
}

func (w *Watcher) Lookup(modalias string) (map[string]string, error) {
	return w.Database().Lookup(modalias)
}
