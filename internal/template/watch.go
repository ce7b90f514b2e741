package template

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/fyrsmithlabs/crewd/internal/logging"
)

// Watcher invalidates the store cache when template files change on
// disk, so edits made outside the API take effect without a restart.
type Watcher struct {
	store   *Store
	watcher *fsnotify.Watcher
}

// NewWatcher starts watching the store's root directory.
func NewWatcher(store *Store) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fw.Add(store.Dir()); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch template directory: %w", err)
	}
	return &Watcher{store: store, watcher: fw}, nil
}

// Run processes file events until the context is cancelled or the
// watcher is closed.
func (w *Watcher) Run(ctx context.Context) {
	logger := logging.FromContext(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			name, relevant := templateName(event.Name)
			if !relevant {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				logger.Debug(ctx, "template file changed, invalidating cache")
				w.store.Invalidate(name)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn(ctx, "template watcher error: "+err.Error())
		}
	}
}

// Close stops the watcher. Run returns once the event channel drains.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

// templateName maps an event path to the template it affects. Paths
// that are not top-level .yaml documents are ignored, including the
// atomic-write temp files.
func templateName(path string) (string, bool) {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".tmp-") {
		return "", false
	}
	if !strings.HasSuffix(base, ".yaml") {
		return "", false
	}
	return strings.TrimSuffix(base, ".yaml"), true
}
