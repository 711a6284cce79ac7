package agents

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// RoleWatcher reloads a RoleSet when its file changes.
type RoleWatcher struct {
	path    string
	set     *RoleSet
	watcher *fsnotify.Watcher
	logger  *zap.Logger
	stop    chan struct{}
	done    chan struct{}

	// reloaded is signalled after each reload attempt; tests use it.
	reloaded chan error
}

// WatchRoles starts watching path. The parent directory is watched so
// editors that replace the file by rename are seen.
func WatchRoles(ctx context.Context, path string, set *RoleSet, logger *zap.Logger) (*RoleWatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating role watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watching %s: %w", path, err)
	}
	rw := &RoleWatcher{
		path:     filepath.Clean(path),
		set:      set,
		watcher:  w,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		reloaded: make(chan error, 8),
	}
	go rw.loop(ctx)
	return rw, nil
}

// Stop ends the watch and waits for the loop to exit.
func (rw *RoleWatcher) Stop() {
	select {
	case <-rw.stop:
	default:
		close(rw.stop)
		_ = rw.watcher.Close()
	}
	<-rw.done
}

func (rw *RoleWatcher) loop(ctx context.Context) {
	defer close(rw.done)
	for {
		select {
		case <-rw.stop:
			return
		case <-ctx.Done():
			return
		case ev, ok := <-rw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != rw.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			err := rw.set.Reload(rw.path)
			if err != nil {
				rw.logger.Warn("role file reload failed, keeping previous roles", zap.String("path", rw.path), zap.Error(err))
			} else {
				rw.logger.Info("role file reloaded", zap.String("path", rw.path))
			}
			select {
			case rw.reloaded <- err:
			default:
			}
		case err, ok := <-rw.watcher.Errors:
			if !ok {
				return
			}
			rw.logger.Warn("role watcher error", zap.Error(err))
		}
	}
}
