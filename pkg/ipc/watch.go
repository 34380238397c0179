package ipc

import (
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/chaiyawut/butler/pkg/log"
)

// Watcher signals when a slot's output directory may hold new files.
// It prefers filesystem notification and always keeps a poll ticker as
// the fallback, so a missed event never stalls a turn.
type Watcher struct {
	events chan struct{}
	stopCh chan struct{}
	fsw    *fsnotify.Watcher
	logger zerolog.Logger
}

// NewWatcher starts watching dir. poll is the fallback interval.
func NewWatcher(dir string, poll time.Duration) (*Watcher, error) {
	w := &Watcher{
		events: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		logger: log.WithComponent("ipc"),
	}

	fsw, err := fsnotify.NewWatcher()
	if err == nil {
		if err := fsw.Add(dir); err != nil {
			fsw.Close()
			fsw = nil
			w.logger.Warn().Err(err).Str("dir", dir).Msg("fsnotify watch failed, polling only")
		}
	} else {
		w.logger.Warn().Err(err).Msg("fsnotify unavailable, polling only")
		fsw = nil
	}
	w.fsw = fsw

	go w.run(poll)
	return w, nil
}

// Events delivers a wakeup whenever the directory may have changed.
// Wakeups are coalesced; consumers re-scan the directory on each one.
func (w *Watcher) Events() <-chan struct{} { return w.events }

// Close stops the watcher.
func (w *Watcher) Close() {
	close(w.stopCh)
}

func (w *Watcher) run(poll time.Duration) {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	if w.fsw != nil {
		defer w.fsw.Close()
	}

	var fsEvents chan fsnotify.Event
	var fsErrors chan error
	if w.fsw != nil {
		fsEvents = w.fsw.Events
		fsErrors = w.fsw.Errors
	}

	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-fsEvents:
			if !ok {
				fsEvents = nil
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Rename|fsnotify.Write) != 0 {
				w.notify()
			}
		case err, ok := <-fsErrors:
			if !ok {
				fsErrors = nil
				continue
			}
			w.logger.Debug().Err(err).Msg("fsnotify error")
		case <-ticker.C:
			w.notify()
		}
	}
}

func (w *Watcher) notify() {
	select {
	case w.events <- struct{}{}:
	default:
	}
}
