// Package inbox watches the archive holding area so the UI can offer a
// just-dropped bundle for import. Announcement only: import itself stays
// user initiated.
package inbox

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// settleDelay is how long a file must stay quiet before it is announced.
// Copies into the inbox arrive as a burst of write events; announcing on
// the first one would hand the UI a half-written archive.
const settleDelay = 500 * time.Millisecond

// ArrivalCallback is called once per settled archive with its filename.
type ArrivalCallback func(filename string)

// Watch starts an fsnotify watcher on the inbox directory and announces
// newly arrived .zip archives until ctx is cancelled.
func Watch(ctx context.Context, dir string, logger *slog.Logger, cb ArrivalCallback) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Add(dir); err != nil {
		return err
	}
	logger.Info("inbox: watcher started", slog.String("dir", dir))

	// One settle timer per in-flight path; the loop owns the map.
	timers := make(map[string]*time.Timer)
	settledCh := make(chan string, 16)

	for {
		select {
		case <-ctx.Done():
			for _, t := range timers {
				t.Stop()
			}
			logger.Info("inbox: watcher stopped")
			return nil

		case path := <-settledCh:
			delete(timers, path)
			info, statErr := os.Stat(path)
			if statErr != nil || info.IsDir() {
				continue
			}
			name := filepath.Base(path)
			logger.Info("inbox: archive arrived",
				slog.String("archive", name),
				slog.Int64("size", info.Size()))
			if cb != nil {
				cb(name)
			}

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(ev.Name, ".zip") {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
					if t, found := timers[ev.Name]; found {
						t.Stop()
						delete(timers, ev.Name)
					}
				}
				continue
			}
			if t, found := timers[ev.Name]; found {
				t.Reset(settleDelay)
				continue
			}
			path := ev.Name
			timers[path] = time.AfterFunc(settleDelay, func() {
				select {
				case settledCh <- path:
				case <-ctx.Done():
				}
			})

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Error("inbox: watcher error", slog.String("error", watchErr.Error()))
		}
	}
}
