package status

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/atzemis13/sd-dreambooth-extension/pkg/constants"
	"github.com/atzemis13/sd-dreambooth-extension/pkg/logging"
)

// ControlWatcher raises status flags when the host drops control files
// into <model_dir>/control. Each file is removed once consumed.
type ControlWatcher struct {
	dir     string
	status  *Status
	logger  logging.Interface
	watcher *fsnotify.Watcher
}

// NewControlWatcher creates the control directory and starts watching it.
func NewControlWatcher(modelDir string, status *Status, logger logging.Interface) (*ControlWatcher, error) {
	dir := filepath.Join(modelDir, constants.ControlDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	return &ControlWatcher{dir: dir, status: status, logger: logger, watcher: watcher}, nil
}

// Run consumes events until ctx is done. Files present before Run are
// handled first.
func (w *ControlWatcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	if err := w.scan(); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&fsnotify.Write == fsnotify.Write || event.Op&fsnotify.Create == fsnotify.Create {
				w.handle(event.Name)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				w.logger.Warn("Control watcher overflowed; rescanning")
				if err := w.scan(); err != nil {
					return err
				}
				continue
			}
			w.logger.WithError(err).Error("Control watcher error")
		}
	}
}

func (w *ControlWatcher) scan() error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		w.handle(filepath.Join(w.dir, e.Name()))
	}
	return nil
}

func (w *ControlWatcher) handle(path string) {
	switch filepath.Base(path) {
	case constants.ControlInterrupt:
		w.status.Interrupt()
	case constants.ControlSaveModel:
		w.status.RequestSaveModel()
	case constants.ControlSaveSamples:
		w.status.RequestSaveSamples()
	default:
		return
	}
	w.logger.WithField("control", filepath.Base(path)).Info("Control file received")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		w.logger.WithError(err).Warn("Failed to remove control file")
	}
}
