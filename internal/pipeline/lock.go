package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ErrLocked means another run holds the lock file and it is not stale.
var ErrLocked = eris.New("pipeline: run already in progress")

// Lock is an exclusive run lock backed by an O_EXCL-created file. A lock
// older than the staleness window is assumed abandoned and taken over.
type Lock struct {
	path string
}

// AcquireLock creates the lock file, reclaiming it first when stale.
func AcquireLock(path string, stale time.Duration) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, eris.Wrapf(err, "pipeline: create lock dir %s", filepath.Dir(path))
	}

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "pid=%d started=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
			if closeErr := f.Close(); closeErr != nil {
				zap.L().Warn("pipeline: close lock file", zap.Error(closeErr))
			}
			return &Lock{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, eris.Wrapf(err, "pipeline: create lock %s", path)
		}

		info, statErr := os.Stat(path)
		if statErr != nil {
			// Holder released between our create and stat; retry.
			continue
		}
		if time.Since(info.ModTime()) < stale {
			return nil, eris.Wrapf(ErrLocked, "lock %s held since %s", path, info.ModTime().UTC().Format(time.RFC3339))
		}

		zap.L().Warn("pipeline: taking over stale lock",
			zap.String("path", path),
			zap.Time("held_since", info.ModTime()),
		)
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			return nil, eris.Wrapf(rmErr, "pipeline: remove stale lock %s", path)
		}
	}

	return nil, eris.Wrapf(ErrLocked, "lock %s contested", path)
}

// Release removes the lock file.
func (l *Lock) Release() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return eris.Wrapf(err, "pipeline: release lock %s", l.path)
	}
	return nil
}
