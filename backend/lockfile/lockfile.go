// Package lockfile serialises processes that open the same local store.
package lockfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"nitrosync/backend"
)

// pollInterval is how often a held lock is retried.
const pollInterval = 50 * time.Millisecond

// Acquire takes an exclusive advisory lock on path, creating the file if
// needed, and retries until ctx is done. The lock is tied to the open file,
// so it is released by the OS if the process dies. The returned func
// releases it and may be called more than once.
func Acquire(ctx context.Context, path string) (func() error, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	for {
		ok, err := tryLock(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("lock %s: %w", path, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			f.Close()
			return nil, fmt.Errorf("%w: %s", backend.ErrStoreLocked, path)
		case <-time.After(pollInterval):
		}
	}

	var once sync.Once
	var relErr error
	return func() error {
		once.Do(func() {
			relErr = errors.Join(unlock(f), f.Close())
		})
		return relErr
	}, nil
}
