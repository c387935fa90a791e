package persist

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	lockRetryInterval  = 30 * time.Millisecond
	defaultLockTimeout = 3 * time.Second
)

// LockTimeoutError signals that an advisory lockfile could not be acquired
// before the deadline.
type LockTimeoutError struct {
	Path string
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("lock timeout: %s", e.Path)
}

// Lock is a held advisory filesystem lock.
type Lock struct {
	path string
}

// Release deletes the lockfile. Errors are ignored; a vanished lockfile is
// benign.
func (l *Lock) Release() {
	if l == nil || l.path == "" {
		return
	}
	os.Remove(l.path)
}

// AcquireLock takes an exclusive create-new lockfile, retrying every 30ms
// until timeout (0 means the 3s default). Used where cross-process contention
// on a store file is plausible.
func AcquireLock(lockPath string, timeout time.Duration) (*Lock, error) {
	if timeout <= 0 {
		timeout = defaultLockTimeout
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("lock dir: %w", err)
	}
	deadline := time.Now().Add(timeout)
	for {
		f, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return &Lock{path: lockPath}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("acquire lock %s: %w", lockPath, err)
		}
		if time.Now().After(deadline) {
			return nil, &LockTimeoutError{Path: lockPath}
		}
		time.Sleep(lockRetryInterval)
	}
}
