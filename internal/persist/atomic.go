package persist

import (
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
)

// WriteError wraps a failed store write with its target path.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string { return fmt.Sprintf("write %s: %v", e.Path, e.Err) }
func (e *WriteError) Unwrap() error { return e.Err }

// Kit serializes writes per path and provides atomic JSON read/write with a
// .bak sibling kept as the last-known-good copy.
type Kit struct {
	mu    sync.Mutex
	paths map[string]*sync.Mutex
}

// NewKit creates an empty persistence kit.
func NewKit() *Kit {
	return &Kit{paths: make(map[string]*sync.Mutex)}
}

func (k *Kit) pathMu(path string) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	m, ok := k.paths[path]
	if !ok {
		m = &sync.Mutex{}
		k.paths[path] = m
	}
	return m
}

// WriteJSON marshals payload and replaces path atomically. Writes with the
// same path never interleave. The current file is copied to <path>.bak before
// the rename, so the backup is never stale.
func (k *Kit) WriteJSON(path string, payload any) error {
	if path == "" {
		return &WriteError{Path: path, Err: os.ErrInvalid}
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return &WriteError{Path: path, Err: err}
	}

	mu := k.pathMu(path)
	mu.Lock()
	defer mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &WriteError{Path: path, Err: err}
	}

	tmp := fmt.Sprintf("%s.%d.%06d.tmp", path, os.Getpid(), rand.Intn(1_000_000))
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return &WriteError{Path: path, Err: err}
	}
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmp)
		}
	}()
	if _, err := f.Write(data); err != nil {
		f.Close()
		return &WriteError{Path: path, Err: err}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return &WriteError{Path: path, Err: err}
	}
	if err := f.Close(); err != nil {
		return &WriteError{Path: path, Err: err}
	}

	// Back up the current contents before overwriting.
	copyFile(path, path+".bak")

	if err := os.Rename(tmp, path); err != nil {
		return &WriteError{Path: path, Err: err}
	}
	cleanup = false
	return nil
}

// ReadJSON unmarshals path into out. If the primary file is missing or fails
// to parse, the .bak sibling is tried once. Returns os.ErrNotExist when
// neither exists; callers treat that as an empty store.
func (k *Kit) ReadJSON(path string, out any) error {
	mu := k.pathMu(path)
	mu.Lock()
	defer mu.Unlock()

	data, err := os.ReadFile(path)
	if err == nil {
		if jsonErr := json.Unmarshal(data, out); jsonErr == nil {
			return nil
		}
	}
	bak, bakErr := os.ReadFile(path + ".bak")
	if bakErr != nil {
		if err != nil {
			return os.ErrNotExist
		}
		return fmt.Errorf("parse %s: corrupt and no backup", path)
	}
	if jsonErr := json.Unmarshal(bak, out); jsonErr != nil {
		return fmt.Errorf("parse %s: %w", path+".bak", jsonErr)
	}
	return nil
}

func copyFile(src, dst string) {
	in, err := os.Open(src)
	if err != nil {
		return
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return
	}
	defer out.Close()
	io.Copy(out, in) //nolint:errcheck // best-effort backup
}
