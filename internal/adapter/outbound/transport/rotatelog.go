package transport

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// rotatingFile is a minimal size-capped log rotator: once the current file
// exceeds maxBytes, it is renamed to a numbered backup (.1, .2, ...) up to
// keepBackups, and writing continues to a fresh file at path. No example in
// the retrieval pack imports a rotation library (e.g. lumberjack), so this
// is implemented directly against os.File — see DESIGN.md.
type rotatingFile struct {
	mu          sync.Mutex
	path        string
	maxBytes    int64
	keepBackups int
	f           *os.File
	written     int64
}

func newRotatingFile(path string, maxBytes int64, keepBackups int) (*rotatingFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("rotatingFile: create dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("rotatingFile: open: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("rotatingFile: stat: %w", err)
	}
	return &rotatingFile{path: path, maxBytes: maxBytes, keepBackups: keepBackups, f: f, written: info.Size()}, nil
}

func (r *rotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.written+int64(len(p)) > r.maxBytes {
		if err := r.rotateLocked(); err != nil {
			return 0, err
		}
	}
	n, err := r.f.Write(p)
	r.written += int64(n)
	return n, err
}

func (r *rotatingFile) rotateLocked() error {
	if err := r.f.Close(); err != nil {
		return err
	}
	for i := r.keepBackups - 1; i >= 1; i-- {
		src := fmt.Sprintf("%s.%d", r.path, i)
		dst := fmt.Sprintf("%s.%d", r.path, i+1)
		_ = os.Rename(src, dst)
	}
	if r.keepBackups > 0 {
		_ = os.Rename(r.path, fmt.Sprintf("%s.1", r.path))
	}
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	r.f = f
	r.written = 0
	return nil
}

func (r *rotatingFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.f.Close()
}
