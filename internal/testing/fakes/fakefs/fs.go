// Package fakefs provides an in-memory FileSystem implementation for testing.
package fakefs

import (
	"bytes"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/acolita/shellkeeper/internal/ports"
)

// FS is an in-memory filesystem. Paths are cleaned but never resolved
// against a working directory.
type FS struct {
	mu      sync.RWMutex
	files   map[string]*file
	dirs    map[string]bool
	homeDir string
	env     map[string]string
}

type file struct {
	data    []byte
	mode    fs.FileMode
	modTime time.Time
}

// New creates an empty filesystem with /home/test as home directory.
func New() *FS {
	return &FS{
		files:   make(map[string]*file),
		dirs:    map[string]bool{"/": true},
		homeDir: "/home/test",
		env:     make(map[string]string),
	}
}

func notExist(op, name string) error {
	return &fs.PathError{Op: op, Path: name, Err: fs.ErrNotExist}
}

// ReadFile returns a copy of the named file's contents.
func (f *FS) ReadFile(name string) ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	fl, ok := f.files[filepath.Clean(name)]
	if !ok {
		return nil, notExist("open", name)
	}
	return bytes.Clone(fl.data), nil
}

// WriteFile stores data, creating parent directories implicitly.
func (f *FS) WriteFile(name string, data []byte, perm fs.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	name = filepath.Clean(name)
	f.files[name] = &file{data: bytes.Clone(data), mode: perm, modTime: time.Now()}
	f.dirs[filepath.Dir(name)] = true
	return nil
}

// OpenFile supports the write-only flags used by recorders: O_CREATE, O_EXCL,
// O_TRUNC and O_APPEND.
func (f *FS) OpenFile(name string, flag int, perm fs.FileMode) (ports.FileHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name = filepath.Clean(name)
	existing, ok := f.files[name]
	switch {
	case ok && flag&os.O_CREATE != 0 && flag&os.O_EXCL != 0:
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrExist}
	case !ok && flag&os.O_CREATE == 0:
		return nil, notExist("open", name)
	case !ok:
		existing = &file{mode: perm, modTime: time.Now()}
		f.files[name] = existing
	case flag&os.O_TRUNC != 0:
		existing.data = nil
	}
	return &handle{fs: f, name: name}, nil
}

// Stat reports on files and directories.
func (f *FS) Stat(name string) (fs.FileInfo, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	name = filepath.Clean(name)
	if fl, ok := f.files[name]; ok {
		return info{name: filepath.Base(name), size: int64(len(fl.data)), mode: fl.mode, modTime: fl.modTime}, nil
	}
	if f.dirs[name] {
		return info{name: filepath.Base(name), mode: fs.ModeDir | 0o755}, nil
	}
	return nil, notExist("stat", name)
}

// MkdirAll records the directory and its parents.
func (f *FS) MkdirAll(path string, perm fs.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for p := filepath.Clean(path); ; p = filepath.Dir(p) {
		f.dirs[p] = true
		if p == "/" || p == "." {
			return nil
		}
	}
}

func (f *FS) UserHomeDir() (string, error) { return f.homeDir, nil }

func (f *FS) Getenv(key string) string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.env[key]
}

// SetEnv sets an environment variable visible through Getenv.
func (f *FS) SetEnv(key, value string) {
	f.mu.Lock()
	f.env[key] = value
	f.mu.Unlock()
}

// Mode returns the permission bits a file was created with.
func (f *FS) Mode(name string) fs.FileMode {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if fl, ok := f.files[filepath.Clean(name)]; ok {
		return fl.mode
	}
	return 0
}

type handle struct {
	fs     *FS
	name   string
	closed bool
}

func (h *handle) Write(p []byte) (int, error) {
	if h.closed {
		return 0, fs.ErrClosed
	}
	h.fs.mu.Lock()
	defer h.fs.mu.Unlock()
	fl := h.fs.files[h.name]
	fl.data = append(fl.data, p...)
	fl.modTime = time.Now()
	return len(p), nil
}

func (h *handle) Close() error {
	h.closed = true
	return nil
}

func (h *handle) Name() string { return h.name }

type info struct {
	name    string
	size    int64
	mode    fs.FileMode
	modTime time.Time
}

func (i info) Name() string       { return i.name }
func (i info) Size() int64        { return i.size }
func (i info) Mode() fs.FileMode  { return i.mode }
func (i info) ModTime() time.Time { return i.modTime }
func (i info) IsDir() bool        { return i.mode.IsDir() }
func (i info) Sys() any           { return nil }

var _ ports.FileSystem = (*FS)(nil)
