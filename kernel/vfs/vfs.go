// Package vfs defines the file system side of file mappings: vnodes that can
// be read at arbitrary offsets and a path lookup service. MemoryFileSystem
// is a simple in-memory implementation.
package vfs

import (
	"bytes"
	"io"
	"strings"

	"kernvm/kernel"

	"gvisor.dev/gvisor/pkg/sync"
)

var (
	errNoSuchFile = &kernel.Error{Module: "vfs", Message: "no such file", Kind: kernel.EntryNotFound}
	errBadPath    = &kernel.Error{Module: "vfs", Message: "path must be absolute", Kind: kernel.BadValue}
)

// Vnode is a file whose contents can be mapped into memory.
type Vnode interface {
	io.ReaderAt

	// Size returns the file size in bytes.
	Size() int64

	// Name returns the path the vnode was looked up with.
	Name() string
}

// FileSystem resolves paths to vnodes. Every lookup of the same path
// returns the same vnode.
type FileSystem interface {
	Lookup(path string) (Vnode, *kernel.Error)
}

// MemoryFile is a read-only file held in memory.
type MemoryFile struct {
	name string
	*bytes.Reader
}

// Name implements Vnode.
func (f *MemoryFile) Name() string { return f.name }

// MemoryFileSystem keeps files in a path indexed table.
type MemoryFileSystem struct {
	mu    sync.RWMutex
	files map[string]*MemoryFile
}

// NewMemoryFileSystem returns an empty file system.
func NewMemoryFileSystem() *MemoryFileSystem {
	return &MemoryFileSystem{files: make(map[string]*MemoryFile)}
}

// AddFile creates or replaces the file at path.
func (fs *MemoryFileSystem) AddFile(path string, data []byte) *kernel.Error {
	if !strings.HasPrefix(path, "/") {
		return errBadPath
	}

	fs.mu.Lock()
	fs.files[path] = &MemoryFile{name: path, Reader: bytes.NewReader(data)}
	fs.mu.Unlock()
	return nil
}

// Lookup implements FileSystem.
func (fs *MemoryFileSystem) Lookup(path string) (Vnode, *kernel.Error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	file, ok := fs.files[path]
	if !ok {
		return nil, errNoSuchFile
	}
	return file, nil
}
