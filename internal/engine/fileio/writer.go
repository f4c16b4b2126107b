// Package fileio owns the destination file handle for one task.
package fileio

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/lovinmaxwell/nexus/internal/errdefs"
)

// Writer wraps the destination file. Positioned writes may be issued from
// many workers concurrently; each WriteAt call is atomic with respect to
// the others. Unwritten regions stay as holes.
type Writer struct {
	file    *os.File
	path    string
	written int64 // high-water mark, atomic

	closeOnce sync.Once
	closeErr  error
}

// Open creates the file if absent and opens it for positioned writes.
func Open(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, &errdefs.StorageError{Err: err}
	}
	w := &Writer{file: f, path: path}
	if info, err := f.Stat(); err == nil {
		w.written = info.Size()
	}
	return w, nil
}

// Truncate extends the logical length to size in a single operation.
// The filesystem is expected to support sparse extension, so no zero
// fill happens here.
func (w *Writer) Truncate(size int64) error {
	if err := w.file.Truncate(size); err != nil {
		return &errdefs.StorageError{Err: err}
	}
	return nil
}

// WriteAt writes p at the given offset. The file grows on demand when the
// write lands past the current length (unknown-size downloads).
func (w *Writer) WriteAt(p []byte, off int64) (int, error) {
	n, err := w.file.WriteAt(p, off)
	if err != nil {
		return n, &errdefs.StorageError{Err: err}
	}

	end := off + int64(n)
	for {
		prev := atomic.LoadInt64(&w.written)
		if end <= prev || atomic.CompareAndSwapInt64(&w.written, prev, end) {
			break
		}
	}
	return n, nil
}

// Written returns the offset one past the highest byte written so far. For
// unknown-length downloads this becomes the final total size.
func (w *Writer) Written() int64 {
	return atomic.LoadInt64(&w.written)
}

// Sync flushes file contents to stable storage.
func (w *Writer) Sync() error {
	if err := w.file.Sync(); err != nil {
		return &errdefs.StorageError{Err: err}
	}
	return nil
}

// Path returns the path the writer was opened with.
func (w *Writer) Path() string {
	return w.path
}

// Close closes the handle. Safe to call more than once; a partially
// written file left behind after a crash is the resume substrate.
func (w *Writer) Close() error {
	w.closeOnce.Do(func() {
		w.closeErr = w.file.Close()
	})
	return w.closeErr
}
