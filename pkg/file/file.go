// Package file implements open-file objects and the per-process descriptor
// table. An open file is shared by reference between descriptor tables and
// the memory regions that map it; each holder owns one reference.
package file

import (
	"errors"
	"io"
	"sync"

	"vmkernel/pkg/vfs"
)

// File errors.
var (
	ErrBadFD         = errors.New("file: bad file descriptor")
	ErrTooManyFiles  = errors.New("file: too many open files")
	ErrNotReadable   = errors.New("file: not open for reading")
	ErrNotWritable   = errors.New("file: not open for writing")
	ErrAlreadyClosed = errors.New("file: already closed")
	ErrIsPipe        = errors.New("file: not supported on a pipe")
)

// Open mode bits.
const (
	ORdOnly = 0x000
	OWrOnly = 0x001
	ORdWr   = 0x002
	OCreate = 0x200
)

// Pipe is the shared buffer behind the two ends of a pipe. Close is called
// once for each end when its last reference goes away.
type Pipe interface {
	Close(writable bool)
}

// File is an open file: either an inode with an offset or one end of a
// pipe.
type File struct {
	mu       sync.Mutex
	ip       *vfs.Inode
	pipe     Pipe
	readable bool
	writable bool
	off      int64
	ref      int
}

// Open wraps a referenced inode in a new open file. The file takes over the
// caller's inode reference.
func Open(ip *vfs.Inode, mode int) *File {
	return &File{
		ip:       ip,
		readable: mode&OWrOnly == 0,
		writable: mode&OWrOnly != 0 || mode&ORdWr != 0,
		ref:      1,
	}
}

// OpenPipe returns one end of pp: the write end when writable is set,
// otherwise the read end.
func OpenPipe(pp Pipe, writable bool) *File {
	return &File{
		pipe:     pp,
		readable: !writable,
		writable: writable,
		ref:      1,
	}
}

// Pipe returns the pipe behind f, or nil for an inode.
func (f *File) Pipe() Pipe { return f.pipe }

// Readable reports whether the file was opened for reading.
func (f *File) Readable() bool { return f.readable }

// Writable reports whether the file was opened for writing.
func (f *File) Writable() bool { return f.writable }

// Inode returns the underlying inode.
func (f *File) Inode() *vfs.Inode { return f.ip }

// Size returns the length of the underlying file. A pipe has none.
func (f *File) Size() int64 {
	if f.ip == nil {
		return 0
	}
	return f.ip.Size()
}

// Refs returns the number of holders.
func (f *File) Refs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ref
}

// Dup adds a holder.
func (f *File) Dup() *File {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ref++
	return f
}

// Close drops a holder, releasing the inode with the last one.
func (f *File) Close() error {
	f.mu.Lock()
	if f.ref < 1 {
		f.mu.Unlock()
		return ErrAlreadyClosed
	}
	f.ref--
	last := f.ref == 0
	f.mu.Unlock()

	if last {
		if f.pipe != nil {
			f.pipe.Close(f.writable)
		} else {
			f.ip.Put()
		}
	}
	return nil
}

// Read reads from the current offset and advances it.
func (f *File) Read(p []byte) (int, error) {
	if !f.readable {
		return 0, ErrNotReadable
	}
	if f.pipe != nil {
		return 0, ErrIsPipe
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	n, err := f.ip.ReadAt(p, f.off)
	f.off += int64(n)
	if errors.Is(err, io.EOF) && n > 0 {
		err = nil
	}
	return n, err
}

// Write writes at the current offset and advances it.
func (f *File) Write(p []byte) (int, error) {
	if !f.writable {
		return 0, ErrNotWritable
	}
	if f.pipe != nil {
		return 0, ErrIsPipe
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	n, err := f.ip.WriteAt(p, f.off)
	f.off += int64(n)
	return n, err
}

// ReadAt reads at off without touching the file offset.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	if !f.readable {
		return 0, ErrNotReadable
	}
	if f.pipe != nil {
		return 0, ErrIsPipe
	}
	return f.ip.ReadAt(p, off)
}

// WriteAt writes at off without touching the file offset.
func (f *File) WriteAt(p []byte, off int64) (int, error) {
	if !f.writable {
		return 0, ErrNotWritable
	}
	if f.pipe != nil {
		return 0, ErrIsPipe
	}
	return f.ip.WriteAt(p, off)
}
