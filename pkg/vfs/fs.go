package vfs

import (
	"errors"
	"io"
	"sync"

	"go.uber.org/zap"

	"vmkernel/pkg/klog"
)

// Filesystem errors.
var (
	ErrNotFound    = errors.New("vfs: file not found")
	ErrExists      = errors.New("vfs: file already exists")
	ErrIsDirectory = errors.New("vfs: is a directory")
	ErrNotDir      = errors.New("vfs: parent is not a directory")
	ErrBusy        = errors.New("vfs: file is in use")
	ErrBadOffset   = errors.New("vfs: negative offset")
)

// Inode is a file or directory in the store.
type Inode struct {
	mu    sync.RWMutex
	inum  int
	path  string
	isDir bool
	data  []byte
	ref   int
	fs    *FS
}

// Inum returns the inode number.
func (ip *Inode) Inum() int { return ip.inum }

// Path returns the path the inode was created under.
func (ip *Inode) Path() string { return ip.path }

// IsDir reports whether the inode is a directory.
func (ip *Inode) IsDir() bool { return ip.isDir }

// Size returns the file length in bytes.
func (ip *Inode) Size() int64 {
	ip.mu.RLock()
	defer ip.mu.RUnlock()
	return int64(len(ip.data))
}

// ReadAt implements io.ReaderAt.
func (ip *Inode) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, ErrBadOffset
	}
	if ip.isDir {
		return 0, ErrIsDirectory
	}

	ip.mu.RLock()
	defer ip.mu.RUnlock()

	if off >= int64(len(ip.data)) {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}
	n := copy(p, ip.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt, growing the file as needed.
func (ip *Inode) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, ErrBadOffset
	}
	if ip.isDir {
		return 0, ErrIsDirectory
	}

	ip.mu.Lock()
	defer ip.mu.Unlock()

	end := off + int64(len(p))
	if end > int64(len(ip.data)) {
		grown := make([]byte, end)
		copy(grown, ip.data)
		ip.data = grown
	}
	return copy(ip.data[off:], p), nil
}

// Truncate sets the file length to zero.
func (ip *Inode) Truncate() {
	ip.mu.Lock()
	defer ip.mu.Unlock()
	ip.data = nil
}

// Dup adds an in-memory reference to the inode.
func (ip *Inode) Dup() *Inode {
	ip.fs.mu.Lock()
	defer ip.fs.mu.Unlock()
	ip.ref++
	return ip
}

// Put drops a reference taken by Lookup, Create or Dup.
func (ip *Inode) Put() {
	ip.fs.mu.Lock()
	defer ip.fs.mu.Unlock()
	if ip.ref < 1 {
		klog.Panic(ip.fs.log, "iput", zap.Int("inum", ip.inum))
	}
	ip.ref--
}

// FS is a flat in-memory namespace of inodes.
type FS struct {
	mu    sync.Mutex
	nodes map[string]*Inode
	next  int
	log   *zap.Logger
}

// New creates a store holding only the root directory.
func New(log *zap.Logger) *FS {
	fs := &FS{
		nodes: make(map[string]*Inode),
		next:  1,
		log:   klog.OrNop(log).Named("vfs"),
	}
	fs.nodes["/"] = fs.newInode("/", true)
	return fs
}

func (fs *FS) newInode(path string, isDir bool) *Inode {
	ip := &Inode{inum: fs.next, path: path, isDir: isDir, fs: fs}
	fs.next++
	return ip
}

// Root returns a referenced handle to the root directory.
func (fs *FS) Root() *Inode {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	root := fs.nodes["/"]
	root.ref++
	return root
}

// Lookup returns a referenced inode for path.
func (fs *FS) Lookup(path string) (*Inode, error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}
	path = Clean(path)

	fs.mu.Lock()
	defer fs.mu.Unlock()

	ip, ok := fs.nodes[path]
	if !ok {
		return nil, ErrNotFound
	}
	ip.ref++
	return ip, nil
}

// Create returns a referenced inode for path, creating an empty file if it
// does not exist yet.
func (fs *FS) Create(path string) (*Inode, error) {
	return fs.create(path, false)
}

// Mkdir creates a directory.
func (fs *FS) Mkdir(path string) error {
	ip, err := fs.create(path, true)
	if err != nil {
		return err
	}
	ip.Put()
	return nil
}

func (fs *FS) create(path string, isDir bool) (*Inode, error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}
	path = Clean(path)

	fs.mu.Lock()
	defer fs.mu.Unlock()

	parent, ok := fs.nodes[Dir(path)]
	if !ok {
		return nil, ErrNotFound
	}
	if !parent.isDir {
		return nil, ErrNotDir
	}

	if ip, ok := fs.nodes[path]; ok {
		if ip.isDir != isDir {
			if ip.isDir {
				return nil, ErrIsDirectory
			}
			return nil, ErrExists
		}
		ip.ref++
		return ip, nil
	}

	ip := fs.newInode(path, isDir)
	ip.ref = 1
	fs.nodes[path] = ip
	fs.log.Debug("created", zap.String("path", path), zap.Int("inum", ip.inum))
	return ip, nil
}

// Remove unlinks path. Open inodes keep their data until the last
// reference is dropped.
func (fs *FS) Remove(path string) error {
	path = Clean(path)
	if path == "/" {
		return ErrBusy
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if _, ok := fs.nodes[path]; !ok {
		return ErrNotFound
	}
	delete(fs.nodes, path)
	return nil
}

// WriteFile creates or truncates path and writes data to it.
func (fs *FS) WriteFile(path string, data []byte) error {
	ip, err := fs.Create(path)
	if err != nil {
		return err
	}
	defer ip.Put()

	ip.Truncate()
	_, err = ip.WriteAt(data, 0)
	return err
}

// ReadFile returns the contents of path.
func (fs *FS) ReadFile(path string) ([]byte, error) {
	ip, err := fs.Lookup(path)
	if err != nil {
		return nil, err
	}
	defer ip.Put()

	if ip.isDir {
		return nil, ErrIsDirectory
	}
	buf := make([]byte, ip.Size())
	if _, err := ip.ReadAt(buf, 0); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf, nil
}

// Refs returns the reference count of the inode at path, or -1 when the
// path does not exist.
func (fs *FS) Refs(path string) int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	ip, ok := fs.nodes[Clean(path)]
	if !ok {
		return -1
	}
	return ip.ref
}
