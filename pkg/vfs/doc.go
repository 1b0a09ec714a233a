// Package vfs is the in-memory inode store that backs file-backed memory
// regions and the per-process open-file table.
//
// The namespace is a flat map from cleaned absolute paths to inodes. Inodes
// support positioned reads and writes and are reference counted the way
// open files and current-directory handles hold them:
//
//	fs := vfs.New(nil)
//	ip, err := fs.Create("/data.bin")
//	if err != nil {
//		return err
//	}
//	defer ip.Put()
//	ip.WriteAt([]byte("hello"), 0)
package vfs
