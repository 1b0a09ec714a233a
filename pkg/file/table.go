package file

// Table is a process's descriptor table. It is only touched by the owning
// process, so it carries no lock of its own.
type Table struct {
	files []*File
}

// NewTable creates a table with n descriptor slots.
func NewTable(n int) *Table {
	return &Table{files: make([]*File, n)}
}

// Alloc installs f in the lowest free slot and returns its descriptor.
func (t *Table) Alloc(f *File) (int, error) {
	for fd, cur := range t.files {
		if cur == nil {
			t.files[fd] = f
			return fd, nil
		}
	}
	return -1, ErrTooManyFiles
}

// Get returns the open file for fd.
func (t *Table) Get(fd int) (*File, error) {
	if fd < 0 || fd >= len(t.files) || t.files[fd] == nil {
		return nil, ErrBadFD
	}
	return t.files[fd], nil
}

// Close releases fd.
func (t *Table) Close(fd int) error {
	f, err := t.Get(fd)
	if err != nil {
		return err
	}
	t.files[fd] = nil
	return f.Close()
}

// Fork returns a copy of the table sharing every open file.
func (t *Table) Fork() *Table {
	child := NewTable(len(t.files))
	for fd, f := range t.files {
		if f != nil {
			child.files[fd] = f.Dup()
		}
	}
	return child
}

// CloseAll releases every descriptor.
func (t *Table) CloseAll() {
	for fd, f := range t.files {
		if f != nil {
			f.Close()
			t.files[fd] = nil
		}
	}
}

// Count returns the number of open descriptors.
func (t *Table) Count() int {
	n := 0
	for _, f := range t.files {
		if f != nil {
			n++
		}
	}
	return n
}
