package process

import (
	"errors"
	"sync"
)

// Pipe errors.
var (
	ErrBrokenPipe = errors.New("pipe is broken")
)

const pipeSize = 512

// pipe is a fixed ring buffer between a read end and a write end. Readers
// and writers block by sleeping on the ring counters under the pipe lock.
type pipe struct {
	mu   sync.Mutex
	data [pipeSize]byte
	// nread and nwrite count bytes ever read and written.
	nread  uint
	nwrite uint
	// readopen and writeopen track whether each end is still open.
	readopen  bool
	writeopen bool

	table *Table
}

func newPipe(t *Table) *pipe {
	return &pipe{readopen: true, writeopen: true, table: t}
}

// Close shuts one end and wakes whoever waits on the other.
func (pp *pipe) Close(writable bool) {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	if writable {
		pp.writeopen = false
		pp.table.Wakeup(&pp.nread)
	} else {
		pp.readopen = false
		pp.table.Wakeup(&pp.nwrite)
	}
}

// write copies all of buf into the pipe, sleeping while it is full.
func (pp *pipe) write(p *Proc, buf []byte) (int, error) {
	pp.mu.Lock()
	defer pp.mu.Unlock()

	for i, b := range buf {
		for pp.nwrite == pp.nread+pipeSize {
			if !pp.readopen {
				return i, ErrBrokenPipe
			}
			if p.killed.Load() {
				return i, ErrKilled
			}
			pp.table.Wakeup(&pp.nread)
			pp.table.sleep(p, &pp.nwrite, &pp.mu)
		}
		pp.data[pp.nwrite%pipeSize] = b
		pp.nwrite++
	}
	pp.table.Wakeup(&pp.nread)
	return len(buf), nil
}

// read copies up to len(buf) bytes out of the pipe, sleeping while it is
// empty and the write end is open. It returns 0 at end of file.
func (pp *pipe) read(p *Proc, buf []byte) (int, error) {
	pp.mu.Lock()
	defer pp.mu.Unlock()

	for pp.nread == pp.nwrite && pp.writeopen {
		if p.killed.Load() {
			return 0, ErrKilled
		}
		pp.table.sleep(p, &pp.nread, &pp.mu)
	}

	n := 0
	for n < len(buf) && pp.nread != pp.nwrite {
		buf[n] = pp.data[pp.nread%pipeSize]
		pp.nread++
		n++
	}
	pp.table.Wakeup(&pp.nwrite)
	return n, nil
}
