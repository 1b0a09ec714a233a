// Package workload holds the user programs the vmkernel command can run as
// init. Each one exercises a part of the memory and process subsystems and
// exits non-zero when it observes something wrong.
package workload

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"vmkernel/pkg/file"
	"vmkernel/pkg/mem"
	"vmkernel/pkg/process"
	"vmkernel/pkg/vm"
)

// ErrUnknown is returned by Lookup for a name with no workload.
var ErrUnknown = errors.New("unknown workload")

// Workload is a named init program.
type Workload struct {
	Name        string
	Description string
	Main        process.Main
}

const (
	rw          = vm.ProtRead | vm.ProtWrite
	anonPrivate = vm.MapPrivate | vm.MapAnonymous
	anonShared  = vm.MapShared | vm.MapAnonymous
)

var registry = map[string]Workload{
	"mmap": {
		Name:        "mmap",
		Description: "map, fill, unmap and remap anonymous regions",
		Main:        mmapDemo,
	},
	"fork": {
		Name:        "fork",
		Description: "fork a child and compare private and shared regions",
		Main:        forkDemo,
	},
	"growsup": {
		Name:        "growsup",
		Description: "grow a region page by page through faults",
		Main:        growsUpDemo,
	},
	"filemap": {
		Name:        "filemap",
		Description: "map a file shared, modify it and read the write-back",
		Main:        fileMapDemo,
	},
	"pipe": {
		Name:        "pipe",
		Description: "stream bytes from a child through a pipe",
		Main:        pipeDemo,
	},
}

// Lookup returns the workload called name.
func Lookup(name string) (Workload, error) {
	w, ok := registry[name]
	if !ok {
		return Workload{}, fmt.Errorf("%w: %q (valid: %v)", ErrUnknown, name, Names())
	}
	return w, nil
}

// Names lists every workload name in order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// fail logs why a workload gave up and returns its exit status.
func fail(p *process.Proc, msg string, err error) int {
	p.Logger().Error(msg, zap.Error(err))
	return 1
}

func mmapDemo(p *process.Proc) int {
	log := p.Logger()

	base, err := p.Mmap(0, 3*mem.PageSize, rw, anonPrivate, -1, 0)
	if err != nil {
		return fail(p, "mmap", err)
	}
	log.Info("mapped", zap.Uintptr("base", base), zap.Int("pages", 3))

	msg := []byte("written through the page table")
	for i := uintptr(0); i < 3; i++ {
		p.Store(base+i*mem.PageSize, msg)
	}
	buf := make([]byte, len(msg))
	p.Load(base+2*mem.PageSize, buf)
	if !bytes.Equal(buf, msg) {
		return fail(p, "readback", fmt.Errorf("got %q", buf))
	}

	fixed := base + 8*mem.PageSize
	if _, err := p.Mmap(fixed, mem.PageSize, vm.ProtRead, anonPrivate|vm.MapFixed, -1, 0); err != nil {
		return fail(p, "fixed mmap", err)
	}
	if _, err := p.Mmap(fixed, mem.PageSize, rw, anonPrivate|vm.MapFixed, -1, 0); !errors.Is(err, vm.ErrAlreadyMapped) {
		return fail(p, "overlapping fixed mmap accepted", err)
	}
	if err := p.Munmap(base+mem.PageSize, mem.PageSize); !errors.Is(err, vm.ErrPartialUnmap) {
		return fail(p, "partial munmap accepted", err)
	}

	if err := p.Munmap(base, 3*mem.PageSize); err != nil {
		return fail(p, "munmap", err)
	}
	if err := p.Munmap(fixed, mem.PageSize); err != nil {
		return fail(p, "munmap fixed", err)
	}

	again, err := p.Mmap(0, mem.PageSize, rw, anonPrivate, -1, 0)
	if err != nil {
		return fail(p, "remap", err)
	}
	p.Load(again, buf)
	if !bytes.Equal(buf, make([]byte, len(buf))) {
		return fail(p, "remapped page not zeroed", fmt.Errorf("got %q", buf))
	}
	log.Info("remapped", zap.Uintptr("base", again), zap.Bool("reused", again == base))
	return 0
}

func forkDemo(p *process.Proc) int {
	private, err := p.Mmap(0, mem.PageSize, rw, anonPrivate, -1, 0)
	if err != nil {
		return fail(p, "mmap private", err)
	}
	shared, err := p.Mmap(0, mem.PageSize, rw, anonShared, -1, 0)
	if err != nil {
		return fail(p, "mmap shared", err)
	}
	p.Store(private, []byte("parent"))
	p.Store(shared, []byte("parent"))

	pid, err := p.Fork(func(c *process.Proc) int {
		c.Store(private, []byte("child!"))
		c.Store(shared, []byte("child!"))
		return 7
	})
	if err != nil {
		return fail(p, "fork", err)
	}
	wpid, status, err := p.Wait()
	if err != nil {
		return fail(p, "wait", err)
	}
	p.Logger().Info("child reaped",
		zap.Int("pid", wpid), zap.Int("status", status), zap.Bool("match", wpid == pid))

	buf := make([]byte, 6)
	p.Load(private, buf)
	if string(buf) != "parent" {
		return fail(p, "private region changed by child", fmt.Errorf("got %q", buf))
	}
	p.Load(shared, buf)
	if string(buf) != "child!" {
		return fail(p, "shared region not updated by child", fmt.Errorf("got %q", buf))
	}
	return 0
}

func growsUpDemo(p *process.Proc) int {
	base, err := p.Mmap(0, mem.PageSize, rw, anonPrivate|vm.MapGrowsUp, -1, 0)
	if err != nil {
		return fail(p, "mmap", err)
	}
	for i := uintptr(1); i <= 4; i++ {
		p.Store(base+i*mem.PageSize, []byte{byte(i)})
	}
	r, ok := p.AddressSpace().Regions().At(base)
	if !ok {
		return fail(p, "region lost", vm.ErrNoRegion)
	}
	p.Logger().Info("region grown", zap.Uintptr("base", base), zap.Int("pages", r.Pages()))
	if r.Pages() != 5 {
		return fail(p, "unexpected size", fmt.Errorf("%d pages", r.Pages()))
	}
	return 0
}

func fileMapDemo(p *process.Proc) int {
	const path = "/motd"

	fd, err := p.Open(path, file.OCreate|file.ORdWr)
	if err != nil {
		return fail(p, "open", err)
	}
	heap, err := p.Sbrk(mem.PageSize)
	if err != nil {
		return fail(p, "sbrk", err)
	}
	p.Store(heap, []byte("hello from the file"))
	if _, err := p.Write(fd, heap, 19); err != nil {
		return fail(p, "write", err)
	}

	base, err := p.Mmap(0, mem.PageSize, rw, vm.MapShared, fd, 0)
	if err != nil {
		return fail(p, "mmap", err)
	}
	p.Store(base, []byte("HELLO"))
	if err := p.Munmap(base, mem.PageSize); err != nil {
		return fail(p, "munmap", err)
	}
	if err := p.Close(fd); err != nil {
		return fail(p, "close", err)
	}

	fd, err = p.Open(path, file.ORdOnly)
	if err != nil {
		return fail(p, "reopen", err)
	}
	n, err := p.Read(fd, heap, mem.PageSize)
	p.Close(fd)
	if err != nil {
		return fail(p, "read", err)
	}
	// The whole page went back, so the file is now one page long.
	buf := make([]byte, n)
	p.Load(heap, buf)
	want := []byte("HELLO from the file")
	p.Logger().Info("file after write-back", zap.Int("size", n), zap.ByteString("head", buf[:min(n, len(want))]))
	if n != mem.PageSize || !bytes.HasPrefix(buf, want) {
		return fail(p, "write-back missing", fmt.Errorf("got %d bytes starting %q", n, buf[:min(n, len(want))]))
	}
	return 0
}

func pipeDemo(p *process.Proc) int {
	rfd, wfd, err := p.Pipe()
	if err != nil {
		return fail(p, "pipe", err)
	}
	const total = 4 * mem.PageSize

	_, err = p.Fork(func(c *process.Proc) int {
		c.Close(rfd)
		va, err := c.Sbrk(mem.PageSize)
		if err != nil {
			return 1
		}
		chunk := bytes.Repeat([]byte{'x'}, mem.PageSize)
		c.Store(va, chunk)
		for sent := 0; sent < total; sent += mem.PageSize {
			if _, err := c.Write(wfd, va, mem.PageSize); err != nil {
				return 1
			}
		}
		c.Close(wfd)
		return 0
	})
	if err != nil {
		return fail(p, "fork", err)
	}
	p.Close(wfd)

	va, err := p.Sbrk(mem.PageSize)
	if err != nil {
		return fail(p, "sbrk", err)
	}
	got := 0
	for {
		n, err := p.Read(rfd, va, mem.PageSize)
		if err != nil {
			return fail(p, "read", err)
		}
		if n == 0 {
			break
		}
		got += n
	}
	p.Close(rfd)
	if _, _, err := p.Wait(); err != nil {
		return fail(p, "wait", err)
	}
	p.Logger().Info("pipe drained", zap.Int("bytes", got))
	if got != total {
		return fail(p, "short pipe transfer", fmt.Errorf("%d of %d bytes", got, total))
	}
	return 0
}
