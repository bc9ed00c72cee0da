// Package physmem simulates physical memory on a hosted system. An Arena is
// an anonymous host mapping whose bytes stand in for the physical address
// range [0, Size). Page tables stored in an arena can be accessed by an
// offset translator that uses Offset as its linear mapping offset.
package physmem

import (
	"unsafe"

	"github.com/go-errors/errors"
	"golang.org/x/sys/unix"

	"vmcore/kernel"
	"vmcore/kernel/mm"
)

var (
	errArenaSize = &kernel.Error{Module: "physmem", Message: "arena size must be a non-zero multiple of 4KiB"}
	errOutside   = &kernel.Error{Module: "physmem", Message: "physical range lies outside the arena"}
)

// Arena is a block of host memory that backs a simulated physical address
// space.
type Arena struct {
	mem []byte
}

// New maps an arena of size bytes. The arena contents are zeroed.
func New(size uintptr) (*Arena, error) {
	if size == 0 || size&(mm.BasePageSize-1) != 0 {
		return nil, errors.New(errArenaSize)
	}

	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, errors.WrapPrefix(err, "mmap physical memory arena", 0)
	}

	return &Arena{mem: mem}, nil
}

// Close unmaps the arena. Any pointer into the arena becomes invalid.
func (a *Arena) Close() error {
	if a.mem == nil {
		return nil
	}

	mem := a.mem
	a.mem = nil
	if err := unix.Munmap(mem); err != nil {
		return errors.WrapPrefix(err, "munmap physical memory arena", 0)
	}
	return nil
}

// Size returns the size of the simulated physical address space.
func (a *Arena) Size() uintptr {
	return uintptr(len(a.mem))
}

// Offset returns the host virtual address of simulated physical address 0.
func (a *Arena) Offset() uintptr {
	if len(a.mem) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&a.mem[0]))
}

// End returns the first physical address past the arena.
func (a *Arena) End() mm.PhysicalAddr {
	return mm.PhysicalAddr(len(a.mem))
}

// Contains returns true if [addr, addr+size) lies inside the arena.
func (a *Arena) Contains(addr mm.PhysicalAddr, size uintptr) bool {
	return uintptr(addr) <= a.Size() && size <= a.Size()-uintptr(addr)
}

// HostAddr returns the host virtual address that backs addr.
func (a *Arena) HostAddr(addr mm.PhysicalAddr) uintptr {
	return a.Offset() + uintptr(addr)
}

// Bytes returns the arena bytes backing [addr, addr+size).
func (a *Arena) Bytes(addr mm.PhysicalAddr, size uintptr) ([]byte, *kernel.Error) {
	if !a.Contains(addr, size) {
		return nil, errOutside
	}
	return a.mem[addr : uintptr(addr)+size : uintptr(addr)+size], nil
}
