// Package pmm implements the physical memory allocators: a buddy allocator
// that manages a fixed region of Depth buckets, a boot memory allocator used
// while the memory subsystem is being set up and a physical memory manager
// that serves page frames from a pool of buddy allocators.
package pmm

import (
	"sort"

	"github.com/sirupsen/logrus"

	"vmcore/kernel"
	"vmcore/kernel/mm"
	"vmcore/kernel/sync"
)

var (
	errNoUsableMemory = &kernel.Error{Module: "pmm", Message: "no usable memory region can hold a buddy chunk"}
	errUnknownFrame   = &kernel.Error{Module: "pmm", Message: "address does not belong to any buddy chunk"}
)

// chunk is a buddy allocator together with the lock that serializes access
// to it.
type chunk struct {
	lock  sync.Spinlock
	buddy BuddyAllocator
}

// Stats summarizes the state of a PhysicalMemoryManager.
type Stats struct {
	Chunks      int
	Allocations int
	Total       mm.Size
	Used        mm.Size
}

// PhysicalMemoryManager partitions the available memory into naturally
// aligned chunks of Depth*granule bytes and manages each chunk with its own
// BuddyAllocator. It is safe for concurrent use.
type PhysicalMemoryManager struct {
	granule uintptr
	chunks  []*chunk
}

// NewPhysicalMemoryManager builds a manager for the available entries of
// regions. Memory that does not fit in a whole chunk is ignored.
func NewPhysicalMemoryManager(regions []MemoryRegion, granule uintptr, log logrus.FieldLogger) (*PhysicalMemoryManager, *kernel.Error) {
	if granule < mm.BasePageSize || granule&(granule-1) != 0 {
		return nil, errInvalidGranule
	}

	var (
		p         = &PhysicalMemoryManager{granule: granule}
		chunkSize = Depth * granule
		available mm.Size
	)
	for _, region := range regions {
		if region.Kind != MemAvailable {
			continue
		}
		available += region.Size()

		start := region.Start.AlignUp(chunkSize)
		for start < region.End && uintptr(region.End-start) >= chunkSize {
			c := new(chunk)
			if err := c.buddy.Init(granule, uintptr(start), chunkSize); err != nil {
				return nil, err
			}
			p.chunks = append(p.chunks, c)
			start = start.Add(chunkSize)
		}
	}

	if len(p.chunks) == 0 {
		return nil, errNoUsableMemory
	}

	sort.Slice(p.chunks, func(i, j int) bool { return p.chunks[i].buddy.Base() < p.chunks[j].buddy.Base() })

	if log != nil {
		managed := mm.Size(uintptr(len(p.chunks)) * chunkSize)
		log.WithFields(logrus.Fields{
			"chunks":  len(p.chunks),
			"granule": mm.Size(granule),
			"managed": managed,
			"ignored": available - managed,
		}).Info("physical memory manager initialized")
	}

	return p, nil
}

// Granule returns the smallest block size served by the manager.
func (p *PhysicalMemoryManager) Granule() uintptr {
	return p.granule
}

// Allocate reserves a naturally aligned block that can hold layout and
// returns its physical address and size. Requests larger than a chunk
// always fail with ErrOutOfMemory.
func (p *PhysicalMemoryManager) Allocate(layout Layout) (mm.PhysicalAddr, uintptr, *kernel.Error) {
	for _, c := range p.chunks {
		c.lock.Acquire()
		addr, size, err := c.buddy.Allocate(layout)
		c.lock.Release()

		if err == nil {
			return mm.PhysicalAddr(addr), size, nil
		}
	}

	return 0, 0, ErrOutOfMemory
}

// Deallocate releases a block returned by Allocate. It panics if addr was
// not handed out by this manager.
func (p *PhysicalMemoryManager) Deallocate(addr mm.PhysicalAddr, layout Layout) {
	c := p.chunkFor(addr)
	if c == nil {
		panic(errUnknownFrame)
	}

	c.lock.Acquire()
	defer c.lock.Release()
	c.buddy.Deallocate(uintptr(addr), layout)
}

// Stats returns a snapshot of the manager's usage counters.
func (p *PhysicalMemoryManager) Stats() Stats {
	stats := Stats{Chunks: len(p.chunks)}
	for _, c := range p.chunks {
		c.lock.Acquire()
		stats.Allocations += c.buddy.Len()
		stats.Used += mm.Size(c.buddy.UsedBytes())
		stats.Total += mm.Size(c.buddy.Size())
		c.lock.Release()
	}
	return stats
}

// ChunkInfo describes the state of a single buddy chunk.
type ChunkInfo struct {
	Base        mm.PhysicalAddr
	Allocations int
	Used        mm.Size
	Bins        []AllocatorBin
}

// Chunks returns a snapshot of every chunk in ascending address order.
func (p *PhysicalMemoryManager) Chunks() []ChunkInfo {
	out := make([]ChunkInfo, 0, len(p.chunks))
	for _, c := range p.chunks {
		c.lock.Acquire()
		out = append(out, ChunkInfo{
			Base:        mm.PhysicalAddr(c.buddy.Base()),
			Allocations: c.buddy.Len(),
			Used:        mm.Size(c.buddy.UsedBytes()),
			Bins:        c.buddy.Bins(),
		})
		c.lock.Release()
	}
	return out
}

func (p *PhysicalMemoryManager) chunkFor(addr mm.PhysicalAddr) *chunk {
	index := sort.Search(len(p.chunks), func(i int) bool {
		return p.chunks[i].buddy.Base() > uintptr(addr)
	}) - 1

	if index < 0 || !p.chunks[index].buddy.Contains(uintptr(addr)) {
		return nil
	}
	return p.chunks[index]
}

// Frames returns a frame allocator for frames of size S backed by p.
// Exhaustion is reported as mm.ErrAlloc.
func Frames[S mm.PageSize](p *PhysicalMemoryManager) mm.FrameAllocator[S] {
	layout := Layout{Size: mm.SizeOf[S](), Align: mm.SizeOf[S]()}
	return mm.FrameAllocatorFn[S](func() (mm.Frame[S], *kernel.Error) {
		addr, _, err := p.Allocate(layout)
		if err != nil {
			return mm.Frame[S]{}, mm.ErrAlloc
		}
		return mm.FrameContaining[S](addr), nil
	})
}

// FreeFrame returns a frame obtained through Frames to p.
func FreeFrame[S mm.PageSize](p *PhysicalMemoryManager, frame mm.Frame[S]) {
	p.Deallocate(frame.Address(), Layout{Size: mm.SizeOf[S](), Align: mm.SizeOf[S]()})
}
