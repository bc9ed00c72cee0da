package vmm

import (
	"vmcore/kernel"
	"vmcore/kernel/mm"
)

var errReserveNoSpace = &kernel.Error{Module: "vmm", Message: "remaining virtual address space not large enough to satisfy reservation request"}

// RegionReserver hands out page-aligned contiguous virtual memory regions
// from the window [floor, ceiling). Regions are allocated downwards starting
// at the ceiling and are never returned.
type RegionReserver struct {
	floor    mm.VirtualAddr
	lastUsed mm.VirtualAddr
}

// NewRegionReserver returns a reserver for the window [floor, ceiling). Both
// bounds are aligned to 4KiB.
func NewRegionReserver(floor, ceiling mm.VirtualAddr) *RegionReserver {
	return &RegionReserver{
		floor:    floor.AlignUp(mm.BasePageSize),
		lastUsed: ceiling.AlignDown(mm.BasePageSize),
	}
}

// Reserve reserves a region with the requested size and returns its start
// address. If size is not a multiple of 4KiB it will be automatically rounded
// up.
func (r *RegionReserver) Reserve(size uintptr) (mm.VirtualAddr, *kernel.Error) {
	size = (size + (mm.BasePageSize - 1)) &^ (mm.BasePageSize - 1)

	// reserving a region of the requested size would cross the floor
	if size == 0 || size > uintptr(r.lastUsed-r.floor) {
		return 0, errReserveNoSpace
	}

	r.lastUsed -= mm.VirtualAddr(size)
	return r.lastUsed, nil
}

// Remaining returns the number of bytes that can still be reserved.
func (r *RegionReserver) Remaining() uintptr {
	return uintptr(r.lastUsed - r.floor)
}

// MapRegion reserves the next available region for size bytes, maps the
// physical memory starting at frame into it and returns the first page of the
// region. The size argument is always rounded up to the nearest page boundary.
// Every installed entry is flushed from the TLB.
func MapRegion(r *RegionReserver, pm PageMapper[mm.Size4KiB], frame mm.Frame[mm.Size4KiB], size uintptr, flags PageTableEntryFlag, alloc mm.FrameAllocator[mm.Size4KiB]) (mm.Page[mm.Size4KiB], *kernel.Error) {
	start, err := r.Reserve(size)
	if err != nil {
		return mm.Page[mm.Size4KiB]{}, err
	}

	pages := mm.PageRangeWithSize[mm.Size4KiB](start, size)
	frames := mm.FrameRange[mm.Size4KiB]{Start: frame, End: frame.Add(pages.Len())}
	if err = MapRange(pm, pages, frames, flags, alloc, TLBInvalidate); err != nil {
		return mm.Page[mm.Size4KiB]{}, err
	}

	return pages.Start, nil
}
