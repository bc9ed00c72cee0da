package pmm

import (
	"sort"

	"github.com/sirupsen/logrus"

	"vmcore/kernel"
	"vmcore/kernel/mm"
)

var errBootAllocOutOfMemory = &kernel.Error{Module: "boot_mem_alloc", Message: "out of memory"}

// MemoryKind describes the type of a MemoryRegion.
type MemoryKind uint8

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryKind = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs
)

// String implements fmt.Stringer for MemoryKind.
func (k MemoryKind) String() string {
	switch k {
	case MemAvailable:
		return "available"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	default:
		return "reserved"
	}
}

// MemoryRegion describes the physical range [Start, End).
type MemoryRegion struct {
	Start mm.PhysicalAddr
	End   mm.PhysicalAddr
	Kind  MemoryKind
}

// Size returns the length of the region.
func (r MemoryRegion) Size() mm.Size {
	if r.End <= r.Start {
		return 0
	}
	return mm.Size(r.End - r.Start)
}

// BootMemAllocator implements a rudimentary physical memory allocator which is
// used to bootstrap the memory subsystem.
//
// The allocator walks the available regions of the memory map in address
// order and returns the next free frame, skipping the reserved range that
// holds the kernel image. Allocated frames can never be freed; once the
// system is initialized the remaining memory is handed over to a
// PhysicalMemoryManager.
type BootMemAllocator struct {
	regions []MemoryRegion

	// next is the lowest address that may be returned by AllocFrame.
	next mm.PhysicalAddr

	// allocCount tracks the total number of allocated frames.
	allocCount uint64

	reservedStart, reservedEnd mm.PhysicalAddr
}

// NewBootMemAllocator returns an allocator over regions that never returns a
// frame overlapping [reservedStart, reservedEnd).
func NewBootMemAllocator(regions []MemoryRegion, reservedStart, reservedEnd mm.PhysicalAddr) *BootMemAllocator {
	sorted := make([]MemoryRegion, len(regions))
	copy(sorted, regions)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	return &BootMemAllocator{
		regions:       sorted,
		reservedStart: reservedStart.AlignDown(mm.BasePageSize),
		reservedEnd:   reservedEnd.AlignUp(mm.BasePageSize),
	}
}

// AllocCount returns the number of frames handed out so far.
func (alloc *BootMemAllocator) AllocCount() uint64 {
	return alloc.allocCount
}

// AllocFrame reserves the next available free frame. It returns an error if
// no more memory can be allocated.
func (alloc *BootMemAllocator) AllocFrame() (mm.Frame[mm.Size4KiB], *kernel.Error) {
	for _, region := range alloc.regions {
		if region.Kind != MemAvailable {
			continue
		}

		// Reported addresses may not be page-aligned; round up to get
		// the start frame and round down to get the end frame
		start, end := region.Start.AlignUp(mm.BasePageSize), region.End.AlignDown(mm.BasePageSize)

		candidate := start
		if alloc.next > candidate {
			candidate = alloc.next
		}

		if candidate >= alloc.reservedStart && candidate < alloc.reservedEnd {
			candidate = alloc.reservedEnd
		}

		if candidate >= end || end-candidate < mm.PhysicalAddr(mm.BasePageSize) {
			continue
		}

		alloc.next = candidate.Add(mm.BasePageSize)
		alloc.allocCount++
		return mm.FrameContaining[mm.Size4KiB](candidate), nil
	}

	return mm.Frame[mm.Size4KiB]{}, errBootAllocOutOfMemory
}

// Remaining returns the available memory that has not been handed out yet,
// excluding the reserved range.
func (alloc *BootMemAllocator) Remaining() []MemoryRegion {
	var out []MemoryRegion
	add := func(start, end mm.PhysicalAddr) {
		if start < end {
			out = append(out, MemoryRegion{Start: start, End: end, Kind: MemAvailable})
		}
	}

	for _, region := range alloc.regions {
		if region.Kind != MemAvailable {
			continue
		}

		start, end := region.Start.AlignUp(mm.BasePageSize), region.End.AlignDown(mm.BasePageSize)
		if alloc.next > start {
			start = alloc.next
		}

		if start < alloc.reservedEnd && alloc.reservedStart < end {
			add(start, alloc.reservedStart)
			add(alloc.reservedEnd, end)
			continue
		}
		add(start, end)
	}

	return out
}

// LogMemoryMap writes the memory map and the reserved range to log.
func (alloc *BootMemAllocator) LogMemoryMap(log logrus.FieldLogger) {
	var totalFree mm.Size
	for _, region := range alloc.regions {
		log.WithFields(logrus.Fields{
			"start": region.Start,
			"end":   region.End,
			"size":  region.Size(),
			"type":  region.Kind,
		}).Info("memory region")

		if region.Kind == MemAvailable {
			totalFree += region.Size()
		}
	}

	log.WithFields(logrus.Fields{
		"available":      totalFree,
		"reserved_start": alloc.reservedStart,
		"reserved_end":   alloc.reservedEnd,
		"reserved_pages": uint64(alloc.reservedEnd-alloc.reservedStart) >> mm.PageShift,
	}).Info("boot memory allocator ready")
}
