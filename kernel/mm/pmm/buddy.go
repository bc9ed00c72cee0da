package pmm

import (
	"math/bits"

	"vmcore/kernel"
)

// Depth is the number of buckets managed by a single BuddyAllocator.
const Depth = 64

var (
	// ErrOutOfMemory is returned when an allocation request cannot be
	// satisfied.
	ErrOutOfMemory = &kernel.Error{Module: "buddy_alloc", Message: "out of memory"}

	errInvalidGranule = &kernel.Error{Module: "buddy_alloc", Message: "granule must be a non-zero power of two"}
	errInvalidRegion  = &kernel.Error{Module: "buddy_alloc", Message: "region must be granule aligned and span exactly Depth granules"}
	errInvalidBin     = &kernel.Error{Module: "buddy_alloc", Message: "pointer is at an invalid bin or doesn't belong to this allocator"}
	errNotAllocated   = &kernel.Error{Module: "buddy_alloc", Message: "block is not allocated"}
	errGrowSmaller    = &kernel.Error{Module: "buddy_alloc", Message: "new layout is smaller than the old layout"}
	errShrinkLarger   = &kernel.Error{Module: "buddy_alloc", Message: "new layout is larger than the old layout"}
)

// Layout describes the size and alignment of an allocation request.
type Layout struct {
	Size  uintptr
	Align uintptr
}

// LayoutOf returns a layout for size bytes with no alignment requirement.
func LayoutOf(size uintptr) Layout {
	return Layout{Size: size, Align: 1}
}

// BuddyAllocator manages a contiguous region of Depth*granule bytes as a
// binary tree of power of two sized blocks. Block descriptors are kept in a
// fixed table indexed by the first bucket of each block and a 64-bit mask
// records which blocks are allocated, so the allocator needs no memory of its
// own.
//
// A BuddyAllocator is not safe for concurrent use; callers must provide their
// own synchronization.
type BuddyAllocator struct {
	bins     [Depth]AllocatorBin
	usedMask uint64
	base     uintptr
	granule  uintptr
}

// NewBuddyAllocator returns an allocator for the region [base, base+size).
func NewBuddyAllocator(granule, base, size uintptr) (*BuddyAllocator, *kernel.Error) {
	b := new(BuddyAllocator)
	if err := b.Init(granule, base, size); err != nil {
		return nil, err
	}
	return b, nil
}

// Init sets up the allocator for the region [base, base+size). The granule
// must be a power of two, base must be granule aligned and size must be equal
// to Depth*granule. After Init the whole region is available as a single
// block.
func (b *BuddyAllocator) Init(granule, base, size uintptr) *kernel.Error {
	if granule == 0 || granule&(granule-1) != 0 {
		return errInvalidGranule
	}

	if base&(granule-1) != 0 || size != Depth*granule {
		return errInvalidRegion
	}

	*b = BuddyAllocator{base: base, granule: granule}
	b.bins[0] = newBin(0, Depth)
	return nil
}

// Granule returns the size of the smallest block in bytes.
func (b *BuddyAllocator) Granule() uintptr { return b.granule }

// Base returns the start address of the managed region.
func (b *BuddyAllocator) Base() uintptr { return b.base }

// Size returns the size of the managed region in bytes.
func (b *BuddyAllocator) Size() uintptr { return Depth * b.granule }

// Len returns the number of allocated blocks.
func (b *BuddyAllocator) Len() int {
	return bits.OnesCount64(b.usedMask)
}

// IsEmpty returns true if no block is allocated.
func (b *BuddyAllocator) IsEmpty() bool {
	return b.usedMask == 0
}

// Contains returns true if addr lies inside the managed region.
func (b *BuddyAllocator) Contains(addr uintptr) bool {
	return addr >= b.base && addr-b.base < b.Size()
}

// UsedBytes returns the total size of all allocated blocks.
func (b *BuddyAllocator) UsedBytes() uintptr {
	var used uintptr
	for mask := b.usedMask; mask != 0; mask &= mask - 1 {
		used += b.binSize(b.bins[bits.TrailingZeros64(mask)])
	}
	return used
}

// HaveBucketsFor is a fast, conservative check that returns false if no free
// block of size bytes can possibly exist. Size must be a power of two between
// the granule and the region size.
func (b *BuddyAllocator) HaveBucketsFor(size uintptr) bool {
	level := size / b.granule
	if level == 0 || level > Depth {
		return false
	}

	var mask uint64
	for i := uintptr(0); i < Depth; i += level {
		mask |= 1 << i
	}

	return uint64(bits.OnesCount64(b.usedMask&mask)) != uint64(Depth/level)
}

// Bins returns a copy of all block descriptors in ascending address order.
func (b *BuddyAllocator) Bins() []AllocatorBin {
	out := make([]AllocatorBin, 0, Depth)
	for i := range b.bins {
		if !b.bins[i].IsEmpty() {
			out = append(out, b.bins[i])
		}
	}
	return out
}

// BinFor returns the descriptor of the block that starts at addr.
func (b *BuddyAllocator) BinFor(addr uintptr) (AllocatorBin, bool) {
	index, ok := b.indexFor(addr)
	if !ok {
		return AllocatorBin{}, false
	}
	return b.bins[index], true
}

// SetBinData stores data and the user bits of flags in the descriptor of the
// allocated block that starts at addr.
func (b *BuddyAllocator) SetBinData(addr uintptr, flags BinFlags, data uintptr) *kernel.Error {
	index, ok := b.indexFor(addr)
	if !ok {
		return errInvalidBin
	}
	if !b.isUsed(index) {
		return errNotAllocated
	}

	bin := &b.bins[index]
	bin.Flags = (bin.Flags &^ binUserMask) | (flags & binUserMask)
	bin.Data = data
	return nil
}

// Allocate reserves a block large enough for layout and returns its address
// together with the usable size of the block. Blocks are aligned relative to
// the region base, so an alignment that base itself does not satisfy can
// never be served.
func (b *BuddyAllocator) Allocate(layout Layout) (uintptr, uintptr, *kernel.Error) {
	size := b.blockSize(layout)
	if size > b.Size() || !b.canAlign(layout) || !b.HaveBucketsFor(size) {
		return 0, 0, ErrOutOfMemory
	}

	step := uint32(size / b.granule)
	for index := uint32(0); index < Depth; index += step {
		if !b.availableFor(index, size) {
			continue
		}

		for size <= b.binSize(b.bins[index])/2 {
			b.splitAt(index)
		}

		b.markUsed(index)
		return b.addrFor(index), b.binSize(b.bins[index]), nil
	}

	return 0, 0, ErrOutOfMemory
}

// Deallocate returns the block at addr to the allocator, merging it with its
// free buddies. It panics if addr does not refer to an allocated block of this
// allocator or if layout is larger than the block.
func (b *BuddyAllocator) Deallocate(addr uintptr, layout Layout) {
	index := b.mustAllocated(addr, layout)
	b.markUnused(index)

	for {
		bin := b.bins[index]
		buddyStart, buddyEnd := buddyOf(bin.Start, bin.End)
		if buddyStart >= Depth || buddyEnd > Depth {
			return
		}

		buddy := b.bins[buddyStart]
		if buddy.IsEmpty() || buddy.Buckets() != bin.Buckets() || b.isUsed(buddyStart) {
			return
		}

		merged := bin.merge(buddy)
		b.bins[bin.Start] = AllocatorBin{}
		b.bins[buddy.Start] = AllocatorBin{}
		b.bins[merged.Start] = merged
		index = merged.Start
	}
}

// Grow resizes the block at addr so it can hold newLayout. If the block can
// be extended by merging it with free right buddies, addr is returned
// unchanged. Otherwise a new block is allocated, the first oldLayout.Size
// bytes are copied over and the old block is released. On error the old block
// is left untouched.
func (b *BuddyAllocator) Grow(addr uintptr, oldLayout, newLayout Layout) (uintptr, *kernel.Error) {
	if newLayout.Size < oldLayout.Size {
		panic(errGrowSmaller)
	}

	index := b.mustAllocated(addr, oldLayout)

	target := b.blockSize(newLayout)
	if target > b.Size() || !b.canAlign(newLayout) {
		return 0, ErrOutOfMemory
	}

	if target <= b.binSize(b.bins[index]) {
		return addr, nil
	}

	if b.canGrowInPlace(index, target) {
		for b.binSize(b.bins[index]) < target {
			bin := b.bins[index]
			buddyStart, _ := buddyOf(bin.Start, bin.End)

			merged := bin.merge(b.bins[buddyStart])
			merged.Flags, merged.Data = bin.Flags, bin.Data
			b.bins[buddyStart] = AllocatorBin{}
			b.bins[index] = merged
		}
		return addr, nil
	}

	newAddr, _, err := b.Allocate(newLayout)
	if err != nil {
		return 0, err
	}

	kernel.Memcopy(addr, newAddr, oldLayout.Size)
	b.Deallocate(addr, oldLayout)
	return newAddr, nil
}

// GrowZeroed behaves like Grow but also clears the bytes between
// oldLayout.Size and newLayout.Size.
func (b *BuddyAllocator) GrowZeroed(addr uintptr, oldLayout, newLayout Layout) (uintptr, *kernel.Error) {
	newAddr, err := b.Grow(addr, oldLayout, newLayout)
	if err != nil {
		return 0, err
	}

	kernel.Memset(newAddr+oldLayout.Size, 0, newLayout.Size-oldLayout.Size)
	return newAddr, nil
}

// Shrink splits the block at addr in place until it is the smallest block
// that can still hold newLayout. The released upper halves become available
// for allocation. The block address never changes.
func (b *BuddyAllocator) Shrink(addr uintptr, oldLayout, newLayout Layout) (uintptr, *kernel.Error) {
	if newLayout.Size > oldLayout.Size {
		panic(errShrinkLarger)
	}

	index := b.mustAllocated(addr, oldLayout)

	size := b.blockSize(newLayout)
	for size <= b.binSize(b.bins[index])/2 {
		flags, data := b.bins[index].Flags, b.bins[index].Data
		b.splitAt(index)
		b.bins[index].Flags, b.bins[index].Data = flags, data
	}

	return addr, nil
}

// blockSize returns the size of the block that serves layout. Requests larger
// than the region report a size no block can have.
func (b *BuddyAllocator) blockSize(layout Layout) uintptr {
	size := layout.Size
	if layout.Align > size {
		size = layout.Align
	}

	switch {
	case size > b.Size():
		return ^uintptr(0)
	case size <= b.granule:
		return b.granule
	}
	return uintptr(1) << bits.Len64(uint64(size-1))
}

// canAlign returns true if blocks of this allocator can satisfy the absolute
// alignment of layout.
func (b *BuddyAllocator) canAlign(layout Layout) bool {
	if layout.Align <= b.granule {
		return true
	}
	return b.base&(layout.Align-1) == 0
}

func (b *BuddyAllocator) binSize(bin AllocatorBin) uintptr {
	return uintptr(bin.Buckets()) * b.granule
}

func (b *BuddyAllocator) addrFor(index uint32) uintptr {
	return b.base + uintptr(index)*b.granule
}

// indexFor returns the index of the block that starts at addr.
func (b *BuddyAllocator) indexFor(addr uintptr) (uint32, bool) {
	if !b.Contains(addr) || (addr-b.base)&(b.granule-1) != 0 {
		return 0, false
	}

	index := uint32((addr - b.base) / b.granule)
	if b.bins[index].IsEmpty() {
		return 0, false
	}
	return index, true
}

// mustAllocated returns the index of the allocated block at addr or panics if
// addr and layout do not describe an allocated block.
func (b *BuddyAllocator) mustAllocated(addr uintptr, layout Layout) uint32 {
	index, ok := b.indexFor(addr)
	if !ok || b.blockSize(layout) > b.binSize(b.bins[index]) {
		panic(errInvalidBin)
	}

	if !b.isUsed(index) {
		panic(errNotAllocated)
	}

	return index
}

func (b *BuddyAllocator) isUsed(index uint32) bool {
	return b.usedMask&(1<<index) != 0
}

func (b *BuddyAllocator) markUsed(index uint32) {
	b.usedMask |= 1 << index
	b.bins[index].Flags |= BinUsed
}

func (b *BuddyAllocator) markUnused(index uint32) {
	b.usedMask &^= 1 << index
	b.bins[index].Flags = 0
	b.bins[index].Data = 0
}

func (b *BuddyAllocator) availableFor(index uint32, size uintptr) bool {
	bin := b.bins[index]
	return !bin.IsEmpty() && !b.isUsed(index) && size <= b.binSize(bin)
}

// splitAt halves the free or allocated block at index. The left half keeps
// the index; the right half is registered as a new free block.
func (b *BuddyAllocator) splitAt(index uint32) {
	left, right := b.bins[index].split()
	b.bins[left.Start] = left
	b.bins[right.Start] = right
	if b.isUsed(index) {
		b.bins[index].Flags |= BinUsed
	}
}

// canGrowInPlace returns true if the block at index can reach target bytes by
// repeatedly merging with free, equally sized right buddies.
func (b *BuddyAllocator) canGrowInPlace(index uint32, target uintptr) bool {
	start, end := index, b.bins[index].End
	for uintptr(end-start)*b.granule < target {
		buddyStart, buddyEnd := buddyOf(start, end)
		if !isRight(buddyStart, buddyEnd) || buddyEnd > Depth {
			return false
		}

		buddy := b.bins[buddyStart]
		if buddy.IsEmpty() || buddy.End != buddyEnd || b.isUsed(buddyStart) {
			return false
		}

		end = buddyEnd
	}
	return true
}
