package pmm

// BinFlags holds the state bits of an AllocatorBin.
type BinFlags uint64

const (
	// BinUsed is set while the block described by the bin is allocated.
	BinUsed BinFlags = 1

	// BinUser1 to BinUser4 are reserved for the layer that owns the
	// allocation and are never interpreted by the allocator.
	BinUser1 BinFlags = 1 << 60
	BinUser2 BinFlags = 1 << 61
	BinUser3 BinFlags = 1 << 62
	BinUser4 BinFlags = 1 << 63

	binUserMask = BinUser1 | BinUser2 | BinUser3 | BinUser4
)

// AllocatorBin describes one block managed by a BuddyAllocator. Start and End
// are bucket indices; the block covers buckets [Start, End).
type AllocatorBin struct {
	Flags BinFlags
	Start uint32
	End   uint32

	// Data is an opaque word owned by the layer that allocated the block.
	Data uintptr
}

// IsEmpty returns true if the slot does not describe a block.
func (b AllocatorBin) IsEmpty() bool {
	return b.End == 0
}

// Buckets returns the number of buckets covered by the block.
func (b AllocatorBin) Buckets() uint32 {
	return b.End - b.Start
}

// IsUsed returns true if the block is allocated.
func (b AllocatorBin) IsUsed() bool {
	return b.Flags&BinUsed != 0
}

func newBin(start, end uint32) AllocatorBin {
	return AllocatorBin{Start: start, End: end}
}

// split halves the block; both halves start out free.
func (b AllocatorBin) split() (AllocatorBin, AllocatorBin) {
	mid := b.Start + b.Buckets()/2
	return newBin(b.Start, mid), newBin(mid, b.End)
}

// merge returns the block covering both b and other.
func (b AllocatorBin) merge(other AllocatorBin) AllocatorBin {
	start, end := b.Start, b.End
	if other.Start < start {
		start = other.Start
	}
	if other.End > end {
		end = other.End
	}
	return newBin(start, end)
}

// buddyOf returns the bucket range of the sibling of the block [start, end).
func buddyOf(start, end uint32) (uint32, uint32) {
	diff := end - start
	if (start/diff)%2 == 0 {
		return end, end + diff
	}
	return start - diff, start
}

// isRight returns true if [start, end) is the right child of its parent.
func isRight(start, end uint32) bool {
	return (start/(end-start))%2 != 0
}
