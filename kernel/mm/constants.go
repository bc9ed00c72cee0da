package mm

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)). The pointer
	// size for this architecture is defined as (1 << PointerShift).
	PointerShift = uintptr(3)

	// PageShift is equal to log2(BasePageSize). This constant is used when
	// we need to convert a physical address to a frame number (shift right
	// by PageShift) and vice-versa.
	PageShift = uintptr(12)

	// BasePageSize defines the size in bytes of the smallest page supported
	// by the MMU. Page tables always occupy exactly one such page.
	BasePageSize = uintptr(1 << PageShift)

	// EntriesPerTable is the number of entries in a page table at any level.
	EntriesPerTable = 512

	// tableIndexBits is the number of virtual address bits consumed by each
	// paging level.
	tableIndexBits = 9

	// physAddrBits is the number of significant physical address bits.
	physAddrBits = 52

	// virtAddrBits is the number of significant virtual address bits; the
	// remaining upper bits must be a copy of bit virtAddrBits-1.
	virtAddrBits = 48
)
