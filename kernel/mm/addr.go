package mm

import (
	"strconv"

	"vmcore/kernel"
)

var (
	errNonCanonical = &kernel.Error{Module: "mm", Message: "virtual address is not canonical"}
	errPhysTooLarge = &kernel.Error{Module: "mm", Message: "physical address exceeds 52 bits"}
)

const (
	physAddrMask   = uintptr(1)<<physAddrBits - 1
	pageOffsetMask = BasePageSize - 1
	indexMask      = uintptr(EntriesPerTable - 1)
)

// VirtualAddr is a canonical 64-bit virtual address: bits 48-63 are always a
// copy of bit 47.
type VirtualAddr uintptr

// NewVirtualAddr validates addr and returns it as a VirtualAddr. Addresses
// whose bits 47-63 are all clear or all set are accepted unchanged. An address
// whose only set bit above bit 46 is bit 47 is sign extended. Any other
// address is rejected.
func NewVirtualAddr(addr uint64) (VirtualAddr, *kernel.Error) {
	switch addr >> (virtAddrBits - 1) {
	case 0, 0x1ffff:
		return VirtualAddr(addr), nil
	case 1:
		return CanonicalVirtualAddr(addr), nil
	default:
		return 0, errNonCanonical
	}
}

// CanonicalVirtualAddr sign extends bit 47 of addr into bits 48-63.
func CanonicalVirtualAddr(addr uint64) VirtualAddr {
	return VirtualAddr(uint64(int64(addr<<(64-virtAddrBits)) >> (64 - virtAddrBits)))
}

// IsCanonical returns true if bits 48-63 of addr are a copy of bit 47.
func (addr VirtualAddr) IsCanonical() bool {
	top := uint64(addr) >> (virtAddrBits - 1)
	return top == 0 || top == 0x1ffff
}

// Uint64 returns the raw address value.
func (addr VirtualAddr) Uint64() uint64 { return uint64(addr) }

// Pointer returns the address as a uintptr.
func (addr VirtualAddr) Pointer() uintptr { return uintptr(addr) }

// PageTableIndex returns the 9-bit index into the page table at the given
// level that corresponds to this address.
func (addr VirtualAddr) PageTableIndex(level Level) uint16 {
	return uint16((uintptr(addr) >> level.Shift()) & indexMask)
}

// PageOffset returns the offset of this address inside its 4KiB page.
func (addr VirtualAddr) PageOffset() uintptr {
	return uintptr(addr) & pageOffsetMask
}

// OffsetIn returns the offset of this address inside a page of pageSize bytes.
// pageSize must be a power of two.
func (addr VirtualAddr) OffsetIn(pageSize uintptr) uintptr {
	return uintptr(addr) & (pageSize - 1)
}

// AlignDown rounds the address down to a multiple of align which must be a
// power of two.
func (addr VirtualAddr) AlignDown(align uintptr) VirtualAddr {
	return VirtualAddr(uintptr(addr) &^ (align - 1))
}

// AlignUp rounds the address up to a multiple of align which must be a power
// of two.
func (addr VirtualAddr) AlignUp(align uintptr) VirtualAddr {
	return VirtualAddr((uintptr(addr) + align - 1) &^ (align - 1))
}

// IsAligned returns true if the address is a multiple of align.
func (addr VirtualAddr) IsAligned(align uintptr) bool {
	return uintptr(addr)&(align-1) == 0
}

// Add returns the canonical address located delta bytes after addr.
func (addr VirtualAddr) Add(delta uintptr) VirtualAddr {
	return CanonicalVirtualAddr(uint64(uintptr(addr) + delta))
}

func (addr VirtualAddr) String() string {
	return "0x" + strconv.FormatUint(uint64(addr), 16)
}

// PhysicalAddr is a physical memory address. Only the lower 52 bits are
// significant.
type PhysicalAddr uintptr

// NewPhysicalAddr returns addr as a PhysicalAddr or an error if it uses more
// than 52 bits.
func NewPhysicalAddr(addr uint64) (PhysicalAddr, *kernel.Error) {
	if uintptr(addr)&^physAddrMask != 0 {
		return 0, errPhysTooLarge
	}
	return PhysicalAddr(addr), nil
}

// TruncPhysicalAddr discards the bits of addr above bit 51.
func TruncPhysicalAddr(addr uint64) PhysicalAddr {
	return PhysicalAddr(uintptr(addr) & physAddrMask)
}

// Uint64 returns the raw address value.
func (addr PhysicalAddr) Uint64() uint64 { return uint64(addr) }

// AlignDown rounds the address down to a multiple of align which must be a
// power of two.
func (addr PhysicalAddr) AlignDown(align uintptr) PhysicalAddr {
	return PhysicalAddr(uintptr(addr) &^ (align - 1))
}

// AlignUp rounds the address up to a multiple of align which must be a power
// of two.
func (addr PhysicalAddr) AlignUp(align uintptr) PhysicalAddr {
	return PhysicalAddr((uintptr(addr) + align - 1) &^ (align - 1))
}

// IsAligned returns true if the address is a multiple of align.
func (addr PhysicalAddr) IsAligned(align uintptr) bool {
	return uintptr(addr)&(align-1) == 0
}

// Add returns the address located delta bytes after addr.
func (addr PhysicalAddr) Add(delta uintptr) PhysicalAddr {
	return TruncPhysicalAddr(uint64(uintptr(addr) + delta))
}

func (addr PhysicalAddr) String() string {
	return "0x" + strconv.FormatUint(uint64(addr), 16)
}
