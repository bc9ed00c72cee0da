package vmm

import (
	"strconv"

	"vmcore/kernel"
	"vmcore/kernel/mm"
)

// PageEntry describes a page table entry. These entries encode a physical
// address (bits 12-51) and a set of flags.
type PageEntry uint64

// IsUnused returns true if every bit of the entry is clear.
func (pte PageEntry) IsUnused() bool {
	return pte == 0
}

// Clear resets the entry to zero.
func (pte *PageEntry) Clear() {
	*pte = 0
}

// IsPresent returns true if the entry has FlagPresent set.
func (pte PageEntry) IsPresent() bool {
	return pte.HasFlags(FlagPresent)
}

// IsHuge returns true if the entry has FlagHugePage set.
func (pte PageEntry) IsHuge() bool {
	return pte.HasFlags(FlagHugePage)
}

// Flags returns all non-address bits of the entry.
func (pte PageEntry) Flags() PageTableEntryFlag {
	return PageTableEntryFlag(uint64(pte) &^ ptePhysPageMask)
}

// HasFlags returns true if this entry has all the input flags set.
func (pte PageEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uint64(pte) & uint64(flags)) == uint64(flags)
}

// HasAnyFlag returns true if this entry has at least one of the input flags set.
func (pte PageEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return (uint64(pte) & uint64(flags)) != 0
}

// SetFlags sets the input list of flags to the page table entry.
func (pte *PageEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = PageEntry(uint64(*pte) | (uint64(flags) &^ ptePhysPageMask))
}

// ClearFlags unsets the input list of flags from the page table entry.
func (pte *PageEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = PageEntry(uint64(*pte) &^ (uint64(flags) &^ ptePhysPageMask))
}

// ReplaceFlags overwrites all non-address bits of the entry with flags while
// keeping the physical address intact.
func (pte *PageEntry) ReplaceFlags(flags PageTableEntryFlag) {
	*pte = PageEntry((uint64(*pte) & ptePhysPageMask) | (uint64(flags) &^ ptePhysPageMask))
}

// Address returns the physical address stored in the entry.
func (pte PageEntry) Address() mm.PhysicalAddr {
	return mm.PhysicalAddr(uint64(pte) & ptePhysPageMask)
}

// SetFrame updates the page table entry to point to the given physical
// address. Bits of addr outside the address field are ignored.
func (pte *PageEntry) SetFrame(addr mm.PhysicalAddr) {
	*pte = PageEntry((uint64(*pte) &^ ptePhysPageMask) | (uint64(addr) & ptePhysPageMask))
}

// Set overwrites the whole entry with the supplied address and flags.
func (pte *PageEntry) Set(addr mm.PhysicalAddr, flags PageTableEntryFlag) {
	*pte = PageEntry((uint64(addr) & ptePhysPageMask) | (uint64(flags) &^ ptePhysPageMask))
}

// Frame returns the 4KiB frame holding the next level table. It returns
// mm.ErrEntryMissing if the entry is not present and mm.ErrUnexpectedHugePage
// if the entry maps a huge page.
func (pte PageEntry) Frame() (mm.Frame[mm.Size4KiB], *kernel.Error) {
	switch {
	case !pte.IsPresent():
		return mm.Frame[mm.Size4KiB]{}, mm.ErrEntryMissing
	case pte.IsHuge():
		return mm.Frame[mm.Size4KiB]{}, mm.ErrUnexpectedHugePage
	default:
		return mm.FrameContaining[mm.Size4KiB](pte.Address()), nil
	}
}

// ProtectionKey returns the protection key stored in bits 59-62.
func (pte PageEntry) ProtectionKey() uint8 {
	return uint8((uint64(pte) & ptePKeyMask) >> ptePKeyShift)
}

// SetProtectionKey stores the lower 4 bits of key in bits 59-62.
func (pte *PageEntry) SetProtectionKey(key uint8) {
	*pte = PageEntry((uint64(*pte) &^ ptePKeyMask) | ((uint64(key) << ptePKeyShift) & ptePKeyMask))
}

// SoftwareBits returns the OS-defined bits 52-58.
func (pte PageEntry) SoftwareBits() uint8 {
	return uint8((uint64(pte) & pteSoftwareMask) >> pteSoftwareShift)
}

// SetSoftwareBits stores the lower 7 bits of bits in bits 52-58.
func (pte *PageEntry) SetSoftwareBits(bits uint8) {
	*pte = PageEntry((uint64(*pte) &^ pteSoftwareMask) | ((uint64(bits) << pteSoftwareShift) & pteSoftwareMask))
}

func (pte PageEntry) String() string {
	if !pte.IsPresent() {
		return "<not present>"
	}
	return pte.Address().String() + " [" + pte.Flags().String() + "] pkey=" + strconv.Itoa(int(pte.ProtectionKey()))
}
