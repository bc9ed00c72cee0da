package vmm

import (
	"unsafe"

	"vmcore/kernel"
	"vmcore/kernel/mm"
)

// PageTable is one 4KiB page table. Tables are only ever obtained through a
// FrameTranslator so they are always aligned to 4096 bytes.
type PageTable [mm.EntriesPerTable]PageEntry

// Zero clears all entries of the table.
func (t *PageTable) Zero() {
	kernel.Memset(uintptr(unsafe.Pointer(t)), 0, mm.BasePageSize)
}

// Entry returns a pointer to the entry at the supplied index.
func (t *PageTable) Entry(index uint16) *PageEntry {
	return &t[index&(mm.EntriesPerTable-1)]
}

// EntryFor returns the entry that addr selects in a table at the given level.
func (t *PageTable) EntryFor(addr mm.VirtualAddr, level mm.Level) *PageEntry {
	return t.Entry(addr.PageTableIndex(level))
}

// IsEmpty returns true if no entry of the table is in use.
func (t *PageTable) IsEmpty() bool {
	for i := range t {
		if !t[i].IsUnused() {
			return false
		}
	}
	return true
}

// Translation describes the result of a successful address translation.
type Translation struct {
	// Flags of the leaf entry that maps the address.
	Flags PageTableEntryFlag

	// Addr is the physical address that the virtual address maps to.
	Addr mm.PhysicalAddr

	// Offset of the virtual address inside the mapped page.
	Offset uintptr

	// Size of the mapped page.
	Size mm.Size
}

// FrameAddr returns the start address of the physical frame that backs the
// translated page.
func (t Translation) FrameAddr() mm.PhysicalAddr {
	return mm.PhysicalAddr(uintptr(t.Addr) - t.Offset)
}
