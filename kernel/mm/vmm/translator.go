package vmm

import (
	"unsafe"

	"vmcore/kernel/mm"
)

// FrameTranslator converts the physical frame of a page table into a pointer
// that the running code can dereference. Callers must only pass frames that
// hold a page table.
type FrameTranslator interface {
	TranslateFrame(frame mm.Frame[mm.Size4KiB]) *PageTable
}

// IdentityTranslator accesses tables at their physical address. It can only
// be used while physical memory is identity mapped (e.g. during early boot).
type IdentityTranslator struct{}

// TranslateFrame implements FrameTranslator.
func (IdentityTranslator) TranslateFrame(frame mm.Frame[mm.Size4KiB]) *PageTable {
	return tableAt(uintptr(frame.Address()))
}

// OffsetTranslator accesses tables through a linear mapping of all physical
// memory that starts at virtual address Offset.
type OffsetTranslator struct {
	Offset uintptr
}

// TranslateFrame implements FrameTranslator.
func (t OffsetTranslator) TranslateFrame(frame mm.Frame[mm.Size4KiB]) *PageTable {
	return tableAt(uintptr(frame.Address()) + t.Offset)
}

// tableAt is the single place where an address is reinterpreted as a table.
func tableAt(addr uintptr) *PageTable {
	return (*PageTable)(unsafe.Pointer(addr))
}
