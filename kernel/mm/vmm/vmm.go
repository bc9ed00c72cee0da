// Package vmm implements the x86-64 4-level page table model together with a
// walker that lazily creates intermediate tables and a page-size generic
// mapper built on top of it.
package vmm

import (
	"vmcore/kernel"
	"vmcore/kernel/cpu"
	"vmcore/kernel/mm"
)

var (
	// activePDTFn is used by tests to override calls to activePDT which
	// will cause a fault if called in user-mode.
	activePDTFn = cpu.ActivePDT

	// switchPDTFn is used by tests to override calls to switchPDT which
	// will cause a fault if called in user-mode.
	switchPDTFn = cpu.SwitchPDT

	// flushTLBEntryFn is used by tests to override calls to flushTLBEntry
	// which will cause a fault if called in user-mode.
	flushTLBEntryFn = cpu.FlushTLBEntry

	// giantPagesSupportedFn reports whether the MMU can map 1GiB pages.
	giantPagesSupportedFn = cpu.SupportsGiantPages

	// noExecuteSupportedFn reports whether the MMU honors FlagNoExecute.
	noExecuteSupportedFn = cpu.SupportsNoExecute

	errNoGiantPageSupport = &kernel.Error{Module: "vmm", Message: "1GiB pages are not supported by this CPU"}
	errNoExecuteSupport   = &kernel.Error{Module: "vmm", Message: "no-execute pages are not supported by this CPU"}
)

// SoftwareTLB describes the callbacks that replace the privileged TLB and
// CR3 instructions when page tables are built in a hosted environment.
type SoftwareTLB struct {
	// FlushEntry is invoked instead of invlpg.
	FlushEntry func(mm.VirtualAddr)

	// LoadRoot is invoked instead of a CR3 write.
	LoadRoot func(mm.PhysicalAddr)

	// ActiveRoot is invoked instead of a CR3 read.
	ActiveRoot func() mm.PhysicalAddr

	// GiantPages reports whether 1GiB pages should be accepted.
	GiantPages bool

	// DisableNoExecute makes mappings that request FlagNoExecute fail, emulating
	// a CPU without NX support.
	DisableNoExecute bool
}

// UseSoftwareTLB routes all TLB maintenance and CR3 accesses performed by
// this package through tlb. Unset callbacks become no-ops; ActiveRoot
// defaults to returning the last root passed to LoadRoot.
func UseSoftwareTLB(tlb SoftwareTLB) {
	var root mm.PhysicalAddr

	flushTLBEntryFn = func(addr uintptr) {
		if tlb.FlushEntry != nil {
			tlb.FlushEntry(mm.VirtualAddr(addr))
		}
	}
	switchPDTFn = func(addr uintptr) {
		root = mm.PhysicalAddr(addr)
		if tlb.LoadRoot != nil {
			tlb.LoadRoot(root)
		}
	}
	activePDTFn = func() uintptr {
		if tlb.ActiveRoot != nil {
			return uintptr(tlb.ActiveRoot())
		}
		return uintptr(root)
	}
	giantPagesSupportedFn = func() bool { return tlb.GiantPages }
	noExecuteSupportedFn = func() bool { return !tlb.DisableNoExecute }
}
