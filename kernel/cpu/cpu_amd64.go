// Package cpu exposes the privileged x86-64 instructions used by the memory
// subsystem.
package cpu

var (
	cpuidFn = ID
)

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr

// ID returns information about the CPU and its features. It
// is implemented as a CPUID instruction with EAX=leaf and
// returns the values in EAX, EBX, ECX and EDX.
func ID(leaf uint32) (eax, ebx, ecx, edx uint32)

// SupportsGiantPages returns true if the CPU can map 1GiB pages.
func SupportsGiantPages() bool {
	if maxExt, _, _, _ := cpuidFn(0x80000000); maxExt < 0x80000001 {
		return false
	}

	_, _, _, edx := cpuidFn(0x80000001)
	return edx&(1<<26) != 0
}

// SupportsNoExecute returns true if the CPU honors the no-execute bit in page
// table entries.
func SupportsNoExecute() bool {
	if maxExt, _, _, _ := cpuidFn(0x80000000); maxExt < 0x80000001 {
		return false
	}

	_, _, _, edx := cpuidFn(0x80000001)
	return edx&(1<<20) != 0
}
