package vmm

// PageTableEntryFlag describes a flag that can be applied to a page table entry.
type PageTableEntryFlag uint64

const (
	// FlagPresent is set when the page is available in memory and not swapped out.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode processes can access this page. If
	// not set only kernel code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and write-back
	// caching if cleared.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage is set on Level2 and Level3 entries that map a 2MiB or
	// 1GiB page instead of pointing to the next table. On Level1 entries
	// the same bit selects the PAT.
	FlagHugePage

	// FlagGlobal if set, prevents the TLB from flushing the cached memory address
	// for this page when the swapping page tables by updating the CR3 register.
	FlagGlobal

	// FlagAvailable1 to FlagAvailable3 are ignored by the MMU and free for
	// use by the OS.
	FlagAvailable1
	FlagAvailable2
	FlagAvailable3

	// FlagNoExecute if set, indicates that a page contains non-executable code.
	FlagNoExecute PageTableEntryFlag = 1 << 63
)

const (
	// ptePhysPageMask is a mask that allows us to extract the physical memory
	// address pointed to by a page table entry. For this particular architecture,
	// bits 12-51 contain the physical memory address.
	ptePhysPageMask = uint64(0x000ffffffffff000)

	// bits 52-58 are ignored by the MMU.
	pteSoftwareShift = 52
	pteSoftwareMask  = uint64(0x7f) << pteSoftwareShift

	// bits 59-62 select the protection key when PKE is enabled.
	ptePKeyShift = 59
	ptePKeyMask  = uint64(0xf) << ptePKeyShift

	// intermediateFlags are applied to entries that point to tables created
	// by the walker. The leaf entry is responsible for narrowing access.
	intermediateFlags = FlagPresent | FlagRW | FlagUserAccessible
)

var flagNames = []struct {
	flag PageTableEntryFlag
	name string
}{
	{FlagPresent, "P"},
	{FlagRW, "RW"},
	{FlagUserAccessible, "US"},
	{FlagWriteThroughCaching, "PWT"},
	{FlagDoNotCache, "PCD"},
	{FlagAccessed, "A"},
	{FlagDirty, "D"},
	{FlagHugePage, "PS"},
	{FlagGlobal, "G"},
	{FlagAvailable1, "AVL1"},
	{FlagAvailable2, "AVL2"},
	{FlagAvailable3, "AVL3"},
	{FlagNoExecute, "NX"},
}

// String returns a list of the flag mnemonics separated by '|'.
func (f PageTableEntryFlag) String() string {
	var out []byte
	for _, fn := range flagNames {
		if f&fn.flag == 0 {
			continue
		}
		if len(out) != 0 {
			out = append(out, '|')
		}
		out = append(out, fn.name...)
	}

	if len(out) == 0 {
		return "-"
	}
	return string(out)
}

// ParseFlag returns the flag that corresponds to the supplied name. Both the
// mnemonics used by String and the long names (e.g. "present", "rw",
// "user", "nx") are recognized.
func ParseFlag(name string) (PageTableEntryFlag, bool) {
	switch name {
	case "present", "P", "p":
		return FlagPresent, true
	case "rw", "RW", "writable":
		return FlagRW, true
	case "user", "US", "us":
		return FlagUserAccessible, true
	case "write-through", "PWT", "pwt":
		return FlagWriteThroughCaching, true
	case "no-cache", "PCD", "pcd":
		return FlagDoNotCache, true
	case "global", "G", "g":
		return FlagGlobal, true
	case "nx", "NX", "no-execute":
		return FlagNoExecute, true
	case "avl1", "AVL1":
		return FlagAvailable1, true
	case "avl2", "AVL2":
		return FlagAvailable2, true
	case "avl3", "AVL3":
		return FlagAvailable3, true
	}
	return 0, false
}
