package mm

// Level identifies one of the four page table levels. Level4 is the root of
// the paging hierarchy and Level1 holds the entries for 4KiB pages.
type Level uint8

// The paging levels used by 4-level paging.
const (
	Level1 Level = iota + 1
	Level2
	Level3
	Level4
)

// Shift returns the position of the lowest virtual address bit that indexes
// a table at this level.
func (l Level) Shift() uintptr {
	return PageShift + tableIndexBits*uintptr(l-1)
}

// Coverage returns the number of bytes of virtual address space covered by a
// single entry at this level.
func (l Level) Coverage() uintptr {
	return uintptr(1) << l.Shift()
}

// AllowsHuge returns true if a leaf entry for a huge page may be installed at
// this level. Only Level2 (2MiB) and Level3 (1GiB) entries may be huge.
func (l Level) AllowsHuge() bool {
	return l == Level2 || l == Level3
}

// Next returns the level below l. Calling Next on Level1 returns 0.
func (l Level) Next() Level {
	return l - 1
}

func (l Level) String() string {
	switch l {
	case Level1:
		return "L1"
	case Level2:
		return "L2"
	case Level3:
		return "L3"
	case Level4:
		return "L4"
	default:
		return "L?"
	}
}
