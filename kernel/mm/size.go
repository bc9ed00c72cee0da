package mm

import "strconv"

// Size represents a memory block size in bytes.
type Size uint64

// Common memory block sizes.
const (
	Byte Size = 1
	Kb        = 1024 * Byte
	Mb        = 1024 * Kb
	Gb        = 1024 * Mb
)

// String returns a human readable version of the size using the largest unit
// that divides it exactly.
func (s Size) String() string {
	switch {
	case s != 0 && s%Gb == 0:
		return strconv.FormatUint(uint64(s/Gb), 10) + "GiB"
	case s != 0 && s%Mb == 0:
		return strconv.FormatUint(uint64(s/Mb), 10) + "MiB"
	case s != 0 && s%Kb == 0:
		return strconv.FormatUint(uint64(s/Kb), 10) + "KiB"
	default:
		return strconv.FormatUint(uint64(s), 10) + "B"
	}
}

// Size4KiB is the marker type for standard 4KiB pages mapped at Level1.
type Size4KiB struct{}

// Size2MiB is the marker type for huge 2MiB pages mapped at Level2.
type Size2MiB struct{}

// Size1GiB is the marker type for giant 1GiB pages mapped at Level3.
type Size1GiB struct{}

// Bytes returns the page size in bytes.
func (Size4KiB) Bytes() Size { return 4 * Kb }

// Bytes returns the page size in bytes.
func (Size2MiB) Bytes() Size { return 2 * Mb }

// Bytes returns the page size in bytes.
func (Size1GiB) Bytes() Size { return Gb }

// Level returns the page table level that holds the leaf entry for this size.
func (Size4KiB) Level() Level { return Level1 }

// Level returns the page table level that holds the leaf entry for this size.
func (Size2MiB) Level() Level { return Level2 }

// Level returns the page table level that holds the leaf entry for this size.
func (Size1GiB) Level() Level { return Level3 }

func (Size4KiB) String() string { return "4KiB" }
func (Size2MiB) String() string { return "2MiB" }
func (Size1GiB) String() string { return "1GiB" }

// PageSize is the closed set of page sizes supported by the MMU. It is used
// as a type constraint so that pages and frames of different sizes cannot be
// mixed up.
type PageSize interface {
	Size4KiB | Size2MiB | Size1GiB

	Bytes() Size
	Level() Level
	String() string
}

// SizeOf returns the size in bytes of pages of type S.
func SizeOf[S PageSize]() uintptr {
	var s S
	return uintptr(s.Bytes())
}

// LeafLevel returns the page table level where pages of type S are mapped.
func LeafLevel[S PageSize]() Level {
	var s S
	return s.Level()
}

// IsHuge returns true if pages of type S are mapped by a huge leaf entry.
func IsHuge[S PageSize]() bool {
	return LeafLevel[S]() != Level1
}
