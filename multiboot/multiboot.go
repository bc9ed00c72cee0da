// Package multiboot decodes the boot information structure that a multiboot2
// compliant boot loader passes to the kernel.
package multiboot

import (
	"encoding/binary"

	"vmcore/kernel"
	"vmcore/kernel/mm"
	"vmcore/kernel/mm/pmm"
)

var (
	errTruncatedInfo = &kernel.Error{Module: "multiboot", Message: "boot information is truncated"}
	errMalformedTag  = &kernel.Error{Module: "multiboot", Message: "malformed boot information tag"}
)

type tagType uint32

// nolint
const (
	tagMbSectionEnd tagType = iota
	tagBootCmdLine
	tagBootLoaderName
	tagModules
	tagBasicMemoryInfo
	tagBiosBootDevice
	tagMemoryMap
)

const (
	// infoHeaderSize covers the total size and reserved dwords that
	// precede the first tag.
	infoHeaderSize = 8

	// tagHeaderSize covers the type and size dwords of each tag.
	tagHeaderSize = 8

	// mmapHeaderSize covers the entry size and entry version dwords of
	// the memory map tag.
	mmapHeaderSize = 8

	// mmapEntrySize is the size of the address, length and type fields of
	// a memory map entry.
	mmapEntrySize = 20
)

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// Any value >= memUnknown will be mapped to MemReserved.
	memUnknown
)

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	PhysAddress uint64
	Length      uint64
	Type        MemoryEntryType
}

// Region converts the entry to the representation used by the physical
// memory allocators.
func (e MemoryMapEntry) Region() pmm.MemoryRegion {
	kind := pmm.MemReserved
	switch e.Type {
	case MemAvailable:
		kind = pmm.MemAvailable
	case MemAcpiReclaimable:
		kind = pmm.MemAcpiReclaimable
	case MemNvs:
		kind = pmm.MemNvs
	}

	return pmm.MemoryRegion{
		Start: mm.TruncPhysicalAddr(e.PhysAddress),
		End:   mm.TruncPhysicalAddr(e.PhysAddress + e.Length),
		Kind:  kind,
	}
}

// Info is a decoded view of a multiboot2 boot information structure.
type Info struct {
	data []byte
}

// Parse validates the header and the tag chain of data.
func Parse(data []byte) (*Info, *kernel.Error) {
	if len(data) < infoHeaderSize {
		return nil, errTruncatedInfo
	}

	totalSize := binary.LittleEndian.Uint32(data)
	if totalSize < infoHeaderSize || uint64(totalSize) > uint64(len(data)) {
		return nil, errTruncatedInfo
	}

	info := &Info{data: data[:totalSize]}
	for offset := uint32(infoHeaderSize); ; {
		tag, size, err := info.tagAt(offset)
		if err != nil {
			return nil, err
		}
		if tag == tagMbSectionEnd {
			return info, nil
		}

		// Tags are aligned at 8-byte aligned addresses
		offset += (size + 7) &^ 7
	}
}

// tagAt returns the type and size of the tag that starts at offset.
func (i *Info) tagAt(offset uint32) (tagType, uint32, *kernel.Error) {
	if uint64(offset)+tagHeaderSize > uint64(len(i.data)) {
		return 0, 0, errTruncatedInfo
	}

	tag := tagType(binary.LittleEndian.Uint32(i.data[offset:]))
	size := binary.LittleEndian.Uint32(i.data[offset+4:])
	if size < tagHeaderSize || uint64(offset)+uint64(size) > uint64(len(i.data)) {
		return 0, 0, errMalformedTag
	}
	return tag, size, nil
}

// findTag returns the payload of the first tag of the given type or nil if
// the tag is not present.
func (i *Info) findTag(want tagType) []byte {
	for offset := uint32(infoHeaderSize); ; {
		tag, size, err := i.tagAt(offset)
		if err != nil || tag == tagMbSectionEnd {
			return nil
		}
		if tag == want {
			return i.data[offset+tagHeaderSize : offset+size]
		}
		offset += (size + 7) &^ 7
	}
}

// MemRegionVisitor defines a visitor function that gets invoked by
// VisitMemRegions for each memory region provided by the boot loader. The
// visitor must return true to continue or false to abort the scan.
type MemRegionVisitor func(MemoryMapEntry) bool

// VisitMemRegions invokes visitor for each memory region of the memory map
// tag. Unknown entry types are reported as MemReserved.
func (i *Info) VisitMemRegions(visitor MemRegionVisitor) {
	payload := i.findTag(tagMemoryMap)
	if len(payload) < mmapHeaderSize {
		return
	}

	entrySize := binary.LittleEndian.Uint32(payload)
	if entrySize < mmapEntrySize {
		return
	}

	for entry := payload[mmapHeaderSize:]; uint32(len(entry)) >= entrySize; entry = entry[entrySize:] {
		e := MemoryMapEntry{
			PhysAddress: binary.LittleEndian.Uint64(entry),
			Length:      binary.LittleEndian.Uint64(entry[8:]),
			Type:        MemoryEntryType(binary.LittleEndian.Uint32(entry[16:])),
		}

		// Mark unknown entry types as reserved
		if e.Type == 0 || e.Type >= memUnknown {
			e.Type = MemReserved
		}

		if !visitor(e) {
			return
		}
	}
}

// MemoryRegions returns every entry of the memory map.
func (i *Info) MemoryRegions() []pmm.MemoryRegion {
	var regions []pmm.MemoryRegion
	i.VisitMemRegions(func(e MemoryMapEntry) bool {
		regions = append(regions, e.Region())
		return true
	})
	return regions
}
