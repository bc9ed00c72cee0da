package vmm

import (
	"testing"

	"vmcore/kernel"
	"vmcore/kernel/mm"
	"vmcore/physmem"
)

var errTestOutOfFrames = &kernel.Error{Module: "test", Message: "out of frames"}

// testMemory is a bump frame allocator over a host arena that stands in for
// physical memory.
type testMemory struct {
	arena  *physmem.Arena
	next   mm.PhysicalAddr
	allocs int

	// limit caps the number of successful allocations; 0 means unlimited.
	limit int
}

func newTestMemory(t *testing.T, frames uintptr) *testMemory {
	arena, err := physmem.New(frames * mm.BasePageSize)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = arena.Close() })

	// dirty the arena so that missing table initialization shows up
	buf, _ := arena.Bytes(0, arena.Size())
	for i := range buf {
		buf[i] = 0xff
	}

	return &testMemory{arena: arena}
}

func (m *testMemory) AllocFrame() (mm.Frame[mm.Size4KiB], *kernel.Error) {
	if (m.limit != 0 && m.allocs == m.limit) || !m.arena.Contains(m.next, mm.BasePageSize) {
		return mm.Frame[mm.Size4KiB]{}, errTestOutOfFrames
	}

	frame := mm.FrameContaining[mm.Size4KiB](m.next)
	m.next = m.next.Add(mm.BasePageSize)
	m.allocs++
	return frame, nil
}

func (m *testMemory) translator() OffsetTranslator {
	return OffsetTranslator{Offset: m.arena.Offset()}
}

func (m *testMemory) newMapper(t *testing.T) *Mapper {
	mapper, err := NewAddressSpace(m.translator(), m)
	if err != nil {
		t.Fatal(err)
	}
	return mapper
}

// fakeCPU replaces the privileged CPU hooks for the duration of a test.
type fakeCPU struct {
	flushed  []mm.VirtualAddr
	cr3      uintptr
	cr3Loads int
}

func useFakeCPU(t *testing.T) *fakeCPU {
	cpu := &fakeCPU{}

	origFlush, origSwitch, origActive := flushTLBEntryFn, switchPDTFn, activePDTFn
	origGiant, origNoExecute := giantPagesSupportedFn, noExecuteSupportedFn
	t.Cleanup(func() {
		flushTLBEntryFn = origFlush
		switchPDTFn = origSwitch
		activePDTFn = origActive
		giantPagesSupportedFn = origGiant
		noExecuteSupportedFn = origNoExecute
	})

	flushTLBEntryFn = func(addr uintptr) { cpu.flushed = append(cpu.flushed, mm.VirtualAddr(addr)) }
	switchPDTFn = func(addr uintptr) { cpu.cr3, cpu.cr3Loads = addr, cpu.cr3Loads+1 }
	activePDTFn = func() uintptr { return cpu.cr3 }
	giantPagesSupportedFn = func() bool { return true }
	noExecuteSupportedFn = func() bool { return true }

	return cpu
}
