package vmm

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"vmcore/kernel"
	"vmcore/kernel/mm"
)

// testRoundTrip maps one page of size S and checks that every sampled address
// inside the page translates to the same offset inside the frame.
func testRoundTrip[S mm.PageSize](t *testing.T) {
	cpu := useFakeCPU(t)
	mem := newTestMemory(t, 8)
	mapper := mem.newMapper(t)
	pm := PagesOf[S](mapper)

	size := mm.SizeOf[S]()
	page := mm.PageContaining[S](mm.VirtualAddr(3 * size))
	frame := mm.FrameContaining[S](mm.PhysicalAddr(5 * size))

	flush, err := pm.Map(page, frame, FlagPresent|FlagRW, mem)
	if err != nil {
		t.Fatal(err)
	}
	flush.Flush()

	if exp := []mm.VirtualAddr{page.Address()}; !cmp.Equal(exp, cpu.flushed) {
		t.Fatalf("expected flushed pages %v; got %v", exp, cpu.flushed)
	}

	for _, k := range []uintptr{0, 1, 0x123, size / 2, size - 1} {
		got, err := mapper.TryTranslateAddr(page.Address().Add(k))
		if err != nil {
			t.Fatalf("[offset 0x%x] unexpected error: %v", k, err)
		}

		if exp := frame.Address().Add(k); got != exp {
			t.Errorf("[offset 0x%x] expected translation %s; got %s", k, exp, got)
		}
	}

	if got, err := pm.Translate(page); err != nil || got != frame {
		t.Fatalf("expected Translate to return frame %s; got %s (err: %v)", frame.Address(), got.Address(), err)
	}

	flush, err = pm.Unmap(page)
	if err != nil {
		t.Fatal(err)
	}
	flush.Ignore()

	if _, err = pm.Unmap(page); err != mm.ErrEntryMissing {
		t.Fatalf("expected second unmap to return ErrEntryMissing; got %v", err)
	}

	if _, err = mapper.TryTranslate(page.Address()); err != mm.ErrEntryMissing {
		t.Fatalf("expected translation of unmapped page to fail with ErrEntryMissing; got %v", err)
	}

	if exp := 1; len(cpu.flushed) != exp {
		t.Fatalf("expected ignored tokens not to flush; got %d flushes", len(cpu.flushed))
	}
}

func TestMapRoundTrip(t *testing.T) {
	t.Run("4KiB", testRoundTrip[mm.Size4KiB])
	t.Run("2MiB", testRoundTrip[mm.Size2MiB])
	t.Run("1GiB", testRoundTrip[mm.Size1GiB])
}

func TestOffsetMapper(t *testing.T) {
	cpu := useFakeCPU(t)
	mem := newTestMemory(t, 8)

	// the active tree lives in the first frame of the arena
	root, _ := mem.AllocFrame()
	mem.translator().TranslateFrame(root).Zero()
	cpu.cr3 = uintptr(root.Address())

	mapper := NewOffsetMapper(mem.arena.Offset())
	if !mapper.IsActive() {
		t.Fatal("expected offset mapper to operate on the active tree")
	}

	flush, err := PagesOf[mm.Size4KiB](mapper).Map(
		mm.PageContaining[mm.Size4KiB](0x1000),
		mm.FrameContaining[mm.Size4KiB](0x2000),
		FlagPresent|FlagRW,
		mem,
	)
	if err != nil {
		t.Fatal(err)
	}
	flush.Flush()

	got, err := mapper.TryTranslateAddr(0x1001)
	if err != nil {
		t.Fatal(err)
	}

	if exp := mm.PhysicalAddr(0x2001); got != exp {
		t.Fatalf("expected 0x1001 to translate to %s; got %s", exp, got)
	}

	mapper.FlushAll()
	if cpu.cr3Loads != 1 || cpu.cr3 != uintptr(root.Address()) {
		t.Fatalf("expected FlushAll to reload CR3 with the active root; loads %d, cr3 0x%x", cpu.cr3Loads, cpu.cr3)
	}
}

func TestIdentityMapper(t *testing.T) {
	cpu := useFakeCPU(t)
	cpu.cr3 = 0x1234_5000 | 0x18 // PWT/PCD bits in CR3 are ignored

	mapper := NewIdentityMapper()
	if exp, got := mm.PhysicalAddr(0x1234_5000), mapper.Root().Address(); got != exp {
		t.Fatalf("expected root %s; got %s", exp, got)
	}
}

func TestUpdateFlags(t *testing.T) {
	useFakeCPU(t)
	mem := newTestMemory(t, 8)
	mapper := mem.newMapper(t)

	small := PagesOf[mm.Size4KiB](mapper)
	huge := PagesOf[mm.Size2MiB](mapper)

	page := mm.PageContaining[mm.Size4KiB](0x40_3000)
	frame := mm.FrameContaining[mm.Size4KiB](0x7000)

	if _, err := small.UpdateFlags(page, FlagPresent); err != mm.ErrEntryMissing {
		t.Fatalf("expected ErrEntryMissing for an unmapped page; got %v", err)
	}

	if _, err := small.Map(page, frame, FlagPresent|FlagRW, mem); err != nil {
		t.Fatal(err)
	}

	flush, err := small.UpdateFlags(page, FlagPresent|FlagNoExecute)
	if err != nil {
		t.Fatal(err)
	}

	if flush.Page() != page.Address() {
		t.Fatalf("expected flush token for %s; got %s", page.Address(), flush.Page())
	}

	tr, err := mapper.TryTranslate(page.Address())
	if err != nil {
		t.Fatal(err)
	}

	if exp := FlagPresent | FlagNoExecute; tr.Flags != exp {
		t.Fatalf("expected flags [%s]; got [%s]", exp, tr.Flags)
	}

	if tr.Addr != frame.Address() {
		t.Fatalf("expected UpdateFlags to keep frame %s; got %s", frame.Address(), tr.Addr)
	}

	// the enclosing 2MiB slot holds a table, not a huge mapping
	if _, err := huge.UpdateFlags(mm.PageContaining[mm.Size2MiB](page.Address()), FlagPresent); err != mm.ErrEntryMissing {
		t.Fatalf("expected ErrEntryMissing for a size mismatch; got %v", err)
	}

	if _, err := huge.Unmap(mm.PageContaining[mm.Size2MiB](page.Address())); err != mm.ErrEntryMissing {
		t.Fatalf("expected ErrEntryMissing when unmapping with the wrong size; got %v", err)
	}

	if _, err := huge.Map(mm.PageContaining[mm.Size2MiB](page.Address()), mm.FrameContaining[mm.Size2MiB](0), FlagPresent, mem); err != errLeafOverTable {
		t.Fatalf("expected errLeafOverTable; got %v", err)
	}
}

func TestMapInsideHugePage(t *testing.T) {
	useFakeCPU(t)
	mem := newTestMemory(t, 8)
	mapper := mem.newMapper(t)

	if _, err := PagesOf[mm.Size2MiB](mapper).Map(mm.PageContaining[mm.Size2MiB](0x20_0000), mm.FrameContaining[mm.Size2MiB](0x40_0000), FlagPresent, mem); err != nil {
		t.Fatal(err)
	}

	small := PagesOf[mm.Size4KiB](mapper)
	if _, err := small.Map(mm.PageContaining[mm.Size4KiB](0x20_1000), mm.FrameContaining[mm.Size4KiB](0), FlagPresent, mem); err != mm.ErrUnexpectedHugePage {
		t.Fatalf("expected ErrUnexpectedHugePage; got %v", err)
	}

	if _, err := small.Unmap(mm.PageContaining[mm.Size4KiB](0x20_1000)); err != mm.ErrUnexpectedHugePage {
		t.Fatalf("expected ErrUnexpectedHugePage; got %v", err)
	}
}

func TestMapRemapOverwrites(t *testing.T) {
	useFakeCPU(t)
	mem := newTestMemory(t, 8)
	mapper := mem.newMapper(t)
	pm := PagesOf[mm.Size4KiB](mapper)
	page := mm.PageContaining[mm.Size4KiB](0x1000)

	for _, frameAddr := range []mm.PhysicalAddr{0x3000, 0x8000} {
		if _, err := pm.Map(page, mm.FrameContaining[mm.Size4KiB](frameAddr), FlagPresent, mem); err != nil {
			t.Fatal(err)
		}
	}

	if got, _ := mapper.TryTranslateAddr(page.Address()); got != 0x8000 {
		t.Fatalf("expected remap to replace the frame; got %s", got)
	}
}

func TestMapAllocFailure(t *testing.T) {
	useFakeCPU(t)
	mem := newTestMemory(t, 8)
	mapper := mem.newMapper(t)

	// only one more table may be allocated; the walk needs three
	mem.limit = mem.allocs + 1

	pm := PagesOf[mm.Size4KiB](mapper)
	if _, err := pm.Map(mm.PageContaining[mm.Size4KiB](0x1000), mm.FrameContaining[mm.Size4KiB](0), FlagPresent, mem); err != mm.ErrAlloc {
		t.Fatalf("expected ErrAlloc; got %v", err)
	}

	// the table created before the failure stays in place
	if mapper.Walker().Level4().Entry(0).IsUnused() {
		t.Fatal("expected the partially created Level3 table to be kept")
	}

	if _, err := pm.Map(mm.PageContaining[mm.Size4KiB](0x1000), mm.FrameContaining[mm.Size4KiB](0), FlagPresent, nil); err != mm.ErrAlloc {
		t.Fatalf("expected ErrAlloc for a nil allocator; got %v", err)
	}
}

func TestGiantPagesUnsupported(t *testing.T) {
	useFakeCPU(t)
	giantPagesSupportedFn = func() bool { return false }

	mem := newTestMemory(t, 4)
	mapper := mem.newMapper(t)

	if _, err := PagesOf[mm.Size1GiB](mapper).Map(mm.PageContaining[mm.Size1GiB](0), mm.FrameContaining[mm.Size1GiB](0), FlagPresent, mem); err != errNoGiantPageSupport {
		t.Fatalf("expected errNoGiantPageSupport; got %v", err)
	}
}

func TestNoExecuteUnsupported(t *testing.T) {
	cpu := useFakeCPU(t)
	mem := newTestMemory(t, 8)
	mapper := mem.newMapper(t)
	pm := PagesOf[mm.Size4KiB](mapper)

	page := mm.PageContaining[mm.Size4KiB](0x40_0000)
	frame := mm.FrameContaining[mm.Size4KiB](0x7000)
	if _, err := pm.Map(page, frame, FlagPresent|FlagNoExecute, mem); err != nil {
		t.Fatal(err)
	}

	noExecuteSupportedFn = func() bool { return false }
	allocs := mem.allocs

	if _, err := pm.Map(page.Next(), frame, FlagPresent|FlagNoExecute, mem); err != errNoExecuteSupport {
		t.Fatalf("expected errNoExecuteSupport from Map; got %v", err)
	}

	if _, err := pm.UpdateFlags(page, FlagPresent|FlagRW|FlagNoExecute); err != errNoExecuteSupport {
		t.Fatalf("expected errNoExecuteSupport from UpdateFlags; got %v", err)
	}

	if mem.allocs != allocs || len(cpu.flushed) != 0 {
		t.Fatal("expected a rejected mapping to leave the tree untouched")
	}

	if tr, err := mapper.TryTranslate(page.Address()); err != nil || tr.Flags != FlagPresent|FlagNoExecute {
		t.Fatalf("expected the existing mapping to keep its flags; got %+v, %v", tr, err)
	}

	if _, err := pm.UpdateFlags(page, FlagPresent); err != nil {
		t.Fatalf("expected flags without NX to be accepted; got %v", err)
	}
}

func TestIdentityMap(t *testing.T) {
	useFakeCPU(t)
	mem := newTestMemory(t, 8)
	mapper := mem.newMapper(t)
	pm := PagesOf[mm.Size2MiB](mapper)

	frame := mm.FrameContaining[mm.Size2MiB](0x60_0000)
	if _, err := pm.IdentityMap(frame, FlagPresent, mem); err != nil {
		t.Fatal(err)
	}

	if got, _ := mapper.TryTranslateAddr(0x61_2345); got != 0x61_2345 {
		t.Fatalf("expected identity translation; got %s", got)
	}

	// physical addresses above the canonical lower half cannot be identity mapped
	bad := mm.FrameContaining[mm.Size2MiB](mm.PhysicalAddr(0x0002_0000_0000_0000))
	if _, err := pm.IdentityMap(bad, FlagPresent, mem); err == nil {
		t.Fatal("expected an error for a non-canonical identity mapping")
	}
}

func TestMapRanges(t *testing.T) {
	useFakeCPU(t)

	t.Run("length mismatch", func(t *testing.T) {
		mem := newTestMemory(t, 8)
		pm := PagesOf[mm.Size4KiB](mem.newMapper(t))

		pages := mm.PageRangeWithSize[mm.Size4KiB](0x1000, 0x3000)
		frames := mm.FrameRangeWithSize[mm.Size4KiB](0x1000, 0x2000)
		if err := MapRange[mm.Size4KiB](pm, pages, frames, FlagPresent, mem, TLBIgnore); err != errRangeMismatch {
			t.Fatalf("expected errRangeMismatch; got %v", err)
		}
	})

	t.Run("map and identity map", func(t *testing.T) {
		cpu := useFakeCPU(t)
		mem := newTestMemory(t, 8)
		mapper := mem.newMapper(t)
		pm := PagesOf[mm.Size4KiB](mapper)

		pages := mm.PageRangeWithSize[mm.Size4KiB](0x10_0000, 0x3000)
		frames := mm.FrameRangeWithSize[mm.Size4KiB](0x50_0000, 0x3000)
		if err := MapRange[mm.Size4KiB](pm, pages, frames, FlagPresent, mem, TLBInvalidate); err != nil {
			t.Fatal(err)
		}

		if exp, got := 3, len(cpu.flushed); got != exp {
			t.Fatalf("expected %d TLB flushes; got %d", exp, got)
		}

		identity := mm.FrameRangeWithSize[mm.Size4KiB](0x20_0000, 0x2000)
		if err := IdentityMapRange[mm.Size4KiB](pm, identity, FlagPresent|FlagRW, mem, TLBIgnore); err != nil {
			t.Fatal(err)
		}

		if exp, got := 3, len(cpu.flushed); got != exp {
			t.Fatalf("expected TLBIgnore not to flush; got %d flushes", got)
		}

		exp := []Mapping{
			{Virt: 0x10_0000, Phys: 0x50_0000, Size: 4 * mm.Kb, Flags: FlagPresent},
			{Virt: 0x10_1000, Phys: 0x50_1000, Size: 4 * mm.Kb, Flags: FlagPresent},
			{Virt: 0x10_2000, Phys: 0x50_2000, Size: 4 * mm.Kb, Flags: FlagPresent},
			{Virt: 0x20_0000, Phys: 0x20_0000, Size: 4 * mm.Kb, Flags: FlagPresent | FlagRW},
			{Virt: 0x20_1000, Phys: 0x20_1000, Size: 4 * mm.Kb, Flags: FlagPresent | FlagRW},
		}
		if diff := cmp.Diff(exp, mapper.Mappings()); diff != "" {
			t.Fatalf("unexpected mappings (-want +got):\n%s", diff)
		}

		if err := UnmapRange[mm.Size4KiB](pm, mm.PageRangeWithSize[mm.Size4KiB](0x10_0000, 0x20_2000), TLBInvalidate); err != nil {
			t.Fatal(err)
		}

		if got := mapper.Mappings(); len(got) != 0 {
			t.Fatalf("expected all mappings to be removed; got %v", got)
		}
	})

	t.Run("update flags range", func(t *testing.T) {
		cpu := useFakeCPU(t)
		mem := newTestMemory(t, 8)
		mapper := mem.newMapper(t)
		pm := PagesOf[mm.Size4KiB](mapper)

		pages := mm.PageRangeWithSize[mm.Size4KiB](0x40_0000, 0x2000)
		frames := mm.FrameRangeWithSize[mm.Size4KiB](0x9000, 0x2000)
		if err := MapRange[mm.Size4KiB](pm, pages, frames, FlagPresent|FlagRW, mem, TLBIgnore); err != nil {
			t.Fatal(err)
		}

		if err := UpdateFlagsRange[mm.Size4KiB](pm, pages, FlagPresent|FlagNoExecute, TLBInvalidate); err != nil {
			t.Fatal(err)
		}

		if exp, got := 2, len(cpu.flushed); got != exp {
			t.Fatalf("expected %d TLB flushes; got %d", exp, got)
		}

		for _, mapping := range mapper.Mappings() {
			if mapping.Flags != FlagPresent|FlagNoExecute {
				t.Errorf("expected mapping at %s to have flags P|NX; got %s", mapping.Virt, mapping.Flags)
			}
		}

		// the third page was never mapped
		wider := mm.PageRangeWithSize[mm.Size4KiB](0x40_0000, 0x3000)
		if err := UpdateFlagsRange[mm.Size4KiB](pm, wider, FlagPresent, TLBIgnore); err != mm.ErrEntryMissing {
			t.Fatalf("expected ErrEntryMissing; got %v", err)
		}
	})

	t.Run("map range alloc", func(t *testing.T) {
		mem := newTestMemory(t, 8)
		mapper := mem.newMapper(t)
		pm := PagesOf[mm.Size2MiB](mapper)

		next := mm.FrameContaining[mm.Size2MiB](0x4000_0000)
		frameAlloc := mm.FrameAllocatorFn[mm.Size2MiB](func() (mm.Frame[mm.Size2MiB], *kernel.Error) {
			frame := next
			next = next.Next()
			return frame, nil
		})

		pages := mm.PageRangeWithSize[mm.Size2MiB](0x8000_0000, 4*uintptr(mm.Mb))
		if err := MapRangeAlloc[mm.Size2MiB](pm, pages, FlagPresent|FlagRW, mem, frameAlloc, TLBIgnore); err != nil {
			t.Fatal(err)
		}

		for i, exp := range []mm.PhysicalAddr{0x4000_0000, 0x4020_0000} {
			got, err := mapper.TryTranslateAddr(pages.Start.Add(uintptr(i)).Address())
			if err != nil || got != exp {
				t.Errorf("[page %d] expected translation %s; got %s (err: %v)", i, exp, got, err)
			}
		}

		failing := mm.FrameAllocatorFn[mm.Size2MiB](func() (mm.Frame[mm.Size2MiB], *kernel.Error) {
			return mm.Frame[mm.Size2MiB]{}, errTestOutOfFrames
		})
		if err := MapRangeAlloc[mm.Size2MiB](pm, pages, FlagPresent, mem, failing, TLBIgnore); err != mm.ErrAlloc {
			t.Fatalf("expected ErrAlloc; got %v", err)
		}
	})
}

func TestTracedMapper(t *testing.T) {
	useFakeCPU(t)
	mem := newTestMemory(t, 8)
	mapper := mem.newMapper(t)

	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	pm := Traced[mm.Size4KiB](PagesOf[mm.Size4KiB](mapper), logger)
	page := mm.PageContaining[mm.Size4KiB](0x3000)

	if _, err := pm.IdentityMap(mm.FrameContaining[mm.Size4KiB](0x3000), FlagPresent, mem); err != nil {
		t.Fatal(err)
	}
	if _, err := pm.Translate(page); err != nil {
		t.Fatal(err)
	}
	if _, err := pm.Unmap(page); err != nil {
		t.Fatal(err)
	}
	if _, err := pm.Unmap(page); err != mm.ErrEntryMissing {
		t.Fatalf("expected ErrEntryMissing; got %v", err)
	}

	var ops []string
	for _, entry := range hook.AllEntries() {
		ops = append(ops, entry.Data["op"].(string))
	}

	if diff := cmp.Diff([]string{"map", "translate", "unmap", "unmap"}, ops); diff != "" {
		t.Fatalf("unexpected traced operations (-want +got):\n%s", diff)
	}

	if last := hook.LastEntry(); last.Level != logrus.WarnLevel || last.Data["err"] != mm.ErrEntryMissing.Error() {
		t.Fatalf("expected failed unmap to be logged as a warning; got %v %v", last.Level, last.Data)
	}
}

func TestNewAddressSpace(t *testing.T) {
	cpu := useFakeCPU(t)
	mem := newTestMemory(t, 8)

	kernelSpace := mem.newMapper(t)
	kernelAddr := mm.CanonicalVirtualAddr(0xffff_ff80_0000_0000)
	if _, err := PagesOf[mm.Size4KiB](kernelSpace).Map(mm.PageContaining[mm.Size4KiB](kernelAddr), mm.FrameContaining[mm.Size4KiB](0x1000), FlagPresent|FlagGlobal, mem); err != nil {
		t.Fatal(err)
	}

	userSpace := mem.newMapper(t)
	if !userSpace.Walker().Level4().IsEmpty() {
		t.Fatal("expected a new address space to start empty")
	}

	userSpace.ShareKernelHalf(kernelSpace)
	if got, err := userSpace.TryTranslateAddr(kernelAddr); err != nil || got != 0x1000 {
		t.Fatalf("expected shared kernel mapping to translate to 0x1000; got %s (err: %v)", got, err)
	}

	userSpace.Activate()
	if !userSpace.IsActive() || cpu.cr3 != uintptr(userSpace.Root().Address()) {
		t.Fatal("expected Activate to load the tree root into CR3")
	}

	mem.limit = mem.allocs
	if _, err := NewAddressSpace(mem.translator(), mem); err != mm.ErrAlloc {
		t.Fatalf("expected ErrAlloc; got %v", err)
	}
}

func TestMapRegion(t *testing.T) {
	useFakeCPU(t)
	mem := newTestMemory(t, 8)
	mapper := mem.newMapper(t)
	pm := PagesOf[mm.Size4KiB](mapper)

	ceiling := mm.CanonicalVirtualAddr(0xffff_ff7f_ffff_f000)
	reserver := NewRegionReserver(ceiling-0x4000, ceiling)

	page, err := MapRegion(reserver, pm, mm.FrameContaining[mm.Size4KiB](0xdf_0000), 4097, FlagPresent|FlagRW, mem)
	if err != nil {
		t.Fatal(err)
	}

	if exp := ceiling - 0x2000; page.Address() != exp {
		t.Fatalf("expected region to start at %s; got %s", exp, page.Address())
	}

	if got, _ := mapper.TryTranslateAddr(page.Address().Add(0x1000)); got != 0xdf_1000 {
		t.Fatalf("expected second page to map to 0xdf1000; got %s", got)
	}

	if exp, got := uintptr(0x2000), reserver.Remaining(); got != exp {
		t.Fatalf("expected 0x%x bytes to remain; got 0x%x", exp, got)
	}

	if _, err := MapRegion(reserver, pm, mm.FrameContaining[mm.Size4KiB](0), 0x3000, FlagPresent, mem); err != errReserveNoSpace {
		t.Fatalf("expected errReserveNoSpace; got %v", err)
	}
}

func TestUseSoftwareTLB(t *testing.T) {
	useFakeCPU(t)

	var flushed []mm.VirtualAddr
	UseSoftwareTLB(SoftwareTLB{
		FlushEntry: func(addr mm.VirtualAddr) { flushed = append(flushed, addr) },
		GiantPages: true,
	})

	TLBFlush{page: 0x4000}.Flush()
	if diff := cmp.Diff([]mm.VirtualAddr{0x4000}, flushed); diff != "" {
		t.Fatalf("unexpected flushes (-want +got):\n%s", diff)
	}

	mapper := NewMapper(IdentityTranslator{}, mm.FrameContaining[mm.Size4KiB](0x9000))
	mapper.Activate()
	if !mapper.IsActive() {
		t.Fatal("expected software CR3 to track the activated root")
	}

	if !giantPagesSupportedFn() {
		t.Fatal("expected giant page support to follow the software TLB setting")
	}

	if !noExecuteSupportedFn() {
		t.Fatal("expected no-execute support by default")
	}

	UseSoftwareTLB(SoftwareTLB{DisableNoExecute: true})
	if noExecuteSupportedFn() || giantPagesSupportedFn() {
		t.Fatal("expected the software TLB to disable NX and giant pages")
	}
}
