package main

import (
	"fmt"
	"os"

	"github.com/go-errors/errors"
	log "github.com/sirupsen/logrus"

	"vmcore/kernel"
	"vmcore/kernel/mm"
	"vmcore/kernel/mm/pmm"
	"vmcore/kernel/mm/vmm"
	"vmcore/multiboot"
	"vmcore/physmem"
)

// machine is a simulated system whose physical memory is a host arena. Page
// tables built for it are real x86-64 tables stored inside the arena.
type machine struct {
	arena  *physmem.Arena
	boot   *pmm.BootMemAllocator
	frames *pmm.PhysicalMemoryManager
	mapper *vmm.Mapper
	log    log.FieldLogger

	flushes, reloads int
}

// wrap converts a core error into an error carrying a stack trace.
func wrap(err *kernel.Error, prefix string) error {
	if err == nil {
		return nil
	}
	return errors.WrapPrefix(err, prefix, 1)
}

// newMachine sets up the arena, the allocators and an empty address space
// as described by cfg.
func newMachine(cfg *layout, logger log.FieldLogger) (*machine, error) {
	size, err := parseSize(cfg.ArenaSize)
	if err != nil {
		return nil, err
	}

	arena, err := physmem.New(size)
	if err != nil {
		return nil, err
	}

	m := &machine{arena: arena, log: logger}
	vmm.UseSoftwareTLB(vmm.SoftwareTLB{
		FlushEntry: func(mm.VirtualAddr) { m.flushes++ },
		LoadRoot:   func(mm.PhysicalAddr) { m.reloads++ },
		GiantPages: cfg.GiantPages,
	})

	regions, err := memoryMap(cfg, arena.End())
	if err != nil {
		_ = arena.Close()
		return nil, err
	}

	// Frame 0 stands in for the loaded kernel image and is never handed out.
	m.boot = pmm.NewBootMemAllocator(regions, 0, mm.PhysicalAddr(mm.BasePageSize))
	m.boot.LogMemoryMap(logger)

	translator := vmm.OffsetTranslator{Offset: arena.Offset()}
	if m.mapper, err = m.newAddressSpace(translator); err != nil {
		_ = arena.Close()
		return nil, err
	}
	m.mapper.SetLogger(logger)
	m.mapper.Activate()

	var kerr *kernel.Error
	if m.frames, kerr = pmm.NewPhysicalMemoryManager(m.boot.Remaining(), uintptr(cfg.Granule), logger); kerr != nil {
		_ = arena.Close()
		return nil, wrap(kerr, "physical memory manager")
	}

	return m, nil
}

// memoryMap returns the regions that describe [0, end). Without a boot
// information dump the whole arena is available.
func memoryMap(cfg *layout, end mm.PhysicalAddr) ([]pmm.MemoryRegion, error) {
	if cfg.MemoryMap == "" {
		return []pmm.MemoryRegion{{Start: 0, End: end, Kind: pmm.MemAvailable}}, nil
	}

	data, err := os.ReadFile(cfg.MemoryMap)
	if err != nil {
		return nil, errors.WrapPrefix(err, "read memory map", 0)
	}

	info, kerr := multiboot.Parse(data)
	if kerr != nil {
		return nil, wrap(kerr, cfg.MemoryMap)
	}

	var regions []pmm.MemoryRegion
	for _, region := range info.MemoryRegions() {
		if region.Start >= end {
			continue
		}
		if region.End > end {
			region.End = end
		}
		regions = append(regions, region)
	}
	return regions, nil
}

// newAddressSpace allocates the root table from the boot allocator.
func (m *machine) newAddressSpace(translator vmm.FrameTranslator) (*vmm.Mapper, error) {
	mapper, err := vmm.NewAddressSpace(translator, m.boot)
	if err != nil {
		return nil, wrap(err, "allocate root table")
	}
	return mapper, nil
}

func (m *machine) close() error {
	return m.arena.Close()
}

// apply installs every mapping of cfg in order.
func (m *machine) apply(cfg *layout) error {
	var deferred bool
	for i := range cfg.Mappings {
		mc := &cfg.Mappings[i]

		size, err := mc.pageSize()
		if err != nil {
			return err
		}

		switch size {
		case mm.SizeOf[mm.Size4KiB]():
			err = applyMapping[mm.Size4KiB](m, mc)
		case mm.SizeOf[mm.Size2MiB]():
			err = applyMapping[mm.Size2MiB](m, mc)
		default:
			err = applyMapping[mm.Size1GiB](m, mc)
		}
		if err != nil {
			return errors.WrapPrefix(err, fmt.Sprintf("mapping %d", i), 0)
		}

		deferred = deferred || mc.TLB == "ignore"
	}

	// ignored flush tokens are settled with a single reload
	if deferred {
		m.mapper.FlushAll()
	}
	return nil
}

func applyMapping[S mm.PageSize](m *machine, mc *mappingConfig) error {
	flags, err := mc.flags()
	if err != nil {
		return err
	}

	method, err := mc.tlbMethod()
	if err != nil {
		return err
	}

	virt, kerr := mm.NewVirtualAddr(mc.Virt)
	if kerr != nil {
		return wrap(kerr, "virt")
	}

	start, kerr := mm.NewPage[S](virt)
	if kerr != nil && !mc.Identity {
		return wrap(kerr, "virt")
	}

	var (
		pm     = vmm.Traced[S](vmm.PagesOf[S](m.mapper), m.log)
		pages  = mm.PageRange[S]{Start: start, End: start.Add(uintptr(mc.Count))}
		tables = pmm.Frames[mm.Size4KiB](m.frames)
	)

	switch {
	case mc.Action == "unmap":
		return wrap(vmm.UnmapRange(pm, pages, method), "unmap")
	case mc.Action == "protect":
		return wrap(vmm.UpdateFlagsRange(pm, pages, flags, method), "protect")
	case mc.Alloc:
		return wrap(vmm.MapRangeAlloc(pm, pages, flags, tables, pmm.Frames[S](m.frames), method), "map")
	}

	phys, kerr := mm.NewPhysicalAddr(mc.Phys)
	if kerr != nil {
		return wrap(kerr, "phys")
	}

	first, kerr := mm.NewFrame[S](phys)
	if kerr != nil {
		return wrap(kerr, "phys")
	}
	frames := mm.FrameRange[S]{Start: first, End: first.Add(uintptr(mc.Count))}

	if mc.Identity {
		return wrap(vmm.IdentityMapRange(pm, frames, flags, tables, method), "identity map")
	}
	return wrap(vmm.MapRange(pm, pages, frames, flags, tables, method), "map")
}
