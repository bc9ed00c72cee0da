package vmm

import (
	"github.com/sirupsen/logrus"

	"vmcore/kernel"
	"vmcore/kernel/mm"
)

var (
	errRangeMismatch = &kernel.Error{Module: "vmm", Message: "page and frame ranges have different lengths"}
	errLeafOverTable = &kernel.Error{Module: "vmm", Message: "huge page mapping would replace a page table"}
)

// PageMapper is implemented by types that can establish and remove mappings
// for pages of size S.
type PageMapper[S mm.PageSize] interface {
	// Map installs a mapping from page to frame, creating any missing
	// intermediate tables with alloc. An existing leaf mapping for the
	// page is overwritten.
	Map(page mm.Page[S], frame mm.Frame[S], flags PageTableEntryFlag, alloc mm.FrameAllocator[mm.Size4KiB]) (TLBFlush, *kernel.Error)

	// UpdateFlags replaces the flags of an existing mapping.
	UpdateFlags(page mm.Page[S], flags PageTableEntryFlag) (TLBFlush, *kernel.Error)

	// Unmap removes an existing mapping.
	Unmap(page mm.Page[S]) (TLBFlush, *kernel.Error)

	// IdentityMap maps frame to the page with the same address.
	IdentityMap(frame mm.Frame[S], flags PageTableEntryFlag, alloc mm.FrameAllocator[mm.Size4KiB]) (TLBFlush, *kernel.Error)

	// Translate returns the frame that page is mapped to.
	Translate(page mm.Page[S]) (mm.Frame[S], *kernel.Error)
}

// Mapper manages the page table tree rooted at a Level4 table.
type Mapper struct {
	walker *Walker
}

// NewMapper returns a mapper for the tree whose Level4 table lives in root.
func NewMapper(translator FrameTranslator, root mm.Frame[mm.Size4KiB]) *Mapper {
	return &Mapper{walker: NewWalker(translator, root)}
}

// NewOffsetMapper returns a mapper for the currently active tree assuming
// that all physical memory is mapped at virtual address offset.
func NewOffsetMapper(offset uintptr) *Mapper {
	return NewMapper(OffsetTranslator{Offset: offset}, activeRoot())
}

// NewIdentityMapper returns a mapper for the currently active tree assuming
// that physical memory is identity mapped.
func NewIdentityMapper() *Mapper {
	return NewMapper(IdentityTranslator{}, activeRoot())
}

func activeRoot() mm.Frame[mm.Size4KiB] {
	return mm.FrameContaining[mm.Size4KiB](mm.TruncPhysicalAddr(uint64(activePDTFn())))
}

// SetLogger enables tracing of page table creation.
func (m *Mapper) SetLogger(log logrus.FieldLogger) {
	m.walker.SetLogger(log)
}

// Walker returns the walker used by this mapper.
func (m *Mapper) Walker() *Walker {
	return m.walker
}

// Root returns the frame that holds the Level4 table.
func (m *Mapper) Root() mm.Frame[mm.Size4KiB] {
	return m.walker.Root()
}

// TryTranslate returns the translation for addr without modifying the tree.
func (m *Mapper) TryTranslate(addr mm.VirtualAddr) (Translation, *kernel.Error) {
	return m.walker.TryTranslate(addr)
}

// TryTranslateAddr returns the physical address that addr maps to.
func (m *Mapper) TryTranslateAddr(addr mm.VirtualAddr) (mm.PhysicalAddr, *kernel.Error) {
	return m.walker.TryTranslateAddr(addr)
}

// VisitMappings invokes fn for every present leaf entry of the tree.
func (m *Mapper) VisitMappings(fn func(Mapping) bool) {
	m.walker.Visit(fn)
}

// Mappings returns all present leaf entries of the tree.
func (m *Mapper) Mappings() []Mapping {
	var out []Mapping
	m.walker.Visit(func(mapping Mapping) bool {
		out = append(out, mapping)
		return true
	})
	return out
}

// Activate loads the tree into CR3. This implicitly flushes all non-global
// TLB entries.
func (m *Mapper) Activate() {
	switchPDTFn(uintptr(m.Root().Address()))
}

// IsActive returns true if CR3 currently points to this tree.
func (m *Mapper) IsActive() bool {
	return activeRoot() == m.Root()
}

// FlushAll invalidates all non-global TLB entries by reloading CR3. It is
// used after batches of modifications whose tokens were ignored.
func (m *Mapper) FlushAll() {
	switchPDTFn(activePDTFn())
}

// SizedMapper implements PageMapper for pages of size S on top of a Mapper.
type SizedMapper[S mm.PageSize] struct {
	m *Mapper
}

// PagesOf returns a PageMapper for pages of size S backed by m.
func PagesOf[S mm.PageSize](m *Mapper) SizedMapper[S] {
	return SizedMapper[S]{m: m}
}

// leafFlags returns the flags written to a leaf entry for pages of size S.
func leafFlags[S mm.PageSize](flags PageTableEntryFlag) PageTableEntryFlag {
	if mm.IsHuge[S]() {
		return flags | FlagHugePage
	}
	return flags
}

// checkNoExecute rejects FlagNoExecute on CPUs that treat bit 63 as
// reserved; loading such an entry would raise a page fault.
func checkNoExecute(flags PageTableEntryFlag) *kernel.Error {
	if flags&FlagNoExecute != 0 && !noExecuteSupportedFn() {
		return errNoExecuteSupport
	}
	return nil
}

// existingLeaf returns the leaf entry of a mapping of size S for page or
// mm.ErrEntryMissing if the page is not mapped with that size.
func existingLeaf[S mm.PageSize](w *Walker, page mm.Page[S]) (*PageEntry, *kernel.Error) {
	entry, err := leafEntry[S](w, page.Address(), nil)
	if err != nil {
		return nil, err
	}

	if !entry.IsPresent() || (mm.IsHuge[S]() && !entry.IsHuge()) {
		return nil, mm.ErrEntryMissing
	}

	return entry, nil
}

// Map implements PageMapper.
func (sm SizedMapper[S]) Map(page mm.Page[S], frame mm.Frame[S], flags PageTableEntryFlag, alloc mm.FrameAllocator[mm.Size4KiB]) (TLBFlush, *kernel.Error) {
	if mm.LeafLevel[S]() == mm.Level3 && !giantPagesSupportedFn() {
		return TLBFlush{}, errNoGiantPageSupport
	}

	if err := checkNoExecute(flags); err != nil {
		return TLBFlush{}, err
	}

	if alloc == nil {
		alloc = nilAllocator
	}

	entry, err := leafEntry[S](sm.m.walker, page.Address(), alloc)
	if err != nil {
		return TLBFlush{}, err
	}

	if mm.IsHuge[S]() && entry.IsPresent() && !entry.IsHuge() {
		return TLBFlush{}, errLeafOverTable
	}

	entry.Set(frame.Address(), leafFlags[S](flags))
	return TLBFlush{page: page.Address()}, nil
}

// UpdateFlags implements PageMapper.
func (sm SizedMapper[S]) UpdateFlags(page mm.Page[S], flags PageTableEntryFlag) (TLBFlush, *kernel.Error) {
	if err := checkNoExecute(flags); err != nil {
		return TLBFlush{}, err
	}

	entry, err := existingLeaf(sm.m.walker, page)
	if err != nil {
		return TLBFlush{}, err
	}

	entry.ReplaceFlags(leafFlags[S](flags))
	return TLBFlush{page: page.Address()}, nil
}

// Unmap implements PageMapper. Intermediate tables are never reclaimed.
func (sm SizedMapper[S]) Unmap(page mm.Page[S]) (TLBFlush, *kernel.Error) {
	entry, err := existingLeaf(sm.m.walker, page)
	if err != nil {
		return TLBFlush{}, err
	}

	entry.Clear()
	return TLBFlush{page: page.Address()}, nil
}

// IdentityMap implements PageMapper.
func (sm SizedMapper[S]) IdentityMap(frame mm.Frame[S], flags PageTableEntryFlag, alloc mm.FrameAllocator[mm.Size4KiB]) (TLBFlush, *kernel.Error) {
	return identityMap[S](sm, frame, flags, alloc)
}

// Translate implements PageMapper.
func (sm SizedMapper[S]) Translate(page mm.Page[S]) (mm.Frame[S], *kernel.Error) {
	entry, err := existingLeaf(sm.m.walker, page)
	if err != nil {
		return mm.Frame[S]{}, err
	}

	return mm.FrameContaining[S](entry.Address()), nil
}

// nilAllocator is used when Map is called without an allocator so that a
// missing table is reported as mm.ErrAlloc.
var nilAllocator = mm.FrameAllocatorFn[mm.Size4KiB](func() (mm.Frame[mm.Size4KiB], *kernel.Error) {
	return mm.Frame[mm.Size4KiB]{}, mm.ErrAlloc
})

func identityMap[S mm.PageSize](pm PageMapper[S], frame mm.Frame[S], flags PageTableEntryFlag, alloc mm.FrameAllocator[mm.Size4KiB]) (TLBFlush, *kernel.Error) {
	addr, err := mm.NewVirtualAddr(frame.Address().Uint64())
	if err != nil {
		return TLBFlush{}, err
	}
	return pm.Map(mm.PageContaining[S](addr), frame, flags, alloc)
}

// MapRange maps each page of pages to the frame at the same position in
// frames. The ranges must have the same length. The operation stops at the
// first error; mappings established up to that point are kept.
func MapRange[S mm.PageSize](pm PageMapper[S], pages mm.PageRange[S], frames mm.FrameRange[S], flags PageTableEntryFlag, alloc mm.FrameAllocator[mm.Size4KiB], method TLBMethod) *kernel.Error {
	if pages.Len() != frames.Len() {
		return errRangeMismatch
	}

	var (
		err   *kernel.Error
		flush TLBFlush
		frame = frames.Start
	)
	pages.Pages(func(page mm.Page[S]) bool {
		if flush, err = pm.Map(page, frame, flags, alloc); err != nil {
			return false
		}
		method.apply(flush)
		frame = frame.Next()
		return true
	})

	return err
}

// IdentityMapRange identity maps every frame in frames.
func IdentityMapRange[S mm.PageSize](pm PageMapper[S], frames mm.FrameRange[S], flags PageTableEntryFlag, alloc mm.FrameAllocator[mm.Size4KiB], method TLBMethod) *kernel.Error {
	var (
		err   *kernel.Error
		flush TLBFlush
	)
	frames.Frames(func(frame mm.Frame[S]) bool {
		if flush, err = pm.IdentityMap(frame, flags, alloc); err != nil {
			return false
		}
		method.apply(flush)
		return true
	})

	return err
}

// MapRangeAlloc maps every page of pages to a fresh frame drawn from
// frameAlloc. Intermediate tables are allocated from tableAlloc. A failing
// frame allocator is reported as mm.ErrAlloc.
func MapRangeAlloc[S mm.PageSize](pm PageMapper[S], pages mm.PageRange[S], flags PageTableEntryFlag, tableAlloc mm.FrameAllocator[mm.Size4KiB], frameAlloc mm.FrameAllocator[S], method TLBMethod) *kernel.Error {
	var (
		err   *kernel.Error
		flush TLBFlush
		frame mm.Frame[S]
	)
	pages.Pages(func(page mm.Page[S]) bool {
		if frame, err = frameAlloc.AllocFrame(); err != nil {
			err = mm.ErrAlloc
			return false
		}
		if flush, err = pm.Map(page, frame, flags, tableAlloc); err != nil {
			return false
		}
		method.apply(flush)
		return true
	})

	return err
}

// UpdateFlagsRange replaces the flags of every page of pages. All pages must
// be mapped; the operation stops at the first page that is not.
func UpdateFlagsRange[S mm.PageSize](pm PageMapper[S], pages mm.PageRange[S], flags PageTableEntryFlag, method TLBMethod) *kernel.Error {
	var (
		err   *kernel.Error
		flush TLBFlush
	)
	pages.Pages(func(page mm.Page[S]) bool {
		if flush, err = pm.UpdateFlags(page, flags); err != nil {
			return false
		}
		method.apply(flush)
		return true
	})

	return err
}

// UnmapRange removes the mappings for every page of pages. Pages that are not
// mapped are skipped.
func UnmapRange[S mm.PageSize](pm PageMapper[S], pages mm.PageRange[S], method TLBMethod) *kernel.Error {
	var err *kernel.Error
	pages.Pages(func(page mm.Page[S]) bool {
		flush, unmapErr := pm.Unmap(page)
		switch unmapErr {
		case nil:
			method.apply(flush)
		case mm.ErrEntryMissing:
		default:
			err = unmapErr
			return false
		}
		return true
	})

	return err
}
