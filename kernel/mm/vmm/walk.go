package vmm

import (
	"github.com/sirupsen/logrus"

	"vmcore/kernel"
	"vmcore/kernel/mm"
)

// Walker traverses the page table tree rooted at a Level4 table. Tables are
// accessed through a FrameTranslator so the same walker works with identity
// and offset mapped physical memory.
//
// A Walker performs no locking; callers must ensure that at most one walker
// mutates a given tree at any time.
type Walker struct {
	translator FrameTranslator
	root       mm.Frame[mm.Size4KiB]
	log        logrus.FieldLogger
}

// NewWalker returns a walker for the tree whose Level4 table lives in root.
func NewWalker(translator FrameTranslator, root mm.Frame[mm.Size4KiB]) *Walker {
	return &Walker{translator: translator, root: root}
}

// SetLogger enables tracing of table creation. A nil logger disables it.
func (w *Walker) SetLogger(log logrus.FieldLogger) {
	w.log = log
}

// Root returns the frame that holds the Level4 table.
func (w *Walker) Root() mm.Frame[mm.Size4KiB] {
	return w.root
}

// Level4 returns the root table of the tree.
func (w *Walker) Level4() *PageTable {
	return w.translator.TranslateFrame(w.root)
}

// walkStep is the outcome of following one present entry.
type walkStep struct {
	// table is set when the entry points to the next level table.
	table *PageTable

	// huge is set when the entry maps a huge page starting at frame.
	huge  bool
	frame mm.PhysicalAddr
	flags PageTableEntryFlag
}

// walkNext classifies an entry of a table at the given level (Level4 to
// Level2). A present non-huge entry yields the next table; a present huge
// entry at Level3 or Level2 yields the physical start of the huge page. An
// absent entry yields mm.ErrEntryMissing.
func (w *Walker) walkNext(level mm.Level, entry *PageEntry) (walkStep, *kernel.Error) {
	if !entry.IsPresent() {
		return walkStep{}, mm.ErrEntryMissing
	}

	if entry.IsHuge() {
		if !level.AllowsHuge() {
			return walkStep{}, mm.ErrUnexpectedHugePage
		}
		return walkStep{huge: true, frame: entry.Address(), flags: entry.Flags()}, nil
	}

	frame, err := entry.Frame()
	if err != nil {
		return walkStep{}, err
	}
	return walkStep{table: w.translator.TranslateFrame(frame)}, nil
}

// nextTable follows entry to the table one level below. Huge entries are
// reported as mm.ErrUnexpectedHugePage.
func (w *Walker) nextTable(level mm.Level, entry *PageEntry) (*PageTable, *kernel.Error) {
	step, err := w.walkNext(level, entry)
	if err != nil {
		return nil, err
	}
	if step.huge {
		return nil, mm.ErrUnexpectedHugePage
	}
	return step.table, nil
}

// nextTableOrCreate behaves like nextTable but when the entry is missing it
// allocates a frame from alloc, zeroes it and installs it in entry with
// intermediateFlags. Errors other than a missing entry are returned
// unchanged; a failing or nil allocator yields mm.ErrAlloc.
func (w *Walker) nextTableOrCreate(level mm.Level, entry *PageEntry, alloc mm.FrameAllocator[mm.Size4KiB]) (*PageTable, *kernel.Error) {
	table, err := w.nextTable(level, entry)
	if err != mm.ErrEntryMissing {
		return table, err
	}

	if alloc == nil {
		return nil, mm.ErrAlloc
	}

	frame, allocErr := alloc.AllocFrame()
	if allocErr != nil {
		return nil, mm.ErrAlloc
	}

	table = w.translator.TranslateFrame(frame)
	table.Zero()
	entry.Set(frame.Address(), intermediateFlags)

	if w.log != nil {
		w.log.WithFields(logrus.Fields{
			"level": level.Next().String(),
			"frame": frame.Address().String(),
		}).Debug("created page table")
	}

	return table, nil
}

// leafEntry walks from Level4 down to the table that holds the leaf entry for
// pages of size S and returns a pointer to that entry. Missing intermediate
// tables are created using alloc; when alloc is nil the walk fails with
// mm.ErrEntryMissing instead.
func leafEntry[S mm.PageSize](w *Walker, addr mm.VirtualAddr, alloc mm.FrameAllocator[mm.Size4KiB]) (*PageEntry, *kernel.Error) {
	var (
		leaf  = mm.LeafLevel[S]()
		table = w.Level4()
		err   *kernel.Error
	)

	for level := mm.Level4; level > leaf; level-- {
		entry := table.EntryFor(addr, level)
		if alloc != nil {
			table, err = w.nextTableOrCreate(level, entry, alloc)
		} else {
			table, err = w.nextTable(level, entry)
		}
		if err != nil {
			return nil, err
		}
	}

	return table.EntryFor(addr, leaf), nil
}

// TryTranslate walks the tree for addr without modifying it. Huge leaf entries
// terminate the walk early.
func (w *Walker) TryTranslate(addr mm.VirtualAddr) (Translation, *kernel.Error) {
	table := w.Level4()

	for level := mm.Level4; level > mm.Level1; level-- {
		step, err := w.walkNext(level, table.EntryFor(addr, level))
		if err != nil {
			return Translation{}, err
		}

		if step.huge {
			offset := addr.OffsetIn(level.Coverage())
			return Translation{
				Flags:  step.flags,
				Addr:   step.frame.Add(offset),
				Offset: offset,
				Size:   mm.Size(level.Coverage()),
			}, nil
		}

		table = step.table
	}

	entry := table.EntryFor(addr, mm.Level1)
	if !entry.IsPresent() {
		return Translation{}, mm.ErrEntryMissing
	}

	return Translation{
		Flags:  entry.Flags(),
		Addr:   entry.Address().Add(addr.PageOffset()),
		Offset: addr.PageOffset(),
		Size:   mm.Size(mm.BasePageSize),
	}, nil
}

// TryTranslateAddr returns the physical address that addr maps to.
func (w *Walker) TryTranslateAddr(addr mm.VirtualAddr) (mm.PhysicalAddr, *kernel.Error) {
	t, err := w.TryTranslate(addr)
	if err != nil {
		return 0, err
	}
	return t.Addr, nil
}

// Mapping describes one present leaf entry of a page table tree.
type Mapping struct {
	Virt  mm.VirtualAddr
	Phys  mm.PhysicalAddr
	Size  mm.Size
	Flags PageTableEntryFlag
}

// Visit invokes fn for every present leaf entry in ascending virtual address
// order. The traversal stops as soon as fn returns false.
func (w *Walker) Visit(fn func(Mapping) bool) {
	w.visitTable(w.Level4(), mm.Level4, 0, fn)
}

func (w *Walker) visitTable(table *PageTable, level mm.Level, base uintptr, fn func(Mapping) bool) bool {
	for index := range table {
		entry := &table[index]
		if !entry.IsPresent() {
			continue
		}

		virt := mm.CanonicalVirtualAddr(uint64(base | uintptr(index)<<level.Shift()))

		if level == mm.Level1 || (entry.IsHuge() && level.AllowsHuge()) {
			mapping := Mapping{
				Virt:  virt,
				Phys:  entry.Address(),
				Size:  mm.Size(level.Coverage()),
				Flags: entry.Flags(),
			}
			if !fn(mapping) {
				return false
			}
			continue
		}

		next, err := w.nextTable(level, entry)
		if err != nil {
			continue
		}
		if !w.visitTable(next, level.Next(), uintptr(virt), fn) {
			return false
		}
	}

	return true
}
