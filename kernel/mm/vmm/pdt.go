package vmm

import (
	"vmcore/kernel"
	"vmcore/kernel/mm"
)

// firstKernelEntry is the Level4 index where the upper (kernel) half of the
// address space begins.
const firstKernelEntry = mm.EntriesPerTable / 2

// NewAddressSpace allocates a frame for a new Level4 table, clears it and
// returns a mapper for the empty tree.
func NewAddressSpace(translator FrameTranslator, alloc mm.FrameAllocator[mm.Size4KiB]) (*Mapper, *kernel.Error) {
	root, err := alloc.AllocFrame()
	if err != nil {
		return nil, mm.ErrAlloc
	}

	translator.TranslateFrame(root).Zero()
	return NewMapper(translator, root), nil
}

// ShareKernelHalf copies the upper half Level4 entries of src into the tree
// managed by m so that both trees share the tables that map the kernel. Any
// existing upper half entries of m are overwritten. The lower half is left
// untouched.
func (m *Mapper) ShareKernelHalf(src *Mapper) {
	var (
		dst  = m.walker.Level4()
		from = src.walker.Level4()
	)

	for index := firstKernelEntry; index < mm.EntriesPerTable; index++ {
		dst[index] = from[index]
	}
}
