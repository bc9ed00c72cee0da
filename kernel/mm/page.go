package mm

import "vmcore/kernel"

var (
	// ErrEntryMissing is returned when a page table walk reaches an entry
	// that is not present.
	ErrEntryMissing = &kernel.Error{Module: "mm", Message: "page table entry is not present"}

	// ErrUnexpectedHugePage is returned when a page table walk expects a
	// pointer to the next table but finds an entry that maps a huge page.
	ErrUnexpectedHugePage = &kernel.Error{Module: "mm", Message: "page table entry maps a huge page"}

	// ErrAlloc is returned when a frame allocator fails to supply a frame.
	ErrAlloc = &kernel.Error{Module: "mm", Message: "frame allocation failed"}

	errMisalignedAddr = &kernel.Error{Module: "mm", Message: "address is not aligned to the page size"}
)

// Frame describes a physical memory frame of size S. The start address of a
// frame is always a multiple of S.
type Frame[S PageSize] struct {
	start PhysicalAddr
}

// FrameContaining returns the frame of size S that contains the given
// physical address.
func FrameContaining[S PageSize](addr PhysicalAddr) Frame[S] {
	return Frame[S]{start: addr.AlignDown(SizeOf[S]())}
}

// NewFrame returns the frame of size S starting at addr or an error if addr
// is not aligned to S.
func NewFrame[S PageSize](addr PhysicalAddr) (Frame[S], *kernel.Error) {
	if !addr.IsAligned(SizeOf[S]()) {
		return Frame[S]{}, errMisalignedAddr
	}
	return Frame[S]{start: addr}, nil
}

// Address returns the physical start address of this frame.
func (f Frame[S]) Address() PhysicalAddr { return f.start }

// EndAddress returns the first physical address past this frame.
func (f Frame[S]) EndAddress() PhysicalAddr { return f.start.Add(SizeOf[S]()) }

// Size returns the frame size in bytes.
func (f Frame[S]) Size() uintptr { return SizeOf[S]() }

// Next returns the frame that immediately follows this one.
func (f Frame[S]) Next() Frame[S] { return Frame[S]{start: f.EndAddress()} }

// Add returns the frame located count frames after this one.
func (f Frame[S]) Add(count uintptr) Frame[S] {
	return Frame[S]{start: f.start.Add(count * SizeOf[S]())}
}

// Page describes a virtual memory page of size S. The start address of a
// page is always a multiple of S.
type Page[S PageSize] struct {
	start VirtualAddr
}

// PageContaining returns the page of size S that contains the given virtual
// address.
func PageContaining[S PageSize](addr VirtualAddr) Page[S] {
	return Page[S]{start: addr.AlignDown(SizeOf[S]())}
}

// NewPage returns the page of size S starting at addr or an error if addr is
// not aligned to S.
func NewPage[S PageSize](addr VirtualAddr) (Page[S], *kernel.Error) {
	if !addr.IsAligned(SizeOf[S]()) {
		return Page[S]{}, errMisalignedAddr
	}
	return Page[S]{start: addr}, nil
}

// Address returns the virtual start address of this page.
func (p Page[S]) Address() VirtualAddr { return p.start }

// EndAddress returns the first virtual address past this page.
func (p Page[S]) EndAddress() VirtualAddr { return p.start.Add(SizeOf[S]()) }

// Size returns the page size in bytes.
func (p Page[S]) Size() uintptr { return SizeOf[S]() }

// Next returns the page that immediately follows this one.
func (p Page[S]) Next() Page[S] { return Page[S]{start: p.EndAddress()} }

// Add returns the page located count pages after this one.
func (p Page[S]) Add(count uintptr) Page[S] {
	return Page[S]{start: p.start.Add(count * SizeOf[S]())}
}

// PageTableIndex returns the index of this page inside the table at the
// supplied level.
func (p Page[S]) PageTableIndex(level Level) uint16 {
	return p.start.PageTableIndex(level)
}

// PageRange is a half-open range [Start, End) of pages of size S.
type PageRange[S PageSize] struct {
	Start Page[S]
	End   Page[S]
}

// PageRangeWithSize returns the range of pages of size S covering size bytes
// starting at the page that contains addr.
func PageRangeWithSize[S PageSize](addr VirtualAddr, size uintptr) PageRange[S] {
	start := PageContaining[S](addr)
	return PageRange[S]{
		Start: start,
		End:   PageContaining[S](addr.Add(size).AlignUp(SizeOf[S]())),
	}
}

// Len returns the number of pages in the range.
func (r PageRange[S]) Len() uintptr {
	if r.End.start <= r.Start.start {
		return 0
	}
	return uintptr(r.End.start-r.Start.start) / SizeOf[S]()
}

// IsEmpty returns true if the range contains no pages.
func (r PageRange[S]) IsEmpty() bool { return r.Len() == 0 }

// Pages invokes fn for each page in the range in ascending order. Iteration
// stops early if fn returns false.
func (r PageRange[S]) Pages(fn func(Page[S]) bool) {
	for i, page := uintptr(0), r.Start; i < r.Len(); i, page = i+1, page.Next() {
		if !fn(page) {
			return
		}
	}
}

// FrameRange is a half-open range [Start, End) of frames of size S.
type FrameRange[S PageSize] struct {
	Start Frame[S]
	End   Frame[S]
}

// FrameRangeWithSize returns the range of frames of size S covering size
// bytes starting at the frame that contains addr.
func FrameRangeWithSize[S PageSize](addr PhysicalAddr, size uintptr) FrameRange[S] {
	return FrameRange[S]{
		Start: FrameContaining[S](addr),
		End:   FrameContaining[S](addr.Add(size).AlignUp(SizeOf[S]())),
	}
}

// Len returns the number of frames in the range.
func (r FrameRange[S]) Len() uintptr {
	if r.End.start <= r.Start.start {
		return 0
	}
	return uintptr(r.End.start-r.Start.start) / SizeOf[S]()
}

// IsEmpty returns true if the range contains no frames.
func (r FrameRange[S]) IsEmpty() bool { return r.Len() == 0 }

// Frames invokes fn for each frame in the range in ascending order. Iteration
// stops early if fn returns false.
func (r FrameRange[S]) Frames(fn func(Frame[S]) bool) {
	for i, frame := uintptr(0), r.Start; i < r.Len(); i, frame = i+1, frame.Next() {
		if !fn(frame) {
			return
		}
	}
}

// FrameAllocator is implemented by types that can supply physical frames of
// size S.
type FrameAllocator[S PageSize] interface {
	AllocFrame() (Frame[S], *kernel.Error)
}

// FrameAllocatorFn adapts a plain function to the FrameAllocator interface.
type FrameAllocatorFn[S PageSize] func() (Frame[S], *kernel.Error)

// AllocFrame implements FrameAllocator.
func (fn FrameAllocatorFn[S]) AllocFrame() (Frame[S], *kernel.Error) {
	return fn()
}
