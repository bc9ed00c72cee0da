package vmm

import "vmcore/kernel/mm"

// TLBFlush is returned by every operation that modifies a leaf entry. The
// caller decides whether the stale TLB entry for the page is invalidated right
// away (Flush) or left for a later bulk invalidation (Ignore). Modifications
// are never flushed implicitly.
type TLBFlush struct {
	page mm.VirtualAddr
}

// Page returns the virtual address whose TLB entry is stale.
func (f TLBFlush) Page() mm.VirtualAddr {
	return f.page
}

// Flush invalidates the TLB entry for the modified page.
func (f TLBFlush) Flush() {
	flushTLBEntryFn(uintptr(f.page))
}

// Ignore discards the token; the caller takes responsibility for flushing
// the TLB at a later point (e.g. via Mapper.FlushAll).
func (f TLBFlush) Ignore() {}

// TLBMethod selects how range operations deal with the TLBFlush tokens of the
// individual pages.
type TLBMethod uint8

const (
	// TLBIgnore discards all tokens.
	TLBIgnore TLBMethod = iota

	// TLBInvalidate flushes the entry of every modified page.
	TLBInvalidate
)

func (m TLBMethod) apply(f TLBFlush) {
	if m == TLBInvalidate {
		f.Flush()
		return
	}
	f.Ignore()
}

func (m TLBMethod) String() string {
	if m == TLBInvalidate {
		return "invalidate"
	}
	return "ignore"
}
