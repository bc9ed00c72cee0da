package vmm

import (
	"github.com/sirupsen/logrus"

	"vmcore/kernel"
	"vmcore/kernel/mm"
)

// tracingMapper decorates a PageMapper and logs every operation.
type tracingMapper[S mm.PageSize] struct {
	inner PageMapper[S]
	log   logrus.FieldLogger
}

// Traced returns a PageMapper that forwards all calls to inner and logs them
// at debug level. Failed operations are logged at warning level.
func Traced[S mm.PageSize](inner PageMapper[S], log logrus.FieldLogger) PageMapper[S] {
	return tracingMapper[S]{inner: inner, log: log}
}

func (t tracingMapper[S]) entry(op string, page mm.Page[S]) logrus.FieldLogger {
	var size S
	return t.log.WithFields(logrus.Fields{
		"op":   op,
		"page": page.Address().String(),
		"size": size.String(),
	})
}

func trace(log logrus.FieldLogger, err *kernel.Error) {
	if err != nil {
		log.WithField("err", err.Error()).Warn("page mapper operation failed")
		return
	}
	log.Debug("page mapper operation")
}

func (t tracingMapper[S]) Map(page mm.Page[S], frame mm.Frame[S], flags PageTableEntryFlag, alloc mm.FrameAllocator[mm.Size4KiB]) (TLBFlush, *kernel.Error) {
	flush, err := t.inner.Map(page, frame, flags, alloc)
	trace(t.entry("map", page).WithFields(logrus.Fields{
		"frame": frame.Address().String(),
		"flags": flags.String(),
	}), err)
	return flush, err
}

func (t tracingMapper[S]) UpdateFlags(page mm.Page[S], flags PageTableEntryFlag) (TLBFlush, *kernel.Error) {
	flush, err := t.inner.UpdateFlags(page, flags)
	trace(t.entry("update_flags", page).WithField("flags", flags.String()), err)
	return flush, err
}

func (t tracingMapper[S]) Unmap(page mm.Page[S]) (TLBFlush, *kernel.Error) {
	flush, err := t.inner.Unmap(page)
	trace(t.entry("unmap", page), err)
	return flush, err
}

// IdentityMap routes through Map so the identity mapping is logged once with
// its resolved page.
func (t tracingMapper[S]) IdentityMap(frame mm.Frame[S], flags PageTableEntryFlag, alloc mm.FrameAllocator[mm.Size4KiB]) (TLBFlush, *kernel.Error) {
	return identityMap[S](t, frame, flags, alloc)
}

func (t tracingMapper[S]) Translate(page mm.Page[S]) (mm.Frame[S], *kernel.Error) {
	frame, err := t.inner.Translate(page)
	trace(t.entry("translate", page).WithField("frame", frame.Address().String()), err)
	return frame, err
}
