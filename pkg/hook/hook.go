// Package hook redirects lazily bound imports of a loaded Mach-O image by
// rewriting their lazy symbol pointers, and restores them by pointing the
// slot back at dyld's stub helper.
//
// Nothing is remembered between calls: every Hook and Unhook re-derives the
// slot from the image's own load commands and lazy bind opcodes. Calls that
// target the same symbol must be serialized by the caller.
package hook

import (
	"fmt"

	"github.com/apex/log"
	"github.com/blacktop/lazyhook/pkg/dyld/bind"
	"github.com/blacktop/lazyhook/pkg/macho"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

// slot is a resolved lazy symbol pointer.
type slot struct {
	addr   uint64
	seg    *macho.Segment
	record *bind.Record
}

// lookup finds the first lazy binding of name and resolves its pointer slot.
// A nil slot with a nil error means there is nothing to patch.
func lookup(img *macho.Image, l *macho.Layout, name string, o *options) (*slot, error) {
	start, stream, err := img.LazyBindStream(l.LinkEdit, l.DyldInfo)
	if err != nil {
		return nil, err
	}
	ctx := log.WithFields(log.Fields{
		"symbol": name,
		"stream": fmt.Sprintf("%#x", start),
		"size":   humanize.Bytes(uint64(len(stream))),
	})

	rec, err := bind.Find(stream, name, o.match)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to scan lazy bind info for %s", name)
	}
	if rec == nil {
		ctx.Debug("symbol is not lazily bound")
		return nil, nil
	}

	addr, seg, ok, err := img.SlotAddress(rec.SegmentIndex, rec.Offset)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to resolve slot of %s", name)
	}
	if !ok {
		ctx.WithField("record", rec.String()).Debug("bind record does not resolve to a mapped slot")
		return nil, nil
	}

	return &slot{addr: addr, seg: seg, record: rec}, nil
}

// write stores ptr in the slot. A read-only segment in memory that can change
// protections is opened for writing and put back to its initial protection.
func write(img *macho.Image, s *slot, ptr uint64) (err error) {
	if p, ok := img.Memory().(macho.Protector); ok && !s.seg.Writable() {
		if err := p.Protect(s.addr, 8, s.seg.Prot|macho.ProtWrite); err != nil {
			return errors.Wrapf(err, "failed to make slot %#x writable", s.addr)
		}
		defer func() {
			if rerr := p.Protect(s.addr, 8, s.seg.Prot); rerr != nil && err == nil {
				err = errors.Wrapf(rerr, "failed to restore protection of slot %#x", s.addr)
			}
		}()
	}
	if err := img.WritePointer(s.addr, ptr); err != nil {
		return errors.Wrapf(err, "failed to write slot %#x", s.addr)
	}
	return nil
}

// Hook points every future call through the lazy pointer of name at
// replacement. If original is non-nil and still zero it receives the slot's
// previous value, so hooking the same symbol twice keeps the true original.
//
// It reports whether a slot was written. A missing __LINKEDIT or dyld info
// command, or a symbol that is not lazily bound, is not an error.
func Hook(img *macho.Image, name string, replacement uint64, original *uint64, opts ...Option) (bool, error) {
	o := newOptions(opts...)

	l, err := img.Locate(macho.NeedHook)
	if err != nil {
		return false, errors.Wrap(err, "failed to walk load commands")
	}
	if !l.Has(macho.NeedHook) {
		log.WithField("symbol", name).Debug("image has no __LINKEDIT or LC_DYLD_INFO")
		return false, nil
	}

	s, err := lookup(img, l, name, o)
	if err != nil || s == nil {
		return false, err
	}

	prev, err := img.ReadPointer(s.addr)
	if err != nil {
		return false, errors.Wrapf(err, "failed to read slot %#x", s.addr)
	}
	if err := write(img, s, replacement); err != nil {
		return false, err
	}
	if original != nil && *original == 0 {
		*original = prev
	}

	log.WithFields(log.Fields{
		"symbol":  name,
		"slot":    fmt.Sprintf("%#x", s.addr),
		"segment": s.seg.Name,
		"from":    fmt.Sprintf("%#x", prev),
		"to":      fmt.Sprintf("%#x", replacement),
	}).Debug("hooked")

	return true, nil
}

// Unhook points the lazy pointer of name back at its __stub_helper entry,
// so the next call goes through dyld's lazy binder again. The entry is the
// one whose embedded lazy bind offset equals the record's mark.
//
// It reports whether a slot was written. An image without a stub helper, an
// unknown CPU type or no matching entry leaves the slot untouched.
func Unhook(img *macho.Image, name string, opts ...Option) (bool, error) {
	o := newOptions(opts...)

	g, ok := o.geometryFor(img.CPU)
	if !ok {
		log.WithField("cpu", img.CPU.String()).Debug("no stub helper layout for cpu")
		return false, nil
	}

	l, err := img.Locate(macho.NeedUnhook)
	if err != nil {
		return false, errors.Wrap(err, "failed to walk load commands")
	}
	if !l.Has(macho.NeedUnhook) {
		log.WithField("symbol", name).Debug("image has no __LINKEDIT, LC_DYLD_INFO or __stub_helper")
		return false, nil
	}

	s, err := lookup(img, l, name, o)
	if err != nil || s == nil {
		return false, err
	}

	entry, ok, err := stubHelperEntry(img, l.StubHelper, g, s.record.Mark)
	if err != nil {
		return false, err
	}
	if !ok {
		log.WithFields(log.Fields{
			"symbol": name,
			"mark":   fmt.Sprintf("%#x", s.record.Mark),
		}).Debug("no stub helper entry refers to symbol")
		return false, nil
	}

	if err := write(img, s, entry); err != nil {
		return false, err
	}

	log.WithFields(log.Fields{
		"symbol": name,
		"slot":   fmt.Sprintf("%#x", s.addr),
		"stub":   fmt.Sprintf("%#x", entry),
	}).Debug("unhooked")

	return true, nil
}

// stubHelperEntry scans the stub helper in fixed steps for the entry whose
// back reference equals mark and returns its runtime address.
func stubHelperEntry(img *macho.Image, sect *macho.Section, g Geometry, mark uint32) (uint64, bool, error) {
	if g.EntrySize == 0 {
		return 0, false, errors.New("stub helper entry size is zero")
	}
	start := img.Addr(sect.Addr)
	end := start + sect.Size

	for p := start + g.HeaderSize; p < end && end-p >= g.RefOffset+4; p += g.EntrySize {
		v, err := img.ReadUint32(p + g.RefOffset)
		if err != nil {
			return 0, false, errors.Wrapf(err, "failed to read stub helper entry %#x", p)
		}
		if g.backref(v) == mark {
			return p, true, nil
		}
	}

	return 0, false, nil
}
