package hook

import (
	"fmt"

	"github.com/blacktop/lazyhook/pkg/dyld/bind"
	"github.com/blacktop/lazyhook/pkg/macho"
	"github.com/pkg/errors"
)

// A Binding is a lazily bound import together with its pointer slot.
type Binding struct {
	bind.Record
	Slot  uint64 // runtime address of the lazy pointer, zero if it does not resolve
	Value uint64 // current contents of the slot
}

func (b Binding) String() string {
	return fmt.Sprintf("%#016x -> %#016x\t%s", b.Slot, b.Value, b.Symbol)
}

// Symbols lists every lazy binding of the image in stream order.
func Symbols(img *macho.Image) ([]Binding, error) {
	l, err := img.Locate(macho.NeedHook)
	if err != nil {
		return nil, errors.Wrap(err, "failed to walk load commands")
	}
	if !l.Has(macho.NeedHook) {
		return nil, nil
	}

	_, stream, err := img.LazyBindStream(l.LinkEdit, l.DyldInfo)
	if err != nil {
		return nil, err
	}

	segs, err := img.Segments()
	if err != nil {
		return nil, err
	}

	var binds []Binding
	err = bind.Walk(stream, func(rec bind.Record) error {
		b := Binding{Record: rec}
		if rec.SegmentIndex < len(segs) {
			seg := segs[rec.SegmentIndex]
			if rec.Offset <= seg.Memsz && seg.Memsz-rec.Offset >= 8 {
				addr := img.Addr(seg.Addr) + rec.Offset
				if v, err := img.ReadPointer(addr); err == nil {
					b.Slot = addr
					b.Value = v
				}
			}
		}
		binds = append(binds, b)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan lazy bind info")
	}

	return binds, nil
}
