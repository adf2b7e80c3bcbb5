package macho

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/blacktop/go-macho/types"
	"github.com/pkg/errors"
)

// DyldInfo is a decoded LC_DYLD_INFO or LC_DYLD_INFO_ONLY. The offsets are
// file offsets into __LINKEDIT.
type DyldInfo struct {
	types.DyldInfoCmd
	Command LoadCommand
}

func (d *DyldInfo) String() string {
	return fmt.Sprintf("%s lazy_bind_off=%#x lazy_bind_size=%#x", d.Command.Cmd, d.LazyBindOff, d.LazyBindSize)
}

func isDyldInfo(c types.LoadCmd) bool {
	return c == types.LC_DYLD_INFO || c == types.LC_DYLD_INFO_ONLY
}

// DyldInfo decodes a dyld info command.
func (i *Image) DyldInfo(lc LoadCommand) (*DyldInfo, error) {
	if !isDyldInfo(lc.Cmd) {
		return nil, errors.Errorf("%s is not a dyld info command", lc.Cmd)
	}
	dat, err := i.payload(lc)
	if err != nil {
		return nil, err
	}
	info := &DyldInfo{Command: lc}
	if err := binary.Read(bytes.NewReader(dat), binary.LittleEndian, &info.DyldInfoCmd); err != nil {
		return nil, errors.Wrapf(ErrMalformedCommand, "failed to decode %s: %v", lc.Cmd, err)
	}
	return info, nil
}

// Need selects which structures Locate should find.
type Need uint8

const (
	NeedLinkEdit Need = 1 << iota
	NeedDyldInfo
	NeedStubHelper

	NeedHook   = NeedLinkEdit | NeedDyldInfo
	NeedUnhook = NeedHook | NeedStubHelper
)

// Layout holds the structures found by Locate. Missing ones are nil.
type Layout struct {
	LinkEdit   *Segment
	DyldInfo   *DyldInfo
	Text       *Segment
	StubHelper *Section
}

// Has reports whether every structure in need was found.
func (l *Layout) Has(need Need) bool {
	if need&NeedLinkEdit != 0 && l.LinkEdit == nil {
		return false
	}
	if need&NeedDyldInfo != 0 && l.DyldInfo == nil {
		return false
	}
	if need&NeedStubHelper != 0 && l.StubHelper == nil {
		return false
	}
	return true
}

// Locate walks the load commands once, classifying __LINKEDIT, the dyld info
// command and (when asked for) __TEXT,__stub_helper. The walk stops as soon
// as everything in need has been found.
func (i *Image) Locate(need Need) (*Layout, error) {
	l := new(Layout)
	ordinal := 0
	err := i.Walk(func(lc LoadCommand) error {
		switch {
		case lc.Cmd == types.LC_SEGMENT_64:
			seg, err := i.Segment(lc, ordinal)
			if err != nil {
				return err
			}
			ordinal++
			switch seg.Name {
			case SegLinkEdit:
				l.LinkEdit = seg
			case SegText:
				l.Text = seg
				if need&NeedStubHelper != 0 {
					l.StubHelper = seg.Section(SectStubHelper)
				}
			}
		case isDyldInfo(lc.Cmd):
			info, err := i.DyldInfo(lc)
			if err != nil {
				return err
			}
			l.DyldInfo = info
		}
		if l.Has(need) {
			return ErrStopWalk
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return l, nil
}

// LazyBindStream returns the runtime address and a copy of the lazy binding
// opcodes. The stream must lie inside __LINKEDIT's file range.
func (i *Image) LazyBindStream(linkedit *Segment, info *DyldInfo) (uint64, []byte, error) {
	off := uint64(info.LazyBindOff)
	size := uint64(info.LazyBindSize)
	if off < linkedit.Offset || off+size > linkedit.Offset+linkedit.Filesz {
		return 0, nil, errors.Wrapf(ErrMalformedCommand, "lazy bind info [%#x, %#x) outside %s [%#x, %#x)",
			off, off+size, linkedit.Name, linkedit.Offset, linkedit.Offset+linkedit.Filesz)
	}
	start := i.Addr(linkedit.Addr-linkedit.Offset) + off
	dat, err := i.Read(start, int(size))
	if err != nil {
		return 0, nil, errors.Wrap(err, "failed to read lazy bind info")
	}
	return start, dat, nil
}

// SlotAddress resolves a bind record's (segment ordinal, offset) pair into the
// runtime address of the pointer slot. ok is false when the ordinal does not
// name a segment or the slot is not inside it.
func (i *Image) SlotAddress(ordinal int, offset uint64) (addr uint64, seg *Segment, ok bool, err error) {
	seg, err = i.SegmentByOrdinal(ordinal)
	if err != nil || seg == nil {
		return 0, nil, false, err
	}
	if offset > seg.Memsz || seg.Memsz-offset < 8 {
		return 0, seg, false, nil
	}
	addr = i.Addr(seg.Addr) + offset
	if !i.Contains(addr, 8) {
		return 0, seg, false, nil
	}
	return addr, seg, true, nil
}
