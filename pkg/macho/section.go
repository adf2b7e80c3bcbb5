package macho

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/blacktop/go-macho/types"
	"github.com/pkg/errors"
)

const (
	segment64Size = 72
	section64Size = 80
)

// Segment and section names the hook machinery looks for.
const (
	SegText        = "__TEXT"
	SegData        = "__DATA"
	SegLinkEdit    = "__LINKEDIT"
	SectStubHelper = "__stub_helper"
	SectLaSymPtr   = "__la_symbol_ptr"
)

// A Section is a decoded section of a 64-bit segment. Addr is the link-time address.
type Section struct {
	Name   string
	Seg    string
	Addr   uint64
	Size   uint64
	Offset uint32
	Flags  types.SectionFlag
}

func (s *Section) String() string {
	return fmt.Sprintf("%s.%s\taddr=%#x size=%#x", s.Seg, s.Name, s.Addr, s.Size)
}

// VM protection bits of a segment's initprot/maxprot.
const (
	ProtRead  types.VmProtection = 0x1
	ProtWrite types.VmProtection = 0x2
	ProtExec  types.VmProtection = 0x4
)

// A Segment is a decoded LC_SEGMENT_64. Ordinal is the segment's position
// among segment commands only, which is how bind records refer to it.
type Segment struct {
	Name     string
	Addr     uint64
	Memsz    uint64
	Offset   uint64
	Filesz   uint64
	Maxprot  types.VmProtection
	Prot     types.VmProtection
	Ordinal  int
	Command  LoadCommand
	Sections []*Section
}

// Writable reports whether the segment is mapped writable initially.
func (s *Segment) Writable() bool {
	return s.Prot&ProtWrite != 0
}

// Section returns the named section or nil.
func (s *Segment) Section(name string) *Section {
	for _, sec := range s.Sections {
		if sec.Name == name {
			return sec
		}
	}
	return nil
}

func (s *Segment) String() string {
	return fmt.Sprintf("%d: %s\taddr=%#x memsz=%#x off=%#x filesz=%#x nsect=%d",
		s.Ordinal, s.Name, s.Addr, s.Memsz, s.Offset, s.Filesz, len(s.Sections))
}

// Segment decodes a LC_SEGMENT_64 command and its sections.
func (i *Image) Segment(lc LoadCommand, ordinal int) (*Segment, error) {
	if lc.Cmd != types.LC_SEGMENT_64 {
		return nil, errors.Errorf("%s is not %s", lc.Cmd, types.LC_SEGMENT_64)
	}
	if lc.Len < segment64Size {
		return nil, errors.Wrapf(ErrMalformedCommand, "segment command %d too small (%d)", lc.Index, lc.Len)
	}

	dat, err := i.payload(lc)
	if err != nil {
		return nil, err
	}

	var seg types.Segment64
	if err := binary.Read(bytes.NewReader(dat), binary.LittleEndian, &seg); err != nil {
		return nil, errors.Wrap(err, "failed to decode segment command")
	}
	if uint64(seg.Nsect)*section64Size > uint64(lc.Len-segment64Size) {
		return nil, errors.Wrapf(ErrMalformedCommand, "segment %s: %d sections do not fit in cmdsize %d",
			cstring(seg.Name[:]), seg.Nsect, lc.Len)
	}

	s := &Segment{
		Name:    cstring(seg.Name[:]),
		Addr:    seg.Addr,
		Memsz:   seg.Memsz,
		Offset:  seg.Offset,
		Filesz:  seg.Filesz,
		Maxprot: seg.Maxprot,
		Prot:    seg.Prot,
		Ordinal: ordinal,
		Command: lc,
	}

	r := bytes.NewReader(dat[segment64Size:])
	for j := uint32(0); j < seg.Nsect; j++ {
		var sh types.Section64
		if err := binary.Read(r, binary.LittleEndian, &sh); err != nil {
			return nil, errors.Wrapf(err, "failed to decode section %d of %s", j, s.Name)
		}
		s.Sections = append(s.Sections, &Section{
			Name:   cstring(sh.Name[:]),
			Seg:    cstring(sh.Seg[:]),
			Addr:   sh.Addr,
			Size:   sh.Size,
			Offset: sh.Offset,
			Flags:  sh.Flags,
		})
	}

	return s, nil
}

// Segments returns every LC_SEGMENT_64 in command order.
func (i *Image) Segments() ([]*Segment, error) {
	var segs []*Segment
	err := i.Walk(func(lc LoadCommand) error {
		if lc.Cmd != types.LC_SEGMENT_64 {
			return nil
		}
		seg, err := i.Segment(lc, len(segs))
		if err != nil {
			return err
		}
		segs = append(segs, seg)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return segs, nil
}

// SegmentByOrdinal returns the nth segment command, or nil if the image has
// fewer segments.
func (i *Image) SegmentByOrdinal(ordinal int) (*Segment, error) {
	if ordinal < 0 {
		return nil, nil
	}
	var (
		found *Segment
		count int
	)
	err := i.Walk(func(lc LoadCommand) error {
		if lc.Cmd != types.LC_SEGMENT_64 {
			return nil
		}
		if count == ordinal {
			seg, err := i.Segment(lc, ordinal)
			if err != nil {
				return err
			}
			found = seg
			return ErrStopWalk
		}
		count++
		return nil
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}
