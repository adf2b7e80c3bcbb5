// Package machotest builds small but well-formed 64-bit Mach-O images in
// memory: __TEXT with a __stub_helper, __DATA with lazy symbol pointers and
// __LINKEDIT holding a lazy bind stream, laid out the way ld64 lays them out.
package machotest

import (
	"bytes"
	"encoding/binary"

	"github.com/blacktop/go-macho/types"
	"github.com/blacktop/lazyhook/pkg/dyld/bind"
	"github.com/blacktop/lazyhook/pkg/macho"
	"github.com/pkg/errors"
	"github.com/twmb/murmur3"
)

// Offsets relative to the link-time base of __TEXT.
const (
	TextSize     = 0x4000
	TextSectOff  = 0x1000
	StubHelpOff  = 0x3000
	DataVMOff    = 0x4000
	DataVMSize   = 0x4000
	DataFileSize = 0x1000
	LinkEditVM   = 0x8000
	LinkEditFile = 0x5000
	LinkEditSize = 0x4000
	MappedSize   = LinkEditVM + LinkEditSize

	DefaultBase   = 0x100000000
	DefaultSlide  = 0x7c000
	DefaultOffset = 0x100
)

const (
	mhFlags types.HeaderFlag = 0x1 | 0x4 | 0x80 // NOUNDEFS | DYLDLINK | TWOLEVEL

	sLazySymbolPointers types.SectionFlag = 0x7
	sAttrInstructions   types.SectionFlag = 0x80000000 | 0x400 // PURE_INSTRUCTIONS | SOME_INSTRUCTIONS
)

// Builder describes the image to build. The zero value plus Symbols is a
// dylib-like arm64 image: segment ordinals __TEXT=0, __DATA=1, __LINKEDIT=2.
type Builder struct {
	CPU   types.CPU // defaults to arm64
	Base  uint64    // link-time address of __TEXT, DefaultBase if zero
	Slide int64

	// Symbols are linker names ("_printf"), one lazy pointer each.
	Symbols []string
	// DataOffset is the offset of the first lazy pointer in __DATA, DefaultOffset if zero.
	DataOffset uint64

	PageZero     bool // prepend __PAGEZERO, shifting every ordinal by one
	NoDyldInfo   bool
	NoStubHelper bool
	DyldInfo     bool   // emit LC_DYLD_INFO instead of LC_DYLD_INFO_ONLY
	Stream       []byte // replaces the generated lazy bind stream
	// DataProt is the initial protection of __DATA, read/write if zero.
	DataProt types.VmProtection
}

// Fixture is a built image and what the builder knows about it.
type Fixture struct {
	Image *macho.Image
	Mem   *macho.Buffer

	Base       uint64 // runtime address of the mach header
	Stream     uint64 // runtime address of the lazy bind stream
	StubHelper uint64 // runtime address of __stub_helper
	DataOrd    int    // ordinal of __DATA

	Slots map[string]uint64 // linker name -> runtime slot address
	Stubs map[string]uint64 // linker name -> runtime stub helper entry
	Marks map[string]uint32 // linker name -> lazy bind stream offset
}

type stubLayout struct {
	header, entry uint64
}

func (b *Builder) defaults() {
	if b.CPU == 0 {
		b.CPU = types.CPUArm64
	}
	if b.Base == 0 {
		b.Base = DefaultBase
	}
	if b.DataOffset == 0 {
		b.DataOffset = DefaultOffset
	}
	if b.DataProt == 0 {
		b.DataProt = macho.ProtRead | macho.ProtWrite
	}
}

func (b *Builder) layout() (stubLayout, error) {
	switch b.CPU {
	case types.CPUArm64:
		return stubLayout{header: 0x18, entry: 0x0C}, nil
	case types.CPUAmd64:
		return stubLayout{header: 0x10, entry: 0x0A}, nil
	}
	return stubLayout{}, errors.Errorf("no stub helper encoding for %s", b.CPU)
}

// Build lays the image out and maps it at Base+Slide.
func (b Builder) Build() (*Fixture, error) {
	b.defaults()
	stubs, err := b.layout()
	if err != nil {
		return nil, err
	}

	runtime := b.Base + uint64(b.Slide)
	mem := make([]byte, MappedSize)
	fx := &Fixture{
		Base:       runtime,
		StubHelper: runtime + StubHelpOff,
		Slots:      make(map[string]uint64),
		Stubs:      make(map[string]uint64),
		Marks:      make(map[string]uint32),
	}

	ordinal := 0
	if b.PageZero {
		ordinal++
	}
	textOrd := ordinal
	fx.DataOrd = textOrd + 1

	// lazy bind stream
	var enc bind.Encoder
	for i, name := range b.Symbols {
		off := b.DataOffset + uint64(i)*8
		fx.Marks[name] = enc.LazyBind(uint8(fx.DataOrd), off, 1, name)
		fx.Slots[name] = runtime + DataVMOff + off
	}
	stream := enc.Bytes()
	if b.Stream != nil {
		stream = b.Stream
	}
	if len(stream) > LinkEditSize {
		return nil, errors.New("lazy bind stream does not fit in __LINKEDIT")
	}
	copy(mem[LinkEditVM:], stream)
	fx.Stream = runtime + LinkEditVM

	// stub helper: header, then one entry per symbol referring back to its mark
	helperSize := stubs.header
	if !b.NoStubHelper {
		for i, name := range b.Symbols {
			entry := StubHelpOff + stubs.header + uint64(i)*stubs.entry
			b.putStub(mem[entry:], fx.Marks[name], entry)
			fx.Stubs[name] = runtime + entry
			// dyld leaves lazy pointers aimed at their stub helper entry
			binary.LittleEndian.PutUint64(mem[DataVMOff+b.DataOffset+uint64(i)*8:], runtime+entry)
		}
		helperSize += uint64(len(b.Symbols)) * stubs.entry
	}

	cmds, ncmds, err := b.loadCommands(helperSize, len(stream))
	if err != nil {
		return nil, errors.Wrap(err, "failed to write load commands")
	}
	hdr := types.FileHeader{
		Magic:        types.Magic64,
		CPU:          b.CPU,
		Type:         types.MH_DYLIB,
		NCommands:    ncmds,
		SizeCommands: uint32(len(cmds)),
		Flags:        mhFlags,
	}
	if b.PageZero {
		hdr.Type = types.MH_EXECUTE
	}
	hdr.Put(mem, binary.LittleEndian)
	copy(mem[types.FileHeaderSize64:], cmds)
	copy(mem[TextSectOff:], bytes.Repeat([]byte{0x1f, 0x20, 0x03, 0xd5}, 0x40)) // nop

	fx.Mem = macho.NewBuffer(runtime, mem)
	fx.Image, err = macho.NewImage(fx.Mem, runtime, b.Slide)
	if err != nil {
		return nil, err
	}
	return fx, nil
}

func (b *Builder) putStub(dst []byte, mark uint32, entry uint64) {
	switch b.CPU {
	case types.CPUArm64:
		binary.LittleEndian.PutUint32(dst[0:], 0x18000050) // ldr w16, #8
		back := uint32(-int32(entry-StubHelpOff)/4) & 0x03ffffff
		binary.LittleEndian.PutUint32(dst[4:], 0x14000000|back) // b __stub_helper
		binary.LittleEndian.PutUint32(dst[8:], mark)
	case types.CPUAmd64:
		dst[0] = 0x68 // push imm32
		binary.LittleEndian.PutUint32(dst[1:], mark)
		dst[5] = 0xe9 // jmp rel32
		binary.LittleEndian.PutUint32(dst[6:], uint32(-int32(entry+10-StubHelpOff)))
	}
}

func name16(s string) (n [16]byte) {
	copy(n[:], s)
	return n
}

// cmdWriter appends little-endian records and keeps the first error.
type cmdWriter struct {
	buf bytes.Buffer
	err error
}

func (w *cmdWriter) write(v any) {
	if w.err != nil {
		return
	}
	if err := binary.Write(&w.buf, binary.LittleEndian, v); err != nil {
		w.err = errors.Wrapf(err, "failed to write %T", v)
	}
}

func (b *Builder) loadCommands(helperSize uint64, streamSize int) ([]byte, uint32, error) {
	var w cmdWriter
	var ncmds uint32
	write := w.write

	segment := func(name string, addr, memsz, off, filesz uint64, prot types.VmProtection, sects []types.Section64) {
		write(types.Segment64{
			LoadCmd: types.LC_SEGMENT_64,
			Len:     uint32(72 + 80*len(sects)),
			Name:    name16(name),
			Addr:    addr,
			Memsz:   memsz,
			Offset:  off,
			Filesz:  filesz,
			Maxprot: prot,
			Prot:    prot,
			Nsect:   uint32(len(sects)),
		})
		for _, s := range sects {
			write(s)
		}
		ncmds++
	}

	if b.PageZero {
		segment("__PAGEZERO", 0, b.Base, 0, 0, 0, nil)
	}

	text := []types.Section64{{
		Name:   name16("__text"),
		Seg:    name16(macho.SegText),
		Addr:   b.Base + TextSectOff,
		Size:   0x100,
		Offset: TextSectOff,
		Align:  2,
		Flags:  sAttrInstructions,
	}}
	if !b.NoStubHelper {
		text = append(text, types.Section64{
			Name:   name16(macho.SectStubHelper),
			Seg:    name16(macho.SegText),
			Addr:   b.Base + StubHelpOff,
			Size:   helperSize,
			Offset: StubHelpOff,
			Align:  2,
			Flags:  sAttrInstructions,
		})
	}
	segment(macho.SegText, b.Base, TextSize, 0, TextSize, 5, text)

	// a non-segment command between segments keeps command index and
	// segment ordinal apart
	write(types.UUIDCmd{
		LoadCmd: types.LC_UUID,
		Len:     24,
	})
	ncmds++

	segment(macho.SegData, b.Base+DataVMOff, DataVMSize, DataVMOff, DataFileSize, b.DataProt, []types.Section64{{
		Name:     name16(macho.SectLaSymPtr),
		Seg:      name16(macho.SegData),
		Addr:     b.Base + DataVMOff + b.DataOffset,
		Size:     uint64(len(b.Symbols)) * 8,
		Offset:   uint32(DataVMOff + b.DataOffset),
		Align:    3,
		Flags:    sLazySymbolPointers,
		Reserve1: 0,
	}})

	// vmaddr - fileoff of __LINKEDIT differs from __TEXT's on purpose
	segment(macho.SegLinkEdit, b.Base+LinkEditVM, LinkEditSize, LinkEditFile, LinkEditSize, 1, nil)

	if !b.NoDyldInfo {
		cmd := types.LC_DYLD_INFO_ONLY
		if b.DyldInfo {
			cmd = types.LC_DYLD_INFO
		}
		write(types.DyldInfoCmd{
			LoadCmd:      cmd,
			Len:          48,
			LazyBindOff:  LinkEditFile,
			LazyBindSize: uint32(streamSize),
		})
		ncmds++
	}

	return w.buf.Bytes(), ncmds, w.err
}

// File returns the image in file layout, as it would be on disk.
func (fx *Fixture) File() []byte {
	mem := fx.Mem.Bytes()
	file := make([]byte, LinkEditFile+LinkEditSize)
	copy(file, mem[:DataVMOff+DataFileSize])
	copy(file[LinkEditFile:], mem[LinkEditVM:LinkEditVM+LinkEditSize])
	return file
}

// Checksum hashes the whole mapped image.
func Checksum(m *macho.Buffer) uint64 {
	return murmur3.Sum64(m.Bytes())
}
