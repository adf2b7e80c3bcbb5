package macho

import (
	"encoding/binary"

	"github.com/blacktop/go-macho/types"
	"github.com/pkg/errors"
)

// Memory is a contiguous range of virtual addresses [Start, End) that an
// Image is read from and patched in.
type Memory interface {
	Start() uint64
	End() uint64
	ReadAt(p []byte, addr uint64) error
	WriteAt(p []byte, addr uint64) error
}

// Protector is implemented by memory that can change page protections
// before a write lands in a read-only segment.
type Protector interface {
	Protect(addr uint64, n int, prot types.VmProtection) error
}

// Buffer is Memory backed by a byte slice mapped at a base address.
type Buffer struct {
	base uint64
	data []byte
}

// NewBuffer maps data at base.
func NewBuffer(base uint64, data []byte) *Buffer {
	return &Buffer{base: base, data: data}
}

func (b *Buffer) Start() uint64 { return b.base }
func (b *Buffer) End() uint64   { return b.base + uint64(len(b.data)) }

// Bytes returns the underlying slice; writes through it are visible to the image.
func (b *Buffer) Bytes() []byte { return b.data }

func (b *Buffer) ReadAt(p []byte, addr uint64) error {
	off, err := b.offset(addr, len(p))
	if err != nil {
		return err
	}
	copy(p, b.data[off:])
	return nil
}

func (b *Buffer) WriteAt(p []byte, addr uint64) error {
	off, err := b.offset(addr, len(p))
	if err != nil {
		return err
	}
	copy(b.data[off:], p)
	return nil
}

func (b *Buffer) offset(addr uint64, n int) (uint64, error) {
	if !contains(b, addr, n) {
		return 0, errors.Wrapf(ErrOutOfBounds, "%#x+%d not in [%#x, %#x)", addr, n, b.Start(), b.End())
	}
	return addr - b.base, nil
}

// contains reports whether [addr, addr+n) lies inside m.
func contains(m Memory, addr uint64, n int) bool {
	if n < 0 || addr < m.Start() || addr > m.End() {
		return false
	}
	return uint64(n) <= m.End()-addr
}

func readUint32(m Memory, addr uint64) (uint32, error) {
	var b [4]byte
	if err := m.ReadAt(b[:], addr); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func readUint64(m Memory, addr uint64) (uint64, error) {
	var b [8]byte
	if err := m.ReadAt(b[:], addr); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func writeUint64(m Memory, addr, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return m.WriteAt(b[:], addr)
}
