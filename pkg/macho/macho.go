// Package macho is a bounds-checked view of a 64-bit Mach-O image that is
// already mapped: the header, the load command table, and the segments it
// describes, all addressed by runtime (slid) virtual address.
package macho

import (
	"bytes"
	"encoding/binary"

	"github.com/blacktop/go-macho/types"
	"github.com/pkg/errors"
)

var (
	// ErrNot64Bit is returned for anything other than a little-endian MH_MAGIC_64 image.
	ErrNot64Bit = errors.New("not a 64-bit mach-o image")
	// ErrMalformedCommand is returned when the load command table cannot be walked safely.
	ErrMalformedCommand = errors.New("malformed load command")
	// ErrOutOfBounds is returned for any access outside the image's memory.
	ErrOutOfBounds = errors.New("address out of bounds")
)

// Image is a loaded Mach-O image: its header address, the slide dyld applied
// to it and the memory it lives in. An Image never caches anything it reads;
// every call re-reads the load commands.
type Image struct {
	types.FileHeader

	mem   Memory
	base  uint64
	slide int64
}

// NewImage decodes the header at base. slide is added to every link-time
// address the image contains.
func NewImage(mem Memory, base uint64, slide int64) (*Image, error) {
	var buf [types.FileHeaderSize64]byte
	if err := mem.ReadAt(buf[:], base); err != nil {
		return nil, errors.Wrap(err, "failed to read mach-o header")
	}

	var hdr types.FileHeader
	if err := binary.Read(bytes.NewReader(buf[:]), binary.LittleEndian, &hdr); err != nil {
		return nil, errors.Wrap(err, "failed to decode mach-o header")
	}
	if hdr.Magic != types.Magic64 {
		return nil, errors.Wrapf(ErrNot64Bit, "magic %#x", uint32(hdr.Magic))
	}

	return &Image{
		FileHeader: hdr,
		mem:        mem,
		base:       base,
		slide:      slide,
	}, nil
}

// Base is the runtime address of the mach header.
func (i *Image) Base() uint64 { return i.base }

// Slide is the load bias applied to link-time addresses.
func (i *Image) Slide() int64 { return i.slide }

// Memory returns the memory the image is mapped in.
func (i *Image) Memory() Memory { return i.mem }

// Addr converts a link-time virtual address into a runtime address.
func (i *Image) Addr(vmaddr uint64) uint64 {
	return vmaddr + uint64(i.slide)
}

// Contains reports whether n bytes at addr are mapped.
func (i *Image) Contains(addr uint64, n int) bool {
	return contains(i.mem, addr, n)
}

// Read returns a copy of n bytes at addr.
func (i *Image) Read(addr uint64, n int) ([]byte, error) {
	if !i.Contains(addr, n) {
		return nil, errors.Wrapf(ErrOutOfBounds, "%#x+%d", addr, n)
	}
	buf := make([]byte, n)
	if err := i.mem.ReadAt(buf, addr); err != nil {
		return nil, err
	}
	return buf, nil
}

// ReadUint32 reads a little-endian 32-bit value at addr.
func (i *Image) ReadUint32(addr uint64) (uint32, error) {
	return readUint32(i.mem, addr)
}

// ReadPointer reads the 64-bit pointer stored at addr.
func (i *Image) ReadPointer(addr uint64) (uint64, error) {
	return readUint64(i.mem, addr)
}

// WritePointer stores a 64-bit pointer at addr.
func (i *Image) WritePointer(addr, ptr uint64) error {
	return writeUint64(i.mem, addr, ptr)
}

// cstring returns the NUL-terminated prefix of a fixed width name field.
func cstring(b []byte) string {
	for i := range b {
		if b[i] == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
