//go:build darwin

package macho

import (
	"unsafe"

	"github.com/blacktop/go-macho/types"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Process is the live address space of the current process, restricted to
// [start, end). Reads and writes go straight through unsafe pointers.
type Process struct {
	start uint64
	end   uint64
}

// NewProcess restricts live memory access to [start, end).
func NewProcess(start, end uint64) *Process {
	return &Process{start: start, end: end}
}

func (p *Process) Start() uint64 { return p.start }
func (p *Process) End() uint64   { return p.end }

func (p *Process) ReadAt(b []byte, addr uint64) error {
	if !contains(p, addr, len(b)) {
		return errors.Wrapf(ErrOutOfBounds, "%#x+%d not in [%#x, %#x)", addr, len(b), p.start, p.end)
	}
	copy(b, unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), len(b)))
	return nil
}

func (p *Process) WriteAt(b []byte, addr uint64) error {
	if !contains(p, addr, len(b)) {
		return errors.Wrapf(ErrOutOfBounds, "%#x+%d not in [%#x, %#x)", addr, len(b), p.start, p.end)
	}
	copy(unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), len(b)), b)
	return nil
}

// Protect sets the protection of the pages covering [addr, addr+n).
func (p *Process) Protect(addr uint64, n int, prot types.VmProtection) error {
	pageSize := uint64(unix.Getpagesize())
	first := addr &^ (pageSize - 1)
	last := (addr + uint64(n) + pageSize - 1) &^ (pageSize - 1)
	pages := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(first))), int(last-first))
	if err := unix.Mprotect(pages, unixProt(prot)); err != nil {
		return errors.Wrapf(err, "failed to mprotect %#x (prot %#x)", addr, uint32(prot))
	}
	return nil
}

func unixProt(prot types.VmProtection) int {
	var p int
	if prot&ProtRead != 0 {
		p |= unix.PROT_READ
	}
	if prot&ProtWrite != 0 {
		p |= unix.PROT_WRITE
	}
	if prot&ProtExec != 0 {
		p |= unix.PROT_EXEC
	}
	return p
}

// NewProcessImage wraps the image whose mach header is mapped at header. The
// accessible range runs from the header to the end of the highest mapped
// segment.
func NewProcessImage(header uintptr, slide int64) (*Image, error) {
	base := uint64(header)
	// enough to read the header and then the command table
	probe := NewProcess(base, base+32)
	img, err := NewImage(probe, base, slide)
	if err != nil {
		return nil, err
	}
	probe.end = base + 32 + uint64(img.SizeCommands)

	segs, err := img.Segments()
	if err != nil {
		return nil, err
	}
	end := probe.end
	for _, seg := range segs {
		if seg.Prot == 0 { // __PAGEZERO
			continue
		}
		if e := img.Addr(seg.Addr) + seg.Memsz; e > end {
			end = e
		}
	}
	img.mem = NewProcess(base, end)
	return img, nil
}
