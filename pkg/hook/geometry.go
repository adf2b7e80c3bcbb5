package hook

import (
	"fmt"

	"github.com/blacktop/go-macho/types"
)

// Geometry describes the layout of __TEXT,__stub_helper. Every entry embeds
// the lazy bind stream offset of the symbol it resolves.
type Geometry struct {
	HeaderSize uint64 // bytes before the first entry
	EntrySize  uint64
	RefOffset  uint64 // offset of the 32-bit back reference inside an entry
	RefShift   uint   // right shift applied to the 32-bit value read at RefOffset
}

var (
	// ldr w16, L0; b stub_helper; L0: .long lazy_bind_off
	GeometryArm64 = Geometry{HeaderSize: 0x18, EntrySize: 0x0C, RefOffset: 0x08}
	// push $lazy_bind_off; jmp stub_helper
	GeometryX86_64 = Geometry{HeaderSize: 0x10, EntrySize: 0x0A, RefOffset: 0x00, RefShift: 8}
)

func (g Geometry) String() string {
	return fmt.Sprintf("header=%#x entry=%#x ref=%#x>>%d", g.HeaderSize, g.EntrySize, g.RefOffset, g.RefShift)
}

func (g Geometry) backref(v uint32) uint32 {
	return v >> g.RefShift
}

// GeometryFor returns the stub helper layout of an image's CPU type.
func GeometryFor(cpu types.CPU) (Geometry, bool) {
	switch cpu {
	case types.CPUArm64:
		return GeometryArm64, true
	case types.CPUAmd64:
		return GeometryX86_64, true
	}
	return Geometry{}, false
}

// GeometryByName maps "arm64" and "x86_64" to their layout.
func GeometryByName(arch string) (Geometry, bool) {
	switch arch {
	case "arm64":
		return GeometryArm64, true
	case "x86_64":
		return GeometryX86_64, true
	}
	return Geometry{}, false
}
