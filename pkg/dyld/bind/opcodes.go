// Package bind decodes dyld's compressed bind opcode streams, in particular
// the lazy binding stream of LC_DYLD_INFO.
package bind

import (
	"fmt"

	"github.com/blacktop/go-macho/types"
)

// An Opcode is the high nibble of a bind opcode byte.
type Opcode uint8

const (
	OpcodeMask    = types.BIND_OPCODE_MASK
	ImmediateMask = types.BIND_IMMEDIATE_MASK
)

const (
	Done                        Opcode = types.BIND_OPCODE_DONE
	SetDylibOrdinalImm          Opcode = types.BIND_OPCODE_SET_DYLIB_ORDINAL_IMM
	SetDylibOrdinalUleb         Opcode = types.BIND_OPCODE_SET_DYLIB_ORDINAL_ULEB
	SetDylibSpecialImm          Opcode = types.BIND_OPCODE_SET_DYLIB_SPECIAL_IMM
	SetSymbolTrailingFlagsImm   Opcode = types.BIND_OPCODE_SET_SYMBOL_TRAILING_FLAGS_IMM
	SetTypeImm                  Opcode = types.BIND_OPCODE_SET_TYPE_IMM
	SetAddendSleb               Opcode = types.BIND_OPCODE_SET_ADDEND_SLEB
	SetSegmentAndOffsetUleb     Opcode = types.BIND_OPCODE_SET_SEGMENT_AND_OFFSET_ULEB
	AddAddrUleb                 Opcode = types.BIND_OPCODE_ADD_ADDR_ULEB
	DoBind                      Opcode = types.BIND_OPCODE_DO_BIND
	DoBindAddAddrUleb           Opcode = types.BIND_OPCODE_DO_BIND_ADD_ADDR_ULEB
	DoBindAddAddrImmScaled      Opcode = types.BIND_OPCODE_DO_BIND_ADD_ADDR_IMM_SCALED
	DoBindUlebTimesSkippingUleb Opcode = types.BIND_OPCODE_DO_BIND_ULEB_TIMES_SKIPPING_ULEB
	Threaded                    Opcode = types.BIND_OPCODE_THREADED
)

// Split returns the opcode and immediate of b.
func Split(b byte) (Opcode, uint8) {
	return Opcode(b & OpcodeMask), b & ImmediateMask
}

// uleb operands that follow each opcode, not counting the symbol name.
func (op Opcode) operands(imm uint8) int {
	switch op {
	case SetDylibOrdinalUleb, SetAddendSleb, SetSegmentAndOffsetUleb, AddAddrUleb, DoBindAddAddrUleb:
		return 1
	case DoBindUlebTimesSkippingUleb:
		return 2
	case Threaded:
		if imm == types.BIND_SUBOPCODE_THREADED_SET_BIND_ORDINAL_TABLE_SIZE_ULEB {
			return 1
		}
	}
	return 0
}

var opcodeNames = map[Opcode]string{
	Done:                        "BIND_OPCODE_DONE",
	SetDylibOrdinalImm:          "BIND_OPCODE_SET_DYLIB_ORDINAL_IMM",
	SetDylibOrdinalUleb:         "BIND_OPCODE_SET_DYLIB_ORDINAL_ULEB",
	SetDylibSpecialImm:          "BIND_OPCODE_SET_DYLIB_SPECIAL_IMM",
	SetSymbolTrailingFlagsImm:   "BIND_OPCODE_SET_SYMBOL_TRAILING_FLAGS_IMM",
	SetTypeImm:                  "BIND_OPCODE_SET_TYPE_IMM",
	SetAddendSleb:               "BIND_OPCODE_SET_ADDEND_SLEB",
	SetSegmentAndOffsetUleb:     "BIND_OPCODE_SET_SEGMENT_AND_OFFSET_ULEB",
	AddAddrUleb:                 "BIND_OPCODE_ADD_ADDR_ULEB",
	DoBind:                      "BIND_OPCODE_DO_BIND",
	DoBindAddAddrUleb:           "BIND_OPCODE_DO_BIND_ADD_ADDR_ULEB",
	DoBindAddAddrImmScaled:      "BIND_OPCODE_DO_BIND_ADD_ADDR_IMM_SCALED",
	DoBindUlebTimesSkippingUleb: "BIND_OPCODE_DO_BIND_ULEB_TIMES_SKIPPING_ULEB",
	Threaded:                    "BIND_OPCODE_THREADED",
}

func (op Opcode) String() string {
	if s, ok := opcodeNames[op]; ok {
		return s
	}
	return fmt.Sprintf("BIND_OPCODE(%#x)", uint8(op))
}
