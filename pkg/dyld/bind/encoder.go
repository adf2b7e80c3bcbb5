package bind

// An Encoder builds a bind opcode stream.
type Encoder struct {
	buf []byte
}

// Len is the number of bytes written so far.
func (e *Encoder) Len() int { return len(e.buf) }

// Bytes returns the encoded stream.
func (e *Encoder) Bytes() []byte { return e.buf }

func (e *Encoder) op(op Opcode, imm uint8) {
	e.buf = append(e.buf, byte(op)|(imm&ImmediateMask))
}

// SetSegmentAndOffset emits SetSegmentAndOffsetUleb and returns its stream offset.
func (e *Encoder) SetSegmentAndOffset(segment uint8, offset uint64) uint32 {
	mark := uint32(len(e.buf))
	e.op(SetSegmentAndOffsetUleb, segment)
	e.buf = AppendUleb128(e.buf, offset)
	return mark
}

// SetDylibOrdinal uses the immediate form when the ordinal fits in a nibble.
func (e *Encoder) SetDylibOrdinal(ordinal uint64) {
	if ordinal <= ImmediateMask {
		e.op(SetDylibOrdinalImm, uint8(ordinal))
		return
	}
	e.op(SetDylibOrdinalUleb, 0)
	e.buf = AppendUleb128(e.buf, ordinal)
}

// SetSymbol emits SetSymbolTrailingFlagsImm followed by the NUL-terminated name.
func (e *Encoder) SetSymbol(name string, flags uint8) {
	e.op(SetSymbolTrailingFlagsImm, flags)
	e.buf = append(e.buf, name...)
	e.buf = append(e.buf, 0)
}

// Emit appends a raw opcode with its immediate.
func (e *Encoder) Emit(op Opcode, imm uint8) { e.op(op, imm) }

// Raw appends arbitrary bytes.
func (e *Encoder) Raw(b ...byte) { e.buf = append(e.buf, b...) }

// LazyBind appends the entry ld64 writes for one lazy pointer and returns the
// mark the stub helper uses to refer to it.
func (e *Encoder) LazyBind(segment uint8, offset uint64, dylib uint64, name string) uint32 {
	mark := e.SetSegmentAndOffset(segment, offset)
	e.SetDylibOrdinal(dylib)
	e.SetSymbol(name, 0)
	e.op(DoBind, 0)
	e.op(Done, 0)
	return mark
}
