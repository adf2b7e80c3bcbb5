package bind

import (
	"bytes"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// A Record is a lazy bind entry: which pointer slot to fill for which symbol.
type Record struct {
	SegmentIndex int
	Offset       uint64 // byte offset of the slot within the segment
	DylibOrdinal int
	Symbol       string
	Flags        uint8
	// Mark is the stream offset of the SetSegmentAndOffsetUleb opcode that
	// started the entry. dyld's stub helper passes it back to the binder.
	Mark uint32
}

func (r Record) String() string {
	return fmt.Sprintf("seg=%d off=%#x dylib=%d mark=%#x %s", r.SegmentIndex, r.Offset, r.DylibOrdinal, r.Mark, r.Symbol)
}

// accumulator holds the opcode fields that persist until overwritten.
type accumulator struct {
	segment    int
	offset     uint64
	mark       uint32
	hasSegment bool
	ordinal    int
}

func (a *accumulator) record(name []byte, flags uint8) Record {
	return Record{
		SegmentIndex: a.segment,
		Offset:       a.offset,
		DylibOrdinal: a.ordinal,
		Symbol:       string(name),
		Flags:        flags,
		Mark:         a.mark,
	}
}

// errStop ends a scan early.
var errStop = errors.New("stop")

// scan interprets stream and calls fn for every symbol name opcode.
func scan(stream []byte, fn func(acc *accumulator, name []byte, flags uint8) error) error {
	r := bytes.NewReader(stream)
	var acc accumulator

	for r.Len() > 0 {
		pos := uint32(r.Size()) - uint32(r.Len())
		b, _ := r.ReadByte()
		op, imm := Split(b)

		switch op {
		case SetSegmentAndOffsetUleb:
			off, err := ReadUleb128(r)
			if err != nil {
				return errors.Wrapf(err, "%s at %#x", op, pos)
			}
			acc.segment = int(imm)
			acc.offset = off
			acc.mark = pos
			acc.hasSegment = true
		case SetSymbolTrailingFlagsImm:
			start := int(r.Size()) - r.Len()
			end := bytes.IndexByte(stream[start:], 0)
			if end < 0 {
				return errors.Wrapf(ErrTruncated, "unterminated symbol name at %#x", pos)
			}
			name := stream[start : start+end]
			// always step past the terminator, match or not
			if _, err := r.Seek(int64(end+1), io.SeekCurrent); err != nil {
				return err
			}
			if err := fn(&acc, name, imm); err != nil {
				return err
			}
		case SetDylibOrdinalImm:
			acc.ordinal = int(imm)
		case SetDylibOrdinalUleb:
			ord, err := ReadUleb128(r)
			if err != nil {
				return errors.Wrapf(err, "%s at %#x", op, pos)
			}
			acc.ordinal = int(ord)
		case SetAddendSleb:
			if err := skipLeb(r); err != nil {
				return errors.Wrapf(err, "%s at %#x", op, pos)
			}
		default:
			for n := op.operands(imm); n > 0; n-- {
				if _, err := ReadUleb128(r); err != nil {
					return errors.Wrapf(err, "%s at %#x", op, pos)
				}
			}
		}
	}

	return nil
}

// A Matcher reports whether a symbol name stored in the stream names target.
type Matcher func(stored []byte, target string) bool

// MatchStripped compares target with the stored name minus its first byte,
// the leading underscore of a C symbol: "printf" matches "_printf".
func MatchStripped(stored []byte, target string) bool {
	return len(stored) > 0 && string(stored[1:]) == target
}

// MatchExact compares target with the whole stored name.
func MatchExact(stored []byte, target string) bool {
	return string(stored) == target
}

// Find returns the first lazy bind record whose symbol matches name, or nil
// if the symbol is not lazily bound. The scan stops at the first matching
// name; if no segment/offset has been set by then there is nothing to patch.
func Find(stream []byte, name string, match Matcher) (*Record, error) {
	if match == nil {
		match = MatchStripped
	}
	var found *Record
	err := scan(stream, func(acc *accumulator, stored []byte, flags uint8) error {
		if !match(stored, name) {
			return nil
		}
		if acc.hasSegment {
			rec := acc.record(stored, flags)
			found = &rec
		}
		return errStop
	})
	if err != nil && !errors.Is(err, errStop) {
		return nil, err
	}
	return found, nil
}

// Walk calls fn for every complete lazy bind record in stream order.
func Walk(stream []byte, fn func(Record) error) error {
	err := scan(stream, func(acc *accumulator, stored []byte, flags uint8) error {
		if !acc.hasSegment {
			return nil
		}
		return fn(acc.record(stored, flags))
	})
	return err
}

// Records returns every complete lazy bind record in stream order.
func Records(stream []byte) ([]Record, error) {
	var recs []Record
	if err := Walk(stream, func(r Record) error {
		recs = append(recs, r)
		return nil
	}); err != nil {
		return nil, err
	}
	return recs, nil
}
