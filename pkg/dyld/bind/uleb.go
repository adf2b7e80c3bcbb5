package bind

import (
	"io"

	"github.com/pkg/errors"
)

var (
	// ErrUlebOverflow is returned when a ULEB128 does not fit in 64 bits.
	ErrUlebOverflow = errors.New("uleb128 too big for uint64")
	// ErrTruncated is returned when an operand or symbol name runs past the end of the stream.
	ErrTruncated = errors.New("truncated bind opcode stream")
)

// ReadUleb128 decodes an unsigned little-endian base-128 value. Unlike dyld,
// it refuses to drop bits: a continuation past bit 63 is ErrUlebOverflow.
func ReadUleb128(r io.ByteReader) (uint64, error) {
	var result uint64
	var shift uint

	for {
		b, err := r.ReadByte()
		if err != nil {
			if err == io.EOF {
				return 0, errors.Wrap(ErrTruncated, "could not parse ULEB128 value")
			}
			return 0, errors.Wrap(err, "could not parse ULEB128 value")
		}

		slice := uint64(b & 0x7f)
		if shift > 63 || (shift == 63 && slice > 1) {
			return 0, errors.Wrapf(ErrUlebOverflow, "bit=%d, result=%#x", shift, result)
		}
		result |= slice << shift

		// the last byte has its high bit clear
		if (b & 0x80) == 0 {
			break
		}

		shift += 7
	}

	return result, nil
}

// skipLeb consumes one signed or unsigned LEB128 without decoding it.
func skipLeb(r io.ByteReader) error {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return errors.Wrap(ErrTruncated, "could not skip LEB128 operand")
		}
		if (b & 0x80) == 0 {
			return nil
		}
	}
}

// AppendUleb128 appends the ULEB128 encoding of v to b.
func AppendUleb128(b []byte, v uint64) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			c |= 0x80
		}
		b = append(b, c)
		if v == 0 {
			return b
		}
	}
}
