package bind

import (
	"testing"

	"github.com/blacktop/go-macho/types"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFind(t *testing.T) {
	var enc Encoder
	markPrintf := enc.LazyBind(1, 0x100, 1, "_printf")
	markMalloc := enc.LazyBind(1, 0x108, 2, "_malloc")
	enc.LazyBind(2, 0x40, 1, "_printf") // later duplicate is never reached
	stream := enc.Bytes()

	tests := []struct {
		name  string
		sym   string
		match Matcher
		want  *Record
	}{
		{
			name: "first entry",
			sym:  "printf",
			want: &Record{SegmentIndex: 1, Offset: 0x100, DylibOrdinal: 1, Symbol: "_printf", Mark: markPrintf},
		},
		{
			name: "second entry",
			sym:  "malloc",
			want: &Record{SegmentIndex: 1, Offset: 0x108, DylibOrdinal: 2, Symbol: "_malloc", Mark: markMalloc},
		},
		{
			name:  "exact name",
			sym:   "_malloc",
			match: MatchExact,
			want:  &Record{SegmentIndex: 1, Offset: 0x108, DylibOrdinal: 2, Symbol: "_malloc", Mark: markMalloc},
		},
		{name: "linker name does not match stripped", sym: "_printf"},
		{name: "missing", sym: "free"},
		{name: "prefix only", sym: "print"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Find(stream, tt.sym, tt.match)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFindZeroSegmentAndOffset(t *testing.T) {
	var enc Encoder
	enc.LazyBind(0, 0, 1, "_abort")

	got, err := Find(enc.Bytes(), "abort", nil)
	require.NoError(t, err)
	require.NotNil(t, got, "segment 0 offset 0 is a valid slot")
	assert.Equal(t, 0, got.SegmentIndex)
	assert.Zero(t, got.Offset)
	assert.Zero(t, got.Mark)
}

func TestFindNameBeforeSegment(t *testing.T) {
	var enc Encoder
	enc.SetSymbol("_exit", 0)
	enc.Emit(DoBind, 0)
	enc.LazyBind(1, 0x10, 1, "_exit")

	got, err := Find(enc.Bytes(), "exit", nil)
	require.NoError(t, err)
	assert.Nil(t, got, "the first matching name has no slot, so nothing is patched")
}

func TestFindSkipsOperands(t *testing.T) {
	var enc Encoder
	// 0x45 would decode as SetSymbolTrailingFlagsImm if the ordinal were not consumed
	enc.LazyBind(1, 0x10, 0x45, "_a")
	enc.Emit(SetAddendSleb, 0)
	enc.Raw(0xc0, 0x40) // -64, second byte looks like SetSymbolTrailingFlagsImm
	enc.Emit(DoBindUlebTimesSkippingUleb, 0)
	enc.Raw(0xc1, 0x01, 0x48)
	mark := enc.LazyBind(1, 0x18, 1, "_b")

	got, err := Find(enc.Bytes(), "a", nil)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 0x45, got.DylibOrdinal)

	got, err = Find(enc.Bytes(), "b", nil)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, uint64(0x18), got.Offset)
	assert.Equal(t, mark, got.Mark)
}

func TestFindMalformed(t *testing.T) {
	tests := []struct {
		name    string
		stream  []byte
		wantErr error
	}{
		{
			name:    "unterminated name",
			stream:  []byte{0x71, 0x10, 0x11, 0x40, '_', 'f', 'o'},
			wantErr: ErrTruncated,
		},
		{
			name:    "truncated offset",
			stream:  []byte{0x71, 0x80},
			wantErr: ErrTruncated,
		},
		{
			name: "offset overflow",
			stream: []byte{0x71,
				0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x01,
				0x11, 0x40, '_', 'f', 0x00},
			wantErr: ErrUlebOverflow,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Find(tt.stream, "f", nil)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
			assert.Nil(t, got)
		})
	}
}

func TestRecords(t *testing.T) {
	var enc Encoder
	names := []string{"_printf", "_malloc", "_free", "_objc_msgSend"}
	marks := make([]uint32, len(names))
	for i, n := range names {
		marks[i] = enc.LazyBind(2, uint64(i*8), uint64(i+1), n)
	}

	recs, err := Records(enc.Bytes())
	require.NoError(t, err)
	require.Len(t, recs, len(names))
	for i, rec := range recs {
		assert.Equal(t, names[i], rec.Symbol)
		assert.Equal(t, 2, rec.SegmentIndex)
		assert.Equal(t, uint64(i*8), rec.Offset)
		assert.Equal(t, i+1, rec.DylibOrdinal)
		assert.Equal(t, marks[i], rec.Mark)
	}
}

func TestOpcodeString(t *testing.T) {
	assert.Equal(t, "BIND_OPCODE_SET_SEGMENT_AND_OFFSET_ULEB", SetSegmentAndOffsetUleb.String())
	assert.Equal(t, "BIND_OPCODE(0xe0)", Opcode(0xe0).String())
	op, imm := Split(0x72)
	assert.Equal(t, SetSegmentAndOffsetUleb, op)
	assert.Equal(t, uint8(2), imm)
}

func TestOperands(t *testing.T) {
	tests := []struct {
		b    byte
		want int
	}{
		{types.BIND_OPCODE_SET_DYLIB_ORDINAL_IMM | 1, 0},
		{types.BIND_OPCODE_SET_SEGMENT_AND_OFFSET_ULEB | 2, 1},
		{types.BIND_OPCODE_SET_ADDEND_SLEB, 1},
		{types.BIND_OPCODE_DO_BIND_ULEB_TIMES_SKIPPING_ULEB, 2},
		{types.BIND_OPCODE_THREADED | types.BIND_SUBOPCODE_THREADED_SET_BIND_ORDINAL_TABLE_SIZE_ULEB, 1},
		{types.BIND_OPCODE_THREADED | types.BIND_SUBOPCODE_THREADED_APPLY, 0},
		{types.BIND_OPCODE_DO_BIND_ADD_ADDR_IMM_SCALED | 3, 0},
	}
	for _, tt := range tests {
		op, imm := Split(tt.b)
		assert.Equal(t, tt.want, op.operands(imm), op.String())
	}
}
