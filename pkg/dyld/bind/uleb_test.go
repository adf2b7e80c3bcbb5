package bind

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadUleb128(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		want    uint64
		wantErr error
	}{
		{name: "zero", data: []byte{0x00}, want: 0},
		{name: "one byte", data: []byte{0x7f}, want: 0x7f},
		{name: "two bytes", data: []byte{0x80, 0x01}, want: 0x80},
		{name: "dwarf example", data: []byte{0xe5, 0x8e, 0x26}, want: 624485},
		{name: "redundant padding", data: []byte{0x80, 0x80, 0x00}, want: 0},
		{
			name: "max uint64",
			data: []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x01},
			want: ^uint64(0),
		},
		{
			name:    "bits past 64",
			data:    []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x02},
			wantErr: ErrUlebOverflow,
		},
		{
			name:    "continuation past bit 63",
			data:    []byte{0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x01},
			wantErr: ErrUlebOverflow,
		},
		{name: "truncated", data: []byte{0x80}, wantErr: ErrTruncated},
		{name: "empty", data: nil, wantErr: ErrTruncated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ReadUleb128(bytes.NewReader(tt.data))
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestUleb128RoundTrip(t *testing.T) {
	values := []uint64{0, 1, 63, 64, 127, 128, 255, 0x100, 0x3fff, 0x4000, 1<<32 - 1, 1 << 32, 1<<56 + 3, 1<<63 - 1}
	for shift := uint(0); shift < 63; shift += 7 {
		values = append(values, 1<<shift, 1<<shift-1)
	}
	for _, v := range values {
		enc := AppendUleb128(nil, v)
		r := bytes.NewReader(enc)
		got, err := ReadUleb128(r)
		require.NoError(t, err, "value %#x", v)
		assert.Equal(t, v, got)
		assert.Zero(t, r.Len(), "value %#x left bytes unread", v)
		assert.LessOrEqual(t, len(enc), 9, "63-bit value %#x needs at most 9 bytes", v)
	}
}
