//go:build darwin && cgo

package dlopen

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookup(t *testing.T) {
	addr, err := Lookup("printf")
	require.NoError(t, err)
	assert.NotZero(t, addr)

	_, err = Lookup("lazyhook_no_such_symbol")
	assert.Error(t, err)
}

func TestDLOpen(t *testing.T) {
	h, err := DLOpen("/usr/lib/libSystem.B.dylib", RTLD_LAZY)
	require.NoError(t, err)
	defer DLClose(h)

	assert.NotZero(t, DLSym(h, "malloc"))
	assert.Zero(t, DLSym(h, "lazyhook_no_such_symbol"))

	_, err = DLOpen("/nonexistent/libnope.dylib", RTLD_NOW)
	assert.Error(t, err)
}
