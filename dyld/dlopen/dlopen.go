//go:build darwin && cgo

// Package dlopen looks up symbol addresses to use as hook replacements.
package dlopen

/*
#include <stdlib.h>
#include <dlfcn.h>

static void *rtld_default(void) { return RTLD_DEFAULT; }
*/
import "C"

import (
	"unsafe"

	"github.com/pkg/errors"
)

const (
	RTLD_LAZY   = int32(C.RTLD_LAZY)
	RTLD_NOW    = int32(C.RTLD_NOW)
	RTLD_GLOBAL = int32(C.RTLD_GLOBAL)
)

func DLOpen(filename string, flags int32) (uintptr, error) {
	cs := C.CString(filename)
	defer C.free(unsafe.Pointer(cs))
	h := C.dlopen(cs, C.int(flags))
	if h == nil {
		return 0, errors.Errorf("dlopen %s: %s", filename, DLError())
	}
	return uintptr(h), nil
}

func DLClose(handle uintptr) int32 {
	return int32(C.dlclose(unsafe.Pointer(handle)))
}

func DLSym(handle uintptr, symbol string) uintptr {
	cs := C.CString(symbol)
	defer C.free(unsafe.Pointer(cs))
	return uintptr(C.dlsym(unsafe.Pointer(handle), cs))
}

func DLError() string {
	if e := C.dlerror(); e != nil {
		return C.GoString(e)
	}
	return ""
}

// Lookup resolves symbol (without its leading underscore) in every loaded image.
func Lookup(symbol string) (uintptr, error) {
	cs := C.CString(symbol)
	defer C.free(unsafe.Pointer(cs))
	addr := uintptr(C.dlsym(C.rtld_default(), cs))
	if addr == 0 {
		return 0, errors.Errorf("dlsym %s: %s", symbol, DLError())
	}
	return addr, nil
}
