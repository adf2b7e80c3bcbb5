//go:build darwin && cgo

// Package dyld exposes the images dyld has loaded into the current process
// as hookable macho.Image values over live memory.
package dyld

/*
#include <stdint.h>
#include <mach-o/dyld.h>
*/
import "C"

import (
	"path/filepath"
	"strings"
	"unsafe"

	"github.com/blacktop/lazyhook/pkg/macho"
	"github.com/pkg/errors"
)

// Image is a loaded image as reported by dyld.
type Image struct {
	Index  int
	Name   string
	Header uintptr
	Slide  int64
}

// Images returns every image currently registered with dyld, main executable first.
func Images() []Image {
	var images []Image
	count := uint32(C._dyld_image_count())
	for i := uint32(0); i < count; i++ {
		hdr := C._dyld_get_image_header(C.uint32_t(i))
		if hdr == nil {
			continue // unloaded since the count was taken
		}
		images = append(images, Image{
			Index:  int(i),
			Name:   C.GoString(C._dyld_get_image_name(C.uint32_t(i))),
			Header: uintptr(unsafe.Pointer(hdr)),
			Slide:  int64(C._dyld_get_image_vmaddr_slide(C.uint32_t(i))),
		})
	}
	return images
}

// Find returns the first image whose path equals name or whose base name is name.
func Find(name string) (*Image, error) {
	for _, img := range Images() {
		if img.Name == name || filepath.Base(img.Name) == name || strings.HasSuffix(img.Name, "/"+name) {
			return &img, nil
		}
	}
	return nil, errors.Errorf("image %s is not loaded", name)
}

// Main returns the main executable.
func Main() (*Image, error) {
	images := Images()
	if len(images) == 0 {
		return nil, errors.New("dyld reports no images")
	}
	return &images[0], nil
}

// Open wraps the image's live memory.
func (i Image) Open() (*macho.Image, error) {
	img, err := macho.NewProcessImage(i.Header, i.Slide)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", i.Name)
	}
	return img, nil
}
