// Package test builds synthetic kernel memory images and types for tests.
package test

import (
	"encoding/binary"
	"fmt"

	"github.com/zeke-tools/kscope/pkg/target"
)

// PtrSize is the pointer size of synthetic images.
const PtrSize = 8

// Image is an in-memory address space starting at Base. Reads outside of
// the allocated range fail with target.ErrUnmappedMemory.
type Image struct {
	Base  uint64
	Order binary.ByteOrder
	buf   []byte
}

// NewImage returns an empty little endian image starting at base.
func NewImage(base uint64) *Image {
	return &Image{Base: base, Order: binary.LittleEndian}
}

// Alloc reserves size zeroed bytes aligned to align and returns their address.
func (img *Image) Alloc(size, align int64) uint64 {
	if align <= 0 {
		align = 1
	}
	off := int64(len(img.buf))
	if r := off % align; r != 0 {
		off += align - r
	}
	img.buf = append(img.buf, make([]byte, off+size-int64(len(img.buf)))...)
	return img.Base + uint64(off)
}

// New allocates a zeroed object of type typ.
func (img *Image) New(typ target.Type) uint64 {
	return img.Alloc(typ.Size(), Align(typ))
}

// End returns the first address past the image.
func (img *Image) End() uint64 {
	return img.Base + uint64(len(img.buf))
}

func (img *Image) slice(addr uint64, size int) []byte {
	if addr < img.Base || addr-img.Base+uint64(size) > uint64(len(img.buf)) {
		panic(fmt.Sprintf("write of %d bytes at %#x outside of image [%#x, %#x)", size, addr, img.Base, img.End()))
	}
	off := addr - img.Base
	return img.buf[off : off+uint64(size)]
}

// PutUint stores n as a size bytes integer at addr.
func (img *Image) PutUint(addr uint64, size int, n uint64) {
	b := img.slice(addr, size)
	switch size {
	case 1:
		b[0] = byte(n)
	case 2:
		img.Order.PutUint16(b, uint16(n))
	case 4:
		img.Order.PutUint32(b, uint32(n))
	case 8:
		img.Order.PutUint64(b, n)
	default:
		panic(fmt.Sprintf("unsupported integer size %d", size))
	}
}

// PutBytes copies data to addr.
func (img *Image) PutBytes(addr uint64, data []byte) {
	copy(img.slice(addr, len(data)), data)
}

// Set stores n in the field at path of the record of type typ at addr.
func (img *Image) Set(addr uint64, typ target.Type, path string, n uint64) {
	off, ft := Offset(typ, path)
	img.PutUint(addr+uint64(off), int(ft.Size()), n)
}

// SetString stores s, NUL terminated, in the character array at path.
func (img *Image) SetString(addr uint64, typ target.Type, path, s string) {
	off, ft := Offset(typ, path)
	if int64(len(s)) >= ft.Size() {
		panic(fmt.Sprintf("%q does not fit in %s", s, path))
	}
	img.PutBytes(addr+uint64(off), append([]byte(s), 0))
}

// ReadMemory implements target.MemoryReader.
func (img *Image) ReadMemory(buf []byte, addr uint64) (int, error) {
	if addr < img.Base || addr >= img.End() {
		return 0, target.ErrUnmappedMemory
	}
	n := copy(buf, img.buf[addr-img.Base:])
	if n < len(buf) {
		return n, target.ErrUnmappedMemory
	}
	return n, nil
}

// Target returns a target over img using the types and globals in bi.
func (img *Image) Target(bi *target.BinaryInfo) *target.Target {
	return target.New(bi, img)
}

// Offset returns the offset and type of the member at path, a chain of
// field names separated by dots, inside a record of type typ.
func Offset(typ target.Type, path string) (int64, target.Type) {
	var off int64
	cur := typ
	for _, step := range target.MustParsePath(path) {
		st, ok := target.ResolveTypedef(cur).(*target.StructType)
		if !ok {
			panic(fmt.Sprintf("%s is not a record in %s", cur, path))
		}
		f, foff, ok := st.FieldByName(step.Field)
		if !ok {
			panic(fmt.Sprintf("%s has no field %s", cur, step.Field))
		}
		off += foff
		cur = f.Type
	}
	return off, cur
}
