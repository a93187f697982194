// Package target gives read-only, symbolic access to the memory of an
// inspected kernel. Values are located through the kernel's debug
// information and read through a MemoryReader; nothing is cached between
// reads so that a live target is always observed in its current state.
package target

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/zeke-tools/kscope/pkg/logflags"
)

// Target is an inspected kernel: its debug information plus a source for
// its memory.
type Target struct {
	BinInfo *BinaryInfo
	mem     MemoryReader
	log     *logrus.Entry
}

// New returns a target reading memory from mem and interpreting it with bi.
func New(bi *BinaryInfo, mem MemoryReader) *Target {
	return &Target{BinInfo: bi, mem: mem, log: logflags.TargetLogger()}
}

// Memory returns the target's memory reader.
func (t *Target) Memory() MemoryReader {
	return t.mem
}

// Close closes the memory reader if it holds resources.
func (t *Target) Close() error {
	if c, ok := t.mem.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// ResolveSymbol returns the value of the global variable name.
func (t *Target) ResolveSymbol(name string) (*Value, error) {
	addr, typ, err := t.BinInfo.Global(name)
	if err != nil {
		return nil, err
	}
	t.log.Debugf("resolved %s at %#x (%s)", name, addr, typ)
	return t.NewValue(name, addr, typ), nil
}

// FindType returns the type called name. A leading "struct", "union" or
// "enum" keyword is ignored.
func (t *Target) FindType(name string) (Type, error) {
	return t.BinInfo.FindType(name)
}

// KnownTypes returns the names of the types known to the debug info.
func (t *Target) KnownTypes() []string {
	return t.BinInfo.KnownTypes()
}

// ReadMemory reads size bytes starting at addr.
func (t *Target) ReadMemory(addr uint64, size int) ([]byte, error) {
	if size < 0 {
		return nil, fmt.Errorf("negative size %d", size)
	}
	buf := make([]byte, size)
	n, err := t.mem.ReadMemory(buf, addr)
	if err != nil {
		return buf[:n], err
	}
	return buf[:n], nil
}

// NewValue returns a value of type typ located at addr.
func (t *Target) NewValue(name string, addr uint64, typ Type) *Value {
	return &Value{Name: name, Addr: addr, Type: typ, RealType: resolveTypedef(typ), tgt: t}
}

func (t *Target) newImmediate(name string, typ Type, data []byte) *Value {
	v := t.NewValue(name, 0, typ)
	v.imm = data
	return v
}

// mapped reports whether at least one byte can be read at addr.
func (t *Target) mapped(addr uint64) bool {
	var buf [1]byte
	n, err := t.mem.ReadMemory(buf[:], addr)
	return err == nil && n == 1
}

// PtrSize returns the size of a pointer in the target.
func (t *Target) PtrSize() int {
	return t.BinInfo.PtrSize
}
