package target

import (
	"errors"
	"fmt"
)

// MemoryReader is like io.ReaderAt, but the offset is a uint64 so that it
// can address all of the target's memory regardless of the host word size.
// Targets are only ever read.
type MemoryReader interface {
	// ReadMemory is just like io.ReaderAt.ReadAt.
	ReadMemory(buf []byte, addr uint64) (n int, err error)
}

// ErrUnmappedMemory is returned by memory readers when the requested range
// is not backed by any region.
var ErrUnmappedMemory = errors.New("unmapped memory")

func readFull(mem MemoryReader, buf []byte, addr uint64) error {
	n, err := mem.ReadMemory(buf, addr)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("short read at %#x: %d of %d bytes: %w", addr, n, len(buf), ErrUnmappedMemory)
	}
	return nil
}
