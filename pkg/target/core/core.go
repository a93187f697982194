// Package core reads the memory of a kernel from a dump file: an ELF core
// (as written by QEMU's dump-guest-memory or a kernel crash handler), the
// kernel image itself for its static data, or a flat dump of physical
// memory.
package core

import (
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/zeke-tools/kscope/pkg/logflags"
	"github.com/zeke-tools/kscope/pkg/target"
)

// A splicedMemory is an address space formed from multiple regions, each
// of which may override previously added regions. The initialised part of
// a segment is backed by the file and its tail (bss) by zeroes, which is
// represented by adding the zero region first and the file region on top
// of it.
type splicedMemory struct {
	readers []readerEntry
}

type readerEntry struct {
	offset uint64
	length uint64
	reader target.MemoryReader
}

// Add adds a new region, which may override existing regions.
func (r *splicedMemory) Add(reader target.MemoryReader, off, length uint64) {
	if length == 0 {
		return
	}
	end := off + length - 1
	newReaders := make([]readerEntry, 0, len(r.readers)+2)
	add := func(e readerEntry) {
		if e.length == 0 {
			return
		}
		newReaders = append(newReaders, e)
	}
	inserted := false
	for _, entry := range r.readers {
		entryEnd := entry.offset + entry.length - 1
		switch {
		case entryEnd < off:
			add(entry)
		case end < entry.offset:
			if !inserted {
				add(readerEntry{off, length, reader})
				inserted = true
			}
			add(entry)
		case off <= entry.offset && entryEnd <= end:
			// Completely overwritten.
		case entry.offset < off && entryEnd <= end:
			entry.length = off - entry.offset
			add(entry)
		case off <= entry.offset && end < entryEnd:
			if !inserted {
				add(readerEntry{off, length, reader})
				inserted = true
			}
			overlap := end + 1 - entry.offset
			entry.offset += overlap
			entry.length -= overlap
			add(entry)
		case entry.offset < off && end < entryEnd:
			// The new region punches a hole in the entry.
			add(readerEntry{entry.offset, off - entry.offset, entry.reader})
			add(readerEntry{off, length, reader})
			add(readerEntry{end + 1, entryEnd - end, entry.reader})
			inserted = true
		default:
			panic(fmt.Sprintf("unhandled case: existing entry is %#x len %#x, new is %#x len %#x", entry.offset, entry.length, off, length))
		}
	}
	if !inserted {
		newReaders = append(newReaders, readerEntry{off, length, reader})
	}
	r.readers = newReaders
}

// ReadMemory implements target.MemoryReader. Reads may span adjacent
// regions but not holes between them.
func (r *splicedMemory) ReadMemory(buf []byte, addr uint64) (n int, err error) {
	started := false
	for _, entry := range r.readers {
		if entry.offset+entry.length <= addr {
			continue
		}
		if entry.offset > addr {
			break
		}
		started = true
		pb := buf
		if addr+uint64(len(buf)) > entry.offset+entry.length {
			pb = pb[:entry.offset+entry.length-addr]
		}
		pn, err := entry.reader.ReadMemory(pb, addr)
		n += pn
		if err != nil && !errors.Is(err, io.EOF) {
			return n, fmt.Errorf("error while reading memory at %#x: %w", addr, err)
		}
		if pn != len(pb) {
			return n, fmt.Errorf("short read at %#x: %w", addr, target.ErrUnmappedMemory)
		}
		buf = buf[pn:]
		addr += uint64(pn)
		if len(buf) == 0 {
			return n, nil
		}
	}
	if !started {
		return 0, fmt.Errorf("address %#x did not match any region: %w", addr, target.ErrUnmappedMemory)
	}
	return n, fmt.Errorf("hit unmapped area at %#x after %d bytes: %w", addr, n, target.ErrUnmappedMemory)
}

// offsetReaderAt maps a file region to an address range: reads at addr
// come from the file at addr-base+fileOff.
type offsetReaderAt struct {
	reader  io.ReaderAt
	base    uint64
	fileOff int64
}

func (r *offsetReaderAt) ReadMemory(buf []byte, addr uint64) (int, error) {
	return r.reader.ReadAt(buf, int64(addr-r.base)+r.fileOff)
}

type zeroReader struct{}

func (zeroReader) ReadMemory(buf []byte, addr uint64) (int, error) {
	for i := range buf {
		buf[i] = 0
	}
	return len(buf), nil
}

// Region is a mapped address range.
type Region struct {
	Addr, Size uint64
}

// Memory is the read-only address space of a dump file.
type Memory struct {
	mem     splicedMemory
	f       *os.File
	regions []Region
	log     *logrus.Entry
}

// ErrNoSegments is returned for ELF files without loadable segments.
var ErrNoSegments = errors.New("no loadable segments")

// OpenELF maps the PT_LOAD segments of the ELF file at path at their
// virtual addresses.
func OpenELF(path string) (*Memory, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	ef, err := elf.NewFile(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	m := &Memory{f: f, log: logflags.TargetLogger()}
	for _, prog := range ef.Progs {
		if prog.Type != elf.PT_LOAD || prog.Memsz == 0 {
			continue
		}
		if prog.Memsz > prog.Filesz {
			m.mem.Add(zeroReader{}, prog.Vaddr, prog.Memsz)
		}
		m.mem.Add(&offsetReaderAt{reader: f, base: prog.Vaddr, fileOff: int64(prog.Off)}, prog.Vaddr, prog.Filesz)
		m.regions = append(m.regions, Region{Addr: prog.Vaddr, Size: prog.Memsz})
	}
	if len(m.regions) == 0 {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, ErrNoSegments)
	}
	m.log.Debugf("opened ELF dump %s with %d segments", path, len(m.regions))
	return m, nil
}

// OpenRaw maps the whole file at path starting at address base.
func OpenRaw(path string, base uint64) (*Memory, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	size := uint64(fi.Size())
	m := &Memory{f: f, log: logflags.TargetLogger()}
	m.mem.Add(&offsetReaderAt{reader: f, base: base}, base, size)
	m.regions = []Region{{Addr: base, Size: size}}
	m.log.Debugf("opened raw dump %s at %#x (%d bytes)", path, base, size)
	return m, nil
}

// ReadMemory implements target.MemoryReader.
func (m *Memory) ReadMemory(buf []byte, addr uint64) (int, error) {
	return m.mem.ReadMemory(buf, addr)
}

// Regions returns the mapped address ranges.
func (m *Memory) Regions() []Region {
	return m.regions
}

// Close closes the dump file.
func (m *Memory) Close() error {
	return m.f.Close()
}
