package core

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/zeke-tools/kscope/pkg/target"
)

func TestSplicedReader(t *testing.T) {
	data := []byte{}
	data2 := []byte{}
	for i := 0; i < 100; i++ {
		data = append(data, byte(i))
		data2 = append(data2, byte(i+100))
	}

	type region struct {
		data   []byte
		off    uint64
		length uint64
	}
	tests := []struct {
		name     string
		regions  []region
		readAddr uint64
		readLen  int
		want     []byte
	}{
		{"Insert after", []region{{data, 0, 1}, {data2, 1, 1}}, 0, 2, []byte{0, 101}},
		{"Insert before", []region{{data, 1, 1}, {data2, 0, 1}}, 0, 2, []byte{100, 1}},
		{"Completely overwrite", []region{{data, 1, 1}, {data2, 0, 3}}, 0, 3, []byte{100, 101, 102}},
		{"Overwrite end", []region{{data, 0, 2}, {data2, 1, 2}}, 0, 3, []byte{0, 101, 102}},
		{"Overwrite start", []region{{data, 0, 3}, {data2, 0, 2}}, 0, 3, []byte{100, 101, 2}},
		{"Punch hole", []region{{data, 0, 5}, {data2, 1, 3}}, 0, 5, []byte{0, 101, 102, 103, 4}},
		{"Overlap two", []region{{data, 10, 4}, {data, 14, 4}, {data2, 12, 4}}, 10, 8, []byte{10, 11, 112, 113, 114, 115, 16, 17}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			mem := &splicedMemory{}
			for _, region := range test.regions {
				mem.Add(&offsetReaderAt{reader: bytes.NewReader(region.data)}, region.off, region.length)
			}
			got := make([]byte, test.readLen)
			n, err := mem.ReadMemory(got, test.readAddr)
			if n != test.readLen || err != nil || !reflect.DeepEqual(got, test.want) {
				t.Errorf("ReadMemory = %v, %v, %v, want %v, %v, %v", n, err, got, test.readLen, nil, test.want)
			}
		})
	}
}

func TestSplicedReaderHole(t *testing.T) {
	data := bytes.Repeat([]byte{0xaa}, 16)
	mem := &splicedMemory{}
	mem.Add(&offsetReaderAt{reader: bytes.NewReader(data)}, 0, 4)
	mem.Add(&offsetReaderAt{reader: bytes.NewReader(data)}, 8, 4)

	buf := make([]byte, 8)
	n, err := mem.ReadMemory(buf, 2)
	if n != 2 || !errors.Is(err, target.ErrUnmappedMemory) {
		t.Fatalf("read across hole: %d, %v", n, err)
	}
	if _, err := mem.ReadMemory(buf[:1], 5); !errors.Is(err, target.ErrUnmappedMemory) {
		t.Fatalf("read in hole: %v", err)
	}
	if _, err := mem.ReadMemory(buf[:1], 100); !errors.Is(err, target.ErrUnmappedMemory) {
		t.Fatalf("read past end: %v", err)
	}
}

func TestOpenRaw(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mem.bin")
	if err := os.WriteFile(path, []byte("0123456789"), 0o600); err != nil {
		t.Fatal(err)
	}
	m, err := OpenRaw(path, 0x8000)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	buf := make([]byte, 4)
	if n, err := m.ReadMemory(buf, 0x8003); n != 4 || err != nil || string(buf) != "3456" {
		t.Fatalf("ReadMemory = %d, %v, %q", n, err, buf)
	}
	if _, err := m.ReadMemory(buf, 0x8008); !errors.Is(err, target.ErrUnmappedMemory) {
		t.Fatalf("read past end of dump: %v", err)
	}
	if _, err := m.ReadMemory(buf, 0x7fff); !errors.Is(err, target.ErrUnmappedMemory) {
		t.Fatalf("read before dump: %v", err)
	}
}

// writeCore writes a minimal ELF core with one loadable segment at vaddr
// holding data followed by bss zero bytes.
func writeCore(t *testing.T, vaddr uint64, data []byte, bss uint64) string {
	t.Helper()
	const (
		ehsize    = 64
		phentsize = 56
	)
	var buf bytes.Buffer
	hdr := elf.Header64{
		Type:      uint16(elf.ET_CORE),
		Machine:   uint16(elf.EM_AARCH64),
		Version:   uint32(elf.EV_CURRENT),
		Phoff:     ehsize,
		Ehsize:    ehsize,
		Phentsize: phentsize,
		Phnum:     2,
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	progs := []elf.Prog64{
		{Type: uint32(elf.PT_NOTE), Off: ehsize + 2*phentsize},
		{
			Type:   uint32(elf.PT_LOAD),
			Flags:  uint32(elf.PF_R | elf.PF_W),
			Off:    ehsize + 2*phentsize,
			Vaddr:  vaddr,
			Filesz: uint64(len(data)),
			Memsz:  uint64(len(data)) + bss,
		},
	}
	binary.Write(&buf, binary.LittleEndian, &hdr)
	binary.Write(&buf, binary.LittleEndian, progs)
	buf.Write(data)

	path := filepath.Join(t.TempDir(), "vmcore")
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestOpenELF(t *testing.T) {
	path := writeCore(t, 0xc0000000, []byte{1, 2, 3, 4}, 4)
	m, err := OpenELF(path)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	if got := m.Regions(); len(got) != 1 || got[0] != (Region{Addr: 0xc0000000, Size: 8}) {
		t.Fatalf("unexpected regions %v", got)
	}
	buf := make([]byte, 8)
	n, err := m.ReadMemory(buf, 0xc0000000)
	if err != nil || n != 8 {
		t.Fatalf("ReadMemory = %d, %v", n, err)
	}
	if want := []byte{1, 2, 3, 4, 0, 0, 0, 0}; !bytes.Equal(buf, want) {
		t.Fatalf("read %v, expected %v", buf, want)
	}
	if _, err := m.ReadMemory(buf[:1], 0xc0000008); !errors.Is(err, target.ErrUnmappedMemory) {
		t.Fatalf("read past segment: %v", err)
	}
}

func TestOpenELFNoSegments(t *testing.T) {
	path := writeCore(t, 0, nil, 0)
	if _, err := OpenELF(path); !errors.Is(err, ErrNoSegments) {
		t.Fatalf("expected ErrNoSegments, got %v", err)
	}
}
