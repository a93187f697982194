package target

import (
	"debug/dwarf"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"

	"github.com/zeke-tools/kscope/pkg/logflags"
)

const (
	// DW_OP_addr, the only location expression a global can have.
	opAddr = 0x03

	typeCacheSize = 4096
)

// BinaryInfo holds the symbols and types of the inspected kernel.
type BinaryInfo struct {
	ByteOrder binary.ByteOrder
	PtrSize   int

	dwarf     *dwarf.Data
	typeCache *lru.Cache // dwarf.Type -> Type
	typeNames map[string]dwarf.Offset
	types     map[string]Type
	globals   map[string]*global

	log *logrus.Entry
}

type global struct {
	addr uint64
	size uint64
	typ  Type

	typeOff dwarf.Offset
	hasType bool
}

// ErrNoDebugInfo is returned when the kernel image carries no DWARF data.
var ErrNoDebugInfo = errors.New("could not find debug info")

// NewBinaryInfo returns an empty BinaryInfo; symbols and types can be added
// with AddGlobal and AddType.
func NewBinaryInfo(order binary.ByteOrder, ptrSize int) *BinaryInfo {
	cache, err := lru.New(typeCacheSize)
	if err != nil {
		panic(err)
	}
	return &BinaryInfo{
		ByteOrder: order,
		PtrSize:   ptrSize,
		typeCache: cache,
		typeNames: make(map[string]dwarf.Offset),
		types:     make(map[string]Type),
		globals:   make(map[string]*global),
		log:       logflags.TargetLogger(),
	}
}

// LoadBinaryInfo reads the symbol table and debug information of the ELF
// kernel image at path. An image without DWARF is accepted: its symbols can
// be examined as raw memory but have no type.
func LoadBinaryInfo(path string) (*BinaryInfo, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ptrSize := 8
	if f.Class == elf.ELFCLASS32 {
		ptrSize = 4
	}
	bi := NewBinaryInfo(f.ByteOrder, ptrSize)

	syms, err := f.Symbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, fmt.Errorf("could not read symbol table of %s: %w", path, err)
	}
	for _, s := range syms {
		if elf.ST_TYPE(s.Info) != elf.STT_OBJECT || s.Name == "" {
			continue
		}
		bi.globals[s.Name] = &global{addr: s.Value, size: s.Size}
	}

	d, err := f.DWARF()
	if err != nil {
		bi.log.Warnf("%s: %v: %v", path, ErrNoDebugInfo, err)
		return bi, nil
	}
	if err := bi.loadDebugInfo(d); err != nil {
		return nil, fmt.Errorf("could not read debug info of %s: %w", path, err)
	}
	return bi, nil
}

func (bi *BinaryInfo) loadDebugInfo(d *dwarf.Data) error {
	bi.dwarf = d
	rdr := d.Reader()
	for {
		e, err := rdr.Next()
		if err != nil {
			return err
		}
		if e == nil {
			break
		}
		switch e.Tag {
		case dwarf.TagCompileUnit:
			continue
		case dwarf.TagVariable:
			bi.addVariable(e)
		case dwarf.TagStructType, dwarf.TagUnionType, dwarf.TagEnumerationType, dwarf.TagTypedef, dwarf.TagBaseType:
			name, _ := e.Val(dwarf.AttrName).(string)
			decl, _ := e.Val(dwarf.AttrDeclaration).(bool)
			if name != "" && !decl {
				if _, exists := bi.typeNames[name]; !exists {
					bi.typeNames[name] = e.Offset
				}
			}
		}
		if e.Children {
			rdr.SkipChildren()
		}
	}
	bi.log.Debugf("loaded %d globals and %d named types", len(bi.globals), len(bi.typeNames))
	return nil
}

func (bi *BinaryInfo) addVariable(e *dwarf.Entry) {
	loc, _ := e.Val(dwarf.AttrLocation).([]byte)
	if len(loc) != 1+bi.PtrSize || loc[0] != opAddr {
		return
	}
	addr := bi.decodeUint(loc[1:])
	name, _ := e.Val(dwarf.AttrName).(string)
	typeOff, hasType := e.Val(dwarf.AttrType).(dwarf.Offset)
	if spec, ok := e.Val(dwarf.AttrSpecification).(dwarf.Offset); ok && (name == "" || !hasType) {
		rdr := bi.dwarf.Reader()
		rdr.Seek(spec)
		if decl, err := rdr.Next(); err == nil && decl != nil {
			if name == "" {
				name, _ = decl.Val(dwarf.AttrName).(string)
			}
			if !hasType {
				typeOff, hasType = decl.Val(dwarf.AttrType).(dwarf.Offset)
			}
		}
	}
	if name == "" {
		return
	}
	g := bi.globals[name]
	if g == nil {
		g = &global{}
		bi.globals[name] = g
	}
	g.addr = addr
	g.typeOff, g.hasType = typeOff, hasType
}

// AddGlobal registers a global variable of type typ at addr.
func (bi *BinaryInfo) AddGlobal(name string, addr uint64, typ Type) {
	bi.globals[name] = &global{addr: addr, typ: typ, hasType: true}
}

// AddType registers a named type.
func (bi *BinaryInfo) AddType(name string, typ Type) {
	bi.types[name] = typ
}

// Global returns the address and type of the global variable name.
func (bi *BinaryInfo) Global(name string) (uint64, Type, error) {
	g := bi.globals[name]
	if g == nil {
		return 0, nil, &SymbolNotFoundError{Name: name}
	}
	if g.typ == nil {
		if g.hasType && bi.dwarf != nil {
			dt, err := bi.dwarf.Type(g.typeOff)
			if err != nil {
				return 0, nil, fmt.Errorf("could not read type of %s: %w", name, err)
			}
			g.typ = bi.convertType(dt)
		} else {
			g.typ = &ArrayType{
				CommonType: CommonType{ByteSize: int64(g.size)},
				Type:       &IntType{CommonType: CommonType{ByteSize: 1, Name: "uint8_t"}},
				Count:      int64(g.size),
			}
		}
	}
	return g.addr, g.typ, nil
}

// KnownTypes returns the names of the types that FindType can return, in
// sorted order.
func (bi *BinaryInfo) KnownTypes() []string {
	names := make([]string, 0, len(bi.types)+len(bi.typeNames))
	for name := range bi.types {
		names = append(names, name)
	}
	for name := range bi.typeNames {
		if _, dup := bi.types[name]; !dup {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// FindType returns the type called name.
func (bi *BinaryInfo) FindType(name string) (Type, error) {
	name = strings.TrimSpace(name)
	for _, kw := range []string{"struct ", "union ", "enum "} {
		name = strings.TrimSpace(strings.TrimPrefix(name, kw))
	}
	if typ, ok := bi.types[name]; ok {
		return typ, nil
	}
	off, ok := bi.typeNames[name]
	if !ok || bi.dwarf == nil {
		return nil, &SymbolNotFoundError{Name: name}
	}
	dt, err := bi.dwarf.Type(off)
	if err != nil {
		return nil, err
	}
	return bi.convertType(dt), nil
}

func (bi *BinaryInfo) convertType(dt dwarf.Type) Type {
	if typ, ok := bi.typeCache.Get(dt); ok {
		return typ.(Type)
	}
	typ := bi.convertTypeIntl(dt)
	bi.typeCache.Add(dt, typ)
	return typ
}

func (bi *BinaryInfo) convertTypeIntl(dt dwarf.Type) Type {
	switch t := dt.(type) {
	case *dwarf.StructType:
		st := &StructType{
			CommonType: CommonType{ByteSize: t.ByteSize, Name: t.StructName},
			StructName: t.StructName,
			Kind:       t.Kind,
		}
		if t.Incomplete {
			st.ByteSize = -1
		}
		for _, f := range t.Field {
			st.Field = append(st.Field, &StructField{Name: f.Name, ByteOffset: f.ByteOffset, Type: bi.convertType(f.Type)})
		}
		return st
	case *dwarf.PtrType:
		size := t.ByteSize
		if size <= 0 {
			size = int64(bi.PtrSize)
		}
		elem := t.Type
		if elem == nil {
			return NewPtrType(&VoidType{}, size)
		}
		return newLazyPtrType(size, func() Type { return bi.convertType(elem) })
	case *dwarf.ArrayType:
		return &ArrayType{
			CommonType: CommonType{ByteSize: t.ByteSize},
			Type:       bi.convertType(t.Type),
			Count:      t.Count,
		}
	case *dwarf.TypedefType:
		return &TypedefType{CommonType: CommonType{ByteSize: t.ByteSize, Name: t.Name}, Type: bi.convertType(t.Type)}
	case *dwarf.QualType:
		return bi.convertType(t.Type)
	case *dwarf.IntType:
		return &IntType{CommonType: CommonType{ByteSize: t.ByteSize, Name: t.Name}, Signed: true}
	case *dwarf.UintType:
		return &IntType{CommonType: CommonType{ByteSize: t.ByteSize, Name: t.Name}}
	case *dwarf.CharType:
		return &CharType{CommonType: CommonType{ByteSize: t.ByteSize, Name: t.Name}, Signed: true}
	case *dwarf.UcharType:
		return &CharType{CommonType: CommonType{ByteSize: t.ByteSize, Name: t.Name}}
	case *dwarf.BoolType:
		return &BoolType{CommonType: CommonType{ByteSize: t.ByteSize, Name: t.Name}}
	case *dwarf.EnumType:
		et := &EnumType{CommonType: CommonType{ByteSize: t.ByteSize, Name: t.EnumName}, EnumName: t.EnumName}
		for _, v := range t.Val {
			et.Val = append(et.Val, EnumValue{Name: v.Name, Val: v.Val})
		}
		return et
	case *dwarf.VoidType:
		return &VoidType{}
	default:
		return &VoidType{CommonType: CommonType{ByteSize: dt.Size(), Name: dt.String()}}
	}
}

func (bi *BinaryInfo) decodeUint(buf []byte) uint64 {
	switch len(buf) {
	case 1:
		return uint64(buf[0])
	case 2:
		return uint64(bi.ByteOrder.Uint16(buf))
	case 4:
		return uint64(bi.ByteOrder.Uint32(buf))
	case 8:
		return bi.ByteOrder.Uint64(buf)
	}
	var n uint64
	if bi.ByteOrder == binary.BigEndian {
		for _, b := range buf {
			n = n<<8 | uint64(b)
		}
		return n
	}
	for i := len(buf) - 1; i >= 0; i-- {
		n = n<<8 | uint64(buf[i])
	}
	return n
}

func (bi *BinaryInfo) encodeUint(n uint64, size int) []byte {
	buf := make([]byte, 8)
	bi.ByteOrder.PutUint64(buf, n)
	if bi.ByteOrder == binary.BigEndian {
		return buf[8-size:]
	}
	return buf[:size]
}
