package test

import (
	"github.com/zeke-tools/kscope/pkg/target"
)

// Basic C types of a 64 bit target.
var (
	Char   = &target.CharType{CommonType: target.CommonType{ByteSize: 1, Name: "char"}, Signed: true}
	Int    = Integer("int", 4, true)
	Uint32 = Integer("uint32_t", 4, false)
	Long   = Integer("long", 8, true)
	Ulong  = Integer("unsigned long", 8, false)
	Void   = &target.VoidType{}
)

// Integer returns an integer type.
func Integer(name string, size int64, signed bool) *target.IntType {
	return &target.IntType{CommonType: target.CommonType{ByteSize: size, Name: name}, Signed: signed}
}

// Typedef returns a typedef called name for typ.
func Typedef(name string, typ target.Type) *target.TypedefType {
	return &target.TypedefType{CommonType: target.CommonType{Name: name}, Type: typ}
}

// Ptr returns a pointer to elem.
func Ptr(elem target.Type) *target.PtrType {
	return target.NewPtrType(elem, PtrSize)
}

// Array returns an array of n elements; n < 0 is an array of unknown length.
func Array(elem target.Type, n int64) *target.ArrayType {
	size := elem.Size() * n
	if n < 0 {
		size = 0
	}
	return &target.ArrayType{CommonType: target.CommonType{ByteSize: size}, Type: elem, Count: n}
}

// Field is a member of a record being laid out.
type Field struct {
	Name string
	Type target.Type
}

// F returns a Field.
func F(name string, typ target.Type) Field {
	return Field{Name: name, Type: typ}
}

// Declare returns an incomplete struct, to be completed with Define, so
// that records can point to themselves.
func Declare(name string) *target.StructType {
	return &target.StructType{CommonType: target.CommonType{Name: name}, StructName: name, Kind: "struct"}
}

// Define lays out fields in st using C alignment rules.
func Define(st *target.StructType, fields ...Field) *target.StructType {
	var off, maxAlign int64 = 0, 1
	st.Field = nil
	for _, f := range fields {
		a := Align(f.Type)
		if a > maxAlign {
			maxAlign = a
		}
		off = roundUp(off, a)
		st.Field = append(st.Field, &target.StructField{Name: f.Name, ByteOffset: off, Type: f.Type})
		off += f.Type.Size()
	}
	st.ByteSize = roundUp(off, maxAlign)
	return st
}

// Struct declares and defines a record in one step.
func Struct(name string, fields ...Field) *target.StructType {
	return Define(Declare(name), fields...)
}

// Align returns the C alignment of typ.
func Align(typ target.Type) int64 {
	switch t := target.ResolveTypedef(typ).(type) {
	case *target.ArrayType:
		return Align(t.Type)
	case *target.StructType:
		a := int64(1)
		for _, f := range t.Field {
			if fa := Align(f.Type); fa > a {
				a = fa
			}
		}
		return a
	}
	if s := typ.Size(); s > 0 {
		return s
	}
	return 1
}

func roundUp(n, align int64) int64 {
	if r := n % align; r != 0 {
		n += align - r
	}
	return n
}

// SListHead returns SLIST_HEAD(name, elem).
func SListHead(name string, elem target.Type) *target.StructType {
	return Struct(name, F("slh_first", Ptr(elem)))
}

// SListEntry returns SLIST_ENTRY(elem).
func SListEntry(elem target.Type) *target.StructType {
	return Struct("", F("sle_next", Ptr(elem)))
}

// ListHead returns LIST_HEAD(name, elem).
func ListHead(name string, elem target.Type) *target.StructType {
	return Struct(name, F("lh_first", Ptr(elem)))
}

// ListEntry returns LIST_ENTRY(elem).
func ListEntry(elem target.Type) *target.StructType {
	return Struct("", F("le_next", Ptr(elem)), F("le_prev", Ptr(Ptr(elem))))
}

// STailQHead returns STAILQ_HEAD(name, elem).
func STailQHead(name string, elem target.Type) *target.StructType {
	return Struct(name, F("stqh_first", Ptr(elem)), F("stqh_last", Ptr(Ptr(elem))))
}

// STailQEntry returns STAILQ_ENTRY(elem).
func STailQEntry(elem target.Type) *target.StructType {
	return Struct("", F("stqe_next", Ptr(elem)))
}

// TailQHead returns TAILQ_HEAD(name, elem).
func TailQHead(name string, elem target.Type) *target.StructType {
	return Struct(name, F("tqh_first", Ptr(elem)), F("tqh_last", Ptr(Ptr(elem))))
}

// TailQEntry returns TAILQ_ENTRY(elem).
func TailQEntry(elem target.Type) *target.StructType {
	return Struct("", F("tqe_next", Ptr(elem)), F("tqe_prev", Ptr(Ptr(elem))))
}
