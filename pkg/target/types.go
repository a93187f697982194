package target

import (
	"fmt"
	"strings"
)

// Type describes the shape of a value in the target's memory.
// The concrete types mirror the C type system of the inspected kernel.
type Type interface {
	Common() *CommonType
	String() string
	Size() int64
}

// CommonType holds fields common to multiple types.
type CommonType struct {
	ByteSize int64
	Name     string
}

func (c *CommonType) Common() *CommonType { return c }

func (c *CommonType) Size() int64 { return c.ByteSize }

// IntType is a signed or unsigned integer type.
type IntType struct {
	CommonType
	Signed bool
}

func (t *IntType) String() string { return t.Name }

// CharType is a character type; arrays of CharType are strings.
type CharType struct {
	CommonType
	Signed bool
}

func (t *CharType) String() string { return t.Name }

// BoolType is a boolean type.
type BoolType struct {
	CommonType
}

func (t *BoolType) String() string { return t.Name }

// EnumValue is one enumerator of an EnumType.
type EnumValue struct {
	Name string
	Val  int64
}

// EnumType is a C enumeration.
type EnumType struct {
	CommonType
	EnumName string
	Val      []EnumValue
}

func (t *EnumType) String() string {
	if t.EnumName == "" {
		return "enum"
	}
	return "enum " + t.EnumName
}

// ValueName returns the name of the enumerator with value n.
func (t *EnumType) ValueName(n int64) (string, bool) {
	for _, v := range t.Val {
		if v.Val == n {
			return v.Name, true
		}
	}
	return "", false
}

// VoidType is the void type, also used for types that can not be
// represented (function types, unspecified types).
type VoidType struct {
	CommonType
}

func (t *VoidType) String() string {
	if t.Name == "" {
		return "void"
	}
	return t.Name
}

// PtrType is a pointer type. The pointed-to type is resolved lazily so
// that self referential records do not need to be converted eagerly.
type PtrType struct {
	CommonType
	elem    Type
	resolve func() Type
}

// NewPtrType returns a pointer to elem of the given size.
func NewPtrType(elem Type, size int64) *PtrType {
	return &PtrType{CommonType: CommonType{ByteSize: size}, elem: elem}
}

func newLazyPtrType(size int64, resolve func() Type) *PtrType {
	return &PtrType{CommonType: CommonType{ByteSize: size}, resolve: resolve}
}

// Elem returns the pointed-to type.
func (t *PtrType) Elem() Type {
	if t.elem != nil {
		return t.elem
	}
	if t.resolve != nil {
		if e := t.resolve(); e != nil {
			return e
		}
	}
	return &VoidType{}
}

func (t *PtrType) String() string {
	if t.Name != "" {
		return t.Name
	}
	return t.Elem().String() + " *"
}

// StructField is a member of a StructType. Anonymous members (C11
// anonymous structs and unions) have an empty Name.
type StructField struct {
	Name       string
	ByteOffset int64
	Type       Type
}

// StructType is a struct or a union.
type StructType struct {
	CommonType
	StructName string
	Kind       string // "struct" or "union"
	Field      []*StructField
}

func (t *StructType) String() string {
	if t.StructName != "" {
		return t.Kind + " " + t.StructName
	}
	var b strings.Builder
	b.WriteString(t.Kind)
	b.WriteString(" {")
	for i, f := range t.Field {
		if i > 0 {
			b.WriteString("; ")
		}
		fmt.Fprintf(&b, "%s %s", f.Type, f.Name)
	}
	b.WriteString("}")
	return b.String()
}

// FieldByName looks up a member by name, descending into anonymous members.
// The returned offset is relative to the start of t.
func (t *StructType) FieldByName(name string) (*StructField, int64, bool) {
	for _, f := range t.Field {
		if f.Name == name {
			return f, f.ByteOffset, true
		}
	}
	for _, f := range t.Field {
		if f.Name != "" {
			continue
		}
		if st, ok := resolveTypedef(f.Type).(*StructType); ok {
			if sf, off, ok := st.FieldByName(name); ok {
				return sf, f.ByteOffset + off, true
			}
		}
	}
	return nil, 0, false
}

// ArrayType is a fixed size array. Count is -1 for arrays of unknown
// length (flexible array members, extern declarations).
type ArrayType struct {
	CommonType
	Type  Type
	Count int64
}

func (t *ArrayType) String() string {
	if t.Count < 0 {
		return t.Type.String() + "[]"
	}
	return fmt.Sprintf("%s[%d]", t.Type, t.Count)
}

// TypedefType is a named alias of another type.
type TypedefType struct {
	CommonType
	Type Type
}

func (t *TypedefType) String() string { return t.Name }

func (t *TypedefType) Size() int64 { return t.Type.Size() }

// resolveTypedef strips typedefs from typ.
func resolveTypedef(typ Type) Type {
	for {
		td, ok := typ.(*TypedefType)
		if !ok {
			return typ
		}
		typ = td.Type
	}
}

// ResolveTypedef strips typedefs from typ.
func ResolveTypedef(typ Type) Type {
	return resolveTypedef(typ)
}

// TypeNames returns the names under which typ is known: every typedef
// along the chain followed by the struct, union or enum tag.
func TypeNames(typ Type) []string {
	var names []string
	for {
		td, ok := typ.(*TypedefType)
		if !ok {
			break
		}
		names = append(names, td.Name)
		typ = td.Type
	}
	switch t := typ.(type) {
	case nil:
	case *StructType:
		if t.StructName != "" {
			names = append(names, t.StructName)
		}
	case *EnumType:
		if t.EnumName != "" {
			names = append(names, t.EnumName)
		}
	default:
		if n := typ.Common().Name; n != "" {
			names = append(names, n)
		}
	}
	return names
}

// isCharArray reports whether typ is an array of characters.
func isCharArray(typ Type) bool {
	at, ok := resolveTypedef(typ).(*ArrayType)
	if !ok {
		return false
	}
	_, ok = resolveTypedef(at.Type).(*CharType)
	return ok
}

// IsString reports whether typ is an array of characters or a pointer to
// characters.
func IsString(typ Type) bool {
	switch t := resolveTypedef(typ).(type) {
	case *ArrayType:
		return isCharArray(t)
	case *PtrType:
		_, ok := resolveTypedef(t.Elem()).(*CharType)
		return ok
	}
	return false
}
