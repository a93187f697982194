package target

import (
	"errors"
	"fmt"
	"strings"
)

// maxCStringLen bounds reads of strings reached through a pointer.
const maxCStringLen = 256

// Value is a typed location in the target's memory.
//
// A Value whose Addr is zero is the null sentinel: dereferencing a null or
// unreadable pointer yields it instead of an error, so that walkers can
// treat it as an end marker. Values produced by literals, casts and the
// address-of operator are immediate, their bytes are held locally and they
// are never null.
type Value struct {
	Name     string
	Addr     uint64
	Type     Type
	RealType Type // Type with typedefs removed

	tgt *Target
	imm []byte
}

// IsNil reports whether v is the null sentinel.
func (v *Value) IsNil() bool {
	return v == nil || (v.imm == nil && v.Addr == 0)
}

// Target returns the target v was read from.
func (v *Value) Target() *Target {
	return v.tgt
}

// TypeString returns the name of v's type.
func (v *Value) TypeString() string {
	if v.Type == nil {
		return "<nil>"
	}
	return v.Type.String()
}

func (v *Value) bytes() ([]byte, error) {
	if v.imm != nil {
		return v.imm, nil
	}
	if v.IsNil() {
		return nil, &NullDerefError{Expr: v.Name}
	}
	size := v.Type.Size()
	if size <= 0 {
		return nil, fmt.Errorf("%s (type %s) has unknown size", v.Name, v.TypeString())
	}
	buf := make([]byte, size)
	if err := readFull(v.tgt.mem, buf, v.Addr); err != nil {
		return nil, fmt.Errorf("could not read %s at %#x: %w", v.Name, v.Addr, err)
	}
	return buf, nil
}

// Bytes returns the raw contents of v.
func (v *Value) Bytes() ([]byte, error) {
	return v.bytes()
}

// Uint returns the contents of an integer, enum, boolean or pointer value.
func (v *Value) Uint() (uint64, error) {
	switch v.RealType.(type) {
	case *IntType, *CharType, *BoolType, *EnumType, *PtrType:
	default:
		return 0, fmt.Errorf("%s (type %s) is not an integer", v.Name, v.TypeString())
	}
	buf, err := v.bytes()
	if err != nil {
		return 0, err
	}
	return v.tgt.BinInfo.decodeUint(buf), nil
}

// Int is like Uint but sign extends signed types.
func (v *Value) Int() (int64, error) {
	n, err := v.Uint()
	if err != nil {
		return 0, err
	}
	signed := false
	switch t := v.RealType.(type) {
	case *IntType:
		signed = t.Signed
	case *CharType:
		signed = t.Signed
	case *EnumType:
		signed = true
	}
	size := v.RealType.Size()
	if !signed || size <= 0 || size >= 8 {
		return int64(n), nil
	}
	shift := uint(64 - 8*size)
	return int64(n<<shift) >> shift, nil
}

// Pointer returns the address stored in a pointer value.
func (v *Value) Pointer() (uint64, error) {
	if _, ok := v.RealType.(*PtrType); !ok {
		return 0, fmt.Errorf("%s (type %s) is not a pointer", v.Name, v.TypeString())
	}
	return v.Uint()
}

// Deref follows a pointer. A null pointer, or one pointing to memory that
// can not be read, yields the null sentinel of the pointed-to type.
func (v *Value) Deref() (*Value, error) {
	pt, ok := v.RealType.(*PtrType)
	if !ok {
		return nil, fmt.Errorf("%s (type %s) is not a pointer", v.Name, v.TypeString())
	}
	name := "*" + parenthesize(v.Name)
	elem := pt.Elem()
	if v.IsNil() {
		return v.tgt.NewValue(name, 0, elem), nil
	}
	p, err := v.Uint()
	if err != nil {
		return nil, err
	}
	if p == 0 {
		return v.tgt.NewValue(name, 0, elem), nil
	}
	if !v.tgt.mapped(p) {
		v.tgt.log.Debugf("%s points to unreadable address %#x", v.Name, p)
		return v.tgt.NewValue(name, 0, elem), nil
	}
	return v.tgt.NewValue(name, p, elem), nil
}

// Field returns the member called name of a record, following one level of
// pointer first if v is a pointer to a record.
func (v *Value) Field(name string) (*Value, error) {
	sv := v
	sep := "."
	if _, isptr := v.RealType.(*PtrType); isptr {
		var err error
		sv, err = v.Deref()
		if err != nil {
			return nil, err
		}
		sep = "->"
	}
	st, ok := sv.RealType.(*StructType)
	if !ok {
		return nil, &FieldNotFoundError{Expr: v.Name, Type: sv.TypeString(), Field: name}
	}
	f, off, ok := st.FieldByName(name)
	if !ok {
		return nil, &FieldNotFoundError{Expr: v.Name, Type: sv.TypeString(), Field: name}
	}
	if sv.IsNil() {
		return nil, &NullDerefError{Expr: v.Name}
	}
	return sv.child(v.Name+sep+name, off, f.Type)
}

// FieldAt returns the member f of record v. Unlike Field it does not
// follow pointers and f must belong to v's own type.
func (v *Value) FieldAt(f *StructField) (*Value, error) {
	if v.IsNil() {
		return nil, &NullDerefError{Expr: v.Name}
	}
	name := v.Name + "." + f.Name
	if f.Name == "" {
		name = v.Name
	}
	return v.child(name, f.ByteOffset, f.Type)
}

// Index returns element i of an array, or of the memory a pointer points to.
func (v *Value) Index(i int64) (*Value, error) {
	name := fmt.Sprintf("%s[%d]", parenthesize(v.Name), i)
	switch t := v.RealType.(type) {
	case *ArrayType:
		if t.Count >= 0 && (i < 0 || i >= t.Count) {
			return nil, &IndexOutOfRangeError{Expr: v.Name, Index: i, Max: t.Count - 1}
		}
		if v.IsNil() {
			return nil, &NullDerefError{Expr: v.Name}
		}
		return v.child(name, i*t.Type.Size(), t.Type)
	case *PtrType:
		p, err := v.Uint()
		if err != nil {
			return nil, err
		}
		if p == 0 {
			return nil, &NullDerefError{Expr: v.Name}
		}
		elem := t.Elem()
		size := elem.Size()
		if size <= 0 {
			return nil, fmt.Errorf("can not index %s: element type %s has unknown size", v.Name, elem)
		}
		return v.tgt.NewValue(name, p+uint64(i*size), elem), nil
	}
	return nil, fmt.Errorf("%s (type %s) can not be indexed", v.Name, v.TypeString())
}

func (v *Value) child(name string, off int64, typ Type) (*Value, error) {
	if v.imm == nil {
		return v.tgt.NewValue(name, v.Addr+uint64(off), typ), nil
	}
	end := off + typ.Size()
	if off < 0 || end > int64(len(v.imm)) {
		return nil, fmt.Errorf("%s is out of bounds of %s", name, v.Name)
	}
	return v.tgt.newImmediate(name, typ, v.imm[off:end]), nil
}

// CString returns the contents of a character array, up to the first NUL,
// or of the NUL terminated string a character pointer points to.
func (v *Value) CString() (string, error) {
	switch t := v.RealType.(type) {
	case *ArrayType:
		if !isCharArray(t) {
			break
		}
		buf, err := v.bytes()
		if err != nil {
			return "", err
		}
		return cstring(buf), nil
	case *PtrType:
		if !IsString(t) {
			break
		}
		p, err := v.Uint()
		if err != nil {
			return "", err
		}
		if p == 0 {
			return "", &NullDerefError{Expr: v.Name}
		}
		return v.tgt.readCString(p)
	}
	return "", fmt.Errorf("%s (type %s) is not a string", v.Name, v.TypeString())
}

func (t *Target) readCString(addr uint64) (string, error) {
	var out []byte
	var chunk [64]byte
	for len(out) < maxCStringLen {
		n, err := t.mem.ReadMemory(chunk[:], addr)
		if i := indexNUL(chunk[:n]); i >= 0 {
			return string(append(out, chunk[:i]...)), nil
		}
		out = append(out, chunk[:n]...)
		if err != nil || n == 0 {
			if len(out) == 0 {
				return "", fmt.Errorf("could not read string at %#x: %w", addr, err)
			}
			break
		}
		addr += uint64(n)
	}
	if len(out) > maxCStringLen {
		out = out[:maxCStringLen]
	}
	return string(out), nil
}

// Words decodes an array of integers, returning the elements and the size
// in bytes of each of them.
func (v *Value) Words() ([]uint64, int64, error) {
	at, ok := v.RealType.(*ArrayType)
	if !ok {
		return nil, 0, fmt.Errorf("%s (type %s) is not an array", v.Name, v.TypeString())
	}
	switch resolveTypedef(at.Type).(type) {
	case *IntType, *CharType:
	default:
		return nil, 0, fmt.Errorf("%s (type %s) is not an array of integers", v.Name, v.TypeString())
	}
	size := at.Type.Size()
	if size <= 0 || at.Count < 0 {
		return nil, 0, fmt.Errorf("%s (type %s) has unknown size", v.Name, v.TypeString())
	}
	buf, err := v.bytes()
	if err != nil {
		return nil, 0, err
	}
	words := make([]uint64, at.Count)
	for i := range words {
		words[i] = v.tgt.BinInfo.decodeUint(buf[int64(i)*size : int64(i+1)*size])
	}
	return words, size, nil
}

// AddressOf returns a pointer to v.
func (v *Value) AddressOf() (*Value, error) {
	if v.imm != nil {
		return nil, fmt.Errorf("can not take the address of %s", v.Name)
	}
	ptrSize := int64(v.tgt.BinInfo.PtrSize)
	typ := NewPtrType(v.Type, ptrSize)
	return v.tgt.newImmediate("&"+parenthesize(v.Name), typ, v.tgt.BinInfo.encodeUint(v.Addr, int(ptrSize))), nil
}

// Cast reinterprets an integer or pointer value as typ, which must itself
// be an integer or pointer type. Records are cast by reinterpreting their
// address.
func (v *Value) Cast(typ Type) (*Value, error) {
	name := fmt.Sprintf("(%s)%s", typ, parenthesize(v.Name))
	var n uint64
	switch v.RealType.(type) {
	case *StructType, *ArrayType:
		if v.IsNil() {
			return nil, &NullDerefError{Expr: v.Name}
		}
		n = v.Addr
	default:
		var err error
		n, err = v.Uint()
		if err != nil {
			return nil, err
		}
	}
	switch resolveTypedef(typ).(type) {
	case *PtrType, *IntType, *CharType, *BoolType, *EnumType:
	default:
		return nil, fmt.Errorf("can not convert %s to %s", v.Name, typ)
	}
	size := typ.Size()
	if size <= 0 || size > 8 {
		return nil, fmt.Errorf("can not convert %s to %s", v.Name, typ)
	}
	return v.tgt.newImmediate(name, typ, v.tgt.BinInfo.encodeUint(n, int(size))), nil
}

// NewConstant returns an immediate signed integer.
func (t *Target) NewConstant(n int64) *Value {
	typ := &IntType{CommonType: CommonType{ByteSize: 8, Name: "long"}, Signed: true}
	return t.newImmediate(fmt.Sprint(n), typ, t.BinInfo.encodeUint(uint64(n), 8))
}

// IsNullDeref reports whether err was caused by a null value.
func IsNullDeref(err error) bool {
	var nerr *NullDerefError
	return errors.As(err, &nerr)
}

func cstring(buf []byte) string {
	if i := indexNUL(buf); i >= 0 {
		buf = buf[:i]
	}
	return string(buf)
}

func indexNUL(buf []byte) int {
	for i, b := range buf {
		if b == 0 {
			return i
		}
	}
	return -1
}

func parenthesize(expr string) string {
	if strings.ContainsAny(expr, " *&()") {
		return "(" + expr + ")"
	}
	return expr
}
