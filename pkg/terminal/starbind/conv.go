package starbind

import (
	"errors"
	"fmt"

	"go.starlark.net/starlark"

	"github.com/zeke-tools/kscope/pkg/target"
)

// valueToStarlark converts v into a starlark value: integers, characters,
// enums and booleans become starlark numbers and booleans, character
// arrays become strings and everything else is wrapped into a
// valueAsStarlarkValue. The null value is None.
func (env *Env) valueToStarlark(v *target.Value) (starlark.Value, error) {
	if v.IsNil() {
		return starlark.None, nil
	}
	switch t := v.RealType.(type) {
	case *target.IntType:
		if !t.Signed {
			n, err := v.Uint()
			if err != nil {
				return nil, err
			}
			return starlark.MakeUint64(n), nil
		}
		n, err := v.Int()
		if err != nil {
			return nil, err
		}
		return starlark.MakeInt64(n), nil
	case *target.CharType, *target.EnumType:
		n, err := v.Int()
		if err != nil {
			return nil, err
		}
		return starlark.MakeInt64(n), nil
	case *target.BoolType:
		n, err := v.Uint()
		if err != nil {
			return nil, err
		}
		return starlark.Bool(n != 0), nil
	case *target.ArrayType:
		if target.IsString(t) {
			s, err := v.CString()
			if err != nil {
				return nil, err
			}
			return starlark.String(s), nil
		}
	}
	return valueAsStarlarkValue{v, env}, nil
}

// toValue converts the argument of a builtin into a target value: strings
// are evaluated as expressions.
func (env *Env) toValue(sv starlark.Value) (*target.Value, error) {
	switch x := sv.(type) {
	case valueAsStarlarkValue:
		return x.v, nil
	case starlark.String:
		return env.ctx.Target().Eval(string(x))
	}
	return nil, fmt.Errorf("expected an expression or a value, got %s", sv.Type())
}

// valueAsStarlarkValue wraps a record, array or pointer of the target.
// The public methods of valueAsStarlarkValue implement the
// starlark.HasAttrs and starlark.Mapping interfaces.
type valueAsStarlarkValue struct {
	v   *target.Value
	env *Env
}

var _ starlark.HasAttrs = valueAsStarlarkValue{}
var _ starlark.Mapping = valueAsStarlarkValue{}

func (v valueAsStarlarkValue) Freeze() {
}

func (v valueAsStarlarkValue) Hash() (uint32, error) {
	return 0, fmt.Errorf("not hashable")
}

func (v valueAsStarlarkValue) String() string {
	s, err := v.env.ctx.FormatRecord(v.v)
	if err != nil {
		if target.IsNullDeref(err) {
			return "NULL"
		}
		return fmt.Sprintf("<%s: %v>", v.v.Name, err)
	}
	return s
}

// Truth is false for null pointers.
func (v valueAsStarlarkValue) Truth() starlark.Bool {
	if _, isptr := v.v.RealType.(*target.PtrType); isptr {
		p, err := v.v.Pointer()
		return err == nil && p != 0
	}
	return true
}

func (v valueAsStarlarkValue) Type() string {
	return v.v.TypeString()
}

func (v valueAsStarlarkValue) Attr(name string) (starlark.Value, error) {
	switch name {
	case "_addr":
		return starlark.MakeUint64(v.v.Addr), nil
	case "_type":
		return starlark.String(v.v.TypeString()), nil
	case "_name":
		return starlark.String(v.v.Name), nil
	}
	fv, err := v.v.Field(name)
	if err != nil {
		var ferr *target.FieldNotFoundError
		if errors.As(err, &ferr) {
			return nil, nil
		}
		return nil, err
	}
	return v.env.valueToStarlark(fv)
}

func (v valueAsStarlarkValue) AttrNames() []string {
	typ := v.v.RealType
	if pt, isptr := typ.(*target.PtrType); isptr {
		typ = target.ResolveTypedef(pt.Elem())
	}
	names := []string{"_addr", "_name", "_type"}
	if st, ok := typ.(*target.StructType); ok {
		for _, f := range st.Field {
			if f.Name != "" {
				names = append(names, f.Name)
			}
		}
	}
	return names
}

// Get implements the indexing operator: integers index arrays and
// pointers, strings select record fields.
func (v valueAsStarlarkValue) Get(key starlark.Value) (starlark.Value, bool, error) {
	switch k := key.(type) {
	case starlark.Int:
		i, ok := k.Int64()
		if !ok {
			return nil, false, fmt.Errorf("index %s out of range", k)
		}
		ev, err := v.v.Index(i)
		if err != nil {
			return nil, false, err
		}
		r, err := v.env.valueToStarlark(ev)
		return r, err == nil, err
	case starlark.String:
		r, err := v.Attr(string(k))
		if err != nil || r == nil {
			return nil, false, err
		}
		return r, true, nil
	}
	return nil, false, fmt.Errorf("%s can not be indexed with %s", v.v.Name, key.Type())
}
