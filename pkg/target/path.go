package target

import (
	"fmt"
	"strings"
)

// PathStep is one member access in a field path.
type PathStep struct {
	Field string
	Arrow bool // reached through "->"
}

// Path is a chain of member accesses such as "inh.child_list_head.slh_first"
// or "pg_session->s_leader".
type Path []PathStep

// ParsePath parses a chain of identifiers separated by "." or "->".
func ParsePath(s string) (Path, error) {
	var p Path
	arrow := false
	rest := s
	for {
		i := strings.IndexAny(rest, ".-")
		tok := rest
		if i >= 0 {
			tok = rest[:i]
		}
		if !isIdent(tok) {
			return nil, fmt.Errorf("malformed field path %q", s)
		}
		p = append(p, PathStep{Field: tok, Arrow: arrow})
		if i < 0 {
			return p, nil
		}
		switch {
		case rest[i] == '.':
			arrow = false
			rest = rest[i+1:]
		case strings.HasPrefix(rest[i:], "->"):
			arrow = true
			rest = rest[i+2:]
		default:
			return nil, fmt.Errorf("malformed field path %q", s)
		}
	}
}

// MustParsePath is like ParsePath but panics on malformed input.
func MustParsePath(s string) Path {
	p, err := ParsePath(s)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Path) String() string {
	var b strings.Builder
	for i, s := range p {
		if i > 0 {
			if s.Arrow {
				b.WriteString("->")
			} else {
				b.WriteString(".")
			}
		}
		b.WriteString(s.Field)
	}
	return b.String()
}

// Follow applies p to v.
func (v *Value) Follow(p Path) (*Value, error) {
	cur := v
	for _, s := range p {
		var err error
		cur, err = cur.Field(s.Field)
		if err != nil {
			return nil, err
		}
	}
	return cur, nil
}

// FieldPath parses s and applies it to v.
func (v *Value) FieldPath(s string) (*Value, error) {
	p, err := ParsePath(s)
	if err != nil {
		return nil, err
	}
	return v.Follow(p)
}

// ValidatePath checks that p can be applied to values of type typ without
// reading memory, and returns the type at the end of the path.
func ValidatePath(typ Type, p Path) (Type, error) {
	cur := typ
	for _, s := range p {
		r := resolveTypedef(cur)
		if pt, ok := r.(*PtrType); ok {
			r = resolveTypedef(pt.Elem())
		} else if s.Arrow {
			return nil, fmt.Errorf("%s is not a pointer in %s", cur, p)
		}
		st, ok := r.(*StructType)
		if !ok {
			return nil, &FieldNotFoundError{Type: r.String(), Field: s.Field}
		}
		f, _, ok := st.FieldByName(s.Field)
		if !ok {
			return nil, &FieldNotFoundError{Type: r.String(), Field: s.Field}
		}
		cur = f.Type
	}
	return cur, nil
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, c := range s {
		switch {
		case c == '_', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case i > 0 && c >= '0' && c <= '9':
		default:
			return false
		}
	}
	return true
}
