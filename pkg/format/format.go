// Package format renders kernel records as single line
// "{label: value, ...}" strings. Which fields are printed for a record is
// described by a Shape, selected by matching the record's type name
// against the shapes of a Registry. Records without a shape print all of
// their fields.
package format

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/zeke-tools/kscope/pkg/config"
	"github.com/zeke-tools/kscope/pkg/target"
	"github.com/zeke-tools/kscope/pkg/walk"
)

// FieldKind selects how the value of a field is rendered.
type FieldKind int

const (
	// Auto renders the value according to its type.
	Auto FieldKind = iota
	// String renders a character array as a quoted string truncated at
	// the first NUL.
	String
	// BitSet renders an array of words as one hexadecimal literal, most
	// significant word first.
	BitSet
	// Queue renders a queue.h list head as the list of its formatted
	// nodes.
	Queue
)

var kindNames = map[string]FieldKind{"": Auto, "auto": Auto, "string": String, "bitset": BitSet, "queue": Queue}

// ParseFieldKind converts the name of a kind as used in the configuration
// file.
func ParseFieldKind(s string) (FieldKind, error) {
	k, ok := kindNames[strings.ToLower(s)]
	if !ok {
		return Auto, fmt.Errorf("unknown field kind %q", s)
	}
	return k, nil
}

// FieldSpec is one "label: value" entry of a Shape.
type FieldSpec struct {
	Label string
	// Paths are field paths relative to the record. Values of multiple
	// paths are joined with '/'.
	Paths []string
	Kind  FieldKind
	// Queue and Entry describe the list when Kind is Queue: its flavor and
	// the link field inside each node.
	Queue walk.ListShape
	Entry string

	paths []target.Path
}

// Shape describes which fields of a record are printed.
type Shape struct {
	Name string
	// Pattern is a regular expression matched against the names of the
	// record's type: its typedef names and its struct tag.
	Pattern string
	Fields  []FieldSpec

	re *regexp.Regexp
}

// Registry holds the shapes known to the formatter.
type Registry struct {
	shapes []*Shape
	opts   walk.Options
}

// maxDepth bounds the nesting of printed records.
const maxDepth = 6

// NewRegistry returns a registry holding the built-in shapes.
func NewRegistry(opts walk.Options) *Registry {
	r := &Registry{opts: opts}
	for _, s := range Builtin() {
		if err := r.Register(s); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds s to the registry. Shapes registered later take precedence
// over earlier ones matching the same type.
func (r *Registry) Register(s Shape) error {
	re, err := regexp.Compile(s.Pattern)
	if err != nil {
		return fmt.Errorf("printer %s: %w", s.Name, err)
	}
	s.re = re
	fields := make([]FieldSpec, len(s.Fields))
	for i, f := range s.Fields {
		if len(f.Paths) == 0 {
			return fmt.Errorf("printer %s: field %q has no paths", s.Name, f.Label)
		}
		if f.Kind == Queue && (f.Queue.Head == "" || f.Entry == "") {
			return fmt.Errorf("printer %s: queue field %q needs a list shape and an entry field", s.Name, f.Label)
		}
		f.paths = nil
		for _, p := range f.Paths {
			pp, err := target.ParsePath(p)
			if err != nil {
				return fmt.Errorf("printer %s: %w", s.Name, err)
			}
			f.paths = append(f.paths, pp)
		}
		fields[i] = f
	}
	s.Fields = fields
	r.shapes = append(r.shapes, &s)
	return nil
}

// RegisterConfig registers the printers of the configuration file.
func (r *Registry) RegisterConfig(printers []config.PrinterConfig) error {
	for _, pc := range printers {
		s := Shape{Name: pc.Name, Pattern: pc.Pattern}
		for _, pf := range pc.Fields {
			kind, err := ParseFieldKind(pf.Kind)
			if err != nil {
				return fmt.Errorf("printer %s: %w", pc.Name, err)
			}
			f := FieldSpec{Label: pf.Label, Paths: pf.Paths, Kind: kind, Entry: pf.Entry}
			if kind == Queue {
				shape, ok := walk.ShapeByName(pf.Queue)
				if !ok {
					return fmt.Errorf("printer %s: unknown queue kind %q", pc.Name, pf.Queue)
				}
				f.Queue = shape
			}
			s.Fields = append(s.Fields, f)
		}
		if err := r.Register(s); err != nil {
			return err
		}
	}
	return nil
}

// Lookup returns the shape for records of type typ.
func (r *Registry) Lookup(typ target.Type) (*Shape, bool) {
	names := target.TypeNames(typ)
	for i := len(r.shapes) - 1; i >= 0; i-- {
		for _, name := range names {
			if r.shapes[i].re.MatchString(name) {
				return r.shapes[i], true
			}
		}
	}
	return nil, false
}

// Shapes returns the registered shapes, in registration order.
func (r *Registry) Shapes() []Shape {
	out := make([]Shape, len(r.shapes))
	for i, s := range r.shapes {
		out[i] = *s
	}
	return out
}

// TypeFinder gives access to the types of the debug info.
type TypeFinder interface {
	FindType(name string) (target.Type, error)
	KnownTypes() []string
}

// Validate checks the paths of every shape against each record type whose
// name the shape's pattern matches.
func (r *Registry) Validate(types TypeFinder) error {
	var errs []error
	reported := make(map[string]bool)
	names := types.KnownTypes()
	for _, s := range r.shapes {
		for _, name := range names {
			if !s.re.MatchString(name) {
				continue
			}
			typ, err := types.FindType(name)
			if err != nil {
				continue
			}
			if _, isstruct := target.ResolveTypedef(typ).(*target.StructType); !isstruct {
				continue
			}
			for _, f := range s.Fields {
				for _, p := range f.paths {
					if _, err := target.ValidatePath(typ, p); err != nil {
						err = fmt.Errorf("printer %s: field %q: %w", s.Name, f.Label, err)
						if !reported[err.Error()] {
							reported[err.Error()] = true
							errs = append(errs, err)
						}
					}
				}
			}
		}
	}
	return errors.Join(errs...)
}

// Format renders v. A null v is an error: the caller asked for a record
// that does not exist.
func (r *Registry) Format(v *target.Value) (string, error) {
	if v.IsNil() {
		return "", &target.NullDerefError{Expr: v.Name}
	}
	p := &printer{Registry: r, open: make(map[recordKey]struct{})}
	return p.value(v, 0)
}

// FormatRecord renders the record v, or the record v points to, with its
// shape. A null pointer is an error.
func (r *Registry) FormatRecord(v *target.Value) (string, error) {
	if _, isptr := v.RealType.(*target.PtrType); isptr && !v.IsNil() {
		var err error
		if v, err = v.Deref(); err != nil {
			return "", err
		}
	}
	return r.Format(v)
}

type recordKey struct {
	addr uint64
	typ  target.Type
}

// printer holds the state of a single Format call. Open lists the shaped
// records being printed, from the outermost one to the current one; a
// record nested inside itself is a cycle in memory.
type printer struct {
	*Registry
	open map[recordKey]struct{}
}

func (p *printer) value(v *target.Value, depth int) (string, error) {
	if v.IsNil() {
		return "NULL", nil
	}
	switch t := v.RealType.(type) {
	case *target.StructType:
		if s, ok := p.Lookup(v.Type); ok {
			return p.shape(v, s, depth)
		}
		return p.generic(v, t, depth)
	case *target.ArrayType:
		if target.IsString(t) {
			s, err := v.CString()
			if err != nil {
				return "", err
			}
			return strconv.Quote(s), nil
		}
		return p.array(v, t, depth)
	case *target.PtrType:
		ptr, err := v.Pointer()
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%#x", ptr), nil
	case *target.EnumType:
		n, err := v.Int()
		if err != nil {
			return "", err
		}
		if name, ok := t.ValueName(n); ok {
			return name, nil
		}
		return strconv.FormatInt(n, 10), nil
	case *target.BoolType:
		n, err := v.Uint()
		if err != nil {
			return "", err
		}
		return strconv.FormatBool(n != 0), nil
	case *target.IntType, *target.CharType:
		n, err := v.Int()
		if err != nil {
			return "", err
		}
		return strconv.FormatInt(n, 10), nil
	}
	b, err := v.Bytes()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", b), nil
}

func (p *printer) shape(v *target.Value, s *Shape, depth int) (string, error) {
	if v.Addr != 0 {
		key := recordKey{v.Addr, v.RealType}
		if _, seen := p.open[key]; seen {
			return "", &walk.CyclicStructureError{Addr: v.Addr, Index: depth}
		}
		if depth >= maxDepth {
			return "{...}", nil
		}
		p.open[key] = struct{}{}
		defer delete(p.open, key)
	} else if depth >= maxDepth {
		return "{...}", nil
	}
	if len(s.Fields) == 1 && s.Fields[0].Label == "" {
		return p.field(v, &s.Fields[0], depth)
	}
	var b strings.Builder
	b.WriteString("{")
	for i := range s.Fields {
		f := &s.Fields[i]
		if i > 0 {
			b.WriteString(", ")
		}
		out, err := p.field(v, f, depth)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "%s: %s", f.Label, out)
	}
	b.WriteString("}")
	return b.String(), nil
}

func (p *printer) field(v *target.Value, f *FieldSpec, depth int) (string, error) {
	parts := make([]string, 0, len(f.paths))
	for _, path := range f.paths {
		fv, err := v.Follow(path)
		if err != nil {
			if target.IsNullDeref(err) {
				parts = append(parts, "NULL")
				continue
			}
			return "", err
		}
		out, err := p.fieldValue(fv, f, depth)
		if err != nil {
			return "", err
		}
		parts = append(parts, out)
	}
	return strings.Join(parts, "/"), nil
}

func (p *printer) fieldValue(v *target.Value, f *FieldSpec, depth int) (string, error) {
	if v.IsNil() {
		return "NULL", nil
	}
	switch f.Kind {
	case String:
		s, err := v.CString()
		if err != nil {
			if target.IsNullDeref(err) {
				return "NULL", nil
			}
			return "", err
		}
		return strconv.Quote(s), nil
	case BitSet:
		words, size, err := v.Words()
		if err != nil {
			return "", err
		}
		return FormatBitSet(words, size), nil
	case Queue:
		return p.queue(v, f, depth)
	}
	return p.value(v, depth+1)
}

func (p *printer) queue(head *target.Value, f *FieldSpec, depth int) (string, error) {
	nodes, err := walk.Nodes(head, f.Queue, f.Entry, p.opts)
	var terr *walk.TruncatedError
	truncated := errors.As(err, &terr)
	if err != nil && !truncated {
		return "", err
	}
	parts := make([]string, 0, len(nodes)+1)
	for _, n := range nodes {
		out, err := p.value(n, depth+1)
		if err != nil {
			return "", err
		}
		parts = append(parts, out)
	}
	if truncated {
		parts = append(parts, "...")
	}
	return "[" + strings.Join(parts, ", ") + "]", nil
}

func (p *printer) generic(v *target.Value, t *target.StructType, depth int) (string, error) {
	if depth >= maxDepth {
		return "{...}", nil
	}
	var b strings.Builder
	b.WriteString("{")
	first := true
	for _, f := range t.Field {
		fv, err := v.FieldAt(f)
		if err != nil {
			return "", err
		}
		out, err := p.value(fv, depth+1)
		if err != nil {
			return "", err
		}
		if !first {
			b.WriteString(", ")
		}
		first = false
		if f.Name == "" {
			b.WriteString(out)
			continue
		}
		fmt.Fprintf(&b, "%s: %s", f.Name, out)
	}
	b.WriteString("}")
	return b.String(), nil
}

// maxArrayElems bounds the number of elements printed for arrays.
const maxArrayElems = 64

func (p *printer) array(v *target.Value, t *target.ArrayType, depth int) (string, error) {
	if t.Count < 0 {
		return fmt.Sprintf("%#x", v.Addr), nil
	}
	n := t.Count
	if n > maxArrayElems {
		n = maxArrayElems
	}
	parts := make([]string, 0, n+1)
	for i := int64(0); i < n; i++ {
		ev, err := v.Index(i)
		if err != nil {
			return "", err
		}
		out, err := p.value(ev, depth+1)
		if err != nil {
			return "", err
		}
		parts = append(parts, out)
	}
	if n < t.Count {
		parts = append(parts, fmt.Sprintf("...+%d more", t.Count-n))
	}
	return "{" + strings.Join(parts, ", ") + "}", nil
}

// FormatBitSet renders words, each size bytes wide, as a single
// hexadecimal literal with the last word first.
func FormatBitSet(words []uint64, size int64) string {
	var b strings.Builder
	b.WriteString("0x")
	for i := len(words) - 1; i >= 0; i-- {
		fmt.Fprintf(&b, "%0*x", int(size*2), words[i])
	}
	return b.String()
}
