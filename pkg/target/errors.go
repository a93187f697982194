package target

import "fmt"

// SymbolNotFoundError is returned when an expression references a symbol
// (or a type) that the debug info does not define.
type SymbolNotFoundError struct {
	Name string
}

func (err *SymbolNotFoundError) Error() string {
	return fmt.Sprintf("no symbol %q in current context", err.Name)
}

// FieldNotFoundError is returned when a record does not have the
// requested field, or is not a record at all.
type FieldNotFoundError struct {
	Expr  string
	Type  string
	Field string
}

func (err *FieldNotFoundError) Error() string {
	if err.Expr == "" {
		return fmt.Sprintf("type %s has no field %s", err.Type, err.Field)
	}
	return fmt.Sprintf("%s (type %s) has no field %s", err.Expr, err.Type, err.Field)
}

// NullDerefError is returned when a null value is used where a valid
// address is required.
type NullDerefError struct {
	Expr string
}

func (err *NullDerefError) Error() string {
	if err.Expr == "" {
		return "NULL pointer dereference"
	}
	return fmt.Sprintf("%s is NULL", err.Expr)
}

// IndexOutOfRangeError is returned when an index falls outside [0, Max].
type IndexOutOfRangeError struct {
	Expr  string
	Index int64
	Max   int64
}

func (err *IndexOutOfRangeError) Error() string {
	return fmt.Sprintf("index %d out of range for %s [0, %d]", err.Index, err.Expr, err.Max)
}
