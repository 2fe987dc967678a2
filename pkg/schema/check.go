package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
)

// Constraint violation codes.
const (
	CodeTypeMismatch = "TYPE_MISMATCH"
	CodeOutOfRange   = "OUT_OF_RANGE"
	CodeNotAllowed   = "NOT_ALLOWED"
	CodeRequired     = "REQUIRED"
	CodeUnknown      = "UNKNOWN_ARGUMENT"
)

// ConstraintError reports a value that does not fit a declaration.
type ConstraintError struct {
	Code    string
	Message string
}

func (e *ConstraintError) Error() string {
	return e.Message
}

func constraintErr(code, format string, args ...interface{}) *ConstraintError {
	return &ConstraintError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Coerce converts v into the canonical Go representation of t: int64 for
// integers, float64 for reals, typed slices for lists and map[string]Value
// for maps. Values decoded from JSON or YAML are accepted as long as they
// convert without loss.
func Coerce(t Type, v Value) (Value, error) {
	if v == nil {
		return nil, constraintErr(CodeTypeMismatch, "expected %s, got null", t)
	}

	switch t {
	case TypeAny:
		return v, nil
	case TypeBoolean:
		b, ok := v.(bool)
		if !ok {
			return nil, constraintErr(CodeTypeMismatch, "expected boolean, got %T", v)
		}
		return b, nil
	case TypeInteger:
		return toInt(v)
	case TypeReal:
		return toFloat(v)
	case TypeString:
		s, ok := v.(string)
		if !ok {
			return nil, constraintErr(CodeTypeMismatch, "expected string, got %T", v)
		}
		return s, nil
	case TypeMap:
		return toMap(v)
	case TypeBooleanList, TypeIntegerList, TypeRealList, TypeStringList:
		return coerceList(t, v)
	default:
		return nil, constraintErr(CodeTypeMismatch, "unknown type %q", t)
	}
}

func coerceList(t Type, v Value) (Value, error) {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, constraintErr(CodeTypeMismatch, "expected %s, got %T", t, v)
	}

	n := rv.Len()
	elem := t.Elem()
	switch elem {
	case TypeBoolean:
		out := make([]bool, n)
		for i := 0; i < n; i++ {
			e, err := Coerce(elem, rv.Index(i).Interface())
			if err != nil {
				return nil, listErr(i, err)
			}
			out[i] = e.(bool)
		}
		return out, nil
	case TypeInteger:
		out := make([]int64, n)
		for i := 0; i < n; i++ {
			e, err := Coerce(elem, rv.Index(i).Interface())
			if err != nil {
				return nil, listErr(i, err)
			}
			out[i] = e.(int64)
		}
		return out, nil
	case TypeReal:
		out := make([]float64, n)
		for i := 0; i < n; i++ {
			e, err := Coerce(elem, rv.Index(i).Interface())
			if err != nil {
				return nil, listErr(i, err)
			}
			out[i] = e.(float64)
		}
		return out, nil
	default:
		out := make([]string, n)
		for i := 0; i < n; i++ {
			e, err := Coerce(elem, rv.Index(i).Interface())
			if err != nil {
				return nil, listErr(i, err)
			}
			out[i] = e.(string)
		}
		return out, nil
	}
}

func listErr(i int, err error) error {
	if ce, ok := err.(*ConstraintError); ok {
		return constraintErr(ce.Code, "element %d: %s", i, ce.Message)
	}
	return err
}

func toInt(v Value) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint:
		return int64(n), nil
	case uint8:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint64:
		if n > math.MaxInt64 {
			return 0, constraintErr(CodeTypeMismatch, "integer %d overflows", n)
		}
		return int64(n), nil
	case float32:
		return toInt(float64(n))
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) {
			return 0, constraintErr(CodeTypeMismatch, "expected integer, got %g", n)
		}
		return int64(n), nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, constraintErr(CodeTypeMismatch, "expected integer, got %s", n)
		}
		return i, nil
	default:
		return 0, constraintErr(CodeTypeMismatch, "expected integer, got %T", v)
	}
}

func toFloat(v Value) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, constraintErr(CodeTypeMismatch, "expected real, got %s", n)
		}
		return f, nil
	case bool, string:
		return 0, constraintErr(CodeTypeMismatch, "expected real, got %T", v)
	default:
		i, err := toInt(v)
		if err != nil {
			return 0, constraintErr(CodeTypeMismatch, "expected real, got %T", v)
		}
		return float64(i), nil
	}
}

func toMap(v Value) (map[string]Value, error) {
	switch m := v.(type) {
	case map[string]Value:
		return m, nil
	case map[string]string:
		out := make(map[string]Value, len(m))
		for k, s := range m {
			out[k] = s
		}
		return out, nil
	default:
		rv := reflect.ValueOf(v)
		if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
			return nil, constraintErr(CodeTypeMismatch, "expected map, got %T", v)
		}
		out := make(map[string]Value, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = iter.Value().Interface()
		}
		return out, nil
	}
}

// AsFloat returns v as a float64 when it is a number.
func AsFloat(v Value) (float64, bool) {
	if _, ok := v.(bool); ok {
		return 0, false
	}
	if _, ok := v.(string); ok {
		return 0, false
	}
	f, err := toFloat(v)
	return f, err == nil
}

// Elements returns the elements of a list value, or v itself as the single
// element of a scalar.
func Elements(v Value) []Value {
	if v == nil {
		return nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return []Value{v}
	}
	out := make([]Value, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out
}

// Equal compares two scalar values. Numbers compare by value regardless of
// their Go type.
func Equal(a, b Value) bool {
	if fa, ok := AsFloat(a); ok {
		fb, ok := AsFloat(b)
		return ok && fa == fb
	}
	return reflect.DeepEqual(a, b)
}

// CheckRange verifies that v, or every element of a list v, lies in r.
func CheckRange(v Value, r Range) error {
	for _, e := range Elements(v) {
		f, ok := AsFloat(e)
		if !ok {
			return constraintErr(CodeTypeMismatch, "range check on non-numeric value %v", e)
		}
		if !r.Contains(f) {
			return constraintErr(CodeOutOfRange, "%g is outside %s", f, r)
		}
	}
	return nil
}

// CheckAllowed verifies that v, or every element of a list v, is one of
// allowed.
func CheckAllowed(v Value, allowed []Value) error {
	for _, e := range Elements(v) {
		found := false
		for _, a := range allowed {
			if Equal(e, a) {
				found = true
				break
			}
		}
		if !found {
			return constraintErr(CodeNotAllowed, "%v is not one of %v", e, allowed)
		}
	}
	return nil
}

// CheckStatic coerces v to p's type and checks the static constraints. It
// is what a node without a local rule scope (a remote leaf or an argument)
// can verify.
func (p *Property) CheckStatic(v Value) (Value, error) {
	cv, err := Coerce(p.Type, v)
	if err != nil {
		return nil, err
	}
	if p.Range != nil {
		if err := CheckRange(cv, *p.Range); err != nil {
			return nil, err
		}
	}
	if len(p.AllowedValues) > 0 {
		if err := CheckAllowed(cv, p.AllowedValues); err != nil {
			return nil, err
		}
	}
	return cv, nil
}

// CheckArgs validates command arguments against their declarations and
// fills in defaults. Unknown arguments are rejected.
func (c *Command) CheckArgs(args map[string]Value) (map[string]Value, error) {
	out := make(map[string]Value, len(c.Args))
	for name := range args {
		if _, ok := c.Arg(name); !ok {
			return nil, constraintErr(CodeUnknown, "unknown argument %q", name)
		}
	}
	for _, a := range c.Args {
		v, ok := args[a.Name]
		if !ok || v == nil {
			if a.Default != nil {
				out[a.Name] = a.Default
				continue
			}
			if a.Required {
				return nil, constraintErr(CodeRequired, "argument %q is required", a.Name)
			}
			continue
		}
		cv, err := a.CheckStatic(v)
		if err != nil {
			if ce, ok := err.(*ConstraintError); ok {
				return nil, constraintErr(ce.Code, "argument %q: %s", a.Name, ce.Message)
			}
			return nil, err
		}
		out[a.Name] = cv
	}
	return out, nil
}

// ToRange converts a rule result into a Range. Accepted shapes are Range,
// *Range and any two element numeric list.
func ToRange(v Value) (*Range, error) {
	switch r := v.(type) {
	case nil:
		return nil, nil
	case Range:
		return &r, nil
	case *Range:
		return r, nil
	}
	elems := Elements(v)
	if len(elems) != 2 {
		return nil, fmt.Errorf("range must have two bounds, got %v", v)
	}
	lo, ok1 := AsFloat(elems[0])
	hi, ok2 := AsFloat(elems[1])
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("range bounds must be numbers, got %v", v)
	}
	if lo > hi {
		return nil, fmt.Errorf("range lower bound %g exceeds upper bound %g", lo, hi)
	}
	return &Range{Min: lo, Max: hi}, nil
}
