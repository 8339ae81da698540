// Package dataset holds the in-memory tabular record sets moved between the
// storage tiers: ordered typed columns and rows of nullable cells.
package dataset

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind is the storage type of a column or cell.
type Kind uint8

// Supported kinds.
const (
	KindString Kind = iota
	KindInt32
	KindInt64
	KindFloat32
	KindFloat64
)

var kindNames = map[Kind]string{
	KindString:  "string",
	KindInt32:   "int32",
	KindInt64:   "int64",
	KindFloat32: "float32",
	KindFloat64: "float64",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("kind(%d)", k)
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	for k, n := range kindNames {
		if n == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown kind %q", s)
}

// Integer reports whether k is an integer kind.
func (k Kind) Integer() bool { return k == KindInt32 || k == KindInt64 }

// Float reports whether k is a floating point kind.
func (k Kind) Float() bool { return k == KindFloat32 || k == KindFloat64 }

// Value is a single cell. The zero Value is null.
type Value struct {
	kind  Kind
	valid bool
	s     string
	i     int64
	f     float64
}

// Null returns a null cell.
func Null() Value { return Value{} }

// String returns a string cell.
func String(s string) Value { return Value{kind: KindString, valid: true, s: s} }

// Int32 returns a 32-bit integer cell.
func Int32(v int32) Value { return Value{kind: KindInt32, valid: true, i: int64(v)} }

// Int64 returns a 64-bit integer cell.
func Int64(v int64) Value { return Value{kind: KindInt64, valid: true, i: v} }

// Float32 returns a 32-bit float cell.
func Float32(v float32) Value { return Value{kind: KindFloat32, valid: true, f: float64(v)} }

// Float64 returns a 64-bit float cell.
func Float64(v float64) Value { return Value{kind: KindFloat64, valid: true, f: v} }

// NaN returns a not-a-number float cell. NaN is a value, not a null.
func NaN() Value { return Float64(math.NaN()) }

// IsNull reports whether the cell is null.
func (v Value) IsNull() bool { return !v.valid }

// IsNaN reports whether the cell holds a NaN float.
func (v Value) IsNaN() bool { return v.valid && v.kind.Float() && math.IsNaN(v.f) }

// Kind returns the cell kind. Null cells report KindString.
func (v Value) Kind() Kind { return v.kind }

// Str returns the string payload of a string cell.
func (v Value) Str() (string, bool) {
	if !v.valid || v.kind != KindString {
		return "", false
	}
	return v.s, true
}

// Int returns the payload of an integer cell.
func (v Value) Int() (int64, bool) {
	if !v.valid || !v.kind.Integer() {
		return 0, false
	}
	return v.i, true
}

// Float returns the payload of a numeric cell as float64.
func (v Value) Float() (float64, bool) {
	switch {
	case !v.valid:
		return 0, false
	case v.kind.Float():
		return v.f, true
	case v.kind.Integer():
		return float64(v.i), true
	}
	return 0, false
}

// Text renders the cell the way it is written to CSV. Null renders empty.
func (v Value) Text() string {
	if !v.valid {
		return ""
	}
	switch v.kind {
	case KindInt32, KindInt64:
		return strconv.FormatInt(v.i, 10)
	case KindFloat32:
		return formatFloat(v.f, 32)
	case KindFloat64:
		return formatFloat(v.f, 64)
	default:
		return v.s
	}
}

// Any returns the cell as a database/sql argument.
func (v Value) Any() any {
	if !v.valid {
		return nil
	}
	switch v.kind {
	case KindInt32:
		return int32(v.i)
	case KindInt64:
		return v.i
	case KindFloat32:
		return float32(v.f)
	case KindFloat64:
		return v.f
	default:
		return v.s
	}
}

// Equal compares two cells. Null equals only null; NaN equals NaN so that
// re-running a pipeline on identical inputs compares equal.
func (v Value) Equal(o Value) bool {
	if v.valid != o.valid {
		return false
	}
	if !v.valid {
		return true
	}
	if v.IsNaN() || o.IsNaN() {
		return v.IsNaN() && o.IsNaN()
	}
	return v.kind == o.kind && v.s == o.s && v.i == o.i && v.f == o.f
}

// As converts a cell to kind k. Strings convert only when they parse.
func (v Value) As(k Kind) (Value, error) {
	if !v.valid || v.kind == k {
		return v, nil
	}
	switch k {
	case KindString:
		return String(v.Text()), nil
	case KindInt32, KindInt64:
		var n int64
		switch {
		case v.kind.Integer():
			n = v.i
		case v.kind.Float():
			if math.IsNaN(v.f) || math.IsInf(v.f, 0) {
				return Value{}, fmt.Errorf("cannot convert %v to %s", v.f, k)
			}
			n = int64(v.f)
		default:
			p, err := strconv.ParseInt(strings.TrimSpace(v.s), 10, 64)
			if err != nil {
				return Value{}, err
			}
			n = p
		}
		if k == KindInt32 {
			return Int32(int32(n)), nil
		}
		return Int64(n), nil
	case KindFloat32, KindFloat64:
		f, ok := v.Float()
		if !ok {
			p, err := strconv.ParseFloat(strings.TrimSpace(v.s), 64)
			if err != nil {
				return Value{}, err
			}
			f = p
		}
		if k == KindFloat32 {
			return Float32(float32(f)), nil
		}
		return Float64(f), nil
	}
	return Value{}, fmt.Errorf("unknown kind %s", k)
}

// GoString makes test failures readable.
func (v Value) GoString() string {
	if !v.valid {
		return "null"
	}
	return fmt.Sprintf("%s(%s)", v.kind, v.Text())
}

func formatFloat(f float64, bits int) string {
	if math.IsNaN(f) {
		return "NaN"
	}
	return strconv.FormatFloat(f, 'g', -1, bits)
}
