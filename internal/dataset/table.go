package dataset

import (
	"fmt"
	"strings"
)

// Column describes one named, typed column.
type Column struct {
	Name string
	Kind Kind
}

// Table is an ordered record set. Row order is insertion order; nothing in
// this package re-sorts rows.
type Table struct {
	Columns []Column
	Rows    [][]Value
}

// New returns an empty table with the given columns.
func New(cols ...Column) *Table {
	return &Table{Columns: append([]Column(nil), cols...)}
}

// Len returns the number of rows.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// Names returns the column names in order.
func (t *Table) Names() []string {
	out := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		out[i] = c.Name
	}
	return out
}

// Index returns the position of the named column or -1.
func (t *Table) Index(name string) int {
	for i, c := range t.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// Append adds a row. The row must have exactly one cell per column.
func (t *Table) Append(row ...Value) error {
	if len(row) != len(t.Columns) {
		return fmt.Errorf("row has %d cells, table has %d columns", len(row), len(t.Columns))
	}
	t.Rows = append(t.Rows, row)
	return nil
}

// Get returns the cell at row i of the named column.
func (t *Table) Get(i int, name string) (Value, bool) {
	idx := t.Index(name)
	if idx < 0 || i < 0 || i >= len(t.Rows) {
		return Value{}, false
	}
	return t.Rows[i][idx], true
}

// DropColumn removes the named column from every row.
func (t *Table) DropColumn(name string) error {
	idx := t.Index(name)
	if idx < 0 {
		return fmt.Errorf("column %q not found", name)
	}
	t.Columns = append(t.Columns[:idx:idx], t.Columns[idx+1:]...)
	for r, row := range t.Rows {
		t.Rows[r] = append(row[:idx:idx], row[idx+1:]...)
	}
	return nil
}

// Clone returns a deep copy.
func (t *Table) Clone() *Table {
	out := New(t.Columns...)
	out.Rows = make([][]Value, len(t.Rows))
	for i, row := range t.Rows {
		out.Rows[i] = append([]Value(nil), row...)
	}
	return out
}

// Equal reports whether two tables have the same columns and cells.
func (t *Table) Equal(o *Table) bool {
	if t.Len() != o.Len() || len(t.Columns) != len(o.Columns) {
		return false
	}
	for i := range t.Columns {
		if t.Columns[i] != o.Columns[i] {
			return false
		}
	}
	for r := range t.Rows {
		for c := range t.Rows[r] {
			if !t.Rows[r][c].Equal(o.Rows[r][c]) {
				return false
			}
		}
	}
	return true
}

// Schema encodes the column layout as "name:kind,...". Column names must not
// contain ',' or ':'.
func (t *Table) Schema() string {
	parts := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		parts[i] = c.Name + ":" + c.Kind.String()
	}
	return strings.Join(parts, ",")
}

// ParseSchema is the inverse of Table.Schema. An empty string yields nil.
func ParseSchema(s string) ([]Column, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	cols := make([]Column, 0, len(parts))
	for _, p := range parts {
		name, kind, ok := strings.Cut(p, ":")
		if !ok {
			return nil, fmt.Errorf("malformed schema entry %q", p)
		}
		k, err := ParseKind(kind)
		if err != nil {
			return nil, err
		}
		cols = append(cols, Column{Name: name, Kind: k})
	}
	return cols, nil
}

// Unified returns a copy in which every cell matches its column kind, which
// is what a strictly typed store needs. Integer columns holding float cells
// (e.g. NaN sentinels) widen to float64; numeric columns holding strings
// (e.g. the "None" fill) become string columns.
func (t *Table) Unified() *Table {
	out := t.Clone()
	for c, col := range out.Columns {
		kind := col.Kind
		for _, row := range out.Rows {
			cell := row[c]
			if cell.IsNull() || cell.Kind() == kind {
				continue
			}
			switch {
			case cell.Kind() == KindString || kind == KindString:
				kind = KindString
			case kind.Integer() && cell.Kind().Float():
				kind = KindFloat64
			case kind.Integer() && cell.Kind().Integer() && kind == KindInt32:
				kind = KindInt64
			}
		}
		out.Columns[c].Kind = kind
		for _, row := range out.Rows {
			// As only fails on unparsable strings, which cannot happen once
			// mixed string columns have been widened to KindString.
			if v, err := row[c].As(kind); err == nil {
				row[c] = v
			}
		}
	}
	return out
}
