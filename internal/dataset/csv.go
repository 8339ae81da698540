package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// WriteCSV writes a header row followed by one line per row.
func WriteCSV(w io.Writer, t *Table) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Names()); err != nil {
		return err
	}
	rec := make([]string, len(t.Columns))
	for _, row := range t.Rows {
		for i, cell := range row {
			rec[i] = cell.Text()
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadCSV parses a CSV produced by WriteCSV. When schema is nil, column kinds
// are inferred: all-integer columns become int64, all-numeric columns become
// float64, anything else string. With a schema, cells that do not parse as
// their column kind are kept as strings (the "None" fill) or NaN floats, and
// empty cells of string columns stay empty strings. Empty cells are null
// otherwise.
func ReadCSV(r io.Reader, schema []Column) (*Table, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("csv: missing header")
	}
	if err != nil {
		return nil, err
	}
	records, err := cr.ReadAll()
	if err != nil {
		return nil, err
	}
	cols := schema
	if cols == nil {
		cols = inferColumns(header, records)
	}
	if len(cols) != len(header) {
		return nil, fmt.Errorf("csv: header has %d columns, schema has %d", len(header), len(cols))
	}
	for i, c := range cols {
		if c.Name != header[i] {
			return nil, fmt.Errorf("csv: column %d is %q, schema expects %q", i, header[i], c.Name)
		}
	}
	t := New(cols...)
	t.Rows = make([][]Value, 0, len(records))
	for _, rec := range records {
		row := make([]Value, len(cols))
		for i, text := range rec {
			if text == "" && schema != nil && cols[i].Kind == KindString {
				row[i] = String("")
				continue
			}
			row[i] = parseCell(cols[i].Kind, text)
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

func parseCell(kind Kind, text string) Value {
	if text == "" {
		return Null()
	}
	switch kind {
	case KindInt32, KindInt64:
		if n, err := strconv.ParseInt(text, 10, 64); err == nil {
			if kind == KindInt32 {
				return Int32(int32(n))
			}
			return Int64(n)
		}
		if f, err := strconv.ParseFloat(text, 64); err == nil {
			return Float64(f)
		}
	case KindFloat32:
		if f, err := strconv.ParseFloat(text, 32); err == nil {
			return Float32(float32(f))
		}
	case KindFloat64:
		if f, err := strconv.ParseFloat(text, 64); err == nil {
			return Float64(f)
		}
	}
	return String(text)
}

func inferColumns(header []string, records [][]string) []Column {
	cols := make([]Column, len(header))
	for i, name := range header {
		kind := KindInt64
		seen := false
		for _, rec := range records {
			text := rec[i]
			if text == "" {
				continue
			}
			seen = true
			if kind == KindInt64 {
				if _, err := strconv.ParseInt(text, 10, 64); err == nil {
					continue
				}
				kind = KindFloat64
			}
			if _, err := strconv.ParseFloat(text, 64); err != nil {
				kind = KindString
				break
			}
		}
		if !seen {
			kind = KindString
		}
		cols[i] = Column{Name: name, Kind: kind}
	}
	return cols
}
