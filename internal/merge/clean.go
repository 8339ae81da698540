package merge

import (
	"platecore/internal/dataset"
)

// CleanCells narrows a raw cell measurement table for storage: int64 columns
// become int32, float64 columns become float32 and nulls become zero.
func CleanCells(t *dataset.Table) (*dataset.Table, error) {
	out := t.Clone()
	for i, c := range out.Columns {
		switch c.Kind {
		case dataset.KindInt64:
			out.Columns[i].Kind = dataset.KindInt32
		case dataset.KindFloat64:
			out.Columns[i].Kind = dataset.KindFloat32
		}
	}
	for _, row := range out.Rows {
		for i, v := range row {
			kind := out.Columns[i].Kind
			if v.IsNull() {
				row[i] = zero(kind)
				continue
			}
			conv, err := v.As(kind)
			if err != nil {
				return nil, err
			}
			row[i] = conv
		}
	}
	if out.Len() == 0 {
		return nil, ErrEmptyResult
	}
	return out, nil
}
