// Package merge joins decomposed images with well annotations, chemical
// annotations and cell measurements into one denormalized table.
//
// The steps run in a fixed order since later joins depend on columns added
// by earlier ones:
//
//  1. attach the decomposed well and photo number to every image row
//  2. narrow cell_count to int32 and dose to float32
//  3. join wells on well (images without a matching well keep nulls)
//  4. join chemicals on drug_id (null drug ids never match)
//  5. optionally drop drug_id and stamp the plate, then fill every remaining
//     null with domain.NullFill
//  6. optionally join cell measurements on image_id, then drop image_id
package merge

import (
	"errors"
	"fmt"

	"platecore/internal/dataset"
	"platecore/pkg/domain"
)

// ErrEmptyResult is returned when the joins leave no rows. Callers must not
// persist anything for the plate.
var ErrEmptyResult = errors.New("merge produced no rows")

// JoinKind selects how images without cell measurements are treated.
type JoinKind int

const (
	// Inner drops images without measurements.
	Inner JoinKind = iota
	// Left keeps them with zero-filled measurements.
	Left
)

func (k JoinKind) String() string {
	if k == Left {
		return "left"
	}
	return "inner"
}

// Options configures a merge.
type Options struct {
	IncludeChemicals bool
	CellsJoin        JoinKind
	// DropDrugID removes drug_id once the chemical join no longer needs it.
	DropDrugID bool
	// Plate, when set, adds a plate column holding it on every row.
	Plate domain.Plate
}

// Input carries the merge sources. A nil Cells skips step 6.
type Input struct {
	Images    []domain.DecomposedImage
	Wells     []domain.WellAnnotation
	Chemicals []domain.ChemicalAnnotation
	Cells     *dataset.Table
}

// Merge runs the fixed pipeline over in.
func Merge(in Input, opts Options) (*dataset.Table, error) {
	t := baseTable(in.Images)
	t = joinWells(t, in.Wells)
	if opts.IncludeChemicals {
		t = joinChemicals(t, in.Chemicals)
	}
	if opts.DropDrugID {
		if err := t.DropColumn(domain.ColDrugID); err != nil {
			return nil, err
		}
	}
	if opts.Plate != "" {
		t = withPlate(t, opts.Plate)
	}
	fillNulls(t)
	if in.Cells != nil {
		var err error
		if t, err = joinCells(t, in.Cells, opts.CellsJoin); err != nil {
			return nil, err
		}
	}
	if t.Len() == 0 {
		return nil, ErrEmptyResult
	}
	return t.Unified(), nil
}

// baseTable performs steps 1 and the cell_count half of step 2.
func baseTable(images []domain.DecomposedImage) *dataset.Table {
	cols := []dataset.Column{{Name: domain.ColImageID, Kind: dataset.KindInt64}}
	for _, ch := range domain.Channels {
		cols = append(cols, dataset.Column{Name: ch.Column(), Kind: dataset.KindString})
	}
	cols = append(cols,
		dataset.Column{Name: domain.ColCellCount, Kind: dataset.KindInt32},
		dataset.Column{Name: domain.ColWell, Kind: dataset.KindString},
		dataset.Column{Name: domain.ColPhotoNumber, Kind: dataset.KindInt32},
	)
	t := dataset.New(cols...)
	t.Rows = make([][]dataset.Value, 0, len(images))
	for _, img := range images {
		row := make([]dataset.Value, 0, len(cols))
		row = append(row, dataset.Int64(img.ImageID))
		for _, ch := range domain.Channels {
			row = append(row, dataset.String(img.Path(ch)))
		}
		photo := dataset.NaN()
		if n, ok := img.Photo.Value(); ok {
			photo = dataset.Int32(n)
		}
		row = append(row, dataset.Int32(int32(img.CellCount)), dataset.String(img.Well), photo)
		t.Rows = append(t.Rows, row)
	}
	return t
}

func joinWells(t *dataset.Table, wells []domain.WellAnnotation) *dataset.Table {
	byWell := make(map[string][]int, len(wells))
	for i, w := range wells {
		if w.Well == domain.WellSentinel {
			continue
		}
		byWell[w.Well] = append(byWell[w.Well], i)
	}
	out := dataset.New(append(append([]dataset.Column(nil), t.Columns...),
		dataset.Column{Name: domain.ColRole, Kind: dataset.KindString},
		dataset.Column{Name: domain.ColDrugID, Kind: dataset.KindString},
		dataset.Column{Name: domain.ColDose, Kind: dataset.KindFloat32},
	)...)
	wellIdx := t.Index(domain.ColWell)
	for _, row := range t.Rows {
		well, _ := row[wellIdx].Str()
		matches := byWell[well]
		if well == domain.WellSentinel || len(matches) == 0 {
			out.Rows = append(out.Rows, extend(row, dataset.Null(), dataset.Null(), dataset.Null()))
			continue
		}
		for _, i := range matches {
			w := wells[i]
			drug, dose := dataset.Null(), dataset.Null()
			if w.DrugID != nil {
				drug = dataset.String(*w.DrugID)
			}
			if w.Dose != nil {
				dose = dataset.Float32(float32(*w.Dose))
			}
			out.Rows = append(out.Rows, extend(row, textCell(w.Role), drug, dose))
		}
	}
	return out
}

func joinChemicals(t *dataset.Table, chems []domain.ChemicalAnnotation) *dataset.Table {
	byDrug := make(map[string][]int, len(chems))
	for i, c := range chems {
		byDrug[c.DrugID] = append(byDrug[c.DrugID], i)
	}
	cols := append([]dataset.Column(nil), t.Columns...)
	for _, name := range domain.ChemicalColumns[1:] {
		cols = append(cols, dataset.Column{Name: name, Kind: dataset.KindString})
	}
	out := dataset.New(cols...)
	drugIdx := t.Index(domain.ColDrugID)
	for _, row := range t.Rows {
		drug, ok := row[drugIdx].Str()
		matches := byDrug[drug]
		if !ok || len(matches) == 0 {
			out.Rows = append(out.Rows, extend(row, dataset.Null(), dataset.Null(), dataset.Null(), dataset.Null()))
			continue
		}
		for _, i := range matches {
			c := chems[i]
			out.Rows = append(out.Rows, extend(row,
				textCell(c.Name), textCell(c.NameType), textCell(c.SourceName), textCell(c.Smiles)))
		}
	}
	return out
}

func withPlate(t *dataset.Table, plate domain.Plate) *dataset.Table {
	out := dataset.New(append(append([]dataset.Column(nil), t.Columns...),
		dataset.Column{Name: domain.ColPlate, Kind: dataset.KindString})...)
	out.Rows = make([][]dataset.Value, 0, t.Len())
	for _, row := range t.Rows {
		out.Rows = append(out.Rows, extend(row, dataset.String(string(plate))))
	}
	return out
}

// textCell treats an empty annotation field as missing so the null fill
// covers it.
func textCell(s string) dataset.Value {
	if s == "" {
		return dataset.Null()
	}
	return dataset.String(s)
}

// fillNulls replaces nulls in place. NaN cells are values, not nulls.
func fillNulls(t *dataset.Table) {
	for _, row := range t.Rows {
		for i, v := range row {
			if v.IsNull() {
				row[i] = dataset.String(domain.NullFill)
			}
		}
	}
}

func joinCells(t, cells *dataset.Table, kind JoinKind) (*dataset.Table, error) {
	cellKey := cells.Index(domain.ColImageID)
	if cellKey < 0 {
		return nil, fmt.Errorf("cells table has no %s column", domain.ColImageID)
	}
	var extra []int
	cols := append([]dataset.Column(nil), t.Columns...)
	for i, c := range cells.Columns {
		if i == cellKey {
			continue
		}
		if t.Index(c.Name) >= 0 {
			return nil, fmt.Errorf("cells column %s collides with an existing column", c.Name)
		}
		extra = append(extra, i)
		cols = append(cols, c)
	}
	byImage := make(map[int64][]int, cells.Len())
	for r, row := range cells.Rows {
		id, ok := row[cellKey].Int()
		if !ok {
			continue
		}
		byImage[id] = append(byImage[id], r)
	}
	zeros := make([]dataset.Value, len(extra))
	for j, i := range extra {
		zeros[j] = zero(cells.Columns[i].Kind)
	}

	out := dataset.New(cols...)
	key := t.Index(domain.ColImageID)
	for _, row := range t.Rows {
		id, _ := row[key].Int()
		matches := byImage[id]
		if len(matches) == 0 {
			if kind == Left {
				out.Rows = append(out.Rows, extend(row, zeros...))
			}
			continue
		}
		for _, r := range matches {
			vals := make([]dataset.Value, len(extra))
			for j, i := range extra {
				vals[j] = cells.Rows[r][i]
			}
			out.Rows = append(out.Rows, extend(row, vals...))
		}
	}
	if err := out.DropColumn(domain.ColImageID); err != nil {
		return nil, err
	}
	return out, nil
}

func extend(row []dataset.Value, vals ...dataset.Value) []dataset.Value {
	out := make([]dataset.Value, 0, len(row)+len(vals))
	out = append(out, row...)
	return append(out, vals...)
}

func zero(k dataset.Kind) dataset.Value {
	switch k {
	case dataset.KindInt32:
		return dataset.Int32(0)
	case dataset.KindInt64:
		return dataset.Int64(0)
	case dataset.KindFloat32:
		return dataset.Float32(0)
	case dataset.KindFloat64:
		return dataset.Float64(0)
	default:
		return dataset.String("0")
	}
}
