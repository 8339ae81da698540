// Package sqlite reads the archival per-plate SQLite database produced by
// the image analysis pipeline. The file is opened read-only and never modified.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/zeebo/errs"
	_ "modernc.org/sqlite" // pure go sqlite driver

	"platecore/internal/dataset"
	"platecore/pkg/domain"
)

// Error is the error class for archive extraction failures.
var Error = errs.Class("archive")

// CellsMode selects the per-cell projection.
type CellsMode int

const (
	// CellsFull returns one row per cell with the morphology feature set.
	CellsFull CellsMode = iota
	// CellsMeanArea returns one row per image with the mean cell area.
	CellsMeanArea
)

const imagesQuery = `SELECT TableNumber, Image_URL_OrigAGP, Image_URL_OrigDNA, Image_URL_OrigER,
Image_URL_OrigMito, Image_URL_OrigRNA, Image_Count_Cells FROM Image`

const cellsFullQuery = `SELECT TableNumber AS ImageID, Cells_AreaShape_Area, Cells_AreaShape_Compactness,
Cells_AreaShape_Eccentricity, Cells_AreaShape_EulerNumber, Cells_AreaShape_Extent,
Cells_AreaShape_FormFactor, Cells_AreaShape_MaxFeretDiameter, Cells_AreaShape_MinFeretDiameter,
Cells_AreaShape_MeanRadius, Cells_AreaShape_MedianRadius, Cells_AreaShape_Orientation,
Cells_AreaShape_Perimeter, Cells_AreaShape_Solidity, Cells_AreaShape_Zernike_0_0,
Cells_Children_Cytoplasm_Count, Cells_Granularity_10_RNA FROM Cells`

const cellsMeanAreaQuery = `SELECT TableNumber AS ImageID, AVG(Cells_AreaShape_Area) AS MeanArea
FROM Cells GROUP BY TableNumber`

// Archive is an open handle on one plate's database.
type Archive struct {
	db   *sqlx.DB
	path string
}

// Open opens path read-only and checks it holds an Image table.
func Open(ctx context.Context, path string) (*Archive, error) {
	st, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, Error.New("archive %s does not exist", path)
		}
		return nil, Error.Wrap(err)
	}
	if st.IsDir() {
		return nil, Error.New("archive %s is a directory", path)
	}
	db, err := sqlx.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, Error.New("open %s: %w", path, err)
	}
	a := &Archive{db: db, path: path}
	if err := a.verify(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return a, nil
}

func (a *Archive) verify(ctx context.Context) error {
	var name string
	err := a.db.GetContext(ctx, &name, `SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'Image'`)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return Error.New("%s: no Image table", a.path)
	case err != nil:
		return Error.New("%s: %w", a.path, err)
	}
	return nil
}

// Path returns the file the archive was opened from.
func (a *Archive) Path() string { return a.path }

// Close releases the database handle.
func (a *Archive) Close() error { return a.db.Close() }

type imageRow struct {
	TableNumber int64          `db:"TableNumber"`
	AGP         sql.NullString `db:"Image_URL_OrigAGP"`
	DNA         sql.NullString `db:"Image_URL_OrigDNA"`
	ER          sql.NullString `db:"Image_URL_OrigER"`
	Mito        sql.NullString `db:"Image_URL_OrigMito"`
	RNA         sql.NullString `db:"Image_URL_OrigRNA"`
	CellCount   sql.NullInt64  `db:"Image_Count_Cells"`
}

// Images returns the per-image records in the order the database yields them.
func (a *Archive) Images(ctx context.Context) ([]domain.ImageRecord, error) {
	var rows []imageRow
	if err := a.db.SelectContext(ctx, &rows, imagesQuery); err != nil {
		return nil, Error.New("query images: %w", err)
	}
	out := make([]domain.ImageRecord, len(rows))
	for i, r := range rows {
		out[i] = domain.ImageRecord{
			ImageID:   r.TableNumber,
			CellCount: r.CellCount.Int64,
		}
		// Source columns follow domain channel order.
		for ch, ref := range []sql.NullString{r.AGP, r.DNA, r.ER, r.Mito, r.RNA} {
			out[i].Channels[ch] = ref.String
		}
	}
	return out, nil
}

// Cells runs the projection selected by mode and returns it as a table whose
// column names have their underscores removed; the image key is image_id.
func (a *Archive) Cells(ctx context.Context, mode CellsMode) (*dataset.Table, error) {
	query := cellsFullQuery
	if mode == CellsMeanArea {
		query = cellsMeanAreaQuery
	}
	rows, err := a.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, Error.New("query cells: %w", err)
	}
	defer func() { _ = rows.Close() }()

	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, Error.Wrap(err)
	}
	var raw [][]any
	for rows.Next() {
		vals, err := rows.SliceScan()
		if err != nil {
			return nil, Error.New("scan cells: %w", err)
		}
		raw = append(raw, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, Error.New("iterate cells: %w", err)
	}

	cols := make([]dataset.Column, len(types))
	for i, ct := range types {
		cols[i] = dataset.Column{Name: columnName(ct.Name()), Kind: columnKind(ct.DatabaseTypeName(), raw, i)}
	}
	out := dataset.New(cols...)
	for _, vals := range raw {
		row := make([]dataset.Value, len(vals))
		for i, v := range vals {
			cell, err := toValue(cols[i].Kind, v)
			if err != nil {
				return nil, Error.New("column %s: %w", cols[i].Name, err)
			}
			row[i] = cell
		}
		if err := out.Append(row...); err != nil {
			return nil, Error.Wrap(err)
		}
	}
	return out, nil
}

func columnName(name string) string {
	joined := strings.ReplaceAll(name, "_", "")
	if joined == "ImageID" {
		return domain.ColImageID
	}
	return joined
}

// columnKind picks the narrowest kind that holds every value of column i,
// falling back to the declared type when the column is entirely null.
func columnKind(declared string, raw [][]any, i int) dataset.Kind {
	kind, seen := dataset.KindInt64, false
	for _, vals := range raw {
		switch vals[i].(type) {
		case nil:
			continue
		case int64:
		case float64:
			if kind == dataset.KindInt64 {
				kind = dataset.KindFloat64
			}
		default:
			return dataset.KindString
		}
		seen = true
	}
	if seen {
		return kind
	}
	switch decl := strings.ToUpper(declared); {
	case strings.Contains(decl, "INT"):
		return dataset.KindInt64
	case strings.Contains(decl, "CHAR"), strings.Contains(decl, "TEXT"), strings.Contains(decl, "CLOB"):
		return dataset.KindString
	default:
		return dataset.KindFloat64
	}
}

func toValue(kind dataset.Kind, v any) (dataset.Value, error) {
	var cell dataset.Value
	switch x := v.(type) {
	case nil:
		return dataset.Null(), nil
	case int64:
		cell = dataset.Int64(x)
	case float64:
		cell = dataset.Float64(x)
	case []byte:
		cell = dataset.String(string(x))
	case string:
		cell = dataset.String(x)
	default:
		cell = dataset.String(fmt.Sprint(x))
	}
	return cell.As(kind)
}
