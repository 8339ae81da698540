package core

import (
	"fmt"

	"platecore/internal/decompose"
	"platecore/internal/infra/persistence/sqlite"
	"platecore/internal/merge"
	"platecore/pkg/domain"
)

// CellsSource selects which per-cell projection a category reads, if any.
type CellsSource int

const (
	CellsNone CellsSource = iota
	CellsMeanArea
	CellsFull
)

// Profile describes how one category is built from the raw sources.
type Profile struct {
	Category domain.Category
	// Images reads the Image table and runs the annotation merge. Without it
	// the category is the cleaned per-cell table.
	Images     bool
	Chemicals  bool
	Cells      CellsSource
	CellsJoin  merge.JoinKind
	References decompose.ReferenceStyle
	// Compact drops drug_id and stamps the plate on every row.
	Compact bool
}

var profiles = map[domain.Category]Profile{
	domain.CategoryPictures: {
		Category:   domain.CategoryPictures,
		Images:     true,
		Chemicals:  true,
		Cells:      CellsNone,
		References: decompose.ReferenceLocal,
	},
	domain.CategorySmall: {
		Category:   domain.CategorySmall,
		Images:     true,
		Cells:      CellsMeanArea,
		CellsJoin:  merge.Inner,
		References: decompose.ReferenceBucket,
		Compact:    true,
	},
	domain.CategoryCells: {
		Category: domain.CategoryCells,
		Cells:    CellsFull,
	},
}

// ProfileFor returns the build profile of c.
func ProfileFor(c domain.Category) (Profile, error) {
	p, ok := profiles[c]
	if !ok {
		return Profile{}, fmt.Errorf("unknown category %q", c)
	}
	return p, nil
}

func (s CellsSource) mode() sqlite.CellsMode {
	if s == CellsMeanArea {
		return sqlite.CellsMeanArea
	}
	return sqlite.CellsFull
}
