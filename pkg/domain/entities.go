// Package domain defines the plate data model shared by the resolution
// pipeline: plates, output categories, imaging channels, image records and
// the well/chemical reference annotations they are joined with.
package domain

import (
	"fmt"
	"strings"
)

// Plate identifies one physical multi-well plate, e.g. "24277". Every other
// record is scoped by a plate.
type Plate string

// String implements fmt.Stringer.
func (p Plate) String() string { return string(p) }

// Category names one output dataset produced for a plate.
type Category string

// Supported output categories.
const (
	// CategoryPictures joins image references with well and chemical annotations.
	CategoryPictures Category = "pictures"
	// CategorySmall joins image references with well annotations and the mean
	// segmented cell area per image.
	CategorySmall Category = "small"
	// CategoryCells is the cleaned per-cell morphology table.
	CategoryCells Category = "cells"
)

// Categories lists every supported category in a stable order.
var Categories = []Category{CategoryPictures, CategorySmall, CategoryCells}

// ParseCategory validates a category name.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("unknown category %q", s)
	}
	return c, nil
}

// Valid reports whether c is a supported category.
func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// ImageRecord is one acquisition event read from the archival database.
// Records are read-only projections of the archive and are never mutated.
type ImageRecord struct {
	ImageID   int64
	Channels  [ChannelCount]string
	CellCount int64
}

// Path returns the raw storage reference recorded for channel ch.
func (r ImageRecord) Path(ch Channel) string { return r.Channels[ch] }

// DecomposedImage is an ImageRecord enriched with the well label and photo
// index recovered from its channel paths. Channels holds the rewritten
// canonical references.
type DecomposedImage struct {
	ImageRecord
	Well  string
	Photo PhotoNumber
}

// Consistent reports whether all five channel paths agreed on both the well
// and the photo index.
func (d DecomposedImage) Consistent() bool {
	return d.Well != WellSentinel && !d.Photo.Missing()
}

// WellAnnotation describes the treatment applied to one well of a plate.
type WellAnnotation struct {
	Well   string
	Role   string
	DrugID *string
	Dose   *float64 // mmol per liter
}

// ChemicalAnnotation describes one compound. Chemical annotations are global
// reference data shared by every plate.
type ChemicalAnnotation struct {
	DrugID     string
	Name       string
	NameType   string
	SourceName string
	Smiles     string
}
