// Package annotation loads the well and chemical reference tables and projects
// them onto canonical column names.
package annotation

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"platecore/internal/tier"
	"platecore/pkg/domain"
)

// Error is the error class for annotation loading failures.
var Error = errs.Class("annotation")

// ChemicalKey is the object key, and root-relative path, of the global
// chemical annotation file.
const ChemicalKey = "chemical_annotations.csv"

// WellKey returns the object key, and root-relative path, of a plate's
// per-well profile file.
func WellKey(plate domain.Plate) string {
	return fmt.Sprintf("%s/raw/mean_well_profiles.csv", plate)
}

type source struct {
	column   string
	target   string
	optional bool
}

var chemicalSources = []source{
	{column: "BROAD_ID", target: domain.ColDrugID},
	{column: "CPD_NAME", target: domain.ColName},
	{column: "CPD_NAME_TYPE", target: domain.ColNameType},
	{column: "SOURCE_NAME", target: domain.ColSourceName},
	{column: "CPD_SMILES", target: domain.ColSmiles},
}

var wellSources = []source{
	{column: "Metadata_Well", target: domain.ColWell},
	{column: "Metadata_ASSAY_WELL_ROLE", target: domain.ColRole},
	{column: "Metadata_broad_sample", target: domain.ColDrugID, optional: true},
	{column: "Metadata_mmoles_per_liter", target: domain.ColDose},
}

// Fetcher resolves an object key to a local file.
type Fetcher interface {
	FetchFile(ctx context.Context, key, dest string) tier.FileResult
}

// Loader resolves annotation files through the local root and the object
// store. Chemical annotations are loaded once and shared by every caller.
type Loader struct {
	fetcher Fetcher
	root    string
	log     *zap.Logger

	group     singleflight.Group
	mu        sync.RWMutex
	chemicals []domain.ChemicalAnnotation
}

// NewLoader returns a loader reading files under root.
func NewLoader(fetcher Fetcher, root string, log *zap.Logger) *Loader {
	if log == nil {
		log = zap.NewNop()
	}
	return &Loader{fetcher: fetcher, root: root, log: log}
}

// Chemicals returns the global chemical annotations. Concurrent first calls
// share one load; a failed load is retried by the next call.
func (l *Loader) Chemicals(ctx context.Context) ([]domain.ChemicalAnnotation, error) {
	l.mu.RLock()
	cached := l.chemicals
	l.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}
	v, err, _ := l.group.Do(ChemicalKey, func() (any, error) {
		f, err := l.open(ctx, ChemicalKey)
		if err != nil {
			return nil, err
		}
		defer func() { _ = f.Close() }()
		chems, err := ReadChemicals(f)
		if err != nil {
			return nil, Error.New("%s: %w", ChemicalKey, err)
		}
		l.mu.Lock()
		l.chemicals = chems
		l.mu.Unlock()
		l.log.Info("chemical annotations loaded", zap.Int("rows", len(chems)))
		return chems, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]domain.ChemicalAnnotation), nil
}

// Wells returns the well annotations of plate.
func (l *Loader) Wells(ctx context.Context, plate domain.Plate) ([]domain.WellAnnotation, error) {
	key := WellKey(plate)
	f, err := l.open(ctx, key)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	wells, err := ReadWells(f)
	if err != nil {
		return nil, Error.New("%s: %w", key, err)
	}
	l.log.Info("well annotations loaded", zap.String("plate", plate.String()), zap.Int("rows", len(wells)))
	return wells, nil
}

func (l *Loader) open(ctx context.Context, key string) (*os.File, error) {
	dest := filepath.Join(l.root, filepath.FromSlash(key))
	res := l.fetcher.FetchFile(ctx, key, dest)
	if res.Status != tier.Hit {
		return nil, Error.New("resolve %s: %w", key, res.Err)
	}
	f, err := os.Open(res.Path)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return f, nil
}

// ReadChemicals parses a chemical annotation CSV. Rows without a drug id are
// skipped since they can never be joined.
func ReadChemicals(r io.Reader) ([]domain.ChemicalAnnotation, error) {
	var out []domain.ChemicalAnnotation
	err := project(r, chemicalSources, func(rec []string, idx []int) error {
		c := domain.ChemicalAnnotation{
			DrugID:     field(rec, idx[0]),
			Name:       field(rec, idx[1]),
			NameType:   field(rec, idx[2]),
			SourceName: field(rec, idx[3]),
			Smiles:     field(rec, idx[4]),
		}
		if c.DrugID != "" {
			out = append(out, c)
		}
		return nil
	})
	if out == nil && err == nil {
		out = []domain.ChemicalAnnotation{}
	}
	return out, err
}

// ReadWells parses a per-well profile CSV. Empty drug ids and doses are null.
func ReadWells(r io.Reader) ([]domain.WellAnnotation, error) {
	var out []domain.WellAnnotation
	err := project(r, wellSources, func(rec []string, idx []int) error {
		w := domain.WellAnnotation{
			Well: field(rec, idx[0]),
			Role: field(rec, idx[1]),
		}
		if id := field(rec, idx[2]); id != "" {
			w.DrugID = &id
		}
		if s := field(rec, idx[3]); s != "" {
			d, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return fmt.Errorf("well %s: dose %q: %w", w.Well, s, err)
			}
			w.Dose = &d
		}
		out = append(out, w)
		return nil
	})
	return out, err
}

// project reads a CSV, locates every source column in the header and calls
// fn with the record and the column positions (-1 for an absent optional).
func project(r io.Reader, sources []source, fn func(rec []string, idx []int) error) error {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return errors.New("missing header")
	}
	if err != nil {
		return err
	}
	pos := make(map[string]int, len(header))
	for i, h := range header {
		pos[strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))] = i
	}
	idx := make([]int, len(sources))
	var missing []string
	for i, s := range sources {
		p, ok := pos[s.column]
		switch {
		case ok:
			idx[i] = p
		case s.optional:
			idx[i] = -1
		default:
			missing = append(missing, s.column)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required columns %s", strings.Join(missing, ", "))
	}
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(rec, idx); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
	}
}

func field(rec []string, i int) string {
	if i < 0 || i >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[i])
}
