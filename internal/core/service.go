// Package core resolves plate datasets: it walks the cache tiers, rebuilds
// missing datasets from the plate's raw archive and persists the result back
// into the tiers.
package core

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"platecore/internal/annotation"
	"platecore/internal/claim"
	"platecore/internal/dataset"
	"platecore/internal/decompose"
	"platecore/internal/infra/persistence/sqlite"
	"platecore/internal/merge"
	"platecore/internal/tier"
	"platecore/pkg/domain"
)

// Deps are the collaborators of a Service.
type Deps struct {
	// Chain holds the table tiers in lookup order, local first.
	Chain *tier.Chain
	// Fetcher materializes raw files from the object store under Root.
	Fetcher     *tier.ObjectFetcher
	Annotations *annotation.Loader
	Claimer     claim.Claimer
	// References carries the root and bucket used when rewriting channel
	// paths; the style is chosen per category.
	References decompose.References
	Root       string
	Metrics    *Metrics
	Logger     *zap.Logger
}

// Service resolves (plate, category) requests.
type Service struct {
	chain       *tier.Chain
	fetcher     *tier.ObjectFetcher
	annotations *annotation.Loader
	writer      *CacheWriter
	refs        decompose.References
	root        string
	metrics     *Metrics
	log         *zap.Logger
}

// NewService wires a Service from deps.
func NewService(d Deps) *Service {
	log := d.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		chain:       d.Chain,
		fetcher:     d.Fetcher,
		annotations: d.Annotations,
		writer:      NewCacheWriter(d.Chain, d.Claimer, log),
		refs:        d.References,
		root:        d.Root,
		metrics:     d.Metrics,
		log:         log,
	}
}

// Request names the dataset to resolve.
type Request struct {
	Plate    domain.Plate
	Category domain.Category
}

// Key returns the tier key of the request.
func (r Request) Key() tier.Key { return tier.Key{Plate: r.Plate, Category: r.Category} }

// Outcome describes a finished resolution.
type Outcome struct {
	Plate    domain.Plate
	Category domain.Category
	// Source is the tier that served the table, or tier.Archive when it was
	// rebuilt from the raw database.
	Source tier.Name
	Table  *dataset.Table
	// Persisted reports whether a rebuilt table was written back to the tiers.
	Persisted bool
	Elapsed   time.Duration
}

// Resolve returns the dataset for req. Cached tables are returned as found;
// otherwise the dataset is rebuilt from the raw archive and written to every
// tier. When the rebuild succeeds but persisting fails, the Outcome still
// carries the table alongside the error.
func (s *Service) Resolve(ctx context.Context, req Request) (out Outcome, err error) {
	start := time.Now()
	out = Outcome{Plate: req.Plate, Category: req.Category}
	defer func() {
		out.Elapsed = time.Since(start)
		s.metrics.Resolution(req.Category, out.Source, outcomeLabel(out, err), out.Elapsed)
	}()

	if req.Plate == "" {
		return out, Error.New("plate is required")
	}
	profile, err := ProfileFor(req.Category)
	if err != nil {
		return out, Error.Wrap(err)
	}
	key := req.Key()
	log := s.log.With(zap.String("plate", req.Plate.String()), zap.String("category", string(req.Category)))

	if res := s.chain.Fetch(ctx, key); res.Found() {
		out.Source, out.Table = res.Tier, res.Table
		log.Info("resolved from cache", zap.String("tier", string(res.Tier)), zap.Int("rows", res.Table.Len()))
		return out, nil
	}
	if err := ctx.Err(); err != nil {
		return out, err
	}

	tbl, err := s.build(ctx, key, profile, log)
	if err != nil {
		if errors.Is(err, ErrEmptyDataset) {
			log.Warn("empty dataset, nothing persisted")
		}
		return out, err
	}
	out.Source, out.Table = tier.Archive, tbl

	if err := s.writer.Write(ctx, key, tbl); err != nil {
		log.Error("persist failed", zap.Error(err))
		return out, err
	}
	out.Persisted = true
	log.Info("resolved from archive", zap.Int("rows", tbl.Len()))
	return out, nil
}

func (s *Service) build(ctx context.Context, key tier.Key, p Profile, log *zap.Logger) (*dataset.Table, error) {
	archiveKey := tier.ArchiveKey(key.Plate)
	file := s.fetcher.FetchFile(ctx, archiveKey, filepath.Join(s.root, filepath.FromSlash(archiveKey)))
	switch file.Status {
	case tier.Hit:
	case tier.Miss:
		return nil, Error.New("%s: %w", archiveKey, ErrNoArchive)
	default:
		return nil, Error.New("fetch %s: %w", archiveKey, file.Err)
	}

	arc, err := sqlite.Open(ctx, file.Path)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { _ = arc.Close() }()
	log.Debug("archive opened", zap.String("path", arc.Path()), zap.String("from", string(file.Tier)))

	if !p.Images {
		cells, err := arc.Cells(ctx, sqlite.CellsFull)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		return s.finish(merge.CleanCells(cells))
	}

	records, err := arc.Images(ctx)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	refs := s.refs
	refs.Style = p.References
	in := merge.Input{Images: decompose.Decompose(key.Plate, records, refs)}

	if in.Wells, err = s.annotations.Wells(ctx, key.Plate); err != nil {
		return nil, Error.Wrap(err)
	}
	if p.Chemicals {
		if in.Chemicals, err = s.annotations.Chemicals(ctx); err != nil {
			return nil, Error.Wrap(err)
		}
	}
	if p.Cells != CellsNone {
		if in.Cells, err = arc.Cells(ctx, p.Cells.mode()); err != nil {
			return nil, Error.Wrap(err)
		}
	}
	opts := merge.Options{IncludeChemicals: p.Chemicals, CellsJoin: p.CellsJoin}
	if p.Compact {
		opts.DropDrugID = true
		opts.Plate = key.Plate
	}
	return s.finish(merge.Merge(in, opts))
}

func (s *Service) finish(tbl *dataset.Table, err error) (*dataset.Table, error) {
	if errors.Is(err, merge.ErrEmptyResult) {
		return nil, Error.New("%w", ErrEmptyDataset)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return tbl, nil
}

func outcomeLabel(out Outcome, err error) string {
	switch {
	case errors.Is(err, ErrEmptyDataset):
		return OutcomeEmpty
	case err != nil:
		return OutcomeFailed
	case out.Source == tier.Archive:
		return OutcomeBuilt
	default:
		return OutcomeCached
	}
}
