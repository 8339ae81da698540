package core

import (
	"context"

	"go.uber.org/zap"

	"platecore/internal/claim"
	"platecore/internal/dataset"
	"platecore/internal/tier"
)

// CacheWriter persists resolved tables through the tier chain under the
// plate's claim. Tiers are written in lookup order, so the warehouse is only
// replaced after the local overwrite succeeded.
type CacheWriter struct {
	chain   *tier.Chain
	claimer claim.Claimer
	log     *zap.Logger
}

// NewCacheWriter returns a writer over chain. A nil claimer serializes
// writes within the process only.
func NewCacheWriter(chain *tier.Chain, claimer claim.Claimer, log *zap.Logger) *CacheWriter {
	if claimer == nil {
		claimer = claim.NewLocal()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &CacheWriter{chain: chain, claimer: claimer, log: log}
}

// Write stores tbl for key. Empty tables are refused with ErrEmptyDataset.
func (w *CacheWriter) Write(ctx context.Context, key tier.Key, tbl *dataset.Table) error {
	if tbl == nil || tbl.Len() == 0 {
		return ErrEmptyDataset
	}
	release, err := w.claimer.Claim(ctx, key.Plate)
	if err != nil {
		return Error.New("claim %s: %w", key.Plate, err)
	}
	defer func() {
		if rerr := release(context.WithoutCancel(ctx)); rerr != nil {
			w.log.Warn("claim release failed", zap.String("plate", key.Plate.String()), zap.Error(rerr))
		}
	}()
	if err := w.chain.Store(ctx, key, tbl); err != nil {
		return Error.Wrap(err)
	}
	return nil
}
