package tier

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"platecore/internal/dataset"
)

// Observer receives one call per tier lookup.
type Observer interface {
	TierLookup(tier Name, status Status, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) TierLookup(Name, Status, time.Duration) {}

// Chain walks tiers in ascending cost order.
type Chain struct {
	tiers   []Tier
	timeout time.Duration
	log     *zap.Logger
	obs     Observer
}

// NewChain orders tiers as given. A zero timeout leaves remote calls unbounded.
func NewChain(log *zap.Logger, timeout time.Duration, obs Observer, tiers ...Tier) *Chain {
	if log == nil {
		log = zap.NewNop()
	}
	if obs == nil {
		obs = nopObserver{}
	}
	return &Chain{tiers: tiers, timeout: timeout, log: log, obs: obs}
}

// Tiers returns the configured tiers in lookup order.
func (c *Chain) Tiers() []Tier { return append([]Tier(nil), c.tiers...) }

func (c *Chain) bound(ctx context.Context, t Tier) (context.Context, context.CancelFunc) {
	if !t.Remote() || c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

// Fetch returns the first hit. On a hit past the first tier the table is
// written through to every earlier tier; write-through failures are logged
// only. When no tier holds the key the result is a Miss.
func (c *Chain) Fetch(ctx context.Context, key Key) Result {
	for i, t := range c.tiers {
		start := time.Now()
		tctx, cancel := c.bound(ctx, t)
		res := t.Fetch(tctx, key)
		if res.Status == Hit && tctx.Err() != nil {
			res = unavailable(t.Name(), tctx.Err())
		}
		cancel()
		res.Tier = t.Name()
		c.obs.TierLookup(t.Name(), res.Status, time.Since(start))

		fields := []zap.Field{zap.String("key", key.String()), zap.String("tier", string(t.Name())), zap.String("status", string(res.Status))}
		switch res.Status {
		case Hit:
			c.log.Info("tier hit", fields...)
			c.writeThrough(ctx, key, res.Table, c.tiers[:i])
			return res
		case Unavailable:
			c.log.Warn("tier unavailable", append(fields, zap.Error(res.Err))...)
		default:
			c.log.Debug("tier miss", fields...)
		}
		if err := ctx.Err(); err != nil {
			return unavailable(t.Name(), err)
		}
	}
	return Result{Status: Miss, Err: ErrMiss}
}

func (c *Chain) writeThrough(ctx context.Context, key Key, tbl *dataset.Table, earlier []Tier) {
	for _, t := range earlier {
		if err := c.storeOne(ctx, t, key, tbl); err != nil {
			c.log.Warn("write-through failed", zap.String("key", key.String()), zap.String("tier", string(t.Name())), zap.Error(err))
		}
	}
}

// Store persists tbl to every tier in order and stops at the first failure,
// so a later tier is never written unless all earlier ones succeeded.
func (c *Chain) Store(ctx context.Context, key Key, tbl *dataset.Table) error {
	for _, t := range c.tiers {
		if err := c.storeOne(ctx, t, key, tbl); err != nil {
			return fmt.Errorf("store %s in %s: %w", key, t.Name(), err)
		}
		c.log.Info("stored", zap.String("key", key.String()), zap.String("tier", string(t.Name())))
	}
	return nil
}

func (c *Chain) storeOne(ctx context.Context, t Tier, key Key, tbl *dataset.Table) error {
	tctx, cancel := c.bound(ctx, t)
	defer cancel()
	return t.Store(tctx, key, tbl)
}
