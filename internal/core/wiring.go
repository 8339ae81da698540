package core

import (
	"context"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"platecore/internal/annotation"
	"platecore/internal/blob"
	"platecore/internal/claim"
	"platecore/internal/config"
	"platecore/internal/decompose"
	"platecore/internal/infra/persistence/postgres"
	"platecore/internal/tier"
)

// Runtime is a Service together with the resources it owns.
type Runtime struct {
	Service *Service
	// Objects is the object store holding archives and annotation files.
	Objects blob.Store
	Fetcher *tier.ObjectFetcher
	Metrics *Metrics

	closers []func() error
}

// Close releases every connection opened by Open.
func (r *Runtime) Close() error {
	var group errs.Group
	for i := len(r.closers) - 1; i >= 0; i-- {
		group.Add(r.closers[i]())
	}
	r.closers = nil
	return group.Err()
}

// Open builds a Runtime from cfg:
//
//	local tier:      filesystem blob store rooted at cfg.Root
//	warehouse tier:  postgres at cfg.WarehouseDSN; skipped when empty
//	object store:    cfg.ObjectDriver (s3 bucket, fs directory or memory)
//	claims:          redis at cfg.RedisAddr, in-process when empty
//
// A nil reg disables metrics.
func Open(ctx context.Context, cfg config.Config, log *zap.Logger, reg prometheus.Registerer) (_ *Runtime, err error) {
	if log == nil {
		log = zap.NewNop()
	}
	rt := &Runtime{}
	defer func() {
		if err != nil {
			_ = rt.Close()
		}
	}()
	if reg != nil {
		rt.Metrics = NewMetrics(reg)
	}

	local, err := blob.NewFilesystem(cfg.Root)
	if err != nil {
		return nil, Error.New("local store: %w", err)
	}
	rt.Objects, err = blob.Open(ctx, blob.Options{
		Driver: blob.Driver(cfg.ObjectDriver),
		Root:   cfg.ObjectRoot,
		S3: blob.S3Config{
			Region:    cfg.S3Region,
			Bucket:    cfg.Bucket,
			Endpoint:  cfg.S3Endpoint,
			PathStyle: cfg.S3PathStyle,
		},
	})
	if err != nil {
		return nil, Error.New("object store: %w", err)
	}

	tiers := []tier.Tier{tier.NewLocal(local)}
	if cfg.WarehouseDSN != "" {
		wh, err := postgres.Open(ctx, cfg.WarehouseDSN, cfg.ProjectID, cfg.Dataset)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		rt.closers = append(rt.closers, wh.Close)
		tiers = append(tiers, tier.NewWarehouse(wh))
	} else {
		log.Warn("warehouse tier disabled", zap.String("env", config.EnvWarehouseDSN))
	}

	var claimer claim.Claimer = claim.NewLocal()
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		rt.closers = append(rt.closers, rdb.Close)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, Error.New("redis %s: %w", cfg.RedisAddr, err)
		}
		claimer = claim.NewRedis(rdb, cfg.ClaimTTL, log)
	}

	rt.Fetcher = tier.NewObjectFetcher(rt.Objects, log, cfg.DownloadTimeout, rt.Metrics)
	if cfg.Progress {
		rt.Fetcher.WithProgress(os.Stderr)
	}
	chain := tier.NewChain(log, cfg.TierTimeout, rt.Metrics, tiers...)

	rt.Service = NewService(Deps{
		Chain:       chain,
		Fetcher:     rt.Fetcher,
		Annotations: annotation.NewLoader(rt.Fetcher, cfg.Root, log),
		Claimer:     claimer,
		References:  decompose.References{Root: cfg.Root, Bucket: cfg.Bucket},
		Root:        cfg.Root,
		Metrics:     rt.Metrics,
		Logger:      log,
	})
	return rt, nil
}
