package core

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"platecore/pkg/domain"
)

// BatchReport collects the outcome of every plate of a batch.
type BatchReport struct {
	Resolved []Outcome
	Failed   map[domain.Plate]error
}

// OK reports whether every plate resolved.
func (r BatchReport) OK() bool { return len(r.Failed) == 0 }

// RunBatch resolves category for every plate with at most workers plates in
// flight. A failing plate is logged and recorded; the remaining plates still
// run. Only cancellation of ctx stops the batch early, in which case the
// unstarted plates are reported with the context error. Resolved keeps the
// order of plates.
func (s *Service) RunBatch(ctx context.Context, plates []domain.Plate, category domain.Category, workers int) BatchReport {
	if workers < 1 {
		workers = 1
	}
	outcomes := make([]*Outcome, len(plates))
	var (
		mu     sync.Mutex
		failed = make(map[domain.Plate]error)
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, plate := range plates {
		if err := gctx.Err(); err != nil {
			mu.Lock()
			failed[plate] = err
			mu.Unlock()
			continue
		}
		g.Go(func() error {
			out, err := s.Resolve(gctx, Request{Plate: plate, Category: category})
			if err != nil {
				s.log.Error("plate failed", zap.String("plate", plate.String()), zap.String("category", string(category)), zap.Error(err))
				mu.Lock()
				failed[plate] = err
				mu.Unlock()
				return nil
			}
			outcomes[i] = &out
			return nil
		})
	}
	_ = g.Wait()

	report := BatchReport{Failed: failed}
	for _, out := range outcomes {
		if out != nil {
			report.Resolved = append(report.Resolved, *out)
		}
	}
	s.log.Info("batch finished",
		zap.String("category", string(category)),
		zap.Int("plates", len(plates)),
		zap.Int("resolved", len(report.Resolved)),
		zap.Int("failed", len(failed)))
	return report
}
