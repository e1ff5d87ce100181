package service

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"kasirinaja/engine/internal/apperr"
	"kasirinaja/engine/internal/domain"
	"kasirinaja/engine/internal/retry"
)

// ReconcilePending re-applies stock effects that were written but never
// marked applied, oldest first. Effects that fail again stay pending and are
// counted, not returned as an error.
func (s *Service) ReconcilePending(ctx context.Context, limit int) (domain.ReconcileResponse, error) {
	if limit < 1 {
		limit = 500
	}
	pending, err := retry.Do(ctx, s.policy, "list_pending_effects", func(ctx context.Context) ([]domain.StockEffect, error) {
		return s.repo.ListPendingEffects(ctx, limit)
	})
	if err != nil {
		return domain.ReconcileResponse{}, apperr.Storage("list pending stock effects", err)
	}

	var (
		mu   sync.Mutex
		resp = domain.ReconcileResponse{Scanned: len(pending)}
		g    errgroup.Group
	)
	g.SetLimit(s.concurrency)
	for _, effect := range pending {
		g.Go(func() error {
			err := s.applyEffect(ctx, effect)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				resp.Failed++
				s.metrics.Reconciled("failed")
				s.logger.Warn("stock effect still pending",
					slog.String("effect_id", effect.ID),
					slog.String("source", string(effect.Source)),
					slog.String("source_id", effect.SourceID),
					slog.String("error", err.Error()),
				)
				return nil
			}
			resp.Applied++
			s.metrics.Reconciled("applied")
			return nil
		})
	}
	_ = g.Wait()

	if resp.Scanned > 0 {
		s.logger.Info("reconciled stock effects",
			slog.Int("scanned", resp.Scanned),
			slog.Int("applied", resp.Applied),
			slog.Int("failed", resp.Failed),
		)
	}
	return resp, nil
}
