package faults

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/canopy-network/scorekeeper/pkg/db/models"
)

// Notifier delivers operator messages. Delivery is best effort.
type Notifier interface {
	Notify(ctx context.Context, msg string)
}

// RankStore persists rank changes.
type RankStore interface {
	AddPoint(ctx context.Context, stash string) error
	DockPoints(ctx context.Context, stash string) error
}

// Rank adjusts candidate ranks and announces each change.
type Rank struct {
	store    RankStore
	notifier Notifier
	logger   *zap.Logger
}

func NewRank(store RankStore, notifier Notifier, logger *zap.Logger) *Rank {
	return &Rank{store: store, notifier: notifier, logger: logger}
}

// AddPoint rewards a candidate with one rank point.
func (r *Rank) AddPoint(ctx context.Context, cand *models.Candidate) error {
	if err := r.store.AddPoint(ctx, cand.Stash); err != nil {
		return fmt.Errorf("add point to %s: %w", cand.Stash, err)
	}
	cand.Rank++
	msg := fmt.Sprintf("%s did GOOD! Adding a point. New rank: %d", cand.Name, cand.Rank)
	r.logger.Info(msg, zap.String("stash", cand.Stash))
	r.notifier.Notify(ctx, msg)
	return nil
}

// DockPoints takes a sixth of a candidate's rank and counts a fault.
func (r *Rank) DockPoints(ctx context.Context, cand *models.Candidate) error {
	if err := r.store.DockPoints(ctx, cand.Stash); err != nil {
		return fmt.Errorf("dock points from %s: %w", cand.Stash, err)
	}
	cand.Rank = models.DockedRank(cand.Rank)
	cand.Faults++
	msg := fmt.Sprintf("%s docked points. New rank: %d", cand.Name, cand.Rank)
	r.logger.Info(msg, zap.String("stash", cand.Stash))
	r.notifier.Notify(ctx, msg)
	return nil
}
