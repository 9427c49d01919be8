package constraints

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/alitto/pond/v2"
	"go.uber.org/zap"

	"github.com/canopy-network/scorekeeper/pkg/db/clickhouse"
	"github.com/canopy-network/scorekeeper/pkg/db/models"
)

// facts are the chain and store reads shared by every candidate of a sweep.
type facts struct {
	intentions    map[string]struct{}
	intentionsErr error
	era           uint32
	eraErr        error
	release       *models.Release
	releaseErr    error
}

func (c *Checker) readFacts(ctx context.Context) facts {
	var f facts
	f.intentions, f.intentionsErr = c.intentionSet(ctx)
	if era, err := c.chain.ActiveEra(ctx); err != nil {
		f.eraErr = fmt.Errorf("read active era: %w", err)
	} else {
		f.era = era
	}
	if release, err := c.store.LatestRelease(ctx); err != nil {
		f.releaseErr = fmt.Errorf("read latest release: %w", err)
	} else {
		f.release = release
	}
	return f
}

// CheckCandidate evaluates every rule for one candidate.
func (c *Checker) CheckCandidate(ctx context.Context, cand *models.Candidate) []Verdict {
	return c.checkWithFacts(ctx, cand, c.readFacts(ctx))
}

func (c *Checker) checkWithFacts(ctx context.Context, cand *models.Candidate, f facts) []Verdict {
	verdicts := make([]Verdict, 0, len(models.AllInvalidityTypes()))

	verdicts = append(verdicts, c.CheckOnline(ctx, cand))
	if f.intentionsErr != nil {
		verdicts = append(verdicts, c.record(ctx, cand, indeterminate(models.InvalidityValidateIntention, f.intentionsErr)))
	} else {
		verdicts = append(verdicts, c.record(ctx, cand, c.intentionVerdict(cand, f.intentions)))
	}
	if f.releaseErr != nil {
		verdicts = append(verdicts, c.record(ctx, cand, indeterminate(models.InvalidityClientUpgrade, f.releaseErr)))
	} else {
		verdicts = append(verdicts, c.record(ctx, cand, c.clientVersionVerdict(cand, f.release)))
	}
	verdicts = append(verdicts,
		c.CheckConnectionTime(ctx, cand),
		c.CheckIdentity(ctx, cand),
		c.CheckOffline(ctx, cand),
		c.CheckCommission(ctx, cand),
		c.CheckSelfStake(ctx, cand),
	)
	if f.eraErr != nil {
		verdicts = append(verdicts, c.record(ctx, cand, indeterminate(models.InvalidityUnclaimedRewards, f.eraErr)))
	} else {
		verdicts = append(verdicts, c.record(ctx, cand, c.unclaimedVerdict(cand, f.era)))
	}
	verdicts = append(verdicts,
		c.CheckBlocked(ctx, cand),
		c.CheckProvider(ctx, cand),
		c.CheckKusamaRank(ctx, cand),
		c.CheckBeefyKeys(ctx, cand),
	)
	return verdicts
}

// SweepResult summarises one validity sweep.
type SweepResult struct {
	Candidates    int
	Valid         int
	Indeterminate int
}

// RunValiditySweep evaluates every rule for every candidate, candidates in
// parallel. The shared chain facts are read once per sweep.
func (c *Checker) RunValiditySweep(ctx context.Context, set *ValiditySet) (SweepResult, error) {
	cands, err := c.store.AllCandidates(ctx)
	if err != nil {
		return SweepResult{}, fmt.Errorf("list candidates: %w", err)
	}
	f := c.readFacts(ctx)

	var (
		mu     sync.Mutex
		result = SweepResult{Candidates: len(cands)}
		rows   = make([]clickhouse.VerdictRow, 0, len(cands)*len(models.AllInvalidityTypes()))
	)

	group := c.pool.NewGroupContext(ctx)
	groupCtx := group.Context()
	for i := range cands {
		cand := &cands[i]
		group.Submit(func() {
			verdicts := c.checkWithFacts(groupCtx, cand, f)
			now := c.Now()

			mu.Lock()
			defer mu.Unlock()
			for _, v := range verdicts {
				if v.Outcome == Indeterminate {
					result.Indeterminate++
					continue
				}
				rows = append(rows, clickhouse.VerdictRow{
					Stash:   cand.Stash,
					Name:    cand.Name,
					Rule:    v.Rule,
					Outcome: v.Outcome.String(),
					Details: v.Reason,
					At:      now,
				})
			}
			if set.IsValid(cand) {
				result.Valid++
			}
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		c.logger.Warn("Validity sweep group finished with error", zap.Error(err))
	}

	c.metrics.ValidCandidates(result.Valid)
	if c.history != nil && len(rows) > 0 {
		if err := c.history.RecordVerdicts(ctx, rows); err != nil {
			c.logger.Warn("Failed to record verdict history", zap.Int("rows", len(rows)), zap.Error(err))
		}
	}

	c.logger.Info("Validity sweep complete",
		zap.Int("candidates", result.Candidates),
		zap.Int("valid", result.Valid),
		zap.Int("indeterminate", result.Indeterminate),
	)
	return result, nil
}
