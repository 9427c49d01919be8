// Package constraints evaluates programme candidates against the validity
// rules and persists one verdict per rule per candidate.
package constraints

import (
	"context"
	"math/big"
	"time"

	"github.com/alitto/pond/v2"
	"go.uber.org/zap"

	"github.com/canopy-network/scorekeeper/pkg/chaindata"
	"github.com/canopy-network/scorekeeper/pkg/config"
	"github.com/canopy-network/scorekeeper/pkg/db/clickhouse"
	"github.com/canopy-network/scorekeeper/pkg/db/models"
	"github.com/canopy-network/scorekeeper/pkg/metrics"
	"github.com/canopy-network/scorekeeper/pkg/remote"
)

// Chain is the chain data the rules read.
type Chain interface {
	ActiveEra(ctx context.Context) (uint32, error)
	ValidatorIntentions(ctx context.Context) ([]string, error)
	Identity(ctx context.Context, stash string) (chaindata.Identity, error)
	Commission(ctx context.Context, stash string) (uint64, error)
	Bonded(ctx context.Context, stash string) (*big.Int, error)
	Blocked(ctx context.Context, stash string) (bool, error)
	NextKeys(ctx context.Context, stash string) (string, error)
}

// Store is the persistence the rules read from and write verdicts to.
type Store interface {
	AllCandidates(ctx context.Context) ([]models.Candidate, error)
	SetInvalidity(ctx context.Context, stash string, reason models.InvalidityReason) error
	LatestRelease(ctx context.Context) (*models.Release, error)
	CandidateLocation(ctx context.Context, name string) (*models.Location, error)
}

// Companion looks candidates up in the companion network programme.
type Companion interface {
	Candidate(ctx context.Context, stash string) (remote.CompanionCandidate, error)
}

// History receives every persisted verdict of a sweep.
type History interface {
	RecordVerdicts(ctx context.Context, rows []clickhouse.VerdictRow) error
}

// Options configure a Checker.
type Options struct {
	Network              config.Network
	Constraints          config.ConstraintsConfig
	BlacklistedProviders []string
	// Workers bounds how many candidates a sweep evaluates at once.
	Workers int
}

// Checker runs the validity rules.
type Checker struct {
	opts      Options
	chain     Chain
	store     Store
	companion Companion
	history   History
	metrics   *metrics.Metrics
	logger    *zap.Logger
	pool      pond.Pool

	// Now is the clock used by time based rules.
	Now func() time.Time
}

// New builds a Checker. history and m may be nil.
func New(opts Options, chain Chain, store Store, companion Companion, history History, m *metrics.Metrics, logger *zap.Logger) *Checker {
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	return &Checker{
		opts:      opts,
		chain:     chain,
		store:     store,
		companion: companion,
		history:   history,
		metrics:   m,
		logger:    logger.With(zap.String("component", "constraints")),
		pool:      pond.NewPool(opts.Workers),
		Now:       time.Now,
	}
}

// Close stops the sweep worker pool.
func (c *Checker) Close() {
	c.pool.StopAndWait()
}

// record persists a Pass or Fail verdict, overwriting the rule's previous
// verdict. Indeterminate verdicts leave the stored verdict untouched.
func (c *Checker) record(ctx context.Context, cand *models.Candidate, v Verdict) Verdict {
	c.metrics.Verdict(string(v.Rule), v.Outcome.String())

	if v.Outcome == Indeterminate {
		c.logger.Warn("Rule could not be evaluated",
			zap.String("candidate", cand.Name),
			zap.String("stash", cand.Stash),
			zap.String("rule", string(v.Rule)),
			zap.Error(v.Err),
		)
		return v
	}

	reason := models.InvalidityReason{
		Type:      v.Rule,
		Valid:     v.Outcome == Pass,
		Details:   v.Reason,
		UpdatedAt: c.Now(),
	}
	if err := c.store.SetInvalidity(ctx, cand.Stash, reason); err != nil {
		c.logger.Error("Failed to persist verdict",
			zap.String("stash", cand.Stash),
			zap.String("rule", string(v.Rule)),
			zap.Error(err),
		)
		return indeterminate(v.Rule, err)
	}
	cand.SetReason(reason)
	return v
}
