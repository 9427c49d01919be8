// Package proxy runs the sweeps over delayed proxy announcements: execution
// once the delay has passed, cancellation of blacklisted or stale
// announcements, and monitoring of the resulting nominations.
package proxy

import (
	"bytes"
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/canopy-network/scorekeeper/pkg/chaindata"
	"github.com/canopy-network/scorekeeper/pkg/config"
	"github.com/canopy-network/scorekeeper/pkg/db/models"
	"github.com/canopy-network/scorekeeper/pkg/metrics"
	"github.com/canopy-network/scorekeeper/pkg/nominator"
	"github.com/canopy-network/scorekeeper/pkg/utils"
)

type Chain interface {
	ActiveEra(ctx context.Context) (uint32, error)
	CurrentEra(ctx context.Context) (uint32, error)
	LatestBlock(ctx context.Context) (chaindata.Block, error)
	Commission(ctx context.Context, stash string) (uint64, error)
	ProxyAnnouncements(ctx context.Context, delegate string) ([]chaindata.Announcement, error)
	Nominations(ctx context.Context, stash string) (*chaindata.Nominations, error)
}

type Store interface {
	AllCandidates(ctx context.Context) ([]models.Candidate, error)
	GetCandidate(ctx context.Context, stash string) (*models.Candidate, error)
	AllDelayedTxs(ctx context.Context) ([]models.DelayedTx, error)
	DeleteDelayedTx(ctx context.Context, controller, callHash string) error
	CompleteDelayedTx(ctx context.Context, tx models.DelayedTx, nom models.Nomination) error
}

type Notifier interface {
	Notify(ctx context.Context, msg string)
}

// History receives executed nominations.
type History interface {
	RecordNomination(ctx context.Context, nom models.Nomination) error
}

// Options configure a Pipeline.
type Options struct {
	Network                  config.Network
	MaxCommission            uint64
	TimeDelayBlocks          uint64
	BlacklistedAnnouncements []string
	ExecutionDelay           time.Duration
	CancelDelay              time.Duration
}

// Pipeline owns the delayed announcement sweeps. Each sweep reads fresh
// chain state and handles one item at a time.
type Pipeline struct {
	opts      Options
	groups    *nominator.Groups
	chain     Chain
	store     Store
	notifier  Notifier
	history   History
	metrics   *metrics.Metrics
	logger    *zap.Logger
	blacklist map[string]struct{}
}

// New builds a Pipeline. history and m may be nil.
func New(opts Options, groups *nominator.Groups, chain Chain, store Store, notifier Notifier, history History, m *metrics.Metrics, logger *zap.Logger) *Pipeline {
	blacklist := make(map[string]struct{}, len(opts.BlacklistedAnnouncements))
	for _, h := range opts.BlacklistedAnnouncements {
		blacklist[utils.NormalizeHex(h)] = struct{}{}
	}
	return &Pipeline{
		opts:      opts,
		groups:    groups,
		chain:     chain,
		store:     store,
		notifier:  notifier,
		history:   history,
		metrics:   m,
		logger:    logger.With(zap.String("component", "proxy")),
		blacklist: blacklist,
	}
}

func (p *Pipeline) blacklisted(callHash string) bool {
	_, ok := p.blacklist[utils.NormalizeHex(callHash)]
	return ok
}

// pause waits d unless ctx ends first.
func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// candidateName resolves a stash for notifications, falling back to the stash.
func (p *Pipeline) candidateName(ctx context.Context, stash string) string {
	c, err := p.store.GetCandidate(ctx, stash)
	if err != nil || c == nil || c.Name == "" {
		return stash
	}
	return c.Name
}

// sameAccount compares addresses by public key so SS58 prefixes and hex
// forms of one account match.
func sameAccount(a, b string) bool {
	if a == b {
		return true
	}
	pa, err := chaindata.PublicKey(a)
	if err != nil {
		return false
	}
	pb, err := chaindata.PublicKey(b)
	if err != nil {
		return false
	}
	return bytes.Equal(pa, pb)
}
