// Package round drives nomination rounds: it decides when a round is due,
// settles the outgoing round and nominates the current valid candidates.
package round

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/canopy-network/scorekeeper/pkg/chaindata"
	"github.com/canopy-network/scorekeeper/pkg/config"
	"github.com/canopy-network/scorekeeper/pkg/constraints"
	"github.com/canopy-network/scorekeeper/pkg/db/models"
	"github.com/canopy-network/scorekeeper/pkg/nominator"
)

// ErrRoundEnding is returned while a previous round is still being settled.
var ErrRoundEnding = errors.New("round is ending")

// Phase is what a tick did.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseStart
	PhaseEndThenStart
)

func (p Phase) String() string {
	switch p {
	case PhaseStart:
		return "start"
	case PhaseEndThenStart:
		return "end_then_start"
	default:
		return "idle"
	}
}

type Chain interface {
	ActiveEra(ctx context.Context) (uint32, error)
	Nominations(ctx context.Context, stash string) (*chaindata.Nominations, error)
}

type Store interface {
	AllCandidates(ctx context.Context) ([]models.Candidate, error)
	GetCandidate(ctx context.Context, stash string) (*models.Candidate, error)
	LastNominatedEraIndex(ctx context.Context) (uint32, error)
	SetLastNominatedEraIndex(ctx context.Context, era uint32) error
}

// Ranker settles the outgoing round's targets.
type Ranker interface {
	AddPoint(ctx context.Context, cand *models.Candidate) error
	DockPoints(ctx context.Context, cand *models.Candidate) error
}

type Notifier interface {
	Notify(ctx context.Context, msg string)
}

// Options configure a Machine.
type Options struct {
	Network        config.Network
	Nominating     bool
	MaxNominations int
}

// Machine is the nomination round state machine. The round phase is derived
// from on-chain nominations on every tick; only the ending flag is held here.
type Machine struct {
	opts     Options
	groups   *nominator.Groups
	set      *constraints.ValiditySet
	chain    Chain
	store    Store
	rank     Ranker
	notifier Notifier
	logger   *zap.Logger

	ending atomic.Bool
}

func New(opts Options, groups *nominator.Groups, set *constraints.ValiditySet, chain Chain, store Store, rank Ranker, notifier Notifier, logger *zap.Logger) *Machine {
	return &Machine{
		opts:     opts,
		groups:   groups,
		set:      set,
		chain:    chain,
		store:    store,
		rank:     rank,
		notifier: notifier,
		logger:   logger.With(zap.String("component", "round")),
	}
}

// EraBuffer is the number of eras between rounds on network.
func EraBuffer(network config.Network) uint32 {
	return network.EraBuffer()
}

// IsDue reports whether enough eras have passed since the last round.
func (m *Machine) IsDue(activeEra, lastNominated uint32) bool {
	return activeEra >= lastNominated && activeEra-lastNominated >= EraBuffer(m.opts.Network)
}

// Ending reports whether the outgoing round is being settled.
func (m *Machine) Ending() bool {
	return m.ending.Load()
}

// Tick runs one pass of the state machine. Read failures abort the tick
// before anything is written.
func (m *Machine) Tick(ctx context.Context) (Phase, error) {
	if m.ending.Load() {
		m.logger.Info("Round is ending, skipping tick")
		return PhaseIdle, nil
	}

	activeEra, err := m.chain.ActiveEra(ctx)
	if err != nil {
		m.logger.Error("CRITICAL: could not read active era", zap.Error(err))
		return PhaseIdle, fmt.Errorf("read active era: %w", err)
	}
	lastNominated, err := m.store.LastNominatedEraIndex(ctx)
	if err != nil {
		return PhaseIdle, fmt.Errorf("read last nominated era: %w", err)
	}

	if !m.IsDue(activeEra, lastNominated) {
		m.logger.Debug("Round not due",
			zap.Uint32("activeEra", activeEra),
			zap.Uint32("lastNominatedEra", lastNominated),
			zap.Uint32("eraBuffer", EraBuffer(m.opts.Network)),
		)
		return PhaseIdle, nil
	}
	if m.groups == nil || m.groups.Len() == 0 {
		m.logger.Warn("Round due but no nominator groups are configured")
		return PhaseIdle, nil
	}
	if !m.opts.Nominating {
		m.logger.Info("Round due but nominating is disabled")
		return PhaseIdle, nil
	}

	outgoing, err := m.currentTargets(ctx)
	if err != nil {
		return PhaseIdle, err
	}

	m.logger.Info("Round due",
		zap.Uint32("activeEra", activeEra),
		zap.Uint32("lastNominatedEra", lastNominated),
		zap.Int("outgoingTargets", len(outgoing)),
	)

	if len(outgoing) == 0 {
		return PhaseStart, m.StartRound(ctx, activeEra)
	}

	// The flag covers the restart too, so no tick settles the same round
	// while its successor is being nominated.
	if !m.ending.CompareAndSwap(false, true) {
		return PhaseIdle, nil
	}
	defer m.ending.Store(false)
	m.settle(ctx, outgoing)
	return PhaseEndThenStart, m.StartRound(ctx, activeEra)
}

// currentTargets reads the on-chain targets of every nominator, deduplicated.
func (m *Machine) currentTargets(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	var targets []string
	for _, n := range m.groups.All() {
		noms, err := m.chain.Nominations(ctx, n.BondedAddress())
		if err != nil {
			return nil, fmt.Errorf("read nominations of %s: %w", n.BondedAddress(), err)
		}
		if noms == nil {
			continue
		}
		for _, t := range noms.Targets {
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			targets = append(targets, t)
		}
	}
	return targets, nil
}

// EndRound settles the outgoing round: targets still valid gain a point,
// the others are docked. Concurrent calls fail with ErrRoundEnding.
func (m *Machine) EndRound(ctx context.Context, outgoing []string) error {
	if !m.ending.CompareAndSwap(false, true) {
		return ErrRoundEnding
	}
	defer m.ending.Store(false)
	m.settle(ctx, outgoing)
	return nil
}

func (m *Machine) settle(ctx context.Context, outgoing []string) {
	m.logger.Info("Ending round", zap.Int("targets", len(outgoing)))
	for _, stash := range outgoing {
		cand, err := m.store.GetCandidate(ctx, stash)
		if err != nil {
			m.logger.Warn("Could not load outgoing target", zap.String("stash", stash), zap.Error(err))
			continue
		}
		if cand == nil {
			continue
		}
		if m.set.IsValid(cand) {
			err = m.rank.AddPoint(ctx, cand)
		} else {
			err = m.rank.DockPoints(ctx, cand)
		}
		if err != nil {
			m.logger.Warn("Could not settle outgoing target", zap.String("stash", stash), zap.Error(err))
		}
	}
}

// rankCandidates orders the valid candidates by rank, highest first.
func rankCandidates(cands []models.Candidate) []models.Candidate {
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].Rank != cands[j].Rank {
			return cands[i].Rank > cands[j].Rank
		}
		return cands[i].Stash < cands[j].Stash
	})
	return cands
}

// StartRound nominates the valid candidates. Within a group every nominator
// takes the next MaxNominations candidates; each group starts from the top.
// The era is recorded once at least one nominator succeeded.
func (m *Machine) StartRound(ctx context.Context, activeEra uint32) error {
	all, err := m.store.AllCandidates(ctx)
	if err != nil {
		return fmt.Errorf("list candidates: %w", err)
	}
	valid := rankCandidates(m.set.Filter(all))
	if len(valid) == 0 {
		m.logger.Warn("No valid candidates to nominate", zap.Int("candidates", len(all)))
		return nil
	}

	capacity := m.opts.MaxNominations
	submitted := 0
	for gi, group := range m.groups.Groups() {
		offset := 0
		for _, n := range group {
			if offset >= len(valid) {
				m.logger.Info("Ran out of candidates for nominator", zap.Int("group", gi), zap.String("nominator", n.BondedAddress()))
				break
			}
			end := min(offset+capacity, len(valid))
			chunk := valid[offset:end]
			offset = end

			targets := make([]string, 0, len(chunk))
			lines := make([]string, 0, len(chunk))
			for _, c := range chunk {
				targets = append(targets, c.Stash)
				lines = append(lines, fmt.Sprintf("- %s (%s)", c.Name, c.Stash))
			}

			res, err := n.Nominate(ctx, targets)
			if err != nil {
				m.logger.Warn("Nominator skipped this round",
					zap.Int("group", gi),
					zap.String("nominator", n.BondedAddress()),
					zap.Error(err),
				)
				continue
			}
			submitted++

			verb := "nominated"
			if res.Mode == nominator.Delayed {
				verb = "announced a nomination of"
			}
			m.notifier.Notify(ctx, fmt.Sprintf("%s %s %d validators in era %d:\n%s",
				n.BondedAddress(), verb, len(targets), activeEra, strings.Join(lines, "\n")))
		}
	}

	if submitted == 0 {
		return errors.New("no nominator submitted this round")
	}
	if err := m.store.SetLastNominatedEraIndex(ctx, activeEra); err != nil {
		return fmt.Errorf("record last nominated era: %w", err)
	}
	m.logger.Info("Round started", zap.Uint32("era", activeEra), zap.Int("nominators", submitted))
	return nil
}
