package proxy

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// StaleReport lists what the stale monitor flagged.
type StaleReport struct {
	UnknownTargets int
	Stale          []string
}

// StaleSweep reports nominations that target unknown validators or that
// were submitted too many eras ago. It only notifies.
func (p *Pipeline) StaleSweep(ctx context.Context) (StaleReport, error) {
	var report StaleReport

	era, err := p.chain.CurrentEra(ctx)
	if err != nil {
		return report, fmt.Errorf("read current era: %w", err)
	}
	cands, err := p.store.AllCandidates(ctx)
	if err != nil {
		return report, fmt.Errorf("list candidates: %w", err)
	}
	known := make(map[string]struct{}, len(cands))
	for _, c := range cands {
		known[c.Stash] = struct{}{}
	}
	threshold := p.opts.Network.StaleThreshold()

	for _, n := range p.groups.All() {
		stash := n.BondedAddress()
		noms, err := p.chain.Nominations(ctx, stash)
		if err != nil {
			p.logger.Warn("Could not read nominations", zap.String("stash", stash), zap.Error(err))
			continue
		}
		if noms == nil {
			continue
		}

		for _, target := range noms.Targets {
			if _, ok := known[target]; ok {
				continue
			}
			report.UnknownTargets++
			p.notifier.Notify(ctx, fmt.Sprintf("Nominator %s is nominating %s, which is not a 1kv candidate", stash, target))
		}

		if era > noms.SubmittedIn && era-noms.SubmittedIn > threshold {
			report.Stale = append(report.Stale, stash)
			p.notifier.Notify(ctx, fmt.Sprintf("Nominator %s has a stale nomination. Last nomination was in era %d (it is now era %d)", stash, noms.SubmittedIn, era))
		}
	}
	return report, nil
}
