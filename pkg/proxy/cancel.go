package proxy

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/canopy-network/scorekeeper/pkg/chaindata"
	"github.com/canopy-network/scorekeeper/pkg/nominator"
)

// CancelResult counts the announcements a cancel sweep removed.
type CancelResult struct {
	Blacklisted int
	Stale       int
	Failed      int
}

// staleCancelFactor widens the execution delay before an announcement is
// considered abandoned.
const staleCancelFactor = 1.2

// CancelSweep cancels live on-chain announcements of every proxy nominator
// that are blacklisted or older than 1.2 times the execution delay. The chain
// is authoritative: announcements are cancelled whether or not the ledger
// knows them, and a matching ledger entry is dropped afterwards.
func (p *Pipeline) CancelSweep(ctx context.Context) (CancelResult, error) {
	var res CancelResult

	block, err := p.chain.LatestBlock(ctx)
	if err != nil {
		return res, fmt.Errorf("read latest block: %w", err)
	}
	threshold := int64(block.Number) - int64(staleCancelFactor*float64(p.opts.TimeDelayBlocks))

	for _, n := range p.groups.Proxies() {
		anns, err := p.chain.ProxyAnnouncements(ctx, n.Address())
		if err != nil {
			p.logger.Warn("Could not read proxy announcements", zap.String("delegate", n.Address()), zap.Error(err))
			continue
		}

		for _, a := range anns {
			if err := ctx.Err(); err != nil {
				return res, err
			}

			if p.blacklisted(a.CallHash) {
				p.logger.Info("Cancelling blacklisted announcement", zap.String("call_hash", a.CallHash), zap.String("real", a.Real))
				if p.cancel(ctx, n, a) {
					res.Blacklisted++
				} else {
					res.Failed++
				}
				continue
			}

			if int64(a.Height) < threshold {
				p.logger.Info("Cancelling stale announcement",
					zap.String("call_hash", a.CallHash),
					zap.Uint64("height", a.Height),
					zap.Int64("threshold", threshold),
				)
				if err := pause(ctx, p.opts.CancelDelay); err != nil {
					return res, err
				}
				if p.cancel(ctx, n, a) {
					res.Stale++
				} else {
					res.Failed++
				}
				if err := pause(ctx, p.opts.CancelDelay); err != nil {
					return res, err
				}
			}
		}
	}
	return res, nil
}

func (p *Pipeline) cancel(ctx context.Context, n *nominator.Nominator, a chaindata.Announcement) bool {
	result, err := n.CancelAnnouncement(ctx, a.Real, a.CallHash)
	if err != nil || !result.Success {
		p.logger.Warn("Cancelling announcement failed",
			zap.String("delegate", n.Address()),
			zap.String("call_hash", a.CallHash),
			zap.Error(err),
		)
		p.metrics.Transaction("cancel", "failed")
		return false
	}
	p.metrics.Transaction("cancel", "finalized")

	controller := a.Real
	if owner := p.groups.FindByController(a.Real); owner != nil {
		controller = owner.BondedAddress()
	}
	if err := p.store.DeleteDelayedTx(ctx, controller, a.CallHash); err != nil {
		p.logger.Warn("Could not delete delayed tx", zap.String("call_hash", a.CallHash), zap.Error(err))
	}
	p.notifier.Notify(ctx, fmt.Sprintf("%s cancelled announcement %s made at block #%d", n.Address(), a.CallHash, a.Height))
	return true
}
