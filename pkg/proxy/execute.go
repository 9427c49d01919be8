package proxy

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/canopy-network/scorekeeper/pkg/db/models"
	"github.com/canopy-network/scorekeeper/pkg/nominator"
)

// ExecuteResult counts what an execution sweep did with each ledger entry.
type ExecuteResult struct {
	Executed  int
	Cancelled int
	Waiting   int
	Skipped   int
}

// ExecuteSweep executes every pending announcement whose delay has passed,
// pausing ExecutionDelay after each entry.
// Target commissions are checked again first: an announcement with a target
// above the maximum is cancelled instead. A successful execution replaces
// the ledger entry with a nomination record in one step, so a later sweep
// cannot execute it again.
func (p *Pipeline) ExecuteSweep(ctx context.Context) (ExecuteResult, error) {
	var res ExecuteResult

	txs, err := p.store.AllDelayedTxs(ctx)
	if err != nil {
		return res, fmt.Errorf("list delayed txs: %w", err)
	}
	p.metrics.PendingAnnouncements(len(txs))
	if len(txs) == 0 {
		return res, nil
	}

	block, err := p.chain.LatestBlock(ctx)
	if err != nil {
		return res, fmt.Errorf("read latest block: %w", err)
	}
	era, err := p.chain.ActiveEra(ctx)
	if err != nil {
		return res, fmt.Errorf("read active era: %w", err)
	}

	for _, tx := range txs {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		p.processDelayed(ctx, tx, block.Number, era, &res)
		if err := pause(ctx, p.opts.ExecutionDelay); err != nil {
			return res, err
		}
	}

	p.logger.Info("Execution sweep complete",
		zap.Int("pending", len(txs)),
		zap.Int("executed", res.Executed),
		zap.Int("cancelled", res.Cancelled),
		zap.Int("waiting", res.Waiting),
		zap.Int("skipped", res.Skipped),
	)
	return res, nil
}

// processDelayed resolves one ledger entry.
func (p *Pipeline) processDelayed(ctx context.Context, tx models.DelayedTx, blockNumber uint64, era uint32, res *ExecuteResult) {
	log := p.logger.With(zap.String("controller", tx.Controller), zap.String("call_hash", tx.CallHash))

	n := p.groups.FindByController(tx.Controller)
	if n == nil {
		log.Warn("No nominator for delayed tx controller")
		res.Skipped++
		return
	}

	over, err := p.overCommission(ctx, tx.Targets)
	if err != nil {
		log.Warn("Commission re-check failed, skipping", zap.Error(err))
		res.Skipped++
		return
	}
	if len(over) > 0 {
		res.Cancelled++
		p.cancelDelayed(ctx, n, tx, over)
		return
	}

	if tx.Number+p.opts.TimeDelayBlocks > blockNumber {
		log.Debug("Announcement not yet executable",
			zap.Uint64("announced", tx.Number),
			zap.Uint64("executableAt", tx.Number+p.opts.TimeDelayBlocks),
			zap.Uint64("block", blockNumber),
		)
		res.Waiting++
		return
	}

	result, err := n.ExecuteAnnounced(ctx, tx)
	if err != nil || !result.Success {
		if err == nil {
			err = fmt.Errorf("%w: %s", nominator.ErrNotDispatched, result.Reason)
		}
		log.Warn("Executing announcement failed", zap.Error(err))
		p.metrics.Transaction("execute", "failed")
		res.Skipped++
		return
	}
	p.metrics.Transaction("execute", "finalized")

	nom := n.Completed(ctx, era, tx.Targets, result.BlockHash)
	if err := p.store.CompleteDelayedTx(ctx, tx, nom); err != nil {
		// The announcement is spent on chain; the entry must not survive.
		log.Error("Executed announcement but could not complete ledger entry", zap.Error(err))
		if err := p.store.DeleteDelayedTx(ctx, tx.Controller, tx.CallHash); err != nil {
			log.Error("Could not delete executed delayed tx", zap.Error(err))
		}
	}
	if p.history != nil {
		if err := p.history.RecordNomination(ctx, nom); err != nil {
			log.Warn("Failed to record nomination history", zap.Error(err))
		}
	}
	res.Executed++

	lines := []string{fmt.Sprintf("%s executed announcement in finalized block #%s announced at block #%d", tx.Controller, result.BlockHash, tx.Number)}
	for _, target := range tx.Targets {
		lines = append(lines, fmt.Sprintf("- %s (%s)", p.candidateName(ctx, target), target))
	}
	p.notifier.Notify(ctx, strings.Join(lines, "\n"))
}

// overCommission returns the targets whose commission now exceeds the maximum.
func (p *Pipeline) overCommission(ctx context.Context, targets []string) ([]string, error) {
	var over []string
	for _, target := range targets {
		commission, err := p.chain.Commission(ctx, target)
		if err != nil {
			return nil, fmt.Errorf("read commission of %s: %w", target, err)
		}
		if commission > p.opts.MaxCommission {
			over = append(over, target)
		}
	}
	return over, nil
}

// cancelDelayed removes the on-chain announcement of tx when it is still
// registered, and drops the ledger entry once nothing is left on chain.
func (p *Pipeline) cancelDelayed(ctx context.Context, n *nominator.Nominator, tx models.DelayedTx, over []string) {
	log := p.logger.With(zap.String("controller", tx.Controller), zap.String("call_hash", tx.CallHash))

	names := make([]string, 0, len(over))
	for _, target := range over {
		names = append(names, p.candidateName(ctx, target))
	}
	p.notifier.Notify(ctx, fmt.Sprintf("%s announcement %s targets validators above the commission limit (%s), cancelling",
		tx.Controller, tx.CallHash, strings.Join(names, ", ")))

	anns, err := p.chain.ProxyAnnouncements(ctx, n.Address())
	if err != nil {
		log.Warn("Could not read proxy announcements", zap.Error(err))
		return
	}

	remaining := false
	for _, a := range anns {
		if !sameAccount(a.Real, tx.Controller) || !strings.EqualFold(a.CallHash, tx.CallHash) {
			continue
		}
		result, err := n.CancelAnnouncement(ctx, a.Real, a.CallHash)
		if err != nil || !result.Success {
			log.Warn("Cancelling announcement failed", zap.Error(err))
			p.metrics.Transaction("cancel", "failed")
			remaining = true
			continue
		}
		p.metrics.Transaction("cancel", "finalized")
	}

	if !remaining {
		if err := p.store.DeleteDelayedTx(ctx, tx.Controller, tx.CallHash); err != nil {
			log.Warn("Could not delete delayed tx", zap.Error(err))
		}
	}
}
