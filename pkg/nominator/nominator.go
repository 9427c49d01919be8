// Package nominator drives the accounts that nominate on behalf of the programme.
package nominator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/canopy-network/scorekeeper/pkg/chaindata"
	"github.com/canopy-network/scorekeeper/pkg/config"
	"github.com/canopy-network/scorekeeper/pkg/db/models"
)

var (
	ErrNoTargets     = errors.New("no targets to nominate")
	ErrNotDispatched = errors.New("extrinsic did not finalize and dispatch")
)

// Signer is the write capability of one keypair, see chaindata.Signer.
type Signer interface {
	Address() string
	Nominate(ctx context.Context, targets []string) (chaindata.TxResult, error)
	ProxyNominate(ctx context.Context, real string, targets []string) (chaindata.TxResult, error)
	Announce(ctx context.Context, real string, targets []string) (string, chaindata.TxResult, error)
	ExecuteAnnounced(ctx context.Context, real string, targets []string) (chaindata.TxResult, error)
	RemoveAnnouncement(ctx context.Context, real, callHash string) (chaindata.TxResult, error)
}

// Chain is the read capability a nominator needs to record its nominations.
type Chain interface {
	ActiveEra(ctx context.Context) (uint32, error)
	Bonded(ctx context.Context, stash string) (*big.Int, error)
}

// Ledger records what a nominator submitted.
type Ledger interface {
	AddDelayedTx(ctx context.Context, tx models.DelayedTx) error
	SetNomination(ctx context.Context, nom models.Nomination) error
}

// Mode is how a nominator gets Staking.nominate dispatched.
type Mode int

const (
	// Direct signs Staking.nominate with the bonded account itself.
	Direct Mode = iota
	// Proxy wraps the call in Proxy.proxy.
	Proxy
	// Delayed announces the call hash; the call is executed after ProxyDelay blocks.
	Delayed
)

func (m Mode) String() string {
	switch m {
	case Proxy:
		return "proxy"
	case Delayed:
		return "delayed"
	default:
		return "direct"
	}
}

// NominationResult describes one submitted nomination. CallHash is set for Delayed.
type NominationResult struct {
	Mode     Mode
	CallHash string
	Tx       chaindata.TxResult
}

// Nominator is a controller/proxy pairing owned by the process.
type Nominator struct {
	signer Signer
	chain  Chain
	ledger Ledger
	logger *zap.Logger

	bondedAddress string
	isProxy       bool
	proxyDelay    uint64

	mu      sync.Mutex
	current []string
}

// New builds a nominator from its configuration. A proxy nominates for
// cfg.ProxyFor; anyone else nominates for its own address.
func New(cfg config.NominatorConfig, signer Signer, chain Chain, ledger Ledger, logger *zap.Logger) *Nominator {
	bonded := signer.Address()
	if cfg.IsProxy {
		bonded = cfg.ProxyFor
	}
	return &Nominator{
		signer:        signer,
		chain:         chain,
		ledger:        ledger,
		logger:        logger.With(zap.String("nominator", signer.Address()), zap.String("bonded", bonded)),
		bondedAddress: bonded,
		isProxy:       cfg.IsProxy,
		proxyDelay:    cfg.ProxyDelay,
	}
}

// Address is the signing address.
func (n *Nominator) Address() string { return n.signer.Address() }

// BondedAddress is the account whose stake is nominated. Ledger entries use it as controller.
func (n *Nominator) BondedAddress() string { return n.bondedAddress }

// Stash is the bonded account; controllers are the stash itself on current runtimes.
func (n *Nominator) Stash() string { return n.bondedAddress }

func (n *Nominator) IsProxy() bool { return n.isProxy }

func (n *Nominator) ProxyDelay() uint64 { return n.proxyDelay }

func (n *Nominator) Mode() Mode {
	switch {
	case !n.isProxy:
		return Direct
	case n.proxyDelay == 0:
		return Proxy
	default:
		return Delayed
	}
}

// CurrentlyNominating returns the targets of the last dispatched nomination.
func (n *Nominator) CurrentlyNominating() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.current...)
}

func (n *Nominator) setCurrent(targets []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.current = append([]string(nil), targets...)
}

// Nominate submits targets according to the nominator's mode and records the
// outcome: a DelayedTx for announcements, a Nomination otherwise.
func (n *Nominator) Nominate(ctx context.Context, targets []string) (NominationResult, error) {
	if len(targets) == 0 {
		return NominationResult{}, ErrNoTargets
	}
	era, err := n.chain.ActiveEra(ctx)
	if err != nil {
		return NominationResult{}, fmt.Errorf("read active era: %w", err)
	}

	res := NominationResult{Mode: n.Mode()}
	switch res.Mode {
	case Direct:
		res.Tx, err = n.signer.Nominate(ctx, targets)
	case Proxy:
		res.Tx, err = n.signer.ProxyNominate(ctx, n.bondedAddress, targets)
	case Delayed:
		res.CallHash, res.Tx, err = n.signer.Announce(ctx, n.bondedAddress, targets)
	}
	if err != nil {
		return res, fmt.Errorf("%s nomination: %w", res.Mode, err)
	}
	if !res.Tx.Success {
		return res, fmt.Errorf("%s nomination: %w: %s", res.Mode, ErrNotDispatched, res.Tx.Reason)
	}

	n.logger.Info("Nomination submitted",
		zap.String("mode", res.Mode.String()),
		zap.Strings("targets", targets),
		zap.Uint64("block", res.Tx.BlockNumber),
	)

	if res.Mode == Delayed {
		err = n.ledger.AddDelayedTx(ctx, models.DelayedTx{
			Number:     res.Tx.BlockNumber,
			Controller: n.bondedAddress,
			Targets:    targets,
			CallHash:   res.CallHash,
			Era:        era,
		})
		if err != nil {
			return res, fmt.Errorf("record delayed tx: %w", err)
		}
		return res, nil
	}

	n.setCurrent(targets)
	if err := n.RecordNomination(ctx, era, targets, res.Tx.BlockHash); err != nil {
		return res, err
	}
	return res, nil
}

// RecordNomination stores a completed nomination with the bonded amount read now.
// A failed bonded read is recorded as zero.
func (n *Nominator) RecordNomination(ctx context.Context, era uint32, targets []string, blockHash string) error {
	return n.ledger.SetNomination(ctx, n.Completed(ctx, era, targets, blockHash))
}

// Completed builds the nomination record for targets dispatched in blockHash.
func (n *Nominator) Completed(ctx context.Context, era uint32, targets []string, blockHash string) models.Nomination {
	bonded, err := n.chain.Bonded(ctx, n.bondedAddress)
	if err != nil {
		n.logger.Warn("Could not read bonded amount", zap.Error(err))
		bonded = new(big.Int)
	}
	return models.Nomination{
		Address:   n.bondedAddress,
		Era:       era,
		Targets:   targets,
		Bonded:    bonded,
		BlockHash: blockHash,
		Timestamp: time.Now(),
	}
}

// ExecuteAnnounced dispatches an announcement made earlier by this nominator.
func (n *Nominator) ExecuteAnnounced(ctx context.Context, tx models.DelayedTx) (chaindata.TxResult, error) {
	res, err := n.signer.ExecuteAnnounced(ctx, tx.Controller, tx.Targets)
	if err != nil {
		return res, err
	}
	if res.Success {
		n.setCurrent(tx.Targets)
	}
	return res, nil
}

// CancelAnnouncement removes this nominator's announcement of callHash on behalf of real.
func (n *Nominator) CancelAnnouncement(ctx context.Context, real, callHash string) (chaindata.TxResult, error) {
	n.logger.Info("Cancelling announcement", zap.String("real", real), zap.String("call_hash", callHash))
	return n.signer.RemoveAnnouncement(ctx, real, callHash)
}
