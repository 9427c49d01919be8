package chaindata

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/centrifuge/go-substrate-rpc-client/v4/registry"
	"github.com/centrifuge/go-substrate-rpc-client/v4/registry/parser"
	"github.com/centrifuge/go-substrate-rpc-client/v4/registry/retriever"
	regstate "github.com/centrifuge/go-substrate-rpc-client/v4/registry/state"
	"github.com/centrifuge/go-substrate-rpc-client/v4/scale"
	"github.com/centrifuge/go-substrate-rpc-client/v4/signature"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types/codec"
	"go.uber.org/zap"

	"github.com/canopy-network/scorekeeper/pkg/utils"
)

// TxResult is the outcome of a watched extrinsic. Success means the extrinsic
// finalized and dispatched; for proxy calls the proxied call dispatched too.
// BlockHash and BlockNumber are set whenever the extrinsic finalized.
type TxResult struct {
	Success     bool
	Reason      string
	BlockHash   string
	BlockNumber uint64
}

const (
	callProxy          = "Proxy.proxy"
	callProxyAnnounced = "Proxy.proxy_announced"
)

// stakingProxy encodes Some(ProxyType::Staking).
type stakingProxy struct{}

func (stakingProxy) Encode(e scale.Encoder) error {
	if err := e.PushByte(1); err != nil {
		return err
	}
	return e.PushByte(3)
}

// Signer submits extrinsics from one keypair. Submissions from the same signer
// are serialized so nonces are read after the previous extrinsic finalized.
type Signer struct {
	client *Client
	pair   signature.KeyringPair
	logger *zap.Logger

	mu sync.Mutex
}

// NewSigner derives a sr25519 keypair from a seed, dev URI or mnemonic.
func (c *Client) NewSigner(seed string) (*Signer, error) {
	pair, err := signature.KeyringPairFromSecret(seed, c.network)
	if err != nil {
		return nil, fmt.Errorf("derive keypair: %w", err)
	}
	return &Signer{
		client: c,
		pair:   pair,
		logger: c.logger.With(zap.String("signer", pair.Address)),
	}, nil
}

// Address is the signer's SS58 address.
func (s *Signer) Address() string {
	return s.pair.Address
}

func (c *Client) nominateCall(targets []string) (types.Call, error) {
	addrs, err := multiAddresses(targets)
	if err != nil {
		return types.Call{}, err
	}
	return types.NewCall(c.metadata(), "Staking.nominate", addrs)
}

func callHash(call types.Call) (string, error) {
	bz, err := codec.Encode(call)
	if err != nil {
		return "", fmt.Errorf("encode call: %w", err)
	}
	return utils.Blake2b256Hex(bz), nil
}

// Nominate signs Staking.nominate directly.
func (s *Signer) Nominate(ctx context.Context, targets []string) (TxResult, error) {
	return s.submit(ctx, "Staking.nominate", func(c *Client) (types.Call, error) {
		return c.nominateCall(targets)
	})
}

// ProxyNominate wraps Staking.nominate in Proxy.proxy on behalf of real.
func (s *Signer) ProxyNominate(ctx context.Context, real string, targets []string) (TxResult, error) {
	return s.submit(ctx, callProxy, func(c *Client) (types.Call, error) {
		inner, err := c.nominateCall(targets)
		if err != nil {
			return types.Call{}, err
		}
		realAddr, err := multiAddress(real)
		if err != nil {
			return types.Call{}, err
		}
		return types.NewCall(c.metadata(), callProxy, realAddr, stakingProxy{}, inner)
	})
}

// Announce registers the hash of Staking.nominate(targets) for later execution.
func (s *Signer) Announce(ctx context.Context, real string, targets []string) (string, TxResult, error) {
	var hash string
	res, err := s.submit(ctx, "Proxy.announce", func(c *Client) (types.Call, error) {
		inner, err := c.nominateCall(targets)
		if err != nil {
			return types.Call{}, err
		}
		if hash, err = callHash(inner); err != nil {
			return types.Call{}, err
		}
		h256, err := h256FromHex(hash)
		if err != nil {
			return types.Call{}, err
		}
		realAddr, err := multiAddress(real)
		if err != nil {
			return types.Call{}, err
		}
		return types.NewCall(c.metadata(), "Proxy.announce", realAddr, h256)
	})
	return hash, res, err
}

// ExecuteAnnounced dispatches a previously announced Staking.nominate(targets).
func (s *Signer) ExecuteAnnounced(ctx context.Context, real string, targets []string) (TxResult, error) {
	return s.submit(ctx, callProxyAnnounced, func(c *Client) (types.Call, error) {
		inner, err := c.nominateCall(targets)
		if err != nil {
			return types.Call{}, err
		}
		delegate, err := multiAddress(s.Address())
		if err != nil {
			return types.Call{}, err
		}
		realAddr, err := multiAddress(real)
		if err != nil {
			return types.Call{}, err
		}
		return types.NewCall(c.metadata(), callProxyAnnounced, delegate, realAddr, stakingProxy{}, inner)
	})
}

// RemoveAnnouncement withdraws one of the signer's own announcements.
func (s *Signer) RemoveAnnouncement(ctx context.Context, real, hash string) (TxResult, error) {
	return s.submit(ctx, "Proxy.remove_announcement", func(c *Client) (types.Call, error) {
		h256, err := h256FromHex(hash)
		if err != nil {
			return types.Call{}, err
		}
		realAddr, err := multiAddress(real)
		if err != nil {
			return types.Call{}, err
		}
		return types.NewCall(c.metadata(), "Proxy.remove_announcement", realAddr, h256)
	})
}

func h256FromHex(hash string) (types.H256, error) {
	bz, err := codec.HexDecodeString(utils.NormalizeHex(hash))
	if err != nil {
		return types.H256{}, fmt.Errorf("decode call hash %s: %w", hash, err)
	}
	if len(bz) != 32 {
		return types.H256{}, fmt.Errorf("call hash %s is %d bytes", hash, len(bz))
	}
	return types.NewH256(bz), nil
}

func (s *Signer) submit(ctx context.Context, label string, build func(*Client) (types.Call, error)) (TxResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.client
	if err := c.refreshMetadata(); err != nil {
		return TxResult{}, err
	}
	call, err := build(c)
	if err != nil {
		return TxResult{}, fmt.Errorf("build %s: %w", label, err)
	}

	genesis, err := c.api.RPC.Chain.GetBlockHash(0)
	if err != nil {
		return TxResult{}, fmt.Errorf("get genesis hash: %w", err)
	}
	rv, err := c.api.RPC.State.GetRuntimeVersionLatest()
	if err != nil {
		return TxResult{}, fmt.Errorf("get runtime version: %w", err)
	}
	var account types.AccountInfo
	if _, err := c.readStorage(ctx, &account, "System", "Account", s.pair.PublicKey); err != nil {
		return TxResult{}, err
	}

	ext := types.NewExtrinsic(call)
	err = ext.Sign(s.pair, types.SignatureOptions{
		BlockHash:          genesis,
		Era:                types.ExtrinsicEra{IsMortalEra: false},
		GenesisHash:        genesis,
		Nonce:              types.NewUCompactFromUInt(uint64(account.Nonce)),
		SpecVersion:        rv.SpecVersion,
		Tip:                types.NewUCompactFromUInt(0),
		TransactionVersion: rv.TransactionVersion,
	})
	if err != nil {
		return TxResult{}, fmt.Errorf("sign %s: %w", label, err)
	}

	encoded, err := codec.Encode(ext)
	if err != nil {
		return TxResult{}, fmt.Errorf("encode %s: %w", label, err)
	}
	extHash := utils.Blake2b256Hex(encoded)

	sub, err := c.api.RPC.Author.SubmitAndWatchExtrinsic(ext)
	if err != nil {
		return TxResult{}, fmt.Errorf("submit %s: %w", label, err)
	}
	defer sub.Unsubscribe()

	logger := s.logger.With(zap.String("call", label), zap.String("extrinsic_hash", extHash))
	for {
		select {
		case <-ctx.Done():
			return TxResult{}, fmt.Errorf("watch %s: %w", label, ctx.Err())
		case err := <-sub.Err():
			return TxResult{}, fmt.Errorf("watch %s: %w", label, err)
		case status := <-sub.Chan():
			switch {
			case status.IsInBlock:
				logger.Debug("Extrinsic included", zap.String("block_hash", status.AsInBlock.Hex()))
			case status.IsFinalized:
				return c.confirmDispatch(logger, status.AsFinalized, extHash, label == callProxy || label == callProxyAnnounced)
			case status.IsDropped, status.IsInvalid, status.IsUsurped, status.IsFinalityTimeout:
				logger.Warn("Extrinsic not finalized",
					zap.Bool("dropped", status.IsDropped),
					zap.Bool("invalid", status.IsInvalid),
					zap.Bool("usurped", status.IsUsurped),
				)
				return TxResult{Reason: "not finalized"}, nil
			}
		}
	}
}

// confirmDispatch reads the finalized block's events for the extrinsic. A
// finalized extrinsic whose dispatch failed still pays fees, so finality alone
// is not success.
func (c *Client) confirmDispatch(logger *zap.Logger, blockHash types.Hash, extHash string, proxied bool) (TxResult, error) {
	header, err := c.api.RPC.Chain.GetHeader(blockHash)
	if err != nil {
		return TxResult{}, fmt.Errorf("get header of %s: %w", blockHash.Hex(), err)
	}
	res := TxResult{BlockHash: blockHash.Hex(), BlockNumber: uint64(header.Number)}

	index, err := c.extrinsicIndex(blockHash, extHash)
	if err != nil {
		return res, err
	}
	events, err := c.blockEvents(blockHash)
	if err != nil {
		return res, err
	}

	res.Success, res.Reason = dispatchOutcome(events, index, proxied)
	logger = logger.With(
		zap.String("block_hash", res.BlockHash),
		zap.Uint64("block_number", res.BlockNumber),
		zap.Uint32("extrinsic_index", index),
	)
	if !res.Success {
		logger.Warn("Extrinsic finalized but did not dispatch", zap.String("reason", res.Reason))
		return res, nil
	}
	logger.Info("Extrinsic finalized")
	return res, nil
}

// extrinsicIndex locates extHash among the block's extrinsics. The block is
// read as raw hex so extrinsics from other signers never need decoding.
func (c *Client) extrinsicIndex(blockHash types.Hash, extHash string) (uint32, error) {
	var block struct {
		Block struct {
			Extrinsics []string `json:"extrinsics"`
		} `json:"block"`
	}
	if err := c.api.Client.Call(&block, "chain_getBlock", blockHash.Hex()); err != nil {
		return 0, fmt.Errorf("get block %s: %w", blockHash.Hex(), err)
	}
	for i, raw := range block.Block.Extrinsics {
		bz, err := codec.HexDecodeString(raw)
		if err != nil {
			continue
		}
		if utils.Blake2b256Hex(bz) == extHash {
			return uint32(i), nil
		}
	}
	return 0, fmt.Errorf("extrinsic %s not found in block %s", extHash, blockHash.Hex())
}

func (c *Client) blockEvents(blockHash types.Hash) ([]*parser.Event, error) {
	c.mu.Lock()
	if c.events == nil {
		r, err := retriever.NewDefaultEventRetriever(regstate.NewEventProvider(c.api.RPC.State), c.api.RPC.State)
		if err != nil {
			c.mu.Unlock()
			return nil, fmt.Errorf("create event retriever: %w", err)
		}
		c.events = r
	}
	r := c.events
	c.mu.Unlock()

	events, err := r.GetEvents(blockHash)
	if err != nil {
		return nil, fmt.Errorf("get events of %s: %w", blockHash.Hex(), err)
	}
	return events, nil
}

// dispatchOutcome classifies the events emitted while applying the extrinsic
// at index. Proxied calls also need a ProxyExecuted event carrying Ok.
func dispatchOutcome(events []*parser.Event, index uint32, proxied bool) (bool, string) {
	var succeeded, failed, executed, executedOK bool
	for _, ev := range events {
		if ev == nil || ev.Phase == nil || !ev.Phase.IsApplyExtrinsic || ev.Phase.AsApplyExtrinsic != index {
			continue
		}
		switch ev.Name {
		case "System.ExtrinsicSuccess":
			succeeded = true
		case "System.ExtrinsicFailed":
			failed = true
		case "Proxy.ProxyExecuted":
			executed = true
			executedOK = dispatchResultOK(ev.Fields)
		}
	}
	switch {
	case failed:
		return false, "extrinsic failed"
	case !succeeded:
		return false, "no ExtrinsicSuccess event"
	case proxied && !executed:
		return false, "no ProxyExecuted event"
	case proxied && !executedOK:
		return false, "proxied call failed"
	}
	return true, ""
}

// dispatchResultOK reads the result field of ProxyExecuted. The registry
// decoder drops the variant index, but Ok(()) decodes to an empty value while
// every DispatchError variant carries at least its own index byte.
func dispatchResultOK(fields registry.DecodedFields) bool {
	for _, f := range fields {
		if f == nil || (f.Name != "result" && !strings.HasSuffix(f.Name, ".result")) {
			continue
		}
		return emptyValue(f.Value)
	}
	return false
}

func emptyValue(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case registry.DecodedFields:
		for _, f := range val {
			if f != nil && !emptyValue(f.Value) {
				return false
			}
		}
		return true
	case []any:
		for _, item := range val {
			if !emptyValue(item) {
				return false
			}
		}
		return true
	}
	return false
}
