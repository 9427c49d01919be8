// Package chaindata reads staking, session, identity and proxy state from a
// substrate relay chain and submits the scorekeeper's extrinsics.
package chaindata

import (
	"context"
	"errors"
	"fmt"
	"sync"

	gsrpc "github.com/centrifuge/go-substrate-rpc-client/v4"
	"github.com/centrifuge/go-substrate-rpc-client/v4/registry/retriever"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
	"go.uber.org/zap"

	"github.com/canopy-network/scorekeeper/pkg/retry"
)

// ErrNotFound is returned when a storage item the caller requires is absent.
var ErrNotFound = errors.New("storage item not found")

// Client is a connection to one of the configured endpoints with cached
// runtime metadata. Metadata is refreshed when the spec version changes.
type Client struct {
	logger  *zap.Logger
	api     *gsrpc.SubstrateAPI
	network uint16

	mu          sync.RWMutex
	meta        *types.Metadata
	specVersion types.U32
	events      retriever.EventRetriever
}

// New connects to the first endpoint that answers, cycling through the list with backoff.
func New(ctx context.Context, logger *zap.Logger, endpoints []string, network uint16) (*Client, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("no chain endpoints")
	}
	logger = logger.With(zap.String("component", "chaindata"))

	attempt := 0
	api, err := retry.Value(ctx, retry.Startup(), logger, "chain_connection", func() (*gsrpc.SubstrateAPI, error) {
		endpoint := endpoints[attempt%len(endpoints)]
		attempt++
		logger.Info("Connecting to chain", zap.String("endpoint", endpoint))
		return gsrpc.NewSubstrateAPI(endpoint)
	})
	if err != nil {
		return nil, err
	}

	c := &Client{logger: logger, api: api, network: network}
	if err := c.refreshMetadata(); err != nil {
		return nil, err
	}
	return c, nil
}

// Network is the SS58 prefix addresses are formatted with.
func (c *Client) Network() uint16 {
	return c.network
}

func (c *Client) refreshMetadata() error {
	rv, err := c.api.RPC.State.GetRuntimeVersionLatest()
	if err != nil {
		return fmt.Errorf("get runtime version: %w", err)
	}

	c.mu.RLock()
	current := c.meta != nil && c.specVersion == rv.SpecVersion
	c.mu.RUnlock()
	if current {
		return nil
	}

	meta, err := c.api.RPC.State.GetMetadataLatest()
	if err != nil {
		return fmt.Errorf("get metadata: %w", err)
	}
	c.mu.Lock()
	c.meta = meta
	c.specVersion = rv.SpecVersion
	c.mu.Unlock()
	c.logger.Info("Loaded runtime metadata", zap.Uint32("spec_version", uint32(rv.SpecVersion)))
	return nil
}

func (c *Client) metadata() *types.Metadata {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.meta
}

func (c *Client) storageKey(pallet, item string, args ...[]byte) (types.StorageKey, error) {
	key, err := types.CreateStorageKey(c.metadata(), pallet, item, args...)
	if err != nil {
		return nil, fmt.Errorf("storage key %s.%s: %w", pallet, item, err)
	}
	return key, nil
}

// readStorage decodes pallet.item into target and reports whether the item exists.
func (c *Client) readStorage(ctx context.Context, target any, pallet, item string, args ...[]byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	key, err := c.storageKey(pallet, item, args...)
	if err != nil {
		return false, err
	}
	ok, err := c.api.RPC.State.GetStorageLatest(key, target)
	if err != nil {
		return false, fmt.Errorf("read %s.%s: %w", pallet, item, err)
	}
	return ok, nil
}

func (c *Client) readStorageRaw(ctx context.Context, pallet, item string, args ...[]byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key, err := c.storageKey(pallet, item, args...)
	if err != nil {
		return nil, err
	}
	raw, err := c.api.RPC.State.GetStorageRawLatest(key)
	if err != nil {
		return nil, fmt.Errorf("read %s.%s: %w", pallet, item, err)
	}
	if raw == nil || len(*raw) == 0 {
		return nil, nil
	}
	return *raw, nil
}

// Close drops the websocket connection.
func (c *Client) Close() {
	c.api.Client.Close()
}
