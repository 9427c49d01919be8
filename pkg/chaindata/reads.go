package chaindata

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/centrifuge/go-substrate-rpc-client/v4/scale"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
)

// Block is a finalized block reference.
type Block struct {
	Number uint64
	Hash   string
}

// Identity is the on-chain identity state of an account, following a
// sub-identity to its parent when the account has none of its own.
type Identity struct {
	Set      bool
	Verified bool
}

// Announcement is a pending proxy announcement made by a delegate.
type Announcement struct {
	Real     string
	CallHash string
	Height   uint64
}

// Nominations is the current nomination of a stash.
type Nominations struct {
	Targets     []string
	SubmittedIn uint32
	Suppressed  bool
}

type activeEraInfo struct {
	Index types.U32
	Start types.OptionU64
}

type validatorPrefs struct {
	Commission types.UCompact
	Blocked    types.Bool
}

type nominations struct {
	Targets     []types.AccountID
	SubmittedIn types.U32
	Suppressed  types.Bool
}

// stakingLedgerPrefix is the leading part of Staking.Ledger; the rest is not needed.
type stakingLedgerPrefix struct {
	Stash  types.AccountID
	Total  types.UCompact
	Active types.UCompact
}

type announcement struct {
	Real     types.AccountID
	CallHash types.H256
	Height   types.U32
}

type announcements struct {
	Items   []announcement
	Deposit types.U128
}

// ActiveEra is the index of the era currently being rewarded.
func (c *Client) ActiveEra(ctx context.Context) (uint32, error) {
	var info activeEraInfo
	ok, err := c.readStorage(ctx, &info, "Staking", "ActiveEra")
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("active era: %w", ErrNotFound)
	}
	return uint32(info.Index), nil
}

// CurrentEra is the latest planned era.
func (c *Client) CurrentEra(ctx context.Context) (uint32, error) {
	var era types.U32
	ok, err := c.readStorage(ctx, &era, "Staking", "CurrentEra")
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("current era: %w", ErrNotFound)
	}
	return uint32(era), nil
}

func (c *Client) CurrentSession(ctx context.Context) (uint32, error) {
	var index types.U32
	if _, err := c.readStorage(ctx, &index, "Session", "CurrentIndex"); err != nil {
		return 0, err
	}
	return uint32(index), nil
}

// ValidatorIntentions lists every stash that has declared the intention to validate.
func (c *Client) ValidatorIntentions(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix, err := c.storageKey("Staking", "Validators")
	if err != nil {
		return nil, err
	}
	keys, err := c.api.RPC.State.GetKeysLatest(prefix)
	if err != nil {
		return nil, fmt.Errorf("read Staking.Validators keys: %w", err)
	}
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		id, err := accountFromMapKey(key)
		if err != nil {
			return nil, err
		}
		out = append(out, c.encode(id))
	}
	return out, nil
}

// accountFromMapKey takes the account id off the end of a Twox64Concat map key.
func accountFromMapKey(key types.StorageKey) (types.AccountID, error) {
	if len(key) < types.AccountIDLen {
		return types.AccountID{}, fmt.Errorf("storage key of %d bytes has no account", len(key))
	}
	id, err := types.NewAccountID(key[len(key)-types.AccountIDLen:])
	if err != nil {
		return types.AccountID{}, err
	}
	return *id, nil
}

func (c *Client) validatorPrefs(ctx context.Context, stash string) (*validatorPrefs, error) {
	pub, err := PublicKey(stash)
	if err != nil {
		return nil, err
	}
	var prefs validatorPrefs
	ok, err := c.readStorage(ctx, &prefs, "Staking", "Validators", pub)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("validator prefs of %s: %w", stash, ErrNotFound)
	}
	return &prefs, nil
}

// Commission returns the validator's commission in Perbill.
func (c *Client) Commission(ctx context.Context, stash string) (uint64, error) {
	prefs, err := c.validatorPrefs(ctx, stash)
	if err != nil {
		return 0, err
	}
	return (*big.Int)(&prefs.Commission).Uint64(), nil
}

// Blocked reports whether the validator blocks external nominations.
func (c *Client) Blocked(ctx context.Context, stash string) (bool, error) {
	prefs, err := c.validatorPrefs(ctx, stash)
	if err != nil {
		return false, err
	}
	return bool(prefs.Blocked), nil
}

// Bonded returns the active bonded amount of stash.
func (c *Client) Bonded(ctx context.Context, stash string) (*big.Int, error) {
	pub, err := PublicKey(stash)
	if err != nil {
		return nil, err
	}
	var controller types.AccountID
	ok, err := c.readStorage(ctx, &controller, "Staking", "Bonded", pub)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%s is not bonded: %w", stash, ErrNotFound)
	}

	var ledger stakingLedgerPrefix
	ok, err = c.readStorage(ctx, &ledger, "Staking", "Ledger", controller.ToBytes())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("ledger of %s: %w", stash, ErrNotFound)
	}
	return new(big.Int).Set((*big.Int)(&ledger.Active)), nil
}

// Identity checks the account's registrar judgements.
func (c *Client) Identity(ctx context.Context, stash string) (Identity, error) {
	pub, err := PublicKey(stash)
	if err != nil {
		return Identity{}, err
	}
	raw, err := c.readStorageRaw(ctx, "Identity", "IdentityOf", pub)
	if err != nil {
		return Identity{}, err
	}
	if raw == nil {
		// Sub-identities point at their parent through SuperOf.
		var parent types.AccountID
		ok, err := c.readStorage(ctx, &parent, "Identity", "SuperOf", pub)
		if err != nil {
			return Identity{}, err
		}
		if !ok {
			return Identity{}, nil
		}
		raw, err = c.readStorageRaw(ctx, "Identity", "IdentityOf", parent.ToBytes())
		if err != nil {
			return Identity{}, err
		}
		if raw == nil {
			return Identity{}, nil
		}
	}
	verified, err := decodeJudgements(raw)
	if err != nil {
		return Identity{}, fmt.Errorf("decode identity of %s: %w", stash, err)
	}
	return Identity{Set: true, Verified: verified}, nil
}

// decodeJudgements walks the judgements vector that leads an identity
// registration. Reasonable and KnownGood count as verified.
func decodeJudgements(raw []byte) (bool, error) {
	const (
		feePaid    = 1
		reasonable = 2
		knownGood  = 3
	)
	d := scale.NewDecoder(bytes.NewReader(raw))
	n, err := d.DecodeUintCompact()
	if err != nil {
		return false, err
	}
	verified := false
	for i := uint64(0); i < n.Uint64(); i++ {
		var registrar types.U32
		if err := d.Decode(&registrar); err != nil {
			return false, err
		}
		variant, err := d.ReadOneByte()
		if err != nil {
			return false, err
		}
		switch variant {
		case feePaid:
			var fee types.U128
			if err := d.Decode(&fee); err != nil {
				return false, err
			}
		case reasonable, knownGood:
			verified = true
		}
	}
	return verified, nil
}

// NextKeys returns the hex encoded BEEFY key of the validator's queued session keys.
func (c *Client) NextKeys(ctx context.Context, stash string) (string, error) {
	pub, err := PublicKey(stash)
	if err != nil {
		return "", err
	}
	raw, err := c.readStorageRaw(ctx, "Session", "NextKeys", pub)
	if err != nil {
		return "", err
	}
	if raw == nil {
		return "", fmt.Errorf("session keys of %s: %w", stash, ErrNotFound)
	}
	return beefyKey(raw)
}

// beefyKey is the trailing 33 byte ecdsa key of the session keys tuple.
func beefyKey(keys []byte) (string, error) {
	const beefyLen = 33
	if len(keys) < beefyLen {
		return "", fmt.Errorf("session keys of %d bytes carry no beefy key", len(keys))
	}
	return "0x" + hex.EncodeToString(keys[len(keys)-beefyLen:]), nil
}

// IsDummyBeefyKey reports whether key carries the placeholder prefix.
func IsDummyBeefyKey(key, dummyPrefix string) bool {
	return strings.HasPrefix(strings.ToLower(key), strings.ToLower(dummyPrefix))
}

// ProxyAnnouncements lists the pending announcements made by delegate.
func (c *Client) ProxyAnnouncements(ctx context.Context, delegate string) ([]Announcement, error) {
	pub, err := PublicKey(delegate)
	if err != nil {
		return nil, err
	}
	var anns announcements
	ok, err := c.readStorage(ctx, &anns, "Proxy", "Announcements", pub)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	out := make([]Announcement, 0, len(anns.Items))
	for _, a := range anns.Items {
		out = append(out, Announcement{
			Real:     c.encode(a.Real),
			CallHash: a.CallHash.Hex(),
			Height:   uint64(a.Height),
		})
	}
	return out, nil
}

// Nominations returns the stash's current nomination, or nil when it nominates nobody.
func (c *Client) Nominations(ctx context.Context, stash string) (*Nominations, error) {
	pub, err := PublicKey(stash)
	if err != nil {
		return nil, err
	}
	var noms nominations
	ok, err := c.readStorage(ctx, &noms, "Staking", "Nominators", pub)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	out := &Nominations{SubmittedIn: uint32(noms.SubmittedIn), Suppressed: bool(noms.Suppressed)}
	for _, t := range noms.Targets {
		out.Targets = append(out.Targets, c.encode(t))
	}
	return out, nil
}

// LatestBlock returns the latest finalized block.
func (c *Client) LatestBlock(ctx context.Context) (Block, error) {
	if err := ctx.Err(); err != nil {
		return Block{}, err
	}
	hash, err := c.api.RPC.Chain.GetFinalizedHead()
	if err != nil {
		return Block{}, fmt.Errorf("get finalized head: %w", err)
	}
	header, err := c.api.RPC.Chain.GetHeader(hash)
	if err != nil {
		return Block{}, fmt.Errorf("get header %s: %w", hash.Hex(), err)
	}
	return Block{Number: uint64(header.Number), Hash: hash.Hex()}, nil
}
