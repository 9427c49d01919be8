package nominator

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/canopy-network/scorekeeper/pkg/chaindata"
	"github.com/canopy-network/scorekeeper/pkg/config"
	"github.com/canopy-network/scorekeeper/pkg/db/memory"
	"github.com/canopy-network/scorekeeper/pkg/nominator/nominatortest"
)

type fakeChain struct {
	era    uint32
	eraErr error
	bonded *big.Int
}

func (f *fakeChain) ActiveEra(context.Context) (uint32, error) { return f.era, f.eraErr }

func (f *fakeChain) Bonded(context.Context, string) (*big.Int, error) {
	if f.bonded == nil {
		return nil, errors.New("not bonded")
	}
	return f.bonded, nil
}

var finalized = chaindata.TxResult{Success: true, BlockHash: "0xfeed", BlockNumber: 100}

func TestModes(t *testing.T) {
	logger := zaptest.NewLogger(t)
	signer := nominatortest.NewMockSigner("SIGNER")

	direct := New(config.NominatorConfig{Seed: "//A"}, signer, &fakeChain{}, memory.New(), logger)
	assert.Equal(t, Direct, direct.Mode())
	assert.Equal(t, "SIGNER", direct.BondedAddress())

	proxy := New(config.NominatorConfig{Seed: "//A", IsProxy: true, ProxyFor: "STASH"}, signer, &fakeChain{}, memory.New(), logger)
	assert.Equal(t, Proxy, proxy.Mode())
	assert.Equal(t, "STASH", proxy.BondedAddress())
	assert.Equal(t, "SIGNER", proxy.Address())

	delayed := New(config.NominatorConfig{Seed: "//A", IsProxy: true, ProxyFor: "STASH", ProxyDelay: 10850}, signer, &fakeChain{}, memory.New(), logger)
	assert.Equal(t, Delayed, delayed.Mode())
}

func TestNominateDirectRecordsNomination(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	signer := nominatortest.NewMockSigner("SIGNER")
	signer.On("Nominate", mock.Anything, []string{"V1", "V2"}).Return(finalized, nil).Once()

	n := New(config.NominatorConfig{Seed: "//A"}, signer, &fakeChain{era: 42, bonded: big.NewInt(7)}, store, zaptest.NewLogger(t))
	res, err := n.Nominate(ctx, []string{"V1", "V2"})
	require.NoError(t, err)
	require.Equal(t, Direct, res.Mode)
	require.Equal(t, []string{"V1", "V2"}, n.CurrentlyNominating())

	noms := store.Nominations()
	require.Len(t, noms, 1)
	require.Equal(t, uint32(42), noms[0].Era)
	require.Equal(t, "7", noms[0].Bonded.String())
	require.Equal(t, "0xfeed", noms[0].BlockHash)
	signer.AssertExpectations(t)
}

func TestNominateDelayedRecordsDelayedTx(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	signer := nominatortest.NewMockSigner("SIGNER")
	signer.On("Announce", mock.Anything, "STASH", []string{"V1"}).Return("0xabc", finalized, nil).Once()

	n := New(config.NominatorConfig{Seed: "//A", IsProxy: true, ProxyFor: "STASH", ProxyDelay: 10850}, signer, &fakeChain{era: 42}, store, zaptest.NewLogger(t))
	res, err := n.Nominate(ctx, []string{"V1"})
	require.NoError(t, err)
	require.Equal(t, "0xabc", res.CallHash)

	txs, err := store.AllDelayedTxs(ctx)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	require.Equal(t, "STASH", txs[0].Controller)
	require.Equal(t, uint64(100), txs[0].Number)
	require.Equal(t, uint32(42), txs[0].Era)
	require.Empty(t, store.Nominations())
	// announced targets are not nominated until executed
	require.Empty(t, n.CurrentlyNominating())
}

func TestNominateFailures(t *testing.T) {
	ctx := context.Background()
	signer := nominatortest.NewMockSigner("SIGNER")
	n := New(config.NominatorConfig{Seed: "//A"}, signer, &fakeChain{era: 1}, memory.New(), zaptest.NewLogger(t))

	_, err := n.Nominate(ctx, nil)
	require.ErrorIs(t, err, ErrNoTargets)

	signer.On("Nominate", mock.Anything, []string{"V1"}).Return(chaindata.TxResult{}, nil).Once()
	_, err = n.Nominate(ctx, []string{"V1"})
	require.ErrorIs(t, err, ErrNotDispatched)

	broken := New(config.NominatorConfig{Seed: "//A"}, signer, &fakeChain{eraErr: errors.New("rpc down")}, memory.New(), zaptest.NewLogger(t))
	_, err = broken.Nominate(ctx, []string{"V1"})
	require.ErrorContains(t, err, "rpc down")
}

func TestGroupsFindByController(t *testing.T) {
	logger := zaptest.NewLogger(t)
	a := New(config.NominatorConfig{Seed: "//A", IsProxy: true, ProxyFor: "STASH_A", ProxyDelay: 1}, nominatortest.NewMockSigner("PA"), &fakeChain{}, memory.New(), logger)
	b := New(config.NominatorConfig{Seed: "//B"}, nominatortest.NewMockSigner("B"), &fakeChain{}, memory.New(), logger)

	groups := NewGroups([][]*Nominator{{a}, {b}})
	require.Equal(t, 2, groups.Len())
	require.Same(t, a, groups.FindByController("STASH_A"))
	require.Same(t, b, groups.FindByController("B"))
	require.Nil(t, groups.FindByController("PA"))
	require.Equal(t, []*Nominator{a}, groups.Proxies())
}
