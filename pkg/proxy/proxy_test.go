package proxy

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/canopy-network/scorekeeper/pkg/chaindata"
	"github.com/canopy-network/scorekeeper/pkg/config"
	"github.com/canopy-network/scorekeeper/pkg/db/memory"
	"github.com/canopy-network/scorekeeper/pkg/db/models"
	"github.com/canopy-network/scorekeeper/pkg/nominator"
	"github.com/canopy-network/scorekeeper/pkg/nominator/nominatortest"
)

const (
	delegate = "DELEGATE"
	stash    = "STASH"
)

var finalized = chaindata.TxResult{Success: true, BlockHash: "0xfeed", BlockNumber: 20000}

type fakeChain struct {
	mu            sync.Mutex
	era           uint32
	block         uint64
	commissions   map[string]uint64
	commErr       error
	announcements map[string][]chaindata.Announcement
	nominations   map[string]*chaindata.Nominations
}

func (f *fakeChain) ActiveEra(context.Context) (uint32, error)  { return f.era, nil }
func (f *fakeChain) CurrentEra(context.Context) (uint32, error) { return f.era, nil }

func (f *fakeChain) LatestBlock(context.Context) (chaindata.Block, error) {
	return chaindata.Block{Number: f.block, Hash: "0xhead"}, nil
}

func (f *fakeChain) Commission(_ context.Context, stash string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.commissions[stash], f.commErr
}

func (f *fakeChain) ProxyAnnouncements(_ context.Context, delegate string) ([]chaindata.Announcement, error) {
	return f.announcements[delegate], nil
}

func (f *fakeChain) Nominations(_ context.Context, stash string) (*chaindata.Nominations, error) {
	return f.nominations[stash], nil
}

func (f *fakeChain) Bonded(context.Context, string) (*big.Int, error) { return big.NewInt(42), nil }

type recorder struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recorder) Notify(_ context.Context, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

type fixture struct {
	chain    *fakeChain
	store    *memory.Store
	signer   *nominatortest.MockSigner
	notes    *recorder
	pipeline *Pipeline
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := zaptest.NewLogger(t)
	f := &fixture{
		chain: &fakeChain{
			era:           12,
			block:         20000,
			commissions:   map[string]uint64{"A": 10_000_000, "B": 10_000_000},
			announcements: map[string][]chaindata.Announcement{},
			nominations:   map[string]*chaindata.Nominations{},
		},
		store:  memory.New(),
		signer: nominatortest.NewMockSigner(delegate),
		notes:  &recorder{},
	}
	require.NoError(t, f.store.UpsertCandidate(ctx, models.Candidate{Stash: "A", Name: "node-A"}))
	require.NoError(t, f.store.UpsertCandidate(ctx, models.Candidate{Stash: "B", Name: "node-B"}))

	n := nominator.New(config.NominatorConfig{Seed: "//seed", IsProxy: true, ProxyFor: stash, ProxyDelay: config.TimeDelayBlocks}, f.signer, f.chain, f.store, logger)
	groups := nominator.NewGroups([][]*nominator.Nominator{{n}})
	f.pipeline = New(Options{
		Network:                  config.Polkadot,
		MaxCommission:            config.DefaultMaxCommission,
		TimeDelayBlocks:          config.TimeDelayBlocks,
		BlacklistedAnnouncements: []string{"0xBAD"},
	}, groups, f.chain, f.store, f.notes, nil, nil, logger)
	return f
}

func (f *fixture) announce(t *testing.T, number uint64, targets ...string) models.DelayedTx {
	t.Helper()
	tx := models.DelayedTx{Number: number, Controller: stash, Targets: targets, CallHash: "0xabc", Era: 10}
	require.NoError(t, f.store.AddDelayedTx(context.Background(), tx))
	return tx
}

func pending(t *testing.T, store *memory.Store) []models.DelayedTx {
	t.Helper()
	txs, err := store.AllDelayedTxs(context.Background())
	require.NoError(t, err)
	return txs
}

func TestExecuteSweepExecutesOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.announce(t, f.chain.block-config.TimeDelayBlocks, "A", "B")
	f.signer.On("ExecuteAnnounced", mock.Anything, stash, []string{"A", "B"}).Return(finalized, nil).Once()

	res, err := f.pipeline.ExecuteSweep(ctx)
	require.NoError(t, err)
	require.Equal(t, ExecuteResult{Executed: 1}, res)
	require.Empty(t, pending(t, f.store))

	noms := f.store.Nominations()
	require.Len(t, noms, 1)
	require.Equal(t, stash, noms[0].Address)
	require.EqualValues(t, 12, noms[0].Era)
	require.Equal(t, "0xfeed", noms[0].BlockHash)
	require.Equal(t, "42", noms[0].Bonded.String())

	require.Equal(t, []string{
		"STASH executed announcement in finalized block #0xfeed announced at block #9150\n- node-A (A)\n- node-B (B)",
	}, f.notes.msgs)

	res, err = f.pipeline.ExecuteSweep(ctx)
	require.NoError(t, err)
	require.Equal(t, ExecuteResult{}, res)
	f.signer.AssertNumberOfCalls(t, "ExecuteAnnounced", 1)
}

func TestExecuteSweepWaitsForDelay(t *testing.T) {
	f := newFixture(t)
	f.announce(t, f.chain.block-config.TimeDelayBlocks+1, "A")

	res, err := f.pipeline.ExecuteSweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, ExecuteResult{Waiting: 1}, res)
	require.Len(t, pending(t, f.store), 1)
	f.signer.AssertNotCalled(t, "ExecuteAnnounced", mock.Anything, mock.Anything, mock.Anything)
}

func TestExecuteSweepCancelsWhenCommissionRose(t *testing.T) {
	f := newFixture(t)
	f.announce(t, 100, "A", "B")
	f.chain.commissions["B"] = 100_000_000
	f.chain.announcements[delegate] = []chaindata.Announcement{{Real: stash, CallHash: "0xabc", Height: 100}}
	f.signer.On("RemoveAnnouncement", mock.Anything, stash, "0xabc").Return(finalized, nil).Once()

	res, err := f.pipeline.ExecuteSweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, ExecuteResult{Cancelled: 1}, res)
	require.Empty(t, pending(t, f.store))
	require.Empty(t, f.store.Nominations())
	require.Len(t, f.notes.msgs, 1)
	require.Contains(t, f.notes.msgs[0], "node-B")
	f.signer.AssertNotCalled(t, "ExecuteAnnounced", mock.Anything, mock.Anything, mock.Anything)
	f.signer.AssertExpectations(t)
}

func TestExecuteSweepDropsEntryWithoutOnChainAnnouncement(t *testing.T) {
	f := newFixture(t)
	f.announce(t, 100, "B")
	f.chain.commissions["B"] = 100_000_000

	res, err := f.pipeline.ExecuteSweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Cancelled)
	require.Empty(t, pending(t, f.store))
	f.signer.AssertNotCalled(t, "RemoveAnnouncement", mock.Anything, mock.Anything, mock.Anything)
}

func TestExecuteSweepSkipsOnCommissionReadError(t *testing.T) {
	f := newFixture(t)
	f.announce(t, 100, "A")
	f.chain.commErr = errors.New("rpc timeout")

	res, err := f.pipeline.ExecuteSweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, ExecuteResult{Skipped: 1}, res)
	require.Len(t, pending(t, f.store), 1)
}

func TestExecuteSweepKeepsEntryWhenExecutionFails(t *testing.T) {
	f := newFixture(t)
	f.announce(t, 100, "A")
	f.signer.On("ExecuteAnnounced", mock.Anything, stash, []string{"A"}).Return(chaindata.TxResult{}, errors.New("invalid transaction")).Once()

	res, err := f.pipeline.ExecuteSweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, ExecuteResult{Skipped: 1}, res)
	require.Len(t, pending(t, f.store), 1)
}

func TestExecuteSweepKeepsEntryWhenDispatchFails(t *testing.T) {
	f := newFixture(t)
	f.announce(t, 100, "A")
	dispatchFailed := chaindata.TxResult{Reason: "proxied call failed", BlockHash: "0xfeed", BlockNumber: 20000}
	f.signer.On("ExecuteAnnounced", mock.Anything, stash, []string{"A"}).Return(dispatchFailed, nil).Once()

	res, err := f.pipeline.ExecuteSweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, ExecuteResult{Skipped: 1}, res)
	require.Len(t, pending(t, f.store), 1)
	require.Empty(t, f.store.Nominations())
	require.Empty(t, f.notes.msgs)
}

type completeFails struct {
	*memory.Store
}

func (completeFails) CompleteDelayedTx(context.Context, models.DelayedTx, models.Nomination) error {
	return errors.New("connection reset")
}

func TestExecuteSweepDropsEntryWhenCompletionFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.pipeline.store = completeFails{f.store}
	f.announce(t, 100, "A")
	f.signer.On("ExecuteAnnounced", mock.Anything, stash, []string{"A"}).Return(finalized, nil)

	res, err := f.pipeline.ExecuteSweep(ctx)
	require.NoError(t, err)
	require.Equal(t, ExecuteResult{Executed: 1}, res)
	require.Empty(t, pending(t, f.store))

	res, err = f.pipeline.ExecuteSweep(ctx)
	require.NoError(t, err)
	require.Equal(t, ExecuteResult{}, res)
	f.signer.AssertNumberOfCalls(t, "ExecuteAnnounced", 1)
}

func TestExecuteSweepPausesAfterEveryEntry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.pipeline.opts.ExecutionDelay = 30 * time.Millisecond
	for i, hash := range []string{"0x01", "0x02", "0x03"} {
		require.NoError(t, f.store.AddDelayedTx(ctx, models.DelayedTx{
			Number:     f.chain.block - uint64(i),
			Controller: stash,
			Targets:    []string{"A"},
			CallHash:   hash,
			Era:        12,
		}))
	}

	start := time.Now()
	res, err := f.pipeline.ExecuteSweep(ctx)
	require.NoError(t, err)
	require.Equal(t, ExecuteResult{Waiting: 3}, res)
	require.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestExecuteSweepStopsPausingWhenCancelled(t *testing.T) {
	f := newFixture(t)
	f.pipeline.opts.ExecutionDelay = time.Hour
	f.announce(t, f.chain.block, "A")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.pipeline.ExecuteSweep(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Len(t, pending(t, f.store), 1)
}

func TestCancelSweep(t *testing.T) {
	f := newFixture(t)
	tx := f.announce(t, 1, "A")
	f.chain.announcements[delegate] = []chaindata.Announcement{
		{Real: stash, CallHash: "0xbad", Height: 19990},
		{Real: stash, CallHash: tx.CallHash, Height: 1},
		{Real: stash, CallHash: "0xfresh", Height: 19000},
	}
	f.signer.On("RemoveAnnouncement", mock.Anything, stash, "0xbad").Return(finalized, nil).Once()
	f.signer.On("RemoveAnnouncement", mock.Anything, stash, tx.CallHash).Return(finalized, nil).Once()

	res, err := f.pipeline.CancelSweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, CancelResult{Blacklisted: 1, Stale: 1}, res)
	require.Empty(t, pending(t, f.store))
	f.signer.AssertExpectations(t)
	f.signer.AssertNotCalled(t, "RemoveAnnouncement", mock.Anything, stash, "0xfresh")
}

func TestStaleSweep(t *testing.T) {
	f := newFixture(t)
	f.chain.era = 13
	f.chain.nominations[stash] = &chaindata.Nominations{Targets: []string{"A", "Z"}, SubmittedIn: 10}

	report, err := f.pipeline.StaleSweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, StaleReport{UnknownTargets: 1, Stale: []string{stash}}, report)
	require.Equal(t, []string{
		"Nominator STASH is nominating Z, which is not a 1kv candidate",
		"Nominator STASH has a stale nomination. Last nomination was in era 10 (it is now era 13)",
	}, f.notes.msgs)

	f.notes.msgs = nil
	f.chain.era = 12
	f.chain.nominations[stash].Targets = []string{"A"}
	report, err = f.pipeline.StaleSweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, StaleReport{}, report)
	require.Empty(t, f.notes.msgs)
}
