package round

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/canopy-network/scorekeeper/pkg/chaindata"
	"github.com/canopy-network/scorekeeper/pkg/config"
	"github.com/canopy-network/scorekeeper/pkg/constraints"
	"github.com/canopy-network/scorekeeper/pkg/db/memory"
	"github.com/canopy-network/scorekeeper/pkg/db/models"
	"github.com/canopy-network/scorekeeper/pkg/faults"
	"github.com/canopy-network/scorekeeper/pkg/nominator"
	"github.com/canopy-network/scorekeeper/pkg/nominator/nominatortest"
)

var finalized = chaindata.TxResult{Success: true, BlockHash: "0xfeed", BlockNumber: 500}

type fakeChain struct {
	mu          sync.Mutex
	era         uint32
	eraErr      error
	nominations map[string]*chaindata.Nominations
}

func (f *fakeChain) ActiveEra(context.Context) (uint32, error) { return f.era, f.eraErr }

func (f *fakeChain) Nominations(_ context.Context, stash string) (*chaindata.Nominations, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nominations[stash], nil
}

func (f *fakeChain) Bonded(context.Context, string) (*big.Int, error) { return big.NewInt(1), nil }

type recorder struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recorder) Notify(_ context.Context, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func addCandidate(t *testing.T, store *memory.Store, stash string, rank int64, valid bool) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.UpsertCandidate(ctx, models.Candidate{Stash: stash, Name: "node-" + stash, Rank: rank}))
	for _, rule := range models.AllInvalidityTypes() {
		require.NoError(t, store.SetInvalidity(ctx, stash, models.InvalidityReason{Type: rule, Valid: true}))
	}
	if !valid {
		require.NoError(t, store.SetInvalidity(ctx, stash, models.InvalidityReason{Type: models.InvalidityCommission, Details: "too high"}))
	}
}

type fixture struct {
	store   *memory.Store
	chain   *fakeChain
	notes   *recorder
	signers []*nominatortest.MockSigner
	machine *Machine
}

// newFixture builds one group per entry of groupSizes, all direct nominators.
func newFixture(t *testing.T, opts Options, groupSizes ...int) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	f := &fixture{
		store: memory.New(),
		chain: &fakeChain{era: 100, nominations: map[string]*chaindata.Nominations{}},
		notes: &recorder{},
	}
	var groups [][]*nominator.Nominator
	for gi, size := range groupSizes {
		var group []*nominator.Nominator
		for i := 0; i < size; i++ {
			signer := nominatortest.NewMockSigner(string(rune('P'+gi)) + string(rune('0'+i)))
			f.signers = append(f.signers, signer)
			group = append(group, nominator.New(config.NominatorConfig{Seed: "//seed"}, signer, f.chain, f.store, logger))
		}
		groups = append(groups, group)
	}
	rank := faults.NewRank(f.store, f.notes, logger)
	f.machine = New(opts, nominator.NewGroups(groups), constraints.NewValiditySet(), f.chain, f.store, rank, f.notes, logger)
	return f
}

func polkadot() Options {
	return Options{Network: config.Polkadot, Nominating: true, MaxNominations: 2}
}

func TestIsDue(t *testing.T) {
	dot := &Machine{opts: Options{Network: config.Polkadot}}
	assert.True(t, dot.IsDue(100, 96))
	assert.True(t, dot.IsDue(100, 99))
	assert.False(t, dot.IsDue(100, 100))

	ksm := &Machine{opts: Options{Network: config.Kusama}}
	assert.True(t, ksm.IsDue(100, 96), "exactly at the buffer is due")
	assert.False(t, ksm.IsDue(100, 97))
	assert.False(t, ksm.IsDue(96, 100))

	assert.EqualValues(t, 1, EraBuffer(config.Polkadot))
	assert.EqualValues(t, 4, EraBuffer(config.Kusama))
}

func TestTickAbortsOnEraReadFailure(t *testing.T) {
	f := newFixture(t, polkadot(), 1)
	f.chain.eraErr = errors.New("node unavailable")

	phase, err := f.machine.Tick(context.Background())
	require.Error(t, err)
	require.Equal(t, PhaseIdle, phase)
	last, err := f.store.LastNominatedEraIndex(context.Background())
	require.NoError(t, err)
	require.Zero(t, last)
	f.signers[0].AssertNotCalled(t, "Nominate", mock.Anything, mock.Anything)
}

func TestTickIdleWhenNotDue(t *testing.T) {
	f := newFixture(t, polkadot(), 1)
	require.NoError(t, f.store.SetLastNominatedEraIndex(context.Background(), 100))

	phase, err := f.machine.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, PhaseIdle, phase)
}

func TestTickIdleWithoutGroupsOrNominating(t *testing.T) {
	f := newFixture(t, polkadot())
	phase, err := f.machine.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, PhaseIdle, phase)

	opts := polkadot()
	opts.Nominating = false
	f = newFixture(t, opts, 1)
	phase, err = f.machine.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, PhaseIdle, phase)
}

func TestTickStartsRound(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, polkadot(), 2)
	addCandidate(t, f.store, "A", 5, true)
	addCandidate(t, f.store, "B", 9, true)
	addCandidate(t, f.store, "C", 1, true)
	addCandidate(t, f.store, "D", 50, false)

	f.signers[0].On("Nominate", mock.Anything, []string{"B", "A"}).Return(finalized, nil).Once()
	f.signers[1].On("Nominate", mock.Anything, []string{"C"}).Return(finalized, nil).Once()

	phase, err := f.machine.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, PhaseStart, phase)

	last, err := f.store.LastNominatedEraIndex(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 100, last)
	require.Len(t, f.store.Nominations(), 2)
	for _, s := range f.signers {
		s.AssertExpectations(t)
	}
}

func TestEachGroupStartsFromTop(t *testing.T) {
	f := newFixture(t, polkadot(), 1, 1)
	addCandidate(t, f.store, "A", 5, true)
	addCandidate(t, f.store, "B", 9, true)
	addCandidate(t, f.store, "C", 1, true)

	f.signers[0].On("Nominate", mock.Anything, []string{"B", "A"}).Return(finalized, nil).Once()
	f.signers[1].On("Nominate", mock.Anything, []string{"B", "A"}).Return(finalized, nil).Once()

	require.NoError(t, f.machine.StartRound(context.Background(), 100))
	for _, s := range f.signers {
		s.AssertExpectations(t)
	}
}

func TestFailedNominatorDoesNotAbortRound(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, polkadot(), 2)
	addCandidate(t, f.store, "A", 5, true)
	addCandidate(t, f.store, "B", 9, true)
	addCandidate(t, f.store, "C", 1, true)

	f.signers[0].On("Nominate", mock.Anything, []string{"B", "A"}).Return(chaindata.TxResult{}, errors.New("pool full")).Once()
	f.signers[1].On("Nominate", mock.Anything, []string{"C"}).Return(finalized, nil).Once()

	require.NoError(t, f.machine.StartRound(ctx, 100))
	last, err := f.store.LastNominatedEraIndex(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 100, last)
}

func TestNoValidCandidatesLeavesEra(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, polkadot(), 1)
	addCandidate(t, f.store, "A", 5, false)

	require.NoError(t, f.machine.StartRound(ctx, 100))
	last, err := f.store.LastNominatedEraIndex(ctx)
	require.NoError(t, err)
	require.Zero(t, last)
	f.signers[0].AssertNotCalled(t, "Nominate", mock.Anything, mock.Anything)
}

func TestTickEndsThenStartsRound(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, polkadot(), 1)
	addCandidate(t, f.store, "A", 12, true)
	addCandidate(t, f.store, "B", 12, false)
	require.NoError(t, f.store.SetLastNominatedEraIndex(ctx, 99))
	f.chain.nominations[f.signers[0].Addr] = &chaindata.Nominations{Targets: []string{"A", "B"}, SubmittedIn: 99}

	f.signers[0].On("Nominate", mock.Anything, []string{"A"}).Return(finalized, nil).Once()

	phase, err := f.machine.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, PhaseEndThenStart, phase)

	a, err := f.store.GetCandidate(ctx, "A")
	require.NoError(t, err)
	require.EqualValues(t, 13, a.Rank)
	b, err := f.store.GetCandidate(ctx, "B")
	require.NoError(t, err)
	require.EqualValues(t, 10, b.Rank)
	require.EqualValues(t, 1, b.Faults)

	require.Contains(t, f.notes.msgs, "node-A did GOOD! Adding a point. New rank: 13")
	require.Contains(t, f.notes.msgs, "node-B docked points. New rank: 10")
	f.signers[0].AssertExpectations(t)
}

type blockingRanker struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingRanker) AddPoint(context.Context, *models.Candidate) error {
	close(b.entered)
	<-b.release
	return nil
}

func (b *blockingRanker) DockPoints(context.Context, *models.Candidate) error { return nil }

func TestTickIsNoOpWhileEnding(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, polkadot(), 1)
	addCandidate(t, f.store, "A", 1, true)
	ranker := &blockingRanker{entered: make(chan struct{}), release: make(chan struct{})}
	f.machine.rank = ranker

	done := make(chan error, 1)
	go func() { done <- f.machine.EndRound(ctx, []string{"A"}) }()
	<-ranker.entered

	require.True(t, f.machine.Ending())
	phase, err := f.machine.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, PhaseIdle, phase)
	require.ErrorIs(t, f.machine.EndRound(ctx, []string{"A"}), ErrRoundEnding)

	close(ranker.release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("EndRound did not finish")
	}
	require.False(t, f.machine.Ending())
	f.signers[0].AssertNotCalled(t, "Nominate", mock.Anything, mock.Anything)
}

func TestTickHoldsEndingThroughRestart(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, polkadot(), 1)
	addCandidate(t, f.store, "A", 12, true)
	require.NoError(t, f.store.SetLastNominatedEraIndex(ctx, 99))
	f.chain.nominations[f.signers[0].Addr] = &chaindata.Nominations{Targets: []string{"A"}, SubmittedIn: 99}

	var (
		endingDuringStart bool
		nestedPhase       Phase
		nestedErr         error
	)
	f.signers[0].On("Nominate", mock.Anything, []string{"A"}).Return(finalized, nil).Run(func(mock.Arguments) {
		endingDuringStart = f.machine.Ending()
		nestedPhase, nestedErr = f.machine.Tick(ctx)
	}).Once()

	phase, err := f.machine.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, PhaseEndThenStart, phase)
	require.True(t, endingDuringStart)
	require.NoError(t, nestedErr)
	require.Equal(t, PhaseIdle, nestedPhase)
	require.False(t, f.machine.Ending())

	a, err := f.store.GetCandidate(ctx, "A")
	require.NoError(t, err)
	require.EqualValues(t, 13, a.Rank)
	f.signers[0].AssertNumberOfCalls(t, "Nominate", 1)
}
