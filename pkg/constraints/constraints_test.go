package constraints

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/canopy-network/scorekeeper/pkg/chaindata"
	"github.com/canopy-network/scorekeeper/pkg/config"
	"github.com/canopy-network/scorekeeper/pkg/db/clickhouse"
	"github.com/canopy-network/scorekeeper/pkg/db/memory"
	"github.com/canopy-network/scorekeeper/pkg/db/models"
	"github.com/canopy-network/scorekeeper/pkg/remote"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeChain struct {
	mu          sync.Mutex
	era         uint32
	eraErr      error
	intentions  []string
	identities  map[string]chaindata.Identity
	commissions map[string]uint64
	commErr     error
	bonded      map[string]*big.Int
	blocked     map[string]bool
	keys        map[string]string
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		era:         50,
		identities:  map[string]chaindata.Identity{},
		commissions: map[string]uint64{},
		bonded:      map[string]*big.Int{},
		blocked:     map[string]bool{},
		keys:        map[string]string{},
	}
}

func (f *fakeChain) ActiveEra(context.Context) (uint32, error) { return f.era, f.eraErr }

func (f *fakeChain) ValidatorIntentions(context.Context) ([]string, error) {
	return f.intentions, nil
}

func (f *fakeChain) Identity(_ context.Context, stash string) (chaindata.Identity, error) {
	return f.identities[stash], nil
}

func (f *fakeChain) Commission(_ context.Context, stash string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.commissions[stash], f.commErr
}

func (f *fakeChain) Bonded(_ context.Context, stash string) (*big.Int, error) {
	b, ok := f.bonded[stash]
	if !ok {
		return nil, errors.New("no ledger")
	}
	return b, nil
}

func (f *fakeChain) Blocked(_ context.Context, stash string) (bool, error) {
	return f.blocked[stash], nil
}

func (f *fakeChain) NextKeys(_ context.Context, stash string) (string, error) {
	k, ok := f.keys[stash]
	if !ok {
		return "", chaindata.ErrNotFound
	}
	return k, nil
}

type fakeCompanion struct {
	cand remote.CompanionCandidate
	err  error
}

func (f *fakeCompanion) Candidate(context.Context, string) (remote.CompanionCandidate, error) {
	return f.cand, f.err
}

type fakeHistory struct {
	rows []clickhouse.VerdictRow
}

func (f *fakeHistory) RecordVerdicts(_ context.Context, rows []clickhouse.VerdictRow) error {
	f.rows = append(f.rows, rows...)
	return nil
}

func testOptions() Options {
	return Options{
		Network: config.Polkadot,
		Constraints: config.ConstraintsConfig{
			Commission:            config.DefaultMaxCommission,
			SelfStake:             big.NewInt(1000),
			UnclaimedEraThreshold: 4,
		},
		BlacklistedProviders: []string{"Hetzner Online GmbH"},
		Workers:              2,
	}
}

func newChecker(t *testing.T, chain Chain, store Store, companion Companion, history History) *Checker {
	t.Helper()
	c := New(testOptions(), chain, store, companion, history, nil, zaptest.NewLogger(t))
	c.Now = func() time.Time { return now }
	t.Cleanup(c.Close)
	return c
}

// goodCandidate passes every rule against goodChain.
func goodCandidate(stash, name string) models.Candidate {
	return models.Candidate{
		Stash:          stash,
		Name:           name,
		Implementation: "Parity Polkadot",
		Version:        "1.2.0-ba42b9c",
		KusamaStash:    "K" + stash,
		DiscoveredAt:   now.Add(-30 * 24 * time.Hour),
		OnlineSince:    now.Add(-time.Hour),
	}
}

func goodChain(stashes ...string) *fakeChain {
	f := newFakeChain()
	for _, s := range stashes {
		f.intentions = append(f.intentions, s)
		f.identities[s] = chaindata.Identity{Set: true, Verified: true}
		f.commissions[s] = 30_000_000
		f.bonded[s] = big.NewInt(5000)
		f.keys[s] = "0x02aabbcc"
	}
	return f
}

func seed(t *testing.T, store *memory.Store, cands ...models.Candidate) {
	t.Helper()
	for _, c := range cands {
		require.NoError(t, store.UpsertCandidate(context.Background(), c))
	}
	require.NoError(t, store.SetRelease(context.Background(), models.Release{Name: "polkadot-v1.2.0", PublishedAt: now.Add(-48 * time.Hour)}))
}

func stored(t *testing.T, store *memory.Store, stash string) *models.Candidate {
	t.Helper()
	c, err := store.GetCandidate(context.Background(), stash)
	require.NoError(t, err)
	require.NotNil(t, c)
	return c
}

func TestVerdictOverwrittenEachCycle(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	cand := goodCandidate("A", "alpha")
	seed(t, store, cand)
	chain := goodChain("A")
	chain.commissions["A"] = 100_000_000
	checker := newChecker(t, chain, store, &fakeCompanion{cand: remote.CompanionCandidate{Rank: 40}}, nil)

	v := checker.CheckCommission(ctx, &cand)
	require.Equal(t, Fail, v.Outcome)
	r, ok := stored(t, store, "A").Reason(models.InvalidityCommission)
	require.True(t, ok)
	require.False(t, r.Valid)
	require.Equal(t, "alpha commission is set higher than the maximum allowed. Set: 10% Allowed: 5%", r.Details)

	chain.commissions["A"] = 10_000_000
	v = checker.CheckCommission(ctx, &cand)
	require.True(t, v.Passed())
	got := stored(t, store, "A")
	r, ok = got.Reason(models.InvalidityCommission)
	require.True(t, ok)
	require.True(t, r.Valid)
	require.Empty(t, r.Details)
	require.Len(t, got.Invalidity, 1)
}

func TestOnlineFailsWithoutReason(t *testing.T) {
	store := memory.New()
	cand := goodCandidate("X", "xray")
	cand.OnlineSince = time.Time{}
	seed(t, store, cand)
	checker := newChecker(t, goodChain("X"), store, nil, nil)

	v := checker.CheckOnline(context.Background(), &cand)
	require.Equal(t, Fail, v.Outcome)
	require.Empty(t, v.Reason)
	r, _ := stored(t, store, "X").Reason(models.InvalidityOnline)
	require.False(t, r.Valid)
	require.NotContains(t, r.Details, "does not have")
}

func TestIdentityReasons(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	cand := goodCandidate("X", "xray")
	seed(t, store, cand)
	chain := goodChain("X")
	checker := newChecker(t, chain, store, nil, nil)

	chain.identities["X"] = chaindata.Identity{}
	require.Equal(t, "xray does not have an identity set.", checker.CheckIdentity(ctx, &cand).Reason)

	chain.identities["X"] = chaindata.Identity{Set: true}
	require.Equal(t, "xray has an identity but is not verified by the registrar.", checker.CheckIdentity(ctx, &cand).Reason)

	chain.identities["X"] = chaindata.Identity{Set: true, Verified: true}
	require.True(t, checker.CheckIdentity(ctx, &cand).Passed())
}

func TestUnclaimedThreshold(t *testing.T) {
	store := memory.New()
	cand := goodCandidate("A", "alpha")
	cand.UnclaimedEras = []uint32{44, 45}
	seed(t, store, cand)
	chain := goodChain("A")
	chain.era = 50
	checker := newChecker(t, chain, store, nil, nil)

	v := checker.CheckUnclaimed(context.Background(), &cand)
	require.Equal(t, Fail, v.Outcome)
	require.Equal(t, "alpha has unclaimed eras: 44,45 prior to era: 46", v.Reason)

	cand.UnclaimedEras = []uint32{46, 49}
	require.True(t, checker.CheckUnclaimed(context.Background(), &cand).Passed())
}

func TestUnclaimedEraReadFailureIsIndeterminate(t *testing.T) {
	store := memory.New()
	cand := goodCandidate("A", "alpha")
	seed(t, store, cand)
	chain := goodChain("A")
	chain.eraErr = errors.New("node down")
	checker := newChecker(t, chain, store, nil, nil)

	v := checker.CheckUnclaimed(context.Background(), &cand)
	require.Equal(t, Indeterminate, v.Outcome)
	require.ErrorIs(t, v.Err, chain.eraErr)
	_, ok := stored(t, store, "A").Reason(models.InvalidityUnclaimedRewards)
	require.False(t, ok, "indeterminate verdicts are not persisted")
}

func TestOfflineAccumulated(t *testing.T) {
	cand := goodCandidate("A", "alpha")
	cand.OfflineAccumulated = 4 * time.Hour
	v := offlineVerdict(&cand)
	require.Equal(t, Fail, v.Outcome)
	require.Equal(t, "alpha has been offline 240 minutes this week.", v.Reason)

	cand.OfflineAccumulated = time.Hour
	require.True(t, offlineVerdict(&cand).Passed())
}

func TestConnectionTime(t *testing.T) {
	checker := newChecker(t, goodChain(), memory.New(), nil, nil)
	cand := goodCandidate("A", "alpha")
	cand.DiscoveredAt = now.Add(-6 * 24 * time.Hour)
	require.Equal(t, Fail, checker.connectionTimeVerdict(&cand).Outcome)

	checker.opts.Constraints.SkipConnectionTime = true
	require.True(t, checker.connectionTimeVerdict(&cand).Passed())
}

func TestSelfStake(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	cand := goodCandidate("A", "alpha")
	seed(t, store, cand)
	chain := goodChain("A")
	checker := newChecker(t, chain, store, nil, nil)

	chain.bonded["A"] = big.NewInt(999)
	require.Equal(t, "alpha has less than the minimum amount bonded: 999 is bonded.", checker.CheckSelfStake(ctx, &cand).Reason)

	delete(chain.bonded, "A")
	v := checker.CheckSelfStake(ctx, &cand)
	require.Equal(t, Fail, v.Outcome)
	require.Equal(t, "alpha no ledger", v.Reason)

	cand.SkipSelfStake = true
	require.True(t, checker.CheckSelfStake(ctx, &cand).Passed())
}

func TestProvider(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	cand := goodCandidate("A", "alpha")
	seed(t, store, cand)
	checker := newChecker(t, goodChain("A"), store, nil, nil)

	require.True(t, checker.CheckProvider(ctx, &cand).Passed(), "no location passes")

	require.NoError(t, store.SetLocation(ctx, models.Location{Name: "alpha", Provider: "Hetzner Online GmbH"}))
	v := checker.CheckProvider(ctx, &cand)
	require.Equal(t, Fail, v.Outcome)
	require.Equal(t, "alpha has banned infrastructure provider: Hetzner Online GmbH", v.Reason)
}

func TestKusamaRank(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	cand := goodCandidate("A", "alpha")
	seed(t, store, cand)
	companion := &fakeCompanion{cand: remote.CompanionCandidate{Rank: 10}}
	checker := newChecker(t, goodChain("A"), store, companion, nil)

	v := checker.CheckKusamaRank(ctx, &cand)
	require.Equal(t, "alpha has a Kusama stash with lower than 25 rank in the Kusama OTV programme: 10.", v.Reason)

	companion.cand = remote.CompanionCandidate{Rank: 40, InvalidityReasons: "offline"}
	require.Equal(t, "alpha has a kusama node that is invalid: offline", checker.CheckKusamaRank(ctx, &cand).Reason)

	companion.err = errors.New("timeout")
	require.Equal(t, Indeterminate, checker.CheckKusamaRank(ctx, &cand).Outcome)

	companion.err = nil
	companion.cand = remote.CompanionCandidate{Rank: 40}
	require.True(t, checker.CheckKusamaRank(ctx, &cand).Passed())

	cand.SkipSelfStake = true
	cand.KusamaStash = ""
	require.True(t, checker.CheckKusamaRank(ctx, &cand).Passed())
}

func TestBeefyKeys(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	cand := goodCandidate("A", "alpha")
	seed(t, store, cand)
	chain := goodChain("A")
	checker := newChecker(t, chain, store, nil, nil)

	chain.keys["A"] = config.BeefyDummyPrefix + "00000000"
	require.Equal(t, "alpha has not set beefy keys", checker.CheckBeefyKeys(ctx, &cand).Reason)

	delete(chain.keys, "A")
	require.Equal(t, Fail, checker.CheckBeefyKeys(ctx, &cand).Outcome)
}

func TestClientVersion(t *testing.T) {
	checker := newChecker(t, goodChain(), memory.New(), nil, nil)
	release := &models.Release{Name: "polkadot-v1.3.0", PublishedAt: now.Add(-20 * time.Hour)}
	cand := goodCandidate("A", "alpha")

	v := checker.clientVersionVerdict(&cand, release)
	require.Equal(t, Fail, v.Outcome)
	require.Equal(t, "alpha is not running the latest client code.", v.Reason)

	cand.Version = "1.3.1-deadbeef"
	require.True(t, checker.clientVersionVerdict(&cand, release).Passed())

	cand.Version = "1.2.0"
	cand.Implementation = config.ExemptImplementation
	require.True(t, checker.clientVersionVerdict(&cand, release).Passed())

	cand.Implementation = "Parity Polkadot"
	checker.opts.Constraints.ForceClientVersion = "1.1.0"
	require.True(t, checker.clientVersionVerdict(&cand, release).Passed())
}

// Inside the sixteen hour grace window an out of date candidate is neither
// passed nor failed. The stored verdict is left as it was.
func TestClientVersionGraceWindowIsUndecided(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	cand := goodCandidate("A", "alpha")
	cand.Version = "0.9.0"
	require.NoError(t, store.UpsertCandidate(ctx, cand))
	require.NoError(t, store.SetRelease(ctx, models.Release{Name: "v1.3.0", PublishedAt: now.Add(-2 * time.Hour)}))
	checker := newChecker(t, goodChain("A"), store, nil, nil)

	v := checker.CheckLatestClientVersion(ctx, &cand)
	require.Equal(t, Indeterminate, v.Outcome)
	require.False(t, v.Passed())
	_, ok := stored(t, store, "A").Reason(models.InvalidityClientUpgrade)
	require.False(t, ok)

	checker.Now = func() time.Time { return now.Add(15 * time.Hour) }
	require.Equal(t, Fail, checker.CheckLatestClientVersion(ctx, &cand).Outcome)
}

func TestCoerceVersion(t *testing.T) {
	for in, want := range map[string]string{
		"polkadot-v1.2":                  "1.2.0",
		"1.2.0-ba42b9c-x86_64-linux-gnu": "1.2.0",
		"v0.9.43":                        "0.9.43",
		"polkadot-stable2409":            "2409.0.0",
	} {
		v, err := coerceVersion(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, v.String(), in)
	}
	_, err := coerceVersion("unknown")
	require.Error(t, err)
}

func TestValiditySetIsValid(t *testing.T) {
	set := NewValiditySet()
	a := models.Candidate{Stash: "A"}
	b := models.Candidate{Stash: "B"}
	for _, rule := range models.AllInvalidityTypes() {
		a.SetReason(models.InvalidityReason{Type: rule, Valid: true})
		b.SetReason(models.InvalidityReason{Type: rule, Valid: true})
	}
	require.True(t, set.IsValid(&a))
	require.True(t, set.IsValid(&b))

	a.SetReason(models.InvalidityReason{Type: models.InvalidityBlocked, Valid: false, Details: "blocked"})
	require.False(t, set.IsValid(&a))
	require.Equal(t, []models.InvalidityType{models.InvalidityBlocked}, set.Failing(&a))
	require.True(t, set.IsValid(&b))

	valid := set.Filter([]models.Candidate{a, b})
	require.Len(t, valid, 1)
	require.Equal(t, "B", valid[0].Stash)
}

func TestValiditySetMissingVerdictFails(t *testing.T) {
	c := models.Candidate{Stash: "A"}
	c.SetReason(models.InvalidityReason{Type: models.InvalidityOnline, Valid: true})
	require.False(t, NewValiditySet().IsValid(&c))
	require.True(t, NewValiditySet(models.InvalidityOnline).IsValid(&c))
}

func TestRunValiditySweep(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	good := goodCandidate("A", "alpha")
	bad := goodCandidate("B", "bravo")
	seed(t, store, good, bad)
	chain := goodChain("A", "B")
	chain.blocked["B"] = true
	history := &fakeHistory{}
	checker := newChecker(t, chain, store, &fakeCompanion{cand: remote.CompanionCandidate{Rank: 40}}, history)

	set := NewValiditySet()
	res, err := checker.RunValiditySweep(ctx, set)
	require.NoError(t, err)
	require.Equal(t, SweepResult{Candidates: 2, Valid: 1}, res)
	require.Len(t, history.rows, 2*len(models.AllInvalidityTypes()))

	require.True(t, set.IsValid(stored(t, store, "A")))
	require.Equal(t, []models.InvalidityType{models.InvalidityBlocked}, set.Failing(stored(t, store, "B")))

	chain.blocked["B"] = false
	res, err = checker.RunValiditySweep(ctx, set)
	require.NoError(t, err)
	require.Equal(t, 2, res.Valid)
	r, _ := stored(t, store, "B").Reason(models.InvalidityBlocked)
	require.True(t, r.Valid)
	require.Empty(t, r.Details)
}

func TestCheckAllValidateIntentions(t *testing.T) {
	store := memory.New()
	a := goodCandidate("A", "alpha")
	b := goodCandidate("B", "bravo")
	seed(t, store, a, b)
	checker := newChecker(t, goodChain("A"), store, nil, nil)

	verdicts := checker.CheckAllValidateIntentions(context.Background(), []*models.Candidate{&a, &b})
	require.Len(t, verdicts, 2)
	require.True(t, verdicts[0].Passed())
	require.Equal(t, "bravo does not have a validate intention.", verdicts[1].Reason)
}

func TestCheckValidateIntention(t *testing.T) {
	store := memory.New()
	a := goodCandidate("A", "alpha")
	seed(t, store, a)
	chain := goodChain("A")
	checker := newChecker(t, chain, store, nil, nil)

	require.True(t, checker.CheckValidateIntention(context.Background(), &a).Passed())

	chain.intentions = nil
	v := checker.CheckValidateIntention(context.Background(), &a)
	require.Equal(t, Fail, v.Outcome)
	r, ok := stored(t, store, "A").Reason(models.InvalidityValidateIntention)
	require.True(t, ok)
	require.False(t, r.Valid)
	require.Equal(t, "alpha does not have a validate intention.", r.Details)
}

func TestCheckCandidateRunsEveryRule(t *testing.T) {
	store := memory.New()
	a := goodCandidate("A", "alpha")
	seed(t, store, a)
	checker := newChecker(t, goodChain("A"), store, &fakeCompanion{cand: remote.CompanionCandidate{Rank: 40}}, nil)

	verdicts := checker.CheckCandidate(context.Background(), &a)
	require.Len(t, verdicts, len(models.AllInvalidityTypes()))
	for _, v := range verdicts {
		assert.True(t, v.Passed(), "%s: %s", v.Rule, v.Reason)
	}
	require.True(t, NewValiditySet().IsValid(stored(t, store, "A")))
}
