package constraints

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/canopy-network/scorekeeper/pkg/chaindata"
	"github.com/canopy-network/scorekeeper/pkg/config"
	"github.com/canopy-network/scorekeeper/pkg/db/models"
	"github.com/canopy-network/scorekeeper/pkg/utils"
)

const (
	// maxOfflineShare of a week a candidate may have been offline.
	maxOfflineShare = 0.02
	// minCompanionRank is the lowest acceptable rank in the companion programme.
	minCompanionRank = 25
)

var errNoRelease = errors.New("no client release recorded yet")

// perbillPercent renders a Perbill commission as a percentage.
func perbillPercent(v uint64) string {
	return strconv.FormatFloat(float64(v)/10_000_000, 'f', -1, 64)
}

// CheckOnline fails a candidate whose node is currently offline.
func (c *Checker) CheckOnline(ctx context.Context, cand *models.Candidate) Verdict {
	return c.record(ctx, cand, onlineVerdict(cand))
}

func onlineVerdict(cand *models.Candidate) Verdict {
	if cand.OnlineSince.IsZero() {
		return fail(models.InvalidityOnline, "")
	}
	return pass(models.InvalidityOnline)
}

// CheckValidateIntention reads the intention set and checks one candidate
// against it. Use CheckAllValidateIntentions for more than one candidate.
func (c *Checker) CheckValidateIntention(ctx context.Context, cand *models.Candidate) Verdict {
	intentions, err := c.intentionSet(ctx)
	if err != nil {
		return c.record(ctx, cand, indeterminate(models.InvalidityValidateIntention, err))
	}
	return c.record(ctx, cand, c.intentionVerdict(cand, intentions))
}

// CheckAllValidateIntentions checks every candidate against a single read of
// the intention set.
func (c *Checker) CheckAllValidateIntentions(ctx context.Context, cands []*models.Candidate) []Verdict {
	intentions, err := c.intentionSet(ctx)
	verdicts := make([]Verdict, 0, len(cands))
	for _, cand := range cands {
		if err != nil {
			verdicts = append(verdicts, c.record(ctx, cand, indeterminate(models.InvalidityValidateIntention, err)))
			continue
		}
		verdicts = append(verdicts, c.record(ctx, cand, c.intentionVerdict(cand, intentions)))
	}
	return verdicts
}

func (c *Checker) intentionSet(ctx context.Context) (map[string]struct{}, error) {
	addresses, err := c.chain.ValidatorIntentions(ctx)
	if err != nil {
		return nil, fmt.Errorf("read validator intentions: %w", err)
	}
	set := make(map[string]struct{}, len(addresses))
	for _, a := range addresses {
		set[a] = struct{}{}
	}
	return set, nil
}

func (c *Checker) intentionVerdict(cand *models.Candidate, intentions map[string]struct{}) Verdict {
	address, err := chaindata.FormatAddress(cand.Stash, uint16(c.opts.Network))
	if err != nil {
		address = cand.Stash
	}
	if _, ok := intentions[address]; !ok {
		return fail(models.InvalidityValidateIntention, fmt.Sprintf("%s does not have a validate intention.", cand.Name))
	}
	return pass(models.InvalidityValidateIntention)
}

// CheckLatestClientVersion compares the candidate's version with the latest
// recorded client release once the release has been public for sixteen hours.
func (c *Checker) CheckLatestClientVersion(ctx context.Context, cand *models.Candidate) Verdict {
	release, err := c.store.LatestRelease(ctx)
	if err != nil {
		return c.record(ctx, cand, indeterminate(models.InvalidityClientUpgrade, fmt.Errorf("read latest release: %w", err)))
	}
	return c.record(ctx, cand, c.clientVersionVerdict(cand, release))
}

// clientVersionVerdict is Indeterminate, not Fail, inside the grace window
// and when either side has no version to compare.
func (c *Checker) clientVersionVerdict(cand *models.Candidate, release *models.Release) Verdict {
	const rule = models.InvalidityClientUpgrade
	if c.opts.Constraints.SkipClientUpgrade || cand.Implementation == config.ExemptImplementation {
		return pass(rule)
	}
	if release == nil {
		return indeterminate(rule, errNoRelease)
	}
	if c.Now().Sub(release.PublishedAt) < config.SixteenHours {
		return indeterminate(rule, fmt.Errorf("release %s published at %s is inside the grace window", release.Name, release.PublishedAt.Format(time.RFC3339)))
	}
	if cand.Version == "" {
		return indeterminate(rule, fmt.Errorf("%s reports no version", cand.Name))
	}

	latestName := release.Name
	if c.opts.Constraints.ForceClientVersion != "" {
		latestName = c.opts.Constraints.ForceClientVersion
	}
	latest, err := coerceVersion(latestName)
	if err != nil {
		return indeterminate(rule, fmt.Errorf("latest release: %w", err))
	}
	running, err := coerceVersion(cand.Version)
	if err != nil || running.LT(latest) {
		return fail(rule, fmt.Sprintf("%s is not running the latest client code.", cand.Name))
	}
	return pass(rule)
}

// CheckConnectionTime fails candidates discovered less than a week ago.
func (c *Checker) CheckConnectionTime(ctx context.Context, cand *models.Candidate) Verdict {
	return c.record(ctx, cand, c.connectionTimeVerdict(cand))
}

func (c *Checker) connectionTimeVerdict(cand *models.Candidate) Verdict {
	if !c.opts.Constraints.SkipConnectionTime && c.Now().Sub(cand.DiscoveredAt) < config.Week {
		return fail(models.InvalidityConnectionTime, fmt.Sprintf("%s has not been connected for minimum length of a week.", cand.Name))
	}
	return pass(models.InvalidityConnectionTime)
}

// CheckIdentity requires an on-chain identity with a registrar judgement.
func (c *Checker) CheckIdentity(ctx context.Context, cand *models.Candidate) Verdict {
	const rule = models.InvalidityIdentity
	id, err := c.chain.Identity(ctx, cand.Stash)
	if err != nil {
		return c.record(ctx, cand, indeterminate(rule, fmt.Errorf("read identity: %w", err)))
	}
	switch {
	case !id.Set:
		return c.record(ctx, cand, fail(rule, fmt.Sprintf("%s does not have an identity set.", cand.Name)))
	case !id.Verified:
		return c.record(ctx, cand, fail(rule, fmt.Sprintf("%s has an identity but is not verified by the registrar.", cand.Name)))
	}
	return c.record(ctx, cand, pass(rule))
}

// CheckOffline fails candidates offline for more than 2% of the week.
func (c *Checker) CheckOffline(ctx context.Context, cand *models.Candidate) Verdict {
	return c.record(ctx, cand, offlineVerdict(cand))
}

func offlineVerdict(cand *models.Candidate) Verdict {
	if float64(cand.OfflineAccumulated)/float64(config.Week) > maxOfflineShare {
		minutes := strconv.FormatFloat(cand.OfflineAccumulated.Minutes(), 'f', -1, 64)
		return fail(models.InvalidityAccumulatedOfflineTime, fmt.Sprintf("%s has been offline %s minutes this week.", cand.Name, minutes))
	}
	return pass(models.InvalidityAccumulatedOfflineTime)
}

// CheckCommission fails candidates whose commission exceeds the maximum.
func (c *Checker) CheckCommission(ctx context.Context, cand *models.Candidate) Verdict {
	const rule = models.InvalidityCommission
	commission, err := c.chain.Commission(ctx, cand.Stash)
	if err != nil {
		return c.record(ctx, cand, indeterminate(rule, fmt.Errorf("read commission: %w", err)))
	}
	if ceiling := c.opts.Constraints.Commission; commission > ceiling {
		return c.record(ctx, cand, fail(rule, fmt.Sprintf(
			"%s commission is set higher than the maximum allowed. Set: %s%% Allowed: %s%%",
			cand.Name, perbillPercent(commission), perbillPercent(ceiling),
		)))
	}
	return c.record(ctx, cand, pass(rule))
}

// CheckSelfStake fails candidates bonding less than the minimum unless they
// opted out. A failed bonded read is stored as a failure.
func (c *Checker) CheckSelfStake(ctx context.Context, cand *models.Candidate) Verdict {
	const rule = models.InvaliditySelfStake
	if cand.SkipSelfStake {
		return c.record(ctx, cand, pass(rule))
	}
	bonded, err := c.chain.Bonded(ctx, cand.Stash)
	if err != nil {
		c.logger.Warn("Bonded read failed", zap.String("stash", cand.Stash), zap.Error(err))
		return c.record(ctx, cand, fail(rule, fmt.Sprintf("%s %s", cand.Name, err)))
	}
	if minimum := c.opts.Constraints.SelfStake; minimum != nil && bonded.Cmp(minimum) < 0 {
		return c.record(ctx, cand, fail(rule, fmt.Sprintf("%s has less than the minimum amount bonded: %s is bonded.", cand.Name, bonded)))
	}
	return c.record(ctx, cand, pass(rule))
}

// CheckUnclaimed reads the active era and fails candidates with rewards left
// unclaimed for longer than the threshold.
func (c *Checker) CheckUnclaimed(ctx context.Context, cand *models.Candidate) Verdict {
	era, err := c.chain.ActiveEra(ctx)
	if err != nil {
		return c.record(ctx, cand, indeterminate(models.InvalidityUnclaimedRewards, fmt.Errorf("read active era: %w", err)))
	}
	return c.record(ctx, cand, c.unclaimedVerdict(cand, era))
}

func (c *Checker) unclaimedVerdict(cand *models.Candidate, era uint32) Verdict {
	const rule = models.InvalidityUnclaimedRewards
	threshold := int64(era) - int64(c.opts.Constraints.UnclaimedEraThreshold) - 1
	var overdue []string
	for _, e := range cand.UnclaimedEras {
		if int64(e) <= threshold {
			overdue = append(overdue, strconv.FormatUint(uint64(e), 10))
		}
	}
	if len(overdue) > 0 {
		return fail(rule, fmt.Sprintf("%s has unclaimed eras: %s prior to era: %d", cand.Name, strings.Join(overdue, ","), threshold+1))
	}
	return pass(rule)
}

// CheckBlocked fails candidates that block external nominations.
func (c *Checker) CheckBlocked(ctx context.Context, cand *models.Candidate) Verdict {
	const rule = models.InvalidityBlocked
	blocked, err := c.chain.Blocked(ctx, cand.Stash)
	if err != nil {
		return c.record(ctx, cand, indeterminate(rule, fmt.Errorf("read validator prefs: %w", err)))
	}
	if blocked {
		return c.record(ctx, cand, fail(rule, fmt.Sprintf("%s blocks external nominations", cand.Name)))
	}
	return c.record(ctx, cand, pass(rule))
}

// CheckProvider fails candidates hosted by a blacklisted provider. Missing
// location data passes.
func (c *Checker) CheckProvider(ctx context.Context, cand *models.Candidate) Verdict {
	const rule = models.InvalidityProvider
	loc, err := c.store.CandidateLocation(ctx, cand.Name)
	if err != nil {
		return c.record(ctx, cand, indeterminate(rule, fmt.Errorf("read location: %w", err)))
	}
	if loc == nil || loc.Provider == "" {
		return c.record(ctx, cand, pass(rule))
	}
	if utils.Contains(c.opts.BlacklistedProviders, loc.Provider) {
		c.logger.Warn(fmt.Sprintf("%s has banned provider: %s", cand.Name, loc.Provider))
		return c.record(ctx, cand, fail(rule, fmt.Sprintf("%s has banned infrastructure provider: %s", cand.Name, loc.Provider)))
	}
	return c.record(ctx, cand, pass(rule))
}

// CheckKusamaRank requires primary network candidates that bond their own
// stake, or that link a companion stash, to be in good standing on the
// companion network. Lookup failures are Indeterminate.
func (c *Checker) CheckKusamaRank(ctx context.Context, cand *models.Candidate) Verdict {
	const rule = models.InvalidityKusamaRank
	if c.opts.Network != config.Polkadot || c.companion == nil {
		return c.record(ctx, cand, pass(rule))
	}
	if cand.SkipSelfStake && cand.KusamaStash == "" {
		return c.record(ctx, cand, pass(rule))
	}
	if cand.KusamaStash == "" {
		return c.record(ctx, cand, fail(rule, fmt.Sprintf("%s has no Kusama stash linked.", cand.Name)))
	}

	companion, err := c.companion.Candidate(ctx, cand.KusamaStash)
	if err != nil {
		return c.record(ctx, cand, indeterminate(rule, err))
	}
	if companion.InvalidityReasons != "" {
		return c.record(ctx, cand, fail(rule, fmt.Sprintf("%s has a kusama node that is invalid: %s", cand.Name, companion.InvalidityReasons)))
	}
	if companion.Rank < minCompanionRank {
		return c.record(ctx, cand, fail(rule, fmt.Sprintf("%s has a Kusama stash with lower than 25 rank in the Kusama OTV programme: %d.", cand.Name, companion.Rank)))
	}
	return c.record(ctx, cand, pass(rule))
}

// CheckBeefyKeys fails candidates whose BEEFY session key is the dummy key.
func (c *Checker) CheckBeefyKeys(ctx context.Context, cand *models.Candidate) Verdict {
	const rule = models.InvalidityBeefy
	key, err := c.chain.NextKeys(ctx, cand.Stash)
	if errors.Is(err, chaindata.ErrNotFound) {
		return c.record(ctx, cand, fail(rule, fmt.Sprintf("%s has not set beefy keys", cand.Name)))
	}
	if err != nil {
		return c.record(ctx, cand, indeterminate(rule, fmt.Errorf("read session keys: %w", err)))
	}
	if chaindata.IsDummyBeefyKey(key, config.BeefyDummyPrefix) {
		return c.record(ctx, cand, fail(rule, fmt.Sprintf("%s has not set beefy keys", cand.Name)))
	}
	return c.record(ctx, cand, pass(rule))
}
