package models

import (
	"time"
)

// InvalidityType names a validity rule. Each rule owns exactly one
// InvalidityReason per candidate.
type InvalidityType string

const (
	InvalidityOnline                 InvalidityType = "ONLINE"
	InvalidityValidateIntention      InvalidityType = "VALIDATE_INTENTION"
	InvalidityClientUpgrade          InvalidityType = "CLIENT_UPGRADE"
	InvalidityConnectionTime         InvalidityType = "CONNECTION_TIME"
	InvalidityIdentity               InvalidityType = "IDENTITY"
	InvalidityAccumulatedOfflineTime InvalidityType = "ACCUMULATED_OFFLINE_TIME"
	InvalidityCommission             InvalidityType = "COMMISSION"
	InvaliditySelfStake              InvalidityType = "SELF_STAKE"
	InvalidityUnclaimedRewards       InvalidityType = "UNCLAIMED_REWARDS"
	InvalidityBlocked                InvalidityType = "BLOCKED"
	InvalidityProvider               InvalidityType = "PROVIDER"
	InvalidityKusamaRank             InvalidityType = "KUSAMA_RANK"
	InvalidityBeefy                  InvalidityType = "BEEFY"
)

// AllInvalidityTypes lists every rule in evaluation order.
func AllInvalidityTypes() []InvalidityType {
	return []InvalidityType{
		InvalidityOnline,
		InvalidityValidateIntention,
		InvalidityClientUpgrade,
		InvalidityConnectionTime,
		InvalidityIdentity,
		InvalidityAccumulatedOfflineTime,
		InvalidityCommission,
		InvaliditySelfStake,
		InvalidityUnclaimedRewards,
		InvalidityBlocked,
		InvalidityProvider,
		InvalidityKusamaRank,
		InvalidityBeefy,
	}
}

// InvalidityReason is the stored verdict of one rule for one candidate.
// Details is empty when Valid is true.
type InvalidityReason struct {
	Type      InvalidityType `json:"type"`
	Valid     bool           `json:"valid"`
	Details   string         `json:"details"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// FaultEvent is an offline (or other) fault recorded against a candidate.
type FaultEvent struct {
	When   time.Time `json:"when"`
	Reason string    `json:"reason"`
}

// Candidate is a validator operator tracked by the programme. Stash is unique.
type Candidate struct {
	Stash          string `json:"stash"`
	Name           string `json:"name"`
	Implementation string `json:"implementation"`
	Version        string `json:"version"`

	// KusamaStash links a primary-network candidate to its companion-network node.
	KusamaStash   string `json:"kusamaStash"`
	SkipSelfStake bool   `json:"skipSelfStake"`

	DiscoveredAt time.Time `json:"discoveredAt"`
	// OnlineSince is zero while the node is offline.
	OnlineSince        time.Time     `json:"onlineSince"`
	OfflineAccumulated time.Duration `json:"offlineAccumulated"`

	UnclaimedEras []uint32 `json:"unclaimedEras"`
	Rank          int64    `json:"rank"`
	Faults        int64    `json:"faults"`

	FaultEvents []FaultEvent       `json:"faultEvents"`
	Invalidity  []InvalidityReason `json:"invalidity"`
}

// Reason returns the stored verdict for t, if any.
func (c *Candidate) Reason(t InvalidityType) (InvalidityReason, bool) {
	for _, r := range c.Invalidity {
		if r.Type == t {
			return r, true
		}
	}
	return InvalidityReason{}, false
}

// SetReason replaces (never appends) the verdict for r.Type.
func (c *Candidate) SetReason(r InvalidityReason) {
	for i := range c.Invalidity {
		if c.Invalidity[i].Type == r.Type {
			c.Invalidity[i] = r
			return
		}
	}
	c.Invalidity = append(c.Invalidity, r)
}

// HasFault reports whether a fault with exactly this reason was already recorded.
func (c *Candidate) HasFault(reason string) bool {
	for _, f := range c.FaultEvents {
		if f.Reason == reason {
			return true
		}
	}
	return false
}

// DockedRank is the rank left after a fault: a sixth of it is taken.
func DockedRank(rank int64) int64 {
	return rank - rank/6
}
