package config

import "time"

const (
	Week         = 7 * 24 * time.Hour
	SixteenHours = 16 * time.Hour

	// TimeDelayBlocks is the default proxy announcement delay (~18 hours of 6s blocks).
	TimeDelayBlocks uint64 = 10850

	DefaultExecutionDelay = 7 * time.Second
	DefaultCancelDelay    = 10 * time.Second

	// DefaultMaxCommission is 5% expressed in Perbill.
	DefaultMaxCommission uint64 = 50_000_000

	PolkadotFourDaysEras = 4
	KusamaFourDaysEras   = 16

	// ExemptImplementation is not tracked by the client release rule.
	ExemptImplementation = "Kagome Node"

	// BeefyDummyPrefix marks the placeholder BEEFY session key ("beef").
	BeefyDummyPrefix = "0x62656566"

	DefaultCompanionEndpoint = "https://kusama.w3f.community"
	DefaultReleaseEndpoint   = "https://api.github.com"
	DefaultReleaseRepo       = "paritytech/polkadot-sdk"
)

// Default six-field cron specs (seconds first).
const (
	ScorekeeperCron  = "0 0-59/15 * * * *"
	ExecutionCron    = "0 0-59/15 * * * *"
	CancelCron       = "0 0-59/30 * * * *"
	StaleCron        = "0 0 * * * *"
	ValidityCron     = "0 0-59/7 * * * *"
	MonitorCron      = "0 0-59/15 * * * *"
	ClearOfflineCron = "0 0 0 * * 0"
)

// Network is the SS58 prefix of the chain being served. It selects the
// era buffer, staleness and unclaimed-era constants.
type Network uint16

const (
	Polkadot Network = 0
	Kusama   Network = 2
)

// EraBuffer is how many eras must pass between nomination rounds.
func (n Network) EraBuffer() uint32 {
	if n == Polkadot {
		return 1
	}
	return 4
}

// StaleThreshold is how many eras a nomination may lag before it is reported stale.
func (n Network) StaleThreshold() uint32 {
	if n == Kusama {
		return 8
	}
	return 2
}

func (n Network) UnclaimedEraThreshold() uint32 {
	if n == Kusama {
		return KusamaFourDaysEras
	}
	return PolkadotFourDaysEras
}

func (n Network) MaxNominations() int {
	if n == Kusama {
		return 24
	}
	return 16
}

// MinSelfStake in planck: 50000 DOT (10 decimals) or 10 KSM (12 decimals).
func (n Network) MinSelfStake() string {
	if n == Kusama {
		return "10000000000000"
	}
	return "500000000000000"
}

func (n Network) String() string {
	switch n {
	case Polkadot:
		return "polkadot"
	case Kusama:
		return "kusama"
	default:
		return "local"
	}
}
