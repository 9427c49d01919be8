package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/canopy-network/scorekeeper/pkg/utils"
)

// Config is the read-only configuration of the scorekeeper process.
type Config struct {
	Network   Network
	Endpoints []string

	Constraints ConstraintsConfig
	Cron        CronConfig
	Proxy       ProxyConfig
	Telemetry   TelemetryConfig
	Scorekeeper ScorekeeperConfig
	Remote      RemoteConfig
}

type ConstraintsConfig struct {
	SkipConnectionTime    bool
	SkipClientUpgrade     bool
	ForceClientVersion    string
	Commission            uint64
	SelfStake             *big.Int
	UnclaimedEraThreshold uint32
}

type CronConfig struct {
	Validity        string
	ValidityEnabled bool
	Scorekeeper     string
	Execution       string
	Cancel          string
	Stale           string
	Monitor         string
	ClearOffline    string
}

type ProxyConfig struct {
	TimeDelayBlocks          uint64
	BlacklistedAnnouncements []string
	// ExecutionDelay follows every submission of the execution sweep and
	// CancelDelay surrounds every stale cancellation.
	ExecutionDelay time.Duration
	CancelDelay    time.Duration
}

type TelemetryConfig struct {
	BlacklistedProviders []string
}

type ScorekeeperConfig struct {
	Nominating     bool
	MaxNominations int
	Nominators     [][]NominatorConfig
	Candidates     []CandidateConfig
}

type RemoteConfig struct {
	CompanionEndpoint string
	ReleaseEndpoint   string
	ReleaseRepo       string
}

// NominatorConfig describes one signing account. A proxy nominator signs on
// behalf of ProxyFor; a non-zero ProxyDelay makes it announce first.
type NominatorConfig struct {
	Seed       string `yaml:"seed"`
	IsProxy    bool   `yaml:"isProxy"`
	ProxyFor   string `yaml:"proxyFor"`
	ProxyDelay uint64 `yaml:"proxyDelay"`
}

// CandidateConfig seeds a programme candidate. Telemetry and chain data are
// filled in later by their collaborators.
type CandidateConfig struct {
	Name          string `yaml:"name"`
	Stash         string `yaml:"stash"`
	KusamaStash   string `yaml:"kusamaStash"`
	SkipSelfStake bool   `yaml:"skipSelfStake"`
}

type nominatorsFile struct {
	Groups [][]NominatorConfig `yaml:"groups"`
}

type candidatesFile struct {
	Candidates []CandidateConfig `yaml:"candidates"`
}

// Load reads .env (if present) and the environment. Errors are fatal at startup.
func Load() (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load(".env")

	network := Network(utils.EnvInt64("NETWORK_PREFIX", 0))

	selfStake, ok := new(big.Int).SetString(utils.Env("MIN_SELF_STAKE", network.MinSelfStake()), 10)
	if !ok {
		return nil, fmt.Errorf("MIN_SELF_STAKE is not an integer: %q", os.Getenv("MIN_SELF_STAKE"))
	}

	cfg := &Config{
		Network:   network,
		Endpoints: utils.EnvList("CHAIN_ENDPOINTS", []string{"ws://localhost:9944"}),
		Constraints: ConstraintsConfig{
			SkipConnectionTime:    utils.EnvBool("SKIP_CONNECTION_TIME", false),
			SkipClientUpgrade:     utils.EnvBool("SKIP_CLIENT_UPGRADE", false),
			ForceClientVersion:    utils.Env("FORCE_CLIENT_VERSION", ""),
			Commission:            utils.EnvUint64("MAX_COMMISSION", DefaultMaxCommission),
			SelfStake:             selfStake,
			UnclaimedEraThreshold: uint32(utils.EnvUint64("UNCLAIMED_ERA_THRESHOLD", uint64(network.UnclaimedEraThreshold()))),
		},
		Cron: CronConfig{
			Validity:        utils.Env("CRON_VALIDITY", ValidityCron),
			ValidityEnabled: utils.EnvBool("VALIDITY_ENABLED", true),
			Scorekeeper:     utils.Env("CRON_SCOREKEEPER", ScorekeeperCron),
			Execution:       utils.Env("CRON_EXECUTION", ExecutionCron),
			Cancel:          utils.Env("CRON_CANCEL", CancelCron),
			Stale:           utils.Env("CRON_STALE", StaleCron),
			Monitor:         utils.Env("CRON_MONITOR", MonitorCron),
			ClearOffline:    utils.Env("CRON_CLEAR_OFFLINE", ClearOfflineCron),
		},
		Proxy: ProxyConfig{
			TimeDelayBlocks:          utils.EnvUint64("TIME_DELAY_BLOCKS", TimeDelayBlocks),
			BlacklistedAnnouncements: utils.EnvList("BLACKLISTED_ANNOUNCEMENTS", nil),
			ExecutionDelay:           utils.EnvDuration("EXECUTION_DELAY", DefaultExecutionDelay),
			CancelDelay:              utils.EnvDuration("CANCEL_DELAY", DefaultCancelDelay),
		},
		Telemetry: TelemetryConfig{
			BlacklistedProviders: utils.EnvList("BLACKLISTED_PROVIDERS", nil),
		},
		Scorekeeper: ScorekeeperConfig{
			Nominating:     utils.EnvBool("NOMINATING", false),
			MaxNominations: utils.EnvInt("MAX_NOMINATIONS", network.MaxNominations()),
		},
		Remote: RemoteConfig{
			CompanionEndpoint: utils.Env("COMPANION_ENDPOINT", DefaultCompanionEndpoint),
			ReleaseEndpoint:   utils.Env("RELEASE_ENDPOINT", DefaultReleaseEndpoint),
			ReleaseRepo:       utils.Env("RELEASE_REPO", DefaultReleaseRepo),
		},
	}

	if path := utils.Env("NOMINATORS_FILE", ""); path != "" {
		groups, err := LoadNominators(path)
		if err != nil {
			return nil, err
		}
		cfg.Scorekeeper.Nominators = groups
	}

	if path := utils.Env("CANDIDATES_FILE", ""); path != "" {
		candidates, err := LoadCandidates(path)
		if err != nil {
			return nil, err
		}
		cfg.Scorekeeper.Candidates = candidates
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadNominators parses the YAML nominator groups file.
func LoadNominators(path string) ([][]NominatorConfig, error) {
	bz, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read nominators file: %w", err)
	}
	var f nominatorsFile
	if err := yaml.Unmarshal(bz, &f); err != nil {
		return nil, fmt.Errorf("parse nominators file %s: %w", path, err)
	}
	return f.Groups, nil
}

// LoadCandidates parses the YAML candidates file.
func LoadCandidates(path string) ([]CandidateConfig, error) {
	bz, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read candidates file: %w", err)
	}
	var f candidatesFile
	if err := yaml.Unmarshal(bz, &f); err != nil {
		return nil, fmt.Errorf("parse candidates file %s: %w", path, err)
	}
	return f.Candidates, nil
}

// Validate rejects configurations the scorekeeper cannot run with.
func (c *Config) Validate() error {
	if len(c.Endpoints) == 0 {
		return errors.New("no chain endpoints configured")
	}
	if c.Proxy.TimeDelayBlocks == 0 {
		return errors.New("TIME_DELAY_BLOCKS must be positive")
	}
	if c.Scorekeeper.MaxNominations <= 0 {
		return errors.New("MAX_NOMINATIONS must be positive")
	}
	for gi, group := range c.Scorekeeper.Nominators {
		for ni, n := range group {
			if n.Seed == "" {
				return fmt.Errorf("nominator %d of group %d has no seed", ni, gi)
			}
			if n.IsProxy && n.ProxyFor == "" {
				return fmt.Errorf("proxy nominator %d of group %d has no proxyFor", ni, gi)
			}
		}
	}
	seen := make(map[string]struct{}, len(c.Scorekeeper.Candidates))
	for _, cand := range c.Scorekeeper.Candidates {
		if cand.Stash == "" {
			return fmt.Errorf("candidate %q has no stash", cand.Name)
		}
		if _, dup := seen[cand.Stash]; dup {
			return fmt.Errorf("candidate stash %s listed twice", cand.Stash)
		}
		seen[cand.Stash] = struct{}{}
	}
	return nil
}
