package scorekeeper

import (
	"context"
	"fmt"
	"time"

	"github.com/canopy-network/scorekeeper/pkg/db/models"
	"github.com/canopy-network/scorekeeper/pkg/db/postgres"
)

func (db *DB) initCandidates(ctx context.Context) error {
	return db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS candidates (
			stash TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			implementation TEXT NOT NULL DEFAULT '',
			version TEXT NOT NULL DEFAULT '',
			kusama_stash TEXT NOT NULL DEFAULT '',
			skip_self_stake BOOLEAN NOT NULL DEFAULT FALSE,
			discovered_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			online_since TIMESTAMP WITH TIME ZONE,
			offline_accumulated_ms BIGINT NOT NULL DEFAULT 0,
			unclaimed_eras BIGINT[] NOT NULL DEFAULT '{}',
			rank BIGINT NOT NULL DEFAULT 0,
			faults BIGINT NOT NULL DEFAULT 0
		)
	`)
}

func (db *DB) initInvalidity(ctx context.Context) error {
	return db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS candidate_invalidity (
			stash TEXT NOT NULL REFERENCES candidates(stash),
			type TEXT NOT NULL,
			valid BOOLEAN NOT NULL,
			details TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			PRIMARY KEY (stash, type)
		)
	`)
}

func (db *DB) initFaultEvents(ctx context.Context) error {
	return db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS fault_events (
			id BIGSERIAL PRIMARY KEY,
			stash TEXT NOT NULL REFERENCES candidates(stash),
			reason TEXT NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS fault_events_stash_idx ON fault_events (stash)
	`)
}

func (db *DB) initLocations(ctx context.Context) error {
	return db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS locations (
			name TEXT PRIMARY KEY,
			addr TEXT NOT NULL DEFAULT '',
			city TEXT NOT NULL DEFAULT '',
			region TEXT NOT NULL DEFAULT '',
			country TEXT NOT NULL DEFAULT '',
			provider TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)
	`)
}

const candidateColumns = `stash, name, implementation, version, kusama_stash, skip_self_stake,
	discovered_at, online_since, offline_accumulated_ms, unclaimed_eras, rank, faults`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCandidate(row rowScanner) (models.Candidate, error) {
	var (
		c           models.Candidate
		onlineSince *time.Time
		offlineMs   int64
		eras        []int64
	)
	err := row.Scan(&c.Stash, &c.Name, &c.Implementation, &c.Version, &c.KusamaStash, &c.SkipSelfStake,
		&c.DiscoveredAt, &onlineSince, &offlineMs, &eras, &c.Rank, &c.Faults)
	if err != nil {
		return models.Candidate{}, err
	}
	if onlineSince != nil {
		c.OnlineSince = *onlineSince
	}
	c.OfflineAccumulated = time.Duration(offlineMs) * time.Millisecond
	c.UnclaimedEras = make([]uint32, 0, len(eras))
	for _, e := range eras {
		c.UnclaimedEras = append(c.UnclaimedEras, uint32(e))
	}
	return c, nil
}

// AllCandidates returns every candidate with its verdicts and fault events.
func (db *DB) AllCandidates(ctx context.Context) ([]models.Candidate, error) {
	rows, err := db.Query(ctx, `SELECT `+candidateColumns+` FROM candidates ORDER BY stash`)
	if err != nil {
		return nil, fmt.Errorf("query candidates: %w", err)
	}
	var candidates []models.Candidate
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		candidates = append(candidates, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	index := make(map[string]*models.Candidate, len(candidates))
	for i := range candidates {
		index[candidates[i].Stash] = &candidates[i]
	}
	if err := db.loadInvalidity(ctx, index, ""); err != nil {
		return nil, err
	}
	if err := db.loadFaultEvents(ctx, index, ""); err != nil {
		return nil, err
	}
	return candidates, nil
}

// GetCandidate returns nil, nil when the stash is unknown.
func (db *DB) GetCandidate(ctx context.Context, stash string) (*models.Candidate, error) {
	c, err := scanCandidate(db.QueryRow(ctx, `SELECT `+candidateColumns+` FROM candidates WHERE stash = $1`, stash))
	if err != nil {
		if postgres.IsNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("query candidate %s: %w", stash, err)
	}
	index := map[string]*models.Candidate{stash: &c}
	if err := db.loadInvalidity(ctx, index, stash); err != nil {
		return nil, err
	}
	if err := db.loadFaultEvents(ctx, index, stash); err != nil {
		return nil, err
	}
	return &c, nil
}

func (db *DB) loadInvalidity(ctx context.Context, index map[string]*models.Candidate, stash string) error {
	rows, err := db.Query(ctx, `
		SELECT stash, type, valid, details, updated_at
		FROM candidate_invalidity
		WHERE $1 = '' OR stash = $1
	`, stash)
	if err != nil {
		return fmt.Errorf("query invalidity: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			owner string
			r     models.InvalidityReason
		)
		if err := rows.Scan(&owner, &r.Type, &r.Valid, &r.Details, &r.UpdatedAt); err != nil {
			return fmt.Errorf("scan invalidity: %w", err)
		}
		if c, ok := index[owner]; ok {
			c.SetReason(r)
		}
	}
	return rows.Err()
}

func (db *DB) loadFaultEvents(ctx context.Context, index map[string]*models.Candidate, stash string) error {
	rows, err := db.Query(ctx, `
		SELECT stash, reason, created_at
		FROM fault_events
		WHERE $1 = '' OR stash = $1
		ORDER BY id
	`, stash)
	if err != nil {
		return fmt.Errorf("query fault events: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			owner string
			f     models.FaultEvent
		)
		if err := rows.Scan(&owner, &f.Reason, &f.When); err != nil {
			return fmt.Errorf("scan fault event: %w", err)
		}
		if c, ok := index[owner]; ok {
			c.FaultEvents = append(c.FaultEvents, f)
		}
	}
	return rows.Err()
}

// UpsertCandidate creates or refreshes the candidate's identity and telemetry columns.
func (db *DB) UpsertCandidate(ctx context.Context, c models.Candidate) error {
	var onlineSince *time.Time
	if !c.OnlineSince.IsZero() {
		onlineSince = &c.OnlineSince
	}
	discovered := c.DiscoveredAt
	if discovered.IsZero() {
		discovered = time.Now()
	}
	eras := make([]int64, 0, len(c.UnclaimedEras))
	for _, e := range c.UnclaimedEras {
		eras = append(eras, int64(e))
	}

	err := db.Exec(ctx, `
		INSERT INTO candidates (stash, name, implementation, version, kusama_stash, skip_self_stake,
			discovered_at, online_since, offline_accumulated_ms, unclaimed_eras)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (stash) DO UPDATE SET
			name = EXCLUDED.name,
			implementation = EXCLUDED.implementation,
			version = EXCLUDED.version,
			kusama_stash = EXCLUDED.kusama_stash,
			skip_self_stake = EXCLUDED.skip_self_stake,
			online_since = EXCLUDED.online_since,
			offline_accumulated_ms = EXCLUDED.offline_accumulated_ms,
			unclaimed_eras = EXCLUDED.unclaimed_eras
	`, c.Stash, c.Name, c.Implementation, c.Version, c.KusamaStash, c.SkipSelfStake,
		discovered, onlineSince, c.OfflineAccumulated.Milliseconds(), eras)
	if err != nil {
		return fmt.Errorf("upsert candidate %s: %w", c.Stash, err)
	}
	return nil
}

// SeedCandidate creates the candidate or refreshes only its configured
// identity. Telemetry columns keep what discovery last wrote.
func (db *DB) SeedCandidate(ctx context.Context, c models.Candidate) error {
	err := db.Exec(ctx, `
		INSERT INTO candidates (stash, name, kusama_stash, skip_self_stake)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (stash) DO UPDATE SET
			name = EXCLUDED.name,
			kusama_stash = EXCLUDED.kusama_stash,
			skip_self_stake = EXCLUDED.skip_self_stake
	`, c.Stash, c.Name, c.KusamaStash, c.SkipSelfStake)
	if err != nil {
		return fmt.Errorf("seed candidate %s: %w", c.Stash, err)
	}
	return nil
}

// SetInvalidity overwrites the verdict for (stash, reason.Type).
func (db *DB) SetInvalidity(ctx context.Context, stash string, reason models.InvalidityReason) error {
	updated := reason.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	err := db.Exec(ctx, `
		INSERT INTO candidate_invalidity (stash, type, valid, details, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (stash, type) DO UPDATE SET
			valid = EXCLUDED.valid,
			details = EXCLUDED.details,
			updated_at = EXCLUDED.updated_at
	`, stash, string(reason.Type), reason.Valid, reason.Details, updated)
	if err != nil {
		return fmt.Errorf("set %s verdict for %s: %w", reason.Type, stash, err)
	}
	return nil
}

// CandidateLocation returns nil, nil when nothing is known for the node name.
func (db *DB) CandidateLocation(ctx context.Context, name string) (*models.Location, error) {
	var loc models.Location
	err := db.QueryRow(ctx, `
		SELECT name, addr, city, region, country, provider, updated_at
		FROM locations WHERE name = $1
	`, name).Scan(&loc.Name, &loc.Addr, &loc.City, &loc.Region, &loc.Country, &loc.Provider, &loc.UpdatedAt)
	if err != nil {
		if postgres.IsNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("query location %s: %w", name, err)
	}
	return &loc, nil
}

// SetLocation records the latest hosting information for a node name.
func (db *DB) SetLocation(ctx context.Context, loc models.Location) error {
	return db.Exec(ctx, `
		INSERT INTO locations (name, addr, city, region, country, provider, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (name) DO UPDATE SET
			addr = EXCLUDED.addr,
			city = EXCLUDED.city,
			region = EXCLUDED.region,
			country = EXCLUDED.country,
			provider = EXCLUDED.provider,
			updated_at = NOW()
	`, loc.Name, loc.Addr, loc.City, loc.Region, loc.Country, loc.Provider)
}

// PushFaultEvent appends a fault event for stash.
func (db *DB) PushFaultEvent(ctx context.Context, stash, reason string) error {
	if err := db.Exec(ctx, `INSERT INTO fault_events (stash, reason) VALUES ($1, $2)`, stash, reason); err != nil {
		return fmt.Errorf("push fault event for %s: %w", stash, err)
	}
	return nil
}

// AddPoint increments the candidate's rank.
func (db *DB) AddPoint(ctx context.Context, stash string) error {
	return db.Exec(ctx, `UPDATE candidates SET rank = rank + 1 WHERE stash = $1`, stash)
}

// DockPoints records a fault and takes a sixth of the candidate's rank.
func (db *DB) DockPoints(ctx context.Context, stash string) error {
	return db.Exec(ctx, `UPDATE candidates SET rank = rank - rank / 6, faults = faults + 1 WHERE stash = $1`, stash)
}

// ClearAccumulatedOffline resets the weekly offline counter for every candidate.
func (db *DB) ClearAccumulatedOffline(ctx context.Context) error {
	return db.Exec(ctx, `UPDATE candidates SET offline_accumulated_ms = 0`)
}
