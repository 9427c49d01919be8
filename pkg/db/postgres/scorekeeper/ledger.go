package scorekeeper

import (
	"context"
	"fmt"
	"time"

	"github.com/canopy-network/scorekeeper/pkg/db/models"
	"github.com/canopy-network/scorekeeper/pkg/db/postgres"
)

func (db *DB) initChainMetadata(ctx context.Context) error {
	return db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS chain_metadata (
			id INT PRIMARY KEY CHECK (id = 1),
			last_nominated_era_index BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)
	`)
}

func (db *DB) initDelayedTxs(ctx context.Context) error {
	return db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS delayed_txs (
			controller TEXT NOT NULL,
			call_hash TEXT NOT NULL,
			number BIGINT NOT NULL,
			targets TEXT[] NOT NULL,
			era BIGINT NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			PRIMARY KEY (controller, call_hash)
		)
	`)
}

func (db *DB) initNominations(ctx context.Context) error {
	return db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS nominations (
			id BIGSERIAL PRIMARY KEY,
			address TEXT NOT NULL,
			era BIGINT NOT NULL,
			targets TEXT[] NOT NULL,
			bonded TEXT NOT NULL DEFAULT '0',
			block_hash TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS nominations_address_era_idx ON nominations (address, era)
	`)
}

// LastNominatedEraIndex returns 0 before the first round.
func (db *DB) LastNominatedEraIndex(ctx context.Context) (uint32, error) {
	var era int64
	err := db.QueryRow(ctx, `SELECT last_nominated_era_index FROM chain_metadata WHERE id = 1`).Scan(&era)
	if err != nil {
		if postgres.IsNoRows(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("query last nominated era: %w", err)
	}
	return uint32(era), nil
}

func (db *DB) SetLastNominatedEraIndex(ctx context.Context, era uint32) error {
	return db.Exec(ctx, `
		INSERT INTO chain_metadata (id, last_nominated_era_index, updated_at)
		VALUES (1, $1, NOW())
		ON CONFLICT (id) DO UPDATE SET
			last_nominated_era_index = EXCLUDED.last_nominated_era_index,
			updated_at = NOW()
	`, int64(era))
}

// AddDelayedTx records a pending announcement. Re-adding the same
// (controller, callHash) refreshes the row instead of duplicating it.
func (db *DB) AddDelayedTx(ctx context.Context, tx models.DelayedTx) error {
	created := tx.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	err := db.Exec(ctx, `
		INSERT INTO delayed_txs (controller, call_hash, number, targets, era, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (controller, call_hash) DO UPDATE SET
			number = EXCLUDED.number,
			targets = EXCLUDED.targets,
			era = EXCLUDED.era
	`, tx.Controller, tx.CallHash, int64(tx.Number), tx.Targets, int64(tx.Era), created)
	if err != nil {
		return fmt.Errorf("add delayed tx %s/%s: %w", tx.Controller, tx.CallHash, err)
	}
	return nil
}

// AllDelayedTxs lists pending announcements oldest first.
func (db *DB) AllDelayedTxs(ctx context.Context) ([]models.DelayedTx, error) {
	rows, err := db.Query(ctx, `
		SELECT controller, call_hash, number, targets, era, created_at
		FROM delayed_txs
		ORDER BY number, controller
	`)
	if err != nil {
		return nil, fmt.Errorf("query delayed txs: %w", err)
	}
	defer rows.Close()

	var txs []models.DelayedTx
	for rows.Next() {
		var (
			tx          models.DelayedTx
			number, era int64
		)
		if err := rows.Scan(&tx.Controller, &tx.CallHash, &number, &tx.Targets, &era, &tx.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan delayed tx: %w", err)
		}
		tx.Number = uint64(number)
		tx.Era = uint32(era)
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

func (db *DB) DeleteDelayedTx(ctx context.Context, controller, callHash string) error {
	return db.Exec(ctx, `DELETE FROM delayed_txs WHERE controller = $1 AND call_hash = $2`, controller, callHash)
}

// CompleteDelayedTx swaps the pending row for the nomination in one transaction.
func (db *DB) CompleteDelayedTx(ctx context.Context, tx models.DelayedTx, nom models.Nomination) error {
	return db.InTx(ctx, func(ctx context.Context) error {
		if err := db.SetNomination(ctx, nom); err != nil {
			return err
		}
		return db.DeleteDelayedTx(ctx, tx.Controller, tx.CallHash)
	})
}

// SetNomination appends a completed nomination.
func (db *DB) SetNomination(ctx context.Context, nom models.Nomination) error {
	bonded := "0"
	if nom.Bonded != nil {
		bonded = nom.Bonded.String()
	}
	ts := nom.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	err := db.Exec(ctx, `
		INSERT INTO nominations (address, era, targets, bonded, block_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, nom.Address, int64(nom.Era), nom.Targets, bonded, nom.BlockHash, ts)
	if err != nil {
		return fmt.Errorf("record nomination for %s: %w", nom.Address, err)
	}
	return nil
}
