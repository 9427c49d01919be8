package clickhouse

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/canopy-network/scorekeeper/pkg/db/models"
)

// VerdictRow is one rule outcome written by a validity sweep.
type VerdictRow struct {
	Stash   string
	Name    string
	Rule    models.InvalidityType
	Outcome string
	Details string
	At      time.Time
}

// History is an append-only ClickHouse sink for verdicts and executed nominations.
type History struct {
	*Client
}

// NewHistory connects and creates the history tables.
func NewHistory(ctx context.Context, logger *zap.Logger, opts Options) (*History, error) {
	client, err := New(ctx, logger.With(zap.String("component", "history")), opts)
	if err != nil {
		return nil, err
	}
	h := &History{Client: client}
	if err := h.InitializeDB(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return h, nil
}

// InitializeDB creates the history tables if missing.
func (h *History) InitializeDB(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS validity_history (
			stash String,
			name String,
			rule LowCardinality(String),
			outcome LowCardinality(String),
			details String,
			at DateTime64(3)
		) ENGINE = MergeTree
		PARTITION BY toYYYYMM(at)
		ORDER BY (stash, rule, at)`,
		`CREATE TABLE IF NOT EXISTS nomination_history (
			address String,
			era UInt32,
			targets Array(String),
			bonded String,
			block_hash String,
			at DateTime64(3)
		) ENGINE = MergeTree
		PARTITION BY toYYYYMM(at)
		ORDER BY (address, era)`,
	}
	for _, q := range ddl {
		if err := h.Exec(ctx, q); err != nil {
			table := strings.Fields(q)[5]
			return fmt.Errorf("create %s: %w", table, err)
		}
	}
	return nil
}

// RecordVerdicts appends a batch of verdict rows. An empty batch is a no-op.
func (h *History) RecordVerdicts(ctx context.Context, rows []VerdictRow) error {
	if len(rows) == 0 {
		return nil
	}
	batch, err := h.PrepareBatch(ctx, "INSERT INTO validity_history")
	if err != nil {
		return fmt.Errorf("prepare verdict batch: %w", err)
	}
	for _, r := range rows {
		if err := batch.Append(r.Stash, r.Name, string(r.Rule), r.Outcome, r.Details, r.At); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("append verdict for %s: %w", r.Stash, err)
		}
	}
	return batch.Send()
}

// RecordNomination appends an executed nomination.
func (h *History) RecordNomination(ctx context.Context, nom models.Nomination) error {
	bonded := "0"
	if nom.Bonded != nil {
		bonded = nom.Bonded.String()
	}
	ts := nom.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return h.Exec(ctx, `INSERT INTO nomination_history (address, era, targets, bonded, block_hash, at) VALUES (?, ?, ?, ?, ?, ?)`,
		nom.Address, nom.Era, nom.Targets, bonded, nom.BlockHash, ts)
}
