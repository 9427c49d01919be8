package scorekeeper

import (
	"context"
	"fmt"

	"github.com/canopy-network/scorekeeper/pkg/db"
	"github.com/canopy-network/scorekeeper/pkg/db/postgres"
	"go.uber.org/zap"
)

var _ db.Store = (*DB)(nil)

// DB is the PostgreSQL implementation of db.Store.
type DB struct {
	*postgres.Client
	Name string
}

// New connects to (creating if needed) opts.Database and ensures the schema exists.
func New(ctx context.Context, logger *zap.Logger, opts postgres.Options) (*DB, error) {
	client, err := postgres.New(ctx, logger.With(
		zap.String("db", opts.Database),
		zap.String("component", "store"),
	), opts)
	if err != nil {
		return nil, err
	}

	store := &DB{Client: client, Name: opts.Database}
	if err := store.InitializeDB(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return store, nil
}

// Close terminates the underlying PostgreSQL connection
func (db *DB) Close() error {
	db.Client.Close()
	return nil
}

// InitializeDB ensures the required tables exist
func (db *DB) InitializeDB(ctx context.Context) error {
	db.Logger.Info("Initializing scorekeeper database", zap.String("database", db.Name))

	steps := []struct {
		table string
		init  func(context.Context) error
	}{
		{"candidates", db.initCandidates},
		{"candidate_invalidity", db.initInvalidity},
		{"fault_events", db.initFaultEvents},
		{"locations", db.initLocations},
		{"releases", db.initReleases},
		{"chain_metadata", db.initChainMetadata},
		{"delayed_txs", db.initDelayedTxs},
		{"nominations", db.initNominations},
	}
	for _, step := range steps {
		db.Logger.Debug("Initialize table", zap.String("table", step.table))
		if err := step.init(ctx); err != nil {
			return fmt.Errorf("init %s: %w", step.table, err)
		}
	}
	return nil
}
