package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/canopy-network/scorekeeper/pkg/retry"
	"github.com/canopy-network/scorekeeper/pkg/utils"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Executor is implemented by both *pgxpool.Pool and pgx.Tx.
type Executor interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Options locates the server and sizes the pool. Database is created on the
// server when missing.
type Options struct {
	URL             string
	Database        string
	MinConns        int32
	MaxConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// OptionsFromEnv reads POSTGRES_URL and POSTGRES_DB. The pool fits the
// validity sweep workers plus the proxy sweeps.
func OptionsFromEnv() Options {
	return Options{
		URL:             utils.Env("POSTGRES_URL", "postgres://localhost:5432/postgres"),
		Database:        utils.Env("POSTGRES_DB", "scorekeeper"),
		MinConns:        2,
		MaxConns:        int32(utils.EnvInt("POSTGRES_MAX_CONNS", 16)),
		MaxConnLifetime: 5 * time.Minute,
		MaxConnIdleTime: 2 * time.Minute,
	}
}

// Client is a pgx pool whose helpers run inside the transaction carried by
// the context, if any.
type Client struct {
	Logger *zap.Logger
	Pool   *pgxpool.Pool
}

// New connects with backoff, creating opts.Database first when needed.
func New(ctx context.Context, logger *zap.Logger, opts Options) (*Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}
	cfg.MinConns = opts.MinConns
	cfg.MaxConns = opts.MaxConns
	cfg.MaxConnLifetime = opts.MaxConnLifetime
	cfg.MaxConnIdleTime = opts.MaxConnIdleTime

	c := &Client{Logger: logger}
	if opts.Database != "" && opts.Database != cfg.ConnConfig.Database {
		// Bootstrap against the maintenance database, then reopen.
		if err := c.open(ctx, cfg); err != nil {
			return nil, err
		}
		err := c.createDatabase(ctx, opts.Database)
		c.Close()
		if err != nil {
			return nil, err
		}
		cfg.ConnConfig.Database = opts.Database
	}
	if err := c.open(ctx, cfg); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) open(ctx context.Context, cfg *pgxpool.Config) error {
	pool, err := retry.Value(ctx, retry.Startup(), c.Logger, "postgres_connection", func() (*pgxpool.Pool, error) {
		pool, err := pgxpool.NewWithConfig(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		return pool, nil
	})
	if err != nil {
		return err
	}
	c.Pool = pool
	c.Logger.Info("PostgreSQL pool ready",
		zap.String("database", cfg.ConnConfig.Database),
		zap.Int32("max_conns", cfg.MaxConns))
	return nil
}

func (c *Client) createDatabase(ctx context.Context, name string) error {
	var exists bool
	if err := c.Pool.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname = $1)", name).Scan(&exists); err != nil {
		return fmt.Errorf("check database %s: %w", name, err)
	}
	if exists {
		return nil
	}
	c.Logger.Info("Creating database", zap.String("database", name))
	// CREATE DATABASE takes no bind parameters.
	if _, err := c.Pool.Exec(ctx, "CREATE DATABASE "+pgx.Identifier{name}.Sanitize()); err != nil {
		return fmt.Errorf("create database %s: %w", name, err)
	}
	return nil
}

func (c *Client) Exec(ctx context.Context, query string, args ...any) error {
	_, err := c.executor(ctx).Exec(ctx, query, args...)
	return err
}

// Query returns rows the caller must close.
func (c *Client) Query(ctx context.Context, query string, args ...any) (pgx.Rows, error) {
	return c.executor(ctx).Query(ctx, query, args...)
}

func (c *Client) QueryRow(ctx context.Context, query string, args ...any) pgx.Row {
	return c.executor(ctx).QueryRow(ctx, query, args...)
}

// InTx runs fn in a transaction carried by the context it receives. An
// error from fn rolls back.
func (c *Client) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return pgx.BeginFunc(ctx, c.Pool, func(tx pgx.Tx) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
}

func (c *Client) Close() {
	if c.Pool != nil {
		c.Pool.Close()
		c.Pool = nil
	}
}

type txKey struct{}

func (c *Client) executor(ctx context.Context) Executor {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return c.Pool
}

func IsNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
