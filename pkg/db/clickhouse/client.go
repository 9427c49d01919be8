package clickhouse

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"github.com/canopy-network/scorekeeper/pkg/retry"
	"github.com/canopy-network/scorekeeper/pkg/utils"
)

// Options locates the history cluster. DSN accepts several comma separated
// replicas: clickhouse://user:pass@h1:9000,h2:9000/db.
type Options struct {
	DSN      string
	Database string
	// Strategy is in_order, round_robin or random.
	Strategy     string
	MaxOpenConns int
	MaxIdleConns int
}

// OptionsFromEnv reads CLICKHOUSE_ADDR, CLICKHOUSE_DB and
// CLICKHOUSE_CONN_STRATEGY. History writes are small batches, so the pool
// stays small.
func OptionsFromEnv() Options {
	return Options{
		DSN:          utils.Env("CLICKHOUSE_ADDR", ""),
		Database:     utils.Env("CLICKHOUSE_DB", "scorekeeper"),
		Strategy:     utils.Env("CLICKHOUSE_CONN_STRATEGY", "in_order"),
		MaxOpenConns: 4,
		MaxIdleConns: 2,
	}
}

type Client struct {
	Logger   *zap.Logger
	Db       driver.Conn
	Database string
}

type dsn struct {
	replicas []string
	user     string
	password string
}

// parseDSN splits a possibly multi-host DSN, which net/url rejects.
func parseDSN(raw string) dsn {
	rest := strings.TrimPrefix(strings.TrimPrefix(raw, "clickhouse://"), "tcp://")
	out := dsn{user: "default"}
	if creds, hosts, ok := strings.Cut(rest, "@"); ok {
		out.user, out.password, _ = strings.Cut(creds, ":")
		rest = hosts
	}
	if i := strings.IndexAny(rest, "/?"); i != -1 {
		rest = rest[:i]
	}
	for _, h := range utils.Dedup(strings.Split(rest, ",")) {
		if h = strings.TrimSpace(h); h != "" {
			out.replicas = append(out.replicas, h)
		}
	}
	if len(out.replicas) == 0 {
		out.replicas = []string{"localhost:9000"}
	}
	return out
}

func openStrategy(s string) clickhouse.ConnOpenStrategy {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "round_robin", "roundrobin":
		return clickhouse.ConnOpenRoundRobin
	case "random":
		return clickhouse.ConnOpenRandom
	}
	return clickhouse.ConnOpenInOrder
}

// SanitizeName makes a database name safe to interpolate into DDL.
func SanitizeName(name string) string {
	return strings.NewReplacer("-", "_", ".", "_", " ", "_").Replace(name)
}

// New connects with backoff and makes sure opts.Database exists.
func New(ctx context.Context, logger *zap.Logger, opts Options) (*Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	parsed := parseDSN(opts.DSN)
	chOpts := &clickhouse.Options{
		Addr:             parsed.replicas,
		ConnOpenStrategy: openStrategy(opts.Strategy),
		Auth:             clickhouse.Auth{Database: "default", Username: parsed.user, Password: parsed.password},
		DialTimeout:      30 * time.Second,
		MaxOpenConns:     opts.MaxOpenConns,
		MaxIdleConns:     opts.MaxIdleConns,
		ConnMaxLifetime:  5 * time.Minute,
		Compression:      &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
	}
	if logger.Core().Enabled(zap.DebugLevel) {
		chOpts.Debugf = logger.Named("clickhouse.driver").Sugar().Debugf
	}

	c := &Client{Logger: logger, Database: SanitizeName(opts.Database)}
	if err := c.open(ctx, chOpts); err != nil {
		return nil, err
	}
	err := c.Exec(ctx, "CREATE DATABASE IF NOT EXISTS "+c.Database)
	_ = c.Close()
	if err != nil {
		return nil, fmt.Errorf("create database %s: %w", c.Database, err)
	}

	chOpts.Auth.Database = c.Database
	if err := c.open(ctx, chOpts); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) open(ctx context.Context, opts *clickhouse.Options) error {
	conn, err := retry.Value(ctx, retry.Startup(), c.Logger, "clickhouse_connection", func() (driver.Conn, error) {
		conn, err := clickhouse.Open(opts)
		if err != nil {
			return nil, err
		}
		if err := conn.Ping(ctx); err != nil {
			_ = conn.Close()
			return nil, err
		}
		return conn, nil
	})
	if err != nil {
		return err
	}
	c.Db = conn
	c.Logger.Info("ClickHouse ready",
		zap.String("database", opts.Auth.Database),
		zap.Strings("replicas", opts.Addr))
	return nil
}

func (c *Client) Exec(ctx context.Context, query string, args ...any) error {
	return c.Db.Exec(ctx, query, args...)
}

func (c *Client) PrepareBatch(ctx context.Context, query string) (driver.Batch, error) {
	return c.Db.PrepareBatch(ctx, query)
}

func (c *Client) Close() error {
	if c.Db == nil {
		return nil
	}
	err := c.Db.Close()
	c.Db = nil
	return err
}
