package scorekeeper

import (
	"context"
	"fmt"

	"github.com/canopy-network/scorekeeper/pkg/db/models"
	"github.com/canopy-network/scorekeeper/pkg/db/postgres"
)

func (db *DB) initReleases(ctx context.Context) error {
	return db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS releases (
			name TEXT PRIMARY KEY,
			published_at TIMESTAMP WITH TIME ZONE NOT NULL
		)
	`)
}

// LatestRelease returns the most recently published release, or nil, nil.
func (db *DB) LatestRelease(ctx context.Context) (*models.Release, error) {
	var r models.Release
	err := db.QueryRow(ctx, `SELECT name, published_at FROM releases ORDER BY published_at DESC LIMIT 1`).
		Scan(&r.Name, &r.PublishedAt)
	if err != nil {
		if postgres.IsNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("query latest release: %w", err)
	}
	return &r, nil
}

func (db *DB) SetRelease(ctx context.Context, r models.Release) error {
	return db.Exec(ctx, `
		INSERT INTO releases (name, published_at) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET published_at = EXCLUDED.published_at
	`, r.Name, r.PublishedAt)
}
