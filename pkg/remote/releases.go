package remote

import (
	"context"
	"fmt"
	"time"

	"github.com/canopy-network/scorekeeper/pkg/db/models"
)

// ReleaseClient reads the latest release of a GitHub repository.
type ReleaseClient struct {
	http *jsonClient
	repo string
}

func NewReleaseClient(endpoint, repo string) *ReleaseClient {
	return &ReleaseClient{
		http: newJSONClient(Opts{
			BaseURL: endpoint,
			Headers: map[string]string{"Accept": "application/vnd.github+json"},
		}),
		repo: repo,
	}
}

type githubRelease struct {
	TagName     string    `json:"tag_name"`
	PublishedAt time.Time `json:"published_at"`
}

func (c *ReleaseClient) LatestRelease(ctx context.Context) (models.Release, error) {
	var r githubRelease
	if err := c.http.get(ctx, fmt.Sprintf("/repos/%s/releases/latest", c.repo), &r); err != nil {
		return models.Release{}, fmt.Errorf("latest release of %s: %w", c.repo, err)
	}
	if r.TagName == "" {
		return models.Release{}, fmt.Errorf("latest release of %s has no tag", c.repo)
	}
	return models.Release{Name: r.TagName, PublishedAt: r.PublishedAt}, nil
}
