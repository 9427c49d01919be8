package remote

import (
	"context"
	"fmt"
	"net/url"
)

// CompanionCandidate is the companion network programme's view of a candidate.
type CompanionCandidate struct {
	Rank              int64  `json:"rank"`
	InvalidityReasons string `json:"invalidityReasons"`
}

// CompanionClient queries the companion network programme backend.
type CompanionClient struct {
	http *jsonClient
}

func NewCompanionClient(endpoint string) *CompanionClient {
	return &CompanionClient{http: newJSONClient(Opts{BaseURL: endpoint})}
}

func (c *CompanionClient) Candidate(ctx context.Context, stash string) (CompanionCandidate, error) {
	var out CompanionCandidate
	if err := c.http.get(ctx, "/candidate/"+url.PathEscape(stash), &out); err != nil {
		return CompanionCandidate{}, fmt.Errorf("companion candidate %s: %w", stash, err)
	}
	return out, nil
}
