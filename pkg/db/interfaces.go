package db

import (
	"context"

	"github.com/canopy-network/scorekeeper/pkg/db/models"
)

// CandidateStore holds candidate records, their per-rule verdicts and fault history.
type CandidateStore interface {
	AllCandidates(ctx context.Context) ([]models.Candidate, error)
	// GetCandidate returns nil, nil when the stash is unknown.
	GetCandidate(ctx context.Context, stash string) (*models.Candidate, error)
	// SetInvalidity overwrites the verdict of reason.Type for stash.
	SetInvalidity(ctx context.Context, stash string, reason models.InvalidityReason) error
	// CandidateLocation returns nil, nil when no location is known for the node name.
	CandidateLocation(ctx context.Context, name string) (*models.Location, error)
	PushFaultEvent(ctx context.Context, stash, reason string) error
	AddPoint(ctx context.Context, stash string) error
	DockPoints(ctx context.Context, stash string) error
	ClearAccumulatedOffline(ctx context.Context) error
	// UpsertCandidate creates or refreshes a candidate record. Verdicts, fault
	// events and rank are left untouched on existing records.
	UpsertCandidate(ctx context.Context, c models.Candidate) error
	// SeedCandidate writes only the configured identity: name, kusama stash
	// and skipSelfStake. Discovery telemetry on an existing record survives.
	SeedCandidate(ctx context.Context, c models.Candidate) error
	SetLocation(ctx context.Context, loc models.Location) error
}

// ReleaseStore persists the latest client release seen by the monitor job.
type ReleaseStore interface {
	// LatestRelease returns nil, nil before the first release is recorded.
	LatestRelease(ctx context.Context) (*models.Release, error)
	SetRelease(ctx context.Context, r models.Release) error
}

// LedgerStore is the nomination ledger: last nominated era, pending proxy
// announcements and completed nominations.
type LedgerStore interface {
	LastNominatedEraIndex(ctx context.Context) (uint32, error)
	SetLastNominatedEraIndex(ctx context.Context, era uint32) error
	AddDelayedTx(ctx context.Context, tx models.DelayedTx) error
	AllDelayedTxs(ctx context.Context) ([]models.DelayedTx, error)
	// DeleteDelayedTx is a no-op when no entry matches.
	DeleteDelayedTx(ctx context.Context, controller, callHash string) error
	// CompleteDelayedTx removes tx and records nom in one transaction.
	CompleteDelayedTx(ctx context.Context, tx models.DelayedTx, nom models.Nomination) error
	SetNomination(ctx context.Context, nom models.Nomination) error
}

// Store is everything the scorekeeper persists.
type Store interface {
	CandidateStore
	ReleaseStore
	LedgerStore
	Close() error
}
