// Package memory is an in-process db.Store used for local runs (no POSTGRES_URL)
// and as the persistence collaborator in tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/canopy-network/scorekeeper/pkg/db"
	"github.com/canopy-network/scorekeeper/pkg/db/models"
)

var _ db.Store = (*Store)(nil)

type delayedKey struct {
	controller string
	callHash   string
}

// Store keeps every record in maps behind a single mutex. Reads return copies.
type Store struct {
	mu sync.Mutex

	candidates  map[string]*models.Candidate
	locations   map[string]models.Location
	releases    []models.Release
	lastEra     uint32
	delayed     map[delayedKey]models.DelayedTx
	nominations []models.Nomination

	now func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{
		candidates: make(map[string]*models.Candidate),
		locations:  make(map[string]models.Location),
		delayed:    make(map[delayedKey]models.DelayedTx),
		now:        time.Now,
	}
}

func (s *Store) Close() error { return nil }

func copyCandidate(c *models.Candidate) models.Candidate {
	out := *c
	out.UnclaimedEras = append([]uint32(nil), c.UnclaimedEras...)
	out.FaultEvents = append([]models.FaultEvent(nil), c.FaultEvents...)
	out.Invalidity = append([]models.InvalidityReason(nil), c.Invalidity...)
	return out
}

func (s *Store) AllCandidates(_ context.Context) ([]models.Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Candidate, 0, len(s.candidates))
	for _, c := range s.candidates {
		out = append(out, copyCandidate(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Stash < out[j].Stash })
	return out, nil
}

func (s *Store) GetCandidate(_ context.Context, stash string) (*models.Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.candidates[stash]
	if !ok {
		return nil, nil
	}
	out := copyCandidate(c)
	return &out, nil
}

// UpsertCandidate keeps verdicts, fault events, rank and faults of an existing record.
func (s *Store) UpsertCandidate(_ context.Context, c models.Candidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := copyCandidate(&c)
	if existing, ok := s.candidates[c.Stash]; ok {
		next.DiscoveredAt = existing.DiscoveredAt
		next.Rank = existing.Rank
		next.Faults = existing.Faults
		next.FaultEvents = existing.FaultEvents
		next.Invalidity = existing.Invalidity
	} else if next.DiscoveredAt.IsZero() {
		next.DiscoveredAt = s.now()
	}
	s.candidates[c.Stash] = &next
	return nil
}

// SeedCandidate refreshes name, kusama stash and skipSelfStake of an
// existing record and leaves everything else alone.
func (s *Store) SeedCandidate(_ context.Context, c models.Candidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.candidates[c.Stash]
	if !ok {
		next := models.Candidate{Stash: c.Stash, Name: c.Name, KusamaStash: c.KusamaStash, SkipSelfStake: c.SkipSelfStake, DiscoveredAt: s.now()}
		s.candidates[c.Stash] = &next
		return nil
	}
	existing.Name = c.Name
	existing.KusamaStash = c.KusamaStash
	existing.SkipSelfStake = c.SkipSelfStake
	return nil
}

// SetInvalidity is a no-op for unknown stashes, like an UPDATE matching no row.
func (s *Store) SetInvalidity(_ context.Context, stash string, reason models.InvalidityReason) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.candidates[stash]
	if !ok {
		return nil
	}
	if reason.UpdatedAt.IsZero() {
		reason.UpdatedAt = s.now()
	}
	c.SetReason(reason)
	return nil
}

func (s *Store) CandidateLocation(_ context.Context, name string) (*models.Location, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	loc, ok := s.locations[name]
	if !ok {
		return nil, nil
	}
	return &loc, nil
}

func (s *Store) SetLocation(_ context.Context, loc models.Location) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	loc.UpdatedAt = s.now()
	s.locations[loc.Name] = loc
	return nil
}

func (s *Store) PushFaultEvent(_ context.Context, stash, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.candidates[stash]; ok {
		c.FaultEvents = append(c.FaultEvents, models.FaultEvent{When: s.now(), Reason: reason})
	}
	return nil
}

func (s *Store) AddPoint(_ context.Context, stash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.candidates[stash]; ok {
		c.Rank++
	}
	return nil
}

func (s *Store) DockPoints(_ context.Context, stash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.candidates[stash]; ok {
		c.Rank = models.DockedRank(c.Rank)
		c.Faults++
	}
	return nil
}

func (s *Store) ClearAccumulatedOffline(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.candidates {
		c.OfflineAccumulated = 0
	}
	return nil
}

func (s *Store) LatestRelease(_ context.Context) (*models.Release, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.releases) == 0 {
		return nil, nil
	}
	latest := s.releases[0]
	for _, r := range s.releases[1:] {
		if r.PublishedAt.After(latest.PublishedAt) {
			latest = r
		}
	}
	return &latest, nil
}

func (s *Store) SetRelease(_ context.Context, r models.Release) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.releases {
		if s.releases[i].Name == r.Name {
			s.releases[i] = r
			return nil
		}
	}
	s.releases = append(s.releases, r)
	return nil
}

func (s *Store) LastNominatedEraIndex(_ context.Context) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastEra, nil
}

func (s *Store) SetLastNominatedEraIndex(_ context.Context, era uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastEra = era
	return nil
}

func (s *Store) AddDelayedTx(_ context.Context, tx models.DelayedTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = s.now()
	}
	tx.Targets = append([]string(nil), tx.Targets...)
	s.delayed[delayedKey{tx.Controller, tx.CallHash}] = tx
	return nil
}

// AllDelayedTxs lists pending announcements ordered by block number, then controller.
func (s *Store) AllDelayedTxs(_ context.Context) ([]models.DelayedTx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.DelayedTx, 0, len(s.delayed))
	for _, tx := range s.delayed {
		tx.Targets = append([]string(nil), tx.Targets...)
		out = append(out, tx)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Number != out[j].Number {
			return out[i].Number < out[j].Number
		}
		return out[i].Controller < out[j].Controller
	})
	return out, nil
}

func (s *Store) DeleteDelayedTx(_ context.Context, controller, callHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.delayed, delayedKey{controller, callHash})
	return nil
}

func (s *Store) CompleteDelayedTx(_ context.Context, tx models.DelayedTx, nom models.Nomination) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.appendNomination(nom)
	delete(s.delayed, delayedKey{tx.Controller, tx.CallHash})
	return nil
}

func (s *Store) SetNomination(_ context.Context, nom models.Nomination) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.appendNomination(nom)
	return nil
}

func (s *Store) appendNomination(nom models.Nomination) {
	if nom.Timestamp.IsZero() {
		nom.Timestamp = s.now()
	}
	nom.Targets = append([]string(nil), nom.Targets...)
	s.nominations = append(s.nominations, nom)
}

// Nominations returns every recorded nomination in insertion order.
func (s *Store) Nominations() []models.Nomination {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Nomination(nil), s.nominations...)
}
