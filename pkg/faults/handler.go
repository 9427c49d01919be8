// Package faults turns chain fault events into candidate fault records and
// rank penalties.
package faults

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/canopy-network/scorekeeper/pkg/db/models"
)

// EventKind identifies a chain event delivered to the Handler.
type EventKind string

const (
	// KindNewSession carries the index of the session that just started.
	KindNewSession EventKind = "newSession"
	// KindSomeOffline carries the stashes reported offline in the session
	// that just ended.
	KindSomeOffline EventKind = "someOffline"
)

// Event is one typed chain event.
type Event struct {
	Kind    EventKind `json:"kind"`
	Session uint32    `json:"session"`
	Offline []string  `json:"offline,omitempty"`
}

// Store is the candidate persistence the Handler needs.
type Store interface {
	GetCandidate(ctx context.Context, stash string) (*models.Candidate, error)
	PushFaultEvent(ctx context.Context, stash, reason string) error
}

// Handler records offline faults. A fault is recorded once per distinct
// reason string, so a replayed event does not dock points twice.
type Handler struct {
	store    Store
	rank     *Rank
	notifier Notifier
	logger   *zap.Logger

	session atomic.Uint32
}

func NewHandler(store Store, rank *Rank, notifier Notifier, logger *zap.Logger) *Handler {
	return &Handler{
		store:    store,
		rank:     rank,
		notifier: notifier,
		logger:   logger.With(zap.String("component", "faults")),
	}
}

// Session is the index of the latest session seen.
func (h *Handler) Session() uint32 {
	return h.session.Load()
}

// Consume handles events until the channel closes or ctx is done.
func (h *Handler) Consume(ctx context.Context, events <-chan Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := h.Handle(ctx, ev); err != nil {
				h.logger.Error("Failed to handle chain event",
					zap.String("kind", string(ev.Kind)),
					zap.Uint32("session", ev.Session),
					zap.Error(err),
				)
			}
		}
	}
}

// Handle dispatches one event.
func (h *Handler) Handle(ctx context.Context, ev Event) error {
	switch ev.Kind {
	case KindNewSession:
		h.session.Store(ev.Session)
		h.logger.Debug("New session", zap.Uint32("session", ev.Session))
		return nil
	case KindSomeOffline:
		session := ev.Session
		if session == 0 {
			session = h.session.Load()
		}
		return h.HandleOffline(ctx, session, ev.Offline)
	default:
		return fmt.Errorf("unknown event kind %q", ev.Kind)
	}
}

// HandleOffline records a fault, reports its reason and docks points for every offline stash
// that is a known candidate. session is the index of the session in which
// the event was emitted; the fault belongs to the one before it.
func (h *Handler) HandleOffline(ctx context.Context, session uint32, stashes []string) error {
	for _, stash := range stashes {
		cand, err := h.store.GetCandidate(ctx, stash)
		if err != nil {
			return fmt.Errorf("get candidate %s: %w", stash, err)
		}
		if cand == nil {
			continue
		}

		reason := fmt.Sprintf("%s had an offline event in session %d", cand.Name, int64(session)-1)
		if cand.HasFault(reason) {
			continue
		}
		if err := h.store.PushFaultEvent(ctx, stash, reason); err != nil {
			return fmt.Errorf("push fault event for %s: %w", stash, err)
		}
		h.logger.Info(reason, zap.String("stash", stash))
		h.notifier.Notify(ctx, reason)
		if err := h.rank.DockPoints(ctx, cand); err != nil {
			return err
		}
	}
	return nil
}
