package app

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/soin8293/jd-tech-sub001/internal/clock"
	"github.com/soin8293/jd-tech-sub001/internal/domain"
	"github.com/soin8293/jd-tech-sub001/internal/store"
)

// defaultWatchLimit bounds the change-feed subscription to the most
// recently updated records, keeping feed cost flat as the dataset grows.
const defaultWatchLimit = 50

// PresenceMode distinguishes a viewer from an active editor.
type PresenceMode string

const (
	PresenceViewing PresenceMode = "viewing"
	PresenceEditing PresenceMode = "editing"
)

// PresenceEntry is one "who is looking at what" roster line. Purely
// informational; carries no correctness guarantee.
type PresenceEntry struct {
	OwnerID    string
	OwnerLabel string
	Mode       PresenceMode
	Since      time.Time
}

// ChangeReconciler consumes the store's change feed, diffs incoming
// snapshots against last-known state, and raises conflicts into the
// engine when a foreign change lands on a target with a pending local
// mutation. Changes originated by our own operations pass through as
// plain view refreshes.
type ChangeReconciler struct {
	gateway  store.Gateway
	engine   *OptimisticEngine
	sched    clock.Scheduler
	limit    int
	onChange func(id string, changes []domain.FieldChange)

	mu        sync.Mutex
	lastKnown map[string]store.Record
	presence  map[string]map[string]PresenceEntry
	sub       store.Subscription
	done      chan struct{}
}

type ReconcilerOption func(*ChangeReconciler)

// WithWatchLimit overrides how many recently updated records the feed covers.
func WithWatchLimit(n int) ReconcilerOption {
	return func(r *ChangeReconciler) {
		if n > 0 {
			r.limit = n
		}
	}
}

// WithChangeSetHook registers a display hook receiving the
// human-readable change set for every incoming change.
func WithChangeSetHook(fn func(id string, changes []domain.FieldChange)) ReconcilerOption {
	return func(r *ChangeReconciler) { r.onChange = fn }
}

func NewChangeReconciler(gateway store.Gateway, engine *OptimisticEngine, sched clock.Scheduler, opts ...ReconcilerOption) *ChangeReconciler {
	r := &ChangeReconciler{
		gateway:   gateway,
		engine:    engine,
		sched:     sched,
		limit:     defaultWatchLimit,
		lastKnown: make(map[string]store.Record),
		presence:  make(map[string]map[string]PresenceEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start subscribes to the change feed and consumes it until Stop.
func (r *ChangeReconciler) Start(ctx context.Context) error {
	sub, err := r.gateway.Subscribe(ctx, store.Filter{Limit: r.limit})
	if err != nil {
		return fmt.Errorf("subscribe to change feed: %w", err)
	}

	r.mu.Lock()
	r.sub = sub
	r.done = make(chan struct{})
	r.mu.Unlock()

	go func() {
		defer close(r.done)
		for change := range sub.Changes() {
			r.handleChange(ctx, change)
		}
	}()
	return nil
}

// Stop cancels the subscription and waits for the consumer to drain.
func (r *ChangeReconciler) Stop() {
	r.mu.Lock()
	sub := r.sub
	done := r.done
	r.sub = nil
	r.mu.Unlock()

	if sub != nil {
		sub.Cancel()
	}
	if done != nil {
		<-done
	}
}

// handleChange is the per-change pipeline: diff, conflict check, apply.
func (r *ChangeReconciler) handleChange(ctx context.Context, change store.Change) {
	id := change.Record.ID

	r.mu.Lock()
	previous := r.lastKnown[id]
	if change.Type == store.ChangeRemoved {
		delete(r.lastKnown, id)
	} else {
		r.lastKnown[id] = change.Record.Clone()
	}
	r.mu.Unlock()

	if r.onChange != nil {
		var after map[string]any
		if change.Type != store.ChangeRemoved {
			after = change.Record.Fields
		}
		r.onChange(id, domain.DiffFields(previous.Fields, after))
	}

	// An echo of one of our own writes, pending or already settled,
	// carries our operation id as Origin; it is never a conflict and
	// never overrides the optimistic view.
	if r.engine.OwnOrigin(change.Origin) {
		return
	}
	if op, ok := r.engine.PendingFor(id); ok {
		// Foreign write under a pending local mutation: never overwrite
		// local state silently.
		r.engine.RaiseRemoteConflict(ctx, op, change.Record)
		return
	}
	r.engine.AcceptRemote(change)
}

// LastKnown returns the reconciler's view of a record as of the latest
// feed delivery.
func (r *ChangeReconciler) LastKnown(id string) (store.Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.lastKnown[id]
	if !ok {
		return store.Record{}, false
	}
	return rec.Clone(), true
}

// SetPresence records that owner is viewing or editing a resource.
func (r *ChangeReconciler) SetPresence(resourceID, ownerID, ownerLabel string, mode PresenceMode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	roster, ok := r.presence[resourceID]
	if !ok {
		roster = make(map[string]PresenceEntry)
		r.presence[resourceID] = roster
	}
	roster[ownerID] = PresenceEntry{
		OwnerID:    ownerID,
		OwnerLabel: ownerLabel,
		Mode:       mode,
		Since:      r.sched.Now(),
	}
}

// ClearPresence removes owner from a resource's roster.
func (r *ChangeReconciler) ClearPresence(resourceID, ownerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if roster, ok := r.presence[resourceID]; ok {
		delete(roster, ownerID)
		if len(roster) == 0 {
			delete(r.presence, resourceID)
		}
	}
}

// Presence lists who is currently on a resource, editors first.
func (r *ChangeReconciler) Presence(resourceID string) []PresenceEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	roster := r.presence[resourceID]
	out := make([]PresenceEntry, 0, len(roster))
	for _, entry := range roster {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Mode != out[j].Mode {
			return out[i].Mode == PresenceEditing
		}
		return out[i].OwnerID < out[j].OwnerID
	})
	return out
}
