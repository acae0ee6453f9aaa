// Package memory is an in-process store.Gateway used by tests and by
// offline development; it honors the same version-precondition and
// change-feed semantics as the Redis gateway.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/soin8293/jd-tech-sub001/internal/clock"
	"github.com/soin8293/jd-tech-sub001/internal/store"
)

type Gateway struct {
	mu      sync.Mutex
	clock   clock.Clock
	records map[string]store.Record
	subs    map[int]*subscription
	nextSub int
}

func New(clk clock.Clock) *Gateway {
	return &Gateway{
		clock:   clk,
		records: make(map[string]store.Record),
		subs:    make(map[int]*subscription),
	}
}

func (g *Gateway) Create(_ context.Context, rec store.Record, origin string) (store.Record, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.records[rec.ID]; ok {
		return store.Record{}, store.ErrAlreadyExists
	}
	rec = rec.Clone()
	rec.Version = 1
	rec.UpdatedAt = g.clock.Now()
	g.records[rec.ID] = rec
	g.broadcast(store.Change{Type: store.ChangeAdded, Record: rec.Clone(), Origin: origin})
	return rec.Clone(), nil
}

func (g *Gateway) Get(_ context.Context, id string) (store.Record, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[id]
	if !ok {
		return store.Record{}, store.ErrNotFound
	}
	return rec.Clone(), nil
}

func (g *Gateway) Update(_ context.Context, rec store.Record, expectedVersion int64, origin string) (store.Record, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	current, ok := g.records[rec.ID]
	if !ok {
		return store.Record{}, store.ErrNotFound
	}
	if expectedVersion != store.AnyVersion && current.Version != expectedVersion {
		return store.Record{}, store.ErrVersionMismatch
	}
	rec = rec.Clone()
	rec.Version = current.Version + 1
	rec.UpdatedAt = g.clock.Now()
	g.records[rec.ID] = rec
	g.broadcast(store.Change{Type: store.ChangeModified, Record: rec.Clone(), Origin: origin})
	return rec.Clone(), nil
}

func (g *Gateway) Delete(_ context.Context, id string, expectedVersion int64, origin string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	current, ok := g.records[id]
	if !ok {
		return store.ErrNotFound
	}
	if expectedVersion != store.AnyVersion && current.Version != expectedVersion {
		return store.ErrVersionMismatch
	}
	delete(g.records, id)
	g.broadcast(store.Change{Type: store.ChangeRemoved, Record: current.Clone(), Origin: origin})
	return nil
}

func (g *Gateway) Subscribe(_ context.Context, filter store.Filter) (store.Subscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if filter.Limit > 0 && len(filter.IDs) == 0 {
		filter.IDs = g.recentIDs(filter.Limit)
	}

	g.nextSub++
	sub := &subscription{
		id:     g.nextSub,
		owner:  g,
		filter: filter,
		ch:     make(chan store.Change, 64),
	}
	g.subs[sub.id] = sub
	return sub, nil
}

// recentIDs returns the Limit most recently updated record ids.
// Caller holds g.mu.
func (g *Gateway) recentIDs(limit int) []string {
	recs := make([]store.Record, 0, len(g.records))
	for _, r := range g.records {
		recs = append(recs, r)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].UpdatedAt.After(recs[j].UpdatedAt) })
	if len(recs) > limit {
		recs = recs[:limit]
	}
	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		ids = append(ids, r.ID)
	}
	return ids
}

// broadcast delivers a change to matching subscribers. Caller holds g.mu.
// Slow subscribers drop changes rather than block writers.
func (g *Gateway) broadcast(change store.Change) {
	for _, sub := range g.subs {
		if !sub.filter.Matches(change.Record.ID) {
			continue
		}
		select {
		case sub.ch <- change:
		default:
		}
	}
}

type subscription struct {
	id     int
	owner  *Gateway
	filter store.Filter
	ch     chan store.Change
	once   sync.Once
}

func (s *subscription) Changes() <-chan store.Change { return s.ch }

func (s *subscription) Cancel() {
	s.once.Do(func() {
		s.owner.mu.Lock()
		delete(s.owner.subs, s.id)
		s.owner.mu.Unlock()
		close(s.ch)
	})
}
