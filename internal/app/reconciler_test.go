package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/soin8293/jd-tech-sub001/internal/clock"
	"github.com/soin8293/jd-tech-sub001/internal/domain"
	"github.com/soin8293/jd-tech-sub001/internal/store"
	"github.com/soin8293/jd-tech-sub001/internal/store/memory"
)

// changeLog collects change-set hook deliveries and signals each one.
type changeLog struct {
	mu      sync.Mutex
	entries []changeEntry
	signal  chan struct{}
}

type changeEntry struct {
	id      string
	changes []domain.FieldChange
}

func newChangeLog() *changeLog {
	return &changeLog{signal: make(chan struct{}, 64)}
}

func (l *changeLog) hook(id string, changes []domain.FieldChange) {
	l.mu.Lock()
	l.entries = append(l.entries, changeEntry{id: id, changes: changes})
	l.mu.Unlock()
	l.signal <- struct{}{}
}

func (l *changeLog) await(t *testing.T) changeEntry {
	t.Helper()
	select {
	case <-l.signal:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change delivery")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entries[len(l.entries)-1]
}

func waitUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

type reconcilerFixture struct {
	reconciler *ChangeReconciler
	engine     *OptimisticEngine
	gateway    *memory.Gateway
	queue      *OfflineQueue
	notices    *noticeRecorder
	changes    *changeLog
}

func newReconcilerFixture(t *testing.T, strategy domain.ConflictStrategy) *reconcilerFixture {
	t.Helper()
	clk := clock.NewVirtual(lockTestStart)
	gw := memory.New(clk)
	notices := &noticeRecorder{}
	engine := NewOptimisticEngine(gw, clk, notices, strategy)
	queue := NewOfflineQueue(&fakeJournal{}, engine.SubmitOperation, clk, notices, engine.Rollback)
	engine.AttachQueue(queue)

	changes := newChangeLog()
	rec := NewChangeReconciler(gw, engine, clk, WithChangeSetHook(changes.hook))
	if err := rec.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		rec.Stop()
		queue.Close()
	})
	return &reconcilerFixture{
		reconciler: rec,
		engine:     engine,
		gateway:    gw,
		queue:      queue,
		notices:    notices,
		changes:    changes,
	}
}

func TestChangeReconciler_AcceptsForeignChange(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fx := newReconcilerFixture(t, domain.StrategyPromptUser)

	rec := store.Record{ID: "room-101", Fields: map[string]any{"id": "room-101", "price": 200}}
	if _, err := fx.gateway.Create(ctx, rec, "someone-else"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	entry := fx.changes.await(t)
	if entry.id != "room-101" {
		t.Fatalf("change id = %q", entry.id)
	}

	waitUntil(t, func() bool {
		item, ok := fx.engine.Item("room-101")
		return ok && item.Fields["price"] == 200
	}, "foreign change never reached the local view")

	known, ok := fx.reconciler.LastKnown("room-101")
	if !ok || known.Fields["price"] != 200 {
		t.Fatalf("LastKnown = %+v, %v", known, ok)
	}
}

func TestChangeReconciler_RemovedChangeDropsRecord(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fx := newReconcilerFixture(t, domain.StrategyPromptUser)

	rec := store.Record{ID: "room-101", Fields: map[string]any{"id": "room-101", "price": 200}}
	created, err := fx.gateway.Create(ctx, rec, "someone-else")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	fx.changes.await(t)

	if err := fx.gateway.Delete(ctx, "room-101", created.Version, "someone-else"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	fx.changes.await(t)

	waitUntil(t, func() bool {
		_, ok := fx.engine.Item("room-101")
		return !ok
	}, "removed record lingers in the local view")

	if _, ok := fx.reconciler.LastKnown("room-101"); ok {
		t.Fatal("LastKnown kept a removed record")
	}
}

func TestChangeReconciler_ForeignChangeUnderPendingRaisesConflict(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fx := newReconcilerFixture(t, domain.StrategyPromptUser)

	// Seed the record and let the delivery settle.
	if _, err := fx.engine.ExecuteOptimistic(ctx, domain.OperationCreate, roomPayload(200)); err != nil {
		t.Fatalf("seed create: %v", err)
	}
	fx.changes.await(t)

	// Go offline so the local edit stays pending.
	fx.queue.SetOnline(ctx, false)
	if _, err := fx.engine.ExecuteOptimistic(ctx, domain.OperationUpdate, roomPayload(250)); err != nil {
		t.Fatalf("local update: %v", err)
	}

	external := store.Record{ID: "room-101", Fields: map[string]any{"id": "room-101", "price": 999}}
	if _, err := fx.gateway.Update(ctx, external, store.AnyVersion, "someone-else"); err != nil {
		t.Fatalf("external update: %v", err)
	}
	fx.changes.await(t)

	waitUntil(t, func() bool {
		return len(fx.engine.Conflicts()) == 1
	}, "foreign change under a pending edit raised no conflict")

	// The local optimistic value was not silently overwritten.
	item, ok := fx.engine.Item("room-101")
	if !ok || item.Fields["price"] != 250 {
		t.Fatalf("view = %+v, %v; want local 250 preserved", item, ok)
	}
	if !fx.notices.has("conflict_detected") {
		t.Fatalf("notices = %v, want conflict_detected", fx.notices.codes())
	}
}

func TestChangeReconciler_OwnEchoIgnored(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fx := newReconcilerFixture(t, domain.StrategyPromptUser)

	fx.queue.SetOnline(ctx, false)
	op, err := fx.engine.ExecuteOptimistic(ctx, domain.OperationCreate, roomPayload(250))
	if err != nil {
		t.Fatalf("ExecuteOptimistic: %v", err)
	}

	// A write carrying our own operation id arrives on the feed, e.g. a
	// retry that landed before the queue heard back. It must neither
	// raise a conflict nor clobber the optimistic view.
	echo := store.Record{ID: "room-101", Fields: map[string]any{"id": "room-101", "price": 777}}
	if _, err := fx.gateway.Create(ctx, echo, op.ID); err != nil {
		t.Fatalf("Create: %v", err)
	}
	fx.changes.await(t)

	if len(fx.engine.Conflicts()) != 0 {
		t.Fatal("own echo raised a conflict")
	}
	item, ok := fx.engine.Item("room-101")
	if !ok || item.Fields["price"] != 250 {
		t.Fatalf("view = %+v, %v; want optimistic 250", item, ok)
	}
}

func TestChangeReconciler_SettledEchoDoesNotConflict(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fx := newReconcilerFixture(t, domain.StrategyPromptUser)

	// First write commits and settles; its feed echo may still arrive
	// later than the commit (pub/sub delivery is async).
	op1, err := fx.engine.ExecuteOptimistic(ctx, domain.OperationCreate, roomPayload(200))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	fx.changes.await(t)

	// A second edit on the same target is pending when the echo lands.
	fx.queue.SetOnline(ctx, false)
	if _, err := fx.engine.ExecuteOptimistic(ctx, domain.OperationUpdate, roomPayload(250)); err != nil {
		t.Fatalf("update: %v", err)
	}

	echo := store.Record{ID: "room-101", Fields: map[string]any{"id": "room-101", "price": 200}}
	if _, err := fx.gateway.Update(ctx, echo, store.AnyVersion, op1.ID); err != nil {
		t.Fatalf("echo update: %v", err)
	}
	fx.changes.await(t)

	if got := len(fx.engine.Conflicts()); got != 0 {
		t.Fatalf("conflicts after settled echo = %d, want 0", got)
	}
	item, ok := fx.engine.Item("room-101")
	if !ok || item.Fields["price"] != 250 {
		t.Fatalf("view = %+v, %v; want pending 250 preserved", item, ok)
	}
}

func TestChangeReconciler_ChangeSetHook(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fx := newReconcilerFixture(t, domain.StrategyPromptUser)

	rec := store.Record{ID: "room-101", Fields: map[string]any{"id": "room-101", "price": 200}}
	created, err := fx.gateway.Create(ctx, rec, "someone-else")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	fx.changes.await(t)

	rec.Fields = map[string]any{"id": "room-101", "price": 999}
	if _, err := fx.gateway.Update(ctx, rec, created.Version, "someone-else"); err != nil {
		t.Fatalf("Update: %v", err)
	}
	entry := fx.changes.await(t)

	if len(entry.changes) != 1 {
		t.Fatalf("changes = %v, want one price change", entry.changes)
	}
	if got := entry.changes[0].String(); got != "price: 200 -> 999" {
		t.Fatalf("change = %q", got)
	}
}

func TestChangeReconciler_Presence(t *testing.T) {
	t.Parallel()
	clk := clock.NewVirtual(lockTestStart)
	gw := memory.New(clk)
	engine := NewOptimisticEngine(gw, clk, nil, domain.StrategyPromptUser)
	rec := NewChangeReconciler(gw, engine, clk)

	if got := rec.Presence("room-101"); len(got) != 0 {
		t.Fatalf("empty roster = %v", got)
	}

	rec.SetPresence("room-101", "staff-2", "Bob", PresenceViewing)
	rec.SetPresence("room-101", "staff-1", "Alice", PresenceEditing)
	rec.SetPresence("room-101", "staff-3", "Cara", PresenceViewing)

	got := rec.Presence("room-101")
	if len(got) != 3 {
		t.Fatalf("roster size = %d, want 3", len(got))
	}
	if got[0].OwnerID != "staff-1" || got[0].Mode != PresenceEditing {
		t.Fatalf("first entry = %+v, want the editor", got[0])
	}
	if got[1].OwnerID != "staff-2" || got[2].OwnerID != "staff-3" {
		t.Fatalf("viewer order = %s, %s", got[1].OwnerID, got[2].OwnerID)
	}
	if !got[0].Since.Equal(lockTestStart) {
		t.Fatalf("Since = %v, want %v", got[0].Since, lockTestStart)
	}

	// Re-setting presence switches mode in place.
	rec.SetPresence("room-101", "staff-2", "Bob", PresenceEditing)
	got = rec.Presence("room-101")
	if len(got) != 3 || got[1].OwnerID != "staff-2" || got[1].Mode != PresenceEditing {
		t.Fatalf("roster after mode switch = %+v", got)
	}

	rec.ClearPresence("room-101", "staff-1")
	rec.ClearPresence("room-101", "staff-2")
	rec.ClearPresence("room-101", "staff-3")
	if got := rec.Presence("room-101"); len(got) != 0 {
		t.Fatalf("roster after clear = %v", got)
	}
}

func TestChangeReconciler_StopDrainsConsumer(t *testing.T) {
	t.Parallel()
	clk := clock.NewVirtual(lockTestStart)
	gw := memory.New(clk)
	engine := NewOptimisticEngine(gw, clk, nil, domain.StrategyPromptUser)
	rec := NewChangeReconciler(gw, engine, clk)

	if err := rec.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	rec.Stop()
	// A second Stop is a no-op.
	rec.Stop()
}
