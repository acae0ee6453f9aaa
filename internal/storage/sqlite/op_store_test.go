package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/soin8293/jd-tech-sub001/internal/domain"
)

func testOp(id string, kind domain.OperationKind) domain.PendingOperation {
	return domain.PendingOperation{
		ID:         id,
		Kind:       kind,
		TargetID:   "room-101",
		Payload:    map[string]any{"id": "room-101", "price": float64(120)},
		Optimistic: map[string]any{"id": "room-101", "price": float64(120)},
		Rollback:   map[string]any{"id": "room-101", "price": float64(100)},
		MaxRetries: domain.DefaultMaxRetries,
		CreatedAt:  time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC),
		State:      domain.OperationQueued,
	}
}

func TestOpStore_AppendAndList(t *testing.T) {
	t.Parallel()

	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	for _, id := range []string{"op-1", "op-2", "op-3"} {
		if err := s.Append(ctx, testOp(id, domain.OperationUpdate)); err != nil {
			t.Fatalf("append %s: %v", id, err)
		}
	}

	ops, err := s.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ops) != 3 {
		t.Fatalf("expected 3 operations, got %d", len(ops))
	}
	for i, want := range []string{"op-1", "op-2", "op-3"} {
		if ops[i].ID != want {
			t.Fatalf("expected position %d to be %s, got %s", i, want, ops[i].ID)
		}
	}
	if ops[0].Payload["price"] != float64(120) {
		t.Fatalf("unexpected payload: %v", ops[0].Payload)
	}
	if ops[0].Rollback["price"] != float64(100) {
		t.Fatalf("unexpected rollback snapshot: %v", ops[0].Rollback)
	}
	if !ops[0].CreatedAt.Equal(time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected created_at: %v", ops[0].CreatedAt)
	}

	if err := s.Append(ctx, testOp("op-1", domain.OperationUpdate)); err == nil {
		t.Fatal("expected duplicate id append to fail")
	}
}

func TestOpStore_MarkRetryAndRemove(t *testing.T) {
	t.Parallel()

	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	if err := s.Append(ctx, testOp("op-1", domain.OperationCreate)); err != nil {
		t.Fatalf("append: %v", err)
	}

	if err := s.MarkRetry(ctx, "op-1", 2); err != nil {
		t.Fatalf("mark retry: %v", err)
	}
	ops, err := s.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if ops[0].RetryCount != 2 {
		t.Fatalf("expected retry count 2, got %d", ops[0].RetryCount)
	}
	if ops[0].State != domain.OperationQueued {
		t.Fatalf("expected state queued, got %s", ops[0].State)
	}

	if err := s.MarkState(ctx, "op-1", domain.OperationInFlight); err != nil {
		t.Fatalf("mark state: %v", err)
	}
	if err := s.MarkState(ctx, "missing", domain.OperationInFlight); err == nil {
		t.Fatal("expected marking a missing operation to fail")
	}

	if err := s.Remove(ctx, "op-1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	ops, err = s.List(ctx)
	if err != nil {
		t.Fatalf("list after remove: %v", err)
	}
	if len(ops) != 0 {
		t.Fatalf("expected empty journal, got %d entries", len(ops))
	}
}

func TestOpStore_SurvivesReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "queue.db")
	ctx := context.Background()

	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Append(ctx, testOp("op-1", domain.OperationUpdate)); err != nil {
		t.Fatalf("append op-1: %v", err)
	}
	if err := s.Append(ctx, testOp("op-2", domain.OperationDelete)); err != nil {
		t.Fatalf("append op-2: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	ops, err := reopened.List(ctx)
	if err != nil {
		t.Fatalf("list after reopen: %v", err)
	}
	if len(ops) != 2 {
		t.Fatalf("expected 2 operations after reopen, got %d", len(ops))
	}
	if ops[0].ID != "op-1" || ops[1].ID != "op-2" {
		t.Fatalf("expected queue order preserved, got %s, %s", ops[0].ID, ops[1].ID)
	}
	if ops[1].Kind != domain.OperationDelete {
		t.Fatalf("expected delete kind preserved, got %s", ops[1].Kind)
	}
}
