package domain

import (
	"testing"
	"time"
)

func TestEditLock_Blocks(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	lock := EditLock{
		ResourceID: "res-1",
		OwnerID:    "staff-1",
		Status:     LockStatusHeld,
		AcquiredAt: now,
		ExpiresAt:  now.Add(15 * time.Minute),
	}

	if lock.Blocks("staff-1", now) {
		t.Fatal("lock must not block its own owner")
	}
	if !lock.Blocks("staff-2", now) {
		t.Fatal("lock must block another owner while held")
	}
	if lock.Blocks("staff-2", now.Add(15*time.Minute)) {
		t.Fatal("expired lock must not block anyone")
	}

	free := EditLock{ResourceID: "res-1", Status: LockStatusFree}
	if free.Blocks("staff-2", now) {
		t.Fatal("free lock must not block")
	}
}

func TestEditLock_HeldBy(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	lock := EditLock{
		OwnerID:   "staff-1",
		Status:    LockStatusTakenOver,
		ExpiresAt: now.Add(30 * time.Minute),
	}

	if !lock.HeldBy("staff-1", now) {
		t.Fatal("expected taken-over lock to count as held by its owner")
	}
	if lock.HeldBy("staff-2", now) {
		t.Fatal("expected lock to not be held by another owner")
	}
	if lock.HeldBy("staff-1", now.Add(time.Hour)) {
		t.Fatal("expected expired lock to not be held")
	}
}

func TestValidLockDuration(t *testing.T) {
	t.Parallel()

	for _, d := range LockDurations {
		if !ValidLockDuration(d) {
			t.Fatalf("expected %v to be valid", d)
		}
	}
	if ValidLockDuration(7 * time.Minute) {
		t.Fatal("expected 7m to be invalid")
	}
	if ValidLockDuration(0) {
		t.Fatal("expected zero duration to be invalid")
	}
}
