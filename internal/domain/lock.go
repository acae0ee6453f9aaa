package domain

import "time"

type LockStatus string

const (
	LockStatusFree      LockStatus = "free"
	LockStatusHeld      LockStatus = "held"
	LockStatusExpired   LockStatus = "expired"
	LockStatusTakenOver LockStatus = "taken_over"
)

// EditLock is an exclusive, renewable claim on a single record for
// collaborative editing. At most one Held/TakenOver lock exists per
// resource; a lock past ExpiresAt is logically free even before the
// record is cleared.
type EditLock struct {
	ResourceID    string
	OwnerID       string
	OwnerLabel    string
	AcquiredAt    time.Time
	ExpiresAt     time.Time
	Renewals      int
	Status        LockStatus
	PreviousOwner string
}

// HeldBy reports whether owner exclusively holds the lock at instant now.
func (l EditLock) HeldBy(owner string, now time.Time) bool {
	if l.Status != LockStatusHeld && l.Status != LockStatusTakenOver {
		return false
	}
	return l.OwnerID == owner && l.ExpiresAt.After(now)
}

// Blocks reports whether the lock prevents owner from editing at instant now.
func (l EditLock) Blocks(owner string, now time.Time) bool {
	if l.Status != LockStatusHeld && l.Status != LockStatusTakenOver {
		return false
	}
	if !l.ExpiresAt.After(now) {
		return false
	}
	return l.OwnerID != owner
}

// LockDurations are the caller-selectable edit lock lifetimes.
var LockDurations = []time.Duration{
	5 * time.Minute,
	15 * time.Minute,
	30 * time.Minute,
	60 * time.Minute,
}

func ValidLockDuration(d time.Duration) bool {
	for _, allowed := range LockDurations {
		if d == allowed {
			return true
		}
	}
	return false
}

// LockRenewLead is how long before expiry the automatic renewal fires.
const LockRenewLead = 2 * time.Minute

// AutoSaveInterval is how often unsaved edits are flushed while a lock is held.
const AutoSaveInterval = 2 * time.Minute
