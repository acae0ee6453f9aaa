package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/soin8293/jd-tech-sub001/internal/clock"
	"github.com/soin8293/jd-tech-sub001/internal/domain"
	"github.com/soin8293/jd-tech-sub001/internal/store"
)

const lockKeyPrefix = "lock:"

// LockManager hands one staff member exclusive edit access to a record.
// Lock state lives in the store gateway under version-checked writes, so
// two tabs racing for the same record are serialized by the store, not
// by anything in this process. One manager serves every resource type;
// locks are keyed by resource id.
type LockManager struct {
	gateway  store.Gateway
	sched    clock.Scheduler
	notifier Notifier

	onAutoSave func(resourceID string)
	onConflict func(resourceID string)

	mu   sync.Mutex
	held map[string]*heldLock
}

type heldLock struct {
	lock     domain.EditLock
	version  int64
	duration time.Duration
	renew    clock.Timer
	autoSave clock.Timer
}

type LockManagerOption func(*LockManager)

// WithAutoSave registers the callback fired every two minutes while a
// lock is held, so unsaved edits reach the store before the lock can lapse.
func WithAutoSave(fn func(resourceID string)) LockManagerOption {
	return func(m *LockManager) { m.onAutoSave = fn }
}

// WithLockConflict registers the callback fired when a renewal fails and
// the lock is lost; the editor must save remaining work immediately.
func WithLockConflict(fn func(resourceID string)) LockManagerOption {
	return func(m *LockManager) { m.onConflict = fn }
}

func NewLockManager(gateway store.Gateway, sched clock.Scheduler, notifier Notifier, opts ...LockManagerOption) *LockManager {
	m := &LockManager{
		gateway:  gateway,
		sched:    sched,
		notifier: notifier,
		held:     make(map[string]*heldLock),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire attempts to take the edit lock for duration. Returns false,
// without error, when another non-expired owner holds it or when a
// concurrent acquirer wins the store-side race.
func (m *LockManager) Acquire(ctx context.Context, resourceID, ownerID, ownerLabel string, duration time.Duration) (bool, error) {
	if resourceID == "" {
		return false, domain.ErrInvalidID
	}
	if ownerID == "" {
		return false, domain.ErrOwnerRequired
	}
	if !domain.ValidLockDuration(duration) {
		return false, domain.ErrInvalidDuration
	}

	now := m.sched.Now()
	lock := domain.EditLock{
		ResourceID: resourceID,
		OwnerID:    ownerID,
		OwnerLabel: ownerLabel,
		AcquiredAt: now,
		ExpiresAt:  now.Add(duration),
		Status:     domain.LockStatusHeld,
	}

	current, err := m.gateway.Get(ctx, lockKey(resourceID))
	switch {
	case errors.Is(err, store.ErrNotFound):
		created, err := m.gateway.Create(ctx, lockRecord(lock), lockOrigin(ownerID))
		if errors.Is(err, store.ErrAlreadyExists) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("acquire lock: %w", err)
		}
		m.track(lock, created.Version, duration)
		return true, nil
	case err != nil:
		return false, fmt.Errorf("read lock: %w", err)
	}

	existing, err := lockFromRecord(current)
	if err != nil {
		return false, err
	}
	if existing.Blocks(ownerID, now) {
		return false, nil
	}

	// Free, expired, or already ours: take it over with a version check
	// so a concurrent acquirer cannot slip between read and write.
	updated, err := m.gateway.Update(ctx, lockRecord(lock), current.Version, lockOrigin(ownerID))
	if errors.Is(err, store.ErrVersionMismatch) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("acquire lock: %w", err)
	}
	m.track(lock, updated.Version, duration)
	return true, nil
}

// Renew extends a held lock by its original duration from now. If the
// underlying record vanished or was taken over, the lock is dropped for
// this owner and the conflict callback fires.
func (m *LockManager) Renew(ctx context.Context, resourceID, ownerID string) error {
	m.mu.Lock()
	held, ok := m.held[resourceID]
	if !ok || held.lock.OwnerID != ownerID {
		m.mu.Unlock()
		return domain.ErrLockHeld
	}
	lock := held.lock
	version := held.version
	duration := held.duration
	m.mu.Unlock()

	lock.ExpiresAt = m.sched.Now().Add(duration)
	lock.Renewals++

	updated, err := m.gateway.Update(ctx, lockRecord(lock), version, lockOrigin(ownerID))
	if err != nil {
		m.dropLock(ctx, resourceID)
		if errors.Is(err, store.ErrVersionMismatch) || errors.Is(err, store.ErrNotFound) {
			return domain.ErrLockHeld
		}
		return fmt.Errorf("renew lock: %w", err)
	}

	m.track(lock, updated.Version, duration)
	return nil
}

// Release frees the lock. Only effective when the caller matches the
// current holder; releasing a lock you do not hold is a no-op.
func (m *LockManager) Release(ctx context.Context, resourceID, ownerID string) error {
	m.stopTimers(resourceID)

	current, err := m.gateway.Get(ctx, lockKey(resourceID))
	if errors.Is(err, store.ErrNotFound) {
		m.forget(resourceID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("read lock: %w", err)
	}

	existing, err := lockFromRecord(current)
	if err != nil {
		return err
	}
	if existing.OwnerID != ownerID {
		return nil
	}

	err = m.gateway.Delete(ctx, lockKey(resourceID), current.Version, lockOrigin(ownerID))
	if err != nil && !errors.Is(err, store.ErrNotFound) && !errors.Is(err, store.ErrVersionMismatch) {
		return fmt.Errorf("release lock: %w", err)
	}
	m.forget(resourceID)
	return nil
}

// ForceTakeover unconditionally transfers the lock to newOwnerID,
// recording the previous holder for audit and resetting the TTL.
func (m *LockManager) ForceTakeover(ctx context.Context, resourceID, newOwnerID, ownerLabel string, duration time.Duration) error {
	if newOwnerID == "" {
		return domain.ErrOwnerRequired
	}
	if !domain.ValidLockDuration(duration) {
		return domain.ErrInvalidDuration
	}

	now := m.sched.Now()
	lock := domain.EditLock{
		ResourceID: resourceID,
		OwnerID:    newOwnerID,
		OwnerLabel: ownerLabel,
		AcquiredAt: now,
		ExpiresAt:  now.Add(duration),
		Status:     domain.LockStatusTakenOver,
	}

	current, err := m.gateway.Get(ctx, lockKey(resourceID))
	switch {
	case errors.Is(err, store.ErrNotFound):
		created, err := m.gateway.Create(ctx, lockRecord(lock), lockOrigin(newOwnerID))
		if err != nil {
			return fmt.Errorf("force takeover: %w", err)
		}
		m.track(lock, created.Version, duration)
		return nil
	case err != nil:
		return fmt.Errorf("read lock: %w", err)
	}

	previous, err := lockFromRecord(current)
	if err != nil {
		return err
	}
	lock.PreviousOwner = previous.OwnerID

	updated, err := m.gateway.Update(ctx, lockRecord(lock), store.AnyVersion, lockOrigin(newOwnerID))
	if err != nil {
		return fmt.Errorf("force takeover: %w", err)
	}

	if previous.OwnerID != newOwnerID {
		m.forget(resourceID)
		m.notify(ctx, Notice{
			Level:   NoticeWarning,
			Code:    "lock_taken_over",
			Message: fmt.Sprintf("edit lock on %s taken over from %s", resourceID, previous.OwnerID),
			Ref:     resourceID,
		})
	}
	m.track(lock, updated.Version, duration)
	return nil
}

// CanEdit reports whether owner may edit the resource: true when the
// lock is free or held by them.
func (m *LockManager) CanEdit(ctx context.Context, resourceID, ownerID string) (bool, error) {
	current, err := m.gateway.Get(ctx, lockKey(resourceID))
	if errors.Is(err, store.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("read lock: %w", err)
	}
	lock, err := lockFromRecord(current)
	if err != nil {
		return false, err
	}
	return !lock.Blocks(ownerID, m.sched.Now()), nil
}

// Status returns the current lock record; ErrNotFound means free.
func (m *LockManager) Status(ctx context.Context, resourceID string) (domain.EditLock, error) {
	current, err := m.gateway.Get(ctx, lockKey(resourceID))
	if errors.Is(err, store.ErrNotFound) {
		return domain.EditLock{ResourceID: resourceID, Status: domain.LockStatusFree}, nil
	}
	if err != nil {
		return domain.EditLock{}, fmt.Errorf("read lock: %w", err)
	}
	lock, err := lockFromRecord(current)
	if err != nil {
		return domain.EditLock{}, err
	}
	if !lock.ExpiresAt.After(m.sched.Now()) {
		lock.Status = domain.LockStatusExpired
	}
	return lock, nil
}

// Close cancels all renewal and auto-save timers.
func (m *LockManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, held := range m.held {
		if held.renew != nil {
			held.renew.Stop()
		}
		if held.autoSave != nil {
			held.autoSave.Stop()
		}
	}
	m.held = make(map[string]*heldLock)
}

// track records local hold state and schedules the automatic renewal two
// minutes before expiry plus the periodic auto-save.
func (m *LockManager) track(lock domain.EditLock, version int64, duration time.Duration) {
	m.stopTimers(lock.ResourceID)

	resourceID := lock.ResourceID
	ownerID := lock.OwnerID

	m.mu.Lock()
	defer m.mu.Unlock()
	held := &heldLock{lock: lock, version: version, duration: duration}
	held.renew = m.sched.AfterFunc(duration-domain.LockRenewLead, func() {
		_ = m.Renew(context.Background(), resourceID, ownerID)
	})
	if m.onAutoSave != nil {
		held.autoSave = m.sched.TickFunc(domain.AutoSaveInterval, func() {
			m.onAutoSave(resourceID)
		})
	}
	m.held[resourceID] = held
}

// dropLock handles a failed renewal: the lock is gone for this owner and
// any unsaved work must be flushed now.
func (m *LockManager) dropLock(ctx context.Context, resourceID string) {
	m.stopTimers(resourceID)
	m.forget(resourceID)

	m.notify(ctx, Notice{
		Level:   NoticeError,
		Code:    "lock_renewal_failed",
		Message: fmt.Sprintf("lost edit lock on %s; save your work", resourceID),
		Ref:     resourceID,
	})
	if m.onConflict != nil {
		m.onConflict(resourceID)
	}
}

func (m *LockManager) stopTimers(resourceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if held, ok := m.held[resourceID]; ok {
		if held.renew != nil {
			held.renew.Stop()
			held.renew = nil
		}
		if held.autoSave != nil {
			held.autoSave.Stop()
			held.autoSave = nil
		}
	}
}

func (m *LockManager) forget(resourceID string) {
	m.mu.Lock()
	delete(m.held, resourceID)
	m.mu.Unlock()
}

func (m *LockManager) notify(ctx context.Context, n Notice) {
	if m.notifier != nil {
		m.notifier.Notify(ctx, n)
	}
}

func lockKey(resourceID string) string { return lockKeyPrefix + resourceID }

func lockOrigin(ownerID string) string { return "editlock:" + ownerID }

func lockRecord(lock domain.EditLock) store.Record {
	return store.Record{
		ID: lockKey(lock.ResourceID),
		Fields: map[string]any{
			"resource_id":    lock.ResourceID,
			"owner_id":       lock.OwnerID,
			"owner_label":    lock.OwnerLabel,
			"acquired_at":    lock.AcquiredAt.UTC().Format(time.RFC3339Nano),
			"expires_at":     lock.ExpiresAt.UTC().Format(time.RFC3339Nano),
			"renewals":       lock.Renewals,
			"status":         string(lock.Status),
			"previous_owner": lock.PreviousOwner,
		},
	}
}

func lockFromRecord(rec store.Record) (domain.EditLock, error) {
	lock := domain.EditLock{
		ResourceID:    fieldString(rec.Fields, "resource_id"),
		OwnerID:       fieldString(rec.Fields, "owner_id"),
		OwnerLabel:    fieldString(rec.Fields, "owner_label"),
		Status:        domain.LockStatus(fieldString(rec.Fields, "status")),
		PreviousOwner: fieldString(rec.Fields, "previous_owner"),
	}
	switch v := rec.Fields["renewals"].(type) {
	case int:
		lock.Renewals = v
	case float64:
		lock.Renewals = int(v)
	}

	var err error
	if lock.AcquiredAt, err = fieldTime(rec.Fields, "acquired_at"); err != nil {
		return domain.EditLock{}, err
	}
	if lock.ExpiresAt, err = fieldTime(rec.Fields, "expires_at"); err != nil {
		return domain.EditLock{}, err
	}
	return lock, nil
}

func fieldString(fields map[string]any, key string) string {
	s, _ := fields[key].(string)
	return s
}

func fieldTime(fields map[string]any, key string) (time.Time, error) {
	raw := fieldString(fields, key)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %s: %w", key, err)
	}
	return t, nil
}
