package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/soin8293/jd-tech-sub001/internal/clock"
	"github.com/soin8293/jd-tech-sub001/internal/domain"
)

// HoldCoordinator is the transaction-coordinator contract the hold
// manager consumes. The store, not this manager, guarantees mutual
// exclusion over a room/period pair.
type HoldCoordinator interface {
	CreateHold(ctx context.Context, hold domain.ReservationHold) error
	ReleaseHold(ctx context.Context, holdID string) error
	AtomicCommit(ctx context.Context, holdID, bookingID, paymentRef string, now time.Time) (domain.Booking, error)
	CheckAvailability(ctx context.Context, resourceID string, period domain.Period, now time.Time) (bool, error)
	GetHold(ctx context.Context, holdID string) (domain.ReservationHold, error)
	ActiveHoldsByOwner(ctx context.Context, ownerID string, now time.Time) ([]domain.ReservationHold, error)
}

// CommitUnknownError reports a commit whose outcome was lost to the
// network: payment may have succeeded while the booking write is
// unconfirmed. Callers must surface PaymentRef for manual recovery and
// must not treat this as plain success or failure.
type CommitUnknownError struct {
	HoldID     string
	PaymentRef string
	Err        error
}

func (e *CommitUnknownError) Error() string {
	return fmt.Sprintf("commit outcome unknown for hold %s (payment ref %s): %v", e.HoldID, e.PaymentRef, e.Err)
}

func (e *CommitUnknownError) Unwrap() error { return e.Err }

// HoldManager gives a guest a temporary exclusive claim on a room/period
// pair while checkout completes. The local countdown is advisory only;
// the store's TTL is authoritative and Resync re-reads it after any
// reconnect instead of trusting elapsed local time.
type HoldManager struct {
	coord    HoldCoordinator
	sched    clock.Scheduler
	notifier Notifier
	ttl      time.Duration
	onExpire func(holdID string)

	mu   sync.Mutex
	held map[string]*trackedHold
}

type trackedHold struct {
	hold      domain.ReservationHold
	countdown clock.Timer
}

type HoldManagerOption func(*HoldManager)

// WithHoldTTL overrides the default checkout window for new holds.
func WithHoldTTL(d time.Duration) HoldManagerOption {
	return func(m *HoldManager) {
		if d > 0 {
			m.ttl = d
		}
	}
}

// WithExpiryCallback registers a callback fired when a tracked hold's
// countdown reaches zero.
func WithExpiryCallback(fn func(holdID string)) HoldManagerOption {
	return func(m *HoldManager) {
		m.onExpire = fn
	}
}

func NewHoldManager(coord HoldCoordinator, sched clock.Scheduler, notifier Notifier, opts ...HoldManagerOption) *HoldManager {
	m := &HoldManager{
		coord:    coord,
		sched:    sched,
		notifier: notifier,
		ttl:      domain.HoldTTL,
		held:     make(map[string]*trackedHold),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateHold claims resourceID for the period. Fails with
// ErrResourceUnavailable if an overlapping active hold, booking or
// blocked period exists; the overlap check runs inside the coordinator's
// transaction.
func (m *HoldManager) CreateHold(ctx context.Context, resourceID string, period domain.Period, ownerID string) (domain.ReservationHold, error) {
	if resourceID == "" {
		return domain.ReservationHold{}, domain.ErrInvalidID
	}
	if ownerID == "" {
		return domain.ReservationHold{}, domain.ErrOwnerRequired
	}
	if err := period.Validate(); err != nil {
		return domain.ReservationHold{}, err
	}

	now := m.sched.Now()
	hold := domain.ReservationHold{
		ID:         newID(),
		ResourceID: resourceID,
		Period:     period,
		OwnerID:    ownerID,
		Status:     domain.HoldStatusActive,
		CreatedAt:  now,
		ExpiresAt:  now.Add(m.ttl),
	}

	if err := m.coord.CreateHold(ctx, hold); err != nil {
		return domain.ReservationHold{}, err
	}

	m.track(hold)
	return hold, nil
}

// ReleaseHold frees the room. Releasing an already released, expired or
// committed hold is a no-op.
func (m *HoldManager) ReleaseHold(ctx context.Context, holdID string) error {
	m.mu.Lock()
	if tracked, ok := m.held[holdID]; ok && tracked.hold.Status.Terminal() {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if err := m.coord.ReleaseHold(ctx, holdID); err != nil {
		return err
	}
	m.settle(holdID, domain.HoldStatusReleased)
	return nil
}

// CommitHold turns the hold into a booking: the coordinator verifies the
// hold is still active, writes the booking and flips the hold in one
// atomic unit. A network failure leaves the hold untouched (the store
// TTL will expire it) and returns CommitUnknownError.
func (m *HoldManager) CommitHold(ctx context.Context, holdID, paymentRef string) (domain.Booking, error) {
	if paymentRef == "" {
		return domain.Booking{}, domain.ErrInvalidID
	}

	booking, err := m.coord.AtomicCommit(ctx, holdID, newID(), paymentRef, m.sched.Now())
	if err != nil {
		// Only a transient loss leaves the outcome genuinely unknown:
		// the store may have taken the payment without confirming the
		// booking. Conflicts, validation and fatal errors are definite
		// answers and surface as-is.
		if domain.Classify(err) != domain.ClassTransient {
			return domain.Booking{}, err
		}
		unknown := &CommitUnknownError{HoldID: holdID, PaymentRef: paymentRef, Err: err}
		m.notify(ctx, Notice{
			Level:   NoticeError,
			Code:    "commit_outcome_unknown",
			Message: "booking confirmation unknown; payment may have succeeded",
			Ref:     paymentRef,
		})
		return domain.Booking{}, unknown
	}

	m.settle(holdID, domain.HoldStatusCommitted)
	return booking, nil
}

// CheckAvailability asks the coordinator whether the period is free.
func (m *HoldManager) CheckAvailability(ctx context.Context, resourceID string, period domain.Period) (bool, error) {
	if err := period.Validate(); err != nil {
		return false, err
	}
	return m.coord.CheckAvailability(ctx, resourceID, period, m.sched.Now())
}

// TimeRemaining reports the advisory countdown for a tracked hold:
// non-increasing, never negative, zero once expired or unknown.
func (m *HoldManager) TimeRemaining(holdID string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	tracked, ok := m.held[holdID]
	if !ok || tracked.hold.Status != domain.HoldStatusActive {
		return 0
	}
	remaining := tracked.hold.ExpiresAt.Sub(m.sched.Now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// IsActive reports whether a tracked hold still excludes other guests.
func (m *HoldManager) IsActive(holdID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	tracked, ok := m.held[holdID]
	return ok && tracked.hold.Active(m.sched.Now())
}

// Resync refreshes every tracked hold from the store's authoritative
// state. Called on reconnect or visibility events; local elapsed time is
// never trusted across a disconnection.
func (m *HoldManager) Resync(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.held))
	for id := range m.held {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		authoritative, err := m.coord.GetHold(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrHoldNotFound) {
				m.settle(id, domain.HoldStatusExpired)
				continue
			}
			return fmt.Errorf("resync hold %s: %w", id, err)
		}

		m.mu.Lock()
		tracked, ok := m.held[id]
		if !ok {
			m.mu.Unlock()
			continue
		}
		tracked.hold = authoritative
		if tracked.countdown != nil {
			tracked.countdown.Stop()
			tracked.countdown = nil
		}
		m.mu.Unlock()

		if authoritative.Active(m.sched.Now()) {
			m.startCountdown(id)
		} else if authoritative.Status == domain.HoldStatusActive {
			// Authoritative TTL already passed.
			m.expire(id)
		}
	}
	return nil
}

// Close cancels every outstanding countdown timer.
func (m *HoldManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tracked := range m.held {
		if tracked.countdown != nil {
			tracked.countdown.Stop()
			tracked.countdown = nil
		}
	}
}

func (m *HoldManager) track(hold domain.ReservationHold) {
	m.mu.Lock()
	m.held[hold.ID] = &trackedHold{hold: hold}
	m.mu.Unlock()
	m.startCountdown(hold.ID)
}

// startCountdown runs the advisory one-second tick for UI countdowns and
// fires the expiry transition at zero.
func (m *HoldManager) startCountdown(holdID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tracked, ok := m.held[holdID]
	if !ok || tracked.hold.Status.Terminal() {
		return
	}
	tracked.countdown = m.sched.TickFunc(time.Second, func() {
		if m.TimeRemaining(holdID) == 0 {
			m.expire(holdID)
		}
	})
}

// expire handles the clock-driven Active -> Expired transition.
func (m *HoldManager) expire(holdID string) {
	m.mu.Lock()
	tracked, ok := m.held[holdID]
	if !ok || tracked.hold.Status != domain.HoldStatusActive {
		m.mu.Unlock()
		return
	}
	tracked.hold.Status = domain.HoldStatusExpired
	if tracked.countdown != nil {
		tracked.countdown.Stop()
		tracked.countdown = nil
	}
	onExpire := m.onExpire
	m.mu.Unlock()

	m.notify(context.Background(), Notice{
		Level:   NoticeWarning,
		Code:    "hold_expired",
		Message: "reservation hold expired before checkout completed",
		Ref:     holdID,
	})
	if onExpire != nil {
		onExpire(holdID)
	}
}

// settle records a terminal transition and cancels the countdown.
func (m *HoldManager) settle(holdID string, status domain.HoldStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tracked, ok := m.held[holdID]
	if !ok {
		return
	}
	if !tracked.hold.Status.Terminal() {
		tracked.hold.Status = status
	}
	if tracked.countdown != nil {
		tracked.countdown.Stop()
		tracked.countdown = nil
	}
}

func (m *HoldManager) notify(ctx context.Context, n Notice) {
	if m.notifier != nil {
		m.notifier.Notify(ctx, n)
	}
}
