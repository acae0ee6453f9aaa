package domain

import "time"

type HoldStatus string

const (
	HoldStatusActive    HoldStatus = "active"
	HoldStatusCommitted HoldStatus = "committed"
	HoldStatusReleased  HoldStatus = "released"
	HoldStatusExpired   HoldStatus = "expired"
)

// Terminal reports whether no further transition is possible.
// Active is the only non-terminal hold status.
func (s HoldStatus) Terminal() bool {
	return s != HoldStatusActive
}

// ReservationHold is a temporary exclusive claim on a room/period pair,
// keeping the inventory off the market while a guest completes payment.
type ReservationHold struct {
	ID         string
	ResourceID string
	Period     Period
	OwnerID    string
	Status     HoldStatus
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// Active reports whether the hold still excludes other guests at instant now.
// A hold past its ExpiresAt is logically expired even before the status
// column catches up.
func (h ReservationHold) Active(now time.Time) bool {
	return h.Status == HoldStatusActive && h.ExpiresAt.After(now)
}

// HoldTTL is the fixed checkout window for reservation holds.
const HoldTTL = 10 * time.Minute
