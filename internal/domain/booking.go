package domain

import "time"

// Booking is a confirmed stay derived from a committed hold.
type Booking struct {
	ID         string
	HoldID     string
	ResourceID string
	Period     Period
	OwnerID    string
	PaymentRef string
	CreatedAt  time.Time
}

// BlockedPeriod marks a room as unbookable for maintenance or manual blocking.
type BlockedPeriod struct {
	ID         string
	ResourceID string
	Period     Period
	Reason     string
	CreatedBy  string
	CreatedAt  time.Time
}
