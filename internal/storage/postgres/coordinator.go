package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/soin8293/jd-tech-sub001/internal/domain"
)

// Coordinator implements the transaction-coordinator contract on
// Postgres. Mutual exclusion over a room/period pair is enforced here,
// not client-side: every hold creation locks the resource row and checks
// overlap against active holds, bookings and blocked periods inside one
// transaction.
type Coordinator struct {
	pool *pgxpool.Pool
}

func NewCoordinator(pool *pgxpool.Pool) *Coordinator {
	return &Coordinator{pool: pool}
}

func (c *Coordinator) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return withTx(ctx, c.pool, fn)
}

func (c *Coordinator) CreateResource(ctx context.Context, id, name string) error {
	const stmt = `INSERT INTO resources (id, name) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`
	if _, err := c.exec(ctx, stmt, id, name); err != nil {
		if isInvalidUUID(err) {
			return domain.ErrInvalidID
		}
		return fmt.Errorf("create resource: %w", err)
	}
	return nil
}

// CreateHold inserts the hold if no overlapping active hold, booking or
// blocked period exists for the resource. The overlap check and the
// insert are one atomic unit.
func (c *Coordinator) CreateHold(ctx context.Context, hold domain.ReservationHold) error {
	return c.WithTx(ctx, func(txCtx context.Context) error {
		if err := c.lockResource(txCtx, hold.ResourceID); err != nil {
			return err
		}

		now := hold.CreatedAt
		busy, err := c.periodBusy(txCtx, hold.ResourceID, hold.Period, now)
		if err != nil {
			return err
		}
		if busy {
			return domain.ErrResourceUnavailable
		}

		const stmt = `
INSERT INTO holds (id, resource_id, period_start, period_end, owner_id, status, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
		_, err = c.exec(txCtx, stmt,
			hold.ID,
			hold.ResourceID,
			hold.Period.Start,
			hold.Period.End,
			hold.OwnerID,
			hold.Status,
			hold.CreatedAt,
			hold.ExpiresAt,
		)
		if err != nil {
			if isInvalidUUID(err) {
				return domain.ErrInvalidID
			}
			return fmt.Errorf("create hold: %w", err)
		}
		return nil
	})
}

// ReleaseHold transitions an active hold to released. Releasing a hold
// that is already terminal is a no-op.
func (c *Coordinator) ReleaseHold(ctx context.Context, holdID string) error {
	const stmt = `UPDATE holds SET status = $2 WHERE id = $1 AND status = $3`
	tag, err := c.exec(ctx, stmt, holdID, domain.HoldStatusReleased, domain.HoldStatusActive)
	if err != nil {
		if isInvalidUUID(err) {
			return domain.ErrInvalidID
		}
		return fmt.Errorf("release hold: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish "never existed" from "already terminal".
		exists, err := c.holdExists(ctx, holdID)
		if err != nil {
			return err
		}
		if !exists {
			return domain.ErrHoldNotFound
		}
	}
	return nil
}

// AtomicCommit verifies the hold is still active, creates the booking and
// flips the hold to committed as one transaction. Retrying a commit whose
// outcome was lost to the network is safe: a prior booking with the same
// payment reference is returned as-is.
func (c *Coordinator) AtomicCommit(ctx context.Context, holdID, bookingID, paymentRef string, now time.Time) (domain.Booking, error) {
	var result domain.Booking

	err := c.WithTx(ctx, func(txCtx context.Context) error {
		hold, err := c.getHoldForUpdate(txCtx, holdID)
		if err != nil {
			return err
		}

		existing, err := c.bookingByHoldID(txCtx, holdID)
		if err != nil {
			return err
		}
		if existing != nil {
			if existing.PaymentRef == paymentRef {
				result = *existing
				return nil
			}
			return domain.ErrAlreadyCommitted
		}
		if hold.Status == domain.HoldStatusCommitted {
			return domain.ErrAlreadyCommitted
		}
		if !hold.Active(now) {
			return domain.ErrHoldExpired
		}

		booking := domain.Booking{
			ID:         bookingID,
			HoldID:     holdID,
			ResourceID: hold.ResourceID,
			Period:     hold.Period,
			OwnerID:    hold.OwnerID,
			PaymentRef: paymentRef,
			CreatedAt:  now,
		}

		const stmt = `
INSERT INTO bookings (id, hold_id, resource_id, period_start, period_end, owner_id, payment_ref, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
		if _, err := c.exec(txCtx, stmt,
			booking.ID, booking.HoldID, booking.ResourceID,
			booking.Period.Start, booking.Period.End,
			booking.OwnerID, booking.PaymentRef, booking.CreatedAt,
		); err != nil {
			if isUniqueViolation(err) {
				return domain.ErrAlreadyCommitted
			}
			return fmt.Errorf("create booking: %w", err)
		}

		const flip = `UPDATE holds SET status = $2 WHERE id = $1`
		if _, err := c.exec(txCtx, flip, holdID, domain.HoldStatusCommitted); err != nil {
			return fmt.Errorf("commit hold: %w", err)
		}

		result = booking
		return nil
	})
	if err != nil {
		return domain.Booking{}, err
	}
	return result, nil
}

func (c *Coordinator) CheckAvailability(ctx context.Context, resourceID string, period domain.Period, now time.Time) (bool, error) {
	busy, err := c.periodBusy(ctx, resourceID, period, now)
	if err != nil {
		return false, err
	}
	return !busy, nil
}

// BlockPeriods marks resource periods unbookable. Admin-only maintenance
// path; authorization happens upstream.
func (c *Coordinator) BlockPeriods(ctx context.Context, resourceID string, periods []domain.Period, reason, createdBy string, now time.Time) error {
	return c.WithTx(ctx, func(txCtx context.Context) error {
		if err := c.lockResource(txCtx, resourceID); err != nil {
			return err
		}
		const stmt = `
INSERT INTO blocked_periods (resource_id, period_start, period_end, reason, created_by, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`
		for _, p := range periods {
			if err := p.Validate(); err != nil {
				return err
			}
			if _, err := c.exec(txCtx, stmt, resourceID, p.Start, p.End, reason, createdBy, now); err != nil {
				return fmt.Errorf("block period: %w", err)
			}
		}
		return nil
	})
}

// GetHold returns the authoritative hold record; resync after a
// reconnect reads expiry from here, never from local elapsed time.
func (c *Coordinator) GetHold(ctx context.Context, holdID string) (domain.ReservationHold, error) {
	const query = `
SELECT id, resource_id, period_start, period_end, owner_id, status, created_at, expires_at
FROM holds
WHERE id = $1`
	return c.scanHold(c.queryRow(ctx, query, holdID))
}

func (c *Coordinator) ActiveHoldsByOwner(ctx context.Context, ownerID string, now time.Time) ([]domain.ReservationHold, error) {
	const query = `
SELECT id, resource_id, period_start, period_end, owner_id, status, created_at, expires_at
FROM holds
WHERE owner_id = $1 AND status = $2 AND expires_at > $3
ORDER BY created_at`

	rows, err := c.query(ctx, query, ownerID, domain.HoldStatusActive, now)
	if err != nil {
		return nil, fmt.Errorf("list active holds: %w", err)
	}
	defer rows.Close()

	var holds []domain.ReservationHold
	for rows.Next() {
		hold, err := c.scanHold(rows)
		if err != nil {
			return nil, err
		}
		holds = append(holds, hold)
	}
	return holds, rows.Err()
}

// ExpireHolds flips active holds past their TTL to expired. The expiry is
// already logically effective before this runs; the sweep keeps status
// columns honest for reporting.
func (c *Coordinator) ExpireHolds(ctx context.Context, now time.Time) (int64, error) {
	const stmt = `UPDATE holds SET status = $2 WHERE status = $1 AND expires_at <= $3`
	tag, err := c.exec(ctx, stmt, domain.HoldStatusActive, domain.HoldStatusExpired, now)
	if err != nil {
		return 0, fmt.Errorf("expire holds: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (c *Coordinator) lockResource(ctx context.Context, resourceID string) error {
	const query = `SELECT id FROM resources WHERE id = $1 FOR UPDATE`
	var id string
	if err := c.queryRow(ctx, query, resourceID).Scan(&id); err != nil {
		if isInvalidUUID(err) {
			return domain.ErrInvalidID
		}
		if err == pgx.ErrNoRows {
			return domain.ErrResourceUnavailable
		}
		return fmt.Errorf("lock resource: %w", err)
	}
	return nil
}

func (c *Coordinator) periodBusy(ctx context.Context, resourceID string, period domain.Period, now time.Time) (bool, error) {
	const query = `
SELECT EXISTS (
	SELECT 1 FROM holds
	WHERE resource_id = $1 AND status = $2 AND expires_at > $3
	  AND period_start < $5 AND $4 < period_end
) OR EXISTS (
	SELECT 1 FROM bookings
	WHERE resource_id = $1 AND period_start < $5 AND $4 < period_end
) OR EXISTS (
	SELECT 1 FROM blocked_periods
	WHERE resource_id = $1 AND period_start < $5 AND $4 < period_end
)`

	var busy bool
	err := c.queryRow(ctx, query, resourceID, domain.HoldStatusActive, now, period.Start, period.End).Scan(&busy)
	if err != nil {
		if isInvalidUUID(err) {
			return false, domain.ErrInvalidID
		}
		return false, fmt.Errorf("check overlap: %w", err)
	}
	return busy, nil
}

func (c *Coordinator) getHoldForUpdate(ctx context.Context, holdID string) (domain.ReservationHold, error) {
	const query = `
SELECT id, resource_id, period_start, period_end, owner_id, status, created_at, expires_at
FROM holds
WHERE id = $1
FOR UPDATE`
	return c.scanHold(c.queryRow(ctx, query, holdID))
}

func (c *Coordinator) bookingByHoldID(ctx context.Context, holdID string) (*domain.Booking, error) {
	const query = `
SELECT id, hold_id, resource_id, period_start, period_end, owner_id, payment_ref, created_at
FROM bookings
WHERE hold_id = $1`

	var b domain.Booking
	err := c.queryRow(ctx, query, holdID).Scan(
		&b.ID, &b.HoldID, &b.ResourceID,
		&b.Period.Start, &b.Period.End,
		&b.OwnerID, &b.PaymentRef, &b.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get booking: %w", err)
	}
	return &b, nil
}

func (c *Coordinator) scanHold(row pgx.Row) (domain.ReservationHold, error) {
	var h domain.ReservationHold
	var status string
	err := row.Scan(
		&h.ID, &h.ResourceID,
		&h.Period.Start, &h.Period.End,
		&h.OwnerID, &status, &h.CreatedAt, &h.ExpiresAt,
	)
	if err != nil {
		if isInvalidUUID(err) {
			return domain.ReservationHold{}, domain.ErrInvalidID
		}
		if err == pgx.ErrNoRows {
			return domain.ReservationHold{}, domain.ErrHoldNotFound
		}
		return domain.ReservationHold{}, fmt.Errorf("get hold: %w", err)
	}
	h.Status = domain.HoldStatus(status)
	return h, nil
}

func (c *Coordinator) holdExists(ctx context.Context, holdID string) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM holds WHERE id = $1)`
	var exists bool
	if err := c.queryRow(ctx, query, holdID).Scan(&exists); err != nil {
		if isInvalidUUID(err) {
			return false, domain.ErrInvalidID
		}
		return false, fmt.Errorf("check hold: %w", err)
	}
	return exists, nil
}

func (c *Coordinator) exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if tx := txFromContext(ctx); tx != nil {
		return tx.Exec(ctx, sql, args...)
	}
	return c.pool.Exec(ctx, sql, args...)
}

func (c *Coordinator) query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if tx := txFromContext(ctx); tx != nil {
		return tx.Query(ctx, sql, args...)
	}
	return c.pool.Query(ctx, sql, args...)
}

func (c *Coordinator) queryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if tx := txFromContext(ctx); tx != nil {
		return tx.QueryRow(ctx, sql, args...)
	}
	return c.pool.QueryRow(ctx, sql, args...)
}
