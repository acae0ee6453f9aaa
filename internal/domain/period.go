package domain

import "time"

// Period is a half-open [Start, End) date range for a stay.
type Period struct {
	Start time.Time
	End   time.Time
}

func NewPeriod(start, end time.Time) Period {
	return Period{Start: start.UTC(), End: end.UTC()}
}

func (p Period) Validate() error {
	if p.Start.IsZero() || p.End.IsZero() {
		return ErrInvalidPeriod
	}
	if !p.Start.Before(p.End) {
		return ErrInvalidPeriod
	}
	return nil
}

// Overlaps reports whether two half-open ranges share any instant.
// Back-to-back stays (checkout day == checkin day) do not overlap.
func (p Period) Overlaps(other Period) bool {
	return p.Start.Before(other.End) && other.Start.Before(p.End)
}

func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}
