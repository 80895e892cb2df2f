package registry

import (
	"fmt"
	"math"
	"time"
)

// Tier is the urgency classification of a record.
type Tier int

const (
	TierExpired Tier = iota
	TierUrgent
	TierWarning
	TierActive
)

func (t Tier) String() string {
	switch t {
	case TierExpired:
		return "EXPIRED"
	case TierUrgent:
		return "URGENT"
	case TierWarning:
		return "WARNING"
	case TierActive:
		return "ACTIVE"
	}
	return "UNKNOWN"
}

// Emoji returns the marker used in rendered pages.
func (t Tier) Emoji() string {
	switch t {
	case TierExpired:
		return "🔴"
	case TierUrgent:
		return "🟠"
	case TierWarning:
		return "🟡"
	}
	return "🟢"
}

// DaysLeft is the calendar-day distance from now to expiry in loc.
// 0 means the expiry falls on today's date; negative means already expired.
// All date arithmetic uses loc, never the host zone.
func DaysLeft(expiry, now time.Time, loc *time.Location) int {
	e := midnight(expiry, loc)
	n := midnight(now, loc)
	// Round, not truncate: DST shifts make some day gaps 23h or 25h.
	return int(math.Round(e.Sub(n).Hours() / 24))
}

func midnight(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// ClassifyDays maps a days-left value onto a tier.
func ClassifyDays(daysLeft int) Tier {
	switch {
	case daysLeft <= 0:
		return TierExpired
	case daysLeft <= 3:
		return TierUrgent
	case daysLeft <= 7:
		return TierWarning
	default:
		return TierActive
	}
}

// Classify is the record-level convenience over DaysLeft + ClassifyDays.
func Classify(rec Record, now time.Time, loc *time.Location) (daysLeft int, tier Tier) {
	daysLeft = DaysLeft(rec.ExpiresAt, now, loc)
	return daysLeft, ClassifyDays(daysLeft)
}

// AdjustmentError reports a rejected validity reduction, carrying enough
// detail for the caller to show why.
type AdjustmentError struct {
	Plate     string
	OldExpiry time.Time
	NewExpiry time.Time
	DaysLeft  int
}

func (e *AdjustmentError) Error() string {
	return fmt.Sprintf("adjustment rejected for %s: result would be %d day(s) past expiry", e.Plate, -e.DaysLeft)
}

// PlanAdjustment computes the expiry that adding deltaDays calendar days
// in loc would produce. Extension (positive delta) is unbounded. Reduction
// is rejected with *AdjustmentError when the resulting record would
// already be expired.
func PlanAdjustment(rec Record, deltaDays int, now time.Time, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	next := rec.ExpiresAt.In(loc).AddDate(0, 0, deltaDays)
	if deltaDays < 0 {
		if left := DaysLeft(next, now, loc); left < 0 {
			return time.Time{}, &AdjustmentError{
				Plate:     rec.PlateID,
				OldExpiry: rec.ExpiresAt,
				NewExpiry: next,
				DaysLeft:  left,
			}
		}
	}
	return next, nil
}
