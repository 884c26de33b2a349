package workflow

import "time"

// =============================================================================
// DATE RANGE - calendar days a request covers
// =============================================================================

// DateRange is an inclusive range of calendar days [Start, End].
// Times are normalized to UTC midnight.
type DateRange struct {
	Start time.Time
	End   time.Time
}

func NewDateRange(start, end time.Time) DateRange {
	return DateRange{Start: Day(start), End: Day(end)}
}

// Day truncates t to UTC midnight.
func Day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func (r DateRange) Validate() error {
	if r.Start.IsZero() || r.End.IsZero() {
		return ErrInvalidDateRange
	}
	if Day(r.End).Before(Day(r.Start)) {
		return ErrInvalidDateRange
	}
	return nil
}

// Contains returns true if the day is within [Start, End].
func (r DateRange) Contains(t time.Time) bool {
	d := Day(t)
	return !d.Before(Day(r.Start)) && !d.After(Day(r.End))
}

// Overlaps returns true if both ranges share at least one day.
func (r DateRange) Overlaps(other DateRange) bool {
	return !Day(r.Start).After(Day(other.End)) && !Day(other.Start).After(Day(r.End))
}

// Days returns every day in the range.
func (r DateRange) Days() []time.Time {
	var days []time.Time
	for d := Day(r.Start); !d.After(Day(r.End)); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}

// OccupiedDays returns the days a booking of type pt uses capacity on.
// Hotel guests leave on End, so a stay occupies [Start, End); a same-day
// stay still occupies Start. Transport occupies every day of [Start, End].
func (r DateRange) OccupiedDays(pt ProviderType) []time.Time {
	days := r.Days()
	if pt == ProviderHotel && len(days) > 1 {
		return days[:len(days)-1]
	}
	return days
}

// Occupies reports whether a booking of type pt uses capacity on day.
func (r DateRange) Occupies(pt ProviderType, day time.Time) bool {
	if !r.Contains(day) {
		return false
	}
	if pt == ProviderHotel && r.Nights() > 0 {
		return Day(day).Before(Day(r.End))
	}
	return true
}

// Nights is the number of hotel nights: check-in Start, check-out End.
func (r DateRange) Nights() int {
	return int(Day(r.End).Sub(Day(r.Start)).Hours() / 24)
}

// BillableUnits is what a price is multiplied by for one unit of quantity.
// Hotels bill per night (at least one), transport per trip.
func (r DateRange) BillableUnits(pt ProviderType) int {
	if pt == ProviderHotel {
		if n := r.Nights(); n > 0 {
			return n
		}
	}
	return 1
}

func (r DateRange) String() string {
	return "[" + r.Start.Format("2006-01-02") + ", " + r.End.Format("2006-01-02") + "]"
}
