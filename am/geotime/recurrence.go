package geotime

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/teranos/herald/errors"
)

// Frequency of a recurring schedule.
type Frequency string

const (
	Daily   Frequency = "daily"
	Weekly  Frequency = "weekly"
	Monthly Frequency = "monthly"
)

// Valid reports whether f is a supported frequency.
func (f Frequency) Valid() bool {
	switch f {
	case Daily, Weekly, Monthly:
		return true
	}
	return false
}

// TimeOfDay is a wall-clock slot in the business zone.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses "HH:MM".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return TimeOfDay{}, errors.Wrapf(err, "invalid time of day %q (want HH:MM)", s)
	}
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}, nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

// ParseWeekdays parses names like "mon", "Wednesday". Duplicates collapse;
// the result is sorted Sunday first.
func ParseWeekdays(names []string) ([]time.Weekday, error) {
	seen := make(map[time.Weekday]bool)
	var days []time.Weekday
	for _, n := range names {
		d, ok := weekdayNames[strings.ToLower(strings.TrimSpace(n))]
		if !ok {
			return nil, errors.Newf("unknown weekday %q", n)
		}
		if !seen[d] {
			seen[d] = true
			days = append(days, d)
		}
	}
	sort.Slice(days, func(i, j int) bool { return days[i] < days[j] })
	return days, nil
}

// NextOccurrence returns the first slot at tod strictly after from, in from's
// location.
//
// With a weekday set (daily or weekly) the earliest configured weekday from
// today onward whose slot is still ahead wins, wrapping into the following week.
// Without one, today's slot is used if still ahead, otherwise exactly one
// period later (1 day, 1 week). Monthly ignores weekdays and is NextMonthly
// anchored on from's day; chains of monthly slots should carry their anchor
// and call NextMonthly directly.
func NextOccurrence(tod TimeOfDay, freq Frequency, weekdays []time.Weekday, from time.Time) (time.Time, error) {
	if !freq.Valid() {
		return time.Time{}, errors.Newf("unsupported frequency %q", freq)
	}
	if tod.Hour < 0 || tod.Hour > 23 || tod.Minute < 0 || tod.Minute > 59 {
		return time.Time{}, errors.Newf("invalid time of day %s", tod)
	}

	if freq == Monthly {
		return NextMonthly(tod, from.Day(), from)
	}

	loc := from.Location()
	slot := func(day time.Time) time.Time {
		return time.Date(day.Year(), day.Month(), day.Day(), tod.Hour, tod.Minute, 0, 0, loc)
	}
	today := slot(from)

	if len(weekdays) > 0 {
		allowed := make(map[time.Weekday]bool, len(weekdays))
		for _, d := range weekdays {
			allowed[d] = true
		}
		// 0..7 covers today's weekday again next week
		for i := 0; i <= 7; i++ {
			candidate := slot(from.AddDate(0, 0, i))
			if allowed[candidate.Weekday()] && candidate.After(from) {
				return candidate, nil
			}
		}
		return time.Time{}, errors.AssertionFailedf("no occurrence found within a week for %v", weekdays)
	}

	if today.After(from) {
		return today, nil
	}
	if freq == Weekly {
		return slot(from.AddDate(0, 0, 7)), nil
	}
	return slot(from.AddDate(0, 0, 1)), nil
}

// NextMonthly returns the first slot at tod on day strictly after from, in
// from's location. Months shorter than day use their last day; the anchor is
// applied to each month on its own, so Jan 31 -> Feb 28 -> Mar 31.
func NextMonthly(tod TimeOfDay, day int, from time.Time) (time.Time, error) {
	if day < 1 || day > 31 {
		return time.Time{}, errors.Newf("invalid day of month %d", day)
	}
	if tod.Hour < 0 || tod.Hour > 23 || tod.Minute < 0 || tod.Minute > 59 {
		return time.Time{}, errors.Newf("invalid time of day %s", tod)
	}
	this := monthSlot(from.Year(), from.Month(), day, tod, from.Location())
	if this.After(from) {
		return this, nil
	}
	return monthSlot(from.Year(), from.Month()+1, day, tod, from.Location()), nil
}

// monthSlot builds tod on day of the given month, clamped to its last day.
// month may overflow into the next year.
func monthSlot(year int, month time.Month, day int, tod TimeOfDay, loc *time.Location) time.Time {
	first := time.Date(year, month, 1, tod.Hour, tod.Minute, 0, 0, loc)
	if last := first.AddDate(0, 1, -1).Day(); day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, tod.Hour, tod.Minute, 0, 0, loc)
}

// NextOccurrence is the zone-aware form: from is any instant, the result is
// business-local.
func (z *Zone) NextOccurrence(tod TimeOfDay, freq Frequency, weekdays []time.Weekday, from time.Time) (time.Time, error) {
	return NextOccurrence(tod, freq, weekdays, z.ToLocal(from))
}

// NextMonthly is the zone-aware form of NextMonthly.
func (z *Zone) NextMonthly(tod TimeOfDay, day int, from time.Time) (time.Time, error) {
	return NextMonthly(tod, day, z.ToLocal(from))
}
