// Package calendar implements the civil (solar hijri) calendar used for
// billing period boundaries. Months 1..6 have 31 days, 7..11 have 30, and
// month 12 has 29 or 30 depending on the 33-year leap cycle.
package calendar

import "time"

// Date is a civil calendar date.
type Date struct {
	Year  int
	Month int
	Day   int
}

var gregorianDayOffsets = [12]int{0, 31, 59, 90, 120, 151, 181, 212, 243, 273, 304, 334}

// FromTime converts a UTC instant to its civil date.
func FromTime(t time.Time) Date {
	t = t.UTC()
	gy, gm, gd := t.Year(), int(t.Month()), t.Day()

	gy2 := gy
	if gm > 2 {
		gy2 = gy + 1
	}
	days := 355666 + 365*gy + (gy2+3)/4 - (gy2+99)/100 + (gy2+399)/400 + gd + gregorianDayOffsets[gm-1]

	jy := -1595 + 33*(days/12053)
	days %= 12053
	jy += 4 * (days / 1461)
	days %= 1461
	if days > 365 {
		jy += (days - 1) / 365
		days = (days - 1) % 365
	}

	var jm, jd int
	if days < 186 {
		jm = 1 + days/31
		jd = 1 + days%31
	} else {
		jm = 7 + (days-186)/30
		jd = 1 + (days-186)%30
	}
	return Date{Year: jy, Month: jm, Day: jd}
}

// Time converts a civil date to the UTC instant at midnight.
func (d Date) Time() time.Time {
	jy := d.Year + 1595
	days := -355668 + 365*jy + (jy/33)*8 + ((jy%33)+3)/4 + d.Day
	if d.Month < 7 {
		days += (d.Month - 1) * 31
	} else {
		days += (d.Month-7)*30 + 186
	}

	gy := 400 * (days / 146097)
	days %= 146097
	if days > 36524 {
		days--
		gy += 100 * (days / 36524)
		days %= 36524
		if days >= 365 {
			days++
		}
	}
	gy += 4 * (days / 1461)
	days %= 1461
	if days > 365 {
		gy += (days - 1) / 365
		days = (days - 1) % 365
	}
	gd := days + 1

	feb := 28
	if gy%4 == 0 && gy%100 != 0 || gy%400 == 0 {
		feb = 29
	}
	monthLens := [12]int{31, feb, 31, 30, 31, 30, 31, 31, 30, 31, 30, 31}
	gm := 1
	for gm <= 12 && gd > monthLens[gm-1] {
		gd -= monthLens[gm-1]
		gm++
	}

	return time.Date(gy, time.Month(gm), gd, 0, 0, 0, 0, time.UTC)
}

// IsLeap reports whether the civil year has 366 days.
func IsLeap(year int) bool {
	start := Date{Year: year, Month: 1, Day: 1}.Time()
	next := Date{Year: year + 1, Month: 1, Day: 1}.Time()
	return int(next.Sub(start).Hours()/24) == 366
}

// DaysInMonth returns the day count of a civil month.
func DaysInMonth(year, month int) int {
	switch {
	case month >= 1 && month <= 6:
		return 31
	case month >= 7 && month <= 11:
		return 30
	case month == 12:
		if IsLeap(year) {
			return 30
		}
		return 29
	default:
		return 0
	}
}

// MonthStart returns the first day of the date's month.
func MonthStart(d Date) Date {
	return Date{Year: d.Year, Month: d.Month, Day: 1}
}

// PrevMonth returns the first day of the month before d.
func PrevMonth(d Date) Date {
	if d.Month == 1 {
		return Date{Year: d.Year - 1, Month: 12, Day: 1}
	}
	return Date{Year: d.Year, Month: d.Month - 1, Day: 1}
}

// NextMonth returns the first day of the month after d.
func NextMonth(d Date) Date {
	if d.Month == 12 {
		return Date{Year: d.Year + 1, Month: 1, Day: 1}
	}
	return Date{Year: d.Year, Month: d.Month + 1, Day: 1}
}

// FirstOfMonth reports whether the instant falls on the first civil day of a month.
func FirstOfMonth(t time.Time) bool {
	return FromTime(t).Day == 1
}

// PrevMonthRange returns the Gregorian bounds [from, to) of the civil month
// preceding the one containing t.
func PrevMonthRange(t time.Time) (time.Time, time.Time) {
	current := MonthStart(FromTime(t))
	prev := PrevMonth(current)
	return prev.Time(), current.Time()
}

// MonthRangeEndingAt returns the bounds of the civil month ending at the
// month boundary at-or-before to. Used for subscription-fee windows.
func MonthRangeEndingAt(to time.Time) (time.Time, time.Time) {
	end := MonthStart(FromTime(to)).Time()
	start := PrevMonth(MonthStart(FromTime(to))).Time()
	return start, end
}

// AddMonths advances t by n civil months, clamping the day to the target
// month's length. Used for due-date arithmetic.
func AddMonths(t time.Time, n int) time.Time {
	d := FromTime(t)
	month := d.Month - 1 + n
	d.Year += month / 12
	d.Month = month%12 + 1
	if d.Month <= 0 {
		d.Month += 12
		d.Year--
	}
	if max := DaysInMonth(d.Year, d.Month); d.Day > max {
		d.Day = max
	}
	day := d.Time()
	return day.Add(t.Sub(time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)))
}
