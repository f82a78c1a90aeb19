package utils

import "time"

// BusinessHours describes the weekday/hour window used to segment metric
// statistics. Hours are half-open: [StartHour, EndHour).
type BusinessHours struct {
	StartHour    int
	EndHour      int
	WeekdaysOnly bool
}

// DefaultBusinessHours covers 09:00-17:00 on weekdays.
func DefaultBusinessHours() BusinessHours {
	return BusinessHours{StartHour: 9, EndHour: 17, WeekdaysOnly: true}
}

// Contains reports whether t falls inside the business-hours window.
func (b BusinessHours) Contains(t time.Time) bool {
	if b.EndHour <= b.StartHour {
		return false
	}
	if b.WeekdaysOnly {
		switch t.Weekday() {
		case time.Saturday, time.Sunday:
			return false
		}
	}
	h := t.Hour()
	return h >= b.StartHour && h < b.EndHour
}
