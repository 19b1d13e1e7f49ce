package utils

import (
	"time"
)

// ODataDateLayout is the timestamp layout the TOPdesk reporting API accepts in $filter.
const ODataDateLayout = "2006-01-02T15:04:05Z"

// StartOfDayUTC truncates t to midnight of its UTC day.
func StartOfDayUTC(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// FormatODataDate renders t in UTC for use inside an OData filter expression.
func FormatODataDate(t time.Time) string {
	return t.UTC().Format(ODataDateLayout)
}

// MinutesToDuration converts a whole number of minutes; non-positive input yields zero.
func MinutesToDuration(minutes int) time.Duration {
	if minutes <= 0 {
		return 0
	}
	return time.Duration(minutes) * time.Minute
}
