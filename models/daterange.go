package models

import "time"

// DateRange selects the reporting period queried on the portal.
type DateRange struct {
	Target time.Time
}

// DefaultDateRange applies the reporting rule: the 15th of the month two
// months before now. Confirm with the data owner before changing it.
func DefaultDateRange(now time.Time) DateRange {
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return DateRange{Target: first.AddDate(0, -2, 14)}
}

// String renders the range as the portal's date parameter (YYYY-MM-DD).
func (d DateRange) String() string {
	return d.Target.Format("2006-01-02")
}

// Month renders the target month as YYYYMM, the form used by the RPC API.
func (d DateRange) Month() string {
	return d.Target.Format("200601")
}
