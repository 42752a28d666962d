package service

import "time"

// marketTZ is resolved once; LoadLocation only fails on a broken zoneinfo
// install, in which case UTC keeps the engine functional (polling cadence
// just loses the open/closed distinction accuracy).
var marketTZ = func() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return time.UTC
	}
	return loc
}()

// MarketOpen reports whether the keyed provider's market is in its
// regular session: weekdays 09:30-16:00 US/Eastern. Holidays are not
// modeled; a closed-holiday fetch just returns flat data.
func MarketOpen(t time.Time) bool {
	et := t.In(marketTZ)
	switch et.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	mins := et.Hour()*60 + et.Minute()
	return mins >= 9*60+30 && mins < 16*60
}
