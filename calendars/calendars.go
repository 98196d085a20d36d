// Package calendars gates scheduled sync jobs on trading-calendar business
// days. An instance without a configured market MIC gets a nil gate, which
// is always open.
package calendars

import (
	"time"

	"github.com/scmhub/calendar"
)

// Gate answers whether a point in time falls on a business day of one
// market.
type Gate struct {
	cal *calendar.Calendar
	loc *time.Location
}

// ForMIC returns the gate for an ISO 10383 market identifier code. An empty
// or unknown MIC yields nil: no gating.
func ForMIC(mic string) *Gate {
	if mic == "" {
		return nil
	}
	cal := calendar.GetCalendar(mic)
	if cal == nil {
		return nil
	}
	return &Gate{cal: cal, loc: cal.Loc}
}

// IsBusinessDay reports whether t falls on a business day of the market. A
// nil gate is always open.
func (g *Gate) IsBusinessDay(t time.Time) bool {
	if g == nil {
		return true
	}
	if g.loc != nil {
		t = t.In(g.loc)
	}
	return g.cal.IsBusinessDay(t)
}

// IsOpen reports whether the market is trading at t. A nil gate is always
// open.
func (g *Gate) IsOpen(t time.Time) bool {
	if g == nil {
		return true
	}
	if g.loc != nil {
		t = t.In(g.loc)
	}
	return g.cal.IsOpen(t)
}
