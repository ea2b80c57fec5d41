package risk

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // exchange zones without a system zoneinfo
)

// Extended sessions in exchange-local minutes since midnight.
const (
	preMarketOpen   = 4 * 60
	regularOpen     = 9*60 + 30
	regularClose    = 16 * 60
	afterHoursClose = 20 * 60
)

// ParseClock parses "HH:MM" into minutes since midnight.
func ParseClock(s string) (int, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("invalid time %q: expected HH:MM", s)
	}
	hh, err := strconv.Atoi(h)
	if err != nil || hh < 0 || hh > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	mm, err := strconv.Atoi(m)
	if err != nil || mm < 0 || mm > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return hh*60 + mm, nil
}

// TradingHours decides whether a moment falls in a tradable session.
type TradingHours struct {
	Location *time.Location
	Start    int // minutes since midnight, exchange time
	End      int
	Extended bool
}

// NewTradingHours builds a window from "HH:MM" bounds.
func NewTradingHours(loc *time.Location, start, end string, extended bool) (TradingHours, error) {
	s, err := ParseClock(start)
	if err != nil {
		return TradingHours{}, err
	}
	e, err := ParseClock(end)
	if err != nil {
		return TradingHours{}, err
	}
	if e <= s {
		return TradingHours{}, fmt.Errorf("trading end %s must be after start %s", end, start)
	}
	return TradingHours{Location: loc, Start: s, End: e, Extended: extended}, nil
}

// Open reports whether t is inside the configured window on a weekday, or
// inside pre-market/after-hours when extended trading is allowed.
func (h TradingHours) Open(t time.Time) bool {
	local := t.In(h.Location)
	if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	m := local.Hour()*60 + local.Minute()
	if m >= h.Start && m < h.End {
		return true
	}
	if !h.Extended {
		return false
	}
	return (m >= preMarketOpen && m < regularOpen) || (m >= regularClose && m < afterHoursClose)
}

// StartOfDay returns local midnight of t in loc.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	l := t.In(loc)
	return time.Date(l.Year(), l.Month(), l.Day(), 0, 0, 0, 0, loc)
}

// StartOfWeek returns local Monday midnight of the week containing t.
func StartOfWeek(t time.Time, loc *time.Location) time.Time {
	d := StartOfDay(t, loc)
	offset := (int(d.Weekday()) + 6) % 7
	return d.AddDate(0, 0, -offset)
}
