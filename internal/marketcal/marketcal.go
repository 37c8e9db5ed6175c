// Package marketcal owns time for the whole runtime: the IST clock, the
// market-hours predicate, session bounds and candle-bucket alignment.
// No other package may call time.Now directly.
package marketcal

import (
	"sort"
	"sync"
	"time"

	"github.com/karanvir/opttrader/internal/models"
)

// Clock is the injected source of current time. Implementations must return
// instants in the exchange timezone.
type Clock interface {
	Now() time.Time
}

// ISTName is the exchange timezone for NSE/BSE sessions.
const ISTName = "Asia/Kolkata"

// loadIST resolves Asia/Kolkata, falling back to a fixed +05:30 zone for
// containers without tzdata.
func loadIST() *time.Location {
	loc, err := time.LoadLocation(ISTName)
	if err != nil {
		return time.FixedZone("IST", 5*3600+30*60)
	}
	return loc
}

// SystemClock reads the wall clock in IST.
type SystemClock struct {
	loc *time.Location
}

// NewSystemClock returns a Clock backed by the OS wall clock.
func NewSystemClock() *SystemClock {
	return &SystemClock{loc: loadIST()}
}

// Now returns the current instant in IST.
func (c *SystemClock) Now() time.Time {
	return time.Now().In(c.loc)
}

// Fake is a settable clock for tests.
type Fake struct {
	mu sync.Mutex
	t  time.Time
}

// NewFake returns a Fake pinned at t.
func NewFake(t time.Time) *Fake {
	return &Fake{t: t}
}

// Now returns the pinned instant.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

// Set pins the clock at t.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	f.t = t
	f.mu.Unlock()
}

// Advance moves the clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

// Calendar answers market-hours questions for the Indian equity session.
// The open/close clock and the holiday table are injected from config;
// defaults are 09:15–15:30 IST, Monday through Friday, no holidays.
type Calendar struct {
	loc       *time.Location
	openHour  int
	openMin   int
	closeHour int
	closeMin  int
	holidays  map[string]struct{} // "2006-01-02" keys in IST
}

// Option configures a Calendar.
type Option func(*Calendar)

// WithHours overrides the session open/close clock ("HH:MM").
func WithHours(openH, openM, closeH, closeM int) Option {
	return func(c *Calendar) {
		c.openHour, c.openMin = openH, openM
		c.closeHour, c.closeMin = closeH, closeM
	}
}

// WithHolidays installs the exchange holiday table.
func WithHolidays(dates []time.Time) Option {
	return func(c *Calendar) {
		for _, d := range dates {
			c.holidays[d.In(c.loc).Format("2006-01-02")] = struct{}{}
		}
	}
}

// NewCalendar builds a Calendar with the default NSE session.
func NewCalendar(opts ...Option) *Calendar {
	c := &Calendar{
		loc:       loadIST(),
		openHour:  9, openMin: 15,
		closeHour: 15, closeMin: 30,
		holidays: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Location returns the exchange timezone.
func (c *Calendar) Location() *time.Location {
	return c.loc
}

// IsTradingDay reports whether t falls on a weekday that is not a holiday.
func (c *Calendar) IsTradingDay(t time.Time) bool {
	t = t.In(c.loc)
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	_, holiday := c.holidays[t.Format("2006-01-02")]
	return !holiday
}

// IsOpen reports whether the market is open at t. The session is inclusive
// on both ends: 09:15:00.000 and 15:30:00.000 are open, 15:30:00.001 is not.
func (c *Calendar) IsOpen(t time.Time) bool {
	if !c.IsTradingDay(t) {
		return false
	}
	open, close := c.SessionBounds(t)
	return !t.Before(open) && !t.After(close)
}

// SessionBounds returns the open and close instants of t's session day.
func (c *Calendar) SessionBounds(t time.Time) (time.Time, time.Time) {
	t = t.In(c.loc)
	open := time.Date(t.Year(), t.Month(), t.Day(), c.openHour, c.openMin, 0, 0, c.loc)
	close := time.Date(t.Year(), t.Month(), t.Day(), c.closeHour, c.closeMin, 0, 0, c.loc)
	return open, close
}

// AlignToBucket floors t to its timeframe boundary in IST. Intraday buckets
// are counted from midnight IST; the day timeframe floors to midnight.
func (c *Calendar) AlignToBucket(t time.Time, tf models.Timeframe) time.Time {
	t = t.In(c.loc)
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, c.loc)
	if tf == models.TimeframeDay {
		return midnight
	}
	d := tf.Duration()
	if d <= 0 {
		return t
	}
	return midnight.Add(t.Sub(midnight).Truncate(d))
}

// NextOpen returns the next instant the market opens at or after t.
func (c *Calendar) NextOpen(t time.Time) time.Time {
	t = t.In(c.loc)
	for i := 0; i < 370; i++ { // bounded walk; a year of holidays would be a config bug
		day := t.AddDate(0, 0, i)
		if !c.IsTradingDay(day) {
			continue
		}
		open, _ := c.SessionBounds(day)
		if !open.Before(t) {
			return open
		}
	}
	return t
}

// Holidays returns the configured holiday dates, sorted, for the status API.
func (c *Calendar) Holidays() []string {
	out := make([]string, 0, len(c.holidays))
	for d := range c.holidays {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}
