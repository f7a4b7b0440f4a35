package market

import (
	"time"

	"github.com/highwatermark/cortexcore/internal/config"
)

// Clock supplies the current time. The real implementation is the system
// clock; tests substitute a fixed one so boundary math is deterministic.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// FixedClock returns a fixed instant, for tests.
type FixedClock struct{ T time.Time }

func (f FixedClock) Now() time.Time { return f.T }

// Calendar answers market-hours questions in the venue's timezone. All
// boundary computations happen in one canonical location so daily and
// weekly windows never drift apart.
type Calendar struct {
	cfg config.MarketHours
	loc *time.Location
}

func NewCalendar(cfg config.MarketHours) (*Calendar, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, err
	}
	return &Calendar{cfg: cfg, loc: loc}, nil
}

// Location returns the venue timezone.
func (c *Calendar) Location() *time.Location { return c.loc }

// OpenAt returns the session open on the given instant's trading date.
func (c *Calendar) OpenAt(t time.Time) time.Time {
	lt := t.In(c.loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), c.cfg.OpenHour, c.cfg.OpenMinute, 0, 0, c.loc)
}

// CloseAt returns the session close on the given instant's trading date.
func (c *Calendar) CloseAt(t time.Time) time.Time {
	lt := t.In(c.loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), c.cfg.CloseHour, c.cfg.CloseMinute, 0, 0, c.loc)
}

// IsOpen reports whether t falls inside regular trading hours on a weekday.
func (c *Calendar) IsOpen(t time.Time) bool {
	lt := t.In(c.loc)
	if wd := lt.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	return !lt.Before(c.OpenAt(t)) && !lt.After(c.CloseAt(t))
}

// DayStart returns midnight of t's trading date in the venue timezone.
// Trade-log "today" windows start here.
func (c *Calendar) DayStart(t time.Time) time.Time {
	lt := t.In(c.loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, c.loc)
}

// WeekStart returns midnight on Monday of t's calendar week in the venue
// timezone. Weekly loss windows start here.
func (c *Calendar) WeekStart(t time.Time) time.Time {
	lt := t.In(c.loc)
	// Go's Weekday has Sunday == 0; shift so Monday == 0.
	offset := (int(lt.Weekday()) + 6) % 7
	monday := lt.AddDate(0, 0, -offset)
	return time.Date(monday.Year(), monday.Month(), monday.Day(), 0, 0, 0, 0, c.loc)
}

// NextOpen returns the next session open strictly after t, skipping
// weekends.
func (c *Calendar) NextOpen(t time.Time) time.Time {
	lt := t.In(c.loc)
	open := c.OpenAt(lt)
	for !open.After(lt) || open.Weekday() == time.Saturday || open.Weekday() == time.Sunday {
		lt = lt.AddDate(0, 0, 1)
		open = c.OpenAt(lt)
	}
	return open
}

// NextMondayOpen returns the open of the Monday strictly after t's week.
func (c *Calendar) NextMondayOpen(t time.Time) time.Time {
	next := c.WeekStart(t).AddDate(0, 0, 7)
	return time.Date(next.Year(), next.Month(), next.Day(), c.cfg.OpenHour, c.cfg.OpenMinute, 0, 0, c.loc)
}

// MinutesSinceOpen returns minutes elapsed since today's open; negative
// before the open.
func (c *Calendar) MinutesSinceOpen(t time.Time) float64 {
	return t.In(c.loc).Sub(c.OpenAt(t)).Minutes()
}

// MinutesToClose returns minutes remaining until today's close; negative
// after the close.
func (c *Calendar) MinutesToClose(t time.Time) float64 {
	return c.CloseAt(t).Sub(t.In(c.loc)).Minutes()
}
