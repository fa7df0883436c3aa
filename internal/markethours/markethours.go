// Package markethours answers when the exchange is trading.
package markethours

import (
	"fmt"
	"time"
)

// IST is the Indian Standard Time location (UTC+5:30).
var IST = time.FixedZone("IST", 5*3600+30*60)

// DateLayout formats session dates.
const DateLayout = "2006-01-02"

// Default NSE cash session in IST.
const (
	DefaultOpen  = "09:15"
	DefaultClose = "15:30"

	// wake this long before open to log in and load references
	PreOpenLead = 5 * time.Minute
)

// Session is one exchange's trading window, Mon–Fri excluding holidays.
type Session struct {
	openMin  int
	closeMin int
	loc      *time.Location
	holidays map[string]bool
}

// NSE returns the default NSE session.
func NSE() *Session {
	s, _ := NewSession(DefaultOpen, DefaultClose)
	return s
}

// NewSession builds an IST session from "HH:MM" open and close times.
func NewSession(open, close string) (*Session, error) {
	o, err := parseClock(open)
	if err != nil {
		return nil, fmt.Errorf("markethours: open: %w", err)
	}
	c, err := parseClock(close)
	if err != nil {
		return nil, fmt.Errorf("markethours: close: %w", err)
	}
	if c <= o {
		return nil, fmt.Errorf("markethours: close %s not after open %s", close, open)
	}
	return &Session{openMin: o, closeMin: c, loc: IST, holidays: nseHolidays()}, nil
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

// AddHolidays marks extra YYYY-MM-DD dates closed.
func (s *Session) AddHolidays(dates ...string) error {
	for _, d := range dates {
		if _, err := time.ParseInLocation(DateLayout, d, s.loc); err != nil {
			return fmt.Errorf("markethours: holiday %q: %w", d, err)
		}
		s.holidays[d] = true
	}
	return nil
}

// Date returns t's calendar date in exchange time.
func (s *Session) Date(t time.Time) string {
	return t.In(s.loc).Format(DateLayout)
}

// IsHoliday reports whether t's exchange date is a listed holiday.
func (s *Session) IsHoliday(t time.Time) bool {
	return s.holidays[s.Date(t)]
}

// IsTradingDay returns true if t is a weekday and not a holiday.
func (s *Session) IsTradingDay(t time.Time) bool {
	wd := t.In(s.loc).Weekday()
	return wd != time.Saturday && wd != time.Sunday && !s.IsHoliday(t)
}

// IsOpen reports whether t falls inside the session on a trading day.
func (s *Session) IsOpen(t time.Time) bool {
	if !s.IsTradingDay(t) {
		return false
	}
	l := t.In(s.loc)
	hm := l.Hour()*60 + l.Minute()
	return hm >= s.openMin && hm < s.closeMin
}

func (s *Session) at(day time.Time, min int) time.Time {
	l := day.In(s.loc)
	return time.Date(l.Year(), l.Month(), l.Day(), min/60, min%60, 0, 0, s.loc)
}

// OpenAt returns the open time on t's date.
func (s *Session) OpenAt(t time.Time) time.Time { return s.at(t, s.openMin) }

// CloseAt returns the close time on t's date.
func (s *Session) CloseAt(t time.Time) time.Time { return s.at(t, s.closeMin) }

// NextOpen returns the next open at or after t. Today's open counts if t is
// before it on a trading day.
func (s *Session) NextOpen(t time.Time) time.Time {
	if open := s.OpenAt(t); t.Before(open) && s.IsTradingDay(t) {
		return open
	}
	d := t.In(s.loc)
	for i := 0; i < 15; i++ { // weekends plus holiday clusters
		d = d.AddDate(0, 0, 1)
		if s.IsTradingDay(d) {
			return s.OpenAt(d)
		}
	}
	return s.OpenAt(t.In(s.loc).AddDate(0, 0, 1))
}

// TimeUntilClose returns the duration until today's close, or 0 when closed.
func (s *Session) TimeUntilClose(t time.Time) time.Duration {
	if !s.IsOpen(t) {
		return 0
	}
	return s.CloseAt(t).Sub(t)
}

// StatusString returns a human-readable market status.
func (s *Session) StatusString(t time.Time) string {
	if s.IsOpen(t) {
		return fmt.Sprintf("Market Open, closes in %s", fmtDur(s.TimeUntilClose(t)))
	}
	next := s.NextOpen(t)
	l := next.In(s.loc)
	return fmt.Sprintf("Market Closed, opens %s %s (%s)",
		l.Weekday().String()[:3], l.Format("15:04"), fmtDur(next.Sub(t)))
}

func fmtDur(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}
