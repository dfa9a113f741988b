// Package calendar answers market-session questions for MICs. Calendars are
// built lazily and cached process-wide. Unknown MICs deliberately report
// "always open" so discovery of new markets is never starved by a missing
// calendar.
package calendar

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// marketCalendar describes one market's trading days and hours. Markets with
// a zero open/close pair trade around the clock on their session days.
type marketCalendar struct {
	mic      string
	days     map[time.Weekday]bool
	tz       *time.Location
	openMin  int // minutes from midnight, local
	closeMin int
}

var weekdays = map[time.Weekday]bool{
	time.Monday: true, time.Tuesday: true, time.Wednesday: true,
	time.Thursday: true, time.Friday: true,
}

var allDays = map[time.Weekday]bool{
	time.Sunday: true, time.Monday: true, time.Tuesday: true,
	time.Wednesday: true, time.Thursday: true, time.Friday: true,
	time.Saturday: true,
}

// fxDays is 24x5 plus Sunday, so the Sunday-evening open minute is captured.
var fxDays = map[time.Weekday]bool{
	time.Sunday: true, time.Monday: true, time.Tuesday: true,
	time.Wednesday: true, time.Thursday: true, time.Friday: true,
}

// Service resolves MICs to calendars and caches the instances.
type Service struct {
	mu    sync.RWMutex
	cache map[string]*marketCalendar
}

// New creates an empty calendar service.
func New() *Service {
	return &Service{cache: make(map[string]*marketCalendar)}
}

// IsOpenNow reports whether the market is open at the current instant.
func (s *Service) IsOpenNow(mic string) bool {
	return s.OpenAt(mic, time.Now().UTC())
}

// OpenAt reports whether the market is open at the given instant.
func (s *Service) OpenAt(mic string, t time.Time) bool {
	cal := s.get(mic)
	if cal == nil {
		return true
	}
	local := t.In(cal.tz)
	if !cal.days[local.Weekday()] {
		return false
	}
	if cal.openMin == 0 && cal.closeMin == 0 {
		return true
	}
	minute := local.Hour()*60 + local.Minute()
	return minute >= cal.openMin && minute < cal.closeMin
}

// IsSession reports whether the market holds a session on the given date.
func (s *Service) IsSession(mic string, date time.Time) bool {
	cal := s.get(mic)
	if cal == nil {
		return true
	}
	return cal.days[date.In(cal.tz).Weekday()]
}

// HasSessionsInRange reports whether the market holds any session on the
// inclusive [start, end] date range.
func (s *Service) HasSessionsInRange(mic string, start, end time.Time) bool {
	cal := s.get(mic)
	if cal == nil {
		return true
	}
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		if cal.days[d.Weekday()] {
			return true
		}
	}
	return false
}

// get returns the cached calendar for a MIC, building it on first use.
// Nil means "unknown MIC, treat as always open".
func (s *Service) get(mic string) *marketCalendar {
	s.mu.RLock()
	cal, ok := s.cache[mic]
	s.mu.RUnlock()
	if ok {
		return cal
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cal, ok := s.cache[mic]; ok {
		return cal
	}
	cal = build(mic)
	s.cache[mic] = cal
	if cal == nil {
		log.Debug().Str("mic", mic).Msg("Unknown MIC, defaulting to always open")
	}
	return cal
}

// build constructs the calendar for a MIC, or nil when unrecognized.
func build(mic string) *marketCalendar {
	switch mic {
	case "CRYPTO":
		return &marketCalendar{mic: mic, days: allDays, tz: time.UTC}
	case "XFX":
		return &marketCalendar{mic: mic, days: fxDays, tz: mustLoad("America/New_York")}
	case "XNYS", "XNAS", "ARCX", "BATS", "IEXG":
		return &marketCalendar{
			mic: mic, days: weekdays, tz: mustLoad("America/New_York"),
			openMin: 9*60 + 30, closeMin: 16 * 60,
		}
	case "XLON":
		return &marketCalendar{
			mic: mic, days: weekdays, tz: mustLoad("Europe/London"),
			openMin: 8 * 60, closeMin: 16*60 + 30,
		}
	case "XETR", "XFRA":
		return &marketCalendar{
			mic: mic, days: weekdays, tz: mustLoad("Europe/Berlin"),
			openMin: 9 * 60, closeMin: 17*60 + 30,
		}
	case "XTKS":
		return &marketCalendar{
			mic: mic, days: weekdays, tz: mustLoad("Asia/Tokyo"),
			openMin: 9 * 60, closeMin: 15 * 60,
		}
	default:
		return nil
	}
}

func mustLoad(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		log.Warn().Str("tz", name).Err(err).Msg("Timezone load failed, falling back to UTC")
		return time.UTC
	}
	return loc
}
