package calendar

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestOpenAtEquities(t *testing.T) {
	s := New()

	// Wednesday 2025-12-17 15:00 UTC = 10:00 New York, inside the session.
	assert.True(t, s.OpenAt("XNAS", time.Date(2025, 12, 17, 15, 0, 0, 0, time.UTC)))

	// Same Wednesday at 22:00 UTC = 17:00 New York, after close.
	assert.False(t, s.OpenAt("XNAS", time.Date(2025, 12, 17, 22, 0, 0, 0, time.UTC)))

	// Saturday.
	assert.False(t, s.OpenAt("XNAS", time.Date(2025, 12, 20, 15, 0, 0, 0, time.UTC)))
}

func TestOpenAtCrypto(t *testing.T) {
	s := New()
	assert.True(t, s.OpenAt("CRYPTO", time.Date(2025, 12, 20, 3, 0, 0, 0, time.UTC)))
	assert.True(t, s.OpenAt("CRYPTO", time.Date(2025, 12, 21, 23, 59, 0, 0, time.UTC)))
}

func TestOpenAtUnknownMIC(t *testing.T) {
	s := New()
	// Unknown markets default to always open.
	assert.True(t, s.OpenAt("XXXX", time.Date(2025, 12, 20, 3, 0, 0, 0, time.UTC)))
	assert.True(t, s.IsSession("XXXX", date(2025, 12, 20)))
	assert.True(t, s.HasSessionsInRange("XXXX", date(2025, 12, 20), date(2025, 12, 20)))
}

func TestHasSessionsInRangeWeekendGap(t *testing.T) {
	s := New()

	// Saturday only: no session.
	assert.False(t, s.HasSessionsInRange("XNAS", date(2025, 12, 20), date(2025, 12, 20)))

	// Thursday through Saturday: Thursday and Friday are sessions.
	assert.True(t, s.HasSessionsInRange("XNAS", date(2025, 12, 18), date(2025, 12, 20)))

	// Full weekend.
	assert.False(t, s.HasSessionsInRange("XNAS", date(2025, 12, 20), date(2025, 12, 21)))
}

func TestForexWeek(t *testing.T) {
	s := New()

	// Sunday afternoon New York counts as an FX session day (the evening open).
	assert.True(t, s.IsSession("XFX", time.Date(2025, 12, 21, 18, 0, 0, 0, time.UTC)))
	// Saturday does not.
	assert.False(t, s.IsSession("XFX", time.Date(2025, 12, 20, 18, 0, 0, 0, time.UTC)))
}

func TestCalendarCached(t *testing.T) {
	s := New()
	s.IsSession("CRYPTO", date(2025, 12, 20))
	s.IsSession("CRYPTO", date(2025, 12, 21))

	s.mu.RLock()
	defer s.mu.RUnlock()
	assert.Len(t, s.cache, 1)
}
