// Package quiethours evaluates a user's do-not-disturb window.
package quiethours

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/preference"
)

// Calculator resolves quiet-hours windows against wall-clock time.
// Parsing failures are logged and treated as "not in quiet hours".
type Calculator struct {
	logger *zap.Logger
}

// New creates a Calculator.
func New(logger *zap.Logger) *Calculator {
	return &Calculator{logger: logger}
}

// IsInQuietHours reports whether now falls inside the user's window.
func (c *Calculator) IsInQuietHours(prefs *preference.Preferences, now time.Time) bool {
	_, in := c.window(prefs, now)
	return in
}

// NextAvailableTime returns the instant the current window ends. The bool is
// false when sending is permitted now.
func (c *Calculator) NextAvailableTime(prefs *preference.Preferences, now time.Time) (time.Time, bool) {
	w, in := c.window(prefs, now)
	if !in {
		return time.Time{}, false
	}
	end := w.end
	if !end.After(now) {
		end = end.AddDate(0, 0, 1)
	}
	return end, true
}

type window struct {
	start, end time.Time
}

func (c *Calculator) window(prefs *preference.Preferences, now time.Time) (window, bool) {
	if prefs == nil || prefs.QuietHours == nil || !prefs.QuietHours.Enabled {
		return window{}, false
	}
	w, err := resolve(*prefs.QuietHours, now)
	if err != nil {
		c.logger.Warn("ignoring quiet hours",
			zap.String("user_id", prefs.UserID),
			zap.Error(err),
		)
		return window{}, false
	}
	return w, !now.Before(w.start) && now.Before(w.end)
}

// resolve returns the [start, end) window relevant to now. When end <= start
// the window crosses midnight: it began today if now is at or past start,
// otherwise it began yesterday.
func resolve(qh preference.QuietHours, now time.Time) (window, error) {
	loc := time.UTC
	if qh.Timezone != "" {
		l, err := time.LoadLocation(qh.Timezone)
		if err != nil {
			return window{}, fmt.Errorf("load timezone %q: %w", qh.Timezone, err)
		}
		loc = l
	}
	sh, sm, err := parseClock(qh.Start)
	if err != nil {
		return window{}, err
	}
	eh, em, err := parseClock(qh.End)
	if err != nil {
		return window{}, err
	}

	zoned := now.In(loc)
	y, mo, d := zoned.Date()
	start := time.Date(y, mo, d, sh, sm, 0, 0, loc)
	end := time.Date(y, mo, d, eh, em, 0, 0, loc)

	if eh*60+em <= sh*60+sm {
		if !zoned.Before(start) {
			end = time.Date(y, mo, d+1, eh, em, 0, 0, loc)
		} else {
			start = time.Date(y, mo, d-1, sh, sm, 0, 0, loc)
		}
	}
	return window{start: start, end: end}, nil
}

func parseClock(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid time of day %q: expected HH:MM", s)
	}
	return t.Hour(), t.Minute(), nil
}
