package preference

import (
	"fmt"

	"github.com/lalithlochan/courier/internal/db"
)

// CanSend reports whether channel (and optionally category) is permitted.
func CanSend(channel db.Channel, prefs *Preferences, category string) bool {
	ok, _ := Check(channel, prefs, category)
	return ok
}

// Check is CanSend with the human-readable denial reason.
//
// No stored preferences means allow. A disabled channel denies every
// category; otherwise only an explicit false override for category denies.
func Check(channel db.Channel, prefs *Preferences, category string) (bool, string) {
	if prefs == nil {
		return true, ""
	}
	cp := prefs.For(channel)
	if cp == nil {
		return true, ""
	}
	if !cp.Enabled {
		return false, fmt.Sprintf("User has disabled %s notifications", channel)
	}
	if category != "" {
		if allowed, ok := cp.Categories[category]; ok && !allowed {
			return false, fmt.Sprintf("User has opted out of %s %s notifications", category, channel)
		}
	}
	return true, ""
}
