// Package preference holds per-user delivery preferences and the gate that
// decides whether a channel or category may be used.
package preference

import (
	"fmt"
	"time"

	"github.com/lalithlochan/courier/internal/db"
)

// ChannelPreferences controls one delivery channel for a user. Categories is
// sparse: a missing key means the channel default applies.
type ChannelPreferences struct {
	Enabled    bool            `json:"enabled"`
	Categories map[string]bool `json:"categories,omitempty"`
}

// QuietHours is a daily do-not-disturb window in the user's timezone.
// Start and End are "HH:MM"; End <= Start means the window crosses midnight.
type QuietHours struct {
	Enabled  bool   `json:"enabled"`
	Start    string `json:"start"`
	End      string `json:"end"`
	Timezone string `json:"timezone"`
}

// Preferences is the stored preference record for a user.
type Preferences struct {
	UserID     string             `json:"user_id"`
	Email      ChannelPreferences `json:"email"`
	SMS        ChannelPreferences `json:"sms"`
	Push       ChannelPreferences `json:"push"`
	QuietHours *QuietHours        `json:"quiet_hours,omitempty"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

// Defaults returns the system defaults: every channel enabled, no category
// overrides, no quiet hours.
func Defaults(userID string) *Preferences {
	return &Preferences{
		UserID: userID,
		Email:  ChannelPreferences{Enabled: true},
		SMS:    ChannelPreferences{Enabled: true},
		Push:   ChannelPreferences{Enabled: true},
	}
}

// For returns the settings for channel, or nil for an unknown channel.
func (p *Preferences) For(channel db.Channel) *ChannelPreferences {
	switch channel {
	case db.ChannelEmail:
		return &p.Email
	case db.ChannelSMS:
		return &p.SMS
	case db.ChannelPush:
		return &p.Push
	}
	return nil
}

// Clone returns a deep copy.
func (p *Preferences) Clone() *Preferences {
	if p == nil {
		return nil
	}
	c := *p
	c.Email.Categories = cloneCategories(p.Email.Categories)
	c.SMS.Categories = cloneCategories(p.SMS.Categories)
	c.Push.Categories = cloneCategories(p.Push.Categories)
	if p.QuietHours != nil {
		qh := *p.QuietHours
		c.QuietHours = &qh
	}
	return &c
}

func cloneCategories(m map[string]bool) map[string]bool {
	if m == nil {
		return nil
	}
	out := make(map[string]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ChannelUpdate is a partial update to one channel. Categories are merged key by key.
type ChannelUpdate struct {
	Enabled    *bool           `json:"enabled,omitempty"`
	Categories map[string]bool `json:"categories,omitempty"`
}

// QuietHoursUpdate is a partial update to the quiet-hours window.
type QuietHoursUpdate struct {
	Enabled  *bool   `json:"enabled,omitempty"`
	Start    *string `json:"start,omitempty"`
	End      *string `json:"end,omitempty"`
	Timezone *string `json:"timezone,omitempty"`
}

// Update is the partial form accepted by UPDATE_PREFERENCES.
type Update struct {
	Email      *ChannelUpdate    `json:"email,omitempty"`
	SMS        *ChannelUpdate    `json:"sms,omitempty"`
	Push       *ChannelUpdate    `json:"push,omitempty"`
	QuietHours *QuietHoursUpdate `json:"quiet_hours,omitempty"`
}

// Validate checks the time-of-day fields present in u.
func (u Update) Validate() error {
	if u.QuietHours == nil {
		return nil
	}
	for _, v := range []*string{u.QuietHours.Start, u.QuietHours.End} {
		if v == nil {
			continue
		}
		if _, err := time.Parse("15:04", *v); err != nil {
			return fmt.Errorf("invalid quiet hours time %q: expected HH:MM", *v)
		}
	}
	if tz := u.QuietHours.Timezone; tz != nil && *tz != "" {
		if _, err := time.LoadLocation(*tz); err != nil {
			return fmt.Errorf("invalid quiet hours timezone %q", *tz)
		}
	}
	return nil
}

// Merge applies u on top of base and returns a new record. base is not
// modified; a nil base starts from Defaults(userID).
func Merge(base *Preferences, userID string, u Update, now time.Time) *Preferences {
	var out *Preferences
	if base == nil {
		out = Defaults(userID)
	} else {
		out = base.Clone()
	}
	out.UserID = userID

	mergeChannel(&out.Email, u.Email)
	mergeChannel(&out.SMS, u.SMS)
	mergeChannel(&out.Push, u.Push)

	if q := u.QuietHours; q != nil {
		if out.QuietHours == nil {
			out.QuietHours = &QuietHours{}
		}
		if q.Enabled != nil {
			out.QuietHours.Enabled = *q.Enabled
		}
		if q.Start != nil {
			out.QuietHours.Start = *q.Start
		}
		if q.End != nil {
			out.QuietHours.End = *q.End
		}
		if q.Timezone != nil {
			out.QuietHours.Timezone = *q.Timezone
		}
	}

	out.UpdatedAt = now.UTC()
	return out
}

func mergeChannel(dst *ChannelPreferences, u *ChannelUpdate) {
	if u == nil {
		return
	}
	if u.Enabled != nil {
		dst.Enabled = *u.Enabled
	}
	if len(u.Categories) > 0 && dst.Categories == nil {
		dst.Categories = make(map[string]bool, len(u.Categories))
	}
	for k, v := range u.Categories {
		dst.Categories[k] = v
	}
}
