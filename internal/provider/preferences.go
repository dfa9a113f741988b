package provider

import (
	"encoding/json"
	"fmt"
)

// Preferences is the semi-structured per-plugin configuration stored on the
// code registry row. Getters apply the documented defaults.
type Preferences map[string]interface{}

// ParsePreferences decodes the stored JSONB blob. An empty blob yields empty
// preferences.
func ParsePreferences(raw []byte) (Preferences, error) {
	if len(raw) == 0 {
		return Preferences{}, nil
	}
	var p Preferences
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("failed to parse preferences: %w", err)
	}
	if p == nil {
		p = Preferences{}
	}
	return p, nil
}

func (p Preferences) intOr(key string, def int) int {
	v, ok := p[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return def
	}
}

func (p Preferences) stringOr(key, def string) string {
	if v, ok := p[key].(string); ok && v != "" {
		return v
	}
	return def
}

func (p Preferences) boolOr(key string, def bool) bool {
	if v, ok := p[key].(bool); ok {
		return v
	}
	return def
}

// DelayHours is the positive crontab offset for historical pulls.
func (p Preferences) DelayHours() int { return p.intOr("delay_hours", 0) }

// PreCloseSeconds is how early live jobs fire before interval close.
func (p Preferences) PreCloseSeconds() int { return p.intOr("pre_close_seconds", 30) }

// PostCloseSeconds extends the realtime listen window past interval close.
// A negative return means "use the provider's close buffer".
func (p Preferences) PostCloseSeconds() int { return p.intOr("post_close_seconds", -1) }

// LookbackDays bounds the initial back-fill window of a new subscription.
func (p Preferences) LookbackDays() int { return p.intOr("lookback_days", 8000) }

// ImmediatePull triggers a back-fill as soon as a subscription appears.
func (p Preferences) ImmediatePull() bool { return p.boolOr("immediate_pull", true) }

// SyncFrequency is the index-constituent sync interval key.
func (p Preferences) SyncFrequency() string { return p.stringOr("sync_frequency", "1w") }

// PreferredQuoteCurrency steers crypto mapping selection.
func (p Preferences) PreferredQuoteCurrency() string {
	return p.stringOr("preferred_quote_currency", "")
}
