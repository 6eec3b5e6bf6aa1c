package decode

import (
	"strings"
	"time"
)

// DefaultLocation is the output zone used when a resolver has none configured.
var DefaultLocation = time.FixedZone("UTC+07:00", 7*3600)

// Timestamp is a resolved event time. Raw carries a string that could not be parsed;
// both zero means no timestamp was found.
type Timestamp struct {
	Time time.Time
	Raw  string
}

// IsZero reports whether no timestamp was resolved.
func (t Timestamp) IsZero() bool {
	return t.Time.IsZero() && t.Raw == ""
}

var zonedLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999Z0700",
	"2006-01-02 15:04:05.999999999 -0700",
}

var localLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
}

// TimestampResolver picks the event time of an uplink:
// rxInfo[0].time, then time, then timestamp (Unix seconds).
type TimestampResolver struct {
	Location *time.Location
}

// Resolve never fails; an absent or unreadable value yields a zero Timestamp.
func (r TimestampResolver) Resolve(env Envelope) Timestamp {
	if rx, ok := env.FirstRxInfo(); ok && rx.Time.Valid {
		if ts, ok := r.fromString(rx.Time.Value); ok {
			return ts
		}
	}

	if env.Time.Valid {
		if ts, ok := r.fromString(env.Time.Value); ok {
			return ts
		}
	}

	if len(env.Timestamp) > 0 {
		if secs, ok := parseJSONInt(env.Timestamp); ok {
			return Timestamp{Time: time.Unix(secs, 0).In(r.location())}
		}
	}
	return Timestamp{}
}

// ParseTime parses a timestamp string with the resolver's location applied to
// zone-less layouts.
func (r TimestampResolver) ParseTime(value string) (time.Time, bool) {
	return parseTimeString(strings.TrimSpace(value), r.location())
}

// fromString reports ok for any non-blank value; unparsable input comes back
// unmodified as Raw.
func (r TimestampResolver) fromString(value string) (Timestamp, bool) {
	s := strings.TrimSpace(value)
	if s == "" {
		return Timestamp{}, false
	}
	if t, ok := parseTimeString(s, r.location()); ok {
		return Timestamp{Time: t}, true
	}
	return Timestamp{Raw: value}, true
}

func (r TimestampResolver) location() *time.Location {
	if r.Location == nil {
		return DefaultLocation
	}
	return r.Location
}

func parseTimeString(s string, loc *time.Location) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range zonedLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
