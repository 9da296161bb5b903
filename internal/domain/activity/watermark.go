package activity

import (
	"fmt"
	"time"
)

// TimestampLayout is the provider's filter timestamp format: UTC, millisecond
// precision, no zone suffix.
const TimestampLayout = "2006-01-02T15:04:05.000"

// FormatTimestamp renders t in TimestampLayout. Sub-millisecond digits are
// truncated, never rounded.
func FormatTimestamp(t time.Time) string { return t.UTC().Format(TimestampLayout) }

// Watermark is the boundary below which every event is known to have been
// retrieved. The zero Watermark means the account was never polled.
type Watermark struct {
	at  time.Time
	set bool
}

// NewWatermark returns a watermark at t truncated to millisecond precision.
func NewWatermark(t time.Time) Watermark {
	return Watermark{at: t.UTC().Truncate(time.Millisecond), set: true}
}

// WatermarkAfter returns the watermark that excludes an event stamped at t.
// The provider filter only supports "ge", so the boundary is nudged one
// millisecond past t.
func WatermarkAfter(t time.Time) Watermark { return NewWatermark(t.Add(time.Millisecond)) }

// ParseWatermark parses a TimestampLayout string. An empty string yields the
// zero Watermark.
func ParseWatermark(s string) (Watermark, error) {
	if s == "" {
		return Watermark{}, nil
	}
	t, err := time.ParseInLocation(TimestampLayout, s, time.UTC)
	if err != nil {
		return Watermark{}, fmt.Errorf("failed to parse watermark %q: %w", s, err)
	}
	return NewWatermark(t), nil
}

// IsZero reports whether the watermark was never set.
func (w Watermark) IsZero() bool { return !w.set }

// Time returns the watermark instant. It is the zero time when IsZero.
func (w Watermark) Time() time.Time { return w.at }

// String renders the watermark in TimestampLayout, or "" when unset.
func (w Watermark) String() string {
	if !w.set {
		return ""
	}
	return FormatTimestamp(w.at)
}

// Before reports whether w is strictly earlier than o. An unset watermark is
// earlier than any set one.
func (w Watermark) Before(o Watermark) bool {
	switch {
	case !o.set:
		return false
	case !w.set:
		return true
	default:
		return w.at.Before(o.at)
	}
}

// LowerBoundFilter renders the provider filter that selects events at or after t.
func LowerBoundFilter(t time.Time) string { return "eventTimestamp ge " + FormatTimestamp(t) }
