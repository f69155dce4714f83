package engine

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// Record is one memory as the engine sees it. The engine never mutates a
// caller's Record; every operation works on copies.
//
// The zero value is not a defaulted record: Trust 0 is taken literally and
// zeroes the retrieval base score. Use Engine.NewRecord, or records.Decode
// for input batches, to get weight and trust defaults (trust 1.0).
type Record struct {
	ID               string    `json:"id"`
	Text             string    `json:"text"`
	Topic            string    `json:"topic,omitempty"`
	Tags             []string  `json:"tags,omitempty"`
	Emotion          string    `json:"emotion,omitempty"`
	Weight           float64   `json:"weight"`
	Trust            float64   `json:"trust"`
	Timestamp        time.Time `json:"timestamp,omitzero"`
	Shielded         bool      `json:"shielded,omitempty"`
	LastReinforcedAt time.Time `json:"last_reinforced_at,omitzero"`
	LastUpdated      time.Time `json:"last_updated,omitzero"`
}

func (r Record) clone() Record {
	if r.Tags != nil {
		r.Tags = append([]string(nil), r.Tags...)
	}
	return r
}

// decayFrom is the reference point for elapsed-time decay: the last
// committed decay step, else the record's own timestamp. Zero means the
// record does not decay.
func (r Record) decayFrom() time.Time {
	if !r.LastUpdated.IsZero() {
		return r.LastUpdated
	}
	return r.Timestamp
}

func cloneRecords(in []Record) []Record {
	out := make([]Record, len(in))
	for i, r := range in {
		out[i] = r.clone()
	}
	return out
}

// Context is the runtime input to rule application and retrieval.
type Context struct {
	Trust *float64  `json:"trust,omitempty"`
	Event string    `json:"event,omitempty"`
	Now   time.Time `json:"now,omitzero"`
}

// TrustLevel returns the context trust, 1.0 when unset.
func (c Context) TrustLevel() float64 {
	if c.Trust == nil {
		return 1.0
	}
	return *c.Trust
}

// ContextFromMap reads a loosely-typed context object. Recognised keys:
// trust or trust_level, event, now_ts (unix seconds) and now (RFC3339 or
// YYYY-MM-DD). now_ts wins over now. Unparseable values are ignored.
func ContextFromMap(m map[string]any) Context {
	var c Context
	for _, key := range []string{"trust", "trust_level"} {
		if v, ok := m[key]; ok {
			if f, ok := toFloat(v); ok {
				c.Trust = &f
			}
		}
	}
	if v, ok := m["event"]; ok && v != nil {
		c.Event = strings.TrimSpace(toString(v))
	}
	if v, ok := m["now_ts"]; ok {
		if f, ok := toFloat(v); ok {
			c.Now = unixSeconds(f)
			return c
		}
	}
	if v, ok := m["now"]; ok {
		if t, ok := ParseTime(v); ok {
			c.Now = t
		}
	}
	return c
}

// ParseTime accepts RFC3339 (with or without zone), YYYY-MM-DD, or unix
// seconds as a number or numeric string.
func ParseTime(v any) (time.Time, bool) {
	switch x := v.(type) {
	case nil:
		return time.Time{}, false
	case time.Time:
		return x, !x.IsZero()
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return time.Time{}, false
		}
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t, true
			}
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return unixSeconds(f), true
		}
		return time.Time{}, false
	default:
		if f, ok := toFloat(v); ok {
			return unixSeconds(f), true
		}
	}
	return time.Time{}, false
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func unixSeconds(f float64) time.Time {
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, !math.IsNaN(x)
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	}
	return 0, false
}

func toString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case json.Number:
		return x.String()
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	}
	return ""
}
