// Package records reads memory batches and runtime contexts from disk and
// writes batches back. It is the only place where record input can fail:
// an unreadable or undecodable document is an error, while malformed
// individual records are defaulted or skipped.
package records

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/lazypower/lethe/internal/decay"
	"github.com/lazypower/lethe/internal/engine"
	"github.com/lazypower/lethe/internal/policy"
)

// ErrUnreadable wraps every failure to read or decode a whole document.
var ErrUnreadable = errors.New("unreadable input")

// Stats describes one load.
type Stats struct {
	Records int `json:"records"`
	Skipped int `json:"skipped"` // malformed lines or non-object items
}

// LoadRecords reads a batch from path. See Decode for the accepted forms.
func LoadRecords(path string, defaultWeight float64) ([]engine.Record, error) {
	recs, _, err := Load(path, defaultWeight, time.Now())
	return recs, err
}

// Load reads a batch from path; now anchors days_ago.
func Load(path string, defaultWeight float64, now time.Time) ([]engine.Record, Stats, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, Stats{}, fmt.Errorf("read records %s: %w: %w", path, ErrUnreadable, err)
	}
	recs, stats, err := Decode(data, defaultWeight, now)
	if err != nil {
		return nil, stats, fmt.Errorf("decode records %s: %w", path, err)
	}
	return recs, stats, nil
}

// Decode parses a JSON array of records, an object holding the array under
// "memories" or "records", or JSONL with one record object per line.
// Records without an id get their 1-based position.
func Decode(data []byte, defaultWeight float64, now time.Time) ([]engine.Record, Stats, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, Stats{}, nil
	}

	var items []any
	var stats Stats
	switch trimmed[0] {
	case '[':
		if err := unmarshal(trimmed, &items); err != nil {
			return nil, stats, fmt.Errorf("%w: %w", ErrUnreadable, err)
		}
	case '{':
		var doc map[string]any
		if err := unmarshal(trimmed, &doc); err == nil {
			if list, ok := wrapped(doc); ok {
				items = list
				break
			}
			items = []any{doc}
			break
		}
		lines, skipped, err := decodeLines(trimmed)
		if err != nil {
			return nil, stats, err
		}
		items, stats.Skipped = lines, skipped
	default:
		return nil, stats, fmt.Errorf("%w: expected a JSON array, object or JSONL", ErrUnreadable)
	}

	out := make([]engine.Record, 0, len(items))
	for i, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			stats.Skipped++
			continue
		}
		out = append(out, fromMap(m, i+1, defaultWeight, now))
	}
	stats.Records = len(out)
	return out, stats, nil
}

func wrapped(doc map[string]any) ([]any, bool) {
	for _, key := range []string{"memories", "records"} {
		if list, ok := doc[key].([]any); ok {
			return list, true
		}
	}
	return nil, false
}

// decodeLines reads JSONL, skipping lines that are not JSON objects.
func decodeLines(data []byte) ([]any, int, error) {
	var items []any
	skipped := 0
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var m map[string]any
		if err := unmarshal(line, &m); err != nil {
			skipped++
			continue
		}
		items = append(items, m)
	}
	if err := scanner.Err(); err != nil {
		return nil, skipped, fmt.Errorf("%w: scan lines: %w", ErrUnreadable, err)
	}
	return items, skipped, nil
}

func unmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("trailing data after JSON value")
	}
	return nil
}

func fromMap(m map[string]any, pos int, defaultWeight float64, now time.Time) engine.Record {
	r := engine.Record{
		ID:      idOf(m["id"], pos),
		Text:    firstString(m, "text", "content"),
		Topic:   strings.TrimSpace(firstString(m, "topic")),
		Tags:    tagsOf(m["tags"]),
		Emotion: strings.ToLower(strings.TrimSpace(firstString(m, "emotion"))),
		Weight:  defaultWeight,
		Trust:   1.0,
	}
	if r.Emotion == "" {
		r.Emotion = policy.DefaultEmotion
	}
	if f, ok := number(m["weight"]); ok {
		r.Weight = f
	}
	r.Weight = decay.Clamp01(r.Weight)
	if f, ok := number(m["trust"]); ok {
		r.Trust = math.Max(0, f)
	}
	if t, ok := engine.ParseTime(m["timestamp"]); ok {
		r.Timestamp = t
	} else if d, ok := number(m["days_ago"]); ok {
		r.Timestamp = now.Add(-time.Duration(d * float64(24*time.Hour)))
	}
	if b, ok := m["shielded"].(bool); ok {
		r.Shielded = b
	}
	for _, key := range []string{"last_reinforced_at", "last_reinforced_ts"} {
		if t, ok := engine.ParseTime(m[key]); ok {
			r.LastReinforcedAt = t
		}
	}
	if t, ok := engine.ParseTime(m["last_updated"]); ok {
		r.LastUpdated = t
	}
	return r
}

func idOf(v any, pos int) string {
	switch x := v.(type) {
	case string:
		if s := strings.TrimSpace(x); s != "" {
			return s
		}
	case json.Number:
		return x.String()
	}
	return strconv.Itoa(pos)
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok {
			return s
		}
	}
	return ""
}

// tagsOf accepts a list of strings or one comma/semicolon separated string.
func tagsOf(v any) []string {
	var raw []string
	switch x := v.(type) {
	case []any:
		for _, t := range x {
			if s, ok := t.(string); ok {
				raw = append(raw, s)
			}
		}
	case string:
		raw = strings.FieldsFunc(x, func(r rune) bool { return r == ',' || r == ';' })
	}
	var tags []string
	for _, t := range raw {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

func number(v any) (float64, bool) {
	switch x := v.(type) {
	case json.Number:
		f, err := x.Float64()
		return f, err == nil && !math.IsNaN(f)
	case float64:
		return x, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil && !math.IsNaN(f)
	}
	return 0, false
}

// LoadContext reads a context object from path. An empty path yields the
// zero context.
func LoadContext(path string) (engine.Context, error) {
	if path == "" {
		return engine.Context{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return engine.Context{}, fmt.Errorf("read context %s: %w: %w", path, ErrUnreadable, err)
	}
	ctx, err := DecodeContext(data)
	if err != nil {
		return engine.Context{}, fmt.Errorf("decode context %s: %w", path, err)
	}
	return ctx, nil
}

// DecodeContext parses a context object. Empty input is the zero context.
func DecodeContext(data []byte) (engine.Context, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return engine.Context{}, nil
	}
	var m map[string]any
	if err := unmarshal(bytes.TrimSpace(data), &m); err != nil {
		return engine.Context{}, fmt.Errorf("%w: %w", ErrUnreadable, err)
	}
	return engine.ContextFromMap(m), nil
}

// Write encodes records as {"memories": [...]}, which Decode reads back.
func Write(w io.Writer, recs []engine.Record) error {
	if recs == nil {
		recs = []engine.Record{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(map[string]any{"memories": recs}); err != nil {
		return fmt.Errorf("encode records: %w", err)
	}
	return nil
}
