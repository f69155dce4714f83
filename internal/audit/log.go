// Package audit records every weight-affecting event an engine produces.
package audit

import "time"

// Stage identifies which component produced an entry.
type Stage string

const (
	StageParser Stage = "parser"
	StageEngine Stage = "engine"
)

// Entry types emitted by the parser and the engine.
const (
	TypeParseEmotion      = "parse_emotion"
	TypeParseInterference = "parse_interference"
	TypeParsePin          = "parse_pin"
	TypeParseExpire       = "parse_expire"
	TypeParseForget       = "parse_rule_forget"
	TypeParseReinforce    = "parse_rule_reinforce"
	TypeParseRetrieval    = "parse_retrieval"
	TypeParseSynonyms     = "parse_synonyms"
	TypeParseLegacyDecay  = "parse_legacy_decay"
	TypeParseUnclosed     = "parse_unclosed_block"
	TypeParseUnknown      = "parse_unknown"

	TypeForget       = "forget"
	TypeReinforce    = "reinforce"
	TypeInterference = "interference"
	TypeExpireShield = "expire_shield"
	TypeExpireRemove = "expire_remove"
	TypeDecay        = "decay"
)

// Entry is a single immutable audit event. Before/After are nil when the
// event did not touch a weight (parse entries, shielding).
type Entry struct {
	Seq      int            `json:"seq"`
	Stage    Stage          `json:"stage"`
	Type     string         `json:"type"`
	RecordID string         `json:"id,omitempty"`
	Before   *float64       `json:"before,omitempty"`
	After    *float64       `json:"after,omitempty"`
	Rule     map[string]any `json:"rule,omitempty"`
	At       time.Time      `json:"at"`
}

// Weight is a helper for filling Before/After.
func Weight(v float64) *float64 { return &v }

// Log is an append-only, creation-ordered sequence of entries.
// It is not safe for concurrent use; an engine owns exactly one.
type Log struct {
	entries []Entry
	next    int
}

// NewLog returns an empty log.
func NewLog() *Log {
	return &Log{next: 1}
}

// Append stores e, assigning its sequence number, and returns the stored copy.
func (l *Log) Append(e Entry) Entry {
	e.Seq = l.next
	l.next++
	if e.Rule != nil {
		e.Rule = cloneMap(e.Rule)
	}
	l.entries = append(l.entries, e)
	return e
}

// Extend appends entries in order.
func (l *Log) Extend(entries []Entry) {
	for _, e := range entries {
		l.Append(e)
	}
}

// Entries returns a copy of all entries in creation order.
func (l *Log) Entries() []Entry {
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len reports the number of entries held.
func (l *Log) Len() int { return len(l.entries) }

// Drain returns all entries and empties the log. Sequence numbers keep
// increasing across drains.
func (l *Log) Drain() []Entry {
	out := l.entries
	l.entries = nil
	return out
}

// Count returns how many held entries have the given type.
func (l *Log) Count(typ string) int {
	n := 0
	for _, e := range l.entries {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
