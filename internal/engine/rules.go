package engine

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/lazypower/lethe/internal/audit"
	"github.com/lazypower/lethe/internal/policy"
)

// PhaseCounts reports how many records each phase touched in one call.
type PhaseCounts struct {
	Shielded   int `json:"shielded"`
	Removed    int `json:"removed"`
	Forgotten  int `json:"forgotten"`
	Reinforced int `json:"reinforced"`
	Interfered int `json:"interfered"`
}

// ApplyRules runs expiry, forgetting, reinforcement and interference, in
// that order, over a copy of records and returns the copy.
func (e *Engine) ApplyRules(records []Record, ctx Context) []Record {
	out, _ := e.ApplyRulesCounted(records, ctx)
	return out
}

// ApplyRulesCounted is ApplyRules that also reports per-phase counts.
func (e *Engine) ApplyRulesCounted(records []Record, ctx Context) ([]Record, PhaseCounts) {
	out := cloneRecords(records)
	now := e.now(ctx)

	var n PhaseCounts
	n.Shielded, n.Removed = e.expire(out, now)
	n.Forgotten = e.forget(out, ctx.TrustLevel(), now)
	n.Reinforced = e.reinforce(out, ctx.Event, now)
	n.Interfered = e.interfere(out, now)

	e.logger.Debug("engine: rules applied",
		"records", len(out),
		"shielded", n.Shielded,
		"removed", n.Removed,
		"forgotten", n.Forgotten,
		"reinforced", n.Reinforced,
		"interfered", n.Interfered)
	return out, n
}

// expire shields or zeroes records older than each rule's TTL. A record
// without a timestamp has age zero.
func (e *Engine) expire(records []Record, now time.Time) (shielded, removed int) {
	for _, rule := range e.policy.ExpireRules() {
		fields := rule.Fields()
		for i := range records {
			r := &records[i]
			if !matches(rule.Selector, *r) {
				continue
			}
			var age time.Duration
			if !r.Timestamp.IsZero() {
				age = now.Sub(r.Timestamp)
			}
			if age < rule.TTL {
				continue
			}
			switch rule.Action {
			case policy.ActionRemove:
				if r.Weight == 0 {
					continue
				}
				before := r.Weight
				r.Weight = 0
				e.record(audit.TypeExpireRemove, *r, before, 0, fields, now)
				removed++
			default:
				if r.Shielded {
					continue
				}
				r.Shielded = true
				e.recordFlag(audit.TypeExpireShield, *r, fields, now)
				shielded++
			}
		}
	}
	return shielded, removed
}

// forget attenuates matching records for every rule whose threshold is
// above the context trust.
func (e *Engine) forget(records []Record, trust float64, now time.Time) int {
	n := 0
	for _, rule := range e.policy.ForgetRules() {
		if !(trust < rule.Threshold) {
			continue
		}
		fields := rule.Fields()
		fields["trust"] = trust
		for i := range records {
			r := &records[i]
			if !matches(rule.Selector, *r) {
				continue
			}
			before := r.Weight
			r.Weight = e.profile.forget(before)
			n++
			if rule.KeepLog {
				e.record(audit.TypeForget, *r, before, r.Weight, fields, now)
			}
		}
	}
	return n
}

// reinforce raises matching records for every rule listening on event.
// The emotion gate compares the record's own emotion name, declared in the
// policy or not. A record reinforced less than Cooldown ago is skipped, and
// one already at the cap is neither logged nor has its cooldown restarted.
func (e *Engine) reinforce(records []Record, event string, now time.Time) int {
	if event == "" {
		return 0
	}
	n := 0
	for _, rule := range e.policy.ReinforceRules() {
		if rule.Event != event {
			continue
		}
		fields := rule.Fields()
		for i := range records {
			r := &records[i]
			if !matches(rule.Selector, *r) {
				continue
			}
			if rule.EmotionGate != "" && emotionName(*r) != rule.EmotionGate {
				continue
			}
			if !r.LastReinforcedAt.IsZero() && now.Sub(r.LastReinforcedAt) < rule.Cooldown {
				continue
			}
			before := r.Weight
			after := reinforced(before, rule.Amount, rule.Cap)
			if after == before {
				continue
			}
			r.Weight = after
			r.LastReinforcedAt = now
			e.record(audit.TypeReinforce, *r, before, r.Weight, fields, now)
			n++
		}
	}
	return n
}

// reinforced adds amount to w without crossing ceiling. A positive amount
// never lowers a weight that already sits above the ceiling; a negative
// one stops at zero.
func reinforced(w, amount, ceiling float64) float64 {
	if amount < 0 {
		return math.Max(0, w+amount)
	}
	return math.Max(w, math.Min(ceiling, w+amount))
}

// interfere attenuates every member of a topic or tag group except the
// newest one.
func (e *Engine) interfere(records []Record, now time.Time) int {
	rule, ok := e.policy.Interference()
	if !ok {
		return 0
	}
	fields := rule.Fields()

	groups := make(map[string][]int)
	var keys []string
	for i, r := range records {
		key := groupKey(rule.Match, r)
		if key == "" {
			continue
		}
		if _, seen := groups[key]; !seen {
			keys = append(keys, key)
		}
		groups[key] = append(groups[key], i)
	}

	n := 0
	for _, key := range keys {
		members := groups[key]
		if len(members) < 2 {
			continue
		}
		sort.SliceStable(members, func(a, b int) bool {
			return newer(records[members[a]], records[members[b]])
		})
		for _, idx := range members[1:] {
			r := &records[idx]
			before := r.Weight
			r.Weight = before * (1 - rule.Alpha)
			data := copyFields(fields)
			data["group"] = key
			data["anchor"] = records[members[0]].ID
			e.record(audit.TypeInterference, *r, before, r.Weight, data, now)
			n++
		}
	}
	return n
}

// newer orders by timestamp descending; records without one sort last.
func newer(a, b Record) bool {
	switch {
	case a.Timestamp.IsZero():
		return false
	case b.Timestamp.IsZero():
		return true
	}
	return a.Timestamp.After(b.Timestamp)
}

func groupKey(kind policy.SelectorKind, r Record) string {
	if kind == policy.MatchTag {
		if len(r.Tags) == 0 {
			return ""
		}
		return strings.ToLower(strings.TrimSpace(r.Tags[0]))
	}
	return strings.ToLower(strings.TrimSpace(r.Topic))
}

func matches(sel policy.Selector, r Record) bool {
	return sel.Match(r.Topic, r.Tags, r.Text)
}

func copyFields(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+2)
	for k, v := range m {
		out[k] = v
	}
	return out
}
