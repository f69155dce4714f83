package engine

import (
	"time"

	"github.com/lazypower/lethe/internal/audit"
	"github.com/lazypower/lethe/internal/decay"
)

// Decay timing:
//   - read-time (simple): retrieval recomputes the decayed weight from the
//     record's reference time on every call and commits nothing, so
//     repeated reads of the same batch agree.
//   - mutate-time (strict, and every explicit Decay call): the decayed
//     weight is written back, LastUpdated advances to now, and a "decay"
//     audit entry is appended when the weight moved.
//
// The reference time is LastUpdated, else Timestamp. Records with neither
// do not decay. A weight already at or below its emotion's floor is left
// alone, so decay can never raise a weight.

// decayedWeight is the weight r would have at now, without committing it.
func (e *Engine) decayedWeight(r Record, now time.Time) float64 {
	from := r.decayFrom()
	if from.IsZero() {
		return r.Weight
	}
	emo := e.emotionOf(r)
	if r.Weight <= emo.Floor {
		return r.Weight
	}
	return decay.ApplyFloor(r.Weight, emo.Floor, emo.Factor(decay.Elapsed(from, now)))
}

// commitDecay writes the decayed weight into r and advances LastUpdated.
// It reports whether the weight changed.
func (e *Engine) commitDecay(r *Record, now time.Time) bool {
	if r.decayFrom().IsZero() {
		return false
	}
	before := r.Weight
	after := e.decayedWeight(*r, now)
	if now.After(r.decayFrom()) {
		r.LastUpdated = now
	}
	if after == before {
		return false
	}
	r.Weight = after
	emo := e.emotionOf(*r)
	e.record(audit.TypeDecay, *r, before, after, map[string]any{
		"emotion": emo.Name,
		"kernel":  string(emo.Kernel),
		"lambda":  emo.Lambda,
		"floor":   emo.Floor,
	}, now)
	return true
}

// Decay commits time decay into a copy of records, whatever the profile.
func (e *Engine) Decay(records []Record, ctx Context) []Record {
	out := cloneRecords(records)
	now := e.now(ctx)
	changed := 0
	for i := range out {
		if e.commitDecay(&out[i], now) {
			changed++
		}
	}
	e.logger.Debug("engine: decay committed", "records", len(out), "changed", changed)
	return out
}
