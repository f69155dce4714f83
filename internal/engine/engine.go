// Package engine applies a retention policy to batches of memory records:
// expiry, trust-based forgetting, event reinforcement, interference, time
// decay and retrieval scoring. An Engine is not safe for concurrent use;
// callers serialise access or use one engine per goroutine.
package engine

import (
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/lazypower/lethe/internal/audit"
	"github.com/lazypower/lethe/internal/policy"
)

// Engine owns a parsed policy and the audit log of everything it did.
type Engine struct {
	policy  *policy.Policy
	profile Profile
	audit   *audit.Log
	clock   func() time.Time
	logger  *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithProfile selects the behaviour profile. The default is simple.
func WithProfile(p Profile) Option {
	return func(e *Engine) {
		if p != "" {
			e.profile = p
		}
	}
}

// WithClock replaces the wall clock used when a context carries no "now".
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// New parses policyText and returns an engine whose audit log starts with
// the parser entries.
func New(policyText string, opts ...Option) *Engine {
	e := newEngine(opts)
	e.setPolicy(policy.ParseAt(policyText, e.clock()))
	return e
}

// NewWithPolicy wraps an already parsed policy. Its parser entries are
// copied into the new engine's audit log.
func NewWithPolicy(p *policy.Policy, opts ...Option) *Engine {
	e := newEngine(opts)
	if p == nil {
		p = policy.New()
	}
	e.setPolicy(p)
	return e
}

func newEngine(opts []Option) *Engine {
	e := &Engine{
		profile: ProfileSimple,
		audit:   audit.NewLog(),
		clock:   time.Now,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) setPolicy(p *policy.Policy) {
	e.policy = p
	e.audit.Extend(p.ParseAudit())
	e.logger.Debug("engine: policy loaded",
		"profile", e.profile,
		"rules", len(p.Rules()),
		"emotions", len(p.Emotions()),
		"unknown_lines", e.audit.Count(audit.TypeParseUnknown))
}

// Policy returns the engine's policy. It is read-only.
func (e *Engine) Policy() *policy.Policy { return e.policy }

// Profile returns the active profile.
func (e *Engine) Profile() Profile { return e.profile }

// Audit returns a copy of every entry recorded so far.
func (e *Engine) Audit() []audit.Entry { return e.audit.Entries() }

// AuditLen reports how many entries the log holds.
func (e *Engine) AuditLen() int { return e.audit.Len() }

// DrainAudit returns the recorded entries and clears the log.
func (e *Engine) DrainAudit() []audit.Entry { return e.audit.Drain() }

// NewRecord returns a record carrying the profile defaults.
func (e *Engine) NewRecord(id, text string) Record {
	return Record{
		ID:      id,
		Text:    text,
		Emotion: policy.DefaultEmotion,
		Weight:  e.profile.DefaultWeight(),
		Trust:   1.0,
	}
}

// now resolves the single time reference for one call.
func (e *Engine) now(ctx Context) time.Time {
	if !ctx.Now.IsZero() {
		return ctx.Now
	}
	return e.clock()
}

func (e *Engine) emotionOf(r Record) policy.Emotion {
	return e.policy.Emotion(r.Emotion)
}

// emotionName is the record's emotion as written, normalised; empty means
// neutral.
func emotionName(r Record) string {
	name := strings.ToLower(strings.TrimSpace(r.Emotion))
	if name == "" {
		return policy.DefaultEmotion
	}
	return name
}

// record appends an engine-stage entry for a weight change.
func (e *Engine) record(typ string, r Record, before, after float64, rule map[string]any, at time.Time) {
	e.audit.Append(audit.Entry{
		Stage:    audit.StageEngine,
		Type:     typ,
		RecordID: r.ID,
		Before:   audit.Weight(before),
		After:    audit.Weight(after),
		Rule:     rule,
		At:       at,
	})
}

// recordFlag appends an engine-stage entry that touched no weight.
func (e *Engine) recordFlag(typ string, r Record, rule map[string]any, at time.Time) {
	e.audit.Append(audit.Entry{
		Stage:    audit.StageEngine,
		Type:     typ,
		RecordID: r.ID,
		Rule:     rule,
		At:       at,
	})
}
