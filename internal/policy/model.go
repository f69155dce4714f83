// Package policy is the in-memory retention policy: emotions, decay kernels,
// the five rule kinds, and retrieval configuration. A Policy is built once
// by Parse and is read-only afterwards; accessors hand out copies.
package policy

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/lazypower/lethe/internal/audit"
	"github.com/lazypower/lethe/internal/decay"
)

// DefaultEmotion is the emotion every record falls back to.
const DefaultEmotion = "neutral"

// Defaults applied when a statement omits an optional field.
const (
	DefaultTopK       = 5
	DefaultGate       = "E-weighted"
	DefaultCap        = 1.0
	DefaultAlpha      = 0.1
	DefaultLambda     = 0.1
	neutralLambda     = 0.08
	emotionGatePrefix = "e-weight"
)

// Emotion describes how memories tagged with it decay.
type Emotion struct {
	Name   string
	Lambda float64
	Floor  float64
	Kernel decay.Kernel
	Params decay.Params
}

// NewEmotion validates and clamps an emotion declaration: lambda >= 0,
// floor in [0,1], unknown kernels become exponential.
func NewEmotion(name string, lambda, floor float64, kernel string, params decay.Params) Emotion {
	k, _ := decay.ParseKernel(kernel)
	if math.IsNaN(lambda) || lambda < 0 {
		lambda = 0
	}
	params.Lambda = lambda
	return Emotion{
		Name:   strings.ToLower(name),
		Lambda: lambda,
		Floor:  decay.Clamp01(floor),
		Kernel: k,
		Params: params,
	}
}

// Factor returns the emotion's decay factor after t days.
func (e Emotion) Factor(t float64) float64 {
	return decay.Factor(e.Kernel, e.Params, t)
}

// Stability maps the decay rate onto [0.9, 1.1]: slow-decaying emotions
// score closer to 1.1.
func (e Emotion) Stability() float64 {
	return math.Max(0.9, math.Min(1.1, 1.1-e.Lambda*0.2))
}

func neutral() Emotion {
	return NewEmotion(DefaultEmotion, neutralLambda, 0, string(decay.Exponential), decay.Params{})
}

// SelectorKind is what a selector compares its key against.
type SelectorKind string

const (
	MatchTopic   SelectorKind = "topic"
	MatchTag     SelectorKind = "tag"
	MatchKeyword SelectorKind = "keyword"
)

// Selector picks the records a rule applies to.
type Selector struct {
	Kind SelectorKind
	Key  string
}

// Match reports whether a record with the given fields is selected.
// Comparison is case-insensitive; keyword is a substring test on text.
func (s Selector) Match(topic string, tags []string, text string) bool {
	key := strings.ToLower(s.Key)
	switch s.Kind {
	case MatchTopic:
		return strings.ToLower(topic) == key
	case MatchTag:
		for _, t := range tags {
			if strings.ToLower(t) == key {
				return true
			}
		}
		return false
	case MatchKeyword:
		return key != "" && strings.Contains(strings.ToLower(text), key)
	}
	return false
}

func (s Selector) String() string {
	return fmt.Sprintf("%s:%q", s.Kind, s.Key)
}

// RuleKind tags the rule variants.
type RuleKind string

const (
	KindForget       RuleKind = "forget"
	KindReinforce    RuleKind = "reinforce"
	KindInterference RuleKind = "interference"
	KindExpire       RuleKind = "expire"
	KindPin          RuleKind = "pin"
)

// Rule is the closed set of policy statements. Only this package
// implements it.
type Rule interface {
	Kind() RuleKind
	// Fields is the rule's data as recorded in audit entries.
	Fields() map[string]any
	// String renders the rule in DSL form.
	String() string
	rule()
}

// ForgetRule attenuates matching records when context trust is below
// Threshold.
type ForgetRule struct {
	Threshold float64
	Selector  Selector
	KeepLog   bool
}

// NewForgetRule builds a ForgetRule.
func NewForgetRule(threshold float64, sel Selector, keepLog bool) ForgetRule {
	return ForgetRule{Threshold: threshold, Selector: sel, KeepLog: keepLog}
}

func (ForgetRule) Kind() RuleKind { return KindForget }
func (ForgetRule) rule()          {}

func (r ForgetRule) Fields() map[string]any {
	return map[string]any{
		"kind":     string(KindForget),
		"trust_lt": r.Threshold,
		"match":    string(r.Selector.Kind),
		"key":      r.Selector.Key,
		"keep_log": r.KeepLog,
	}
}

func (r ForgetRule) String() string {
	s := fmt.Sprintf("rule on trust < %s -> forget %s", formatFloat(r.Threshold), r.Selector)
	if !r.KeepLog {
		s += " keep_log:false"
	}
	return s
}

// ReinforceRule raises matching records' weight when the context event
// equals Event.
type ReinforceRule struct {
	Event       string
	Selector    Selector
	EmotionGate string // empty means any emotion
	Amount      float64
	Cap         float64
	Cooldown    time.Duration
}

// NewReinforceRule builds a ReinforceRule; cap is clamped to [0,1] and a
// negative cooldown becomes zero.
func NewReinforceRule(event string, sel Selector, gate string, amount, ceiling float64, cooldown time.Duration) ReinforceRule {
	if cooldown < 0 {
		cooldown = 0
	}
	return ReinforceRule{
		Event:       event,
		Selector:    sel,
		EmotionGate: strings.ToLower(strings.TrimSpace(gate)),
		Amount:      amount,
		Cap:         decay.Clamp01(ceiling),
		Cooldown:    cooldown,
	}
}

func (ReinforceRule) Kind() RuleKind { return KindReinforce }
func (ReinforceRule) rule()          {}

func (r ReinforceRule) Fields() map[string]any {
	f := map[string]any{
		"kind":     string(KindReinforce),
		"event":    r.Event,
		"match":    string(r.Selector.Kind),
		"key":      r.Selector.Key,
		"by":       r.Amount,
		"cap":      r.Cap,
		"cooldown": r.Cooldown.Seconds(),
	}
	if r.EmotionGate != "" {
		f["E"] = r.EmotionGate
	}
	return f
}

func (r ReinforceRule) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "rule on event == %q", r.Event)
	if r.EmotionGate != "" {
		fmt.Fprintf(&b, " with E=%s", r.EmotionGate)
	}
	fmt.Fprintf(&b, " -> reinforce %s by %s", r.Selector, formatFloat(r.Amount))
	if r.Cap != DefaultCap {
		fmt.Fprintf(&b, " cap:%s", formatFloat(r.Cap))
	}
	if r.Cooldown > 0 {
		fmt.Fprintf(&b, " cooldown:%s", formatDuration(r.Cooldown))
	}
	return b.String()
}

// InterferenceRule lets the newest record of a group attenuate the rest.
type InterferenceRule struct {
	Match SelectorKind // topic or tag
	Alpha float64
}

// NewInterferenceRule builds an InterferenceRule. Anything other than
// "tag" groups by topic; alpha is clamped to [0,1].
func NewInterferenceRule(match string, alpha float64) InterferenceRule {
	m := MatchTopic
	if strings.EqualFold(strings.TrimSpace(match), string(MatchTag)) {
		m = MatchTag
	}
	return InterferenceRule{Match: m, Alpha: decay.Clamp01(alpha)}
}

func (InterferenceRule) Kind() RuleKind { return KindInterference }
func (InterferenceRule) rule()          {}

func (r InterferenceRule) Fields() map[string]any {
	return map[string]any{
		"kind":  string(KindInterference),
		"match": string(r.Match),
		"alpha": r.Alpha,
	}
}

func (r InterferenceRule) String() string {
	return fmt.Sprintf("interference { match=%q, alpha=%s }", r.Match, formatFloat(r.Alpha))
}

// ExpireAction is what happens to a record past its TTL.
type ExpireAction string

const (
	ActionShield ExpireAction = "shield"
	ActionRemove ExpireAction = "remove"
)

// ExpireRule shields or removes records older than TTL.
type ExpireRule struct {
	Selector Selector
	TTL      time.Duration
	Action   ExpireAction
}

// NewExpireRule builds an ExpireRule. Unknown actions shield, which never
// loses data.
func NewExpireRule(sel Selector, ttl time.Duration, action string) ExpireRule {
	a := ActionShield
	if strings.EqualFold(action, string(ActionRemove)) {
		a = ActionRemove
	}
	if ttl < 0 {
		ttl = 0
	}
	return ExpireRule{Selector: sel, TTL: ttl, Action: a}
}

func (ExpireRule) Kind() RuleKind { return KindExpire }
func (ExpireRule) rule()          {}

func (r ExpireRule) Fields() map[string]any {
	return map[string]any{
		"kind":   string(KindExpire),
		"match":  string(r.Selector.Kind),
		"key":    r.Selector.Key,
		"ttl":    r.TTL.Seconds(),
		"action": string(r.Action),
	}
}

func (r ExpireRule) String() string {
	return fmt.Sprintf("expire %s after:%s action:%s", r.Selector, formatDuration(r.TTL), r.Action)
}

// PinRule boosts matching records at retrieval time.
type PinRule struct {
	Selector Selector
	Priority float64
}

// NewPinRule builds a PinRule; negative priorities become zero.
func NewPinRule(sel Selector, priority float64) PinRule {
	if math.IsNaN(priority) || priority < 0 {
		priority = 0
	}
	return PinRule{Selector: sel, Priority: priority}
}

func (PinRule) Kind() RuleKind { return KindPin }
func (PinRule) rule()          {}

func (r PinRule) Fields() map[string]any {
	return map[string]any{
		"kind":     string(KindPin),
		"match":    string(r.Selector.Kind),
		"key":      r.Selector.Key,
		"priority": r.Priority,
	}
}

func (r PinRule) String() string {
	return fmt.Sprintf("pin %s priority:%s", r.Selector, formatFloat(r.Priority))
}

// RetrievalConfig controls the scorer.
type RetrievalConfig struct {
	Gate          string
	TopK          int
	EntropyFilter bool // accepted and carried, not used by the scorer
	Synonyms      map[string][]string
}

// DefaultRetrieval returns the configuration used when the policy has no
// retrieval block.
func DefaultRetrieval() RetrievalConfig {
	return RetrievalConfig{Gate: DefaultGate, TopK: DefaultTopK, Synonyms: map[string][]string{}}
}

// EmotionWeighted reports whether the gate multiplies scores by emotion
// stability.
func (c RetrievalConfig) EmotionWeighted() bool {
	return strings.HasPrefix(strings.ToLower(c.Gate), emotionGatePrefix)
}

// Expand returns terms plus every synonym of every term, without
// duplicates, preserving first-seen order.
func (c RetrievalConfig) Expand(terms []string) []string {
	seen := make(map[string]bool, len(terms))
	var out []string
	add := func(t string) {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			return
		}
		seen[t] = true
		out = append(out, t)
	}
	for _, t := range terms {
		add(t)
	}
	for _, t := range terms {
		for _, alias := range c.Synonyms[strings.ToLower(t)] {
			add(alias)
		}
	}
	return out
}

func (c RetrievalConfig) clone() RetrievalConfig {
	out := c
	out.Synonyms = make(map[string][]string, len(c.Synonyms))
	for k, v := range c.Synonyms {
		out.Synonyms[k] = append([]string(nil), v...)
	}
	return out
}

// Policy is the parsed retention policy.
type Policy struct {
	emotions     map[string]Emotion
	emotionOrder []string // declared emotions, in order

	forget       []ForgetRule
	reinforce    []ReinforceRule
	interference *InterferenceRule
	expire       []ExpireRule
	pins         []PinRule
	order        []Rule

	retrieval RetrievalConfig
	audit     []audit.Entry
}

// New returns an empty policy holding only the neutral emotion.
func New() *Policy {
	return &Policy{
		emotions:  map[string]Emotion{DefaultEmotion: neutral()},
		retrieval: DefaultRetrieval(),
	}
}

// Emotion looks up an emotion by name (case-insensitive), falling back to
// neutral when the name is empty or unknown.
func (p *Policy) Emotion(name string) Emotion {
	if e, ok := p.emotions[strings.ToLower(strings.TrimSpace(name))]; ok {
		return e
	}
	return p.emotions[DefaultEmotion]
}

// HasEmotion reports whether name is declared (neutral always is).
func (p *Policy) HasEmotion(name string) bool {
	_, ok := p.emotions[strings.ToLower(strings.TrimSpace(name))]
	return ok
}

// Emotions returns declared emotions in declaration order, neutral first
// unless it was redeclared.
func (p *Policy) Emotions() []Emotion {
	out := []Emotion{}
	declaredNeutral := false
	for _, n := range p.emotionOrder {
		if n == DefaultEmotion {
			declaredNeutral = true
		}
	}
	if !declaredNeutral {
		out = append(out, p.emotions[DefaultEmotion])
	}
	for _, n := range p.emotionOrder {
		out = append(out, p.emotions[n])
	}
	return out
}

func (p *Policy) ForgetRules() []ForgetRule       { return append([]ForgetRule(nil), p.forget...) }
func (p *Policy) ReinforceRules() []ReinforceRule { return append([]ReinforceRule(nil), p.reinforce...) }
func (p *Policy) ExpireRules() []ExpireRule       { return append([]ExpireRule(nil), p.expire...) }
func (p *Policy) PinRules() []PinRule             { return append([]PinRule(nil), p.pins...) }

// Interference returns the global interference rule, if declared.
func (p *Policy) Interference() (InterferenceRule, bool) {
	if p.interference == nil {
		return InterferenceRule{}, false
	}
	return *p.interference, true
}

// Rules returns every rule in declaration order.
func (p *Policy) Rules() []Rule { return append([]Rule(nil), p.order...) }

// Retrieval returns a copy of the retrieval configuration.
func (p *Policy) Retrieval() RetrievalConfig { return p.retrieval.clone() }

// ParseAudit returns the parser-stage entries recorded while building p.
// Sequence numbers are zero; the owning audit log assigns them.
func (p *Policy) ParseAudit() []audit.Entry { return append([]audit.Entry(nil), p.audit...) }

// PinBoost returns the highest priority among pins matching the record.
func (p *Policy) PinBoost(topic string, tags []string, text string) float64 {
	boost := 0.0
	for _, r := range p.pins {
		if r.Selector.Match(topic, tags, text) && r.Priority > boost {
			boost = r.Priority
		}
	}
	return boost
}

func (p *Policy) addEmotion(e Emotion) {
	if !containsString(p.emotionOrder, e.Name) {
		p.emotionOrder = append(p.emotionOrder, e.Name)
	}
	p.emotions[e.Name] = e
}

func (p *Policy) addRule(r Rule) {
	switch v := r.(type) {
	case ForgetRule:
		p.forget = append(p.forget, v)
	case ReinforceRule:
		p.reinforce = append(p.reinforce, v)
	case ExpireRule:
		p.expire = append(p.expire, v)
	case PinRule:
		p.pins = append(p.pins, v)
	case InterferenceRule:
		p.interference = &v
		for i, old := range p.order {
			if old.Kind() == KindInterference {
				p.order = append(p.order[:i], p.order[i+1:]...)
				break
			}
		}
	}
	p.order = append(p.order, r)
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// formatDuration renders whole days as "Nd" and everything else as whole
// hours, matching the DSL duration literal.
func formatDuration(d time.Duration) string {
	if d%(24*time.Hour) == 0 && d > 0 {
		return fmt.Sprintf("%dd", int64(d/(24*time.Hour)))
	}
	return fmt.Sprintf("%dh", int64(d/time.Hour))
}
