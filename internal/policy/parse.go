package policy

import (
	"bufio"
	"strconv"
	"strings"
	"time"

	"github.com/lazypower/lethe/internal/audit"
	"github.com/lazypower/lethe/internal/decay"
)

// Parse builds a Policy from DSL text. It never fails: every line that no
// statement grammar accepts is recorded as a parse_unknown audit entry.
func Parse(text string) *Policy {
	return ParseAt(text, time.Now())
}

// ParseAt is Parse with an explicit timestamp for the parse audit entries.
func ParseAt(text string, at time.Time) *Policy {
	p := &parser{policy: New(), at: at}
	p.run(text)
	return p.policy
}

type parser struct {
	policy    *Policy
	at        time.Time
	lineNo    int
	inBlock   bool
	blockLine int
	sawBrace  bool
}

type statementFunc func(p *parser, c *cursor) bool

// statements are tried in order; the first that accepts a line wins.
var statements = []statementFunc{
	(*parser).emotion,
	(*parser).interference,
	(*parser).pin,
	(*parser).expire,
	(*parser).forget,
	(*parser).reinforce,
	(*parser).retrieval,
}

func (p *parser) run(text string) {
	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		p.lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		p.line(line)
	}
	if p.inBlock {
		p.record(audit.TypeParseUnclosed, map[string]any{"block": "retrieval", "line_no": p.blockLine})
	}
}

func (p *parser) line(line string) {
	if !p.inBlock && strings.HasPrefix(line, "decay(") {
		p.record(audit.TypeParseLegacyDecay, map[string]any{"line": line})
		return
	}

	toks, ok := lex(line)
	if !ok {
		p.unknown(line)
		return
	}

	if p.inBlock {
		p.blockStatement(line, toks)
		return
	}

	for _, stmt := range statements {
		if stmt(p, newCursor(line, toks)) {
			return
		}
	}
	p.unknown(line)
}

func (p *parser) unknown(line string) {
	p.record(audit.TypeParseUnknown, map[string]any{"line": line, "line_no": p.lineNo})
}

func (p *parser) record(typ string, data map[string]any) {
	p.policy.audit = append(p.policy.audit, audit.Entry{
		Stage: audit.StageParser,
		Type:  typ,
		Rule:  data,
		At:    p.at,
	})
}

// emotion NAME { lambda=<f>, floor=<f>[, decay=<kernel>][, k=<f>][, t0=<f>] }
func (p *parser) emotion(c *cursor) bool {
	if !c.word("emotion") {
		return false
	}
	name, ok := c.ident()
	if !ok {
		return false
	}
	body, ok := c.braced()
	if !ok || !c.done() {
		return false
	}
	kv := parseKV(c.line, body)

	lambda := floatOr(kv, DefaultLambda, "lambda", "lam")
	floor := floatOr(kv, 0, "floor")
	kernel, _ := lookup(kv, "decay", "kernel")
	var params decay.Params
	if v, ok := lookup(kv, "k"); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			params.K, params.HasK = f, true
		}
	}
	if v, ok := lookup(kv, "t0"); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			params.T0, params.HasT0 = f, true
		}
	}

	e := NewEmotion(name, lambda, floor, kernel, params)
	p.policy.addEmotion(e)

	data := map[string]any{
		"name":   e.Name,
		"lambda": e.Lambda,
		"floor":  e.Floor,
		"decay":  string(e.Kernel),
	}
	if params.HasK {
		data["k"] = params.K
	}
	if params.HasT0 {
		data["t0"] = params.T0
	}
	if _, known := decay.ParseKernel(kernel); kernel != "" && !known {
		data["requested_decay"] = kernel
	}
	p.record(audit.TypeParseEmotion, data)
	return true
}

// interference { match="topic"|"tag", alpha=<f> }
func (p *parser) interference(c *cursor) bool {
	if !c.word("interference") {
		return false
	}
	body, ok := c.braced()
	if !ok || !c.done() {
		return false
	}
	kv := parseKV(c.line, body)
	match, _ := lookup(kv, "match")
	r := NewInterferenceRule(match, floatOr(kv, DefaultAlpha, "alpha"))

	_, replaced := p.policy.Interference()
	p.policy.addRule(r)
	data := r.Fields()
	if replaced {
		data["replaced"] = true
	}
	p.record(audit.TypeParseInterference, data)
	return true
}

// pin <topic|tag>:"<key>" priority:<f>
func (p *parser) pin(c *cursor) bool {
	if !c.word("pin") {
		return false
	}
	sel, ok := selector(c, MatchTopic, MatchTag)
	if !ok {
		return false
	}
	if !c.word("priority") || !c.separator() {
		return false
	}
	prio, ok := number(c)
	if !ok || !c.done() {
		return false
	}
	r := NewPinRule(sel, prio)
	p.policy.addRule(r)
	p.record(audit.TypeParsePin, r.Fields())
	return true
}

// expire <topic|tag|keyword>:"<key>" after:<int>(d|h) action:shield|remove
func (p *parser) expire(c *cursor) bool {
	if !c.word("expire") {
		return false
	}
	sel, ok := selector(c, MatchTopic, MatchTag, MatchKeyword)
	if !ok {
		return false
	}
	if !c.word("after") || !c.separator() {
		return false
	}
	lit, ok := c.ident()
	if !ok {
		return false
	}
	ttl, ok := parseDuration(lit)
	if !ok {
		return false
	}
	if !c.word("action") || !c.separator() {
		return false
	}
	action, ok := c.ident()
	if !ok || !c.done() {
		return false
	}
	action = strings.ToLower(action)
	if action != string(ActionShield) && action != string(ActionRemove) {
		return false
	}
	r := NewExpireRule(sel, ttl, action)
	p.policy.addRule(r)
	p.record(audit.TypeParseExpire, r.Fields())
	return true
}

// rule on trust < <f> -> forget <topic|tag>:"<key>" [keep_log:true|false]
func (p *parser) forget(c *cursor) bool {
	if !c.word("rule") || !c.word("on") || !c.word("trust") || !c.punct("<") {
		return false
	}
	threshold, ok := number(c)
	if !ok || !c.punct("->") || !c.word("forget") {
		return false
	}
	sel, ok := selector(c, MatchTopic, MatchTag)
	if !ok {
		return false
	}
	keepLog := true
	if c.word("keep_log") {
		if !c.separator() {
			return false
		}
		v, ok := c.ident()
		if !ok {
			return false
		}
		b, err := strconv.ParseBool(strings.ToLower(v))
		if err != nil {
			return false
		}
		keepLog = b
	}
	if !c.done() {
		return false
	}
	r := NewForgetRule(threshold, sel, keepLog)
	p.policy.addRule(r)
	p.record(audit.TypeParseForget, r.Fields())
	return true
}

// rule on event == "<name>" [with E=<emotion>] -> reinforce <topic|tag>:"<key>" by <f> [cap:<f>] [cooldown:<int>(h|d)]
func (p *parser) reinforce(c *cursor) bool {
	if !c.word("rule") || !c.word("on") || !c.word("event") || !c.punct("==") {
		return false
	}
	event, ok := c.value()
	if !ok {
		return false
	}
	gate := ""
	if c.word("with") {
		if !c.word("e") || !c.punct("=") {
			return false
		}
		if gate, ok = c.value(); !ok {
			return false
		}
	}
	if !c.punct("->") || !c.word("reinforce") {
		return false
	}
	sel, ok := selector(c, MatchTopic, MatchTag)
	if !ok {
		return false
	}
	if !c.word("by") {
		return false
	}
	amount, ok := number(c)
	if !ok {
		return false
	}

	ceiling := DefaultCap
	var cooldown time.Duration
	for !c.done() {
		switch {
		case c.word("cap"):
			if !c.separator() {
				return false
			}
			if ceiling, ok = number(c); !ok {
				return false
			}
		case c.word("cooldown"):
			if !c.separator() {
				return false
			}
			lit, ok := c.ident()
			if !ok {
				return false
			}
			if cooldown, ok = parseDuration(lit); !ok {
				return false
			}
		default:
			return false
		}
	}

	r := NewReinforceRule(event, sel, gate, amount, ceiling, cooldown)
	p.policy.addRule(r)
	p.record(audit.TypeParseReinforce, r.Fields())
	return true
}

// retrieval { gate: <name>, topk: <int>[, entropy_filter: on|off] }
// or a multi-line block opened by "retrieval {" (or bare "retrieval").
func (p *parser) retrieval(c *cursor) bool {
	if !c.word("retrieval") {
		return false
	}
	if c.done() {
		p.openBlock(false)
		return true
	}
	save := c.pos
	if body, ok := c.braced(); ok && c.done() {
		kv := parseKV(c.line, body)
		p.applyRetrieval(kv)
		p.record(audit.TypeParseRetrieval, kvData(kv))
		return true
	}
	c.pos = save
	if c.punct("{") {
		rest := c.toks[c.pos:]
		p.openBlock(true)
		if len(rest) > 0 {
			p.blockStatement(c.line[rest[0].start:], shift(rest, rest[0].start))
		}
		return true
	}
	return false
}

func (p *parser) openBlock(sawBrace bool) {
	p.inBlock = true
	p.sawBrace = sawBrace
	p.blockLine = p.lineNo
}

// blockStatement handles one line inside a retrieval block.
func (p *parser) blockStatement(line string, toks []token) {
	c := newCursor(line, toks)
	if !p.sawBrace && c.punct("{") {
		p.sawBrace = true
		if c.done() {
			return
		}
		rest := c.toks[c.pos:]
		p.blockStatement(line[rest[0].start:], shift(rest, rest[0].start))
		return
	}
	if c.punct("}") {
		p.inBlock = false
		return
	}

	if c.word("synonyms") {
		c.punct(":")
		alias, ok := c.value()
		if !ok || !c.punct("=") || !c.punct("[") {
			p.unknown(line)
			return
		}
		var terms []string
		for !c.done() && !c.punct("]") {
			if c.punct(",") {
				continue
			}
			v, ok := c.value()
			if !ok {
				p.unknown(line)
				return
			}
			if v = strings.TrimSpace(v); v != "" {
				terms = append(terms, strings.ToLower(v))
			}
		}
		key := strings.ToLower(alias)
		p.policy.retrieval.Synonyms[key] = append(p.policy.retrieval.Synonyms[key], terms...)
		p.record(audit.TypeParseSynonyms, map[string]any{"alias": key, "terms": terms})
		return
	}

	// "}" may close the block at the end of a key/value line.
	closes := false
	if n := len(toks); n > 0 && toks[n-1].is(tokPunct, "}") {
		toks = toks[:n-1]
		closes = true
	}
	kv := parseKV(line, toks)
	if len(kv) == 0 {
		p.unknown(line)
	} else {
		p.applyRetrieval(kv)
		p.record(audit.TypeParseRetrieval, kvData(kv))
	}
	if closes {
		p.inBlock = false
	}
}

func (p *parser) applyRetrieval(kv []kvPair) {
	cfg := &p.policy.retrieval
	if v, ok := lookup(kv, "gate"); ok && v != "" {
		cfg.Gate = v
	}
	if v, ok := lookup(kv, "topk"); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 1 {
			cfg.TopK = int(f)
		}
	}
	if v, ok := lookup(kv, "entropy_filter"); ok {
		switch strings.ToLower(v) {
		case "on", "true", "yes", "1":
			cfg.EntropyFilter = true
		default:
			cfg.EntropyFilter = false
		}
	}
}

// selector reads <kind>:"<key>" for one of the allowed kinds.
func selector(c *cursor, allowed ...SelectorKind) (Selector, bool) {
	kindWord, ok := c.ident()
	if !ok {
		return Selector{}, false
	}
	kind := SelectorKind(strings.ToLower(kindWord))
	permitted := false
	for _, a := range allowed {
		if kind == a {
			permitted = true
		}
	}
	if !permitted || !c.punct(":") {
		return Selector{}, false
	}
	key, ok := c.value()
	if !ok {
		return Selector{}, false
	}
	return Selector{Kind: kind, Key: key}, true
}

func number(c *cursor) (float64, bool) {
	v, ok := c.ident()
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// parseDuration converts "<int>d" or "<int>h" to a duration.
func parseDuration(lit string) (time.Duration, bool) {
	if len(lit) < 2 {
		return 0, false
	}
	unit := strings.ToLower(lit[len(lit)-1:])
	n, err := strconv.Atoi(lit[:len(lit)-1])
	if err != nil || n < 0 {
		return 0, false
	}
	switch unit {
	case "d":
		return time.Duration(n) * 24 * time.Hour, true
	case "h":
		return time.Duration(n) * time.Hour, true
	}
	return 0, false
}

func floatOr(kv []kvPair, def float64, keys ...string) float64 {
	v, ok := lookup(kv, keys...)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func kvData(kv []kvPair) map[string]any {
	data := make(map[string]any, len(kv))
	for _, p := range kv {
		data[p.key] = p.value
	}
	return data
}

// shift rebases token offsets after the line has been sliced at off.
func shift(toks []token, off int) []token {
	out := make([]token, len(toks))
	for i, t := range toks {
		t.start -= off
		t.end -= off
		out[i] = t
	}
	return out
}
