package policy

import (
	"strings"
)

type tokenKind int

const (
	tokWord tokenKind = iota
	tokString
	tokPunct
)

// token is one lexeme of a policy line. start/end are byte offsets into
// the line, so bare values can be sliced back out verbatim.
type token struct {
	kind  tokenKind
	text  string
	start int
	end   int
}

func (t token) is(kind tokenKind, text string) bool {
	if t.kind != kind {
		return false
	}
	if kind == tokWord {
		return strings.EqualFold(t.text, text)
	}
	return t.text == text
}

// isWordByte accepts every byte of a multi-byte UTF-8 sequence, so bare
// names need not be ASCII.
func isWordByte(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') ||
		c == '_' || c == '.' || c == '-' || c == '+' || c == '/' || c >= 0x80
}

// lex splits a single policy line into tokens. It reports false when a
// quoted string is left open or an unexpected byte is found; the caller
// treats such a line as unrecognised.
func lex(line string) ([]token, bool) {
	var toks []token
	i := 0
	for i < len(line) {
		c := line[i]
		switch {
		case c == ' ' || c == '\t' || c == '\r':
			i++
		case c == '#':
			// trailing comment
			return toks, true
		case c == '"' || c == '\'':
			j := i + 1
			var b strings.Builder
			closed := false
			for j < len(line) {
				if line[j] == '\\' && j+1 < len(line) {
					b.WriteByte(line[j+1])
					j += 2
					continue
				}
				if line[j] == c {
					closed = true
					break
				}
				b.WriteByte(line[j])
				j++
			}
			if !closed {
				return toks, false
			}
			toks = append(toks, token{kind: tokString, text: b.String(), start: i, end: j + 1})
			i = j + 1
		case c == '-' && i+1 < len(line) && line[i+1] == '>':
			toks = append(toks, token{kind: tokPunct, text: "->", start: i, end: i + 2})
			i += 2
		case c == '=' && i+1 < len(line) && line[i+1] == '=':
			toks = append(toks, token{kind: tokPunct, text: "==", start: i, end: i + 2})
			i += 2
		case strings.IndexByte("{}[]:=,<>", c) >= 0:
			toks = append(toks, token{kind: tokPunct, text: string(c), start: i, end: i + 1})
			i++
		case isWordByte(c):
			j := i
			for j < len(line) && isWordByte(line[j]) {
				if line[j] == '-' && j+1 < len(line) && line[j+1] == '>' {
					break
				}
				j++
			}
			toks = append(toks, token{kind: tokWord, text: line[i:j], start: i, end: j})
			i = j
		default:
			return toks, false
		}
	}
	return toks, true
}

// cursor walks a token slice for the statement matchers.
type cursor struct {
	line string
	toks []token
	pos  int
}

func newCursor(line string, toks []token) *cursor {
	return &cursor{line: line, toks: toks}
}

func (c *cursor) done() bool { return c.pos >= len(c.toks) }

func (c *cursor) peek() (token, bool) {
	if c.done() {
		return token{}, false
	}
	return c.toks[c.pos], true
}

// word consumes the next token if it is the given keyword.
func (c *cursor) word(w string) bool {
	if t, ok := c.peek(); ok && t.is(tokWord, w) {
		c.pos++
		return true
	}
	return false
}

// punct consumes the next token if it is the given punctuation.
func (c *cursor) punct(p string) bool {
	if t, ok := c.peek(); ok && t.is(tokPunct, p) {
		c.pos++
		return true
	}
	return false
}

// ident consumes a bare word.
func (c *cursor) ident() (string, bool) {
	if t, ok := c.peek(); ok && t.kind == tokWord {
		c.pos++
		return t.text, true
	}
	return "", false
}

// value consumes a quoted string or a bare word.
func (c *cursor) value() (string, bool) {
	if t, ok := c.peek(); ok && (t.kind == tokWord || t.kind == tokString) {
		c.pos++
		return t.text, true
	}
	return "", false
}

// separator consumes ':' or '='.
func (c *cursor) separator() bool {
	return c.punct(":") || c.punct("=")
}

// braced returns the tokens between a '{' at the cursor and its matching
// '}', leaving the cursor after the '}'.
func (c *cursor) braced() ([]token, bool) {
	if !c.punct("{") {
		return nil, false
	}
	start := c.pos
	for !c.done() {
		if c.toks[c.pos].is(tokPunct, "}") {
			body := c.toks[start:c.pos]
			c.pos++
			return body, true
		}
		c.pos++
	}
	return nil, false
}

// kvPair is one key/value of a brace body.
type kvPair struct {
	key   string
	value string
}

// parseKV reads "key:value" or "key=value" pairs separated by commas. A
// value is a quoted string (quotes stripped) or the raw source text up to
// the next comma. Keys may be quoted. Pairs without a key are skipped.
func parseKV(line string, body []token) []kvPair {
	var pairs []kvPair
	i := 0
	for i < len(body) {
		if body[i].is(tokPunct, ",") {
			i++
			continue
		}
		if body[i].kind == tokPunct || i+1 >= len(body) ||
			!(body[i+1].is(tokPunct, ":") || body[i+1].is(tokPunct, "=")) {
			// skip to the next comma
			for i < len(body) && !body[i].is(tokPunct, ",") {
				i++
			}
			continue
		}
		key := strings.ToLower(body[i].text)
		i += 2
		j := i
		for j < len(body) && !body[j].is(tokPunct, ",") {
			j++
		}
		var val string
		switch {
		case j == i:
			val = ""
		case j == i+1 && body[i].kind == tokString:
			val = body[i].text
		default:
			val = strings.TrimSpace(line[body[i].start:body[j-1].end])
			val = strings.Trim(val, `"'`)
		}
		pairs = append(pairs, kvPair{key: key, value: val})
		i = j
	}
	return pairs
}

// lookup returns the last value for any of the keys.
func lookup(pairs []kvPair, keys ...string) (string, bool) {
	val, found := "", false
	for _, p := range pairs {
		for _, k := range keys {
			if p.key == k {
				val, found = p.value, true
			}
		}
	}
	return val, found
}
