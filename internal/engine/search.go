package engine

import (
	"encoding/json"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/lazypower/lethe/internal/policy"
)

// Explanation breaks a retrieval score into its factors.
type Explanation struct {
	BaseWeight    float64 `json:"base_weight"`
	DecayedWeight float64 `json:"decayed_weight"`
	Trust         float64 `json:"trust"`
	Relevance     float64 `json:"relevance"`
	PinBoost      float64 `json:"pin_boost"`
	Gate          float64 `json:"gate"`
	Final         float64 `json:"final"`
}

// Result is one ranked record.
type Result struct {
	Record Record
	Score  float64
	Why    Explanation
}

// MarshalJSON flattens the record into the result object.
func (r Result) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ID      string      `json:"id"`
		Topic   string      `json:"topic,omitempty"`
		Tags    []string    `json:"tags,omitempty"`
		Emotion string      `json:"emotion,omitempty"`
		Weight  float64     `json:"weight"`
		Trust   float64     `json:"trust"`
		Score   float64     `json:"score"`
		Why     Explanation `json:"why"`
		Text    string      `json:"text"`
	}{
		ID:      r.Record.ID,
		Topic:   r.Record.Topic,
		Tags:    r.Record.Tags,
		Emotion: r.Record.Emotion,
		Weight:  r.Record.Weight,
		Trust:   r.Record.Trust,
		Score:   r.Score,
		Why:     r.Why,
		Text:    r.Record.Text,
	})
}

// Retrieve ranks the visible records against query and returns at most
// topk results. topk <= 0 falls back to the policy's retrieval topk.
//
// Shielded and zero-weight records are never returned. The score is
//
//	base  = decayed * trust * (1 + pin) * gate
//	final = base + relevance          (additive profiles)
//	final = base * (1 + relevance)    (multiplicative profiles)
//
// where gate is the emotion's stability under an emotion-weighted gate
// and 1 otherwise. Ties keep input order.
func (e *Engine) Retrieve(records []Record, query string, topk int, ctx Context) []Result {
	now := e.now(ctx)
	cfg := e.policy.Retrieval()
	if topk <= 0 {
		topk = cfg.TopK
	}
	if topk <= 0 {
		topk = policy.DefaultTopK
	}

	var visible []Record
	for _, r := range records {
		if r.Shielded || r.Weight <= 0 {
			continue
		}
		visible = append(visible, r.clone())
	}

	terms := tokenize(query)
	var rel relevanceFunc
	if e.profile.UsesTFIDF() {
		rel = newTFIDF(visible, cfg.Expand(terms)).score
	} else {
		rel = keywordRelevance(cfg, terms)
	}

	results := make([]Result, 0, len(visible))
	for i := range visible {
		r := &visible[i]
		why := e.explain(*r, rel(*r), cfg, now)
		if e.profile.MutateOnRead() {
			e.commitDecay(r, now)
		}
		results = append(results, Result{Record: *r, Score: why.Final, Why: why})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > topk {
		results = results[:topk]
	}

	e.logger.Debug("engine: retrieve",
		"query", query,
		"visible", len(visible),
		"returned", len(results),
		"profile", e.profile)
	return results
}

func (e *Engine) explain(r Record, relevance float64, cfg policy.RetrievalConfig, now time.Time) Explanation {
	why := Explanation{
		BaseWeight:    r.Weight,
		DecayedWeight: e.decayedWeight(r, now),
		Trust:         math.Max(0, r.Trust),
		Relevance:     relevance,
		PinBoost:      e.policy.PinBoost(r.Topic, r.Tags, r.Text),
		Gate:          1.0,
	}
	if cfg.EmotionWeighted() {
		why.Gate = e.emotionOf(r).Stability()
	}
	base := why.DecayedWeight * why.Trust * (1 + why.PinBoost) * why.Gate
	if e.profile.Additive() {
		why.Final = base + relevance
	} else {
		why.Final = base * (1 + relevance)
	}
	return why
}

type relevanceFunc func(Record) float64

// Keyword relevance per hit kind, summed for one term.
const (
	textHit       = 0.25
	exactFieldHit = 0.25
	partFieldHit  = 0.125
)

// keywordRelevance scores containment: each query term contributes its
// best hit among itself and its synonyms, and the result is the mean over
// query terms. A term found in the text earns textHit; a term equal to
// the topic or a tag earns exactFieldHit, or partFieldHit when it only
// equals a hyphen-separated part of one.
func keywordRelevance(cfg policy.RetrievalConfig, terms []string) relevanceFunc {
	expanded := make([][]string, len(terms))
	for i, t := range terms {
		expanded[i] = cfg.Expand([]string{t})
	}
	return func(r Record) float64 {
		if len(terms) == 0 {
			return 0
		}
		text := strings.ToLower(r.Text)
		fields := make([]string, 0, len(r.Tags)+1)
		if r.Topic != "" {
			fields = append(fields, strings.ToLower(r.Topic))
		}
		for _, t := range r.Tags {
			fields = append(fields, strings.ToLower(t))
		}

		total := 0.0
		for _, alts := range expanded {
			best := 0.0
			for _, t := range alts {
				if s := keywordHit(t, text, fields); s > best {
					best = s
				}
			}
			total += best
		}
		return total / float64(len(terms))
	}
}

func keywordHit(term, text string, fields []string) float64 {
	s := 0.0
	if strings.Contains(text, term) {
		s += textHit
	}
	part := false
	for _, f := range fields {
		if f == term {
			return s + exactFieldHit
		}
		for _, p := range splitParts(f) {
			if p == term {
				part = true
			}
		}
	}
	if part {
		s += partFieldHit
	}
	return s
}

// tfidf scores documents built from text, topic and tags of the visible
// set: sum over terms of tf(t)/len(doc) * ln(1 + N/(1+df(t))).
type tfidf struct {
	terms []string
	idf   map[string]float64
	docs  map[string]map[string]int
	lens  map[string]int
}

func newTFIDF(visible []Record, terms []string) *tfidf {
	ix := &tfidf{
		terms: terms,
		idf:   make(map[string]float64),
		docs:  make(map[string]map[string]int, len(visible)),
		lens:  make(map[string]int, len(visible)),
	}
	df := make(map[string]int)
	for _, r := range visible {
		tokens := documentTokens(r)
		tf := make(map[string]int, len(tokens))
		for _, tok := range tokens {
			if tf[tok] == 0 {
				df[tok]++
			}
			tf[tok]++
		}
		key := docKey(r)
		ix.docs[key] = tf
		ix.lens[key] = len(tokens)
	}
	n := float64(len(visible))
	for term, c := range df {
		ix.idf[term] = math.Log(1 + n/(1+float64(c)))
	}
	return ix
}

func (ix *tfidf) score(r Record) float64 {
	key := docKey(r)
	l := ix.lens[key]
	if l == 0 {
		return 0
	}
	tf := ix.docs[key]
	s := 0.0
	for _, t := range ix.terms {
		s += float64(tf[t]) / float64(l) * ix.idf[t]
	}
	return s
}

// docKey identifies a record inside one retrieval call. IDs are caller
// assigned and may repeat, so the document itself is part of the key.
func docKey(r Record) string {
	return r.ID + "\x00" + r.Topic + "\x00" + strings.Join(r.Tags, "\x00") + "\x00" + r.Text
}

// documentTokens is the token stream relevance sees for a record.
func documentTokens(r Record) []string {
	tokens := tokenize(r.Text)
	tokens = append(tokens, tokenize(r.Topic)...)
	for _, t := range r.Tags {
		tokens = append(tokens, tokenize(t)...)
	}
	return tokens
}

// tokenize splits text into lowercase tokens, stripping punctuation and
// single-character tokens. A hyphenated token is followed by its parts.
func tokenize(text string) []string {
	text = strings.ToLower(text)
	var tokens []string
	var current strings.Builder
	flush := func() {
		if current.Len() > 1 {
			tok := current.String()
			tokens = append(tokens, tok)
			if strings.Contains(tok, "-") {
				for _, p := range splitParts(tok) {
					if len(p) > 1 {
						tokens = append(tokens, p)
					}
				}
			}
		}
		current.Reset()
	}
	for _, r := range text {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r > 127 {
			current.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return tokens
}

func splitParts(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool { return r == '-' })
}
