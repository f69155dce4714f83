package engine

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ids(results []Result) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.Record.ID
	}
	return out
}

func supportBatch() []Record {
	return []Record{
		{ID: "1", Text: "Notes from the lab meeting", Topic: "research", Weight: 0.5, Trust: 1},
		{ID: "2", Text: "Weekly call with Sam", Topic: "research", Tags: []string{"support-thread"}, Weight: 0.5, Trust: 1},
		{ID: "3", Text: "Smell of coffee", Tags: []string{"cue"}, Weight: 0.5, Trust: 1},
		{ID: "4", Text: "Thank-you card from the team", Tags: []string{"support-thread"}, Weight: 0.5, Trust: 1},
		{ID: "5", Text: "Train schedule", Topic: "travel", Weight: 0.5, Trust: 1},
	}
}

func TestRetrieveRanksSupportThreadAboveCue(t *testing.T) {
	for _, p := range Profiles {
		t.Run(string(p), func(t *testing.T) {
			e := testEngine(t, "", WithProfile(p))
			res := e.Retrieve(supportBatch(), "support", 5, Context{})
			require.Len(t, res, 5)

			got := ids(res)
			assert.ElementsMatch(t, []string{"2", "4"}, got[:2])
			cue := res[indexOf(got, "3")]
			for _, r := range res[:2] {
				assert.Greater(t, r.Score, cue.Score)
				assert.Greater(t, r.Why.Relevance, 0.0)
			}
		})
	}
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}

func TestRetrieveHidesShieldedAndZeroWeight(t *testing.T) {
	e := testEngine(t, "")
	res := e.Retrieve([]Record{
		{ID: "shielded", Text: "cafe", Weight: 0.9, Trust: 1, Shielded: true},
		{ID: "removed", Text: "cafe", Weight: 0, Trust: 1},
		{ID: "negative", Text: "cafe", Weight: -0.2, Trust: 1},
		{ID: "visible", Text: "cafe", Weight: 0.1, Trust: 1},
	}, "cafe", 10, Context{})
	assert.Equal(t, []string{"visible"}, ids(res))
}

func TestRetrieveTopK(t *testing.T) {
	batch := supportBatch()

	e := testEngine(t, "")
	assert.Len(t, e.Retrieve(batch, "x", 0, Context{}), 5)
	assert.Len(t, e.Retrieve(batch, "x", 3, Context{}), 3)

	limited := testEngine(t, `retrieval { gate: E-weighted, topk: 2 }`)
	assert.Len(t, limited.Retrieve(batch, "x", 0, Context{}), 2)
	assert.Len(t, limited.Retrieve(batch, "x", 4, Context{}), 4)
}

func TestRetrieveMultiplicativeScore(t *testing.T) {
	e := testEngine(t, `pin tag:"cue" priority:0.5`)
	res := e.Retrieve([]Record{{ID: "1", Text: "coffee smell", Tags: []string{"cue"}, Weight: 0.5, Trust: 0.8}}, "coffee", 1, Context{})
	require.Len(t, res, 1)
	why := res[0].Why

	gate := 1.1 - 0.08*0.2
	assert.Equal(t, 0.5, why.PinBoost)
	assert.InDelta(t, gate, why.Gate, 1e-12)
	assert.InDelta(t, 0.25, why.Relevance, 1e-12)
	assert.InDelta(t, 0.5*0.8*1.5*gate*1.25, why.Final, 1e-12)
	assert.Equal(t, why.Final, res[0].Score)
}

func TestRetrieveAdditiveTFIDFScore(t *testing.T) {
	e := testEngine(t, `retrieval { gate: plain, topk: 5 }`, WithProfile(ProfileStrict))
	res := e.Retrieve([]Record{
		{ID: "a", Text: "garden roses", Weight: 1, Trust: 1},
		{ID: "b", Text: "quiet cafe", Weight: 1, Trust: 1},
	}, "garden", 0, Context{})
	require.Len(t, res, 2)
	assert.Equal(t, "a", res[0].Record.ID)

	idf := math.Log(1 + 2.0/2.0)
	assert.InDelta(t, 0.5*idf, res[0].Why.Relevance, 1e-12)
	assert.Equal(t, 1.0, res[0].Why.Gate)
	assert.InDelta(t, 1+0.5*idf, res[0].Score, 1e-12)
	assert.Equal(t, 1.0, res[1].Score)
}

func TestRetrieveEmotionGate(t *testing.T) {
	dsl := `emotion grief { lambda=0.35, floor=0.1 }
emotion calm { lambda=0.01, floor=0.1 }`
	batch := []Record{
		{ID: "grief", Text: "x", Emotion: "grief", Weight: 0.5, Trust: 1},
		{ID: "calm", Text: "x", Emotion: "calm", Weight: 0.5, Trust: 1},
	}

	gated := testEngine(t, dsl).Retrieve(batch, "", 0, Context{})
	assert.Equal(t, []string{"calm", "grief"}, ids(gated))
	assert.InDelta(t, 1.03, gated[1].Why.Gate, 1e-12)

	plain := testEngine(t, dsl+"\nretrieval { gate: plain, topk: 5 }").Retrieve(batch, "", 0, Context{})
	assert.Equal(t, []string{"grief", "calm"}, ids(plain), "ties keep input order")
	assert.Equal(t, plain[0].Score, plain[1].Score)
}

func TestRetrieveSynonyms(t *testing.T) {
	dsl := `retrieval {
  synonyms: support=["mentor"]
}`
	batch := []Record{
		{ID: "plain", Text: "grocery list", Weight: 0.5, Trust: 1},
		{ID: "syn", Text: "met my mentor today", Weight: 0.5, Trust: 1},
	}
	for _, p := range Profiles {
		res := testEngine(t, dsl, WithProfile(p)).Retrieve(batch, "support", 0, Context{})
		assert.Equal(t, "syn", res[0].Record.ID, p)
		assert.Greater(t, res[0].Why.Relevance, 0.0, p)
	}
}

func TestRetrieveNegativeTrustClamped(t *testing.T) {
	e := testEngine(t, "")
	res := e.Retrieve([]Record{{ID: "1", Text: "a", Weight: 0.5, Trust: -3}}, "", 0, Context{})
	require.Len(t, res, 1)
	assert.Equal(t, 0.0, res[0].Why.Trust)
	assert.Equal(t, 0.0, res[0].Score)
}

func TestKeywordRelevanceHits(t *testing.T) {
	e := testEngine(t, "")
	rel := keywordRelevance(e.Policy().Retrieval(), []string{"support"})

	assert.Equal(t, 0.0, rel(Record{Text: "nothing"}))
	assert.Equal(t, 0.25, rel(Record{Text: "Support group"}))
	assert.Equal(t, 0.25, rel(Record{Tags: []string{"Support"}}))
	assert.Equal(t, 0.5, rel(Record{Text: "support", Topic: "support"}))
	assert.Equal(t, 0.125, rel(Record{Tags: []string{"support-thread"}}))
}

func TestTokenize(t *testing.T) {
	got := tokenize("Support-thread, a CAFE! x_y 42")
	assert.Equal(t, []string{"support-thread", "support", "thread", "cafe", "x_y", "42"}, got)
	assert.Empty(t, tokenize(" ,. "))
}

func TestResultJSON(t *testing.T) {
	r := Result{
		Record: Record{ID: "7", Text: "hello", Topic: "t", Tags: []string{"a"}, Weight: 0.5, Trust: 1},
		Score:  0.75,
		Why:    Explanation{BaseWeight: 0.5, Final: 0.75},
	}
	data, err := json.Marshal(r)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "7", got["id"])
	assert.Equal(t, "hello", got["text"])
	assert.Equal(t, 0.75, got["score"])
	why, ok := got["why"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 0.5, why["base_weight"])
}
