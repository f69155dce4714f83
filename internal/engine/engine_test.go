package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/lethe/internal/audit"
	"github.com/lazypower/lethe/internal/policy"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testEngine(t *testing.T, dsl string, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	return New(dsl, opts...)
}

func trustOf(v float64) *float64 { return &v }

func daysAgo(n float64) time.Time {
	return testNow.Add(-time.Duration(n * 24 * float64(time.Hour)))
}

func countEntries(entries []audit.Entry, typ string) int {
	n := 0
	for _, e := range entries {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func TestNewSeedsParserAudit(t *testing.T) {
	e := testEngine(t, `emotion joy { lambda=0.1, floor=0.2 }
not a rule`)

	entries := e.Audit()
	require.Len(t, entries, 2)
	assert.Equal(t, audit.TypeParseEmotion, entries[0].Type)
	assert.Equal(t, audit.TypeParseUnknown, entries[1].Type)
	assert.Equal(t, 1, entries[0].Seq)
	assert.Equal(t, 2, entries[1].Seq)
	assert.Equal(t, testNow, entries[0].At)
}

func TestDrainAuditKeepsSequence(t *testing.T) {
	e := testEngine(t, `rule on trust < 0.5 -> forget topic:"x"`)
	require.Len(t, e.DrainAudit(), 1)
	assert.Empty(t, e.Audit())

	e.ApplyRules([]Record{{ID: "a", Topic: "x", Weight: 0.8, Trust: 1}}, Context{Trust: trustOf(0.1)})
	entries := e.Audit()
	require.Len(t, entries, 1)
	assert.Equal(t, 2, entries[0].Seq)
}

func TestEnginesAreIndependent(t *testing.T) {
	dsl := `rule on trust < 0.5 -> forget topic:"x"`
	a := testEngine(t, dsl)
	b := testEngine(t, dsl)

	a.ApplyRules([]Record{{ID: "1", Topic: "x", Weight: 1}}, Context{Trust: trustOf(0)})
	assert.Equal(t, 2, len(a.Audit()))
	assert.Equal(t, 1, len(b.Audit()))
}

func TestNewWithPolicy(t *testing.T) {
	p := policy.Parse(`pin topic:"a" priority:0.4`)
	e := NewWithPolicy(p, WithProfile(ProfileStrict))
	assert.Same(t, p, e.Policy())
	assert.Equal(t, ProfileStrict, e.Profile())
	assert.Equal(t, 1, countEntries(e.Audit(), audit.TypeParsePin))

	empty := NewWithPolicy(nil)
	assert.Empty(t, empty.Policy().Rules())
}

func TestNewRecordDefaults(t *testing.T) {
	simple := testEngine(t, "")
	r := simple.NewRecord("1", "hello")
	assert.Equal(t, 0.5, r.Weight)
	assert.Equal(t, 1.0, r.Trust)
	assert.Equal(t, policy.DefaultEmotion, r.Emotion)

	strict := testEngine(t, "", WithProfile(ProfileStrict))
	assert.Equal(t, 1.0, strict.NewRecord("1", "hello").Weight)

	// A bare Record literal keeps its zero trust.
	res := simple.Retrieve([]Record{r, {ID: "2", Text: "hello", Weight: 0.5}}, "hello", 0, Context{})
	require.Len(t, res, 2)
	assert.Equal(t, "1", res[0].Record.ID)
	assert.Equal(t, 0.0, res[1].Score)
}

func TestParseProfile(t *testing.T) {
	for in, want := range map[string]Profile{"": ProfileSimple, "Simple": ProfileSimple, " strict ": ProfileStrict} {
		got, err := ParseProfile(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseProfile("lenient")
	assert.Error(t, err)
}

func TestContextNowOverridesClock(t *testing.T) {
	e := testEngine(t, "")
	at := testNow.Add(48 * time.Hour)
	assert.Equal(t, at, e.now(Context{Now: at}))
	assert.Equal(t, testNow, e.now(Context{}))
}
