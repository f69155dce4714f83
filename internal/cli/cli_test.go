package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lazypower/lethe/internal/config"
	"github.com/lazypower/lethe/internal/store"
)

func setupCLI(t *testing.T) string {
	t.Helper()
	c := config.Default()
	cfg = &c
	t.Cleanup(func() { cfg = nil })
	return t.TempDir()
}

func writeInput(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

type memories struct {
	Memories []struct {
		ID     string  `json:"id"`
		Weight float64 `json:"weight"`
	} `json:"memories"`
}

func TestRunApplyWritesRecordsAndCSV(t *testing.T) {
	dir := setupCLI(t)
	opts := runOptions{
		Mem:    writeInput(t, dir, "mem.json", `[{"id": "a", "topic": "x", "weight": 0.8}, {"id": "b", "topic": "y", "weight": 0.8}]`),
		Ctx:    writeInput(t, dir, "ctx.json", `{"trust": 0.1}`),
		DSL:    writeInput(t, dir, "policy.dsl", `rule on trust < 0.5 -> forget topic:"x"`),
		Before: filepath.Join(dir, "before.csv"),
		After:  filepath.Join(dir, "after.csv"),
		Audit:  filepath.Join(dir, "audit.csv"),
	}

	var out bytes.Buffer
	if err := runApply(&out, opts); err != nil {
		t.Fatalf("runApply: %v", err)
	}

	var got memories
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("decode output: %v; output: %s", err, out.String())
	}
	if len(got.Memories) != 2 {
		t.Fatalf("records = %d, want 2", len(got.Memories))
	}
	if got.Memories[0].Weight != 0.4 || got.Memories[1].Weight != 0.8 {
		t.Errorf("weights = %v, %v, want 0.4, 0.8", got.Memories[0].Weight, got.Memories[1].Weight)
	}

	after, err := os.ReadFile(opts.After)
	if err != nil {
		t.Fatalf("read after.csv: %v", err)
	}
	if !strings.HasPrefix(string(after), "id,topic,tags,emotion,weight,trust,timestamp,flags,text") {
		t.Errorf("after.csv header = %q", strings.SplitN(string(after), "\n", 2)[0])
	}
	auditCSV, err := os.ReadFile(opts.Audit)
	if err != nil {
		t.Fatalf("read audit.csv: %v", err)
	}
	if !strings.Contains(string(auditCSV), "forget") {
		t.Errorf("audit.csv missing the forget entry:\n%s", auditCSV)
	}
	if _, err := os.Stat(opts.Before); err != nil {
		t.Errorf("before.csv: %v", err)
	}
}

func TestRunApplyEventFlag(t *testing.T) {
	dir := setupCLI(t)
	opts := runOptions{
		Mem:   writeInput(t, dir, "mem.json", `{"memories": [{"id": "a", "topic": "x", "weight": 0.5}]}`),
		DSL:   writeInput(t, dir, "policy.dsl", `rule on event == "milestone" -> reinforce topic:"x" by 0.2`),
		Event: "milestone",
	}

	var out bytes.Buffer
	if err := runApply(&out, opts); err != nil {
		t.Fatalf("runApply: %v", err)
	}
	var got memories
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if w := got.Memories[0].Weight; w < 0.6999 || w > 0.7001 {
		t.Errorf("weight = %v, want 0.7", w)
	}
}

func TestRunApplySavesRun(t *testing.T) {
	dir := setupCLI(t)
	dbPath := filepath.Join(dir, "runs.db")
	opts := runOptions{
		Mem: writeInput(t, dir, "mem.json", `[{"id": "a", "topic": "x", "weight": 0.8}]`),
		Ctx: writeInput(t, dir, "ctx.json", `{"trust": 0}`),
		DSL: writeInput(t, dir, "policy.dsl", `rule on trust < 0.5 -> forget topic:"x"`),
		Out: filepath.Join(dir, "out.json"),
		DB:  dbPath,
	}
	if err := runApply(&bytes.Buffer{}, opts); err != nil {
		t.Fatalf("runApply: %v", err)
	}

	db, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	var list bytes.Buffer
	if err := listRuns(&list, db, 10); err != nil {
		t.Fatalf("listRuns: %v", err)
	}
	if !strings.Contains(list.String(), "apply") || !strings.Contains(list.String(), "cli") {
		t.Errorf("list output = %q", list.String())
	}

	runs, err := db.ListRuns(1)
	if err != nil || len(runs) != 1 {
		t.Fatalf("ListRuns = %v, %v", runs, err)
	}

	auditPath := filepath.Join(dir, "run-audit.csv")
	var shown bytes.Buffer
	if err := showRun(&shown, db, runs[0].ID, true, auditPath); err != nil {
		t.Fatalf("showRun: %v", err)
	}
	var got memories
	if err := json.Unmarshal(shown.Bytes(), &got); err != nil {
		t.Fatalf("decode show output: %v", err)
	}
	if len(got.Memories) != 1 || got.Memories[0].Weight != 0.4 {
		t.Errorf("after snapshot = %+v, want one record at 0.4", got.Memories)
	}
	if _, err := os.Stat(auditPath); err != nil {
		t.Errorf("audit export: %v", err)
	}

	if _, err := os.Stat(opts.Out); err != nil {
		t.Errorf("out file: %v", err)
	}
}

func TestShowRunNotFound(t *testing.T) {
	setupCLI(t)
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer db.Close()

	err = showRun(&bytes.Buffer{}, db, "missing", true, "")
	if !errors.Is(err, store.ErrRunNotFound) {
		t.Errorf("err = %v, want ErrRunNotFound", err)
	}

	var list bytes.Buffer
	if err := listRuns(&list, db, 0); err != nil {
		t.Fatalf("listRuns: %v", err)
	}
	if !strings.Contains(list.String(), "No runs") {
		t.Errorf("empty list output = %q", list.String())
	}
}

func TestRunRetrieveTable(t *testing.T) {
	dir := setupCLI(t)
	opts := retrieveOptions{
		Mem:   writeInput(t, dir, "mem.json", `[{"id": "bar", "text": "loud bar downtown"}, {"id": "cafe", "text": "quiet cafe by the park"}]`),
		Query: "cafe",
		TopK:  1,
	}

	var out bytes.Buffer
	if err := runRetrieve(&out, opts); err != nil {
		t.Fatalf("runRetrieve: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want header and one result:\n%s", len(lines), out.String())
	}
	if !strings.HasPrefix(lines[1], "1") || !strings.Contains(lines[1], "cafe") {
		t.Errorf("result row = %q, want cafe ranked first", lines[1])
	}
}

func TestRunRetrieveJSON(t *testing.T) {
	dir := setupCLI(t)
	opts := retrieveOptions{
		Mem:   writeInput(t, dir, "mem.json", `[{"id": "a", "topic": "x", "text": "x notes", "weight": 0.8}]`),
		Ctx:   writeInput(t, dir, "ctx.json", `{"trust": 0}`),
		DSL:   writeInput(t, dir, "policy.dsl", `rule on trust < 0.5 -> forget topic:"x"`),
		Query: "notes",
		Apply: true,
		JSON:  true,
	}

	var out bytes.Buffer
	if err := runRetrieve(&out, opts); err != nil {
		t.Fatalf("runRetrieve: %v", err)
	}
	var body struct {
		Count   int `json:"count"`
		Results []struct {
			ID     string  `json:"id"`
			Weight float64 `json:"weight"`
		} `json:"results"`
	}
	if err := json.Unmarshal(out.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Count != 1 || body.Results[0].Weight != 0.4 {
		t.Errorf("body = %+v, want one result at weight 0.4", body)
	}
}

func TestRunRetrieveRequiresQuery(t *testing.T) {
	setupCLI(t)
	if err := runRetrieve(&bytes.Buffer{}, retrieveOptions{Mem: "unused"}); err == nil {
		t.Error("expected an error without a query")
	}
}

func TestRunPolicy(t *testing.T) {
	dir := setupCLI(t)
	dsl := writeInput(t, dir, "policy.dsl", "emotion sadness { lambda=0.5, floor=0.1 }\npin topic:\"a\" priority:0.4\nnot a rule\n")
	auditPath := filepath.Join(dir, "parse.csv")

	var stdout, stderr bytes.Buffer
	if err := runPolicy(&stdout, &stderr, dsl, auditPath); err != nil {
		t.Fatalf("runPolicy: %v", err)
	}
	if !strings.Contains(stdout.String(), "emotion sadness") || !strings.Contains(stdout.String(), "pin topic:") {
		t.Errorf("formatted policy:\n%s", stdout.String())
	}
	if !strings.Contains(stderr.String(), "1 rules, 1 unknown lines") {
		t.Errorf("summary = %q", stderr.String())
	}
	data, err := os.ReadFile(auditPath)
	if err != nil {
		t.Fatalf("read parse audit: %v", err)
	}
	if !strings.Contains(string(data), "parse_unknown") {
		t.Errorf("parse audit missing parse_unknown:\n%s", data)
	}
}

func TestRunPolicyRequiresFile(t *testing.T) {
	setupCLI(t)
	if err := runPolicy(&bytes.Buffer{}, &bytes.Buffer{}, "", ""); err == nil {
		t.Error("expected an error without a policy file")
	}
}

func TestOpenDBFallsBackToConfig(t *testing.T) {
	dir := setupCLI(t)
	cfg.Database.Path = filepath.Join(dir, "configured.db")

	db, err := openDB("")
	if err != nil {
		t.Fatalf("openDB: %v", err)
	}
	defer db.Close()
	if db.Path != cfg.Database.Path {
		t.Errorf("path = %q, want %q", db.Path, cfg.Database.Path)
	}
}

func TestActiveProfile(t *testing.T) {
	setupCLI(t)
	cfg.Engine.Profile = "strict"
	if got := activeProfile(); string(got) != "strict" {
		t.Errorf("profile = %q, want strict", got)
	}
	cfg = nil
	if got := activeProfile(); string(got) != "simple" {
		t.Errorf("profile without config = %q, want simple", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate short = %q", got)
	}
	if got := truncate("abcdefghij", 6); got != "abc..." {
		t.Errorf("truncate long = %q, want abc...", got)
	}
}
