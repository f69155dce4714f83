package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/lazypower/lethe/internal/audit"
	"github.com/lazypower/lethe/internal/engine"
	"github.com/lazypower/lethe/internal/policy"
	"github.com/lazypower/lethe/internal/records"
	"github.com/lazypower/lethe/internal/store"
)

const maxBody = 8 << 20

// batchRequest is the body shared by apply, decay and retrieve. memories
// and context accept the same shapes as the files the CLI reads.
type batchRequest struct {
	Memories json.RawMessage `json:"memories"`
	Context  json.RawMessage `json:"context"`
	Event    string          `json:"event"`
	Query    string          `json:"query"`
	TopK     int             `json:"topk"`
	Apply    bool            `json:"apply"`
}

func (s *Server) decodeBatch(w http.ResponseWriter, r *http.Request) (batchRequest, []engine.Record, engine.Context, bool) {
	var req batchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return req, nil, engine.Context{}, false
	}

	ctx, err := records.DecodeContext(nullable(req.Context))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid context: "+err.Error())
		return req, nil, engine.Context{}, false
	}
	if req.Event != "" {
		ctx.Event = req.Event
	}

	now := ctx.Now
	if now.IsZero() {
		now = s.clock()
	}
	recs, _, err := records.Decode(nullable(req.Memories), s.profile.DefaultWeight(), now)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid memories: "+err.Error())
		return req, nil, engine.Context{}, false
	}
	if recs == nil {
		recs = []engine.Record{}
	}
	return req, recs, ctx, true
}

func nullable(raw json.RawMessage) []byte {
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil
	}
	return raw
}

func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	_, recs, ctx, ok := s.decodeBatch(w, r)
	if !ok {
		return
	}

	s.mu.Lock()
	mark := s.engine.AuditLen()
	out, counts := s.engine.ApplyRulesCounted(recs, ctx)
	entries := s.engine.Audit()[mark:]
	policyText := s.policyText
	s.mu.Unlock()

	s.metrics.RecordEngineOp(store.KindApply, len(recs))
	s.metrics.RecordAudit(entries)
	runID := s.saveRun(&store.Run{Kind: store.KindApply, Policy: policyText, Context: ctx}, recs, out, entries)

	writeJSON(w, http.StatusOK, map[string]any{
		"run_id":   runID,
		"memories": out,
		"counts":   counts,
		"audit":    entries,
	})
}

func (s *Server) handleDecay(w http.ResponseWriter, r *http.Request) {
	_, recs, ctx, ok := s.decodeBatch(w, r)
	if !ok {
		return
	}

	s.mu.Lock()
	mark := s.engine.AuditLen()
	out := s.engine.Decay(recs, ctx)
	entries := s.engine.Audit()[mark:]
	policyText := s.policyText
	s.mu.Unlock()

	s.metrics.RecordEngineOp(store.KindDecay, len(recs))
	s.metrics.RecordAudit(entries)
	runID := s.saveRun(&store.Run{Kind: store.KindDecay, Policy: policyText, Context: ctx}, recs, out, entries)

	writeJSON(w, http.StatusOK, map[string]any{
		"run_id":   runID,
		"memories": out,
		"audit":    entries,
	})
}

func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	req, recs, ctx, ok := s.decodeBatch(w, r)
	if !ok {
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query required")
		return
	}
	topk := req.TopK
	if topk <= 0 {
		topk = s.topk
	}

	s.mu.Lock()
	mark := s.engine.AuditLen()
	pool := recs
	if req.Apply {
		pool = s.engine.ApplyRules(recs, ctx)
	}
	results := s.engine.Retrieve(pool, req.Query, topk, ctx)
	entries := s.engine.Audit()[mark:]
	policyText := s.policyText
	s.mu.Unlock()

	ranked := make([]engine.Record, len(results))
	for i, res := range results {
		ranked[i] = res.Record
	}
	s.metrics.RecordEngineOp(store.KindRetrieve, len(recs))
	s.metrics.RecordAudit(entries)
	runID := s.saveRun(&store.Run{
		Kind: store.KindRetrieve, Policy: policyText, Context: ctx, Query: req.Query,
	}, recs, ranked, entries)

	writeJSON(w, http.StatusOK, map[string]any{
		"run_id":  runID,
		"query":   req.Query,
		"count":   len(results),
		"results": results,
		"audit":   entries,
	})
}

// saveRun records a run when a store is configured. Persistence failures
// are logged; the engine result is still returned.
func (s *Server) saveRun(run *store.Run, before, after []engine.Record, entries []audit.Entry) string {
	if s.db == nil {
		return ""
	}
	run.Source = "api"
	run.Profile = string(s.profile)
	run.Records = len(before)
	if err := s.db.SaveRun(run, before, after, entries); err != nil {
		s.logger.Warn("server: save run failed", "kind", run.Kind, "err", err)
		return ""
	}
	return run.ID
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	p := s.engine.Policy()
	text := s.policyText
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"profile":  s.profile,
		"dsl":      policy.Format(p),
		"source":   text,
		"rules":    len(p.Rules()),
		"emotions": len(p.Emotions()),
	})
}

// handlePutPolicy replaces the policy with the raw DSL in the body.
func (s *Server) handlePutPolicy(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body failed")
		return
	}

	e := s.SetPolicy(string(body), "api")
	parsed := e.Policy().ParseAudit()
	unknown := 0
	for _, entry := range parsed {
		if entry.Type == audit.TypeParseUnknown {
			unknown++
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"rules":    len(e.Policy().Rules()),
		"emotions": len(e.Policy().Emotions()),
		"unknown":  unknown,
		"audit":    parsed,
	})
}

func (s *Server) handleGetAudit(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	entries := s.engine.Audit()
	s.mu.Unlock()

	q := r.URL.Query()
	if typ := q.Get("type"); typ != "" {
		entries = filterEntries(entries, func(e audit.Entry) bool { return e.Type == typ })
	}
	if stage := q.Get("stage"); stage != "" {
		entries = filterEntries(entries, func(e audit.Entry) bool { return string(e.Stage) == stage })
	}
	if id := q.Get("id"); id != "" {
		entries = filterEntries(entries, func(e audit.Entry) bool { return e.RecordID == id })
	}
	if n, err := strconv.Atoi(q.Get("limit")); err == nil && n > 0 && n < len(entries) {
		entries = entries[len(entries)-n:]
	}
	if entries == nil {
		entries = []audit.Entry{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(entries),
		"entries": entries,
	})
}

func filterEntries(in []audit.Entry, keep func(audit.Entry) bool) []audit.Entry {
	var out []audit.Entry
	for _, e := range in {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}

func (s *Server) handleDrainAudit(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	entries := s.engine.DrainAudit()
	s.mu.Unlock()

	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"drained": len(entries),
		"entries": entries,
	})
}

func (s *Server) requireStore(w http.ResponseWriter) bool {
	if s.db == nil {
		writeError(w, http.StatusServiceUnavailable, "run history not configured")
		return false
	}
	return true
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}

	runs, err := s.db.ListRuns(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []store.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count": len(runs),
		"runs":  runs,
	})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	runID := chi.URLParam(r, "runID")

	run, err := s.db.GetRun(runID)
	if errors.Is(err, store.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	before, err := s.db.GetSnapshot(runID, store.PhaseBefore)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	after, err := s.db.GetSnapshot(runID, store.PhaseAfter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	entries, err := s.db.GetAudit(runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"run":    run,
		"before": before,
		"after":  after,
		"audit":  entries,
	})
}

func (s *Server) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	runID := chi.URLParam(r, "runID")
	if err := s.db.DeleteRun(runID); err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
