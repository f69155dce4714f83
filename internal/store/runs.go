package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lazypower/lethe/internal/audit"
	"github.com/lazypower/lethe/internal/engine"
)

// ErrRunNotFound is returned when a run id is unknown.
var ErrRunNotFound = errors.New("run not found")

// Run kinds.
const (
	KindApply    = "apply"
	KindDecay    = "decay"
	KindRetrieve = "retrieve"
)

// Snapshot phases.
const (
	PhaseBefore = "before"
	PhaseAfter  = "after"
)

// Run is one recorded engine invocation.
type Run struct {
	ID         string         `json:"id"`
	Kind       string         `json:"kind"`
	Source     string         `json:"source"`
	Profile    string         `json:"profile"`
	Policy     string         `json:"policy,omitempty"`
	Context    engine.Context `json:"context"`
	Query      string         `json:"query,omitempty"`
	Records    int            `json:"records"`
	AuditCount int            `json:"audit_count"`
	CreatedAt  time.Time      `json:"created_at"`
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
	Prepare(query string) (*sql.Stmt, error)
}

// CreateRun inserts a run, assigning a random id and the creation time
// when they are unset.
func (db *DB) CreateRun(run *Run) error {
	return createRun(db.DB, run)
}

// SaveSnapshot stores a record batch under a run and phase.
func (db *DB) SaveSnapshot(runID, phase string, recs []engine.Record) error {
	return saveSnapshot(db.DB, runID, phase, recs)
}

// SaveAudit stores audit entries under a run.
func (db *DB) SaveAudit(runID string, entries []audit.Entry) error {
	return saveAudit(db.DB, runID, entries)
}

// SaveRun stores a run with its snapshots and audit entries in one
// transaction. Nil snapshots are skipped.
func (db *DB) SaveRun(run *Run, before, after []engine.Record, entries []audit.Entry) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin save run: %w", err)
	}
	defer tx.Rollback()

	if run.AuditCount == 0 {
		run.AuditCount = len(entries)
	}
	if err := createRun(tx, run); err != nil {
		return err
	}
	if before != nil {
		if err := saveSnapshot(tx, run.ID, PhaseBefore, before); err != nil {
			return err
		}
	}
	if after != nil {
		if err := saveSnapshot(tx, run.ID, PhaseAfter, after); err != nil {
			return err
		}
	}
	if err := saveAudit(tx, run.ID, entries); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run %s: %w", run.ID, err)
	}
	return nil
}

func createRun(ex execer, run *Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}
	if run.Source == "" {
		run.Source = "cli"
	}
	ctx, err := json.Marshal(run.Context)
	if err != nil {
		return fmt.Errorf("encode run context: %w", err)
	}
	_, err = ex.Exec(`
		INSERT INTO runs (id, kind, source, profile, policy, context, query, record_count, audit_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.Kind, run.Source, run.Profile, run.Policy, string(ctx), run.Query,
		run.Records, run.AuditCount, run.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

func saveSnapshot(ex execer, runID, phase string, recs []engine.Record) error {
	stmt, err := ex.Prepare(`
		INSERT INTO snapshots (run_id, phase, position, record_id, weight, shielded, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare snapshot insert: %w", err)
	}
	defer stmt.Close()

	for i, r := range recs {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("encode record %s: %w", r.ID, err)
		}
		if _, err := stmt.Exec(runID, phase, i, r.ID, r.Weight, boolInt(r.Shielded), string(data)); err != nil {
			return fmt.Errorf("save snapshot %s/%s #%d: %w", runID, phase, i, err)
		}
	}
	return nil
}

func saveAudit(ex execer, runID string, entries []audit.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	stmt, err := ex.Prepare(`
		INSERT INTO audit_entries (run_id, seq, stage, type, record_id, weight_before, weight_after, rule, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare audit insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		rule := ""
		if len(e.Rule) > 0 {
			data, err := json.Marshal(e.Rule)
			if err != nil {
				return fmt.Errorf("encode audit rule %d: %w", e.Seq, err)
			}
			rule = string(data)
		}
		if _, err := stmt.Exec(runID, e.Seq, string(e.Stage), e.Type, e.RecordID,
			nullFloat(e.Before), nullFloat(e.After), rule, e.At.UnixMilli()); err != nil {
			return fmt.Errorf("save audit %s #%d: %w", runID, e.Seq, err)
		}
	}
	return nil
}

const runColumns = `id, kind, source, profile, policy, context, query, record_count, audit_count, created_at`

// GetRun returns a run by id, or ErrRunNotFound.
func (db *DB) GetRun(id string) (*Run, error) {
	row := db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("get run %s: %w", id, ErrRunNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	return run, nil
}

// ListRuns returns the most recent runs, newest first.
func (db *DB) ListRuns(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.Query(`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*Run, error) {
	var (
		run     Run
		ctx     string
		created int64
	)
	if err := s.Scan(&run.ID, &run.Kind, &run.Source, &run.Profile, &run.Policy, &ctx,
		&run.Query, &run.Records, &run.AuditCount, &created); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(ctx), &run.Context); err != nil {
		return nil, fmt.Errorf("decode run context: %w", err)
	}
	run.CreatedAt = time.UnixMilli(created)
	return &run, nil
}

// GetSnapshot returns the records stored for a run and phase, in order.
func (db *DB) GetSnapshot(runID, phase string) ([]engine.Record, error) {
	rows, err := db.Query(`
		SELECT data FROM snapshots WHERE run_id = ? AND phase = ? ORDER BY position
	`, runID, phase)
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	defer rows.Close()

	var recs []engine.Record
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		var r engine.Record
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			return nil, fmt.Errorf("decode snapshot record: %w", err)
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// GetAudit returns the audit entries stored for a run, in sequence order.
func (db *DB) GetAudit(runID string) ([]audit.Entry, error) {
	rows, err := db.Query(`
		SELECT seq, stage, type, record_id, weight_before, weight_after, rule, at
		FROM audit_entries WHERE run_id = ? ORDER BY seq
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("get audit: %w", err)
	}
	defer rows.Close()

	var entries []audit.Entry
	for rows.Next() {
		var (
			e             audit.Entry
			stage, rule   string
			before, after sql.NullFloat64
			at            int64
		)
		if err := rows.Scan(&e.Seq, &stage, &e.Type, &e.RecordID, &before, &after, &rule, &at); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		e.Stage = audit.Stage(stage)
		if before.Valid {
			e.Before = audit.Weight(before.Float64)
		}
		if after.Valid {
			e.After = audit.Weight(after.Float64)
		}
		if rule != "" {
			if err := json.Unmarshal([]byte(rule), &e.Rule); err != nil {
				return nil, fmt.Errorf("decode audit rule: %w", err)
			}
		}
		e.At = time.UnixMilli(at)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DeleteRun removes a run and, by cascade, its snapshots and audit rows.
func (db *DB) DeleteRun(id string) error {
	result, err := db.Exec(`DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("delete run %s: %w", id, ErrRunNotFound)
	}
	return nil
}

// PruneRuns deletes all but the keep most recent runs and returns how many
// were removed.
func (db *DB) PruneRuns(keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	result, err := db.Exec(`
		DELETE FROM runs WHERE id NOT IN (
			SELECT id FROM runs ORDER BY created_at DESC, rowid DESC LIMIT ?
		)
	`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
