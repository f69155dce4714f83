package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/lazypower/lethe/internal/audit"
	"github.com/lazypower/lethe/internal/engine"
	"github.com/lazypower/lethe/internal/records"
	"github.com/lazypower/lethe/internal/report"
	"github.com/lazypower/lethe/internal/store"
)

var runOpts runOptions

type runOptions struct {
	Mem, Ctx, DSL, Event string
	Decay                bool
	Before, After, Audit string
	Out                  string
	DB                   string
	Save                 bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Apply the policy rules to a memory batch",
	Long: "Run expiry, trust-based forgetting, event reinforcement and interference over the " +
		"records in --mem. The resulting batch is written as JSON to stdout or --out; " +
		"snapshots and the audit log can be exported as CSV.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runApply(cmd.OutOrStdout(), runOpts)
	},
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runOpts.Mem, "mem", "", "Memory records (JSON array, {\"memories\": [...]}, or JSONL)")
	f.StringVar(&runOpts.Ctx, "ctx", "", "Context JSON (trust, event, now)")
	f.StringVar(&runOpts.DSL, "dsl", "", "Policy file (defaults to engine.policy_path)")
	f.StringVar(&runOpts.Event, "event", "", "Event name, overrides the context")
	f.BoolVar(&runOpts.Decay, "decay", false, "Commit time decay after the rules")
	f.StringVar(&runOpts.Before, "before", "", "Write the input snapshot CSV here")
	f.StringVar(&runOpts.After, "after", "", "Write the output snapshot CSV here")
	f.StringVar(&runOpts.Audit, "audit", "", "Write the audit log CSV here")
	f.StringVarP(&runOpts.Out, "out", "o", "", "Write the resulting records JSON here instead of stdout")
	f.BoolVar(&runOpts.Save, "save", false, "Record the run in the history database")
	f.StringVar(&runOpts.DB, "db", "", "History database path (implies --save)")
	runCmd.MarkFlagRequired("mem")
}

func runApply(stdout io.Writer, opts runOptions) error {
	text, dslPath, err := policyText(opts.DSL)
	if err != nil {
		return err
	}
	recs, ctx, err := loadInputs(opts.Mem, opts.Ctx, opts.Event)
	if err != nil {
		return err
	}

	e := newEngine(text)
	out, counts := e.ApplyRulesCounted(recs, ctx)
	kind := store.KindApply
	if opts.Decay {
		out = e.Decay(out, ctx)
		kind = store.KindDecay
	}
	entries := e.Audit()

	logger.Info("run: rules applied",
		"policy", dslPath,
		"profile", e.Profile(),
		"records", len(out),
		"forgotten", counts.Forgotten,
		"reinforced", counts.Reinforced,
		"interfered", counts.Interfered,
		"shielded", counts.Shielded,
		"removed", counts.Removed,
		"audit", len(entries))

	if err := writeSnapshots(recs, out, entries, opts.Before, opts.After, opts.Audit); err != nil {
		return err
	}

	if opts.Save || opts.DB != "" {
		run := &store.Run{Kind: kind, Profile: string(e.Profile()), Policy: text, Context: ctx, Records: len(recs)}
		if err := saveRun(opts.DB, run, recs, out, entries); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "run %s saved\n", run.ID)
	}

	if opts.Out != "" {
		return report.WriteFile(opts.Out, func(w io.Writer) error { return records.Write(w, out) })
	}
	return records.Write(stdout, out)
}

func writeSnapshots(before, after []engine.Record, entries []audit.Entry, beforePath, afterPath, auditPath string) error {
	if beforePath != "" {
		if err := report.WriteFile(beforePath, func(w io.Writer) error {
			return report.WriteSnapshot(w, before, false)
		}); err != nil {
			return err
		}
	}
	if afterPath != "" {
		if err := report.WriteFile(afterPath, func(w io.Writer) error {
			return report.WriteSnapshot(w, after, true)
		}); err != nil {
			return err
		}
	}
	if auditPath != "" {
		if err := report.WriteFile(auditPath, func(w io.Writer) error {
			return report.WriteAudit(w, entries)
		}); err != nil {
			return err
		}
	}
	return nil
}

func saveRun(dbPath string, run *store.Run, before, after []engine.Record, entries []audit.Entry) error {
	db, err := openDB(dbPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	run.Source = "cli"
	if err := db.SaveRun(run, before, after, entries); err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}
