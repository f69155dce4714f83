package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lazypower/lethe/internal/engine"
	"github.com/lazypower/lethe/internal/store"
)

var retrieveOpts retrieveOptions

type retrieveOptions struct {
	Mem, Ctx, DSL, Event string
	Query                string
	TopK                 int
	Apply                bool
	JSON                 bool
	Save                 bool
	DB                   string
}

var retrieveCmd = &cobra.Command{
	Use:   "retrieve [query]",
	Short: "Rank memory records against a query",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := retrieveOpts
		if len(args) == 1 {
			opts.Query = args[0]
		}
		return runRetrieve(cmd.OutOrStdout(), opts)
	},
}

func init() {
	f := retrieveCmd.Flags()
	f.StringVar(&retrieveOpts.Mem, "mem", "", "Memory records file")
	f.StringVar(&retrieveOpts.Ctx, "ctx", "", "Context JSON (trust, event, now)")
	f.StringVar(&retrieveOpts.DSL, "dsl", "", "Policy file (defaults to engine.policy_path)")
	f.StringVar(&retrieveOpts.Event, "event", "", "Event name, overrides the context")
	f.StringVarP(&retrieveOpts.Query, "query", "q", "", "Query text")
	f.IntVarP(&retrieveOpts.TopK, "topk", "k", 0, "Maximum results (0 uses engine.topk, then the policy)")
	f.BoolVar(&retrieveOpts.Apply, "apply", false, "Apply the policy rules before ranking")
	f.BoolVar(&retrieveOpts.JSON, "json", false, "Print results as JSON")
	f.BoolVar(&retrieveOpts.Save, "save", false, "Record the run in the history database")
	f.StringVar(&retrieveOpts.DB, "db", "", "History database path (implies --save)")
	retrieveCmd.MarkFlagRequired("mem")
}

func runRetrieve(stdout io.Writer, opts retrieveOptions) error {
	if opts.Query == "" {
		return fmt.Errorf("a query is required")
	}
	text, _, err := policyText(opts.DSL)
	if err != nil {
		return err
	}
	recs, ctx, err := loadInputs(opts.Mem, opts.Ctx, opts.Event)
	if err != nil {
		return err
	}

	topk := opts.TopK
	if topk <= 0 && cfg != nil {
		topk = cfg.Engine.TopK
	}

	e := newEngine(text)
	ranked := recs
	if opts.Apply {
		ranked, _ = e.ApplyRulesCounted(recs, ctx)
	}
	results := e.Retrieve(ranked, opts.Query, topk, ctx)
	logger.Info("retrieve: ranked", "query", opts.Query, "records", len(recs), "results", len(results))

	if opts.Save || opts.DB != "" {
		run := &store.Run{
			Kind:    store.KindRetrieve,
			Profile: string(e.Profile()),
			Policy:  text,
			Context: ctx,
			Query:   opts.Query,
			Records: len(recs),
		}
		var after []engine.Record
		if opts.Apply {
			after = ranked
		}
		if err := saveRun(opts.DB, run, recs, after, e.Audit()); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "run %s saved\n", run.ID)
	}

	if opts.JSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"query":   opts.Query,
			"count":   len(results),
			"results": results,
		})
	}
	return writeResults(stdout, results)
}

func writeResults(w io.Writer, results []engine.Result) error {
	if len(results) == 0 {
		_, err := fmt.Fprintln(w, "No matching memories.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RANK\tID\tSCORE\tWEIGHT\tRELEVANCE\tTOPIC\tTEXT")
	for i, r := range results {
		fmt.Fprintf(tw, "%d\t%s\t%.4f\t%.4f\t%.4f\t%s\t%s\n",
			i+1, r.Record.ID, r.Score, r.Why.DecayedWeight, r.Why.Relevance, r.Record.Topic, truncate(r.Record.Text, 60))
	}
	return tw.Flush()
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-3]) + "..."
}
