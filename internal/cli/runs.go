package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/lazypower/lethe/internal/records"
	"github.com/lazypower/lethe/internal/report"
	"github.com/lazypower/lethe/internal/store"
)

var (
	runsDB    string
	runsLimit int
	showAudit string
	showAfter bool
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recorded runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB(runsDB)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer db.Close()
		return listRuns(cmd.OutOrStdout(), db, runsLimit)
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print the records of a recorded run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB(runsDB)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer db.Close()
		return showRun(cmd.OutOrStdout(), db, args[0], showAfter, showAudit)
	},
}

var runsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a recorded run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB(runsDB)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer db.Close()
		if err := db.DeleteRun(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
		return nil
	},
}

var pruneKeep int

var runsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete all but the most recent runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB(runsDB)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer db.Close()
		n, err := db.PruneRuns(pruneKeep)
		if err != nil {
			return err
		}
		logger.Info("runs: pruned", "deleted", n, "kept", pruneKeep)
		fmt.Fprintf(cmd.OutOrStdout(), "pruned %d runs\n", n)
		return nil
	},
}

func init() {
	runsCmd.PersistentFlags().StringVar(&runsDB, "db", "", "History database path")
	runsCmd.Flags().IntVarP(&runsLimit, "limit", "n", 20, "Number of runs to list")
	runsShowCmd.Flags().BoolVar(&showAfter, "after", true, "Print the output snapshot (false prints the input)")
	runsShowCmd.Flags().StringVar(&showAudit, "audit", "", "Write the run's audit log CSV here")
	runsCmd.AddCommand(runsShowCmd)
	runsPruneCmd.Flags().IntVar(&pruneKeep, "keep", 100, "Number of runs to keep")
	runsCmd.AddCommand(runsDeleteCmd)
	runsCmd.AddCommand(runsPruneCmd)
}

func listRuns(w io.Writer, db *store.DB, limit int) error {
	runs, err := db.ListRuns(limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		_, err := fmt.Fprintln(w, "No runs recorded.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tSOURCE\tPROFILE\tRECORDS\tAUDIT\tCREATED")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			r.ID, r.Kind, r.Source, r.Profile, r.Records, r.AuditCount, r.CreatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func showRun(w io.Writer, db *store.DB, id string, after bool, auditPath string) error {
	if _, err := db.GetRun(id); err != nil {
		return err
	}
	phase := store.PhaseBefore
	if after {
		phase = store.PhaseAfter
	}
	recs, err := db.GetSnapshot(id, phase)
	if err != nil {
		return err
	}
	if auditPath != "" {
		entries, err := db.GetAudit(id)
		if err != nil {
			return err
		}
		if err := report.WriteFile(auditPath, func(w io.Writer) error {
			return report.WriteAudit(w, entries)
		}); err != nil {
			return err
		}
	}
	return records.Write(w, recs)
}
