package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/lazypower/lethe/internal/audit"
	"github.com/lazypower/lethe/internal/policy"
	"github.com/lazypower/lethe/internal/report"
)

var (
	policyDSL   string
	policyAudit string
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Parse a policy file and print its normalized form",
	Long: "Parse the DSL, print the canonical policy to stdout and a summary to stderr. " +
		"Lines the parser did not understand are listed in the parse audit.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPolicy(cmd.OutOrStdout(), os.Stderr, policyDSL, policyAudit)
	},
}

func init() {
	policyCmd.Flags().StringVar(&policyDSL, "dsl", "", "Policy file (defaults to engine.policy_path)")
	policyCmd.Flags().StringVar(&policyAudit, "audit", "", "Write the parse audit CSV here")
}

func runPolicy(stdout, stderr io.Writer, dslPath, auditPath string) error {
	text, path, err := policyText(dslPath)
	if err != nil {
		return err
	}
	if path == "" {
		return fmt.Errorf("no policy file: pass --dsl or set engine.policy_path")
	}

	e := newEngine(text)
	p := e.Policy()
	entries := e.Audit()

	if _, err := io.WriteString(stdout, policy.Format(p)); err != nil {
		return err
	}

	unknown := 0
	for _, entry := range entries {
		if entry.Type == audit.TypeParseUnknown {
			unknown++
		}
	}
	fmt.Fprintf(stderr, "%s: %d emotions, %d rules, %d unknown lines\n",
		path, len(p.Emotions()), len(p.Rules()), unknown)

	if auditPath != "" {
		return report.WriteFile(auditPath, func(w io.Writer) error {
			return report.WriteAudit(w, entries)
		})
	}
	return nil
}
