package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/lazypower/lethe/internal/config"
	"github.com/lazypower/lethe/internal/engine"
	"github.com/lazypower/lethe/internal/logging"
	"github.com/lazypower/lethe/internal/records"
	"github.com/lazypower/lethe/internal/store"
)

var (
	configPath string
	profileArg string
	logLevel   string

	cfg    *config.Config
	logger = slog.New(slog.NewTextHandler(io.Discard, nil))
)

var rootCmd = &cobra.Command{
	Use:   "lethe",
	Short: "Rule-driven forgetting and reinforcement for memory records",
	Long: "Lethe applies a retention policy to memory records: emotion-tagged time decay, " +
		"trust-based forgetting, event reinforcement, interference, expiry and pinning, " +
		"then ranks records for a query. Every weight change is audited.",
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (yaml or json)")
	rootCmd.PersistentFlags().StringVar(&profileArg, "profile", "", "Engine profile: simple or strict")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(retrieveCmd)
	rootCmd.AddCommand(policyCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runsCmd)
}

// loadConfig layers defaults, the config file, LETHE_* env and the global
// flags, then builds the logger.
func loadConfig(cmd *cobra.Command, args []string) error {
	overrides := map[string]any{}
	if profileArg != "" {
		overrides["engine.profile"] = profileArg
	}
	if logLevel != "" {
		overrides["log.level"] = logLevel
	}
	loaded, err := config.Load(configPath, overrides)
	if err != nil {
		return err
	}
	cfg = loaded
	logger = logging.New(cfg.Log)
	return nil
}

func activeProfile() engine.Profile {
	if cfg == nil {
		return engine.ProfileSimple
	}
	p, err := engine.ParseProfile(cfg.Engine.Profile)
	if err != nil {
		return engine.ProfileSimple
	}
	return p
}

// policyText reads the DSL from path, falling back to the configured
// policy file. No file at all means an empty policy.
func policyText(path string) (string, string, error) {
	if path == "" && cfg != nil {
		path = cfg.Engine.PolicyPath
	}
	if path == "" {
		return "", "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", path, fmt.Errorf("read policy %s: %w", path, err)
	}
	return string(data), path, nil
}

func newEngine(text string) *engine.Engine {
	return engine.New(text, engine.WithProfile(activeProfile()), engine.WithLogger(logger))
}

// loadInputs reads the memory batch and context files for one command.
func loadInputs(memPath, ctxPath, event string) ([]engine.Record, engine.Context, error) {
	ctx, err := records.LoadContext(ctxPath)
	if err != nil {
		return nil, ctx, err
	}
	if event != "" {
		ctx.Event = event
	}
	now := ctx.Now
	if now.IsZero() {
		now = time.Now()
	}
	recs, stats, err := records.Load(memPath, activeProfile().DefaultWeight(), now)
	if err != nil {
		return nil, ctx, err
	}
	if stats.Skipped > 0 {
		logger.Warn("records: skipped malformed entries", "path", memPath, "skipped", stats.Skipped)
	}
	logger.Debug("records: loaded", "path", memPath, "records", stats.Records)
	return recs, ctx, nil
}

// openDB opens the run history database: the flag value, else the
// configured path, else ~/.lethe/lethe.db.
func openDB(path string) (*store.DB, error) {
	if path == "" && cfg != nil {
		path = cfg.Database.Path
	}
	if path == "" {
		var err error
		path, err = store.DefaultDBPath()
		if err != nil {
			return nil, err
		}
	}
	return store.Open(path)
}
