package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lazypower/lethe/internal/config"
	"github.com/lazypower/lethe/internal/metrics"
	"github.com/lazypower/lethe/internal/server"
	"github.com/lazypower/lethe/internal/store"
)

var (
	serveDSL     string
	serveDB      string
	serveNoWatch bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveDSL, "dsl", "", "Policy file (defaults to engine.policy_path)")
	serveCmd.Flags().StringVar(&serveDB, "db", "", "Run history database (defaults to database.path; empty disables history)")
	serveCmd.Flags().BoolVar(&serveNoWatch, "no-watch", false, "Do not reload the policy file on change")
}

func runServe(cmd *cobra.Command, args []string) error {
	text, dslPath, err := policyText(serveDSL)
	if err != nil {
		return err
	}

	m := metrics.New()
	opts := []server.Option{
		server.WithProfile(activeProfile()),
		server.WithTopK(cfg.Engine.TopK),
		server.WithMetrics(m),
		server.WithLogger(logger),
		server.WithRateLimit(cfg.Server.RateLimit, cfg.Server.Burst),
	}

	dbPath := serveDB
	if dbPath == "" {
		dbPath = cfg.Database.Path
	}
	if dbPath != "" {
		db, err := store.Open(dbPath)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()
		opts = append(opts, server.WithStore(db))
	}

	srv := server.New(text, VersionString(), opts...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if dslPath != "" && cfg.Watch.Enabled && !serveNoWatch {
		w, err := config.NewPolicyWatcher(dslPath,
			config.WithDebounce(cfg.Watch.Debounce),
			config.WithWatchLogger(logger))
		if err != nil {
			return fmt.Errorf("watch policy: %w", err)
		}
		defer w.Stop()
		w.OnChange(func(text string) { srv.SetPolicy(text, "watch") })
		go func() {
			if err := w.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("watcher stopped", "err", err)
			}
		}()
	}

	addr := cfg.ListenAddr()
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "lethe serving on %s\n", addr)
		fmt.Fprintf(os.Stderr, "  profile: %s\n", activeProfile())
		if dslPath != "" {
			fmt.Fprintf(os.Stderr, "  policy: %s\n", dslPath)
		}
		if dbPath != "" {
			fmt.Fprintf(os.Stderr, "  db: %s\n", dbPath)
		}
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	fmt.Fprintln(os.Stderr, "\nshutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
