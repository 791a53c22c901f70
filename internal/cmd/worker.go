package cmd

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/spf13/cobra"

	"github.com/jdziat/docpipe/internal/server"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a worker with the HTTP API and metrics",
	Long: `Claim and run ingest-document and detect-connections jobs until
interrupted. In-flight jobs stop at their next checkpoint boundary on
shutdown and resume on the next run.

The HTTP API (health, metrics, job status and pause/resume) listens on
server.addr unless --no-http is given.`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
	workerCmd.Flags().Int("concurrency", 0, "Jobs run at once (overrides worker.concurrency)")
	workerCmd.Flags().StringSlice("types", nil, "Job types to claim (default: all registered)")
	workerCmd.Flags().String("http", "", "HTTP listen address (overrides server.addr)")
	workerCmd.Flags().Bool("no-http", false, "Do not start the HTTP API")
}

func runWorker(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if n, _ := cmd.Flags().GetInt("concurrency"); n > 0 {
		cfg.Worker.Concurrency = n
	}
	if types, _ := cmd.Flags().GetStringSlice("types"); len(types) > 0 {
		cfg.Worker.Types = types
	}
	if addr, _ := cmd.Flags().GetString("http"); addr != "" {
		cfg.Server.Addr = addr
	}
	noHTTP, _ := cmd.Flags().GetBool("no-http")

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	w, err := a.NewWorker()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup

	if a.Metrics != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.Metrics.Start(ctx)
		}()
	}

	if !noHTTP && cfg.Server.Addr != "" {
		opts := []server.Option{server.WithLogger(logger)}
		if a.Metrics != nil {
			opts = append(opts, server.WithMetrics(a.Metrics.Handler()))
		}
		srv := &http.Server{
			Addr:         cfg.Server.Addr,
			Handler:      server.New(a.Queue, a.Store, opts...).Handler(),
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info("http api listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http api stopped", "error", err)
				cancel()
			}
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-ctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer done()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	err = w.Start(ctx)
	cancel()
	wg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
