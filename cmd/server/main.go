package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/visual-orchestrator/internal/api"
	"github.com/example/visual-orchestrator/internal/config"
	"github.com/example/visual-orchestrator/internal/logging"
)

var (
	configPath string
	logger     *zap.Logger
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "server",
	Short: "Conversational visual task orchestrator",
	Long: `server classifies chat utterances into visual tasks, asks for confirmation
when unsure, and runs confirmed tasks on the fast or durable backend.

Task state lives in the conversation log, so a restarted server picks up
where the previous one stopped.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		logger, err = logging.New(cfg.Log)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Resume pending tasks and serve the HTTP API",
	RunE:  runServe,
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Settle tasks left running by a previous process and exit",
	RunE:  runReconcile,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML config file")
	rootCmd.AddCommand(serveCmd, reconcileCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	// Settle what the previous process left running before taking requests,
	// so task lookups and request keys see the full log.
	if _, err := a.svc.Resume(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return fmt.Errorf("resume: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr: cfg.Server.Addr,
		Handler: api.New(a.svc, api.Options{
			AutoDispatch: cfg.Server.AutoDispatch,
			AllowOrigins: cfg.Server.AllowOrigins,
			Heartbeat:    15 * time.Second,
		}, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// Requests end with the process; event streams close and in-flight
		// dispatches stay Running for the next resume.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", cfg.Server.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	return nil
}

func runReconcile(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Only settle what was running; queued work waits for the server.
	cfg.Server.AutoDispatch = false
	a, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	rep, err := a.svc.Resume(ctx)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "records:    %d (%d degraded)\n", rep.Hydrated, rep.Degraded)
	fmt.Fprintf(out, "suggested:  %d\n", len(rep.Suggested))
	fmt.Fprintf(out, "confirmed:  %d\n", len(rep.Confirmed))
	fmt.Fprintf(out, "reconciled: %d\n", len(rep.Reconciled))
	for _, t := range rep.Reconciled {
		fmt.Fprintf(out, "  %s  %-9s %s\n", t.ID, t.State, t.ChosenBackend)
	}
	fmt.Fprintf(out, "unsettled:  %d\n", len(rep.Unsettled))
	for _, t := range rep.Unsettled {
		fmt.Fprintf(out, "  %s  %s\n", t.ID, t.ChosenBackend)
	}
	return nil
}
