package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cwbudde/sofasweep/internal/server"
	"github.com/cwbudde/sofasweep/internal/store"
)

var (
	serveAddr       string
	shutdownTimeout time.Duration
	serveNoPersist  bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start HTTP server",
	Long: `Starts an HTTP server that runs optimization jobs in the background.

Endpoints:
  POST   /api/v1/jobs                create a job
  GET    /api/v1/jobs                list jobs
  GET    /api/v1/jobs/:id            job status and history
  DELETE /api/v1/jobs/:id            cancel a job
  GET    /api/v1/jobs/:id/stream     progress as server-sent events
  GET    /api/v1/jobs/:id/best.png   rendering of the best trajectory
  GET    /api/v1/jobs/:id/frame.png  last evaluated frame
  GET    /metrics                    Prometheus metrics`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8080", "Listen address")
	serveCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 10*time.Second, "Grace period for running jobs on shutdown")
	serveCmd.Flags().BoolVar(&serveNoPersist, "no-persist", false, "Do not store checkpoints of completed jobs")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	var runStore store.Store
	if !serveNoPersist {
		fs, err := store.NewFSStore(dataDir)
		if err != nil {
			return fmt.Errorf("failed to create run store: %w", err)
		}
		runStore = fs
	}

	srv := server.NewServer(serveAddr, runStore)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	slog.Info("Server stopped", "error", err)
	return err
}
