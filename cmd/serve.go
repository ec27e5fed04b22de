package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/campus-crawler/internal/api"
	"github.com/JakeFAU/campus-crawler/internal/coordinator"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the operator HTTP API",
		Long: `Serves job control, status and Prometheus metrics over HTTP. Jobs started
through the API run in this process until they finish or the server stops.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	logger := a.Logger

	var apiKey string
	if a.Config.Auth.Enabled {
		apiKey = a.Config.Auth.APIKey
	}
	apiServer := api.NewServer(ctx, a.Coordinator, api.Options{
		APIKey: apiKey,
		Defaults: coordinator.JobParams{
			WorkerCount: a.Config.Job.WorkerCount,
			MaxDepth:    a.Config.Job.MaxDepth,
			FreshStart:  a.Config.Job.FreshStart,
		},
	}, logger)

	srv := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(a.Config.Server.Port)),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server started", zap.Int("port", a.Config.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}
	logger.Info("shutdown initiated")
	shutdownCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	cancel()
	apiServer.Wait()
	logger.Info("shutdown complete")
	if serveErr != nil {
		return fmt.Errorf("http server: %w", serveErr)
	}
	return nil
}
