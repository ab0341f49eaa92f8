package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jmerrifield20/ipwbridge/internal/bridge"
	"github.com/jmerrifield20/ipwbridge/pkg/client"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the REST bridge in front of the IPW API",
	Long: `serve exposes the IPW API over plain REST on bridge.port. Callers never
see the checksum secret; one session token is shared by every request.

Protect /api/v1 with HS256 Bearer tokens by setting bridge.jwt_secret.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().Int("port", 0, "listen port (default bridge.port)")
	_ = v.BindPFlag("bridge.port", serveCmd.Flags().Lookup("port"))
}

func runServe(cmd *cobra.Command, args []string) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	c, err := newClient(client.WithMetrics(client.NewMetrics(reg)))
	if err != nil {
		return err
	}

	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	if cfg.Bridge.JWTSecret == "" {
		logger.Warn("bridge.jwt_secret is empty; /api/v1 is unauthenticated")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	router := bridge.NewRouter(c, bridge.Options{
		CORSOrigins:  cfg.Bridge.CORSOrigins,
		RateLimitRPS: cfg.Bridge.RateLimitRPS,
		JWTSecret:    cfg.Bridge.JWTSecret,
		Registry:     reg,
		Done:         ctx.Done(),
	}, logger)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Bridge.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("bridge HTTP listening", zap.Int("port", cfg.Bridge.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down bridge...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}
	logger.Info("bridge stopped")
	return nil
}
