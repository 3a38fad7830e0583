package cmd

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
	"go.uber.org/zap"

	"github.com/terraconstructs/authbridge/cmd/authbridge/cmd/cmdutil"
	"github.com/terraconstructs/authbridge/internal/middleware"
	"github.com/terraconstructs/authbridge/internal/migrations"
	"github.com/terraconstructs/authbridge/internal/ratelimit"
	"github.com/terraconstructs/authbridge/internal/server"
	"github.com/terraconstructs/authbridge/internal/telemetry"
)

var (
	secureCookies bool
	purgeInterval time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the authbridge HTTP server",
	Long:  `Starts the HTTP server with the legacy /auth routes, the IAM /iam routes and the shared /api routes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		shutdownTelemetry, err := telemetry.Init(ctx, cfg.Observability, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := shutdownTelemetry(context.Background()); err != nil {
				logger.Warn("telemetry shutdown", zap.Error(err))
			}
		}()

		stack, err := cmdutil.NewStack(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer stack.Close()
		logger.Info("connected to database")

		if migrations.IsSQLite(stack.DB) {
			group, err := migrations.Apply(ctx, stack.DB)
			if err != nil {
				return fmt.Errorf("auto-migrate sqlite: %w", err)
			}
			if group != 0 {
				logger.Info("applied migrations", zap.Int64("group", group))
			}
		}

		limiter := ratelimit.New(ratelimit.WithLogger(logger.Named("ratelimit")))
		policy := limiter.Configure(cfg.RateLimit)
		logger.Info("rate limiter configured",
			zap.Stringer("state", policy.State),
			zap.Int("max", policy.Max),
			zap.Duration("window", policy.Window),
		)
		limiter.Start(ctx)
		defer limiter.Stop()

		resolver, err := middleware.NewCredentialResolver(middleware.ResolverDependencies{
			IAM:     stack.IAM,
			Mapper:  stack.Mapper,
			Logger:  logger.Named("resolver"),
			Metrics: stack.Metrics,
		})
		if err != nil {
			return err
		}

		router := server.NewRouter(server.RouterOptions{
			Users:         stack.Users,
			IAM:           stack.IAM,
			AccountSync:   stack.Sync,
			Tokens:        stack.Tokens,
			Resolver:      resolver,
			Limiter:       limiter,
			Logger:        logger.Named("http"),
			SecureCookies: secureCookies,
		})

		go purgeSessions(ctx, stack, purgeInterval)

		srv := &http.Server{
			Addr:         cfg.ServerAddr,
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		}

		serverErrors := make(chan error, 1)
		go func() {
			logger.Info("starting server", zap.String("addr", cfg.ServerAddr))
			serverErrors <- srv.ListenAndServe()
		}()

		shutdown := make(chan os.Signal, 1)
		signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

		select {
		case err := <-serverErrors:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("server error: %w", err)

		case sig := <-shutdown:
			logger.Info("shutting down gracefully", zap.Stringer("signal", sig))

			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancelShutdown()

			if err := srv.Shutdown(shutdownCtx); err != nil {
				srv.Close()
				return fmt.Errorf("graceful shutdown failed: %w", err)
			}
			logger.Info("server stopped")
			return nil
		}
	},
}

// purgeSessions deletes expired IAM sessions until ctx is cancelled.
func purgeSessions(ctx context.Context, stack *cmdutil.Stack, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n, err := stack.IAM.PurgeExpiredSessions(ctx)
			if err != nil {
				logger.Error("purge expired sessions", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("purged expired sessions", zap.Int64("count", n))
			}
		case <-ctx.Done():
			return
		}
	}
}

func init() {
	serveCmd.Flags().BoolVar(&secureCookies, "secure-cookies", false, "Always mark issued cookies Secure")
	serveCmd.Flags().DurationVar(&purgeInterval, "session-purge-interval", time.Hour, "How often expired IAM sessions are deleted (0 disables)")
	rootCmd.AddCommand(serveCmd)
}
