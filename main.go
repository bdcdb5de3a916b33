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
	"github.com/slack-go/slack"
	"github.com/spf13/cobra"

	"issue-assign-bot/config"
	"issue-assign-bot/handlers"
	"issue-assign-bot/services"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "issue-assign-bot",
		Short: "GitHub issue assignment bot",
		Long: `issue-assign-bot handles /assign, /unassign and /extend comment commands,
caps concurrent assignments per user, queues overflow claims and expires overdue assignments.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app は設定から組み立てたプロセス全体の依存
type app struct {
	cfg         *config.Config
	logger      *services.SlogLogger
	maintainers *config.Maintainers
	mappings    *services.UserMappings
	registry    *prometheus.Registry
	bot         *services.Bot
}

func newApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger := services.NewTextLogger(os.Stderr, cfg.LogLevel)

	db, err := services.OpenStore(cfg.DatabasePath, logger)
	if err != nil {
		return nil, err
	}
	if err := services.Migrate(db); err != nil {
		return nil, err
	}

	if cfg.GitHubToken == "" {
		logger.Warn("GITHUB_TOKEN is not set; tracker calls will be unauthenticated")
	}
	tracker := services.NewGitHubTracker(services.NewGitHubClient(cfg.GitHubToken, cfg.TrackerTimeout))

	mappings := services.NewUserMappings(db)

	var notifier services.Notifier = services.NopNotifier{}
	if cfg.SlackEnabled() {
		slackNotifier := services.NewSlackNotifier(slack.New(cfg.SlackBotToken), cfg.SlackChannelID, mappings)
		notifier = services.CheckNotifierChannel(context.Background(), slackNotifier, logger)
	}

	registry := prometheus.NewRegistry()
	maintainers := config.NewMaintainers(cfg.Policy.Maintainers)

	bot := services.NewBot(services.Deps{
		DB:            db,
		Tracker:       tracker,
		Notifier:      notifier,
		Metrics:       services.NewPrometheusMetrics(registry, "assignbot"),
		Logger:        logger,
		Policy:        cfg.Policy,
		Maintainers:   maintainers,
		SweepInterval: cfg.SweepInterval,
	})

	return &app{
		cfg:         cfg,
		logger:      logger,
		maintainers: maintainers,
		mappings:    mappings,
		registry:    registry,
		bot:         bot,
	}, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server and the periodic sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			go a.bot.Scheduler.Run(ctx)

			if a.cfg.PolicyPath != "" {
				go func() {
					err := config.WatchPolicy(ctx, a.cfg.PolicyPath, a.maintainers,
						func(p config.Policy) {
							a.logger.Info("policy reloaded", "maintainers", len(p.Maintainers))
						},
						func(err error) {
							a.logger.Warn("policy reload failed", "error", err)
						})
					if err != nil {
						a.logger.Error("policy watcher stopped", "error", err)
					}
				}()
			}

			gin.SetMode(gin.ReleaseMode)
			router := handlers.NewRouter(handlers.RouterDeps{
				Bot:                a.bot,
				Mappings:           a.mappings,
				WebhookSecret:      a.cfg.WebhookSecret,
				SlackSigningSecret: a.cfg.SlackSecret,
				AdminToken:         a.cfg.AdminToken,
				Gatherer:           a.registry,
				Logger:             a.logger,
			})

			srv := &http.Server{
				Addr:              ":" + a.cfg.Port,
				Handler:           router,
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				a.logger.Info("server started", "port", a.cfg.Port)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("server error: %w", err)
				}
				return nil
			case <-ctx.Done():
			}

			a.logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one expiry and queue sweep, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}

			report := a.bot.Scheduler.Sweep(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "expired=%d stale=%d failed=%d admitted=%d requeued=%d purged=%d deferred=%d blocks_purged=%d\n",
				report.Expired, report.Stale, report.ExpiryFailed,
				report.Drain.Admitted, report.Drain.Requeued, report.Drain.Purged, report.Drain.Deferred,
				report.BlocksPurged)
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := services.NewTextLogger(os.Stderr, cfg.LogLevel)
			db, err := services.OpenStore(cfg.DatabasePath, logger)
			if err != nil {
				return err
			}
			if err := services.Migrate(db); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "migrated %s\n", cfg.DatabasePath)
			return nil
		},
	}
}
