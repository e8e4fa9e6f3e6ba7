package main

import (
	"context"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/jakechorley/escort-dispatch/cmd/cli/commands"
	"github.com/jakechorley/escort-dispatch/internal/config"
	"github.com/jakechorley/escort-dispatch/pkg/clients/calendarclient"
	"github.com/jakechorley/escort-dispatch/pkg/clients/gmailclient"
	"github.com/jakechorley/escort-dispatch/pkg/clients/sheetsclient"
	"github.com/jakechorley/escort-dispatch/pkg/core/assignment"
	"github.com/jakechorley/escort-dispatch/pkg/core/model"
	"github.com/jakechorley/escort-dispatch/pkg/core/notify"
	"github.com/jakechorley/escort-dispatch/pkg/core/reconcile"
	"github.com/jakechorley/escort-dispatch/pkg/core/services"
	"github.com/jakechorley/escort-dispatch/pkg/core/tokens"
	"github.com/jakechorley/escort-dispatch/pkg/db"
	"github.com/jakechorley/escort-dispatch/pkg/lock"
	"github.com/jakechorley/escort-dispatch/pkg/postgres"
	"github.com/jakechorley/escort-dispatch/pkg/sheetssql"
	"github.com/jakechorley/escort-dispatch/pkg/utils"
	"github.com/jakechorley/escort-dispatch/pkg/utils/logging"
)

var (
	env      string
	app      = &commands.AppContext{}
	closers  []func()
	jsonLogs bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Escort dispatch CLI - assign riders and reconcile their replies",
		Long:  `A CLI and HTTP service for assigning escort riders to requests, issuing confirmation links and reconciling rider responses.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initApp(cmd.Name() != "serve")
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			for i := len(closers) - 1; i >= 0; i-- {
				closers[i]()
			}
			if app.Logger != nil {
				app.Logger.Sync()
			}
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&env, "env", "e", "", "Environment (required: test, prod, etc.)")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "Write console logs as JSON")
	rootCmd.MarkPersistentFlagRequired("env")

	rootCmd.AddCommand(commands.ServeCmd(app))
	rootCmd.AddCommand(commands.AssignCmd(app))
	rootCmd.AddCommand(commands.UnassignCmd(app))
	rootCmd.AddCommand(commands.IssueLinksCmd(app))
	rootCmd.AddCommand(commands.SuggestRidersCmd(app))
	rootCmd.AddCommand(commands.CancelRequestCmd(app))
	rootCmd.AddCommand(commands.CompleteRequestCmd(app))
	rootCmd.AddCommand(commands.DeleteRequestCmd(app))
	rootCmd.AddCommand(commands.IngestCmd(app))
	rootCmd.AddCommand(commands.PollInboxCmd(app))
	rootCmd.AddCommand(commands.ViewResponsesCmd(app))
	rootCmd.AddCommand(commands.PurgeTokensCmd(app))
	rootCmd.AddCommand(commands.MigrateCmd(app))
	rootCmd.AddCommand(commands.InteractiveCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// initApp sets up logger, config, clients, store and the dispatch components.
// interactive allows the OAuth browser flow when no token is stored.
func initApp(interactive bool) error {
	var err error
	app.Ctx = context.Background()

	var logOpts []logging.Option
	if jsonLogs {
		logOpts = append(logOpts, logging.WithJSONConsole())
	}
	app.Logger, err = logging.InitLogger(env, logOpts...)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger := app.Logger
	logger.Info("Starting application", zap.String("environment", env))

	logger.Info("Loading configuration")
	app.Cfg, err = config.LoadWithEnv(env)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg := app.Cfg
	logger.Debug("Configuration loaded successfully", zap.String("backend", cfg.Backend))

	locker, err := newLocker(cfg, logger)
	if err != nil {
		return err
	}

	// Google APIs share one OAuth token
	var ts oauth2.TokenSource
	if cfg.Backend == "sheets" || cfg.GmailSender != "" || cfg.CalendarID != "" {
		logger.Info("Loading OAuth client configuration")
		oauthCfg, err := config.LoadOAuthClientWithEnv(env)
		if err != nil {
			return fmt.Errorf("failed to load OAuth client config: %w", err)
		}
		logger.Debug("OAuth client loaded", zap.String("project_id", oauthCfg.Credentials().ProjectID))
		googleCfg, err := utils.GetOAuthConfig(oauthCfg)
		if err != nil {
			return err
		}
		ts, err = utils.NewTokenSource(app.Ctx, googleCfg, env, interactive)
		if err != nil {
			return fmt.Errorf("failed to obtain OAuth token: %w", err)
		}
	}

	logger.Info("Initializing database schema")
	schema, err := db.NewSchema()
	if err != nil {
		return fmt.Errorf("failed to create database schema: %w", err)
	}
	logger.Debug("Database schema created", zap.Int("tables", len(schema.Tables)))

	switch cfg.Backend {
	case "sheets":
		sheetsClient, err := sheetsclient.NewClient(app.Ctx, ts)
		if err != nil {
			return fmt.Errorf("failed to create sheets client: %w", err)
		}
		logger.Info("Connecting to database", zap.String("spreadsheet_id", cfg.DatabaseSheetID))
		ssqlDB, err := sheetssql.NewDB(sheetsClient, cfg.DatabaseSheetID, schema)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		app.Store = db.NewDB(ssqlDB, locker, logger)
	case "postgres":
		logger.Info("Connecting to postgres")
		pg, err := postgres.NewDB(app.Ctx, cfg.PostgresURL, schema, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		closers = append(closers, pg.Close)
		app.Store = pg
		app.Migrate = pg.RunMigrations
	default:
		logger.Warn("Using in-memory store, nothing will be persisted")
		app.Store = db.NewMemoryStore(schema)
	}
	logger.Info("Database initialized successfully")

	var notifier notify.Notifier = notify.NopNotifier{}
	var gmailClient *gmailclient.Client
	if cfg.GmailSender != "" {
		logger.Info("Initializing gmail client")
		gmailClient, err = gmailclient.NewClient(app.Ctx, ts, cfg.GmailUserID, cfg.GmailSender)
		if err != nil {
			return fmt.Errorf("failed to create gmail client: %w", err)
		}
		notifier = notify.NewGmailNotifier(gmailClient)
	}

	var calendar notify.CalendarMirror = notify.NopCalendar{}
	if cfg.CalendarID != "" {
		logger.Info("Initializing calendar client")
		calendarClient, err := calendarclient.NewClient(app.Ctx, ts, cfg.CalendarID)
		if err != nil {
			return fmt.Errorf("failed to create calendar client: %w", err)
		}
		calendar = notify.NewGoogleCalendar(calendarClient)
	}

	loc := cfg.Location()
	tokenService := tokens.NewService(app.Store, locker, cfg.ConfirmBaseURL, cfg.TokenTTL, logger)
	engine := assignment.NewEngine(app.Store, locker, tokenService, assignment.Config{
		Location:            loc,
		PartialStatus:       model.RequestStatus(cfg.PartialAssignmentStatus),
		NotificationTimeout: cfg.NotificationTimeout,
		Blackouts:           cfg.BlackoutRules,
	}, logger, assignment.WithNotifier(notifier), assignment.WithCalendar(calendar))
	reconciler := reconcile.NewReconciler(app.Store, locker, reconcile.Config{
		Location:     loc,
		DedupeWindow: cfg.DedupeWindow,
	}, logger)

	app.Dispatcher = services.NewDispatcher(engine, tokenService, reconciler, logger)
	if gmailClient != nil {
		app.Dispatcher.WithInbox(gmailClient, services.InboxConfig{Query: cfg.InboxQuery})
	}

	return nil
}

// newLocker returns a Redis locker when redisAddr is configured, otherwise an in-process one
func newLocker(cfg *config.Config, logger *zap.Logger) (lock.Locker, error) {
	if cfg.RedisAddr == "" {
		return lock.NewLocalLocker(cfg.LockWait), nil
	}

	logger.Info("Connecting to redis", zap.String("addr", cfg.RedisAddr))
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := client.Ping(app.Ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	closers = append(closers, func() { _ = client.Close() })

	locker, err := lock.NewRedisLocker(client, lock.RedisOptions{
		TTL:  cfg.LockTTL,
		Wait: cfg.LockWait,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create redis locker: %w", err)
	}
	return locker, nil
}
