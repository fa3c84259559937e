package main

import (
	"context"
	crypto_rand "crypto/rand"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/radiologia/ocorrencias/internal/config"
	"github.com/radiologia/ocorrencias/internal/domain/occurrence"
	"github.com/radiologia/ocorrencias/internal/platform/auth"
	"github.com/radiologia/ocorrencias/internal/platform/blobstore"
	"github.com/radiologia/ocorrencias/internal/platform/db"
	"github.com/radiologia/ocorrencias/internal/platform/middleware"
	"github.com/radiologia/ocorrencias/internal/platform/reporting"
	"github.com/radiologia/ocorrencias/internal/platform/telemetry"
	"github.com/radiologia/ocorrencias/internal/platform/webhook"
	"github.com/radiologia/ocorrencias/migrations"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:          "ocorrencias-server",
		Short:        "Occurrence lifecycle and compliance API server",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(rulesCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the occurrence API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func newLogger() zerolog.Logger {
	if os.Getenv("ENV") == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// openPool loads config and connects for the postgres-only admin commands.
func openPool(ctx context.Context) (*pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cfg.StoreDriver != config.DriverPostgres {
		return nil, fmt.Errorf("command requires STORE_DRIVER=%s, got %q", config.DriverPostgres, cfg.StoreDriver)
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run tenant schema migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")
			schema := db.SchemaFor(tenant)

			ctx := context.Background()
			pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, migrations.FS)
			fmt.Printf("Running migrations on schema: %s\n", schema)

			count, err := migrator.Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("tenant", "default", "Tenant whose schema is migrated")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")
			schema := db.SchemaFor(tenant)

			ctx := context.Background()
			pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, migrations.FS)
			statuses, err := migrator.Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", schema)
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("tenant", "default", "Tenant whose schema is inspected")
	cmd.AddCommand(statusCmd)

	return cmd
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage clinics (tenants)",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a tenant schema and apply migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}

			ctx := context.Background()
			pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Printf("Creating tenant schema: %s\n", db.SchemaFor(name))
			if err := db.CreateTenantSchema(ctx, pool, name, migrations.FS); err != nil {
				return err
			}
			fmt.Println("Tenant created successfully.")
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Tenant identifier (alphanumeric)")

	cmd.AddCommand(createCmd)
	return cmd
}

func rulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect outcome compliance rules",
	}

	checkCmd := &cobra.Command{
		Use:   "check [file]",
		Short: "Validate an outcome rules TOML file (embedded table when omitted)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			rules, err := occurrence.LoadRules(path)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-28s %-12s %-6s %s\n", "TYPE", "NOTIFICATION", "CAPA", "LABEL")
			for _, r := range rules.Rules() {
				fmt.Fprintf(out, "%-28s %-12t %-6t %s\n", r.Type, r.RequiresExternalNotification, r.RequiresCapa, r.Label)
			}
			fmt.Fprintf(out, "%d outcome type(s) OK\n", len(rules.Rules()))
			return nil
		},
	}

	cmd.AddCommand(checkCmd)
	return cmd
}

// storeBackend is the repository plus the pieces of the HTTP stack that
// depend on which database is in use.
type storeBackend struct {
	repo   occurrence.Repository
	tenant echo.MiddlewareFunc
	health echo.HandlerFunc
	close  func()
}

func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*storeBackend, error) {
	switch cfg.StoreDriver {
	case config.DriverSQLite:
		gdb, err := db.OpenSQLite(ctx, cfg.SQLiteDSN, logger)
		if err != nil {
			return nil, err
		}
		repo, err := occurrence.NewRepoSQLite(ctx, gdb)
		if err != nil {
			return nil, err
		}
		return &storeBackend{
			repo:   repo,
			tenant: db.TenantContextMiddleware(cfg.DefaultTenant),
			health: db.SQLiteHealthHandler(gdb),
			close: func() {
				if sqlDB, err := gdb.DB(); err == nil {
					_ = sqlDB.Close()
				}
			},
		}, nil
	default:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		// the default clinic is always migrated; others via `tenant create`
		if err := db.CreateTenantSchema(ctx, pool, cfg.DefaultTenant, migrations.FS); err != nil {
			pool.Close()
			return nil, err
		}
		return &storeBackend{
			repo:   occurrence.NewRepoPG(pool),
			tenant: db.TenantMiddleware(pool, cfg.DefaultTenant),
			health: db.HealthHandler(pool),
			close:  pool.Close,
		}, nil
	}
}

// urlSigningKey returns the configured key or, outside production, a random
// one (download links then die with the process).
func urlSigningKey(cfg *config.Config, logger zerolog.Logger) ([]byte, error) {
	if cfg.URLSigningKey != "" {
		return []byte(cfg.URLSigningKey), nil
	}
	key := make([]byte, 32)
	if _, err := crypto_rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate url signing key: %w", err)
	}
	logger.Warn().Msg("URL_SIGNING_KEY not set; using an ephemeral key")
	return key, nil
}

func runServer() error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()

	// Outcome rules
	rules, err := occurrence.LoadRules(cfg.OutcomeRulesFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load outcome rules")
	}
	logger.Info().Int("outcome_types", len(rules.Rules())).Str("file", cfg.OutcomeRulesFile).Msg("outcome rules loaded")

	// Database
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.StoreDriver).Msg("failed to open store")
	}
	defer store.close()
	logger.Info().Str("driver", cfg.StoreDriver).Msg("store ready")

	// Object storage and signed downloads
	objects, err := blobstore.NewDiskStore(cfg.ObjectStoreDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open object store")
	}
	signingKey, err := urlSigningKey(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to prepare url signer")
	}
	signer, err := blobstore.NewSigner(signingKey, cfg.PublicBaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create url signer")
	}
	bucket := blobstore.NewBucket(objects, signer)

	// Snapshots: external PDF renderer when configured, JSON documents otherwise
	var snapshots occurrence.SnapshotGenerator
	if cfg.PDFServiceURL != "" {
		snapshots = reporting.NewPDFClient(cfg.PDFServiceURL, logger, reporting.WithTemplate(cfg.PDFTemplate))
	} else {
		snapshots = reporting.NewDocumentWriter(bucket, cfg.SnapshotURLTTL)
	}

	// Webhooks
	notifier := webhook.NewNotifier(webhook.NewInMemoryStore(), logger)
	for _, u := range cfg.WebhookURLs {
		ep, err := notifier.RegisterEndpoint(ctx, u, cfg.WebhookSecret, "", nil)
		if err != nil {
			logger.Fatal().Err(err).Str("url", u).Msg("failed to register webhook endpoint")
		}
		logger.Info().Str("endpoint_id", ep.ID).Str("url", ep.URL).Msg("webhook endpoint registered")
	}

	// Metrics
	tp := telemetry.NewProvider(telemetry.Config{
		ServiceVersion: version,
		Environment:    cfg.Env,
		Enabled:        cfg.MetricsEnabled,
	})
	events := tp.InstrumentPublisher(notifier)

	// Occurrence domain
	dispatcher := occurrence.NewDispatcher(rules, snapshots, events, logger)
	binder := occurrence.NewAttachmentBinder(bucket, store.repo, cfg.SignedURLTTL, logger)
	svc := occurrence.NewService(store.repo, rules, binder, dispatcher, logger,
		occurrence.WithPrivilegedRoles(cfg.PrivilegedRoles...),
		occurrence.WithReviewForwarder(&occurrence.NotifierForwarder{Notifier: events}),
	)
	occHandler := occurrence.NewHandler(svc, cfg.MaxUploadBytes)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(tp.MetricsMiddleware())
	e.Use(middleware.SecurityHeaders(cfg.TLSEnabled || cfg.IsProduction()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders:  []string{"Authorization", "Content-Type", "If-Match", "X-Request-ID", "X-Tenant-ID"},
		ExposeHeaders: []string{"ETag", "X-Request-ID"},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit, cfg.MaxUploadBytes))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout, middleware.IsAttachmentUpload, auth.AuthSkipper))

	// Auth middleware
	if cfg.ResolvedAuthMode() == config.AuthModeDevelopment {
		e.Use(auth.DevAuthMiddleware(cfg.DefaultTenant, auth.AuthSkipper))
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthHMACKey),
			Skipper:    auth.AuthSkipper,
		}))
	}

	// Health and signed downloads sit outside tenant resolution
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", store.health)
	if cfg.MetricsEnabled {
		e.GET("/metrics", tp.PrometheusHandler())
	}
	blobstore.NewHandler(objects, signer).RegisterRoutes(e.Group(""))

	// API
	apiV1 := e.Group("/api/v1", store.tenant, middleware.Audit(logger))

	rateLimitCfg := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rateLimitCfg.RequestsPerSecond = cfg.RateLimitRPS
	}
	if cfg.RateLimitBurst > 0 {
		rateLimitCfg.BurstSize = cfg.RateLimitBurst
	}
	occHandler.RegisterRoutes(apiV1, middleware.RateLimit(rateLimitCfg))

	webhook.NewHandler(notifier).RegisterRoutes(apiV1.Group("/webhooks", auth.RequireRole("admin")))

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("version", version).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	// let in-flight snapshot and webhook steps finish before the store closes
	dispatcher.Wait()
	logger.Info().Msg("server stopped")
	return nil
}
