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

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/pathoai/patho/internal/config"
	"github.com/pathoai/patho/internal/domain/pathology"
	"github.com/pathoai/patho/internal/platform/auditpdf"
	"github.com/pathoai/patho/internal/platform/billingai"
	"github.com/pathoai/patho/internal/platform/blobstore"
	"github.com/pathoai/patho/internal/platform/db"
	"github.com/pathoai/patho/internal/platform/feeschedule"
	"github.com/pathoai/patho/internal/platform/middleware"
)

const (
	serviceName    = "PathoAI Revenue Recovery API"
	serviceVersion = "2.0.0"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "patho-server",
		Short: "Pathology revenue recovery API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(seedCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations (postgres backend)",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.StorageBackend != config.BackendPostgres {
				fmt.Printf("Backend %q creates its schema on open; nothing to migrate.\n", cfg.StorageBackend)
				return nil
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, db.Migrations()).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.StorageBackend != config.BackendPostgres {
				fmt.Printf("Backend %q has no versioned migrations.\n", cfg.StorageBackend)
				return nil
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, db.Migrations()).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

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
	})

	return cmd
}

func seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Insert the demo cases into an empty store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			ctx := context.Background()
			st, err := openStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer st.close()

			svc := pathology.NewService(st.store, nil, nil, nil, feeschedule.Default(), nil, logger)
			n, err := svc.SeedDemo(ctx)
			if err != nil {
				return err
			}
			if n == 0 {
				fmt.Println("Store already has cases; nothing seeded.")
				return nil
			}
			fmt.Printf("Seeded %d demo case(s).\n", n)
			return nil
		},
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

// storage bundles the selected backend with its health probe and cleanup.
type storage struct {
	store    pathology.Store
	label    string
	dbHealth echo.HandlerFunc
	close    func()
}

func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*storage, error) {
	switch cfg.StorageBackend {
	case config.BackendPostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		n, err := db.NewMigrator(pool, db.Migrations()).Up(ctx)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("apply migrations: %w", err)
		}
		logger.Info().Int("applied", n).Msg("connected to postgres")
		return &storage{
			store:    pathology.NewStorePG(pool),
			label:    "PostgreSQL",
			dbHealth: db.HealthHandler(pool),
			close:    pool.Close,
		}, nil

	case config.BackendSQLite:
		conn, err := db.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		store, err := pathology.NewStoreSQLite(ctx, conn)
		if err != nil {
			conn.Close()
			return nil, err
		}
		logger.Info().Str("path", cfg.SQLitePath).Msg("opened sqlite store")
		return &storage{
			store:    store,
			label:    "SQLite",
			dbHealth: db.PingHandler(db.PingFunc(conn.PingContext), nil),
			close:    func() { conn.Close() },
		}, nil

	case config.BackendFile:
		store, err := pathology.NewStoreFile(cfg.FileStorePath)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("path", cfg.FileStorePath).Msg("opened file store")
		return &storage{store: store, label: "JSON file", close: func() {}}, nil
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
}

// deps are the collaborators behind the HTTP surface.
type deps struct {
	store    *storage
	blobs    blobstore.BlobStore
	fees     *feeschedule.Schedule
	recomm   pathology.Recommender
	renderer pathology.ReportRenderer
}

func newServer(cfg *config.Config, logger zerolog.Logger, d deps) (*echo.Echo, *pathology.Service) {
	revenue := pathology.NewRevenue(d.store.store, logger)
	svc := pathology.NewService(d.store.store, d.recomm, d.renderer, revenue, d.fees, d.blobs, logger)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders:  []string{echo.HeaderContentType, middleware.RequestIDHeader},
		ExposeHeaders: []string{echo.HeaderContentDisposition, middleware.RequestIDHeader},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit, cfg.UploadLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	e.GET("/", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"service":  serviceName,
			"version":  serviceVersion,
			"database": d.store.label,
			"status":   "operational",
		})
	})
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
	})
	if d.store.dbHealth != nil {
		e.GET("/health/db", d.store.dbHealth)
	}

	blobstore.NewBlobHandler(d.blobs).RegisterRoutes(e)
	pathology.NewHandler(svc, revenue).RegisterRoutes(e.Group("/api"))

	return e, svc
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open store")
	}
	defer st.close()

	blobs, err := blobstore.NewDirBlobStore(cfg.UploadDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open upload directory")
	}

	fees := feeschedule.Default()
	if cfg.FeeSchedulePath != "" {
		if fees, err = feeschedule.Load(cfg.FeeSchedulePath); err != nil {
			logger.Fatal().Err(err).Msg("failed to load fee schedule")
		}
		if err := fees.Watch(ctx, cfg.FeeSchedulePath, logger); err != nil {
			logger.Warn().Err(err).Msg("fee schedule hot reload disabled")
		}
	}

	recomm := billingai.New(billingai.Config{
		APIKey:  cfg.GeminiAPIKey,
		Model:   cfg.GeminiModel,
		BaseURL: cfg.GeminiBaseURL,
		Timeout: cfg.BillingTimeout,
	}, logger)

	e, svc := newServer(cfg, logger, deps{
		store:    st,
		blobs:    blobs,
		fees:     fees,
		recomm:   recomm,
		renderer: auditpdf.NewRenderer(logger),
	})

	if cfg.SeedDemo {
		if _, err := svc.SeedDemo(ctx); err != nil {
			logger.Error().Err(err).Msg("demo seeding failed")
		}
	}

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("backend", cfg.StorageBackend).Bool("demo_mode", recomm.DemoMode()).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}
