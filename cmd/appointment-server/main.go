package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/iamgolden55/basebackend-sub001/internal/config"
	"github.com/iamgolden55/basebackend-sub001/internal/domain/scheduling"
	"github.com/iamgolden55/basebackend-sub001/internal/platform/auth"
	"github.com/iamgolden55/basebackend-sub001/internal/platform/cache"
	"github.com/iamgolden55/basebackend-sub001/internal/platform/db"
	"github.com/iamgolden55/basebackend-sub001/internal/platform/logging"
	"github.com/iamgolden55/basebackend-sub001/internal/platform/metrics"
	"github.com/iamgolden55/basebackend-sub001/internal/platform/middleware"
	"github.com/iamgolden55/basebackend-sub001/internal/platform/notification"
	"github.com/iamgolden55/basebackend-sub001/migrations"
)

const serviceName = "appointment-server"

func main() {
	rootCmd := &cobra.Command{
		Use:   serviceName,
		Short: "Hospital appointment scheduling API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(rankCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the appointment API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			target, _ := cmd.Flags().GetInt("to")

			ctx := context.Background()
			pool, _, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, migrations.FS)
			var count int
			if target > 0 {
				count, err = migrator.UpTo(ctx, target)
			} else {
				count, err = migrator.Up(ctx)
			}
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().Int("to", 0, "Stop after this version (0 applies everything)")
	cmd.AddCommand(upCmd)

	// migrate status
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			pool, _, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrations.FS).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				fmt.Println(statusLine(s))
			}
			return nil
		},
	})

	return cmd
}

func statusLine(s db.MigrationStatus) string {
	status := "pending"
	appliedAt := ""
	if s.Applied {
		status = "applied"
		if s.AppliedAt != nil {
			appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
		}
	}
	return fmt.Sprintf("%-10d %-40s %-10s %s", s.Version, s.Name, status, appliedAt)
}

// rankCmd prints the candidate ranking for a hypothetical booking without
// creating anything.
func rankCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rank",
		Short: "Rank the practitioners of a department for a booking",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := cmd.Flags()
			hospital, _ := f.GetString("hospital")
			department, _ := f.GetString("department")
			patient, _ := f.GetString("patient")
			at, _ := f.GetString("at")
			priority, _ := f.GetString("priority")
			apptType, _ := f.GetString("type")

			ctx := context.Background()
			pool, cfg, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			loc, err := cfg.Location()
			if err != nil {
				return err
			}
			req, err := parseRankRequest(hospital, department, patient, at, priority, apptType, loc)
			if err != nil {
				return err
			}

			appts := scheduling.NewAppointmentRepoPG(pool)
			avail := scheduling.NewAvailabilityChecker(appts, loc)
			scorer := scheduling.NewScorer(appts, avail, nil, cfg.SuccessRateTTL)
			engine := scheduling.NewEngine(
				scheduling.NewPractitionerRepoPG(pool),
				scheduling.NewPatientDirectoryPG(pool),
				avail, scorer,
			)

			ranking, err := engine.Rank(ctx, req)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(ranking, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	cmd.Flags().String("hospital", "", "Hospital ID")
	cmd.Flags().String("department", "", "Department ID")
	cmd.Flags().String("patient", "", "Patient ID")
	cmd.Flags().String("at", "", "Requested start, RFC 3339 or \"2006-01-02 15:04\" in TIMEZONE")
	cmd.Flags().String("priority", string(scheduling.PriorityNormal), "normal, urgent or emergency")
	cmd.Flags().String("type", string(scheduling.TypeConsultation), "Appointment type")
	return cmd
}

func parseRankRequest(hospital, department, patient, at, priority, apptType string, loc *time.Location) (scheduling.AssignmentRequest, error) {
	var req scheduling.AssignmentRequest
	ids := []struct {
		flag string
		raw  string
		dst  *uuid.UUID
	}{
		{"--hospital", hospital, &req.HospitalID},
		{"--department", department, &req.DepartmentID},
		{"--patient", patient, &req.PatientID},
	}
	for _, id := range ids {
		if id.raw == "" {
			return req, fmt.Errorf("%s is required", id.flag)
		}
		parsed, err := uuid.Parse(id.raw)
		if err != nil {
			return req, fmt.Errorf("%s: invalid id %q", id.flag, id.raw)
		}
		*id.dst = parsed
	}

	if at == "" {
		return req, fmt.Errorf("--at is required")
	}
	start, err := time.Parse(time.RFC3339, at)
	if err != nil {
		start, err = time.ParseInLocation("2006-01-02 15:04", at, loc)
		if err != nil {
			return req, fmt.Errorf("--at: cannot parse %q", at)
		}
	}
	req.At = start

	req.Priority = scheduling.Priority(priority)
	switch req.Priority {
	case scheduling.PriorityNormal, scheduling.PriorityUrgent, scheduling.PriorityEmergency:
	default:
		return req, fmt.Errorf("--priority: unknown value %q", priority)
	}
	req.Type = scheduling.AppointmentType(apptType)
	return req, nil
}

// openPool loads configuration and connects to the database for the
// one-shot commands.
func openPool(ctx context.Context) (*pgxpool.Pool, *config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	logger := logging.Must(cfg.LogLevel, cfg.LogFormat, serviceName)
	pool, err := db.NewPool(ctx, poolConfig(cfg), logger)
	if err != nil {
		return nil, nil, err
	}
	return pool, cfg, nil
}

func poolConfig(cfg *config.Config) db.PoolConfig {
	return db.PoolConfig{
		URL:             cfg.DatabaseURL,
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		MaxConnLifetime: time.Hour,
		TimeZone:        cfg.TimeZone,
	}
}

func runServer() error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		os.Exit(2)
	}

	// Logger
	logger := logging.Must(cfg.LogLevel, cfg.LogFormat, serviceName)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	loc, _ := cfg.Location()
	signingKey, _ := cfg.SigningKey()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Database
	pool, err := db.NewPool(ctx, poolConfig(cfg), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	probes := []db.Probe{db.PoolProbe(pool)}

	// Success-rate cache
	var store cache.Store
	if cfg.RedisURL != "" {
		rs, err := cache.NewRedisStore(cfg.RedisURL, "appointments:")
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to configure redis")
		}
		defer rs.Close()
		store = rs
		probes = append(probes, db.Probe{Name: "redis", Check: rs.Ping})
		logger.Info().Msg("using redis score cache")
	} else {
		ms := cache.NewMemoryStore()
		ms.StartCleanup(ctx, time.Minute)
		store = ms
	}

	// Notifications
	var publisher notification.Publisher = notification.NewLogPublisher(logger)
	if cfg.AMQPURL != "" {
		conn, err := amqp091.Dial(cfg.AMQPURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to message broker")
		}
		defer conn.Close()
		ap, err := notification.NewAMQPPublisher(conn, cfg.NotificationQueue)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to open notification channel")
		}
		defer ap.Close()
		publisher = ap
		logger.Info().Str("queue", cfg.NotificationQueue).Msg("publishing notifications to broker")
	}
	names := newDepartmentNames(scheduling.NewDepartmentRepoPG(pool), logger)
	dispatcher := notification.NewDispatcher(publisher, notification.NewTemplateEngine(), logger,
		notification.DispatcherConfig{Workers: cfg.NotifyWorkers, Buffer: cfg.NotifyBuffer, Prepare: names.Prepare})
	dispatcher.Start(ctx)

	// Scheduling
	svc := newSchedulingService(pool, cache.NewReadThrough(store, logger), dispatcher, cfg, loc, logger)
	go svc.RunReminders(ctx, cfg.ReminderPollInterval, cfg.ReminderBatch)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	if cfg.MetricsEnabled {
		e.Use(metrics.Middleware())
	}
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(echomw.BodyLimit("1M"))
	e.Use(echomw.Secure())

	// Auth middleware
	if cfg.IsDev() {
		logger.Warn().Msg("development mode: trusting X-Actor-* headers")
		e.Use(auth.DevAuthMiddleware(uuid.Nil.String()))
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: signingKey,
			Skipper:    auth.AuthSkipper,
		}))
	}

	// Health and metrics
	e.GET("/health", db.LivenessHandler())
	e.GET("/health/ready", db.ReadinessHandler(pool, probes...))
	if cfg.MetricsEnabled {
		e.GET("/metrics", metrics.Handler())
	}

	// API routes
	apiV1 := e.Group("/api/v1")
	apiV1.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}))
	scheduling.NewHandler(svc).RegisterRoutes(apiV1)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
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
	stop()
	dispatcher.Stop()
	logger.Info().Msg("server stopped")
	return nil
}

func newSchedulingService(pool *pgxpool.Pool, scores scheduling.ScoreCache, queue enqueuer, cfg *config.Config, loc *time.Location, logger zerolog.Logger) *scheduling.Service {
	appts := scheduling.NewAppointmentRepoPG(pool)
	practitioners := scheduling.NewPractitionerRepoPG(pool)
	departments := scheduling.NewDepartmentRepoPG(pool)
	patients := scheduling.NewPatientDirectoryPG(pool)

	avail := scheduling.NewAvailabilityChecker(appts, loc)
	scorer := scheduling.NewScorer(appts, avail, scores, cfg.SuccessRateTTL)
	engine := scheduling.NewEngine(practitioners, patients, avail, scorer)

	return scheduling.NewService(scheduling.Deps{
		Appointments:  appts,
		Practitioners: practitioners,
		Departments:   departments,
		Patients:      patients,
		Availability:  avail,
		Engine:        engine,
		Locker:        db.NewAdvisoryLocker(pool),
		Notifier:      newDispatchNotifier(queue, loc),
		Reminders:     scheduling.NewReminderStorePG(pool),
		Scorer:        scorer,
		Location:      loc,
		Logger:        logger,
	})
}
