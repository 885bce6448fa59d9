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

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/teleconsult/consult/internal/config"
	"github.com/teleconsult/consult/internal/domain/chat"
	"github.com/teleconsult/consult/internal/domain/consultation"
	"github.com/teleconsult/consult/internal/platform/auth"
	"github.com/teleconsult/consult/internal/platform/db"
	"github.com/teleconsult/consult/internal/platform/middleware"
	"github.com/teleconsult/consult/internal/platform/websocket"
	"github.com/teleconsult/consult/migrations"
)

const serviceName = "consult-server"

func main() {
	rootCmd := &cobra.Command{
		Use:   serviceName,
		Short: "Telehealth consultation session server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(intakeCmd())
	rootCmd.AddCommand(joinCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// loadConfig loads and validates the configuration and builds the logger.
func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if err := cfg.Validate(); err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, newLogger(cfg.Env), nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the consultation API server",
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

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, migrations.Files).Up(ctx)
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
			ctx := cmd.Context()
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrations.Files).Status(ctx)
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

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Complete live sessions whose video room has expired, once",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			app, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer app.Close()

			// No hub runs in this process; events go straight to the bus.
			svc := consultation.NewService(app.appointments, app.tx, app.rooms, app.bus, logger)
			n, err := svc.Sweep(ctx)
			fmt.Printf("Completed %d expired session(s).\n", n)
			return err
		},
	}
}

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create a scheduled appointment for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			patient, _ := cmd.Flags().GetString("patient")
			clinician, _ := cmd.Flags().GetString("clinician")
			intakeDone, _ := cmd.Flags().GetBool("intake-complete")
			in, _ := cmd.Flags().GetDuration("in")

			a, err := seedAppointment(patient, clinician, intakeDone, time.Now().Add(in))
			if err != nil {
				return err
			}

			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			svc := consultation.NewService(consultation.NewAppointmentRepoPG(pool), db.NewTxRunner(pool), nil, nil, logger)
			if err := svc.Create(ctx, a); err != nil {
				return fmt.Errorf("create appointment: %w", err)
			}

			fmt.Printf("appointment  %s\n", a.ID)
			fmt.Printf("patient      %s\n", a.PatientID)
			fmt.Printf("clinician    %s\n", a.ClinicianID)
			fmt.Printf("intake done  %t\n", a.PreConsultationCompleted)

			if cfg.AuthSigningKey != "" {
				jwtCfg := jwtConfig(cfg)
				for _, p := range []struct{ role, id string }{
					{auth.RolePatient, a.PatientID.String()},
					{auth.RoleClinician, a.ClinicianID.String()},
				} {
					tok, err := auth.IssueToken(jwtCfg, p.id, p.role, "", 12*time.Hour)
					if err != nil {
						return err
					}
					fmt.Printf("%-12s %s\n", p.role+" token", tok)
				}
			}
			return nil
		},
	}
	cmd.Flags().String("patient", "", "Patient user id (random when empty)")
	cmd.Flags().String("clinician", "", "Clinician user id (random when empty)")
	cmd.Flags().Bool("intake-complete", false, "Mark the pre-consultation intake as done")
	cmd.Flags().Duration("in", 10*time.Minute, "Scheduled start relative to now")
	return cmd
}

// seedAppointment builds the appointment the seed command inserts.
func seedAppointment(patient, clinician string, intakeDone bool, start time.Time) (*consultation.Appointment, error) {
	parse := func(flag, v string) (uuid.UUID, error) {
		if v == "" {
			return uuid.New(), nil
		}
		id, err := uuid.Parse(v)
		if err != nil {
			return uuid.Nil, fmt.Errorf("--%s must be a UUID: %w", flag, err)
		}
		return id, nil
	}
	pid, err := parse("patient", patient)
	if err != nil {
		return nil, err
	}
	cid, err := parse("clinician", clinician)
	if err != nil {
		return nil, err
	}
	start = start.UTC().Truncate(time.Second)
	return &consultation.Appointment{
		PatientID:                pid,
		ClinicianID:              cid,
		PreConsultationCompleted: intakeDone,
		ScheduledStart:           &start,
	}, nil
}

func intakeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "intake <appointment-id>",
		Short: "Set the pre-consultation intake flag of an appointment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid appointment id: %w", err)
			}
			incomplete, _ := cmd.Flags().GetBool("incomplete")

			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			svc := consultation.NewService(consultation.NewAppointmentRepoPG(pool), db.NewTxRunner(pool), nil, nil, logger)
			a, err := svc.SetPreConsultation(ctx, id, !incomplete)
			if err != nil {
				return err
			}
			fmt.Printf("appointment %s intake done: %t\n", a.ID, a.PreConsultationCompleted)
			return nil
		},
	}
	cmd.Flags().Bool("incomplete", false, "Clear the flag instead of setting it")
	return cmd
}

func jwtConfig(cfg *config.Config) auth.JWTConfig {
	return auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: []byte(cfg.AuthSigningKey),
		Skipper:    auth.AuthSkipper,
	}
}

func runServer() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to initialise")
		return err
	}
	defer app.Close()
	logger.Info().Str("video", cfg.VideoProvider).Str("notify", cfg.NotifyBackend).Str("blob", cfg.BlobBackend).Msg("dependencies ready")

	consultSvc := consultation.NewService(app.appointments, app.tx, app.rooms, app.notifier, logger)
	chatSvc := chat.NewService(chat.NewMessageRepoPG(app.pool), app.tx, app.blobs, app.notifier, logger)
	reconciler := consultation.NewReconciler(consultSvc, cfg.ReconcileInterval, logger)
	events := websocket.NewHandler(app.notifier, websocketAuthorizer(consultSvc), cfg.CORSOrigins, logger)

	e := newEcho(cfg, logger)
	e.GET("/health", db.LivenessHandler(serviceName, time.Now()))
	e.GET("/health/ready", db.ReadyHandler(app.readinessChecks()...))

	apiV1 := e.Group("/api/v1")
	consultation.NewHandler(consultSvc).RegisterRoutes(apiV1)
	chat.NewHandler(chatSvc, cfg.ChatRequireAttachmentCaption).RegisterRoutes(apiV1)
	events.RegisterRoutes(apiV1)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return app.notifier.Run(gctx) })
	g.Go(func() error { return reconciler.Run(gctx) })
	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

func newEcho(cfg *config.Config, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = middleware.NewValidator()

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost},
		AllowHeaders:  []string{"Authorization", "Content-Type", "X-Request-ID", auth.DevUserIDHeader, auth.DevUserRoleHeader},
		ExposeHeaders: []string{"Retry-After"},
	}))
	e.Use(middleware.BodyLimit("1M", "25M"))
	e.Use(middleware.RequestTimeout(30 * time.Second))

	jwtCfg := jwtConfig(cfg)
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware(jwtCfg))
	} else {
		e.Use(auth.JWTMiddleware(jwtCfg))
	}
	return e
}

// websocketAuthorizer lets only the appointment's participants, or the
// system role, watch its topics.
func websocketAuthorizer(svc *consultation.Service) websocket.AuthorizeFunc {
	return func(ctx context.Context, userID, role, appointmentID string) error {
		return svc.Authorize(ctx, appointmentID, consultation.Actor{UserID: userID, Role: role})
	}
}
