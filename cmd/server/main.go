package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/signaldesk/sessiond/internal/api"
	"github.com/signaldesk/sessiond/internal/app"
	"github.com/signaldesk/sessiond/internal/app/maintenance"
	"github.com/signaldesk/sessiond/internal/audit"
	iauth "github.com/signaldesk/sessiond/internal/auth"
	"github.com/signaldesk/sessiond/internal/cache"
	"github.com/signaldesk/sessiond/internal/database"
	"github.com/signaldesk/sessiond/internal/devices"
	"github.com/signaldesk/sessiond/internal/handlers"
	"github.com/signaldesk/sessiond/internal/security"
	"github.com/signaldesk/sessiond/internal/sessions"
	"github.com/signaldesk/sessiond/pkg/logger"
	"github.com/signaldesk/sessiond/pkg/mail"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("sessiond", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	var configPath string
	fs.StringVar(&configPath, "config", "", "Path to configuration directory")

	if err := fs.Parse(args); err != nil {
		return err
	}

	var paths []string
	if configPath != "" {
		paths = append(paths, configPath)
	}
	cfg, err := app.LoadConfig(paths...)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := logger.Init(cfg.Server.LogLevel); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer logger.Sync() // best effort

	log := logger.WithModule("bootstrap")

	db, err := database.Open(database.Config{
		Driver:   cfg.Database.Driver,
		Path:     cfg.Database.Path,
		DSN:      cfg.Database.DSN,
		Host:     databaseHost(cfg),
		Port:     databasePort(cfg),
		Name:     databaseName(cfg),
		User:     databaseUser(cfg),
		Password: databasePassword(cfg),
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer closeDatabase(db, log)

	if err := database.AutoMigrate(db); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	dbStore := cache.NewDatabaseStore(db)

	var sharedStore cache.Store = dbStore
	if cfg.Cache.Redis.Enabled {
		client, redisErr := cache.NewRedisClient(cache.RedisConfig{
			Address:  cfg.Cache.Redis.Address,
			Username: cfg.Cache.Redis.Username,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
			TLS:      cfg.Cache.Redis.TLS,
			Timeout:  cfg.Cache.Redis.Timeout,
		})
		if redisErr != nil {
			log.Warn("redis unavailable, falling back to database store", zap.Error(redisErr))
		} else {
			sharedStore = client
			defer client.Close()
			log.Info("redis connected", zap.String("addr", cfg.Cache.Redis.Address))
		}
	}

	auditLogger := audit.NewLogger(db, logger.WithModule("audit"))

	jwtService, err := iauth.NewJWTService(iauth.JWTConfig{
		Secret:         cfg.Auth.JWT.Secret,
		Issuer:         cfg.Auth.JWT.Issuer,
		AccessTokenTTL: cfg.Auth.JWT.TTL,
	})
	if err != nil {
		return fmt.Errorf("initialise jwt service: %w", err)
	}

	engine, err := iauth.NewRotationEngine(db, jwtService, auditLogger, iauth.RotationConfig{
		RefreshTokenTTL: cfg.Auth.Rotation.RefreshTTL,
		RefreshLength:   cfg.Auth.Rotation.RefreshLength,
		RefreshWindow:   cfg.Auth.Rotation.RefreshWindow,
	})
	if err != nil {
		return fmt.Errorf("initialise rotation engine: %w", err)
	}

	guard, err := security.NewCSRFGuard(db, auditLogger, security.CSRFConfig{
		TokenTTL:       cfg.Auth.CSRF.TokenTTL,
		TrustedOrigins: cfg.Auth.CSRF.TrustedOrigins,
		ExemptPaths:    cfg.Auth.CSRF.ExemptPaths,
	})
	if err != nil {
		return fmt.Errorf("initialise csrf guard: %w", err)
	}

	var mailer mail.Mailer
	if cfg.Email.SMTP.Enabled {
		mailer, err = mail.NewSMTPMailer(mail.SMTPSettings{
			Enabled:  true,
			Host:     cfg.Email.SMTP.Host,
			Port:     cfg.Email.SMTP.Port,
			Username: cfg.Email.SMTP.Username,
			Password: cfg.Email.SMTP.Password,
			From:     cfg.Email.SMTP.From,
			UseTLS:   cfg.Email.SMTP.UseTLS,
			Timeout:  cfg.Email.SMTP.Timeout,
		})
		if err != nil {
			return fmt.Errorf("initialise smtp mailer: %w", err)
		}
	}

	totpService, err := devices.NewTOTPService(db, cfg.Security.TOTPIssuer, []byte(cfg.Security.EncryptionKey), nil)
	if err != nil {
		return fmt.Errorf("initialise totp service: %w", err)
	}

	deviceManager, err := devices.NewManager(db, auditLogger, engine, mailer, totpService, devices.ManagerConfig{
		CodeDigits:              cfg.Devices.CodeDigits,
		CodeTTL:                 cfg.Devices.CodeTTL,
		MaxAttempts:             cfg.Devices.MaxAttempts,
		LockDuration:            cfg.Devices.LockDuration,
		NewDeviceAlertThreshold: cfg.Devices.NewDeviceAlertThreshold,
	})
	if err != nil {
		return fmt.Errorf("initialise device manager: %w", err)
	}

	coordinator, err := sessions.NewCoordinator(db, jwtService, guard, deviceManager, auditLogger, nil)
	if err != nil {
		return fmt.Errorf("initialise coordinator: %w", err)
	}

	authHandler, err := handlers.NewAuthHandler(db, engine, guard, deviceManager, handlers.AuthConfig{
		InternalKey: cfg.Auth.InternalKey,
		Cookies: handlers.CookieSettings{
			Domain: cfg.Server.Cookies.Domain,
			Secure: cfg.Server.Cookies.Secure,
		},
	})
	if err != nil {
		return err
	}
	deviceHandler, err := handlers.NewDeviceHandler(db, deviceManager, engine, totpService)
	if err != nil {
		return err
	}
	eventHandler, err := handlers.NewEventHandler(auditLogger)
	if err != nil {
		return err
	}

	router := api.NewRouter(api.Dependencies{
		Coordinator: coordinator,
		Auth:        authHandler,
		Devices:     deviceHandler,
		Events:      eventHandler,
		Health:      handlers.NewHealthHandler(db),
		Store:       sharedStore,
		Limits: api.RateLimits{
			AuthRequests: cfg.Server.RateLimit.AuthRequests,
			AuthWindow:   cfg.Server.RateLimit.AuthWindow,
			APIRequests:  cfg.Server.RateLimit.APIRequests,
			APIWindow:    cfg.Server.RateLimit.APIWindow,
		},
	})

	var cleaner *maintenance.Cleaner
	if cfg.Maintenance.Enabled {
		cleaner = maintenance.NewCleaner(engine, deviceManager, auditLogger, dbStore,
			maintenance.WithSchedule(cfg.Maintenance.Schedule),
			maintenance.WithAuditRetentionDays(cfg.Security.AuditRetentionDays),
		)
		if err := cleaner.Start(); err != nil {
			return fmt.Errorf("start maintenance: %w", err)
		}
		defer cleaner.Stop()
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.Shutdown)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func closeDatabase(db *gorm.DB, log *zap.Logger) {
	sqlDB, err := db.DB()
	if err != nil {
		log.Warn("close database", zap.Error(err))
		return
	}
	if err := sqlDB.Close(); err != nil {
		log.Warn("close database", zap.Error(err))
	}
}

func databaseHost(cfg *app.Config) string {
	switch cfg.Database.Driver {
	case "postgres":
		return cfg.Database.Postgres.Host
	case "mysql":
		return cfg.Database.MySQL.Host
	}
	return ""
}

func databasePort(cfg *app.Config) int {
	switch cfg.Database.Driver {
	case "postgres":
		return cfg.Database.Postgres.Port
	case "mysql":
		return cfg.Database.MySQL.Port
	}
	return 0
}

func databaseName(cfg *app.Config) string {
	switch cfg.Database.Driver {
	case "postgres":
		return cfg.Database.Postgres.Database
	case "mysql":
		return cfg.Database.MySQL.Database
	}
	return ""
}

func databaseUser(cfg *app.Config) string {
	switch cfg.Database.Driver {
	case "postgres":
		return cfg.Database.Postgres.Username
	case "mysql":
		return cfg.Database.MySQL.Username
	}
	return ""
}

func databasePassword(cfg *app.Config) string {
	switch cfg.Database.Driver {
	case "postgres":
		return cfg.Database.Postgres.Password
	case "mysql":
		return cfg.Database.MySQL.Password
	}
	return ""
}
