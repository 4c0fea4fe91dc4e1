package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/oarkflow/ip"
	"github.com/oarkflow/log"
	"gopkg.in/yaml.v3"

	"github.com/oarkflow/ddosguard"
)

type bootstrap struct {
	Port       string            `yaml:"port"`
	ConfigPath string            `yaml:"config_path"`
	AuditPath  string            `yaml:"audit_path"`
	GeoBaseURL string            `yaml:"geo_base_url"`
	Whitelist  []string          `yaml:"whitelist"`
	AdminUsers map[string]string `yaml:"admin_users"`
	Schedule   string            `yaml:"maintenance_schedule"`
	LogLevel   string            `yaml:"log_level"`
	WindowSecs int               `yaml:"window_seconds"`
	Threshold  int               `yaml:"threshold"`
}

func loadBootstrap(path string) (bootstrap, error) {
	boot := bootstrap{
		Port:       "3000",
		ConfigPath: "config.json",
		AuditPath:  "ddosguard.db",
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return boot, nil
		}
		return boot, err
	}
	if err := yaml.Unmarshal(data, &boot); err != nil {
		return boot, fmt.Errorf("parse %s: %w", path, err)
	}
	return boot, nil
}

func logLevel(name string) log.Level {
	switch name {
	case "debug":
		return log.DebugLevel
	case "warn":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

func main() {
	bootPath := flag.String("bootstrap", "ddosguard.yml", "Bootstrap config file")
	flag.Parse()

	boot, err := loadBootstrap(*bootPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bootstrap: %v\n", err)
		os.Exit(1)
	}

	logger := ddosguard.NewLogger(logLevel(boot.LogLevel))
	ip.Init()

	guard, err := ddosguard.NewGuard(ddosguard.GuardConfig{
		ConfigPath: boot.ConfigPath,
		AuditPath:  boot.AuditPath,
		Whitelist:  boot.Whitelist,
		GeoBaseURL: boot.GeoBaseURL,
		Logger:     logger,
		Window:     time.Duration(boot.WindowSecs) * time.Second,
		Threshold:  boot.Threshold,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("guard init failed")
	}
	defer guard.Close()

	janitor := ddosguard.NewJanitor(guard, boot.Schedule)
	if err := janitor.Start(); err != nil {
		logger.Fatal().Err(err).Msg("janitor start failed")
	}
	defer janitor.Stop()

	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{"error": err.Error()})
		},
	})

	app.Use(cors.New())
	app.Use(guard.Middleware())

	admin := app.Group("/admin")
	if len(boot.AdminUsers) > 0 {
		admin.Use(basicauth.New(basicauth.Config{Users: boot.AdminUsers}))
	} else {
		logger.Warn().Msg("no admin_users configured, /admin is unauthenticated")
	}
	guard.RegisterRoutes(app, admin)

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":    "ok",
			"timestamp": time.Now().Format(time.RFC3339),
		})
	})

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-shutdown
		logger.Info().Msg("shutting down")
		if err := app.Shutdown(); err != nil {
			logger.Error().Err(err).Msg("server shutdown failed")
		}
	}()

	logger.Info().Str("port", boot.Port).Msg("ddosguard listening")
	if err := app.Listen(":" + boot.Port); err != nil {
		logger.Fatal().Err(err).Msg("server exited")
	}
}
